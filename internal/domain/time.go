package domain

import "time"

// NowISO returns the current instant in the form every timestamp in the
// state document uses: RFC 3339, UTC, second precision, "Z" suffix.
func NowISO() string {
	return FormatISO(time.Now())
}

func FormatISO(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// ParseISO parses a stored timestamp. Empty or malformed values report
// ok=false; callers treat those as "never".
func ParseISO(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
