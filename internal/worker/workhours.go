package worker

import (
	"strconv"
	"strings"
	"time"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
)

// InWorkHours reports whether now falls inside any configured window. An
// empty list means the worker is always in hours. Windows compare on local
// minute-of-day; start after end wraps past midnight. Malformed windows
// are skipped.
func InWorkHours(hours []domain.WorkHours, now time.Time) bool {
	if len(hours) == 0 {
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	for _, window := range hours {
		start, ok := parseMinuteOfDay(window.Start)
		if !ok {
			continue
		}
		end, ok := parseMinuteOfDay(window.End)
		if !ok {
			continue
		}
		if start <= end {
			if minute >= start && minute <= end {
				return true
			}
		} else if minute >= start || minute <= end {
			return true
		}
	}
	return false
}

func parseMinuteOfDay(value string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}
