package domain

import (
	"encoding/json"
	"errors"
)

// Entry is a registered root directory whose media files are tracked.
type Entry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	Args       string `json:"args"`
	Notes      string `json:"notes"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
	LastScanAt string `json:"lastScanAt"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Ratio summarizes the predicted gain of re-encoding an item at the
// configured per-height rate.
type Ratio struct {
	TargetBytes  int64   `json:"targetBytes"`
	SavingsBytes int64   `json:"savingsBytes"`
	SavingsPct   float64 `json:"savingsPct"`
}

// Item is one media file discovered under exactly one Entry.
type Item struct {
	ID                  string     `json:"id"`
	EntryID             string     `json:"entryId"`
	Path                string     `json:"path"`
	SizeBytes           int64      `json:"sizeBytes"`
	MTime               int64      `json:"mtime"`
	SourceFingerprint   string     `json:"sourceFingerprint"`
	DurationSec         float64    `json:"durationSec"`
	Width               int        `json:"width"`
	Height              int        `json:"height"`
	FPS                 float64    `json:"fps"`
	VideoCodec          string     `json:"videoCodec"`
	AudioCodecs         []string   `json:"audioCodecs"`
	SubtitleLangs       []string   `json:"subtitleLangs"`
	EncodedBy           string     `json:"encodedBy"`
	EncodedBySpacesaver bool       `json:"encodedBySpacesaver"`
	ScanAt              string     `json:"scanAt"`
	Ready               bool       `json:"ready"`
	Status              ItemStatus `json:"status"`
	LastJobID           string     `json:"lastJobId"`
	LastError           string     `json:"lastError"`
	LastTranscodeAt     string     `json:"lastTranscodeAt"`
	TranscodeCount      int        `json:"transcodeCount"`
	Ratio               Ratio      `json:"ratio"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Progress is the last reported progress of a job. LogTail is bounded to
// 200 characters by the coordinator.
type Progress struct {
	Pct     float64 `json:"pct"`
	EtaSec  float64 `json:"etaSec"`
	LogTail string  `json:"logTail"`
}

// Job is one encode attempt for one Item by one Worker.
type Job struct {
	ID              string    `json:"id"`
	ItemID          string    `json:"itemId"`
	WorkerID        string    `json:"workerId"`
	Status          JobStatus `json:"status"`
	ClaimedAt       string    `json:"claimedAt"`
	StartedAt       string    `json:"startedAt"`
	FinishedAt      string    `json:"finishedAt"`
	Error           string    `json:"error"`
	CancelRequested bool      `json:"cancelRequested"`
	LastUpdateAt    string    `json:"lastUpdateAt"`
	Progress        Progress  `json:"progress"`

	Extra map[string]json.RawMessage `json:"-"`
}

// WorkHours is one daily window in local "HH:MM" form. Start after End
// wraps past midnight.
type WorkHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Worker is a registered executor, created on first claim or heartbeat.
type Worker struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Status          string      `json:"status"`
	LastHeartbeatAt string      `json:"lastHeartbeatAt"`
	WorkHours       []WorkHours `json:"workHours"`
	WithinWorkHours bool        `json:"withinWorkHours"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ScanStatus is the singleton reflecting the most recent or current scan.
type ScanStatus struct {
	Active      bool   `json:"active"`
	EntryID     string `json:"entryId"`
	EntryName   string `json:"entryName"`
	Total       int    `json:"total"`
	Done        int    `json:"done"`
	CurrentPath string `json:"currentPath"`
	StartedAt   string `json:"startedAt"`
	UpdatedAt   string `json:"updatedAt"`
	FinishedAt  string `json:"finishedAt"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Validate checks domain invariants for Entry.
func (e Entry) Validate() error {
	if e.ID == "" {
		return errors.New("entry id is required")
	}
	if e.Path == "" {
		return errors.New("entry path is required")
	}
	return nil
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	type alias Entry
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := splitExtras(data, a)
	if err != nil {
		return err
	}
	*e = Entry(a)
	e.Extra = extra
	return nil
}

func (e Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return mergeExtras(alias(e), e.Extra)
}

func (i *Item) UnmarshalJSON(data []byte) error {
	type alias Item
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := splitExtras(data, a)
	if err != nil {
		return err
	}
	*i = Item(a)
	i.Extra = extra
	return nil
}

func (i Item) MarshalJSON() ([]byte, error) {
	type alias Item
	return mergeExtras(alias(i), i.Extra)
}

func (j *Job) UnmarshalJSON(data []byte) error {
	type alias Job
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := splitExtras(data, a)
	if err != nil {
		return err
	}
	*j = Job(a)
	j.Extra = extra
	return nil
}

func (j Job) MarshalJSON() ([]byte, error) {
	type alias Job
	return mergeExtras(alias(j), j.Extra)
}

func (w *Worker) UnmarshalJSON(data []byte) error {
	type alias Worker
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := splitExtras(data, a)
	if err != nil {
		return err
	}
	*w = Worker(a)
	w.Extra = extra
	return nil
}

func (w Worker) MarshalJSON() ([]byte, error) {
	type alias Worker
	return mergeExtras(alias(w), w.Extra)
}

func (s *ScanStatus) UnmarshalJSON(data []byte) error {
	type alias ScanStatus
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := splitExtras(data, a)
	if err != nil {
		return err
	}
	*s = ScanStatus(a)
	s.Extra = extra
	return nil
}

func (s ScanStatus) MarshalJSON() ([]byte, error) {
	type alias ScanStatus
	return mergeExtras(alias(s), s.Extra)
}
