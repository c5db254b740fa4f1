package worker

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

const (
	StateIdle    = "idle"
	StateWorking = "working"
)

// Status is the worker's externally visible state, mirrored to status.json
// next to the config file on every transition.
type Status struct {
	State           string  `json:"state"`
	JobID           string  `json:"jobId"`
	LastError       string  `json:"lastError"`
	ProgressPct     float64 `json:"progressPct"`
	ProgressMessage string  `json:"progressMessage"`
	ProgressEtaSec  float64 `json:"progressEtaSec"`
}

// StatusFile writes Status snapshots atomically so UI readers never see a
// torn document.
type StatusFile struct {
	path string
}

func NewStatusFile(configPath string) *StatusFile {
	return &StatusFile{path: filepath.Join(filepath.Dir(configPath), "status.json")}
}

func (sf *StatusFile) Write(status Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(sf.path, append(data, '\n'), 0o644)
}

// Read returns the last written status, or an idle default when the file is
// missing or unreadable.
func (sf *StatusFile) Read() Status {
	status := Status{State: StateIdle}
	data, err := os.ReadFile(sf.path)
	if err != nil {
		return status
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return Status{State: StateIdle}
	}
	return status
}
