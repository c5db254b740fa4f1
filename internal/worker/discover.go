package worker

import (
	"os"
	"os/exec"
)

var handbrakeCandidates = []string{
	`C:\Program Files\HandBrake\HandBrakeCLI.exe`,
	`C:\Program Files (x86)\HandBrake\HandBrakeCLI.exe`,
	"/usr/local/bin/HandBrakeCLI",
	"/usr/bin/HandBrakeCLI",
	"/Applications/HandBrakeCLI",
}

// FindHandBrake resolves the HandBrakeCLI binary: explicit override, then
// the HANDBRAKECLI_PATH env var, then $PATH, then well-known install
// locations. Empty means not found.
func FindHandBrake(override string) string {
	if override != "" {
		return override
	}
	if env := os.Getenv("HANDBRAKECLI_PATH"); env != "" {
		return env
	}
	for _, name := range []string{"HandBrakeCLI", "HandBrakeCLI.exe"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	for _, candidate := range handbrakeCandidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// FindFFmpeg resolves the ffmpeg binary used for the metadata remux.
func FindFFmpeg(override string) string {
	if override != "" {
		return override
	}
	if env := os.Getenv("FFMPEG_PATH"); env != "" {
		return env
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path
	}
	return ""
}
