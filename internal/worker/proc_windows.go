//go:build windows

package worker

import "os/exec"

func configureProcAttrs(cmd *exec.Cmd) {}

// Windows has no SIGTERM; Kill is the only way to stop the process, so
// terminate and kill collapse into the same call.
func terminateProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
