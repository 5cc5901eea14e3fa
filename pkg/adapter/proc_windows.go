//go:build windows

package adapter

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

// Windows has no SIGINT for child processes; the agent is killed outright.
func interrupt(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) {}

func killedBySignal(err *exec.ExitError) bool {
	return false
}
