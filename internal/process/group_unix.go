//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// setGroup places the child in a new process group so that signals reach
// everything it spawns (xcrun forks the real tool).
func setGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
