//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the child in its own process group so signals
// reach anything it forks.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess sends SIGTERM to the process group, falling back to the
// single process if the group is gone.
func terminateProcess(pid int) error {
	return signalTree(pid, syscall.SIGTERM)
}

// killProcess sends SIGKILL to the process group and the process itself
func killProcess(pid int) error {
	return signalTree(pid, syscall.SIGKILL)
}

func signalTree(pid int, sig syscall.Signal) error {
	groupErr := syscall.Kill(-pid, sig)
	if groupErr == nil {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
