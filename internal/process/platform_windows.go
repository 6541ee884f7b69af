//go:build windows

package process

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// setupProcessGroup sets up process group for Windows systems
func setupProcessGroup(cmd *exec.Cmd) {
	// CREATE_NEW_PROCESS_GROUP lets taskkill /T reach the whole tree
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags = syscall.CREATE_NEW_PROCESS_GROUP
}

// terminateProcess asks the process tree to exit
func terminateProcess(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// killProcess forcefully kills the process tree
func killProcess(pid int) error {
	_ = exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill() // Ignore errors, process might already be dead
	}
	return nil
}
