package process

import (
	"fmt"
	"strings"
	"time"
)

type ProcessStatus string

const (
	StatusPending ProcessStatus = "pending"
	StatusRunning ProcessStatus = "running"
	StatusStopped ProcessStatus = "stopped"
	StatusFailed  ProcessStatus = "failed"
	StatusSuccess ProcessStatus = "success"
)

// IsFinished returns true for the terminal statuses
func (s ProcessStatus) IsFinished() bool {
	return s == StatusStopped || s == StatusFailed || s == StatusSuccess
}

// ProcessState is an immutable snapshot of a ManagedProcess.
// All fields should be treated as read-only.
type ProcessState struct {
	Owner   string
	PID     int
	Command string
	Args    []string
	Dir     string

	Status    ProcessStatus
	StartTime time.Time
	EndTime   *time.Time
	ExitCode  *int
}

// IsRunning returns true if the process is currently running
func (ps ProcessState) IsRunning() bool {
	return ps.Status == StatusRunning
}

// Duration returns how long the process has been running or ran for
func (ps ProcessState) Duration() time.Duration {
	if ps.StartTime.IsZero() {
		return 0
	}
	if ps.EndTime != nil {
		return ps.EndTime.Sub(ps.StartTime)
	}
	return time.Since(ps.StartTime)
}

// CommandLine joins the command and its arguments for display
func (ps ProcessState) CommandLine() string {
	return strings.TrimSpace(ps.Command + " " + strings.Join(ps.Args, " "))
}

func (ps ProcessState) String() string {
	if ps.ExitCode != nil {
		return fmt.Sprintf("Process[%s pid=%d: %s (exit %d)]", ps.Owner, ps.PID, ps.Status, *ps.ExitCode)
	}
	return fmt.Sprintf("Process[%s pid=%d: %s]", ps.Owner, ps.PID, ps.Status)
}
