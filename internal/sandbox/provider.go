package sandbox

import (
	"context"
	"fmt"
	"time"
)

// CreateSpec holds the provisioning parameters for a new sandbox.
type CreateSpec struct {
	SessionID string
	MemoryMB  int
	// Env is merged over the minimal safe environment. The host
	// environment is never inherited.
	Env map[string]string
}

// ProcessRef identifies a process started inside a sandbox.
type ProcessRef struct {
	ID      string
	Command string
	Primary bool
	Started time.Time
}

// ProcessState is a process lifecycle phase.
type ProcessState string

const (
	ProcessStarting ProcessState = "starting"
	ProcessRunning  ProcessState = "running"
	ProcessExited   ProcessState = "exited"
	ProcessKilled   ProcessState = "killed"
)

// ProcessExit reports a terminated process. Killed means the process was
// stopped deliberately rather than dying on its own.
type ProcessExit struct {
	ProcessID string
	ExitCode  int
	Killed    bool
}

// LogLine is one line of process output, tagged with its stream.
type LogLine struct {
	ProcessID string
	Stream    string // "stdout" or "stderr"
	Text      string
	At        time.Time
}

// ExecResult is the outcome of a short-lived command run to completion.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Handle is a live sandbox. All methods may be called concurrently.
type Handle interface {
	// ID returns the provider-assigned sandbox identifier.
	ID() string

	// WriteFile places content at a project-relative path inside the
	// sandbox filesystem.
	WriteFile(ctx context.Context, path string, content []byte) error

	// Exec runs a command to completion, subject to ctx.
	Exec(ctx context.Context, command string) (*ExecResult, error)

	// Start launches a long-running process and begins capturing its
	// output. Primary marks the application process itself, as opposed
	// to helpers like dependency installs.
	Start(ctx context.Context, command string, primary bool) (*ProcessRef, error)

	// Logs returns the retained output of one process, oldest first.
	// maxLines caps the result to the newest lines; zero or negative
	// means everything retained.
	Logs(processID string, maxLines int) ([]LogLine, error)

	// Wait returns a channel that delivers the process's exit exactly
	// once and then closes. A process that already exited delivers
	// immediately.
	Wait(processID string) (<-chan ProcessExit, error)

	// Subscribe returns a channel of log lines for all processes in the
	// sandbox. The channel closes when the sandbox is destroyed.
	Subscribe() <-chan LogLine

	// StopProcess terminates one process.
	StopProcess(processID string) error

	// Destroy stops every process and releases the sandbox's resources.
	// Destroy is idempotent.
	Destroy() error
}

// Provider provisions sandboxes. The manager owns admission control and
// lifecycle state; providers only create and destroy.
type Provider interface {
	Create(ctx context.Context, spec CreateSpec) (Handle, error)
}

// ProvisionError indicates a sandbox could not be created.
type ProvisionError struct {
	SessionID string
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision sandbox for session %s: %v", e.SessionID, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// RuntimeError indicates a failure inside a running sandbox.
type RuntimeError struct {
	SandboxID string
	Op        string
	Err       error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("sandbox %s: %s: %v", e.SandboxID, e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }
