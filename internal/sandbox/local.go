package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	execTimeout    = 5 * time.Minute
	subscriberSize = 256
)

// LocalProvider provisions sandboxes as OS-level isolated process groups
// under a scratch directory. Memory is bounded with ulimit inside a bash
// wrapper; the host environment is never inherited.
type LocalProvider struct {
	// Root is the parent directory for sandbox workspaces. Empty means
	// the system temp directory.
	Root string
}

// Available reports whether local sandboxing works on this platform.
func (p *LocalProvider) Available() bool {
	return runtime.GOOS == "linux" || runtime.GOOS == "darwin"
}

// Create provisions a sandbox workspace.
func (p *LocalProvider) Create(_ context.Context, spec CreateSpec) (Handle, error) {
	if !p.Available() {
		return nil, &ProvisionError{
			SessionID: spec.SessionID,
			Err:       fmt.Errorf("local sandbox not available on %s", runtime.GOOS),
		}
	}

	root := p.Root
	if root == "" {
		root = os.TempDir()
	}
	dir, err := os.MkdirTemp(root, "appforge-sandbox-*")
	if err != nil {
		return nil, &ProvisionError{SessionID: spec.SessionID, Err: err}
	}

	h := &localHandle{
		id:        filepath.Base(dir),
		dir:       dir,
		memoryMB:  spec.MemoryMB,
		env:       spec.Env,
		processes: NewProcessSet(4),
	}
	return h, nil
}

type localHandle struct {
	id       string
	dir      string
	memoryMB int
	env      map[string]string

	processes *ProcessSet

	mu        sync.Mutex
	seq       int
	subs      []chan LogLine
	destroyed bool
}

func (h *localHandle) ID() string { return h.id }

// WriteFile places content under the sandbox directory. The path must stay
// inside the workspace.
func (h *localHandle) WriteFile(_ context.Context, path string, content []byte) error {
	if h.isDestroyed() {
		return &RuntimeError{SandboxID: h.id, Op: "write", Err: fmt.Errorf("sandbox destroyed")}
	}

	target := filepath.Join(h.dir, filepath.FromSlash(path))
	rel, err := filepath.Rel(h.dir, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return &RuntimeError{SandboxID: h.id, Op: "write", Err: fmt.Errorf("path %q escapes sandbox", path)}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &RuntimeError{SandboxID: h.id, Op: "write", Err: err}
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return &RuntimeError{SandboxID: h.id, Op: "write", Err: err}
	}
	return nil
}

// Exec runs a command to completion through the ulimit wrapper.
func (h *localHandle) Exec(ctx context.Context, command string) (*ExecResult, error) {
	if h.isDestroyed() {
		return nil, &RuntimeError{SandboxID: h.id, Op: "exec", Err: fmt.Errorf("sandbox destroyed")}
	}

	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", h.wrap(command))
	cmd.Dir = h.dir
	cmd.Env = h.commandEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return nil, &RuntimeError{SandboxID: h.id, Op: "exec", Err: err}
	}
	return result, nil
}

// Start launches a long-running command. Output is captured line by line
// into the process ring buffer and fanned out to subscribers.
func (h *localHandle) Start(ctx context.Context, command string, primary bool) (*ProcessRef, error) {
	if h.isDestroyed() {
		return nil, &RuntimeError{SandboxID: h.id, Op: "start", Err: fmt.Errorf("sandbox destroyed")}
	}

	cmd := exec.Command("bash", "-c", h.wrap(command))
	cmd.Dir = h.dir
	cmd.Env = h.commandEnv()
	// Own process group so Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &RuntimeError{SandboxID: h.id, Op: "start", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &RuntimeError{SandboxID: h.id, Op: "start", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &RuntimeError{SandboxID: h.id, Op: "start", Err: err}
	}

	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	now := time.Now()
	ref := ProcessRef{
		ID:      processID(h.id, seq, now),
		Command: command,
		Primary: primary,
		Started: now,
	}

	proc := newProcess(ref, func() error {
		// Negative pid signals the process group.
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	})

	if err := h.processes.Add(proc); err != nil {
		_ = proc.Stop()
		return nil, &RuntimeError{SandboxID: h.id, Op: "start", Err: err}
	}
	proc.markRunning()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		h.pump(proc, "stdout", stdout)
	}()
	go func() {
		defer pumps.Done()
		h.pump(proc, "stderr", stderr)
	}()
	go func() {
		// Wait closes the pipes, so let the pumps hit EOF first or tail
		// lines get lost.
		pumps.Wait()
		err := cmd.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		proc.finish(code)
	}()

	// Honor an already-cancelled context.
	if ctx.Err() != nil {
		_ = proc.Stop()
		h.processes.Remove(ref.ID)
		return nil, ctx.Err()
	}

	return &ref, nil
}

func (h *localHandle) pump(proc *Process, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	ref := proc.Ref()

	for scanner.Scan() {
		line := LogLine{
			ProcessID: ref.ID,
			Stream:    stream,
			Text:      scanner.Text(),
			At:        time.Now(),
		}
		proc.append(line)
		h.broadcast(line)
	}
}

func (h *localHandle) broadcast(line LogLine) {
	h.mu.Lock()
	subs := h.subs
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- line:
		default: // slow subscriber, drop
		}
	}
}

func (h *localHandle) Logs(processID string, maxLines int) ([]LogLine, error) {
	proc, ok := h.processes.Get(processID)
	if !ok {
		return nil, &RuntimeError{SandboxID: h.id, Op: "logs", Err: fmt.Errorf("process %s not found", processID)}
	}
	return proc.Logs(maxLines), nil
}

// Wait reports a process's exit. The returned channel delivers once and
// closes.
func (h *localHandle) Wait(processID string) (<-chan ProcessExit, error) {
	proc, ok := h.processes.Get(processID)
	if !ok {
		return nil, &RuntimeError{SandboxID: h.id, Op: "wait", Err: fmt.Errorf("process %s not found", processID)}
	}

	ch := make(chan ProcessExit, 1)
	go func() {
		<-proc.Done()
		if exit, ok := proc.Exit(); ok {
			ch <- exit
		}
		close(ch)
	}()
	return ch, nil
}

func (h *localHandle) Subscribe() <-chan LogLine {
	ch := make(chan LogLine, subscriberSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		close(ch)
		return ch
	}
	h.subs = append(h.subs, ch)
	return ch
}

func (h *localHandle) StopProcess(processID string) error {
	proc, ok := h.processes.Get(processID)
	if !ok {
		return &RuntimeError{SandboxID: h.id, Op: "stop", Err: fmt.Errorf("process %s not found", processID)}
	}
	err := proc.Stop()
	h.processes.Remove(processID)
	return err
}

// Destroy stops every process, closes subscribers, and removes the
// workspace. Idempotent.
func (h *localHandle) Destroy() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()

	h.processes.StopAll()
	for _, ch := range subs {
		close(ch)
	}
	return os.RemoveAll(h.dir)
}

func (h *localHandle) isDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

// wrap prefixes a command with resource limits, matching how short-lived
// tool execution is confined.
func (h *localHandle) wrap(command string) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	if h.memoryMB > 0 {
		fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null || true\n", h.memoryMB*1024)
	}
	b.WriteString("ulimit -f 65536 2>/dev/null || true\n")
	b.WriteString("ulimit -u 128 2>/dev/null || true\n")
	fmt.Fprintf(&b, "cd %s\n", strconv.Quote(h.dir))
	b.WriteString(command)
	b.WriteString("\n")
	return b.String()
}

// commandEnv builds the minimal safe environment plus the sandbox's own
// variables. The host environment is never inherited.
func (h *localHandle) commandEnv() []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		fmt.Sprintf("HOME=%s", h.dir),
		fmt.Sprintf("TMPDIR=%s", h.dir),
	}
	for k, v := range h.env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
