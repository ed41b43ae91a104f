package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/szaher/appforge/internal/artifact"
	"github.com/szaher/appforge/internal/events"
)

// fakeHandle is an in-memory sandbox for manager tests.
type fakeHandle struct {
	id string

	mu        sync.Mutex
	files     map[string]string
	execs     []string
	started   []string
	exits     map[string]chan ProcessExit
	destroyed bool
	logs      chan LogLine

	lastMaxLines int

	writeErr error
	execCode int
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{
		id:    id,
		files: make(map[string]string),
		exits: make(map[string]chan ProcessExit),
		logs:  make(chan LogLine, 64),
	}
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) WriteFile(_ context.Context, path string, content []byte) error {
	if h.writeErr != nil {
		return h.writeErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = string(content)
	return nil
}

func (h *fakeHandle) Exec(_ context.Context, command string) (*ExecResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execs = append(h.execs, command)
	return &ExecResult{ExitCode: h.execCode}, nil
}

func (h *fakeHandle) Start(_ context.Context, command string, primary bool) (*ProcessRef, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, command)
	id := fmt.Sprintf("%s-p%d", h.id, len(h.started))
	h.exits[id] = make(chan ProcessExit, 1)
	return &ProcessRef{ID: id, Command: command, Primary: primary}, nil
}

func (h *fakeHandle) Logs(_ string, maxLines int) ([]LogLine, error) {
	h.mu.Lock()
	h.lastMaxLines = maxLines
	h.mu.Unlock()
	return []LogLine{{Stream: "stdout", Text: "booted"}}, nil
}

func (h *fakeHandle) Wait(processID string) (<-chan ProcessExit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.exits[processID]
	if !ok {
		return nil, fmt.Errorf("process %s not found", processID)
	}
	return ch, nil
}

// exitProcess simulates the process terminating.
func (h *fakeHandle) exitProcess(processID string, code int, killed bool) {
	h.mu.Lock()
	ch := h.exits[processID]
	h.mu.Unlock()
	ch <- ProcessExit{ProcessID: processID, ExitCode: code, Killed: killed}
	close(ch)
}

func (h *fakeHandle) Subscribe() <-chan LogLine { return h.logs }

func (h *fakeHandle) StopProcess(string) error { return nil }

func (h *fakeHandle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.destroyed {
		h.destroyed = true
		close(h.logs)
	}
	return nil
}

type fakeProvider struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
	err     error
	seq     int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{handles: make(map[string]*fakeHandle)}
}

func (p *fakeProvider) Create(_ context.Context, spec CreateSpec) (Handle, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	h := newFakeHandle(fmt.Sprintf("sb-%d", p.seq))
	p.handles[spec.SessionID] = h
	return h, nil
}

func newTestManager(t *testing.T, provider Provider, maxSandboxes int) *Manager {
	t.Helper()
	m := NewManager(provider, nil, nil, nil, Options{
		MaxSandboxes: maxSandboxes,
		IdleTTL:      time.Hour,
	})
	t.Cleanup(m.Close)
	return m
}

func reactArtifacts() []*artifact.Artifact {
	return []*artifact.Artifact{
		{Name: "package.json", Path: "package.json", Content: `{"dependencies":{"react":"18"}}`},
		{Name: "App.jsx", Path: "src/components/App.jsx", Content: "export default () => null"},
	}
}

func TestManagerLifecycle(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider, 5)
	ctx := context.Background()

	inst, err := m.Create(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}
	if inst.State != StateReady {
		t.Errorf("state after create = %q, want ready", inst.State)
	}

	written, err := m.WriteFiles(ctx, "sess_1", reactArtifacts())
	if err != nil {
		t.Fatalf("WriteFiles returned unexpected error: %v", err)
	}
	if written != 2 {
		t.Errorf("wrote %d files, want 2", written)
	}

	status, _ := m.Status("sess_1")
	if status.State != StateFilesWritten {
		t.Errorf("state after write = %q, want files_written", status.State)
	}
	if status.ProjectType != artifact.ProjectReact {
		t.Errorf("project type = %q, want react", status.ProjectType)
	}

	running, err := m.Run(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if running.State != StateRunning {
		t.Errorf("state after run = %q, want running", running.State)
	}
	if running.Port != 3000 {
		t.Errorf("port = %d, want react default 3000", running.Port)
	}

	handle := provider.handles["sess_1"]
	handle.mu.Lock()
	setups, serves := len(handle.execs), len(handle.started)
	handle.mu.Unlock()
	if setups != 1 {
		t.Errorf("ran %d setup commands, want 1", setups)
	}
	if serves != 1 {
		t.Errorf("started %d serve processes, want 1", serves)
	}
}

func TestManagerRunRequiresFiles(t *testing.T) {
	m := newTestManager(t, newFakeProvider(), 5)
	ctx := context.Background()

	if _, err := m.Create(ctx, "sess_1"); err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}

	_, err := m.Run(ctx, "sess_1")
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Run error = %v, want *StateError", err)
	}

	// The failed run leaves the sandbox usable.
	status, _ := m.Status("sess_1")
	if status.State != StateReady {
		t.Errorf("state after rejected run = %q, want ready", status.State)
	}
}

func TestManagerCapacityCeiling(t *testing.T) {
	m := newTestManager(t, newFakeProvider(), 2)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if _, err := m.Create(ctx, fmt.Sprintf("sess_%d", i)); err != nil {
			t.Fatalf("Create %d returned unexpected error: %v", i, err)
		}
	}

	_, err := m.Create(ctx, "sess_3")
	var full *ErrCapacityExceeded
	if !errors.As(err, &full) {
		t.Fatalf("Create beyond ceiling error = %v, want *ErrCapacityExceeded", err)
	}
	if full.Limit != 2 {
		t.Errorf("Limit = %d, want 2", full.Limit)
	}

	// Destroying one frees a slot.
	if err := m.Destroy("sess_1"); err != nil {
		t.Fatalf("Destroy returned unexpected error: %v", err)
	}
	if _, err := m.Create(ctx, "sess_3"); err != nil {
		t.Errorf("Create after Destroy returned unexpected error: %v", err)
	}
}

func TestManagerDestroyIdempotent(t *testing.T) {
	m := newTestManager(t, newFakeProvider(), 2)
	ctx := context.Background()

	if _, err := m.Create(ctx, "sess_1"); err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}
	if err := m.Destroy("sess_1"); err != nil {
		t.Fatalf("Destroy returned unexpected error: %v", err)
	}
	if err := m.Destroy("sess_1"); err != nil {
		t.Errorf("second Destroy returned unexpected error: %v", err)
	}
	if err := m.Destroy("never_existed"); err != nil {
		t.Errorf("Destroy of unknown session returned unexpected error: %v", err)
	}
}

func TestManagerProvisionFailureReleasesSlot(t *testing.T) {
	provider := newFakeProvider()
	provider.err = fmt.Errorf("no capacity on host")
	m := newTestManager(t, provider, 1)
	ctx := context.Background()

	if _, err := m.Create(ctx, "sess_1"); err == nil {
		t.Fatal("Create succeeded despite provider failure")
	}

	// The slot must be free for the next attempt.
	provider.err = nil
	if _, err := m.Create(ctx, "sess_1"); err != nil {
		t.Errorf("Create after provider recovery returned unexpected error: %v", err)
	}
}

func TestManagerPreviewDetection(t *testing.T) {
	provider := newFakeProvider()
	broker := events.NewBroker(nil)
	m := NewManager(provider, broker, nil, nil, Options{MaxSandboxes: 2, IdleTTL: time.Hour})
	t.Cleanup(m.Close)
	ctx := context.Background()

	sub := broker.Subscribe("sess_1")

	if _, err := m.Create(ctx, "sess_1"); err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}
	if _, err := m.WriteFiles(ctx, "sess_1", reactArtifacts()); err != nil {
		t.Fatalf("WriteFiles returned unexpected error: %v", err)
	}
	if _, err := m.Run(ctx, "sess_1"); err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	provider.handles["sess_1"].logs <- LogLine{Stream: "stdout", Text: "Local: http://localhost:3456"}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case event := <-sub:
			if event.Type != events.PreviewReady {
				continue
			}
			if event.Data["port"] != 3456 {
				t.Errorf("preview port = %v, want 3456", event.Data["port"])
			}
			status, _ := m.Status("sess_1")
			if status.Port != 3456 {
				t.Errorf("instance port = %d, want 3456", status.Port)
			}
			return
		case <-timeout:
			t.Fatal("no preview_ready event received")
		}
	}
}

// runSandbox drives a session's sandbox to the running state and returns
// its handle and primary process ID.
func runSandbox(t *testing.T, m *Manager, provider *fakeProvider, sessionID string) (*fakeHandle, string) {
	t.Helper()
	ctx := context.Background()

	if _, err := m.Create(ctx, sessionID); err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}
	if _, err := m.WriteFiles(ctx, sessionID, reactArtifacts()); err != nil {
		t.Fatalf("WriteFiles returned unexpected error: %v", err)
	}
	if _, err := m.Run(ctx, sessionID); err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	handle := provider.handles[sessionID]
	handle.mu.Lock()
	primary := fmt.Sprintf("%s-p%d", handle.id, len(handle.started))
	handle.mu.Unlock()
	return handle, primary
}

func waitState(t *testing.T, m *Manager, sessionID string, want State) *Instance {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := m.Status(sessionID)
		if err != nil {
			t.Fatalf("Status returned unexpected error: %v", err)
		}
		if status.State == want {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := m.Status(sessionID)
	t.Fatalf("state = %q, want %q", status.State, want)
	return nil
}

func TestManagerPrimaryCrashMarksError(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider, 5)

	handle, primary := runSandbox(t, m, provider, "sess_1")
	handle.exitProcess(primary, 1, false)

	status := waitState(t, m, "sess_1", StateErrored)
	if status.LastError == "" {
		t.Error("LastError empty after primary crash")
	}
	if status.PreviewURL != "" || status.Port != 0 {
		t.Errorf("preview still advertised after crash: url=%q port=%d", status.PreviewURL, status.Port)
	}
}

func TestManagerPrimaryCleanExitStopsSandbox(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider, 5)

	handle, primary := runSandbox(t, m, provider, "sess_1")
	handle.exitProcess(primary, 0, false)

	status := waitState(t, m, "sess_1", StateStopped)
	if status.LastError != "" {
		t.Errorf("LastError = %q after clean exit, want empty", status.LastError)
	}
}

func TestManagerStopSuppressesExitWatcher(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider, 5)

	handle, primary := runSandbox(t, m, provider, "sess_1")
	if err := m.Stop("sess_1"); err != nil {
		t.Fatalf("Stop returned unexpected error: %v", err)
	}
	handle.exitProcess(primary, -1, true)

	// The deliberate stop stands; the kill must not flip the state.
	time.Sleep(50 * time.Millisecond)
	status, _ := m.Status("sess_1")
	if status.State != StateStopped {
		t.Errorf("state after stop = %q, want stopped", status.State)
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q after deliberate stop, want empty", status.LastError)
	}
}

func TestManagerLogsForwardsLineCap(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider, 5)

	handle, _ := runSandbox(t, m, provider, "sess_1")
	if _, err := m.Logs("sess_1", 25); err != nil {
		t.Fatalf("Logs returned unexpected error: %v", err)
	}

	handle.mu.Lock()
	got := handle.lastMaxLines
	handle.mu.Unlock()
	if got != 25 {
		t.Errorf("handle received line cap %d, want 25", got)
	}
}

func TestManagerReapsIdleSandboxes(t *testing.T) {
	provider := newFakeProvider()
	m := NewManager(provider, nil, nil, nil, Options{MaxSandboxes: 2, IdleTTL: time.Minute})
	t.Cleanup(m.Close)
	ctx := context.Background()

	if _, err := m.Create(ctx, "sess_1"); err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}

	// Jump the clock past the idle TTL and trigger the reaper directly.
	m.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	m.reap()

	if m.Active() != 0 {
		t.Errorf("Active = %d after reap, want 0", m.Active())
	}
	if !provider.handles["sess_1"].destroyed {
		t.Error("idle sandbox handle was not destroyed")
	}
}

func TestManagerReapsAgedSandboxes(t *testing.T) {
	provider := newFakeProvider()
	m := NewManager(provider, nil, nil, nil, Options{
		MaxSandboxes: 2,
		IdleTTL:      24 * time.Hour,
		MaxAge:       time.Hour,
	})
	t.Cleanup(m.Close)
	ctx := context.Background()

	if _, err := m.Create(ctx, "sess_1"); err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}

	// Well within the idle TTL but past the absolute age ceiling.
	m.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	m.reap()

	if m.Active() != 0 {
		t.Errorf("Active = %d after reap, want 0", m.Active())
	}
	if !provider.handles["sess_1"].destroyed {
		t.Error("aged sandbox handle was not destroyed")
	}
}
