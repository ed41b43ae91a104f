package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/szaher/appforge/internal/artifact"
	"github.com/szaher/appforge/internal/events"
	"github.com/szaher/appforge/internal/telemetry"
)

// State is a sandbox lifecycle phase. Transitions only move forward:
// creating -> ready -> files_written -> running -> stopped, with error and
// destroyed reachable from any phase.
type State string

const (
	StateCreating     State = "creating"
	StateReady        State = "ready"
	StateFilesWritten State = "files_written"
	StateRunning      State = "running"
	StateStopped      State = "stopped"
	StateErrored      State = "error"
	StateDestroyed    State = "destroyed"
)

// ErrCapacityExceeded reports that the global sandbox ceiling is full.
type ErrCapacityExceeded struct {
	Limit int
}

func (e *ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("sandbox capacity exceeded (limit: %d)", e.Limit)
}

// StateError reports an operation attempted in the wrong lifecycle phase.
type StateError struct {
	SessionID string
	Op        string
	State     State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("sandbox for session %s: cannot %s in state %q", e.SessionID, e.Op, e.State)
}

// Instance is the manager's view of one session's sandbox.
type Instance struct {
	SessionID   string
	SandboxID   string
	State       State
	ProjectType artifact.ProjectType
	Port        int
	PreviewURL  string
	CreatedAt   time.Time
	LastUsed    time.Time
	LastError   string
}

type instance struct {
	mu          sync.Mutex
	info        Instance
	handle      Handle
	entry       string
	primary     string // primary process ID
	watchCancel context.CancelFunc
}

// Options configures a Manager.
type Options struct {
	MaxSandboxes int
	MemoryMB     int
	IdleTTL      time.Duration
	// MaxAge is the absolute lifetime ceiling. A sandbox is reaped once
	// it is this old, no matter how recently it was used.
	MaxAge      time.Duration
	PreviewHost string
}

func (o *Options) defaults() {
	if o.MaxSandboxes <= 0 {
		o.MaxSandboxes = 10
	}
	if o.MemoryMB <= 0 {
		o.MemoryMB = 512
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = 30 * time.Minute
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 2 * time.Hour
	}
	if o.PreviewHost == "" {
		o.PreviewHost = "localhost"
	}
}

// Manager owns sandbox lifecycles: admission against a global ceiling,
// state transitions, preview detection, and idle reaping. One sandbox per
// session.
type Manager struct {
	provider Provider
	broker   *events.Broker
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	opts     Options

	slots *semaphore.Weighted
	cron  *cron.Cron

	mu        sync.Mutex
	instances map[string]*instance
	now       func() time.Time
}

// NewManager creates a sandbox manager and starts its idle reaper.
func NewManager(provider Provider, broker *events.Broker, logger *slog.Logger, metrics *telemetry.Metrics, opts Options) *Manager {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		provider:  provider,
		broker:    broker,
		logger:    logger,
		metrics:   metrics,
		opts:      opts,
		slots:     semaphore.NewWeighted(int64(opts.MaxSandboxes)),
		instances: make(map[string]*instance),
		now:       time.Now,
	}

	m.cron = cron.New()
	if _, err := m.cron.AddFunc("@every 1m", m.reap); err == nil {
		m.cron.Start()
	}
	return m
}

// Close stops the reaper and destroys every live sandbox.
func (m *Manager) Close() {
	if m.cron != nil {
		m.cron.Stop()
	}
	m.mu.Lock()
	sessions := make([]string, 0, len(m.instances))
	for id := range m.instances {
		sessions = append(sessions, id)
	}
	m.mu.Unlock()

	for _, id := range sessions {
		_ = m.Destroy(id)
	}
}

// Create provisions a sandbox for the session, counting against the global
// ceiling. Admission is first come, first served; a full ceiling fails
// immediately rather than queueing.
func (m *Manager) Create(ctx context.Context, sessionID string) (*Instance, error) {
	m.mu.Lock()
	if _, exists := m.instances[sessionID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("sandbox already exists for session %s", sessionID)
	}
	m.mu.Unlock()

	if !m.slots.TryAcquire(1) {
		if m.metrics != nil {
			m.metrics.SandboxRejections.Inc()
		}
		return nil, &ErrCapacityExceeded{Limit: m.opts.MaxSandboxes}
	}

	now := m.now()
	inst := &instance{
		info: Instance{
			SessionID: sessionID,
			State:     StateCreating,
			CreatedAt: now,
			LastUsed:  now,
		},
	}

	m.mu.Lock()
	m.instances[sessionID] = inst
	m.mu.Unlock()

	handle, err := m.provider.Create(ctx, CreateSpec{
		SessionID: sessionID,
		MemoryMB:  m.opts.MemoryMB,
	})
	if err != nil {
		m.fail(inst, err)
		m.remove(sessionID)
		m.slots.Release(1)
		return nil, err
	}

	inst.mu.Lock()
	inst.handle = handle
	inst.info.SandboxID = handle.ID()
	inst.info.State = StateReady
	info := inst.info
	inst.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SandboxesActive.Inc()
	}
	m.logger.Info("sandbox created", "session_id", sessionID, "sandbox_id", info.SandboxID)
	return &info, nil
}

// WriteFiles copies the artifact set into the sandbox and detects the
// project type. A bad file does not abort the batch; the count of files
// written and the first failure are both reported.
func (m *Manager) WriteFiles(ctx context.Context, sessionID string, artifacts []*artifact.Artifact) (int, error) {
	inst, err := m.get(sessionID)
	if err != nil {
		return 0, err
	}

	inst.mu.Lock()
	state := inst.info.State
	handle := inst.handle
	inst.mu.Unlock()

	if state != StateReady && state != StateFilesWritten {
		return 0, &StateError{SessionID: sessionID, Op: "write files", State: state}
	}

	written := 0
	var firstErr error
	for _, a := range artifacts {
		if err := handle.WriteFile(ctx, a.Path, []byte(a.Content)); err != nil {
			m.logger.Warn("sandbox file write failed",
				"session_id", sessionID, "path", a.Path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written++
	}

	pt := artifact.DetectProjectType(artifacts)
	entry := artifact.EntryPoint(artifacts, pt)

	inst.mu.Lock()
	inst.info.ProjectType = pt
	inst.entry = entry
	if written > 0 {
		inst.info.State = StateFilesWritten
	}
	inst.info.LastUsed = m.now()
	inst.mu.Unlock()

	if written == 0 && firstErr != nil {
		return 0, firstErr
	}
	return written, nil
}

// Run boots the detected project: setup commands to completion, then the
// serve command as the primary process, then watches logs for the port
// announcement and publishes a preview event.
func (m *Manager) Run(ctx context.Context, sessionID string) (*Instance, error) {
	inst, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	state := inst.info.State
	handle := inst.handle
	pt := inst.info.ProjectType
	entry := inst.entry
	inst.mu.Unlock()

	if state != StateFilesWritten {
		return nil, &StateError{SessionID: sessionID, Op: "run", State: state}
	}

	runner, err := RunnerFor(pt, entry)
	if err != nil {
		m.fail(inst, err)
		return nil, err
	}

	for _, setup := range runner.Setup {
		res, err := handle.Exec(ctx, setup)
		if err != nil {
			m.fail(inst, err)
			return nil, err
		}
		if res.ExitCode != 0 {
			err := fmt.Errorf("setup command %q exited %d: %s", setup, res.ExitCode, res.Stderr)
			m.fail(inst, err)
			return nil, err
		}
	}

	ref, err := handle.Start(ctx, runner.Serve, true)
	if err != nil {
		m.fail(inst, err)
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())

	inst.mu.Lock()
	inst.primary = ref.ID
	inst.info.State = StateRunning
	inst.info.Port = runner.Port
	inst.info.PreviewURL = fmt.Sprintf("http://%s:%d", m.opts.PreviewHost, runner.Port)
	inst.info.LastUsed = m.now()
	inst.watchCancel = cancel
	info := inst.info
	inst.mu.Unlock()

	go m.watchLogs(watchCtx, inst, handle.Subscribe())
	go m.watchPrimary(watchCtx, inst, handle, ref.ID)

	m.logger.Info("sandbox running",
		"session_id", sessionID, "project_type", string(pt), "port", runner.Port)
	return &info, nil
}

// portPattern matches the port announcements dev servers print on boot.
var portPattern = regexp.MustCompile(`(?i)(?:localhost|127\.0\.0\.1|0\.0\.0\.0|port\s+|port:?\s*)[:\s]*(\d{2,5})`)

// watchLogs forwards sandbox output as log events and publishes a preview
// event the first time a process announces its port.
func (m *Manager) watchLogs(ctx context.Context, inst *instance, lines <-chan LogLine) {
	sessionID := inst.info.SessionID
	announced := false

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if m.broker != nil {
				m.broker.Publish(sessionID, events.New(events.LogUpdate, sessionID).
					WithData("stream", line.Stream).
					WithData("line", line.Text))
			}
			if announced {
				continue
			}
			if match := portPattern.FindStringSubmatch(line.Text); match != nil {
				port, err := strconv.Atoi(match[1])
				if err != nil || port < 10 || port > 65535 {
					continue
				}
				announced = true
				url := fmt.Sprintf("http://%s:%d", m.opts.PreviewHost, port)

				inst.mu.Lock()
				inst.info.Port = port
				inst.info.PreviewURL = url
				inst.mu.Unlock()

				if m.broker != nil {
					m.broker.Publish(sessionID, events.New(events.PreviewReady, sessionID).
						WithData("url", url).
						WithData("port", port))
				}
				m.logger.Info("preview ready", "session_id", sessionID, "url", url)
			}
		}
	}
}

// watchPrimary settles the sandbox when the primary process dies on its
// own: a clean exit stops the sandbox, a non-zero exit marks it errored,
// and either way the preview URL is withdrawn. Deliberate kills are
// handled by Stop and Destroy, not here.
func (m *Manager) watchPrimary(ctx context.Context, inst *instance, handle Handle, processID string) {
	exits, err := handle.Wait(processID)
	if err != nil {
		return
	}

	var exit ProcessExit
	var ok bool
	select {
	case <-ctx.Done():
		return
	case exit, ok = <-exits:
	}
	if !ok || exit.Killed {
		return
	}

	sessionID := inst.info.SessionID

	inst.mu.Lock()
	if inst.info.State != StateRunning {
		inst.mu.Unlock()
		return
	}
	if exit.ExitCode == 0 {
		inst.info.State = StateStopped
	} else {
		inst.info.State = StateErrored
		inst.info.LastError = fmt.Sprintf("primary process exited with code %d", exit.ExitCode)
	}
	inst.info.Port = 0
	inst.info.PreviewURL = ""
	inst.info.LastUsed = m.now()
	state := inst.info.State
	inst.mu.Unlock()

	if m.broker != nil {
		m.broker.Publish(sessionID, events.New(events.LogUpdate, sessionID).
			WithData("stream", "system").
			WithData("line", fmt.Sprintf("primary process exited with code %d", exit.ExitCode)))
	}
	m.logger.Warn("sandbox primary process exited",
		"session_id", sessionID, "exit_code", exit.ExitCode, "state", string(state))
}

// Stop terminates the primary process but keeps the sandbox and its files.
func (m *Manager) Stop(sessionID string) error {
	inst, err := m.get(sessionID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	state := inst.info.State
	handle := inst.handle
	primary := inst.primary
	cancel := inst.watchCancel
	inst.mu.Unlock()

	if state != StateRunning {
		return &StateError{SessionID: sessionID, Op: "stop", State: state}
	}
	if cancel != nil {
		cancel()
	}
	if primary != "" {
		_ = handle.StopProcess(primary)
	}

	inst.mu.Lock()
	inst.info.State = StateStopped
	inst.info.LastUsed = m.now()
	inst.mu.Unlock()
	return nil
}

// Destroy tears down the session's sandbox and frees its ceiling slot.
// Destroying a session with no sandbox is a no-op.
func (m *Manager) Destroy(sessionID string) error {
	m.mu.Lock()
	inst, ok := m.instances[sessionID]
	if ok {
		delete(m.instances, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	inst.mu.Lock()
	handle := inst.handle
	cancel := inst.watchCancel
	inst.info.State = StateDestroyed
	inst.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if handle != nil {
		err = handle.Destroy()
	}
	m.slots.Release(1)
	if m.metrics != nil {
		m.metrics.SandboxesActive.Dec()
	}
	m.logger.Info("sandbox destroyed", "session_id", sessionID)
	return err
}

// Status returns a snapshot of the session's sandbox.
func (m *Manager) Status(sessionID string) (*Instance, error) {
	inst, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	info := inst.info
	return &info, nil
}

// Logs returns the primary process's retained output. maxLines caps the
// result to the newest lines; zero or negative returns everything retained.
func (m *Manager) Logs(sessionID string, maxLines int) ([]LogLine, error) {
	inst, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	handle := inst.handle
	primary := inst.primary
	state := inst.info.State
	inst.mu.Unlock()

	if primary == "" {
		return nil, &StateError{SessionID: sessionID, Op: "read logs", State: state}
	}
	return handle.Logs(primary, maxLines)
}

// Active returns the number of live sandboxes.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// reap destroys sandboxes idle past the TTL or older than the absolute
// age ceiling.
func (m *Manager) reap() {
	now := m.now()
	idleCutoff := now.Add(-m.opts.IdleTTL)
	ageCutoff := now.Add(-m.opts.MaxAge)

	m.mu.Lock()
	var stale []string
	for id, inst := range m.instances {
		inst.mu.Lock()
		expired := inst.info.LastUsed.Before(idleCutoff) || inst.info.CreatedAt.Before(ageCutoff)
		inst.mu.Unlock()
		if expired {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Info("reaping expired sandbox", "session_id", id)
		_ = m.Destroy(id)
	}
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.instances, sessionID)
	m.mu.Unlock()
}

func (m *Manager) get(sessionID string) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[sessionID]
	if !ok {
		return nil, fmt.Errorf("no sandbox for session %s", sessionID)
	}
	return inst, nil
}

func (m *Manager) fail(inst *instance, err error) {
	inst.mu.Lock()
	inst.info.State = StateErrored
	inst.info.LastError = err.Error()
	inst.mu.Unlock()
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }
