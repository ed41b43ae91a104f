// Package agent tracks the live state of each generation role within a
// session. It is a passive ledger: no retries or scheduling logic lives
// here, only bookkeeping and event emission.
package agent

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/szaher/appforge/internal/events"
)

// State is the live status of one role's execution.
type State struct {
	Role         string    `json:"role"`
	CurrentTask  string    `json:"current_task,omitempty"`
	Activity     string    `json:"activity"`
	Started      int       `json:"tasks_started"`
	Completed    int       `json:"tasks_completed"`
	Failed       int       `json:"tasks_failed"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// SuccessRate returns the fraction of finished tasks that completed.
func (s State) SuccessRate() float64 {
	total := s.Completed + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(total)
}

// Manager tracks agent states for one session. Every mutation emits one
// agent_update event to the broker.
type Manager struct {
	mu        sync.Mutex
	sessionID string
	states    map[string]*State
	broker    *events.Broker
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates an agent state manager for the given session.
func NewManager(sessionID string, broker *events.Broker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessionID: sessionID,
		states:    make(map[string]*State),
		broker:    broker,
		logger:    logger,
		now:       time.Now,
	}
}

// Touch updates the role's current activity text.
func (m *Manager) Touch(role, activity string) {
	m.mu.Lock()
	s := m.state(role)
	s.Activity = activity
	s.LastActivity = m.now()
	m.mu.Unlock()

	m.emit(role, activity)
}

// RecordStart marks a task as started for the role.
func (m *Manager) RecordStart(role, taskID string) {
	m.mu.Lock()
	s := m.state(role)
	s.CurrentTask = taskID
	s.Started++
	s.Activity = "working"
	s.LastActivity = m.now()
	m.mu.Unlock()

	m.emit(role, "working")
}

// RecordCompletion marks the role's current task as completed.
func (m *Manager) RecordCompletion(role, taskID string) {
	m.mu.Lock()
	s := m.state(role)
	if s.CurrentTask == taskID {
		s.CurrentTask = ""
	}
	s.Completed++
	s.Activity = "done"
	s.LastActivity = m.now()
	m.mu.Unlock()

	m.emit(role, "done")
}

// RecordFailure marks the role's current task as failed.
func (m *Manager) RecordFailure(role, taskID string, err error) {
	m.mu.Lock()
	s := m.state(role)
	if s.CurrentTask == taskID {
		s.CurrentTask = ""
	}
	s.Failed++
	s.Activity = "failed"
	s.LastActivity = m.now()
	m.mu.Unlock()

	m.logger.Warn("agent task failed", "session_id", m.sessionID, "role", role, "task", taskID, "error", err)
	m.emit(role, "failed")
}

// Snapshot returns a copy of all agent states, sorted by role.
func (m *Manager) Snapshot() []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// state returns the role's state, creating it on first use.
// Callers must hold m.mu.
func (m *Manager) state(role string) *State {
	s, ok := m.states[role]
	if !ok {
		now := m.now()
		s = &State{Role: role, Activity: "idle", CreatedAt: now, LastActivity: now}
		m.states[role] = s
	}
	return s
}

func (m *Manager) emit(role, activity string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(m.sessionID, events.New(events.AgentUpdate, m.sessionID).
		WithData("role", role).
		WithData("activity", activity))
}
