package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Session is one generation run. Fields are guarded by the session's own
// mutex; use the accessor methods rather than reading fields directly.
type Session struct {
	mu sync.Mutex

	ID          string
	Requirement string
	Model       string
	Status      Status
	Progress    int
	Message     string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	cancel          context.CancelFunc
	cancelRequested bool
}

// RequestCancel asks the session's run loop to stop. Returns false when the
// session is already terminal or a cancellation is pending.
func (s *Session) RequestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status.Terminal() || s.cancelRequested {
		return false
	}
	s.cancelRequested = true
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// CancelRequested reports whether a cancellation was requested.
func (s *Session) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

// newSessionID returns a sortable unique session identifier.
func newSessionID() string {
	return "sess_" + strings.ToLower(ulid.Make().String())
}

// update applies a mutation under the session lock.
func (s *Session) update(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
	s.UpdatedAt = time.Now()
}

// View returns a copy of the session safe to serialize.
func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionView{
		ID:          s.ID,
		Requirement: s.Requirement,
		Model:       s.Model,
		Status:      s.Status,
		Progress:    s.Progress,
		Message:     s.Message,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// SessionView is an immutable snapshot of a session.
type SessionView struct {
	ID          string    `json:"id"`
	Requirement string    `json:"requirement"`
	Model       string    `json:"model,omitempty"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is an in-memory session registry with idle expiry. Terminal
// sessions past the expiry window are evicted on access and by the
// coordinator's reaper.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	expiry   time.Duration
}

// NewStore creates a session store. expiry of 0 disables eviction.
func NewStore(expiry time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		expiry:   expiry,
	}
}

// Add registers a session.
func (s *Store) Add(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// Get retrieves a session by ID.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q not found", id)
	}
	if s.expired(sess) {
		delete(s.sessions, id)
		return nil, fmt.Errorf("session %q expired", id)
	}
	return sess, nil
}

// List returns a view of every live session.
func (s *Store) List() []SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionView, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if s.expired(sess) {
			continue
		}
		out = append(out, sess.View())
	}
	return out
}

// Delete removes a session by ID.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Sweep evicts expired sessions and returns the IDs removed.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// expired reports whether a terminal session has sat past the expiry
// window. Callers must hold s.mu.
func (s *Store) expired(sess *Session) bool {
	if s.expiry <= 0 {
		return false
	}
	view := sess.View()
	return view.Status.Terminal() && time.Since(view.UpdatedAt) > s.expiry
}
