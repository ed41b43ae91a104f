package artifact

import (
	"fmt"
	"sync"
	"time"
)

// Store holds the artifact set for one session. Names are unique; writing
// an existing name replaces it last-write-wins, bumping the version and
// retaining the superseded copy for audit only.
type Store struct {
	mu      sync.Mutex
	latest  map[string]*Artifact
	order   []string
	history []*Artifact
}

// NewStore creates an empty artifact store.
func NewStore() *Store {
	return &Store{latest: make(map[string]*Artifact)}
}

// Put inserts or replaces an artifact by name and returns the stored copy.
func (s *Store) Put(a *Artifact) *Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *a
	stored.CreatedAt = time.Now()

	if prev, ok := s.latest[a.Name]; ok {
		prev.Superseded = true
		s.history = append(s.history, prev)
		stored.Version = prev.Version + 1
	} else {
		stored.Version = 1
		s.order = append(s.order, a.Name)
	}

	s.latest[a.Name] = &stored
	return &stored
}

// Get returns the latest version of the named artifact.
func (s *Store) Get(name string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.latest[name]
	if !ok {
		return nil, fmt.Errorf("artifact %q not found", name)
	}
	copy := *a
	return &copy, nil
}

// Artifacts returns the latest version of every artifact, in first-write
// order. Superseded versions are never returned.
func (s *Store) Artifacts() []*Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Artifact, 0, len(s.order))
	for _, name := range s.order {
		copy := *s.latest[name]
		out = append(out, &copy)
	}
	return out
}

// Superseded returns the audit trail of replaced artifact versions.
func (s *Store) Superseded() []*Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Artifact, 0, len(s.history))
	for _, a := range s.history {
		copy := *a
		out = append(out, &copy)
	}
	return out
}

// Len returns the number of distinct artifact names.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.latest)
}
