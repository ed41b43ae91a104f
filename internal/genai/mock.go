package genai

import (
	"context"
	"fmt"
	"sync"
)

// MockResult configures a single response from the mock generator.
type MockResult struct {
	Files []File
	Error error
}

// MockGenerator is a configurable generator for testing. Responses are
// keyed by role; each role consumes its queue in order, and the last entry
// repeats once the queue is exhausted.
type MockGenerator struct {
	mu      sync.Mutex
	byRole  map[string][]MockResult
	indexes map[string]int
	calls   []Request
}

// NewMockGenerator creates an empty mock generator.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		byRole:  make(map[string][]MockResult),
		indexes: make(map[string]int),
	}
}

// Respond queues results for a role.
func (m *MockGenerator) Respond(role string, results ...MockResult) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRole[role] = append(m.byRole[role], results...)
	return m
}

// RespondFile queues a single-file success for a role.
func (m *MockGenerator) RespondFile(role, name, content string) *MockGenerator {
	return m.Respond(role, MockResult{Files: []File{{Name: name, Content: content}}})
}

// FailThenSucceed queues n failures followed by a single-file success,
// for exercising retry paths.
func (m *MockGenerator) FailThenSucceed(role string, n int, name, content string) *MockGenerator {
	for i := 0; i < n; i++ {
		m.Respond(role, MockResult{Error: fmt.Errorf("mock: transient failure %d", i+1)})
	}
	return m.RespondFile(role, name, content)
}

// Generate returns the next configured result for the request's role.
func (m *MockGenerator) Generate(_ context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	queue := m.byRole[req.Role]
	if len(queue) == 0 {
		return nil, &GenerationError{Role: req.Role, Err: fmt.Errorf("mock: no results configured")}
	}

	idx := m.indexes[req.Role]
	if idx >= len(queue) {
		idx = len(queue) - 1
	} else {
		m.indexes[req.Role]++
	}

	res := queue[idx]
	if res.Error != nil {
		return nil, &GenerationError{Role: req.Role, Err: res.Error}
	}
	return &Result{Files: append([]File(nil), res.Files...)}, nil
}

// Calls returns all requests made to the mock generator.
func (m *MockGenerator) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// CallsFor returns the requests made for one role.
func (m *MockGenerator) CallsFor(role string) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, c := range m.calls {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}
