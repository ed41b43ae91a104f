package sandbox

import (
	"fmt"
	"sync"
	"time"
)

// maxLogLines bounds per-process log retention. Older lines are evicted
// so a chatty dev server cannot grow memory without bound.
const maxLogLines = 1000

// Process tracks one long-running command, its lifecycle state, and its
// captured output.
type Process struct {
	mu       sync.Mutex
	ref      ProcessRef
	lines    []LogLine
	start    int // ring buffer head
	count    int
	state    ProcessState
	exitCode int
	stopped  bool
	stop     func() error
	done     chan struct{}
}

func newProcess(ref ProcessRef, stop func() error) *Process {
	return &Process{
		ref:   ref,
		lines: make([]LogLine, maxLogLines),
		state: ProcessStarting,
		stop:  stop,
		done:  make(chan struct{}),
	}
}

// Ref returns the process descriptor.
func (p *Process) Ref() ProcessRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ref
}

// State reports the process lifecycle phase.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// markRunning moves a starting process to running.
func (p *Process) markRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ProcessStarting {
		p.state = ProcessRunning
	}
}

// finish records the exit code and wakes waiters. A process stopped through
// Stop ends up killed, one that died on its own ends up exited. Idempotent.
func (p *Process) finish(exitCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ProcessExited || p.state == ProcessKilled {
		return
	}
	if p.stopped {
		p.state = ProcessKilled
	} else {
		p.state = ProcessExited
	}
	p.exitCode = exitCode
	close(p.done)
}

// Done is closed once the process has finished.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exit returns the terminal outcome. ok is false while the process is
// still alive.
func (p *Process) Exit() (ProcessExit, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProcessExited && p.state != ProcessKilled {
		return ProcessExit{}, false
	}
	return ProcessExit{
		ProcessID: p.ref.ID,
		ExitCode:  p.exitCode,
		Killed:    p.state == ProcessKilled,
	}, true
}

func (p *Process) append(line LogLine) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := (p.start + p.count) % maxLogLines
	p.lines[idx] = line
	if p.count < maxLogLines {
		p.count++
	} else {
		p.start = (p.start + 1) % maxLogLines
	}
}

// Logs returns the retained lines, oldest first. maxLines caps the result
// to the newest lines; zero or negative returns everything retained.
func (p *Process) Logs(maxLines int) []LogLine {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.count
	if maxLines > 0 && maxLines < n {
		n = maxLines
	}
	first := p.start + (p.count - n)
	out := make([]LogLine, n)
	for i := 0; i < n; i++ {
		out[i] = p.lines[(first+i)%maxLogLines]
	}
	return out
}

// Stop terminates the process. Safe to call more than once.
func (p *Process) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	stop := p.stop
	p.mu.Unlock()

	if stop == nil {
		return nil
	}
	return stop()
}

// ProcessSet holds a sandbox's processes under a fixed ceiling. When the
// ceiling is reached, the oldest non-primary process is stopped to make
// room; if every slot holds a primary process, admission fails.
type ProcessSet struct {
	mu       sync.Mutex
	maxProcs int
	byID     map[string]*Process
	order    []string
}

// NewProcessSet creates a set with the given ceiling.
func NewProcessSet(maxProcs int) *ProcessSet {
	if maxProcs <= 0 {
		maxProcs = 4
	}
	return &ProcessSet{
		maxProcs: maxProcs,
		byID:     make(map[string]*Process),
	}
}

// Add admits a process, evicting the oldest non-primary one if the set is
// full.
func (s *ProcessSet) Add(p *Process) error {
	s.mu.Lock()

	var evict *Process
	if len(s.order) >= s.maxProcs {
		for _, id := range s.order {
			candidate := s.byID[id]
			if !candidate.Ref().Primary {
				evict = candidate
				break
			}
		}
		if evict == nil {
			s.mu.Unlock()
			return fmt.Errorf("process limit reached (%d primary processes)", s.maxProcs)
		}
		s.removeLocked(evict.Ref().ID)
	}

	ref := p.Ref()
	s.byID[ref.ID] = p
	s.order = append(s.order, ref.ID)
	s.mu.Unlock()

	if evict != nil {
		_ = evict.Stop()
	}
	return nil
}

// Get returns the process by ID.
func (s *ProcessSet) Get(id string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	return p, ok
}

// Remove drops a process from the set without stopping it.
func (s *ProcessSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

func (s *ProcessSet) removeLocked(id string) {
	delete(s.byID, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// All returns the processes in admission order.
func (s *ProcessSet) All() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Process, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// StopAll stops every process and empties the set.
func (s *ProcessSet) StopAll() {
	for _, p := range s.All() {
		_ = p.Stop()
	}
	s.mu.Lock()
	s.byID = make(map[string]*Process)
	s.order = nil
	s.mu.Unlock()
}

// Len returns the number of live processes.
func (s *ProcessSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// processID builds a stable identifier for a process started at t.
func processID(sandboxID string, seq int, t time.Time) string {
	return fmt.Sprintf("%s-p%d-%d", sandboxID, seq, t.UnixNano())
}
