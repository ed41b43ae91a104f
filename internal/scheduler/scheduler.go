// Package scheduler builds and drives the dependency-ordered task plan for
// one generation session. A plan is validated once at build time (cycles and
// missing dependencies are rejected before any task runs) and readiness is
// recomputed incrementally as tasks complete.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskRetrying  TaskState = "retrying"
)

// ErrCyclicDependency is returned by BuildPlan when the role graph has a cycle.
var ErrCyclicDependency = errors.New("cyclic dependency in role graph")

// RoleSpec describes one requested role and its scheduling constraints.
type RoleSpec struct {
	Role      string
	DependsOn []string
	Priority  int // lower runs first among ready tasks
}

// Task is a unit of work bound to one agent role.
type Task struct {
	Role      string
	DependsOn []string
	Priority  int
	State     TaskState
	Attempts  int
	LastError string

	// NextAttemptAt is the earliest time a retrying task may be requeued.
	NextAttemptAt time.Time

	order     int // original request order, stable tie-break
	remaining int // unresolved dependency count
}

// Plan is the validated, dependency-ordered set of tasks for a session.
// All methods are safe for concurrent use.
type Plan struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	order  []string            // request order
	deps   map[string][]string // role -> dependents
	policy Policy
	now    func() time.Time
}

// BuildPlan validates the role graph and returns an executable plan.
// Duplicate roles, references to unknown roles, and cycles are build-time
// errors; no task is ever dispatched from a rejected plan.
func BuildPlan(roles []RoleSpec, policy Policy) (*Plan, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("no roles requested")
	}

	p := &Plan{
		tasks:  make(map[string]*Task, len(roles)),
		deps:   make(map[string][]string),
		policy: policy,
		now:    time.Now,
	}

	for i, spec := range roles {
		if _, ok := p.tasks[spec.Role]; ok {
			return nil, fmt.Errorf("duplicate role %q", spec.Role)
		}
		p.tasks[spec.Role] = &Task{
			Role:      spec.Role,
			DependsOn: append([]string(nil), spec.DependsOn...),
			Priority:  spec.Priority,
			State:     TaskPending,
			order:     i,
		}
		p.order = append(p.order, spec.Role)
	}

	for _, t := range p.tasks {
		for _, dep := range t.DependsOn {
			if _, ok := p.tasks[dep]; !ok {
				return nil, fmt.Errorf("role %q depends on unknown role %q", t.Role, dep)
			}
			p.deps[dep] = append(p.deps[dep], t.Role)
			t.remaining++
		}
	}

	// Kahn's algorithm: if a topological order does not cover every task,
	// the graph has a cycle.
	indegree := make(map[string]int, len(p.tasks))
	for role, t := range p.tasks {
		indegree[role] = t.remaining
	}
	var queue []string
	for _, role := range p.order {
		if indegree[role] == 0 {
			queue = append(queue, role)
		}
	}
	visited := 0
	for len(queue) > 0 {
		role := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range p.deps[role] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if visited != len(p.tasks) {
		return nil, ErrCyclicDependency
	}

	for _, t := range p.tasks {
		if t.remaining == 0 {
			t.State = TaskReady
		}
	}
	return p, nil
}

// ClaimReady transitions every dispatchable task to running and returns
// their roles in dispatch order: ascending priority, then request order.
// The returned order is deterministic for identical inputs.
func (p *Plan) ClaimReady() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ready []*Task
	for _, role := range p.order {
		if t := p.tasks[role]; t.State == TaskReady {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].order < ready[j].order
	})

	roles := make([]string, len(ready))
	for i, t := range ready {
		t.State = TaskRunning
		t.Attempts++
		roles[i] = t.Role
	}
	return roles
}

// Requeue moves retrying tasks whose backoff has elapsed back to ready.
// It returns the number of tasks requeued.
func (p *Plan) Requeue(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, t := range p.tasks {
		if t.State == TaskRetrying && !now.Before(t.NextAttemptAt) {
			t.State = TaskReady
			n++
		}
	}
	return n
}

// Complete marks a running task as completed and promotes any dependent
// whose dependencies are now all satisfied.
func (p *Plan) Complete(role string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[role]
	if !ok {
		return fmt.Errorf("unknown task %q", role)
	}
	if t.State != TaskRunning {
		return fmt.Errorf("task %q is %s, not running", role, t.State)
	}
	t.State = TaskCompleted
	t.LastError = ""

	for _, dependent := range p.deps[role] {
		d := p.tasks[dependent]
		d.remaining--
		if d.remaining == 0 && d.State == TaskPending {
			d.State = TaskReady
		}
	}
	return nil
}

// Fail records a task failure. While attempts remain the task enters
// retrying with exponential backoff; once the policy is exhausted the task
// is permanently failed and every transitive dependent is failed without
// being dispatched.
func (p *Plan) Fail(role string, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[role]
	if !ok {
		return fmt.Errorf("unknown task %q", role)
	}
	if t.State != TaskRunning {
		return fmt.Errorf("task %q is %s, not running", role, t.State)
	}
	if cause != nil {
		t.LastError = cause.Error()
	}

	if !p.policy.Exhausted(t.Attempts) {
		t.State = TaskRetrying
		t.NextAttemptAt = p.now().Add(p.policy.Delay(t.Attempts))
		return nil
	}

	t.State = TaskFailed
	p.failDependents(role)
	return nil
}

// failDependents marks all transitive dependents of role as failed.
// Callers must hold p.mu.
func (p *Plan) failDependents(role string) {
	for _, dependent := range p.deps[role] {
		d := p.tasks[dependent]
		if d.State == TaskCompleted || d.State == TaskFailed {
			continue
		}
		d.State = TaskFailed
		d.LastError = fmt.Sprintf("dependency %q failed", role)
		p.failDependents(dependent)
	}
}

// Progress returns completion as a percentage: completed / total * 100.
func (p *Plan) Progress() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	completed := 0
	for _, t := range p.tasks {
		if t.State == TaskCompleted {
			completed++
		}
	}
	return completed * 100 / len(p.tasks)
}

// Done reports whether no task can make further progress.
func (p *Plan) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.tasks {
		switch t.State {
		case TaskCompleted, TaskFailed:
		default:
			return false
		}
	}
	return true
}

// Running returns the number of tasks currently running.
func (p *Plan) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, t := range p.tasks {
		if t.State == TaskRunning {
			n++
		}
	}
	return n
}

// NextWake returns the earliest pending retry time and whether one exists.
func (p *Plan) NextWake() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var earliest time.Time
	found := false
	for _, t := range p.tasks {
		if t.State != TaskRetrying {
			continue
		}
		if !found || t.NextAttemptAt.Before(earliest) {
			earliest = t.NextAttemptAt
			found = true
		}
	}
	return earliest, found
}

// Task returns a copy of the named task.
func (p *Plan) Task(role string) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[role]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Snapshot returns copies of all tasks in request order.
func (p *Plan) Snapshot() []Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Task, 0, len(p.tasks))
	for _, role := range p.order {
		out = append(out, *p.tasks[role])
	}
	return out
}

// Stats returns per-state task counts.
func (p *Plan) Stats() map[TaskState]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[TaskState]int)
	for _, t := range p.tasks {
		stats[t.State]++
	}
	return stats
}

// Total returns the number of tasks in the plan.
func (p *Plan) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// SetClock overrides the plan's time source. Intended for tests.
func (p *Plan) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}
