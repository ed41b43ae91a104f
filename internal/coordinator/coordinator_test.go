package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/szaher/appforge/internal/artifact"
	"github.com/szaher/appforge/internal/events"
	"github.com/szaher/appforge/internal/genai"
	"github.com/szaher/appforge/internal/scheduler"
)

func fastOptions() Options {
	return Options{
		MaxConcurrent:  3,
		TaskTimeout:    5 * time.Second,
		SessionTimeout: 10 * time.Second,
		SessionExpiry:  time.Hour,
		Policy: scheduler.Policy{
			MaxAttempts:       3,
			InitialDelay:      10 * time.Millisecond,
			MaxDelay:          50 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}
}

func newTestCoordinator(t *testing.T, gen genai.Generator, opts Options) *Coordinator {
	t.Helper()
	processor, err := artifact.NewProcessor(0, nil, nil)
	if err != nil {
		t.Fatalf("NewProcessor returned unexpected error: %v", err)
	}
	c := New(gen, processor, nil, events.NewBroker(nil), nil, nil, nil, opts)
	t.Cleanup(c.Close)
	return c
}

func waitTerminal(t *testing.T, c *Coordinator, id string) SessionView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err := c.Status(id)
		if err != nil {
			t.Fatalf("Status returned unexpected error: %v", err)
		}
		if view.Status.Terminal() {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session did not reach a terminal status")
	return SessionView{}
}

func TestGenerationEndToEnd(t *testing.T) {
	gen := genai.NewMockGenerator().
		RespondFile("productManager", "prd.md", "# PRD\n\nTodo app requirements.\n").
		RespondFile("architect", "architecture.md", "# Design\n\nComponent breakdown.\n").
		RespondFile("engineer", "main.py", "# entry\nprint('todo app')\n")

	c := newTestCoordinator(t, gen, fastOptions())

	view, err := c.StartGeneration(context.Background(), StartRequest{
		Requirement: "build a todo app",
	})
	if err != nil {
		t.Fatalf("StartGeneration returned unexpected error: %v", err)
	}
	if !strings.HasPrefix(view.ID, "sess_") {
		t.Errorf("session ID %q does not have \"sess_\" prefix", view.ID)
	}

	final := waitTerminal(t, c, view.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("final status = %s (%s), want completed", final.Status, final.Message)
	}
	if final.Progress != 100 {
		t.Errorf("final progress = %d, want 100", final.Progress)
	}

	artifacts, err := c.Artifacts(view.ID)
	if err != nil {
		t.Fatalf("Artifacts returned unexpected error: %v", err)
	}
	if len(artifacts) != 3 {
		t.Fatalf("got %d artifacts, want 3", len(artifacts))
	}
	names := map[string]bool{}
	for _, a := range artifacts {
		names[a.Name] = true
		if a.Score <= 0 {
			t.Errorf("artifact %s has score %v, want positive", a.Name, a.Score)
		}
	}
	for _, want := range []string{"prd.md", "architecture.md", "main.py"} {
		if !names[want] {
			t.Errorf("missing artifact %s", want)
		}
	}

	// Downstream roles see upstream deliverables.
	engineerCalls := gen.CallsFor("engineer")
	if len(engineerCalls) != 1 {
		t.Fatalf("engineer called %d times, want 1", len(engineerCalls))
	}
	if _, ok := engineerCalls[0].Context["prd.md"]; !ok {
		t.Error("engineer request missing prd.md context")
	}
	if _, ok := engineerCalls[0].Context["architecture.md"]; !ok {
		t.Error("engineer request missing architecture.md context")
	}

	// Agent ledger reflects one completion per role.
	states, err := c.Agents(view.ID)
	if err != nil {
		t.Fatalf("Agents returned unexpected error: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("got %d agent states, want 3", len(states))
	}
	for _, s := range states {
		if s.Completed != 1 || s.Failed != 0 {
			t.Errorf("agent %s: completed=%d failed=%d, want 1/0", s.Role, s.Completed, s.Failed)
		}
	}
}

func TestGenerationRetriesTransientFailure(t *testing.T) {
	gen := genai.NewMockGenerator().
		RespondFile("productManager", "prd.md", "# PRD\ncontent\n").
		RespondFile("architect", "architecture.md", "# Design\ncontent\n").
		FailThenSucceed("engineer", 2, "main.py", "print('ok')\n")

	c := newTestCoordinator(t, gen, fastOptions())
	view, err := c.StartGeneration(context.Background(), StartRequest{Requirement: "retry me"})
	if err != nil {
		t.Fatalf("StartGeneration returned unexpected error: %v", err)
	}

	final := waitTerminal(t, c, view.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("final status = %s (%s), want completed", final.Status, final.Message)
	}

	if calls := len(gen.CallsFor("engineer")); calls != 3 {
		t.Errorf("engineer called %d times, want 3 (two failures, one success)", calls)
	}

	tasks, _ := c.Tasks(view.ID)
	for _, task := range tasks {
		if task.Role == "engineer" && task.Attempts != 3 {
			t.Errorf("engineer attempts = %d, want 3", task.Attempts)
		}
	}
}

func TestGenerationFailFastSkipsDependents(t *testing.T) {
	gen := genai.NewMockGenerator().
		Respond("productManager", genai.MockResult{Error: errQuota})

	opts := fastOptions()
	opts.Policy.MaxAttempts = 1

	c := newTestCoordinator(t, gen, opts)
	view, err := c.StartGeneration(context.Background(), StartRequest{Requirement: "doomed"})
	if err != nil {
		t.Fatalf("StartGeneration returned unexpected error: %v", err)
	}

	final := waitTerminal(t, c, view.ID)
	if final.Status != StatusFailed {
		t.Fatalf("final status = %s, want failed", final.Status)
	}

	if calls := len(gen.CallsFor("architect")); calls != 0 {
		t.Errorf("architect called %d times after upstream failure, want 0", calls)
	}
	if calls := len(gen.CallsFor("engineer")); calls != 0 {
		t.Errorf("engineer called %d times after upstream failure, want 0", calls)
	}

	artifacts, _ := c.Artifacts(view.ID)
	if len(artifacts) != 0 {
		t.Errorf("got %d artifacts from a failed session, want 0", len(artifacts))
	}
}

func TestGenerationCompletedWithErrors(t *testing.T) {
	gen := genai.NewMockGenerator().
		RespondFile("productManager", "prd.md", "# PRD\ncontent\n").
		RespondFile("architect", "architecture.md", "# Design\ncontent\n").
		Respond("engineer", genai.MockResult{Error: errQuota})

	opts := fastOptions()
	opts.Policy.MaxAttempts = 1

	c := newTestCoordinator(t, gen, opts)
	view, err := c.StartGeneration(context.Background(), StartRequest{Requirement: "partial"})
	if err != nil {
		t.Fatalf("StartGeneration returned unexpected error: %v", err)
	}

	final := waitTerminal(t, c, view.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("final status = %s, want completed with partial results", final.Status)
	}
	if !strings.Contains(final.Message, "failed") {
		t.Errorf("message = %q, want mention of failed tasks", final.Message)
	}

	artifacts, _ := c.Artifacts(view.ID)
	if len(artifacts) != 2 {
		t.Errorf("got %d artifacts, want 2 upstream deliverables", len(artifacts))
	}
}

func TestCancelStopsSession(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{}, 8)}

	c := newTestCoordinator(t, gen, fastOptions())
	view, err := c.StartGeneration(context.Background(), StartRequest{Requirement: "slow build"})
	if err != nil {
		t.Fatalf("StartGeneration returned unexpected error: %v", err)
	}

	select {
	case <-gen.started:
	case <-time.After(2 * time.Second):
		t.Fatal("generation never started")
	}

	if err := c.Cancel(view.ID); err != nil {
		t.Fatalf("Cancel returned unexpected error: %v", err)
	}

	final := waitTerminal(t, c, view.ID)
	if final.Status != StatusCancelled {
		t.Fatalf("final status = %s, want cancelled", final.Status)
	}

	// Cancelling a finished session is rejected.
	if err := c.Cancel(view.ID); err == nil {
		t.Error("Cancel of a terminal session returned no error")
	}
}

func TestStartGenerationValidation(t *testing.T) {
	c := newTestCoordinator(t, genai.NewMockGenerator(), fastOptions())

	if _, err := c.StartGeneration(context.Background(), StartRequest{Requirement: "   "}); err == nil {
		t.Error("StartGeneration accepted a blank requirement")
	}

	if _, err := c.StartGeneration(context.Background(), StartRequest{
		Requirement: strings.Repeat("x", MaxRequirementLen+1),
	}); err == nil {
		t.Error("StartGeneration accepted an oversize requirement")
	}

	_, err := c.StartGeneration(context.Background(), StartRequest{
		Requirement: "cyclic",
		Roles: []scheduler.RoleSpec{
			{Role: "a", DependsOn: []string{"b"}},
			{Role: "b", DependsOn: []string{"a"}},
		},
	})
	if err == nil {
		t.Error("StartGeneration accepted a cyclic role graph")
	}
}

func TestRejectedArtifactDoesNotFailTask(t *testing.T) {
	gen := genai.NewMockGenerator().
		Respond("productManager", genai.MockResult{Files: []genai.File{
			{Name: "evil.html", Content: "<script>alert(1)</script>"},
			{Name: "prd.md", Content: "# PRD\nlegitimate content\n"},
		}}).
		RespondFile("architect", "architecture.md", "# Design\ncontent\n").
		RespondFile("engineer", "main.py", "print('ok')\n")

	c := newTestCoordinator(t, gen, fastOptions())
	view, err := c.StartGeneration(context.Background(), StartRequest{Requirement: "mixed output"})
	if err != nil {
		t.Fatalf("StartGeneration returned unexpected error: %v", err)
	}

	final := waitTerminal(t, c, view.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("final status = %s (%s), want completed", final.Status, final.Message)
	}

	artifacts, _ := c.Artifacts(view.ID)
	for _, a := range artifacts {
		if a.Name == "evil.html" {
			t.Error("rejected artifact reached the store")
		}
	}
	if len(artifacts) != 3 {
		t.Errorf("got %d artifacts, want 3 accepted", len(artifacts))
	}
}

// blockingGenerator blocks until its context is cancelled.
type blockingGenerator struct {
	started chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, req genai.Request) (*genai.Result, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, &genai.GenerationError{Role: req.Role, Err: ctx.Err()}
}

var errQuota = errors.New("quota exhausted")
