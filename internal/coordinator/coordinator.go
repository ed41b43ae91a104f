// Package coordinator drives generation sessions end to end: it validates
// requests, builds the dependency plan, dispatches role tasks to the
// generator under a concurrency cap, routes deliverables through the
// artifact pipeline, and settles the session's final status.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/appforge/internal/agent"
	"github.com/szaher/appforge/internal/artifact"
	"github.com/szaher/appforge/internal/events"
	"github.com/szaher/appforge/internal/genai"
	"github.com/szaher/appforge/internal/sandbox"
	"github.com/szaher/appforge/internal/scheduler"
	"github.com/szaher/appforge/internal/telemetry"
)

// MaxRequirementLen bounds the requirement text accepted from clients.
const MaxRequirementLen = 10000

// Options configures a Coordinator.
type Options struct {
	MaxConcurrent  int
	TaskTimeout    time.Duration
	SessionTimeout time.Duration
	SessionExpiry  time.Duration
	Policy         scheduler.Policy

	// Model is used when a request does not name one.
	Model string
}

func (o *Options) defaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 3
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 2 * time.Minute
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 15 * time.Minute
	}
	if o.SessionExpiry <= 0 {
		o.SessionExpiry = time.Hour
	}
	if o.Policy == (scheduler.Policy{}) {
		o.Policy = scheduler.DefaultPolicy()
	}
}

// StartRequest describes a new generation session.
type StartRequest struct {
	Requirement string
	Model       string
	// Roles overrides the default pipeline. Empty selects DefaultRoles.
	Roles []scheduler.RoleSpec
}

// DefaultRoles is the standard generation pipeline: product definition,
// then architecture, then implementation.
func DefaultRoles() []scheduler.RoleSpec {
	return []scheduler.RoleSpec{
		{Role: "productManager", Priority: 0},
		{Role: "architect", DependsOn: []string{"productManager"}, Priority: 1},
		{Role: "engineer", DependsOn: []string{"architect"}, Priority: 2},
	}
}

// run is the mutable execution state behind one session.
type run struct {
	session   *Session
	plan      *scheduler.Plan
	agents    *agent.Manager
	artifacts *artifact.Store
	logger    *slog.Logger
}

// Coordinator owns the session registry and the generation run loops.
type Coordinator struct {
	store     *Store
	broker    *events.Broker
	generator genai.Generator
	processor *artifact.Processor
	sandboxes *sandbox.Manager
	archive   artifact.Archive
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	opts      Options
	cron      *cron.Cron

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a coordinator and starts its session reaper. archive may be
// nil to skip persisting finished artifact sets.
func New(generator genai.Generator, processor *artifact.Processor, sandboxes *sandbox.Manager,
	broker *events.Broker, archive artifact.Archive, logger *slog.Logger,
	metrics *telemetry.Metrics, opts Options) *Coordinator {

	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		store:     NewStore(opts.SessionExpiry),
		broker:    broker,
		generator: generator,
		processor: processor,
		sandboxes: sandboxes,
		archive:   archive,
		logger:    logger,
		metrics:   metrics,
		opts:      opts,
		runs:      make(map[string]*run),
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc("@every 1m", c.reap); err == nil {
		c.cron.Start()
	}
	return c
}

// Close stops the reaper. Running sessions are cancelled.
func (c *Coordinator) Close() {
	if c.cron != nil {
		c.cron.Stop()
	}
	for _, view := range c.store.List() {
		if !view.Status.Terminal() {
			_ = c.Cancel(view.ID)
		}
	}
}

// StartGeneration validates the request, builds the plan, and launches the
// session's run loop. It returns immediately with the pending session.
func (c *Coordinator) StartGeneration(_ context.Context, req StartRequest) (SessionView, error) {
	requirement := strings.TrimSpace(req.Requirement)
	if requirement == "" {
		return SessionView{}, fmt.Errorf("requirement must not be empty")
	}
	if len(requirement) > MaxRequirementLen {
		return SessionView{}, fmt.Errorf("requirement exceeds %d characters", MaxRequirementLen)
	}

	roles := req.Roles
	if len(roles) == 0 {
		roles = DefaultRoles()
	}
	plan, err := scheduler.BuildPlan(roles, c.opts.Policy)
	if err != nil {
		return SessionView{}, fmt.Errorf("build plan: %w", err)
	}

	model := req.Model
	if model == "" {
		model = c.opts.Model
	}

	now := time.Now()
	sess := &Session{
		ID:          newSessionID(),
		Requirement: requirement,
		Model:       model,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	runCtx, cancel := context.WithTimeout(
		telemetry.WithSessionID(context.Background(), sess.ID), c.opts.SessionTimeout)
	sess.cancel = cancel

	r := &run{
		session:   sess,
		plan:      plan,
		agents:    agent.NewManager(sess.ID, c.broker, c.logger),
		artifacts: artifact.NewStore(),
		logger:    telemetry.SessionLogger(c.logger, runCtx, "coordinator"),
	}

	c.store.Add(sess)
	c.mu.Lock()
	c.runs[sess.ID] = r
	c.mu.Unlock()

	r.logger.Info("generation started", "roles", plan.Total())

	go c.execute(runCtx, r)
	return sess.View(), nil
}

// execute is the session run loop: requeue elapsed retries, claim ready
// tasks in deterministic order, dispatch under the concurrency cap, and
// sleep until the next completion or retry wake-up.
func (c *Coordinator) execute(ctx context.Context, r *run) {
	defer r.session.cancel()

	sess := r.session
	sess.update(func(s *Session) { s.Status = StatusRunning })
	if c.metrics != nil {
		c.metrics.SessionsActive.Inc()
		defer c.metrics.SessionsActive.Dec()
	}

	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	var g errgroup.Group
	g.SetLimit(c.opts.MaxConcurrent)

	for !r.plan.Done() {
		if ctx.Err() != nil {
			break
		}

		now := time.Now()
		r.plan.Requeue(now)

		for _, role := range r.plan.ClaimReady() {
			role := role
			g.Go(func() error {
				c.runTask(ctx, r, role)
				notify()
				return nil
			})
		}

		if r.plan.Done() {
			break
		}

		var timer <-chan time.Time
		if wakeAt, ok := r.plan.NextWake(); ok {
			d := time.Until(wakeAt)
			if d < 0 {
				d = 0
			}
			timer = time.After(d)
		}

		select {
		case <-ctx.Done():
		case <-wake:
		case <-timer:
		}
	}

	_ = g.Wait()
	c.finalize(ctx, r)
}

// runTask executes one role attempt end to end.
func (c *Coordinator) runTask(ctx context.Context, r *run, role string) {
	sess := r.session
	task, _ := r.plan.Task(role)
	taskID := fmt.Sprintf("%s#%d", role, task.Attempts)

	r.agents.RecordStart(role, taskID)
	started := time.Now()

	taskCtx, cancel := context.WithTimeout(ctx, c.opts.TaskTimeout)
	defer cancel()

	result, err := c.generator.Generate(taskCtx, genai.Request{
		Role:        role,
		Requirement: sess.Requirement,
		Context:     c.contextFor(r),
		Model:       sess.Model,
	})
	if err != nil {
		c.failTask(r, role, taskID, err)
		return
	}

	accepted := 0
	for _, f := range result.Files {
		raw := &artifact.Artifact{
			Name:        f.Name,
			Role:        role,
			Content:     f.Content,
			ContentType: f.ContentType,
		}
		processed, err := c.processor.Ingest(raw)
		if err != nil {
			var rej *artifact.RejectedError
			if errors.As(err, &rej) {
				r.logger.Warn("artifact rejected",
					"name", rej.Name, "reason", string(rej.Reason), "detail", rej.Detail)
				if c.metrics != nil {
					c.metrics.ArtifactsRejected.WithLabelValues(string(rej.Reason)).Inc()
				}
				c.publish(sess.ID, events.New(events.ArtifactUpdate, sess.ID).
					WithData("name", rej.Name).
					WithData("status", "rejected").
					WithData("reason", string(rej.Reason)))
				continue
			}
			c.failTask(r, role, taskID, err)
			return
		}

		stored := r.artifacts.Put(processed)
		accepted++
		if c.metrics != nil {
			c.metrics.ArtifactsIngested.Inc()
		}
		c.publish(sess.ID, events.New(events.ArtifactUpdate, sess.ID).
			WithData("name", stored.Name).
			WithData("path", stored.Path).
			WithData("version", stored.Version).
			WithData("score", stored.Score).
			WithData("status", "stored"))
	}

	// A task whose every file was rejected still completes; the rejection
	// reasons were already reported.
	if err := r.plan.Complete(role); err != nil {
		r.logger.Error("complete task", "role", role, "error", err)
		return
	}
	r.agents.RecordCompletion(role, taskID)

	if c.metrics != nil {
		c.metrics.TasksTotal.WithLabelValues(role, "completed").Inc()
		c.metrics.GenerationDuration.WithLabelValues(role).Observe(time.Since(started).Seconds())
	}

	progress := r.plan.Progress()
	sess.update(func(s *Session) {
		s.Progress = progress
		s.Message = fmt.Sprintf("%s completed (%d files)", role, accepted)
	})
	c.publish(sess.ID, events.New(events.ProgressUpdate, sess.ID).
		WithData("progress", progress).
		WithData("role", role).
		WithData("files", accepted))
}

// failTask records a failure with the plan; the plan decides between a
// backoff retry and permanent failure with dependent propagation.
func (c *Coordinator) failTask(r *run, role, taskID string, cause error) {
	sess := r.session

	if err := r.plan.Fail(role, cause); err != nil {
		r.logger.Error("fail task", "role", role, "error", err)
		return
	}

	task, _ := r.plan.Task(role)
	if task.State == scheduler.TaskRetrying {
		r.logger.Warn("task retrying",
			"role", role, "attempt", task.Attempts, "error", cause)
		r.agents.Touch(role, "retrying")
		if c.metrics != nil {
			c.metrics.TasksTotal.WithLabelValues(role, "retrying").Inc()
		}
		return
	}

	r.logger.Error("task failed",
		"role", role, "attempts", task.Attempts, "error", cause)
	r.agents.RecordFailure(role, taskID, cause)
	if c.metrics != nil {
		c.metrics.TasksTotal.WithLabelValues(role, "failed").Inc()
	}
	c.publish(sess.ID, events.New(events.ProgressUpdate, sess.ID).
		WithData("progress", r.plan.Progress()).
		WithData("role", role).
		WithData("error", cause.Error()))
}

// contextFor collects the session's current deliverables for prompting
// downstream roles.
func (c *Coordinator) contextFor(r *run) map[string]string {
	arts := r.artifacts.Artifacts()
	if len(arts) == 0 {
		return nil
	}
	out := make(map[string]string, len(arts))
	for _, a := range arts {
		out[a.Name] = a.Content
	}
	return out
}

// finalize settles the session's terminal status and closes its event
// stream. A session that produced at least one artifact completes even if
// some tasks failed; the message carries the caveat.
func (c *Coordinator) finalize(ctx context.Context, r *run) {
	sess := r.session
	stats := r.plan.Stats()
	failed := stats[scheduler.TaskFailed]
	artifactCount := r.artifacts.Len()

	var status Status
	var message string
	switch {
	case sess.CancelRequested():
		status = StatusCancelled
		message = "generation cancelled"
	case ctx.Err() == context.DeadlineExceeded:
		status = StatusFailed
		message = "session timed out"
	case artifactCount == 0:
		status = StatusFailed
		message = "no artifacts produced"
	case failed > 0:
		status = StatusCompleted
		message = fmt.Sprintf("completed with %d failed tasks", failed)
	default:
		status = StatusCompleted
		message = "generation complete"
	}

	progress := r.plan.Progress()
	sess.update(func(s *Session) {
		s.Status = status
		s.Progress = progress
		s.Message = message
	})

	if status == StatusCompleted && c.archive != nil && artifactCount > 0 {
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		location, err := c.archive.Save(saveCtx, sess.ID, r.artifacts.Artifacts())
		cancel()
		if err != nil {
			r.logger.Warn("archive save failed", "error", err)
		} else {
			r.logger.Info("artifacts archived", "location", location)
		}
	}

	if status != StatusCompleted && c.sandboxes != nil {
		_ = c.sandboxes.Destroy(sess.ID)
	}

	c.publish(sess.ID, events.New(events.SessionDone, sess.ID).
		WithData("status", string(status)).
		WithData("progress", progress).
		WithData("message", message).
		WithData("artifacts", artifactCount))
	if c.broker != nil {
		c.broker.Finish(sess.ID)
	}

	r.logger.Info("generation finished", "status", string(status),
		"progress", progress, "artifacts", artifactCount, "failed_tasks", failed)
}

// Cancel stops a running session. Cancelling a terminal session is an
// error; cancellation is otherwise idempotent.
func (c *Coordinator) Cancel(sessionID string) error {
	sess, err := c.store.Get(sessionID)
	if err != nil {
		return err
	}
	if !sess.RequestCancel() && sess.View().Status.Terminal() {
		return fmt.Errorf("session %q already %s", sessionID, sess.View().Status)
	}
	return nil
}

// Status returns the session snapshot.
func (c *Coordinator) Status(sessionID string) (SessionView, error) {
	sess, err := c.store.Get(sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return sess.View(), nil
}

// Sessions lists every live session.
func (c *Coordinator) Sessions() []SessionView {
	return c.store.List()
}

// Agents returns the per-role agent states for a session.
func (c *Coordinator) Agents(sessionID string) ([]agent.State, error) {
	r, err := c.run(sessionID)
	if err != nil {
		return nil, err
	}
	return r.agents.Snapshot(), nil
}

// Tasks returns the plan snapshot for a session.
func (c *Coordinator) Tasks(sessionID string) ([]scheduler.Task, error) {
	r, err := c.run(sessionID)
	if err != nil {
		return nil, err
	}
	return r.plan.Snapshot(), nil
}

// Artifacts returns the latest version of every artifact in the session.
func (c *Coordinator) Artifacts(sessionID string) ([]*artifact.Artifact, error) {
	r, err := c.run(sessionID)
	if err != nil {
		return nil, err
	}
	return r.artifacts.Artifacts(), nil
}

// Events subscribes to the session's ordered event stream.
func (c *Coordinator) Events(sessionID string) (<-chan *events.Event, error) {
	if _, err := c.store.Get(sessionID); err != nil {
		return nil, err
	}
	return c.broker.Subscribe(sessionID), nil
}

// LaunchPreview provisions a sandbox for the session's artifacts, writes
// them in, and boots the detected project type.
func (c *Coordinator) LaunchPreview(ctx context.Context, sessionID string) (*sandbox.Instance, error) {
	if c.sandboxes == nil {
		return nil, fmt.Errorf("sandbox support is disabled")
	}
	r, err := c.run(sessionID)
	if err != nil {
		return nil, err
	}
	arts := r.artifacts.Artifacts()
	if len(arts) == 0 {
		return nil, fmt.Errorf("session %q has no artifacts to preview", sessionID)
	}

	if _, err := c.sandboxes.Create(ctx, sessionID); err != nil {
		return nil, err
	}
	if _, err := c.sandboxes.WriteFiles(ctx, sessionID, arts); err != nil {
		_ = c.sandboxes.Destroy(sessionID)
		return nil, err
	}
	inst, err := c.sandboxes.Run(ctx, sessionID)
	if err != nil {
		_ = c.sandboxes.Destroy(sessionID)
		return nil, err
	}
	return inst, nil
}

// PreviewLogs returns the preview process's retained output, capped to the
// newest maxLines when positive.
func (c *Coordinator) PreviewLogs(sessionID string, maxLines int) ([]sandbox.LogLine, error) {
	if c.sandboxes == nil {
		return nil, fmt.Errorf("sandbox support is disabled")
	}
	return c.sandboxes.Logs(sessionID, maxLines)
}

func (c *Coordinator) run(sessionID string) (*run, error) {
	if _, err := c.store.Get(sessionID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q not found", sessionID)
	}
	return r, nil
}

func (c *Coordinator) publish(sessionID string, ev *events.Event) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(sessionID, ev)
	if c.metrics != nil {
		c.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	}
}

// reap evicts expired sessions along with their run state and sandboxes.
func (c *Coordinator) reap() {
	for _, id := range c.store.Sweep() {
		c.mu.Lock()
		delete(c.runs, id)
		c.mu.Unlock()
		if c.sandboxes != nil {
			_ = c.sandboxes.Destroy(id)
		}
		c.logger.Info("session expired", "session_id", id)
	}
}
