// Package engine implements the run/step/story state machine: claim,
// complete and fail, the story loop with its verify gate, pipeline
// advancement and the abandoned-work reaper.
//
// The engine owns no goroutines. Every method runs on the caller's
// goroutine, and atomicity comes from conditional updates in the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snarktank/antfarm/internal/dispatch"
	"github.com/snarktank/antfarm/internal/persistence"
	"github.com/snarktank/antfarm/internal/template"
	"github.com/snarktank/antfarm/pkg/api"
)

const (
	// DefaultReapAfter is how long a unit may stay running without progress
	// before the reaper reclaims it.
	DefaultReapAfter = 15 * time.Minute

	// DefaultClaimAttempts bounds how many candidates one Claim tries after
	// losing compare-and-swap races.
	DefaultClaimAttempts = 5

	// DefaultMaxRetries applies to steps and stories with no explicit limit.
	DefaultMaxRetries = 2
)

// Reserved context keys written by the engine.
const (
	KeyTask              = "task"
	KeyRunID             = "run_id"
	KeyWorkflowID        = "workflow_id"
	KeyProgress          = "progress"
	KeyCurrentStory      = "current_story"
	KeyCurrentStoryID    = "current_story_id"
	KeyCurrentStoryTitle = "current_story_title"
	KeyCompletedStories  = "completed_stories"
	KeyStoriesRemaining  = "stories_remaining"
	KeyVerifyFeedback    = "verify_feedback"
)

// Config describes how to construct an Engine.
type Config struct {
	Persistence persistence.Persistence
	Specs       api.SpecProvider
	Observer    api.Observer

	// Dispatcher and Sidecar are optional.
	Dispatcher api.Dispatcher
	Sidecar    api.Sidecar

	Logger *slog.Logger

	ReapAfter     time.Duration
	ClaimAttempts int
	MaxStories    int

	// DisableClaimSweep stops Claim from running the reaper first. Set it
	// when the reaper runs on its own schedule.
	DisableClaimSweep bool
}

// Option customizes an Engine after Config defaults are applied.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// Engine is the synchronous workflow engine.
type Engine struct {
	store      persistence.Store
	specs      api.SpecProvider
	observer   api.Observer
	dispatcher api.Dispatcher
	sidecar    api.Sidecar
	log        *slog.Logger

	reapAfter     time.Duration
	claimAttempts int
	maxStories    int
	claimSweep    bool

	now func() time.Time
}

var _ api.Engine = (*Engine)(nil)

// New creates an Engine using the given configuration.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:         cfg.Persistence.Store,
		specs:         cfg.Specs,
		observer:      cfg.Observer,
		dispatcher:    cfg.Dispatcher,
		sidecar:       cfg.Sidecar,
		log:           cfg.Logger,
		reapAfter:     cfg.ReapAfter,
		claimAttempts: cfg.ClaimAttempts,
		maxStories:    cfg.MaxStories,
		claimSweep:    !cfg.DisableClaimSweep,
		now:           time.Now,
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.reapAfter <= 0 {
		e.reapAfter = DefaultReapAfter
	}
	if e.claimAttempts <= 0 {
		e.claimAttempts = DefaultClaimAttempts
	}
	if e.maxStories <= 0 {
		e.maxStories = template.DefaultMaxStories
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the engine's store to components that share it.
func (e *Engine) Store() persistence.Store { return e.store }

// emit appends ev to the history and then notifies the observer. The
// observer is not called when the append fails.
func (e *Engine) emit(ctx context.Context, ev api.Event) error {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append %s event: %w", ev.Type, err)
	}
	e.observer.OnEvent(ctx, ev)
	return nil
}

func runEvent(typ api.EventType, run *api.Run, detail string) api.Event {
	return api.Event{
		Type:       typ,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Detail:     detail,
	}
}

func stepEvent(typ api.EventType, run *api.Run, step *api.Step, detail string) api.Event {
	ev := runEvent(typ, run, detail)
	ev.StepID = step.ID
	ev.StepName = step.StepID
	ev.AgentID = step.AgentID
	return ev
}

func storyEvent(typ api.EventType, run *api.Run, step *api.Step, story *api.Story, detail string) api.Event {
	ev := stepEvent(typ, run, step, detail)
	ev.StoryID = story.StoryID
	return ev
}

// loadStep returns a step and its run.
func (e *Engine) loadStep(ctx context.Context, stepID string) (*api.Step, *api.Run, error) {
	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, nil, fmt.Errorf("step %s: %w", stepID, err)
	}
	run, err := e.store.GetRun(ctx, step.RunID)
	if err != nil {
		return nil, nil, fmt.Errorf("run %s: %w", step.RunID, err)
	}
	return step, run, nil
}

// resolveRun accepts a full run id or a unique prefix of one.
func (e *Engine) resolveRun(ctx context.Context, query string) (*api.Run, error) {
	if query == "" {
		return nil, api.ErrRunNotFound
	}
	run, err := e.store.GetRun(ctx, query)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, api.ErrRunNotFound) {
		return nil, err
	}
	runs, err := e.store.FindRuns(ctx, query, 2)
	if err != nil {
		return nil, err
	}
	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("run %s: %w", query, api.ErrRunNotFound)
	case 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("run %s: %w", query, api.ErrAmbiguousRun)
	}
}

// teardown removes a workflow's dispatcher jobs once no run of it is
// active. Errors are logged only.
func (e *Engine) teardown(ctx context.Context, workflowID string) {
	if e.dispatcher == nil {
		return
	}
	active, err := e.store.CountActiveRuns(ctx, workflowID)
	if err != nil {
		e.log.WarnContext(ctx, "teardown: count active runs", slog.String("workflow", workflowID), slog.Any("error", err))
		return
	}
	if active > 0 {
		return
	}
	jobs, err := e.dispatcher.ListJobs(ctx, dispatch.JobPrefix(workflowID))
	if err != nil {
		e.log.WarnContext(ctx, "teardown: list jobs", slog.String("workflow", workflowID), slog.Any("error", err))
		return
	}
	for _, job := range jobs {
		if err := e.dispatcher.RemoveJob(ctx, job.ID); err != nil {
			e.log.WarnContext(ctx, "teardown: remove job", slog.String("job", job.Name), slog.Any("error", err))
		}
	}
}

func (e *Engine) GetRun(ctx context.Context, query string) (*api.Run, error) {
	return e.resolveRun(ctx, query)
}

func (e *Engine) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.Run, error) {
	return e.store.ListRuns(ctx, opts)
}

func (e *Engine) Steps(ctx context.Context, runID string) ([]*api.Step, error) {
	return e.store.ListSteps(ctx, runID)
}

func (e *Engine) Stories(ctx context.Context, runID string) ([]*api.Story, error) {
	return e.store.ListStories(ctx, runID)
}

func (e *Engine) Events(ctx context.Context, runID string, limit int) ([]api.Event, error) {
	return e.store.ListEvents(ctx, persistence.EventFilter{RunID: runID, Limit: limit})
}
