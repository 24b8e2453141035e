package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives every event the engine appends to the run history.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay claim/complete/fail callers.
type Observer interface {
	OnEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnEvent(ctx context.Context, ev Event) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnEvent(ctx context.Context, ev Event) {
	for _, o := range c.observers {
		o.OnEvent(ctx, ev)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run, step and story
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEvent(ctx context.Context, ev Event) {
	level := slog.LevelDebug
	switch ev.Type {
	case EventRunStarted, EventRunCompleted, EventRunCancelled:
		level = slog.LevelInfo
	case EventStepTimeout, EventStoryRetry:
		level = slog.LevelWarn
	case EventRunFailed, EventStepFailed, EventStoryFailed:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("run_id", ev.RunID),
		slog.String("workflow", ev.WorkflowID),
	}
	if ev.StepName != "" {
		attrs = append(attrs, slog.String("step", ev.StepName))
	}
	if ev.StepID != "" {
		attrs = append(attrs, slog.String("step_id", ev.StepID))
	}
	if ev.StoryID != "" {
		attrs = append(attrs, slog.String("story", ev.StoryID))
	}
	if ev.AgentID != "" {
		attrs = append(attrs, slog.String("agent", ev.AgentID))
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	o.Logger.LogAttrs(ctx, level, string(ev.Type), attrs...)
}

// BasicMetrics collects simple counters over the event stream.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	runsStarted   atomic.Int64
	runsCompleted atomic.Int64
	runsFailed    atomic.Int64
	runsCancelled atomic.Int64

	stepsClaimed   atomic.Int64
	stepsCompleted atomic.Int64
	stepsFailed    atomic.Int64
	stepTimeouts   atomic.Int64

	storiesStarted  atomic.Int64
	storiesDone     atomic.Int64
	storiesRetried  atomic.Int64
	storiesFailed   atomic.Int64
	storiesVerified atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsCancelled int64
	ActiveRuns    int64

	StepsClaimed   int64
	StepsCompleted int64
	StepsFailed    int64
	StepTimeouts   int64

	StoriesStarted  int64
	StoriesDone     int64
	StoriesRetried  int64
	StoriesFailed   int64
	StoriesVerified int64
}

func (m *BasicMetrics) OnEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventRunStarted:
		m.runsStarted.Add(1)
	case EventRunCompleted:
		m.runsCompleted.Add(1)
	case EventRunFailed:
		m.runsFailed.Add(1)
	case EventRunCancelled:
		m.runsCancelled.Add(1)
	case EventStepRunning:
		m.stepsClaimed.Add(1)
	case EventStepDone:
		m.stepsCompleted.Add(1)
	case EventStepFailed:
		m.stepsFailed.Add(1)
	case EventStepTimeout:
		m.stepTimeouts.Add(1)
	case EventStoryStarted:
		m.storiesStarted.Add(1)
	case EventStoryDone:
		m.storiesDone.Add(1)
	case EventStoryRetry:
		m.storiesRetried.Add(1)
	case EventStoryFailed:
		m.storiesFailed.Add(1)
	case EventStoryVerified:
		m.storiesVerified.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	cancelled := m.runsCancelled.Load()

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsCompleted:   completed,
		RunsFailed:      failed,
		RunsCancelled:   cancelled,
		ActiveRuns:      started - completed - failed - cancelled,
		StepsClaimed:    m.stepsClaimed.Load(),
		StepsCompleted:  m.stepsCompleted.Load(),
		StepsFailed:     m.stepsFailed.Load(),
		StepTimeouts:    m.stepTimeouts.Load(),
		StoriesStarted:  m.storiesStarted.Load(),
		StoriesDone:     m.storiesDone.Load(),
		StoriesRetried:  m.storiesRetried.Load(),
		StoriesFailed:   m.storiesFailed.Load(),
		StoriesVerified: m.storiesVerified.Load(),
	}
}
