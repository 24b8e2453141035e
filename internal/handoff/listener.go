// Package handoff nudges the dispatcher as soon as a step becomes claimable
// so the owning agent does not wait for its next scheduled tick. It only
// reduces latency; the dispatcher's own schedule stays the backstop.
package handoff

import (
	"context"
	"log/slog"

	"github.com/snarktank/antfarm/internal/dispatch"
	"github.com/snarktank/antfarm/pkg/api"
)

// StateReader is the slice of the store the listener reads.
type StateReader interface {
	GetRun(ctx context.Context, id string) (*api.Run, error)
	GetStep(ctx context.Context, id string) (*api.Step, error)
}

// Listener is an api.Observer reacting to step.pending events.
type Listener struct {
	store      StateReader
	dispatcher api.Dispatcher
	gate       Gate
	log        *slog.Logger
}

var _ api.Observer = (*Listener)(nil)

// NewListener creates a Listener. A nil gate means a fresh MemoryGate and a
// nil logger means slog.Default().
func NewListener(store StateReader, dispatcher api.Dispatcher, gate Gate, logger *slog.Logger) *Listener {
	if gate == nil {
		gate = NewMemoryGate()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{store: store, dispatcher: dispatcher, gate: gate, log: logger}
}

func (l *Listener) OnEvent(ctx context.Context, ev api.Event) {
	if ev.Type != api.EventStepPending || ev.StepID == "" {
		return
	}
	if _, err := l.Trigger(ctx, ev.RunID, ev.StepID); err != nil {
		l.log.WarnContext(ctx, "handoff failed",
			slog.String("run_id", ev.RunID),
			slog.String("step_id", ev.StepID),
			slog.Any("error", err),
		)
	}
}

// Trigger asks the dispatcher to run the job of the step's agent now. It
// reports whether a job was triggered.
func (l *Listener) Trigger(ctx context.Context, runID, stepID string) (bool, error) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status != api.RunRunning {
		return false, nil
	}
	step, err := l.store.GetStep(ctx, stepID)
	if err != nil {
		return false, err
	}
	if step.Status != api.StepPending {
		return false, nil
	}

	ok, err := l.gate.Acquire(ctx, step.ID, step.UpdatedAt.UnixNano())
	if err != nil || !ok {
		return false, err
	}
	defer l.gate.Release(ctx, step.ID)

	name := dispatch.JobName(step.AgentID)
	jobs, err := l.dispatcher.ListJobs(ctx, name)
	if err != nil {
		return false, err
	}
	for _, job := range jobs {
		if job.Name != name {
			continue
		}
		if err := l.dispatcher.RunNow(ctx, job.ID); err != nil {
			return false, err
		}
		l.log.DebugContext(ctx, "handoff triggered",
			slog.String("run_id", run.ID),
			slog.String("step", step.StepID),
			slog.String("job", job.Name),
		)
		return true, nil
	}
	return false, nil
}
