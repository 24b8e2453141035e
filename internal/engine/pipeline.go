package engine

import (
	"context"
	"log/slog"

	"github.com/snarktank/antfarm/pkg/api"
)

func (e *Engine) AdvancePipeline(ctx context.Context, runID string) (api.CompleteResult, error) {
	return e.advancePipeline(ctx, runID)
}

// advancePipeline promotes the lowest waiting step. With nothing waiting and
// nothing in flight the run completes: the progress sidecar is archived and
// the workflow's dispatcher jobs are torn down, both only once no other run
// of the workflow is active.
func (e *Engine) advancePipeline(ctx context.Context, runID string) (api.CompleteResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return api.CompleteResult{}, err
	}
	if run.Status.IsTerminal() {
		return api.CompleteResult{}, nil
	}

	now := e.now()
	next, err := e.store.FirstWaitingStep(ctx, run.ID)
	if err != nil {
		return api.CompleteResult{}, err
	}
	if next != nil {
		ok, err := e.store.TransitionStep(ctx, next.ID, api.StepPending, now, api.StepWaiting)
		if err != nil || !ok {
			return api.CompleteResult{}, err
		}
		next.Status = api.StepPending
		if err := e.emit(ctx, stepEvent(api.EventPipelineAdvanced, run, next, "")); err != nil {
			return api.CompleteResult{}, err
		}
		if err := e.emit(ctx, stepEvent(api.EventStepPending, run, next, "")); err != nil {
			return api.CompleteResult{}, err
		}
		return api.CompleteResult{Advanced: true}, nil
	}

	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return api.CompleteResult{}, err
	}
	for _, st := range steps {
		if st.Status == api.StepPending || st.Status == api.StepRunning {
			return api.CompleteResult{}, nil
		}
	}

	ok, err := e.store.SetRunStatus(ctx, run.ID, api.RunCompleted, now)
	if err != nil || !ok {
		return api.CompleteResult{}, err
	}
	run.Status = api.RunCompleted

	e.archiveProgress(ctx, run)
	if err := e.emit(ctx, runEvent(api.EventRunCompleted, run, "")); err != nil {
		return api.CompleteResult{RunCompleted: true}, err
	}
	e.teardown(ctx, run.WorkflowID)
	return api.CompleteResult{RunCompleted: true}, nil
}

// archiveProgress archives the workflow's progress sidecar. The file is
// shared by every run of the workflow, so it stays put while another run is
// still active.
func (e *Engine) archiveProgress(ctx context.Context, run *api.Run) {
	if e.sidecar == nil {
		return
	}
	active, err := e.store.CountActiveRuns(ctx, run.WorkflowID)
	if err != nil {
		e.log.WarnContext(ctx, "archive progress sidecar: count active runs",
			slog.String("workflow", run.WorkflowID),
			slog.Any("error", err),
		)
		return
	}
	if active > 0 {
		e.log.DebugContext(ctx, "progress sidecar kept for active runs",
			slog.String("workflow", run.WorkflowID),
			slog.Int("active", active),
		)
		return
	}
	if err := e.sidecar.Archive(ctx, run); err != nil {
		e.log.WarnContext(ctx, "archive progress sidecar",
			slog.String("run_id", run.ID),
			slog.Any("error", err),
		)
	}
}
