package engine

import (
	"context"
	"fmt"

	"github.com/snarktank/antfarm/pkg/api"
)

func (e *Engine) CheckLoopContinuation(ctx context.Context, runID, loopStepID string) (api.LoopResult, error) {
	step, run, err := e.loadStep(ctx, loopStepID)
	if err != nil {
		return api.LoopResult{}, err
	}
	if step.RunID != runID {
		return api.LoopResult{}, fmt.Errorf("step %s in run %s: %w", loopStepID, runID, api.ErrStepNotFound)
	}
	if !step.IsLoop() {
		return api.LoopResult{}, fmt.Errorf("step %s is not a story loop: %w", step.StepID, api.ErrInvalidWorkflow)
	}
	return e.checkLoopContinuation(ctx, run, step)
}

// checkLoopContinuation keeps a loop step pending while stories remain and
// closes it, together with its verify step, once none are active. Only the
// call that actually closes the loop advances the pipeline.
func (e *Engine) checkLoopContinuation(ctx context.Context, run *api.Run, step *api.Step) (api.LoopResult, error) {
	stories, err := e.store.ListStories(ctx, run.ID)
	if err != nil {
		return api.LoopResult{}, err
	}
	var res api.LoopResult
	for _, s := range stories {
		if s.Status == api.StoryPending || s.Status == api.StoryRunning {
			res.ActiveStories++
		}
	}
	res.LoopDone = res.ActiveStories == 0

	current, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return api.LoopResult{}, err
	}
	if current.Status.IsTerminal() {
		return res, nil
	}
	inFlight, err := e.verifyInFlight(ctx, run, step)
	if err != nil || inFlight {
		return res, err
	}

	now := e.now()
	if res.ActiveStories > 0 {
		if step.Status == api.StepRunning && step.CurrentStoryID != "" {
			return res, nil
		}
		ok, err := e.store.TransitionStep(ctx, step.ID, api.StepPending, now, api.StepRunning, api.StepWaiting)
		if err != nil {
			return api.LoopResult{}, err
		}
		if ok {
			step.Status = api.StepPending
			step.UpdatedAt = now
			if err := e.emit(ctx, stepEvent(api.EventStepPending, run, step, "")); err != nil {
				return api.LoopResult{}, err
			}
		}
		return res, nil
	}

	ok, err := e.store.TransitionStep(ctx, step.ID, api.StepDone, now, api.StepPending, api.StepRunning, api.StepWaiting)
	if err != nil || !ok {
		return res, err
	}
	step.Status = api.StepDone
	step.CurrentStoryID = ""
	step.UpdatedAt = now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return res, err
	}
	if err := e.emit(ctx, stepEvent(api.EventStepDone, run, step, "")); err != nil {
		return res, err
	}

	if step.Loop.Verifies() {
		verify, err := e.store.FindStep(ctx, run.ID, step.Loop.VerifyStep)
		if err != nil {
			return res, fmt.Errorf("verify step %q: %w", step.Loop.VerifyStep, err)
		}
		if _, err := e.store.TransitionStep(ctx, verify.ID, api.StepDone, now, api.StepWaiting, api.StepPending, api.StepRunning); err != nil {
			return res, err
		}
	}

	cr, err := e.advancePipeline(ctx, run.ID)
	res.Advanced = cr.Advanced
	res.RunCompleted = cr.RunCompleted
	return res, err
}

// verifyInFlight reports whether the loop's verify step is pending or
// running. The loop holds still until the verdict is in.
func (e *Engine) verifyInFlight(ctx context.Context, run *api.Run, step *api.Step) (bool, error) {
	if !step.Loop.Verifies() {
		return false, nil
	}
	verify, err := e.store.FindStep(ctx, run.ID, step.Loop.VerifyStep)
	if err != nil {
		return false, fmt.Errorf("verify step %q: %w", step.Loop.VerifyStep, err)
	}
	return verify.Status == api.StepPending || verify.Status == api.StepRunning, nil
}
