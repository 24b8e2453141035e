package engine

import (
	"context"
	"fmt"

	"github.com/snarktank/antfarm/pkg/api"
)

func (e *Engine) Fail(ctx context.Context, stepID, errText string) (api.FailResult, error) {
	step, run, err := e.loadStep(ctx, stepID)
	if err != nil {
		return api.FailResult{}, err
	}
	return e.failStep(ctx, run, step, errText, false)
}

// failStep charges a failure to the in-flight story of a loop step, or to the
// step itself. Exhausting the retry budget fails the run. Writes only land
// while the step is as the caller read it; losing that race is a no-op.
// timedOut records a step.timeout event once the write lands.
func (e *Engine) failStep(ctx context.Context, run *api.Run, step *api.Step, errText string, timedOut bool) (api.FailResult, error) {
	if run.Status.IsTerminal() {
		return api.FailResult{}, nil
	}
	if step.Status != api.StepPending && step.Status != api.StepRunning {
		return api.FailResult{}, nil
	}
	if step.IsLoop() && step.CurrentStoryID != "" {
		return e.failStory(ctx, run, step, errText)
	}

	seen, seenAt := step.Status, step.UpdatedAt
	now := e.now()
	step.RetryCount++
	step.UpdatedAt = now
	step.Output = errText

	if step.RetryCount > step.MaxRetries {
		step.Status = api.StepFailed
		if ok, err := e.store.UpdateStepIf(ctx, step, seen, seenAt); err != nil || !ok {
			return api.FailResult{}, err
		}
		if err := e.emitTimeout(ctx, run, step, timedOut); err != nil {
			return api.FailResult{}, err
		}
		if err := e.emit(ctx, stepEvent(api.EventStepFailed, run, step, errText)); err != nil {
			return api.FailResult{}, err
		}
		failed, err := e.failRun(ctx, run, fmt.Sprintf("step %s failed: %s", step.StepID, errText))
		return api.FailResult{RunFailed: failed}, err
	}

	step.Status = api.StepPending
	if ok, err := e.store.UpdateStepIf(ctx, step, seen, seenAt); err != nil || !ok {
		return api.FailResult{}, err
	}
	if err := e.emitTimeout(ctx, run, step, timedOut); err != nil {
		return api.FailResult{}, err
	}
	if err := e.emit(ctx, stepEvent(api.EventStepPending, run, step, errText)); err != nil {
		return api.FailResult{}, err
	}
	return api.FailResult{Retrying: true}, nil
}

func (e *Engine) emitTimeout(ctx context.Context, run *api.Run, step *api.Step, timedOut bool) error {
	if !timedOut {
		return nil
	}
	return e.emit(ctx, stepEvent(api.EventStepTimeout, run, step, abandonedDetail))
}

// failStory retries the loop step's current story. The step's own retry
// counter is left alone.
func (e *Engine) failStory(ctx context.Context, run *api.Run, step *api.Step, errText string) (api.FailResult, error) {
	now := e.now()
	story, err := e.store.GetStory(ctx, step.CurrentStoryID)
	if err != nil {
		return api.FailResult{}, err
	}
	if story.Status != api.StoryRunning {
		return api.FailResult{}, nil
	}
	seen, seenAt := step.Status, step.UpdatedAt
	storySeenAt := story.UpdatedAt
	story.RetryCount++
	story.Output = errText
	story.UpdatedAt = now

	step.CurrentStoryID = ""
	step.UpdatedAt = now

	if story.RetryCount > story.MaxRetries {
		story.Status = api.StoryFailed
		if ok, err := e.store.UpdateStoryIf(ctx, story, api.StoryRunning, storySeenAt); err != nil || !ok {
			return api.FailResult{}, err
		}
		if err := e.emit(ctx, storyEvent(api.EventStoryFailed, run, step, story, errText)); err != nil {
			return api.FailResult{}, err
		}
		step.Status = api.StepFailed
		if ok, err := e.store.UpdateStepIf(ctx, step, seen, seenAt); err != nil || !ok {
			return api.FailResult{}, err
		}
		if err := e.emit(ctx, storyEvent(api.EventStepFailed, run, step, story, errText)); err != nil {
			return api.FailResult{}, err
		}
		failed, err := e.failRun(ctx, run, fmt.Sprintf("story %s failed: %s", story.StoryID, errText))
		return api.FailResult{RunFailed: failed}, err
	}

	story.Status = api.StoryPending
	if ok, err := e.store.UpdateStoryIf(ctx, story, api.StoryRunning, storySeenAt); err != nil || !ok {
		return api.FailResult{}, err
	}
	if err := e.emit(ctx, storyEvent(api.EventStoryRetry, run, step, story, errText)); err != nil {
		return api.FailResult{}, err
	}
	step.Status = api.StepPending
	if ok, err := e.store.UpdateStepIf(ctx, step, seen, seenAt); err != nil || !ok {
		return api.FailResult{}, err
	}
	if err := e.emit(ctx, stepEvent(api.EventStepPending, run, step, errText)); err != nil {
		return api.FailResult{}, err
	}
	return api.FailResult{Retrying: true}, nil
}
