package engine

import (
	"context"
	"strings"

	"github.com/snarktank/antfarm/internal/template"
	"github.com/snarktank/antfarm/pkg/api"
)

const (
	verifyRetry = "retry"

	fieldStatus   = "status"
	fieldIssues   = "issues"
	fieldFeedback = "feedback"
)

// completeVerify handles output from a loop's verify step. A "retry" status
// sends the last finished story back to the loop with feedback; anything
// else accepts it and lets the loop continue.
func (e *Engine) completeVerify(ctx context.Context, run *api.Run, loop, verify *api.Step, parsed template.Output, output string) (api.CompleteResult, error) {
	now := e.now()

	status := parsed.Fields[fieldStatus]
	if status == "" {
		status = run.Context[fieldStatus]
	}
	status = strings.ToLower(strings.TrimSpace(status))

	// The verify step waits for the next story either way.
	verify.Status = api.StepWaiting
	verify.Output = output
	verify.UpdatedAt = now
	if err := e.store.UpdateStep(ctx, verify); err != nil {
		return api.CompleteResult{}, err
	}

	story, err := e.store.LastCompletedStory(ctx, run.ID)
	if err != nil {
		return api.CompleteResult{}, err
	}

	if status == verifyRetry && story != nil {
		return e.retryVerifiedStory(ctx, run, loop, story, verifyFeedback(parsed, output))
	}

	if _, err := e.store.MergeRunContext(ctx, run.ID, nil, []string{KeyVerifyFeedback}, now); err != nil {
		return api.CompleteResult{}, err
	}
	delete(run.Context, KeyVerifyFeedback)
	if story != nil {
		if err := e.emit(ctx, storyEvent(api.EventStoryVerified, run, loop, story, "")); err != nil {
			return api.CompleteResult{}, err
		}
	}

	lr, err := e.checkLoopContinuation(ctx, run, loop)
	return api.CompleteResult{Advanced: lr.Advanced, RunCompleted: lr.RunCompleted}, err
}

func (e *Engine) retryVerifiedStory(ctx context.Context, run *api.Run, loop *api.Step, story *api.Story, feedback string) (api.CompleteResult, error) {
	now := e.now()
	story.RetryCount++
	story.UpdatedAt = now

	if story.RetryCount > story.MaxRetries {
		story.Status = api.StoryFailed
		if err := e.store.UpdateStory(ctx, story); err != nil {
			return api.CompleteResult{}, err
		}
		if err := e.emit(ctx, storyEvent(api.EventStoryFailed, run, loop, story, feedback)); err != nil {
			return api.CompleteResult{}, err
		}
		loop.Status = api.StepFailed
		loop.CurrentStoryID = ""
		loop.UpdatedAt = now
		if err := e.store.UpdateStep(ctx, loop); err != nil {
			return api.CompleteResult{}, err
		}
		if err := e.emit(ctx, stepEvent(api.EventStepFailed, run, loop, "story "+story.StoryID+" failed verification")); err != nil {
			return api.CompleteResult{}, err
		}
		_, err := e.failRun(ctx, run, "story "+story.StoryID+" exhausted retries")
		return api.CompleteResult{}, err
	}

	story.Status = api.StoryPending
	if err := e.store.UpdateStory(ctx, story); err != nil {
		return api.CompleteResult{}, err
	}
	if err := e.emit(ctx, storyEvent(api.EventStoryRetry, run, loop, story, feedback)); err != nil {
		return api.CompleteResult{}, err
	}

	merged, err := e.store.MergeRunContext(ctx, run.ID, map[string]string{KeyVerifyFeedback: feedback}, nil, now)
	if err != nil {
		return api.CompleteResult{}, err
	}
	run.Context = merged

	loop.Status = api.StepPending
	loop.CurrentStoryID = ""
	loop.UpdatedAt = now
	if err := e.store.UpdateStep(ctx, loop); err != nil {
		return api.CompleteResult{}, err
	}
	if err := e.emit(ctx, stepEvent(api.EventStepPending, run, loop, "")); err != nil {
		return api.CompleteResult{}, err
	}
	return api.CompleteResult{}, nil
}

// verifyFeedback picks what the next attempt at a story is told.
func verifyFeedback(parsed template.Output, output string) string {
	if v := parsed.Fields[fieldIssues]; v != "" {
		return v
	}
	if v := parsed.Fields[fieldFeedback]; v != "" {
		return v
	}
	return strings.TrimSpace(output)
}
