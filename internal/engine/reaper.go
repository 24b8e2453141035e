package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/snarktank/antfarm/pkg/api"
)

const abandonedDetail = "agent abandoned step"

// Sweep reclaims running work that has not moved for longer than the reap
// threshold. Stale stories are retried or failed on their own budget; stale
// single steps go through the normal failure path.
func (e *Engine) Sweep(ctx context.Context) (api.SweepReport, error) {
	var report api.SweepReport

	running, err := e.store.ListStepsByStatus(ctx, api.StepRunning)
	if err != nil {
		return report, err
	}
	cutoff := e.now().Add(-e.reapAfter)

	for _, step := range running {
		run, err := e.store.GetRun(ctx, step.RunID)
		if err != nil {
			return report, fmt.Errorf("run %s: %w", step.RunID, err)
		}
		if run.Status.IsTerminal() {
			continue
		}

		switch {
		case step.IsLoop() && step.CurrentStoryID != "":
			if err := e.reapStory(ctx, run, step, cutoff, &report); err != nil {
				return report, err
			}

		case step.IsLoop():
			if !step.UpdatedAt.Before(cutoff) {
				continue
			}
			inFlight, err := e.verifyInFlight(ctx, run, step)
			if err != nil {
				return report, err
			}
			if inFlight {
				continue
			}
			ok, err := e.store.TransitionStep(ctx, step.ID, api.StepPending, e.now(), api.StepRunning)
			if err != nil {
				return report, err
			}
			if ok {
				report.StepsReset++
				if err := e.emit(ctx, stepEvent(api.EventStepPending, run, step, abandonedDetail)); err != nil {
					return report, err
				}
			}

		default:
			if !step.UpdatedAt.Before(cutoff) {
				continue
			}
			res, err := e.failStep(ctx, run, step, abandonedDetail, true)
			if err != nil {
				return report, err
			}
			switch {
			case res.RunFailed:
				report.StepsFailed++
			case res.Retrying:
				report.StepsReset++
			}
		}
	}

	if report.Total() > 0 {
		e.log.InfoContext(ctx, "reaper reclaimed abandoned work",
			slog.Int("steps_failed", report.StepsFailed),
			slog.Int("steps_reset", report.StepsReset),
			slog.Int("stories_reset", report.StoriesReset),
			slog.Int("stories_failed", report.StoriesFailed),
		)
	}
	return report, nil
}

// reapStory handles a loop step whose current story went stale. An exhausted
// story is failed and the loop moves on without it.
func (e *Engine) reapStory(ctx context.Context, run *api.Run, step *api.Step, cutoff time.Time, report *api.SweepReport) error {
	story, err := e.store.GetStory(ctx, step.CurrentStoryID)
	if err != nil {
		return err
	}
	if story.Status != api.StoryRunning || !story.UpdatedAt.Before(cutoff) {
		return nil
	}

	seenAt, storySeenAt := step.UpdatedAt, story.UpdatedAt
	now := e.now()
	story.RetryCount++
	story.UpdatedAt = now
	step.CurrentStoryID = ""
	step.UpdatedAt = now

	if story.RetryCount > story.MaxRetries {
		story.Status = api.StoryFailed
		if ok, err := e.store.UpdateStoryIf(ctx, story, api.StoryRunning, storySeenAt); err != nil || !ok {
			return err
		}
		if ok, err := e.store.UpdateStepIf(ctx, step, api.StepRunning, seenAt); err != nil || !ok {
			return err
		}
		if err := e.emit(ctx, storyEvent(api.EventStepTimeout, run, step, story, abandonedDetail)); err != nil {
			return err
		}
		report.StoriesFailed++
		if err := e.emit(ctx, storyEvent(api.EventStoryFailed, run, step, story, abandonedDetail)); err != nil {
			return err
		}
		_, err := e.checkLoopContinuation(ctx, run, step)
		return err
	}

	story.Status = api.StoryPending
	if ok, err := e.store.UpdateStoryIf(ctx, story, api.StoryRunning, storySeenAt); err != nil || !ok {
		return err
	}
	step.Status = api.StepPending
	if ok, err := e.store.UpdateStepIf(ctx, step, api.StepRunning, seenAt); err != nil || !ok {
		return err
	}
	if err := e.emit(ctx, storyEvent(api.EventStepTimeout, run, step, story, abandonedDetail)); err != nil {
		return err
	}
	report.StoriesReset++
	if err := e.emit(ctx, storyEvent(api.EventStoryRetry, run, step, story, abandonedDetail)); err != nil {
		return err
	}
	return e.emit(ctx, stepEvent(api.EventStepPending, run, step, abandonedDetail))
}
