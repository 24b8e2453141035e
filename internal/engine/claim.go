package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/snarktank/antfarm/internal/template"
	"github.com/snarktank/antfarm/pkg/api"
)

// Claim hands the earliest pending unit of work for agentID to the caller.
// Claims are a compare-and-swap on the step status; a lost race moves on to
// the next candidate.
func (e *Engine) Claim(ctx context.Context, agentID string) (api.ClaimResult, error) {
	if e.claimSweep {
		if _, err := e.Sweep(ctx); err != nil {
			return api.ClaimResult{}, fmt.Errorf("sweep before claim: %w", err)
		}
	}

	candidates, err := e.store.PendingSteps(ctx, agentID, e.claimAttempts)
	if err != nil {
		return api.ClaimResult{}, err
	}
	for _, step := range candidates {
		run, err := e.store.GetRun(ctx, step.RunID)
		if err != nil {
			return api.ClaimResult{}, err
		}
		if run.Status != api.RunRunning {
			continue
		}

		var (
			res api.ClaimResult
			won bool
		)
		if step.IsLoop() {
			res, won, err = e.claimLoop(ctx, run, step)
		} else {
			res, won, err = e.claimSingle(ctx, run, step)
		}
		if err != nil {
			return api.ClaimResult{}, err
		}
		if won {
			return res, nil
		}
	}
	return api.ClaimResult{}, nil
}

func (e *Engine) claimSingle(ctx context.Context, run *api.Run, step *api.Step) (api.ClaimResult, bool, error) {
	now := e.now()
	ok, err := e.store.TransitionStep(ctx, step.ID, api.StepRunning, now, api.StepPending)
	if err != nil || !ok {
		return api.ClaimResult{}, false, err
	}
	step.Status = api.StepRunning
	step.UpdatedAt = now

	vars := run.Context
	stories, err := e.store.ListStories(ctx, run.ID)
	if err != nil {
		return api.ClaimResult{}, false, err
	}
	if len(stories) > 0 {
		vars = copyVars(run.Context)
		vars[KeyProgress] = e.readProgress(ctx, run)
	}

	if err := e.emit(ctx, stepEvent(api.EventStepRunning, run, step, "")); err != nil {
		return api.ClaimResult{}, false, err
	}
	return api.ClaimResult{
		Found:  true,
		StepID: step.ID,
		RunID:  run.ID,
		Input:  template.Resolve(step.InputTemplate, vars),
	}, true, nil
}

func (e *Engine) claimLoop(ctx context.Context, run *api.Run, step *api.Step) (api.ClaimResult, bool, error) {
	story, err := e.store.NextPendingStory(ctx, run.ID)
	if err != nil {
		return api.ClaimResult{}, false, err
	}
	if story == nil {
		// Nothing left to hand out: let continuation close the loop.
		if _, err := e.checkLoopContinuation(ctx, run, step); err != nil {
			return api.ClaimResult{}, false, err
		}
		return api.ClaimResult{}, false, nil
	}

	now := e.now()
	ok, err := e.store.TransitionStep(ctx, step.ID, api.StepRunning, now, api.StepPending)
	if err != nil || !ok {
		return api.ClaimResult{}, false, err
	}
	ok, err = e.store.TransitionStory(ctx, story.ID, api.StoryRunning, now, api.StoryPending)
	if err != nil {
		return api.ClaimResult{}, false, err
	}
	if !ok {
		if _, err := e.store.TransitionStep(ctx, step.ID, api.StepPending, now, api.StepRunning); err != nil {
			return api.ClaimResult{}, false, err
		}
		return api.ClaimResult{}, false, nil
	}

	step.Status = api.StepRunning
	step.CurrentStoryID = story.ID
	step.UpdatedAt = now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return api.ClaimResult{}, false, err
	}
	story.Status = api.StoryRunning
	story.UpdatedAt = now

	stories, err := e.store.ListStories(ctx, run.ID)
	if err != nil {
		return api.ClaimResult{}, false, err
	}
	set := loopVars(story, stories, run.Context[KeyVerifyFeedback])
	set[KeyProgress] = e.readProgress(ctx, run)

	merged, err := e.store.MergeRunContext(ctx, run.ID, set, nil, now)
	if err != nil {
		return api.ClaimResult{}, false, err
	}
	run.Context = merged

	if err := e.emit(ctx, storyEvent(api.EventStoryStarted, run, step, story, story.Title)); err != nil {
		return api.ClaimResult{}, false, err
	}
	if err := e.emit(ctx, storyEvent(api.EventStepRunning, run, step, story, "")); err != nil {
		return api.ClaimResult{}, false, err
	}
	return api.ClaimResult{
		Found:   true,
		StepID:  step.ID,
		RunID:   run.ID,
		StoryID: story.StoryID,
		Input:   template.Resolve(step.InputTemplate, merged),
	}, true, nil
}

// loopVars builds the context fields a loop step's template sees for the
// story being handed out.
func loopVars(current *api.Story, stories []*api.Story, feedback string) map[string]string {
	var (
		completed []string
		remaining int
	)
	for _, s := range stories {
		switch s.Status {
		case api.StoryDone:
			completed = append(completed, fmt.Sprintf("- %s: %s", s.StoryID, s.Title))
		case api.StoryPending:
			remaining++
		}
	}
	done := "(none)"
	if len(completed) > 0 {
		done = strings.Join(completed, "\n")
	}
	return map[string]string{
		KeyCurrentStory:      formatStory(current),
		KeyCurrentStoryID:    current.StoryID,
		KeyCurrentStoryTitle: current.Title,
		KeyCompletedStories:  done,
		KeyStoriesRemaining:  strconv.Itoa(remaining),
		KeyVerifyFeedback:    feedback,
	}
}

func formatStory(s *api.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Story %s: %s\n\n%s\n", s.StoryID, s.Title, s.Description)
	if len(s.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance Criteria:\n")
		for i, c := range s.AcceptanceCriteria {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// readProgress returns the sidecar text, or "" when there is no sidecar or it
// cannot be read.
func (e *Engine) readProgress(ctx context.Context, run *api.Run) string {
	if e.sidecar == nil {
		return ""
	}
	text, err := e.sidecar.ReadProgress(ctx, run)
	if err != nil {
		e.log.WarnContext(ctx, "read progress sidecar",
			slog.String("run_id", run.ID),
			slog.Any("error", err),
		)
		return ""
	}
	return text
}

func copyVars(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
