package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/snarktank/antfarm/internal/template"
	"github.com/snarktank/antfarm/pkg/api"
)

// Complete records a worker's output for a step. KEY: value lines are merged
// into the run context and STORIES_JSON seeds stories. The payload is
// validated before anything is written.
func (e *Engine) Complete(ctx context.Context, stepID, output string) (api.CompleteResult, error) {
	step, run, err := e.loadStep(ctx, stepID)
	if err != nil {
		return api.CompleteResult{}, err
	}
	if run.Status.IsTerminal() {
		return api.CompleteResult{}, nil
	}
	if step.Status != api.StepPending && step.Status != api.StepRunning {
		return api.CompleteResult{}, nil
	}

	parsed := template.ParseOutput(output)

	var seeds []template.StoryInput
	if parsed.HasStories {
		existing, err := e.store.ListStories(ctx, run.ID)
		if err != nil {
			return api.CompleteResult{}, err
		}
		ids := make([]string, len(existing))
		for i, s := range existing {
			ids[i] = s.StoryID
		}
		seeds, err = template.ParseStories(parsed.StoriesJSON, e.maxStories, ids...)
		if err != nil {
			return api.CompleteResult{}, err
		}
		if err := e.seedStories(ctx, run, seeds, len(existing)); err != nil {
			return api.CompleteResult{}, err
		}
	}

	if len(parsed.Fields) > 0 {
		merged, err := e.store.MergeRunContext(ctx, run.ID, parsed.Fields, nil, e.now())
		if err != nil {
			return api.CompleteResult{}, err
		}
		run.Context = merged
	}

	if step.IsLoop() {
		if step.CurrentStoryID != "" {
			return e.completeStory(ctx, run, step, output)
		}
		lr, err := e.checkLoopContinuation(ctx, run, step)
		return api.CompleteResult{Advanced: lr.Advanced, RunCompleted: lr.RunCompleted}, err
	}

	loop, err := e.loopVerifiedBy(ctx, run, step)
	if err != nil {
		return api.CompleteResult{}, err
	}
	if loop != nil {
		return e.completeVerify(ctx, run, loop, step, parsed, output)
	}

	now := e.now()
	ok, err := e.store.TransitionStep(ctx, step.ID, api.StepDone, now, api.StepPending, api.StepRunning)
	if err != nil || !ok {
		return api.CompleteResult{}, err
	}
	step.Status = api.StepDone
	step.Output = output
	step.UpdatedAt = now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return api.CompleteResult{}, err
	}
	if err := e.emit(ctx, stepEvent(api.EventStepDone, run, step, "")); err != nil {
		return api.CompleteResult{}, err
	}
	return e.advancePipeline(ctx, run.ID)
}

// seedStories inserts validated stories after the existing ones. Their retry
// limit comes from the run's loop step.
func (e *Engine) seedStories(ctx context.Context, run *api.Run, seeds []template.StoryInput, offset int) error {
	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	maxRetries := DefaultMaxRetries
	for _, st := range steps {
		if !st.IsLoop() {
			continue
		}
		maxRetries = st.MaxRetries
		if st.Loop.MaxStoryRetries > 0 {
			maxRetries = st.Loop.MaxStoryRetries
		}
		break
	}

	now := e.now()
	stories := make([]*api.Story, len(seeds))
	for i, in := range seeds {
		stories[i] = &api.Story{
			ID:                 uuid.NewString(),
			RunID:              run.ID,
			StoryIndex:         offset + i,
			StoryID:            in.ID,
			Title:              in.Title,
			Description:        in.Description,
			AcceptanceCriteria: in.AcceptanceCriteria,
			Status:             api.StoryPending,
			MaxRetries:         maxRetries,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
	}
	if err := e.store.InsertStories(ctx, stories); err != nil {
		return fmt.Errorf("seed stories: %w", err)
	}
	e.log.InfoContext(ctx, "stories seeded", "run_id", run.ID, "count", len(stories))
	return nil
}

// completeStory finishes the loop step's in-flight story and either routes it
// to the verify step or continues the loop.
func (e *Engine) completeStory(ctx context.Context, run *api.Run, step *api.Step, output string) (api.CompleteResult, error) {
	now := e.now()
	story, err := e.store.GetStory(ctx, step.CurrentStoryID)
	if err != nil {
		return api.CompleteResult{}, err
	}
	story.Status = api.StoryDone
	story.Output = output
	story.UpdatedAt = now
	if err := e.store.UpdateStory(ctx, story); err != nil {
		return api.CompleteResult{}, err
	}

	step.CurrentStoryID = ""
	step.Output = output
	step.UpdatedAt = now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return api.CompleteResult{}, err
	}
	if err := e.emit(ctx, storyEvent(api.EventStoryDone, run, step, story, "")); err != nil {
		return api.CompleteResult{}, err
	}

	if step.Loop.Verifies() {
		verify, err := e.store.FindStep(ctx, run.ID, step.Loop.VerifyStep)
		if err != nil {
			return api.CompleteResult{}, fmt.Errorf("verify step %q: %w", step.Loop.VerifyStep, err)
		}
		ok, err := e.store.TransitionStep(ctx, verify.ID, api.StepPending, now, api.StepWaiting, api.StepDone, api.StepFailed)
		if err != nil {
			return api.CompleteResult{}, err
		}
		if ok {
			verify.Status = api.StepPending
			verify.UpdatedAt = now
			if err := e.emit(ctx, storyEvent(api.EventStepPending, run, verify, story, "")); err != nil {
				return api.CompleteResult{}, err
			}
		}
		return api.CompleteResult{}, nil
	}

	lr, err := e.checkLoopContinuation(ctx, run, step)
	return api.CompleteResult{Advanced: lr.Advanced, RunCompleted: lr.RunCompleted}, err
}

// loopVerifiedBy returns the running loop step that uses step as its verify
// gate, or nil.
func (e *Engine) loopVerifiedBy(ctx context.Context, run *api.Run, step *api.Step) (*api.Step, error) {
	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		if st.ID == step.ID || !st.IsLoop() || !st.Loop.Verifies() {
			continue
		}
		if st.Loop.VerifyStep == step.StepID && st.Status == api.StepRunning {
			return st, nil
		}
	}
	return nil, nil
}
