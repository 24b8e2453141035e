package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/snarktank/antfarm/pkg/api"
)

func (e *Engine) StartRun(ctx context.Context, workflowID, task string, vars map[string]string) (*api.Run, error) {
	if e.specs == nil {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, api.ErrWorkflowNotFound)
	}
	spec, err := e.specs.Workflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("workflow %s has no steps: %w", spec.ID, api.ErrInvalidWorkflow)
	}

	now := e.now()
	runCtx := make(map[string]string, len(vars)+3)
	for k, v := range vars {
		runCtx[k] = v
	}
	runCtx[KeyTask] = task
	runCtx[KeyWorkflowID] = spec.ID

	run := &api.Run{
		ID:         uuid.NewString(),
		WorkflowID: spec.ID,
		Task:       task,
		Status:     api.RunRunning,
		Context:    runCtx,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	runCtx[KeyRunID] = run.ID

	steps := make([]*api.Step, 0, len(spec.Steps))
	for i, ss := range spec.Steps {
		st := &api.Step{
			ID:            uuid.NewString(),
			RunID:         run.ID,
			StepID:        ss.ID,
			AgentID:       api.AgentID(spec.ID, ss.Agent),
			StepIndex:     i,
			Type:          api.StepSingle,
			InputTemplate: ss.Input,
			Status:        api.StepWaiting,
			MaxRetries:    DefaultMaxRetries,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if ss.MaxRetries != nil {
			st.MaxRetries = *ss.MaxRetries
		}
		if ss.Loop != nil {
			st.Type = api.StepLoop
			st.Loop = &api.LoopConfig{
				Over:            ss.Loop.Over,
				VerifyEach:      ss.Loop.VerifyEach,
				VerifyStep:      ss.Loop.VerifyStep,
				MaxStoryRetries: ss.Loop.MaxStoryRetries,
			}
		}
		if i == 0 {
			st.Status = api.StepPending
		}
		steps = append(steps, st)
	}

	if err := e.store.CreateRun(ctx, run, steps); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := e.emit(ctx, runEvent(api.EventRunStarted, run, task)); err != nil {
		return nil, err
	}
	if err := e.emit(ctx, stepEvent(api.EventStepPending, run, steps[0], "")); err != nil {
		return nil, err
	}
	return run, nil
}

// CancelRun marks every unfinished step failed, returns in-flight stories to
// pending and cancels the run. Cancelling a terminal run returns it as is.
func (e *Engine) CancelRun(ctx context.Context, query string) (*api.Run, error) {
	run, err := e.resolveRun(ctx, query)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	now := e.now()
	// Flip the run first so late worker calls become no-ops immediately.
	ok, err := e.store.SetRunStatus(ctx, run.ID, api.RunCancelled, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.store.GetRun(ctx, run.ID)
	}

	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		if st.Status.IsTerminal() {
			continue
		}
		st.Status = api.StepFailed
		st.CurrentStoryID = ""
		st.UpdatedAt = now
		if err := e.store.UpdateStep(ctx, st); err != nil {
			return nil, err
		}
	}

	stories, err := e.store.ListStories(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for _, s := range stories {
		if s.Status != api.StoryRunning {
			continue
		}
		if _, err := e.store.TransitionStory(ctx, s.ID, api.StoryPending, now, api.StoryRunning); err != nil {
			return nil, err
		}
	}

	run.Status = api.RunCancelled
	if err := e.emit(ctx, runEvent(api.EventRunCancelled, run, "")); err != nil {
		return nil, err
	}
	e.teardown(ctx, run.WorkflowID)
	return e.store.GetRun(ctx, run.ID)
}

// failRun moves a run to failed and records it. It reports false when the
// run was already terminal.
func (e *Engine) failRun(ctx context.Context, run *api.Run, detail string) (bool, error) {
	ok, err := e.store.SetRunStatus(ctx, run.ID, api.RunFailed, e.now())
	if err != nil || !ok {
		return false, err
	}
	run.Status = api.RunFailed
	if err := e.emit(ctx, runEvent(api.EventRunFailed, run, detail)); err != nil {
		return true, err
	}
	e.teardown(ctx, run.WorkflowID)
	return true, nil
}
