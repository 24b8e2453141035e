package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snarktank/antfarm/pkg/api"
)

func TestScenarioA_SingleStepRunCompletes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, singleWorkflow())
	env.dispatch.Add("antfarm/single/worker")
	env.dispatch.Add("antfarm/other/worker")

	run := env.start(t, "single", "ship it", nil)

	c := env.claim(t, "single/worker")
	require.Equal(t, run.ID, c.RunID)
	require.Equal(t, "Do ship it", c.Input)
	require.Empty(t, c.StoryID)

	res := env.complete(t, c.StepID, "STATUS: done")
	require.Equal(t, api.CompleteResult{Advanced: false, RunCompleted: true}, res)

	got := env.run(t, run.ID)
	require.Equal(t, api.RunCompleted, got.Status)
	require.Equal(t, "done", got.Context["status"])

	require.Equal(t, []string{run.ID}, env.sidecar.Archived)
	require.Equal(t, []string{"antfarm/single/worker"}, env.dispatch.Removed)

	want := []api.EventType{
		api.EventRunStarted,
		api.EventStepPending,
		api.EventStepRunning,
		api.EventStepDone,
		api.EventRunCompleted,
	}
	require.Equal(t, want, env.rec.Types())

	stored, err := env.eng.Events(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, len(want))
	for i, ev := range stored {
		require.Equal(t, want[i], ev.Type)
		require.Equal(t, "single", ev.WorkflowID)
	}
	require.Equal(t, "work", stored[2].StepName)
	require.Equal(t, "single/worker", stored[2].AgentID)

	last, err := env.eng.Events(ctx, run.ID, 2)
	require.NoError(t, err)
	require.Equal(t, api.EventStepDone, last[0].Type)
	require.Equal(t, api.EventRunCompleted, last[1].Type)
}

func TestScenarioB_TwoStepsAdvanceWithContext(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, twoStepWorkflow())

	run := env.start(t, "two", "ship it", map[string]string{"repo": "/tmp/repo"})

	res, err := env.eng.Claim(ctx, "two/builder")
	require.NoError(t, err)
	require.False(t, res.Found, "second step waits for the first")

	c := env.claim(t, "two/planner")
	require.Equal(t, "Plan ship it", c.Input)

	done := env.complete(t, c.StepID, "PLAN: step one\nstep two")
	require.Equal(t, api.CompleteResult{Advanced: true}, done)
	require.Equal(t, api.StepPending, env.step(t, run.ID, "build").Status)

	b := env.claim(t, "two/builder")
	require.Equal(t, "Build /tmp/repo per step one\nstep two", b.Input)

	res, err = env.eng.Claim(ctx, "two/planner")
	require.NoError(t, err)
	require.False(t, res.Found)

	done = env.complete(t, b.StepID, "RESULT: ok")
	require.True(t, done.RunCompleted)
	require.Equal(t, api.RunCompleted, env.run(t, run.ID).Status)

	types := env.rec.Types()
	require.Contains(t, types, api.EventPipelineAdvanced)
}

func TestScenarioC_LoopCompletesAfterLastStory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, loopWorkflow(0))
	env.sidecar.Set("loop", "notes so far")

	run := env.seed(t, "loop", 3)
	impl := env.step(t, run.ID, "implement")
	require.Equal(t, api.StepPending, impl.Status)

	wantInputs := []string{
		"S-1 Story 1|(none)|2|notes so far",
		"S-2 Story 2|- S-1: Story 1|1|notes so far",
		"S-3 Story 3|- S-1: Story 1\n- S-2: Story 2|0|notes so far",
	}
	var last api.CompleteResult
	for i, want := range wantInputs {
		env.clock.Advance(time.Minute)
		c := env.claim(t, "loop/developer")
		require.Equal(t, impl.ID, c.StepID)
		require.Equal(t, want, c.Input)

		last = env.complete(t, c.StepID, "DONE: yes")
		if i < len(wantInputs)-1 {
			require.Equal(t, api.CompleteResult{}, last)
			require.Equal(t, api.StepPending, env.step(t, run.ID, "implement").Status)
		}
	}
	require.Equal(t, api.CompleteResult{RunCompleted: true}, last)
	require.Equal(t, api.StepDone, env.step(t, run.ID, "implement").Status)
	require.Equal(t, api.RunCompleted, env.run(t, run.ID).Status)

	for _, s := range env.stories(t, run.ID) {
		require.Equal(t, api.StoryDone, s.Status)
	}

	lr, err := env.eng.CheckLoopContinuation(ctx, run.ID, impl.ID)
	require.NoError(t, err)
	require.Equal(t, 0, lr.ActiveStories)
	require.True(t, lr.LoopDone)
	require.False(t, lr.Advanced)
}

func TestScenarioD_SingleStepExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, singleWorkflow())
	run := env.start(t, "single", "ship it", nil)
	c := env.claim(t, "single/worker")

	for i := 0; i < DefaultMaxRetries; i++ {
		res, err := env.eng.Fail(ctx, c.StepID, "boom")
		require.NoError(t, err)
		require.Equal(t, api.FailResult{Retrying: true}, res)
		require.Equal(t, api.StepPending, env.step(t, run.ID, "work").Status)
	}

	res, err := env.eng.Fail(ctx, c.StepID, "boom")
	require.NoError(t, err)
	require.Equal(t, api.FailResult{Retrying: false, RunFailed: true}, res)

	require.Equal(t, api.RunFailed, env.run(t, run.ID).Status)
	st := env.step(t, run.ID, "work")
	require.Equal(t, api.StepFailed, st.Status)
	require.Equal(t, DefaultMaxRetries+1, st.RetryCount)
	require.Equal(t, "boom", st.Output)
}

func TestScenarioE_ReaperRetriesStaleStory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, loopWorkflow(0))
	run := env.seed(t, "loop", 2)

	c := env.claim(t, "loop/developer")
	require.Equal(t, "S-1", c.StoryID)

	env.clock.Advance(DefaultReapAfter + time.Minute)
	report, err := env.eng.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, api.SweepReport{StoriesReset: 1}, report)

	stories := env.stories(t, run.ID)
	require.Equal(t, api.StoryPending, stories[0].Status)
	require.Equal(t, 1, stories[0].RetryCount)

	impl := env.step(t, run.ID, "implement")
	require.Equal(t, api.StepPending, impl.Status)
	require.Equal(t, 0, impl.RetryCount)
	require.Zero(t, impl.AbandonedCount)
	require.Empty(t, impl.CurrentStoryID)

	require.Contains(t, env.rec.Types(), api.EventStepTimeout)
	require.Contains(t, env.rec.Types(), api.EventStoryRetry)

	again := env.claim(t, "loop/developer")
	require.Equal(t, "S-1", again.StoryID, "the reset story is handed out first")
}

func TestTerminalRunsAreSticky(t *testing.T) {
	tests := []struct {
		name   string
		finish func(t *testing.T, env *testEnv, run *api.Run, stepID string)
		want   api.RunStatus
	}{
		{
			name: "cancelled",
			finish: func(t *testing.T, env *testEnv, run *api.Run, stepID string) {
				_, err := env.eng.CancelRun(context.Background(), run.ID)
				require.NoError(t, err)
			},
			want: api.RunCancelled,
		},
		{
			name: "failed",
			finish: func(t *testing.T, env *testEnv, run *api.Run, stepID string) {
				for i := 0; i <= DefaultMaxRetries; i++ {
					_, err := env.eng.Fail(context.Background(), stepID, "boom")
					require.NoError(t, err)
				}
			},
			want: api.RunFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, twoStepWorkflow())
			run := env.start(t, "two", "ship it", nil)
			c := env.claim(t, "two/planner")

			tt.finish(t, env, run, c.StepID)
			require.Equal(t, tt.want, env.run(t, run.ID).Status)
			before := env.stepStatuses(t, run.ID)

			cr, err := env.eng.Complete(ctx, c.StepID, "PLAN: late")
			require.NoError(t, err)
			require.Equal(t, api.CompleteResult{}, cr)

			fr, err := env.eng.Fail(ctx, c.StepID, "late")
			require.NoError(t, err)
			require.Equal(t, api.FailResult{}, fr)

			ar, err := env.eng.AdvancePipeline(ctx, run.ID)
			require.NoError(t, err)
			require.Equal(t, api.CompleteResult{}, ar)

			for _, agent := range []string{"two/planner", "two/builder"} {
				res, err := env.eng.Claim(ctx, agent)
				require.NoError(t, err)
				require.False(t, res.Found)
			}

			env.clock.Advance(time.Hour)
			_, err = env.eng.Sweep(ctx)
			require.NoError(t, err)

			got := env.run(t, run.ID)
			require.Equal(t, tt.want, got.Status)
			require.NotContains(t, got.Context, "plan")
			require.Equal(t, before, env.stepStatuses(t, run.ID))
		})
	}
}

func TestComplete_UnknownStep(t *testing.T) {
	env := newTestEnv(t, singleWorkflow())
	_, err := env.eng.Complete(context.Background(), "nope", "X: y")
	require.ErrorIs(t, err, api.ErrStepNotFound)

	_, err = env.eng.Fail(context.Background(), "nope", "boom")
	require.ErrorIs(t, err, api.ErrStepNotFound)
}

func TestComplete_WaitingStepIsNoop(t *testing.T) {
	env := newTestEnv(t, twoStepWorkflow())
	run := env.start(t, "two", "ship it", nil)
	build := env.step(t, run.ID, "build")

	res := env.complete(t, build.ID, "RESULT: early")
	require.Equal(t, api.CompleteResult{}, res)
	require.Equal(t, api.StepWaiting, env.step(t, run.ID, "build").Status)
	require.NotContains(t, env.run(t, run.ID).Context, "result")
}

func TestComplete_InvalidStoriesChangesNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, loopWorkflow(0))
	run := env.start(t, "loop", "ship it", nil)
	c := env.claim(t, "loop/planner")
	eventsBefore := len(env.rec.Types())

	_, err := env.eng.Complete(ctx, c.StepID, `PLAN: x
STORIES_JSON: [{"id":"a"},{"id":"a","title":"t","description":"d","acceptanceCriteria":["ok"]}]`)
	require.Error(t, err)
	require.True(t, api.IsValidation(err))

	var ve *api.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "STORIES_JSON", ve.Field)
	require.NotEmpty(t, ve.Problems)

	require.Empty(t, env.stories(t, run.ID))
	require.NotContains(t, env.run(t, run.ID).Context, "plan")
	require.Equal(t, api.StepRunning, env.step(t, run.ID, "plan").Status)
	require.Len(t, env.rec.Types(), eventsBefore)

	res := env.complete(t, c.StepID, "PLAN: x\nSTORIES_JSON: "+storiesJSON(2))
	require.True(t, res.Advanced)
	require.Len(t, env.stories(t, run.ID), 2)
}

func TestComplete_StoryLimit(t *testing.T) {
	env := newTestEnv(t, loopWorkflow(0))
	env.start(t, "loop", "ship it", nil)
	c := env.claim(t, "loop/planner")

	_, err := env.eng.Complete(context.Background(), c.StepID, "STORIES_JSON: "+storiesJSON(21))
	require.True(t, api.IsValidation(err))
}

func TestStartRun_UnknownWorkflow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.eng.StartRun(context.Background(), "missing", "task", nil)
	require.ErrorIs(t, err, api.ErrWorkflowNotFound)
}

func TestStartRun_InitialState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, verifyWorkflow(3))
	run := env.start(t, "feature-dev", "add a button", map[string]string{"repo": "/src"})

	require.Equal(t, api.RunRunning, run.Status)
	require.Equal(t, "add a button", run.Context[KeyTask])
	require.Equal(t, run.ID, run.Context[KeyRunID])
	require.Equal(t, "feature-dev", run.Context[KeyWorkflowID])
	require.Equal(t, "/src", run.Context["repo"])

	steps, err := env.eng.Steps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, api.StepPending, steps[0].Status)
	require.Equal(t, api.StepWaiting, steps[1].Status)
	require.Equal(t, api.StepWaiting, steps[2].Status)
	require.Equal(t, "feature-dev/developer", steps[1].AgentID)
	require.True(t, steps[1].IsLoop())
	require.Equal(t, "verify", steps[1].Loop.VerifyStep)
	require.Equal(t, DefaultMaxRetries, steps[0].MaxRetries)
}

func TestStoriesInheritLoopRetryLimit(t *testing.T) {
	env := newTestEnv(t, loopWorkflow(4))
	run := env.seed(t, "loop", 2)
	for _, s := range env.stories(t, run.ID) {
		require.Equal(t, 4, s.MaxRetries)
	}

	spec := loopWorkflow(0)
	spec.ID = "loop-default"
	spec.Steps[1].MaxRetries = intPtr(1)
	env2 := newTestEnv(t, spec)
	run2 := env2.seed(t, "loop-default", 1)
	require.Equal(t, 1, env2.stories(t, run2.ID)[0].MaxRetries)
}

func TestGetRun_Prefix(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, singleWorkflow())

	// 17 runs guarantee two ids share a first hex digit.
	byFirst := make(map[byte][]string)
	var runs []*api.Run
	for i := 0; i < 17; i++ {
		run := env.start(t, "single", "task", nil)
		runs = append(runs, run)
		byFirst[run.ID[0]] = append(byFirst[run.ID[0]], run.ID)
	}

	got, err := env.eng.GetRun(ctx, runs[0].ID[:13])
	require.NoError(t, err)
	require.Equal(t, runs[0].ID, got.ID)

	for first, ids := range byFirst {
		if len(ids) < 2 {
			continue
		}
		_, err := env.eng.GetRun(ctx, string(first))
		require.ErrorIs(t, err, api.ErrAmbiguousRun)
		break
	}

	_, err = env.eng.GetRun(ctx, "zzzz")
	require.ErrorIs(t, err, api.ErrRunNotFound)
	_, err = env.eng.GetRun(ctx, "")
	require.ErrorIs(t, err, api.ErrRunNotFound)

	listed, err := env.eng.ListRuns(ctx, api.RunListOptions{WorkflowID: "single", Limit: 5})
	require.NoError(t, err)
	require.Len(t, listed, 5)
}

func TestProgressIsArchivedOnceTheLastRunCompletes(t *testing.T) {
	env := newTestEnv(t, singleWorkflow())
	env.sidecar.Set("single", "- notes from both runs\n")

	first := env.start(t, "single", "one", nil)
	second := env.start(t, "single", "two", nil)

	c := env.claim(t, "single/worker")
	finished := c.RunID
	res := env.complete(t, c.StepID, "STATUS: done")
	require.True(t, res.RunCompleted)
	require.Empty(t, env.sidecar.Archived, "another run of the workflow is still active")

	text, err := env.sidecar.ReadProgress(context.Background(), env.run(t, finished))
	require.NoError(t, err)
	require.Equal(t, "- notes from both runs\n", text)

	c = env.claim(t, "single/worker")
	require.NotEqual(t, finished, c.RunID)
	res = env.complete(t, c.StepID, "STATUS: done")
	require.True(t, res.RunCompleted)
	require.Equal(t, []string{c.RunID}, env.sidecar.Archived)
	require.ElementsMatch(t, []string{first.ID, second.ID}, []string{finished, c.RunID})
}
