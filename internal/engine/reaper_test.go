package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snarktank/antfarm/internal/persistence"
	"github.com/snarktank/antfarm/pkg/api"
)

// racingStore runs after once, right after the first ListStepsByStatus
// snapshot is taken.
type racingStore struct {
	persistence.Store
	after func()
}

func (s *racingStore) ListStepsByStatus(ctx context.Context, status api.StepStatus) ([]*api.Step, error) {
	steps, err := s.Store.ListStepsByStatus(ctx, status)
	if err == nil && s.after != nil {
		after := s.after
		s.after = nil
		after()
	}
	return steps, err
}

func TestSweep_StaleSingleStepFollowsFailPath(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, singleWorkflow())
	run := env.start(t, "single", "ship it", nil)

	for i := 1; i <= DefaultMaxRetries; i++ {
		env.claim(t, "single/worker")
		env.clock.Advance(DefaultReapAfter + time.Second)

		report, err := env.eng.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, api.SweepReport{StepsReset: 1}, report)

		st := env.step(t, run.ID, "work")
		require.Equal(t, api.StepPending, st.Status)
		require.Equal(t, i, st.RetryCount)
		require.Zero(t, st.AbandonedCount, "only the medic counts abandonments")
		require.Equal(t, abandonedDetail, st.Output)
	}

	env.claim(t, "single/worker")
	env.clock.Advance(DefaultReapAfter + time.Second)
	report, err := env.eng.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, api.SweepReport{StepsFailed: 1}, report)
	require.Equal(t, api.RunFailed, env.run(t, run.ID).Status)
}

func TestSweep_FreshWorkIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, loopWorkflow(0))
	run := env.seed(t, "loop", 1)
	env.claim(t, "loop/developer")

	env.clock.Advance(DefaultReapAfter - time.Second)
	report, err := env.eng.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Total())
	require.Equal(t, api.StepRunning, env.step(t, run.ID, "implement").Status)
}

func TestSweep_ExhaustedStoryFailsAndLoopMovesOn(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, loopWorkflow(1))
	run := env.seed(t, "loop", 2)

	env.claim(t, "loop/developer")
	env.clock.Advance(DefaultReapAfter + time.Second)
	report, err := env.eng.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, api.SweepReport{StoriesReset: 1}, report)

	c := env.claim(t, "loop/developer")
	require.Equal(t, "S-1", c.StoryID)
	env.clock.Advance(DefaultReapAfter + time.Second)
	report, err = env.eng.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, api.SweepReport{StoriesFailed: 1}, report)

	stories := env.stories(t, run.ID)
	require.Equal(t, api.StoryFailed, stories[0].Status)
	require.Equal(t, api.RunRunning, env.run(t, run.ID).Status)

	impl := env.step(t, run.ID, "implement")
	require.Equal(t, api.StepPending, impl.Status)
	require.Equal(t, 0, impl.RetryCount)

	c = env.claim(t, "loop/developer")
	require.Equal(t, "S-2", c.StoryID)
	res := env.complete(t, c.StepID, "DONE: yes")
	require.True(t, res.RunCompleted, "a loop with a failed story still completes")
}

func TestSweep_LoopAwaitingVerificationIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, verifyWorkflow(2))
	run := env.seed(t, "feature-dev", 2)

	dev := env.claim(t, "feature-dev/developer")
	env.complete(t, dev.StepID, "CHANGES: done")

	env.clock.Advance(DefaultReapAfter + time.Minute)
	report, err := env.eng.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Total())
	require.Equal(t, api.StepRunning, env.step(t, run.ID, "implement").Status)
	require.Equal(t, api.StepPending, env.step(t, run.ID, "verify").Status)
}

func TestClaim_RunsSweepFirst(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, singleWorkflow())
	run := env.start(t, "single", "ship it", nil)
	first := env.claim(t, "single/worker")

	env.clock.Advance(DefaultReapAfter + time.Second)
	again, err := env.eng.Claim(ctx, "single/worker")
	require.NoError(t, err)
	require.True(t, again.Found, "the abandoned step is reclaimed and handed out again")
	require.Equal(t, first.StepID, again.StepID)
	require.Equal(t, 1, env.step(t, run.ID, "work").RetryCount)
}

func TestSweep_StepCompletedAfterSnapshotIsNotReset(t *testing.T) {
	ctx := context.Background()
	rs := &racingStore{}
	env := newWrappedTestEnv(t, func(s persistence.Store) persistence.Store {
		rs.Store = s
		return rs
	}, twoStepWorkflow())
	run := env.start(t, "two", "ship it", nil)
	c := env.claim(t, "two/planner")

	env.clock.Advance(DefaultReapAfter + time.Second)
	rs.after = func() { env.complete(t, c.StepID, "PLAN: done") }

	report, err := env.eng.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Total())

	plan := env.step(t, run.ID, "plan")
	require.Equal(t, api.StepDone, plan.Status)
	require.Zero(t, plan.RetryCount)
	require.Equal(t, "PLAN: done", plan.Output)
	require.Equal(t, api.StepPending, env.step(t, run.ID, "build").Status)
	require.NotContains(t, env.rec.Types(), api.EventStepTimeout)
}

func TestSweep_StoryCompletedAfterSnapshotIsNotReset(t *testing.T) {
	ctx := context.Background()
	rs := &racingStore{}
	env := newWrappedTestEnv(t, func(s persistence.Store) persistence.Store {
		rs.Store = s
		return rs
	}, loopWorkflow(0))
	run := env.seed(t, "loop", 2)
	c := env.claim(t, "loop/developer")
	require.Equal(t, "S-1", c.StoryID)

	env.clock.Advance(DefaultReapAfter + time.Second)
	rs.after = func() { env.complete(t, c.StepID, "DONE: yes") }

	report, err := env.eng.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Total())

	stories := env.stories(t, run.ID)
	require.Equal(t, api.StoryDone, stories[0].Status)
	require.Zero(t, stories[0].RetryCount)
	require.Equal(t, api.StoryPending, stories[1].Status)
	require.Equal(t, api.StepPending, env.step(t, run.ID, "implement").Status)

	next := env.claim(t, "loop/developer")
	require.Equal(t, "S-2", next.StoryID)
}

func TestSweep_LoopWithoutStoryIsReset(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, loopWorkflow(0))
	run := env.seed(t, "loop", 1)

	impl := env.step(t, run.ID, "implement")
	ok, err := env.store.TransitionStep(ctx, impl.ID, api.StepRunning, env.clock.Now(), api.StepPending)
	require.NoError(t, err)
	require.True(t, ok)

	env.clock.Advance(DefaultReapAfter - time.Second)
	report, err := env.eng.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Total(), "not stale yet")

	env.clock.Advance(2 * time.Second)
	report, err = env.eng.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, api.SweepReport{StepsReset: 1}, report)

	impl = env.step(t, run.ID, "implement")
	require.Equal(t, api.StepPending, impl.Status)
	require.Zero(t, impl.RetryCount)
	require.Empty(t, impl.CurrentStoryID)
	require.Contains(t, env.rec.Types(), api.EventStepPending)

	c := env.claim(t, "loop/developer")
	require.Equal(t, "S-1", c.StoryID)
}
