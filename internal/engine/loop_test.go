package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snarktank/antfarm/pkg/api"
)

func TestStoryAndStepRetriesAreIndependent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, loopWorkflow(1))
	run := env.seed(t, "loop", 2)

	c := env.claim(t, "loop/developer")
	require.Equal(t, "S-1", c.StoryID)
	res, err := env.eng.Fail(ctx, c.StepID, "compile error")
	require.NoError(t, err)
	require.Equal(t, api.FailResult{Retrying: true}, res)

	impl := env.step(t, run.ID, "implement")
	require.Equal(t, 0, impl.RetryCount)
	require.Equal(t, api.StepPending, impl.Status)
	require.Equal(t, 1, env.stories(t, run.ID)[0].RetryCount)

	c = env.claim(t, "loop/developer")
	require.Equal(t, "S-1", c.StoryID)
	res, err = env.eng.Fail(ctx, c.StepID, "compile error")
	require.NoError(t, err)
	require.Equal(t, api.FailResult{RunFailed: true}, res)

	impl = env.step(t, run.ID, "implement")
	require.Equal(t, 0, impl.RetryCount, "story failures never charge the step")
	require.Equal(t, api.StepFailed, impl.Status)
	require.Empty(t, impl.CurrentStoryID)

	stories := env.stories(t, run.ID)
	require.Equal(t, api.StoryFailed, stories[0].Status)
	require.Equal(t, 2, stories[0].RetryCount)
	require.Equal(t, api.StoryPending, stories[1].Status)
	require.Equal(t, api.RunFailed, env.run(t, run.ID).Status)
}

func TestCheckLoopContinuation_Idempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, loopWorkflow(0))
	run := env.seed(t, "loop", 2)
	impl := env.step(t, run.ID, "implement")

	for i := 0; i < 2; i++ {
		lr, err := env.eng.CheckLoopContinuation(ctx, run.ID, impl.ID)
		require.NoError(t, err)
		require.Equal(t, api.LoopResult{ActiveStories: 2}, lr)
		require.Equal(t, api.StepPending, env.step(t, run.ID, "implement").Status)
	}

	// A running loop step with a story in flight is left alone.
	c := env.claim(t, "loop/developer")
	for i := 0; i < 2; i++ {
		lr, err := env.eng.CheckLoopContinuation(ctx, run.ID, impl.ID)
		require.NoError(t, err)
		require.Equal(t, 2, lr.ActiveStories)
		require.Equal(t, api.StepRunning, env.step(t, run.ID, "implement").Status)
	}

	env.complete(t, c.StepID, "DONE: 1")
	c = env.claim(t, "loop/developer")
	res := env.complete(t, c.StepID, "DONE: 2")
	require.True(t, res.RunCompleted)
	eventsAfter := len(env.rec.Types())

	for i := 0; i < 2; i++ {
		lr, err := env.eng.CheckLoopContinuation(ctx, run.ID, impl.ID)
		require.NoError(t, err)
		require.Equal(t, api.LoopResult{LoopDone: true}, lr)
		require.Equal(t, api.StepDone, env.step(t, run.ID, "implement").Status)
	}
	require.Len(t, env.rec.Types(), eventsAfter, "no further events once closed")
}

func TestCheckLoopContinuation_Validation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, loopWorkflow(0))
	run := env.start(t, "loop", "ship it", nil)
	other := env.start(t, "loop", "other", nil)

	plan := env.step(t, run.ID, "plan")
	_, err := env.eng.CheckLoopContinuation(ctx, run.ID, plan.ID)
	require.ErrorIs(t, err, api.ErrInvalidWorkflow)

	impl := env.step(t, run.ID, "implement")
	_, err = env.eng.CheckLoopContinuation(ctx, other.ID, impl.ID)
	require.ErrorIs(t, err, api.ErrStepNotFound)
}

func TestLoopWithoutStoriesCompletesOnClaim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, loopWorkflow(0))
	run := env.start(t, "loop", "ship it", nil)

	c := env.claim(t, "loop/planner")
	res := env.complete(t, c.StepID, "PLAN: nothing to do")
	require.True(t, res.Advanced)

	got, err := env.eng.Claim(ctx, "loop/developer")
	require.NoError(t, err)
	require.False(t, got.Found)
	require.Equal(t, api.StepDone, env.step(t, run.ID, "implement").Status)
	require.Equal(t, api.RunCompleted, env.run(t, run.ID).Status)
}

func TestVerifyEach_RetryThenPass(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, verifyWorkflow(2))
	run := env.seed(t, "feature-dev", 2)

	dev := env.claim(t, "feature-dev/developer")
	require.Equal(t, "S-1", dev.StoryID)
	require.Equal(t, "S-1|", dev.Input)
	require.Equal(t, api.CompleteResult{}, env.complete(t, dev.StepID, "CHANGES: first try"))

	require.Equal(t, api.StepPending, env.step(t, run.ID, "verify").Status)
	require.Equal(t, api.StepRunning, env.step(t, run.ID, "implement").Status)
	none, err := env.eng.Claim(ctx, "feature-dev/developer")
	require.NoError(t, err)
	require.False(t, none.Found, "the loop holds while verification is pending")

	ver := env.claim(t, "feature-dev/verifier")
	require.Equal(t, "Verify Story 1", ver.Input)
	env.clock.Advance(time.Second)
	require.Equal(t, api.CompleteResult{}, env.complete(t, ver.StepID, "STATUS: retry\nISSUES: missing tests"))

	stories := env.stories(t, run.ID)
	require.Equal(t, api.StoryPending, stories[0].Status)
	require.Equal(t, 1, stories[0].RetryCount)
	require.Equal(t, api.StepWaiting, env.step(t, run.ID, "verify").Status)
	require.Equal(t, api.StepPending, env.step(t, run.ID, "implement").Status)
	require.Equal(t, "missing tests", env.run(t, run.ID).Context[KeyVerifyFeedback])

	dev = env.claim(t, "feature-dev/developer")
	require.Equal(t, "S-1", dev.StoryID)
	require.Equal(t, "S-1|missing tests", dev.Input)
	env.complete(t, dev.StepID, "CHANGES: added tests")

	env.clock.Advance(time.Second)
	ver = env.claim(t, "feature-dev/verifier")
	require.Equal(t, api.CompleteResult{}, env.complete(t, ver.StepID, "STATUS: pass"))
	require.NotContains(t, env.run(t, run.ID).Context, KeyVerifyFeedback)
	require.Equal(t, api.StepPending, env.step(t, run.ID, "implement").Status)

	env.clock.Advance(time.Second)
	dev = env.claim(t, "feature-dev/developer")
	require.Equal(t, "S-2", dev.StoryID)
	env.complete(t, dev.StepID, "CHANGES: done")

	env.clock.Advance(time.Second)
	ver = env.claim(t, "feature-dev/verifier")
	require.Equal(t, "Verify Story 2", ver.Input)
	res := env.complete(t, ver.StepID, "STATUS: done")
	require.Equal(t, api.CompleteResult{RunCompleted: true}, res)

	statuses := env.stepStatuses(t, run.ID)
	require.Equal(t, api.StepDone, statuses["implement"])
	require.Equal(t, api.StepDone, statuses["verify"])
	require.Equal(t, api.RunCompleted, env.run(t, run.ID).Status)

	var verified, retried int
	for _, typ := range env.rec.Types() {
		switch typ {
		case api.EventStoryVerified:
			verified++
		case api.EventStoryRetry:
			retried++
		}
	}
	require.Equal(t, 2, verified)
	require.Equal(t, 1, retried)
}

func TestVerifyEach_ExhaustedStoryFailsRun(t *testing.T) {
	env := newTestEnv(t, verifyWorkflow(1))
	run := env.seed(t, "feature-dev", 1)

	for attempt := 0; attempt < 2; attempt++ {
		env.clock.Advance(time.Second)
		dev := env.claim(t, "feature-dev/developer")
		env.complete(t, dev.StepID, "CHANGES: try")
		ver := env.claim(t, "feature-dev/verifier")
		env.complete(t, ver.StepID, "STATUS: retry\nFEEDBACK: still broken")
	}

	require.Equal(t, api.RunFailed, env.run(t, run.ID).Status)
	require.Equal(t, api.StoryFailed, env.stories(t, run.ID)[0].Status)
	require.Equal(t, api.StepFailed, env.step(t, run.ID, "implement").Status)
	require.Equal(t, api.StepWaiting, env.step(t, run.ID, "verify").Status)
	require.Contains(t, env.rec.Types(), api.EventStoryFailed)
}

func TestVerifyEach_StatusFallsBackToContext(t *testing.T) {
	env := newTestEnv(t, verifyWorkflow(2))
	run := env.seed(t, "feature-dev", 1)

	dev := env.claim(t, "feature-dev/developer")
	env.complete(t, dev.StepID, "STATUS: retry")
	ver := env.claim(t, "feature-dev/verifier")

	// No STATUS in the verifier's output: the merged context still says retry.
	env.complete(t, ver.StepID, "looks wrong to me")
	require.Equal(t, "looks wrong to me", env.run(t, run.ID).Context[KeyVerifyFeedback])
	require.Equal(t, api.StoryPending, env.stories(t, run.ID)[0].Status)
}
