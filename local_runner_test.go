package antfarm

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snarktank/antfarm/pkg/worker"
)

func reply(out string) worker.HandlerFunc {
	return func(ctx context.Context, task worker.Task) (string, error) { return out, nil }
}

func TestLocalRunner_FeatureDevToCompletion(t *testing.T) {
	ctx := context.Background()
	runner, err := NewLocalRunner()
	require.NoError(t, err)

	New("feature-dev").
		Step("plan", "planner", "Plan {{task}}").
		Loop("implement", "developer", "{{current_story_id}}|{{verify_feedback}}", VerifyWith("verify"), StoryRetries(2)).
		Step("verify", "verifier", "Verify {{current_story_title}}").
		MustRegister(runner.Registry)

	runner.Handle("feature-dev/planner", reply(`STORIES_JSON: [
		{"id":"S-1","title":"Lexer","description":"tokens","acceptanceCriteria":["ok"]},
		{"id":"S-2","title":"Parser","description":"ast","acceptanceCriteria":["ok"]}]`))

	var inputs []string
	runner.Handle("feature-dev/developer", worker.HandlerFunc(func(ctx context.Context, task worker.Task) (string, error) {
		inputs = append(inputs, task.Input)
		return "CHANGES: " + task.StoryID, nil
	}))

	var verified atomic.Int32
	runner.Handle("feature-dev/verifier", worker.HandlerFunc(func(ctx context.Context, task worker.Task) (string, error) {
		// Reject the first attempt of the parser once.
		if task.Input == "Verify Parser" && verified.Add(1) == 1 {
			return "STATUS: retry\nISSUES: missing tests", nil
		}
		return "STATUS: done", nil
	}))

	run, err := runner.RunToCompletion(ctx, "feature-dev", "a calculator", nil)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, run.Status)
	require.Equal(t, []string{"S-1|", "S-2|", "S-2|missing tests"}, inputs)

	stories, err := runner.Engine.Stories(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stories, 2)
	require.Equal(t, 1, stories[1].RetryCount)
}

func TestLocalRunner_MissingHandlerLeavesRunOpen(t *testing.T) {
	ctx := context.Background()
	runner, err := NewLocalRunner()
	require.NoError(t, err)

	New("two").Step("a", "first", "go").Step("b", "second", "{{a}}").MustRegister(runner.Registry)
	runner.Handle("two/first", reply("A: done"))

	run, err := runner.RunToCompletion(ctx, "two", "x", nil)
	require.NoError(t, err)
	require.Equal(t, RunRunning, run.Status)

	steps, err := runner.Engine.Steps(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, StepDone, steps[0].Status)
	require.Equal(t, StepPending, steps[1].Status)
}

func TestLocalRunner_BackgroundWorkers(t *testing.T) {
	ctx := context.Background()
	runner, err := NewLocalRunner()
	require.NoError(t, err)
	runner.PollInterval = 5 * time.Millisecond

	New("echo").Step("say", "echoer", "say {{task}}").MustRegister(runner.Registry)
	runner.Handle("echo/echoer", worker.HandlerFunc(func(ctx context.Context, task worker.Task) (string, error) {
		return fmt.Sprintf("SAID: %s", strings.TrimPrefix(task.Input, "say ")), nil
	}))

	require.NoError(t, runner.StartWorkers(ctx))
	require.Error(t, runner.StartWorkers(ctx))
	defer runner.Stop()

	run, err := runner.Engine.StartRun(ctx, "echo", "hi", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := runner.Engine.GetRun(ctx, run.ID)
		return err == nil && got.Status == RunCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := runner.Engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, "hi", got.Context["said"])
}
