package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/snarktank/antfarm/internal/persistence"
	"github.com/snarktank/antfarm/internal/testutil"
	"github.com/snarktank/antfarm/internal/workflow"
	"github.com/snarktank/antfarm/pkg/api"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	eng      *Engine
	store    persistence.Store
	clock    *testutil.Clock
	rec      *testutil.Recorder
	sidecar  *testutil.Sidecar
	dispatch *testutil.Dispatcher
}

func newTestEnv(t *testing.T, specs ...api.WorkflowSpec) *testEnv {
	t.Helper()
	return newWrappedTestEnv(t, nil, specs...)
}

// newWrappedTestEnv is newTestEnv with the engine's store passed through wrap.
func newWrappedTestEnv(t *testing.T, wrap func(persistence.Store) persistence.Store, specs ...api.WorkflowSpec) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	p, err := persistence.Open("sqlite", db)
	if err != nil {
		t.Fatalf("persistence.Open failed: %v", err)
	}

	if wrap != nil {
		p.Store = wrap(p.Store)
	}

	reg := workflow.NewRegistry()
	for _, spec := range specs {
		require.NoError(t, reg.Register(spec))
	}

	env := &testEnv{
		store:    p.Store,
		clock:    testutil.NewClock(t0),
		rec:      &testutil.Recorder{},
		sidecar:  testutil.NewSidecar(),
		dispatch: testutil.NewDispatcher(),
	}
	env.eng = New(Config{
		Persistence: p,
		Specs:       reg,
		Observer:    env.rec,
		Dispatcher:  env.dispatch,
		Sidecar:     env.sidecar,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, WithClock(env.clock.Now))
	return env
}

func (env *testEnv) start(t *testing.T, workflowID, task string, vars map[string]string) *api.Run {
	t.Helper()
	run, err := env.eng.StartRun(context.Background(), workflowID, task, vars)
	require.NoError(t, err)
	return run
}

func (env *testEnv) claim(t *testing.T, agentID string) api.ClaimResult {
	t.Helper()
	res, err := env.eng.Claim(context.Background(), agentID)
	require.NoError(t, err)
	require.True(t, res.Found, "expected work for %s", agentID)
	return res
}

func (env *testEnv) complete(t *testing.T, stepID, output string) api.CompleteResult {
	t.Helper()
	res, err := env.eng.Complete(context.Background(), stepID, output)
	require.NoError(t, err)
	return res
}

func (env *testEnv) run(t *testing.T, id string) *api.Run {
	t.Helper()
	run, err := env.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func (env *testEnv) step(t *testing.T, runID, name string) *api.Step {
	t.Helper()
	st, err := env.store.FindStep(context.Background(), runID, name)
	require.NoError(t, err)
	return st
}

func (env *testEnv) stories(t *testing.T, runID string) []*api.Story {
	t.Helper()
	out, err := env.store.ListStories(context.Background(), runID)
	require.NoError(t, err)
	return out
}

func (env *testEnv) stepStatuses(t *testing.T, runID string) map[string]api.StepStatus {
	t.Helper()
	steps, err := env.store.ListSteps(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]api.StepStatus, len(steps))
	for _, st := range steps {
		out[st.StepID] = st.Status
	}
	return out
}

func intPtr(v int) *int { return &v }

func singleWorkflow() api.WorkflowSpec {
	return api.WorkflowSpec{
		ID: "single",
		Steps: []api.StepSpec{
			{ID: "work", Agent: "worker", Input: "Do {{task}}"},
		},
	}
}

func twoStepWorkflow() api.WorkflowSpec {
	return api.WorkflowSpec{
		ID: "two",
		Steps: []api.StepSpec{
			{ID: "plan", Agent: "planner", Input: "Plan {{task}}"},
			{ID: "build", Agent: "builder", Input: "Build {{repo}} per {{plan}}"},
		},
	}
}

// loopWorkflow is plan -> implement (loop over stories).
func loopWorkflow(maxStoryRetries int) api.WorkflowSpec {
	return api.WorkflowSpec{
		ID: "loop",
		Steps: []api.StepSpec{
			{ID: "plan", Agent: "planner", Input: "Plan {{task}}"},
			{
				ID:    "implement",
				Agent: "developer",
				Input: "{{current_story_id}} {{current_story_title}}|{{completed_stories}}|{{stories_remaining}}|{{progress}}",
				Loop:  &api.LoopSpec{Over: api.LoopOverStories, MaxStoryRetries: maxStoryRetries},
			},
		},
	}
}

// verifyWorkflow is plan -> implement (loop, verify each) -> verify.
func verifyWorkflow(maxStoryRetries int) api.WorkflowSpec {
	return api.WorkflowSpec{
		ID: "feature-dev",
		Steps: []api.StepSpec{
			{ID: "plan", Agent: "planner", Input: "Plan {{task}}"},
			{
				ID:    "implement",
				Agent: "developer",
				Input: "{{current_story_id}}|{{verify_feedback}}",
				Loop: &api.LoopSpec{
					Over:            api.LoopOverStories,
					VerifyEach:      true,
					VerifyStep:      "verify",
					MaxStoryRetries: maxStoryRetries,
				},
			},
			{ID: "verify", Agent: "verifier", Input: "Verify {{current_story_title}}"},
		},
	}
}

func storiesJSON(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(
			`{"id":"S-%d","title":"Story %d","description":"Do thing %d","acceptanceCriteria":["works"]}`,
			i+1, i+1, i+1)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// seed completes the plan step of a fresh run with n stories.
func (env *testEnv) seed(t *testing.T, workflowID string, n int) *api.Run {
	t.Helper()
	run := env.start(t, workflowID, "ship it", nil)
	c := env.claim(t, api.AgentID(workflowID, "planner"))
	res := env.complete(t, c.StepID, "PLAN: stories below\nSTORIES_JSON: "+storiesJSON(n))
	require.True(t, res.Advanced)
	require.Len(t, env.stories(t, run.ID), n)
	return run
}
