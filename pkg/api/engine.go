package api

import (
	"context"
)

// Engine is the high-level engine API. Every method is synchronous; the
// engine owns no goroutines and relies on the store for atomicity.
type Engine interface {
	// StartRun creates a run of the named workflow with its steps. The first
	// step is pending, the rest wait their turn.
	StartRun(ctx context.Context, workflowID, task string, vars map[string]string) (*Run, error)

	// Claim hands the earliest pending unit of work for agentID to the caller.
	// A result with Found == false means there is nothing to do right now.
	Claim(ctx context.Context, agentID string) (ClaimResult, error)

	// Complete records output for a step and moves the run forward.
	// Returns ErrStepNotFound for unknown steps and a *ValidationError for a
	// malformed STORIES_JSON payload.
	Complete(ctx context.Context, stepID, output string) (CompleteResult, error)

	// Fail records a worker failure for a step. Retries are accounted on the
	// in-flight story for loop steps and on the step otherwise.
	Fail(ctx context.Context, stepID, errText string) (FailResult, error)

	// AdvancePipeline promotes the next waiting step, or completes the run
	// when none is left. It never touches a terminal run.
	AdvancePipeline(ctx context.Context, runID string) (CompleteResult, error)

	// CheckLoopContinuation decides whether a loop step has more stories to
	// hand out or is finished.
	CheckLoopContinuation(ctx context.Context, runID, loopStepID string) (LoopResult, error)

	// CancelRun stops a run by id or unique id prefix. In-flight workers are
	// not interrupted; their later calls simply stop taking effect.
	CancelRun(ctx context.Context, query string) (*Run, error)

	// Sweep reclaims steps and stories whose workers went silent.
	Sweep(ctx context.Context) (SweepReport, error)

	GetRun(ctx context.Context, query string) (*Run, error)
	ListRuns(ctx context.Context, opts RunListOptions) ([]*Run, error)
	Steps(ctx context.Context, runID string) ([]*Step, error)
	Stories(ctx context.Context, runID string) ([]*Story, error)
	Events(ctx context.Context, runID string, limit int) ([]Event, error)
}
