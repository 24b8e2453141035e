package persistence

import (
	"context"
	"time"

	"github.com/snarktank/antfarm/pkg/api"
)

// RunStore handles storage of runs.
type RunStore interface {
	// CreateRun inserts a run together with all of its steps atomically.
	CreateRun(ctx context.Context, run *api.Run, steps []*api.Step) error
	GetRun(ctx context.Context, id string) (*api.Run, error)
	// FindRuns returns runs whose id starts with prefix, newest first.
	FindRuns(ctx context.Context, prefix string, limit int) ([]*api.Run, error)
	ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.Run, error)

	// SetRunStatus moves a non-terminal run to status. It reports false,
	// without error, when the run is already terminal.
	SetRunStatus(ctx context.Context, id string, status api.RunStatus, at time.Time) (bool, error)

	// MergeRunContext applies set and then del to the run context in one
	// read-merge-write transaction and returns the merged context.
	MergeRunContext(ctx context.Context, id string, set map[string]string, del []string, at time.Time) (map[string]string, error)

	// CountActiveRuns counts running runs of a workflow.
	CountActiveRuns(ctx context.Context, workflowID string) (int, error)
}

// StepStore handles storage of steps.
type StepStore interface {
	GetStep(ctx context.Context, id string) (*api.Step, error)
	// ListSteps returns the steps of a run ordered by StepIndex.
	ListSteps(ctx context.Context, runID string) ([]*api.Step, error)
	ListStepsByStatus(ctx context.Context, status api.StepStatus) ([]*api.Step, error)
	// FindStep looks a step up by its logical name within a run.
	FindStep(ctx context.Context, runID, name string) (*api.Step, error)

	// PendingSteps returns claim candidates for agentID: pending steps of
	// running runs, earliest StepIndex first.
	PendingSteps(ctx context.Context, agentID string, limit int) ([]*api.Step, error)
	// FirstWaitingStep returns the lowest-index waiting step of a run, or nil.
	FirstWaitingStep(ctx context.Context, runID string) (*api.Step, error)

	// TransitionStep sets status only if the current status is one of from
	// (any status when from is empty). It reports whether the row changed.
	TransitionStep(ctx context.Context, id string, to api.StepStatus, at time.Time, from ...api.StepStatus) (bool, error)
	// UpdateStep writes the mutable fields of step.
	UpdateStep(ctx context.Context, step *api.Step) error
	// UpdateStepIf writes the mutable fields of step only while the row still
	// has the status and update time the caller read. It reports whether the
	// row changed.
	UpdateStepIf(ctx context.Context, step *api.Step, seen api.StepStatus, seenAt time.Time) (bool, error)
}

// StoryStore handles storage of stories.
type StoryStore interface {
	InsertStories(ctx context.Context, stories []*api.Story) error
	GetStory(ctx context.Context, id string) (*api.Story, error)
	// ListStories returns the stories of a run ordered by StoryIndex.
	ListStories(ctx context.Context, runID string) ([]*api.Story, error)
	// NextPendingStory returns the lowest-index pending story, or nil.
	NextPendingStory(ctx context.Context, runID string) (*api.Story, error)
	// LastCompletedStory returns the most recently finished done story, or nil.
	LastCompletedStory(ctx context.Context, runID string) (*api.Story, error)

	TransitionStory(ctx context.Context, id string, to api.StoryStatus, at time.Time, from ...api.StoryStatus) (bool, error)
	UpdateStory(ctx context.Context, story *api.Story) error
	// UpdateStoryIf is the story counterpart of UpdateStepIf.
	UpdateStoryIf(ctx context.Context, story *api.Story, seen api.StoryStatus, seenAt time.Time) (bool, error)
}

// EventFilter selects events from the history.
// Zero values mean "no filter" for that field.
type EventFilter struct {
	RunID string
	Types []api.EventType
	// Limit keeps only the newest Limit events. Results are always oldest first.
	Limit int
}

// EventStore is an append-only history store for run events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]api.Event, error)
}

// CheckStore keeps the bounded medic history.
type CheckStore interface {
	// AppendCheck stores c and prunes history down to the newest keep rows.
	AppendCheck(ctx context.Context, c *api.MedicCheck, keep int) error
	// ListChecks returns up to limit checks, newest first.
	ListChecks(ctx context.Context, limit int) ([]*api.MedicCheck, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	RunStore
	StepStore
	StoryStore
	EventStore
}
