package api

import (
	"context"
	"time"
)

// SpecProvider returns already-validated workflow definitions.
type SpecProvider interface {
	Workflow(ctx context.Context, id string) (*WorkflowSpec, error)
}

// DispatchJob is a recurring job known to the external dispatcher.
type DispatchJob struct {
	ID      string
	Name    string
	Spec    string
	NextRun time.Time
}

// Dispatcher is the external job scheduler that wakes workers up.
// Calls into it are best-effort; callers log and swallow its errors.
type Dispatcher interface {
	ListJobs(ctx context.Context, prefix string) ([]DispatchJob, error)
	RunNow(ctx context.Context, id string) error
	RemoveJob(ctx context.Context, id string) error
}

// Notification is a fire-and-forget message about a run outcome.
type Notification struct {
	RunID      string
	WorkflowID string
	Outcome    EventType
	Message    string
	At         time.Time
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Sidecar is the optional per-workflow progress file workers append to.
type Sidecar interface {
	// ReadProgress returns the current progress text, or "" when there is none.
	ReadProgress(ctx context.Context, run *Run) (string, error)
	// Archive moves the progress text aside and truncates it. The engine
	// calls it when the last active run of the workflow completes.
	Archive(ctx context.Context, run *Run) error
}
