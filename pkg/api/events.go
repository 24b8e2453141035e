package api

import "time"

// EventType identifies a run history event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"

	EventPipelineAdvanced EventType = "pipeline.advanced"

	EventStepPending EventType = "step.pending"
	EventStepRunning EventType = "step.running"
	EventStepDone    EventType = "step.done"
	EventStepFailed  EventType = "step.failed"
	EventStepTimeout EventType = "step.timeout"

	EventStoryStarted  EventType = "story.started"
	EventStoryDone     EventType = "story.done"
	EventStoryRetry    EventType = "story.retry"
	EventStoryFailed   EventType = "story.failed"
	EventStoryVerified EventType = "story.verified"
)

// Event is an append-only history record. Listeners consume events; nothing
// ever mutates one after it is written.
type Event struct {
	ID   int64
	At   time.Time
	Type EventType

	RunID      string
	WorkflowID string
	StepID     string // step row id
	StepName   string // logical step name within the workflow
	StoryID    string // story business key
	AgentID    string

	// Small, human-oriented details (e.g. an error string).
	// Keep this low-volume: do NOT dump step output here.
	Detail string
}
