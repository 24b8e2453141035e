package api

import (
	"strings"
	"time"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunBlocked   RunStatus = "blocked"
)

// IsTerminal reports whether no component may move a run out of s.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus represents the lifecycle state of a step row.
type StepStatus string

const (
	StepWaiting StepStatus = "waiting"
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// IsTerminal reports whether the step has finished, successfully or not.
func (s StepStatus) IsTerminal() bool {
	return s == StepDone || s == StepFailed
}

// StepType distinguishes single-shot steps from story loops.
type StepType string

const (
	StepSingle StepType = "single"
	StepLoop   StepType = "loop"
)

// StoryStatus represents the lifecycle state of a story.
type StoryStatus string

const (
	StoryPending StoryStatus = "pending"
	StoryRunning StoryStatus = "running"
	StoryDone    StoryStatus = "done"
	StoryFailed  StoryStatus = "failed"
)

// LoopOverStories is the only iteration source a loop step supports.
const LoopOverStories = "stories"

// LoopConfig describes how a loop step iterates.
type LoopConfig struct {
	Over string `json:"over"`

	// VerifyEach routes every completed story through VerifyStep before the
	// loop moves on.
	VerifyEach bool   `json:"verifyEach,omitempty"`
	VerifyStep string `json:"verifyStep,omitempty"`

	// MaxStoryRetries bounds per-story retries. Zero means "use the loop
	// step's MaxRetries".
	MaxStoryRetries int `json:"maxStoryRetries,omitempty"`
}

// Verifies reports whether the loop gates each story on a verify step.
func (c *LoopConfig) Verifies() bool {
	return c != nil && c.VerifyEach && c.VerifyStep != ""
}

// Run is one execution of a workflow definition.
type Run struct {
	ID         string
	WorkflowID string
	Task       string
	Status     RunStatus

	// Context is the run-scoped key/value store accumulated from step
	// outputs. Keys are lower-case.
	Context map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Step is one stage of a run.
type Step struct {
	ID     string
	RunID  string
	StepID string // logical name within the workflow definition

	AgentID       string
	StepIndex     int
	Type          StepType
	InputTemplate string
	Status        StepStatus
	Output        string

	RetryCount     int
	MaxRetries     int
	AbandonedCount int

	Loop *LoopConfig

	// CurrentStoryID is set only while a loop step has a story in flight.
	CurrentStoryID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsLoop reports whether the step iterates over stories.
func (s *Step) IsLoop() bool {
	return s.Type == StepLoop && s.Loop != nil && s.Loop.Over == LoopOverStories
}

// Story is one unit of repeated work inside a loop step.
type Story struct {
	ID                 string
	RunID              string
	StoryIndex         int
	StoryID            string // business key, unique within a run
	Title              string
	Description        string
	AcceptanceCriteria []string
	Status             StoryStatus
	Output             string
	RetryCount         int
	MaxRetries         int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WorkflowSpec is an already-validated workflow definition.
type WorkflowSpec struct {
	ID     string      `yaml:"id"`
	Name   string      `yaml:"name"`
	Agents []AgentSpec `yaml:"agents"`
	Steps  []StepSpec  `yaml:"steps"`
}

// AgentSpec names a worker identity used by a workflow.
type AgentSpec struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
}

// StepSpec is one step of a workflow definition.
type StepSpec struct {
	ID         string    `yaml:"id"`
	Agent      string    `yaml:"agent"`
	Type       StepType  `yaml:"type,omitempty"`
	Input      string    `yaml:"input"`
	MaxRetries *int      `yaml:"max_retries,omitempty"`
	Loop       *LoopSpec `yaml:"loop,omitempty"`
}

// LoopSpec is the definition-level form of LoopConfig.
type LoopSpec struct {
	Over            string `yaml:"over"`
	VerifyEach      bool   `yaml:"verify_each,omitempty"`
	VerifyStep      string `yaml:"verify_step,omitempty"`
	MaxStoryRetries int    `yaml:"max_story_retries,omitempty"`
}

// AgentID returns the fully qualified agent id workers claim with.
func AgentID(workflowID, agent string) string {
	return workflowID + "/" + agent
}

// SplitAgentID is the inverse of AgentID.
func SplitAgentID(agentID string) (workflowID, agent string, ok bool) {
	return strings.Cut(agentID, "/")
}

// ClaimResult is returned by Engine.Claim. Found is false when there is
// nothing to hand out right now.
type ClaimResult struct {
	Found   bool   `json:"found"`
	StepID  string `json:"stepId,omitempty"`
	RunID   string `json:"runId,omitempty"`
	StoryID string `json:"storyId,omitempty"`
	Input   string `json:"input,omitempty"`
}

// CompleteResult is returned by Engine.Complete and Engine.AdvancePipeline.
type CompleteResult struct {
	Advanced     bool `json:"advanced"`
	RunCompleted bool `json:"runCompleted"`
}

// FailResult is returned by Engine.Fail.
type FailResult struct {
	Retrying  bool `json:"retrying"`
	RunFailed bool `json:"runFailed"`
}

// LoopResult is returned by Engine.CheckLoopContinuation.
type LoopResult struct {
	ActiveStories int  `json:"activeStories"`
	LoopDone      bool `json:"loopDone"`
	Advanced      bool `json:"advanced"`
	RunCompleted  bool `json:"runCompleted"`
}

// SweepReport summarizes one reaper pass.
type SweepReport struct {
	StepsFailed   int `json:"stepsFailed"`
	StepsReset    int `json:"stepsReset"`
	StoriesReset  int `json:"storiesReset"`
	StoriesFailed int `json:"storiesFailed"`
}

// Total is the number of units the sweep touched.
func (r SweepReport) Total() int {
	return r.StepsFailed + r.StepsReset + r.StoriesReset + r.StoriesFailed
}

// RunListOptions controls how runs are listed.
// Zero values mean "no filter" for that field.
type RunListOptions struct {
	WorkflowID string
	Status     RunStatus
	Limit      int
}
