package api

import "time"

// FindingKind classifies a medic finding.
type FindingKind string

const (
	FindingStuckStep   FindingKind = "stuck_step"
	FindingStalledRun  FindingKind = "stalled_run"
	FindingZombieRun   FindingKind = "zombie_run"
	FindingOrphanedJob FindingKind = "orphaned_job"
)

// Severity of a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RemediationAction is what the medic did (or would do) about a finding.
type RemediationAction string

const (
	ActionResetStep        RemediationAction = "reset_step"
	ActionFailRun          RemediationAction = "fail_run"
	ActionTeardownExternal RemediationAction = "teardown_external"
	ActionNone             RemediationAction = "none"
)

// Finding is one anomaly detected by a medic pass.
type Finding struct {
	Kind       FindingKind       `json:"kind" bson:"kind"`
	Severity   Severity          `json:"severity" bson:"severity"`
	RunID      string            `json:"runId,omitempty" bson:"runId,omitempty"`
	StepID     string            `json:"stepId,omitempty" bson:"stepId,omitempty"`
	JobID      string            `json:"jobId,omitempty" bson:"jobId,omitempty"`
	Message    string            `json:"message" bson:"message"`
	Action     RemediationAction `json:"action" bson:"action"`
	Remediated bool              `json:"remediated" bson:"remediated"`
}

// MedicCheck is the persisted summary of one medic pass.
type MedicCheck struct {
	ID           string    `json:"id" bson:"_id"`
	CheckedAt    time.Time `json:"checkedAt" bson:"checkedAt"`
	IssuesFound  int       `json:"issuesFound" bson:"issuesFound"`
	ActionsTaken int       `json:"actionsTaken" bson:"actionsTaken"`
	Summary      string    `json:"summary" bson:"summary"`
	Findings     []Finding `json:"findings" bson:"findings"`
}

// MedicStatus is a snapshot of the watchdog's recent activity.
type MedicStatus struct {
	LastCheck      *MedicCheck `json:"lastCheck,omitempty"`
	ChecksLast24h  int         `json:"checksLast24h"`
	IssuesLast24h  int         `json:"issuesLast24h"`
	ActionsLast24h int         `json:"actionsLast24h"`
}
