package antfarm

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/snarktank/antfarm/internal/engine"
	"github.com/snarktank/antfarm/internal/persistence"
	"github.com/snarktank/antfarm/internal/workflow"
	"github.com/snarktank/antfarm/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine         = api.Engine
	Run            = api.Run
	Step           = api.Step
	Story          = api.Story
	Event          = api.Event
	EventType      = api.EventType
	RunStatus      = api.RunStatus
	StepStatus     = api.StepStatus
	StoryStatus    = api.StoryStatus
	WorkflowSpec   = api.WorkflowSpec
	StepSpec       = api.StepSpec
	LoopSpec       = api.LoopSpec
	AgentSpec      = api.AgentSpec
	ClaimResult    = api.ClaimResult
	CompleteResult = api.CompleteResult
	FailResult     = api.FailResult
	SweepReport    = api.SweepReport
	RunListOptions = api.RunListOptions
	MedicCheck     = api.MedicCheck
	SpecProvider   = api.SpecProvider
	Dispatcher     = api.Dispatcher
	Notifier       = api.Notifier
	Sidecar        = api.Sidecar

	Observer             = api.Observer
	ObserverFunc         = api.ObserverFunc
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Registry holds workflow definitions and serves them to the engine.
	Registry = workflow.Registry
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewRegistry          = workflow.NewRegistry
	ParseWorkflow        = workflow.Parse
	LoadWorkflowFile     = workflow.LoadFile
	AgentID              = api.AgentID
)

// Re-export status values for convenience.

const (
	RunRunning   = api.RunRunning
	RunCompleted = api.RunCompleted
	RunFailed    = api.RunFailed
	RunCancelled = api.RunCancelled

	StepWaiting = api.StepWaiting
	StepPending = api.StepPending
	StepRunning = api.StepRunning
	StepDone    = api.StepDone
	StepFailed  = api.StepFailed

	EventRunStarted   = api.EventRunStarted
	EventRunCompleted = api.EventRunCompleted
	EventRunFailed    = api.EventRunFailed
	EventRunCancelled = api.EventRunCancelled
	EventStepRunning  = api.EventStepRunning
	EventStepDone     = api.EventStepDone
	EventStepFailed   = api.EventStepFailed
	EventStoryDone    = api.EventStoryDone
)

// Re-export the error taxonomy.

var (
	ErrRunNotFound      = api.ErrRunNotFound
	ErrStepNotFound     = api.ErrStepNotFound
	ErrStoryNotFound    = api.ErrStoryNotFound
	ErrWorkflowNotFound = api.ErrWorkflowNotFound
	ErrAmbiguousRun     = api.ErrAmbiguousRun
	ErrInvalidWorkflow  = api.ErrInvalidWorkflow
)

// EngineOptions are the collaborators and tuning of an engine. Only Specs is
// required.
type EngineOptions struct {
	Specs      SpecProvider
	Observer   Observer
	Dispatcher Dispatcher
	Sidecar    Sidecar
	Logger     *slog.Logger

	ReapAfter         time.Duration
	DisableClaimSweep bool

	// Clock overrides time.Now, mostly for tests.
	Clock func() time.Time
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewSQLiteEngine returns an Engine persisting runs in a SQLite database
// opened with the "sqlite" driver.
func NewSQLiteEngine(db *sql.DB, opts EngineOptions) (Engine, error) {
	return newEngine("sqlite", db, opts)
}

// NewPostgresEngine returns an Engine persisting runs in PostgreSQL. db is
// typically opened with the "pgx" driver.
func NewPostgresEngine(db *sql.DB, opts EngineOptions) (Engine, error) {
	return newEngine("postgres", db, opts)
}

// NewInMemoryEngine returns an Engine on a private in-memory SQLite database.
// Nothing survives the process; use it for tests and local experiments.
func NewInMemoryEngine(opts EngineOptions) (Engine, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return newEngine("sqlite", db, opts)
}

func newEngine(driver string, db *sql.DB, opts EngineOptions) (Engine, error) {
	if opts.Specs == nil {
		return nil, fmt.Errorf("antfarm: EngineOptions.Specs is required")
	}
	p, err := persistence.Open(driver, db)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		Persistence:       p,
		Specs:             opts.Specs,
		Observer:          opts.Observer,
		Dispatcher:        opts.Dispatcher,
		Sidecar:           opts.Sidecar,
		Logger:            opts.Logger,
		ReapAfter:         opts.ReapAfter,
		DisableClaimSweep: opts.DisableClaimSweep,
	}, engine.WithClock(opts.Clock)), nil
}
