package antfarm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/snarktank/antfarm/internal/config"
	"github.com/snarktank/antfarm/internal/dispatch"
	"github.com/snarktank/antfarm/internal/engine"
	"github.com/snarktank/antfarm/internal/handoff"
	"github.com/snarktank/antfarm/internal/medic"
	"github.com/snarktank/antfarm/internal/notify"
	"github.com/snarktank/antfarm/internal/persistence"
	"github.com/snarktank/antfarm/internal/schedule"
	"github.com/snarktank/antfarm/internal/workflow"
	"github.com/snarktank/antfarm/internal/workspace"
	"github.com/snarktank/antfarm/pkg/api"
	workerpkg "github.com/snarktank/antfarm/pkg/worker"
)

type (
	// Config is the TOML configuration of a Bundle.
	Config = config.Config
	// Medic is the health auditor.
	Medic = medic.Medic
)

var (
	DefaultConfig = config.Default
	LoadConfig    = config.Load
)

// Bundle wires together everything a long-running antfarm process needs on
// one database: the engine, the medic, the reaper and medic schedules, an
// in-process cron dispatcher for agent workers, the progress sidecar and the
// immediate-handoff listener.
type Bundle struct {
	Engine     Engine
	Medic      *Medic
	Registry   *Registry
	Dispatcher *dispatch.CronDispatcher
	Scheduler  *schedule.Scheduler
	Workspace  *workspace.FS
	Metrics    *BasicMetrics

	cfg     *Config
	log     *slog.Logger
	store   persistence.Store
	closers []io.Closer

	mu      sync.Mutex
	workers map[string]workerJob
}

// workerJob is a worker waiting for a run of its workflow. Its dispatcher
// job exists only while the workflow has active runs, since teardown and the
// medic remove jobs of idle workflows.
type workerJob struct {
	poll string
	fn   dispatch.JobFunc
}

// BundleOptions are optional extras for OpenBundle.
type BundleOptions struct {
	Logger *slog.Logger

	// Notifier receives run outcomes. Defaults to a notifier that logs.
	Notifier Notifier

	// Observer is added next to the bundle's own observers.
	Observer Observer

	// Registry replaces the registry loaded from cfg.Workflows.Dir.
	Registry *Registry
}

// OpenBundle opens the configured database and builds a Bundle. Nothing runs
// until Start.
//
// Typical usage:
//
//	cfg, _ := antfarm.LoadConfig("antfarm.toml")
//	b, err := antfarm.OpenBundle(ctx, cfg, antfarm.BundleOptions{})
//	defer b.Close()
//	if err := b.Start(ctx); err != nil { ... }
//	defer b.Stop(ctx)
func OpenBundle(ctx context.Context, cfg *Config, opts BundleOptions) (*Bundle, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	b, err := NewBundle(ctx, db, cfg, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.closers = append(b.closers, db)
	return b, nil
}

func openDB(cfg *Config) (*sql.DB, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		if cfg.Store.DSN == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := sql.Open("sqlite", cfg.DSN())
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		return db, nil
	case config.DriverPostgres:
		return sql.Open("pgx", cfg.DSN())
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// NewBundle builds a Bundle on an already open database. The caller keeps
// ownership of db.
func NewBundle(ctx context.Context, db *sql.DB, cfg *Config, opts BundleOptions) (*Bundle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bundle{cfg: cfg, log: logger, Metrics: &BasicMetrics{}, workers: make(map[string]workerJob)}

	p, err := persistence.Open(cfg.Store.Driver, db)
	if err != nil {
		return nil, err
	}
	b.store = p.Store

	if cfg.Medic.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Medic.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect medic history store: %w", err)
		}
		b.closers = append(b.closers, closerFunc(func() error { return client.Disconnect(context.Background()) }))
		checks, err := persistence.NewMongoCheckStore(ctx, client, cfg.Medic.MongoDatabase, "")
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("open medic history store: %w", err)
		}
		p.Checks = checks
	}

	b.Registry = opts.Registry
	if b.Registry == nil {
		b.Registry = workflow.NewRegistry()
		if cfg.Workflows.Dir != "" {
			if _, statErr := os.Stat(cfg.Workflows.Dir); statErr == nil {
				if err := b.Registry.LoadDir(cfg.Workflows.Dir); err != nil {
					_ = b.Close()
					return nil, err
				}
			}
		}
	}

	b.Workspace = workspace.New(cfg.WorkspaceRoot())
	b.Dispatcher = dispatch.NewCronDispatcher(logger)

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	observers := []Observer{
		NewLoggingObserver(logger),
		b.Metrics,
		notify.NewObserver(notifier, logger),
		ObserverFunc(b.onRunStarted),
		opts.Observer,
	}
	if cfg.Handoff.Enabled {
		var gate handoff.Gate
		if cfg.Handoff.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.Handoff.RedisAddr})
			b.closers = append(b.closers, client)
			gate = handoff.NewRedisGate(client, cfg.Handoff.RedisPrefix, cfg.Handoff.VersionTTL)
		}
		observers = append(observers, handoff.NewListener(p.Store, b.Dispatcher, gate, logger))
	}
	observer := NewCompositeObserver(observers...)

	eng := engine.New(engine.Config{
		Persistence:       p,
		Specs:             b.Registry,
		Observer:          observer,
		Dispatcher:        b.Dispatcher,
		Sidecar:           b.Workspace,
		Logger:            logger,
		ReapAfter:         cfg.Engine.ReapAfter,
		ClaimAttempts:     cfg.Engine.ClaimAttempts,
		MaxStories:        cfg.Engine.MaxStories,
		DisableClaimSweep: !cfg.Engine.ReapOnClaim,
	})
	b.Engine = eng

	b.Medic = medic.New(medic.Config{
		Store:           p.Store,
		Checks:          p.Checks,
		Dispatcher:      b.Dispatcher,
		Observer:        observer,
		Logger:          logger,
		WorkerTimeout:   cfg.Medic.WorkerTimeout,
		StuckMultiplier: cfg.Medic.StuckMultiplier,
		MaxAbandonments: cfg.Medic.MaxAbandonments,
		HistoryLimit:    cfg.Medic.HistoryLimit,
	})

	b.Scheduler, err = schedule.New(schedule.Config{
		Sweeper:    eng,
		Auditor:    b.Medic,
		ReaperSpec: cfg.Schedule.Reaper,
		MedicSpec:  cfg.Schedule.Medic,
		Logger:     logger,
	})
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// AddWorker registers an in-process worker for agentID. Its dispatcher job
// is installed whenever the agent's workflow has an active run; every tick,
// or handoff, drains the agent's claimable work.
func (b *Bundle) AddWorker(agentID string, h workerpkg.Handler, poll string, timeout time.Duration) error {
	if poll == "" {
		poll = "@every 30s"
	}
	if _, err := dispatch.ParseSchedule(poll); err != nil {
		return fmt.Errorf("worker %s: invalid poll schedule %q: %w", agentID, poll, err)
	}
	w := workerpkg.NewWithConfig(b.Engine, agentID, h, workerpkg.Config{Timeout: timeout, Logger: b.log})

	b.mu.Lock()
	b.workers[agentID] = workerJob{
		poll: poll,
		fn: func(ctx context.Context) {
			if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
				b.log.ErrorContext(ctx, "worker drain failed", slog.String("agent", agentID), slog.Any("error", err))
			}
		},
	}
	b.mu.Unlock()
	return nil
}

func (b *Bundle) onRunStarted(ctx context.Context, ev Event) {
	if ev.Type != api.EventRunStarted {
		return
	}
	if err := b.installJobs(ctx, ev.WorkflowID); err != nil {
		b.log.WarnContext(ctx, "install worker jobs", slog.String("workflow", ev.WorkflowID), slog.Any("error", err))
	}
}

// installJobs schedules the missing worker jobs of a workflow.
func (b *Bundle) installJobs(ctx context.Context, workflowID string) error {
	existing, err := b.Dispatcher.ListJobs(ctx, dispatch.JobPrefix(workflowID))
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, j := range existing {
		have[j.Name] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for agentID, job := range b.workers {
		wf, _, ok := api.SplitAgentID(agentID)
		name := dispatch.JobName(agentID)
		if !ok || wf != workflowID || have[name] {
			continue
		}
		errs = append(errs, b.Dispatcher.Schedule(name, job.poll, job.fn))
	}
	return errors.Join(errs...)
}

// AddConfiguredWorkers registers a CommandHandler worker for every agent in
// the configuration.
func (b *Bundle) AddConfiguredWorkers() error {
	var errs []error
	for id, a := range b.cfg.Agents {
		h := &workerpkg.CommandHandler{Argv: a.Command}
		if err := b.AddWorker(id, h, a.Poll, a.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start installs worker jobs for workflows that already have active runs
// and begins firing the schedules.
func (b *Bundle) Start(ctx context.Context) error {
	b.mu.Lock()
	workflows := make(map[string]bool)
	for agentID := range b.workers {
		if wf, _, ok := api.SplitAgentID(agentID); ok {
			workflows[wf] = true
		}
	}
	b.mu.Unlock()

	for wf := range workflows {
		n, err := b.store.CountActiveRuns(ctx, wf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := b.installJobs(ctx, wf); err != nil {
			return err
		}
	}
	b.Scheduler.Start()
	b.Dispatcher.Start()
	return nil
}

// Stop halts schedules and waits for running jobs.
func (b *Bundle) Stop(ctx context.Context) error {
	return errors.Join(b.Scheduler.Stop(ctx), b.Dispatcher.Stop(ctx))
}

// Close releases connections the bundle opened.
func (b *Bundle) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	b.closers = nil
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
