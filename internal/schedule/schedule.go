// Package schedule runs the reaper and the medic on their own timers so
// neither depends on workers calling Claim.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	cronlib "github.com/robfig/cron/v3"

	"github.com/snarktank/antfarm/internal/dispatch"
	"github.com/snarktank/antfarm/pkg/api"
)

const (
	DefaultReaperSpec = "@every 1m"
	DefaultMedicSpec  = "@every 5m"
)

// Sweeper reclaims abandoned work. *engine.Engine implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (api.SweepReport, error)
}

// Auditor runs one medic pass. *medic.Medic implements it.
type Auditor interface {
	Run(ctx context.Context) (*api.MedicCheck, error)
}

// Config describes the scheduled jobs. A nil Sweeper or Auditor disables
// that job.
type Config struct {
	Sweeper    Sweeper
	Auditor    Auditor
	ReaperSpec string
	MedicSpec  string
	Logger     *slog.Logger
}

// Scheduler owns a cron instance with the reaper and medic jobs.
type Scheduler struct {
	cron    *cronlib.Cron
	sweeper Sweeper
	auditor Auditor
	log     *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New validates the cron specs and registers the jobs. The scheduler does
// not fire until Start.
func New(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	cl := dispatch.CronLogger(logger)
	s := &Scheduler{
		cron: cronlib.New(
			cronlib.WithParser(cronlib.NewParser(
				cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
			)),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl)),
		),
		sweeper: cfg.Sweeper,
		auditor: cfg.Auditor,
		log:     logger,
		base:    base,
		cancel:  cancel,
	}

	if s.sweeper != nil {
		if err := s.add("reaper", orDefault(cfg.ReaperSpec, DefaultReaperSpec), s.runReaper); err != nil {
			cancel()
			return nil, err
		}
	}
	if s.auditor != nil {
		if err := s.add("medic", orDefault(cfg.MedicSpec, DefaultMedicSpec), s.runMedic); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func orDefault(spec, def string) string {
	if spec == "" {
		return def
	}
	return spec
}

func (s *Scheduler) add(name, spec string, fn func(context.Context)) error {
	if _, err := dispatch.ParseSchedule(spec); err != nil {
		return fmt.Errorf("%s schedule %q: %w", name, spec, err)
	}
	job := cronlib.NewChain(cronlib.SkipIfStillRunning(dispatch.CronLogger(s.log))).
		Then(cronlib.FuncJob(func() { fn(s.base) }))
	if _, err := s.cron.AddJob(spec, job); err != nil {
		return fmt.Errorf("%s schedule %q: %w", name, spec, err)
	}
	s.log.Debug("scheduled", slog.String("job", name), slog.String("spec", spec))
	return nil
}

// Start begins firing the jobs. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))
}

// Stop halts the timers, cancels the jobs' context and waits for running
// jobs to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runReaper(ctx context.Context) {
	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "scheduled sweep failed", slog.Any("error", err))
		return
	}
	if report.Total() > 0 {
		s.log.InfoContext(ctx, "scheduled sweep",
			slog.Int("steps_reset", report.StepsReset),
			slog.Int("steps_failed", report.StepsFailed),
			slog.Int("stories_reset", report.StoriesReset),
			slog.Int("stories_failed", report.StoriesFailed),
		)
	}
}

func (s *Scheduler) runMedic(ctx context.Context) {
	if _, err := s.auditor.Run(ctx); err != nil {
		s.log.ErrorContext(ctx, "scheduled medic check failed", slog.Any("error", err))
	}
}
