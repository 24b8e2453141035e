// Package medic is the coarse-grained health auditor. A pass looks for stuck
// steps, stalled and zombie runs and orphaned dispatcher jobs, remediates what
// it safely can and records a summary in a bounded history.
package medic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snarktank/antfarm/internal/persistence"
	"github.com/snarktank/antfarm/pkg/api"
)

const (
	DefaultWorkerTimeout   = 30 * time.Minute
	DefaultStuckMultiplier = 2
	DefaultMaxAbandonments = 3
	DefaultHistoryLimit    = 500
)

// Config describes how to construct a Medic.
type Config struct {
	Store  persistence.Store
	Checks persistence.CheckStore

	// Dispatcher is optional. Without it orphaned jobs are not audited.
	Dispatcher api.Dispatcher
	Observer   api.Observer
	Logger     *slog.Logger

	// WorkerTimeout is the longest a worker is expected to take. A step is
	// stuck after WorkerTimeout * StuckMultiplier without progress.
	WorkerTimeout   time.Duration
	StuckMultiplier int

	// MaxAbandonments is how many stuck detections a step survives before
	// the medic fails it and its run.
	MaxAbandonments int
	HistoryLimit    int
}

// Option customizes a Medic.
type Option func(*Medic)

// WithClock overrides the medic's time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Medic) {
		if clock != nil {
			m.now = clock
		}
	}
}

type Medic struct {
	store      persistence.Store
	checks     persistence.CheckStore
	dispatcher api.Dispatcher
	observer   api.Observer
	log        *slog.Logger

	stuckAfter      time.Duration
	maxAbandonments int
	historyLimit    int

	now func() time.Time
}

func New(cfg Config, opts ...Option) *Medic {
	m := &Medic{
		store:           cfg.Store,
		checks:          cfg.Checks,
		dispatcher:      cfg.Dispatcher,
		observer:        cfg.Observer,
		log:             cfg.Logger,
		maxAbandonments: cfg.MaxAbandonments,
		historyLimit:    cfg.HistoryLimit,
		now:             time.Now,
	}
	timeout := cfg.WorkerTimeout
	if timeout <= 0 {
		timeout = DefaultWorkerTimeout
	}
	mult := cfg.StuckMultiplier
	if mult <= 0 {
		mult = DefaultStuckMultiplier
	}
	m.stuckAfter = timeout * time.Duration(mult)
	if m.maxAbandonments <= 0 {
		m.maxAbandonments = DefaultMaxAbandonments
	}
	if m.historyLimit <= 0 {
		m.historyLimit = DefaultHistoryLimit
	}
	if m.observer == nil {
		m.observer = api.NoopObserver{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StuckAfter is the age at which a running step counts as stuck.
func (m *Medic) StuckAfter() time.Duration { return m.stuckAfter }

// Run performs one pass and persists its summary.
func (m *Medic) Run(ctx context.Context) (*api.MedicCheck, error) {
	now := m.now()
	var findings []api.Finding

	stuck, err := m.checkStuckSteps(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("stuck steps: %w", err)
	}
	findings = append(findings, stuck...)

	runs, err := m.checkRuns(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("runs: %w", err)
	}
	findings = append(findings, runs...)

	findings = append(findings, m.checkOrphanedJobs(ctx)...)

	check := &api.MedicCheck{
		ID:        uuid.NewString(),
		CheckedAt: now,
		Findings:  findings,
	}
	for _, f := range findings {
		check.IssuesFound++
		if f.Remediated && f.Action != api.ActionNone {
			check.ActionsTaken++
		}
	}
	check.Summary = summarize(findings, check.ActionsTaken)

	if err := m.checks.AppendCheck(ctx, check, m.historyLimit); err != nil {
		return nil, fmt.Errorf("record medic check: %w", err)
	}

	level := slog.LevelDebug
	if check.IssuesFound > 0 {
		level = slog.LevelWarn
	}
	m.log.Log(ctx, level, "medic check",
		slog.Int("issues", check.IssuesFound),
		slog.Int("actions", check.ActionsTaken),
		slog.String("summary", check.Summary),
	)
	return check, nil
}

// Recent returns up to limit checks, newest first.
func (m *Medic) Recent(ctx context.Context, limit int) ([]*api.MedicCheck, error) {
	return m.checks.ListChecks(ctx, limit)
}

// Status summarizes the last check and the past 24 hours of history.
func (m *Medic) Status(ctx context.Context) (api.MedicStatus, error) {
	checks, err := m.checks.ListChecks(ctx, m.historyLimit)
	if err != nil {
		return api.MedicStatus{}, err
	}
	var st api.MedicStatus
	if len(checks) > 0 {
		st.LastCheck = checks[0]
	}
	since := m.now().Add(-24 * time.Hour)
	for _, c := range checks {
		if c.CheckedAt.Before(since) {
			break
		}
		st.ChecksLast24h++
		st.IssuesLast24h += c.IssuesFound
		st.ActionsLast24h += c.ActionsTaken
	}
	return st, nil
}

// emit records an event and passes it to the observer.
func (m *Medic) emit(ctx context.Context, ev api.Event) error {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	m.observer.OnEvent(ctx, ev)
	return nil
}

func summarize(findings []api.Finding, actions int) string {
	if len(findings) == 0 {
		return "all clear"
	}
	counts := make(map[api.FindingKind]int)
	for _, f := range findings {
		counts[f.Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for k, n := range counts {
		kinds = append(kinds, fmt.Sprintf("%d %s", n, k))
	}
	sort.Strings(kinds)
	return fmt.Sprintf("%d issue(s), %d action(s): %s", len(findings), actions, strings.Join(kinds, ", "))
}
