package schedule

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snarktank/antfarm/internal/testutil"
	"github.com/snarktank/antfarm/pkg/api"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(ctx context.Context) (api.SweepReport, error) {
	s.calls.Add(1)
	return api.SweepReport{StepsReset: 1}, s.err
}

type panickingSweeper struct{}

func (panickingSweeper) Sweep(ctx context.Context) (api.SweepReport, error) {
	panic("sweeper exploded")
}

type countingAuditor struct {
	calls atomic.Int32
	err   error
}

func (a *countingAuditor) Run(ctx context.Context) (*api.MedicCheck, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return &api.MedicCheck{Summary: "all clear"}, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNew_RejectsInvalidSpecs(t *testing.T) {
	_, err := New(Config{Sweeper: &countingSweeper{}, ReaperSpec: "every minute", Logger: discard()})
	require.ErrorContains(t, err, "reaper schedule")

	_, err = New(Config{Auditor: &countingAuditor{}, MedicSpec: "* * *", Logger: discard()})
	require.ErrorContains(t, err, "medic schedule")
}

func TestNew_DefaultsAndDisabledJobs(t *testing.T) {
	s, err := New(Config{Sweeper: &countingSweeper{}, Auditor: &countingAuditor{}, Logger: discard()})
	require.NoError(t, err)
	require.Len(t, s.cron.Entries(), 2)

	s, err = New(Config{Auditor: &countingAuditor{}, Logger: discard()})
	require.NoError(t, err)
	require.Len(t, s.cron.Entries(), 1)
}

func TestScheduler_FiresIndependently(t *testing.T) {
	sweeper := &countingSweeper{}
	auditor := &countingAuditor{}
	s, err := New(Config{
		Sweeper:    sweeper,
		Auditor:    auditor,
		ReaperSpec: "@every 1s",
		MedicSpec:  "@every 1h",
		Logger:     discard(),
	})
	require.NoError(t, err)

	s.Start()
	s.Start()
	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	require.Zero(t, auditor.calls.Load(), "the medic keeps its own timer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_JobErrorsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s, err := New(Config{
		Sweeper: &countingSweeper{err: testutil.ErrBoom},
		Auditor: &countingAuditor{err: testutil.ErrBoom},
		Logger:  logger,
	})
	require.NoError(t, err)

	s.runReaper(context.Background())
	s.runMedic(context.Background())
	require.Contains(t, buf.String(), "scheduled sweep failed")
	require.Contains(t, buf.String(), "scheduled medic check failed")
}

func TestScheduler_ReportsSweeps(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(Config{Sweeper: &countingSweeper{}, Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	require.NoError(t, err)

	s.runReaper(context.Background())
	require.Contains(t, buf.String(), "steps_reset=1")
}

func TestScheduler_JobPanicsReachTheLogger(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(Config{Sweeper: panickingSweeper{}, Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	require.NoError(t, err)

	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	require.NotPanics(t, entries[0].WrappedJob.Run)

	out := buf.String()
	require.Contains(t, out, "level=ERROR")
	require.Contains(t, out, "cron: panic")
	require.Contains(t, out, "sweeper exploded")
}
