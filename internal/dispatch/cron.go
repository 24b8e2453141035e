package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	cronlib "github.com/robfig/cron/v3"

	"github.com/snarktank/antfarm/pkg/api"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context)

type cronJob struct {
	name  string
	spec  string
	entry cronlib.EntryID
	fn    JobFunc

	// running guards against overlapping executions from a tick and RunNow.
	running sync.Mutex
}

// CronDispatcher is an in-process api.Dispatcher backed by robfig/cron.
// Job ids are the job names.
type CronDispatcher struct {
	cron   *cronlib.Cron
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*cronJob

	// base is the context jobs run under; cancelled by Stop.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ api.Dispatcher = (*CronDispatcher)(nil)

// NewCronDispatcher creates a stopped dispatcher. If logger is nil,
// slog.Default() is used.
func NewCronDispatcher(logger *slog.Logger) *CronDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}
	return &CronDispatcher{
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl)),
		),
		logger: logger,
		jobs:   make(map[string]*cronJob),
		base:   base,
		cancel: cancel,
	}
}

// Schedule registers fn under name on spec. Registering an existing name
// replaces the previous job.
func (d *CronDispatcher) Schedule(name, spec string, fn JobFunc) error {
	if _, err := ParseSchedule(spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.jobs[name]; ok {
		d.cron.Remove(old.entry)
	}
	job := &cronJob{name: name, spec: spec, fn: fn}
	entry, err := d.cron.AddFunc(spec, func() { d.execute(job) })
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	job.entry = entry
	d.jobs[name] = job
	return nil
}

func (d *CronDispatcher) execute(job *cronJob) {
	if !job.running.TryLock() {
		d.logger.Debug("job still running, skipping", slog.String("job", job.name))
		return
	}
	defer job.running.Unlock()
	if d.base.Err() != nil {
		return
	}
	job.fn(d.base)
}

// Start begins firing scheduled jobs.
func (d *CronDispatcher) Start() {
	d.cron.Start()
	d.logger.Info("dispatcher started", slog.Int("jobs", d.count()))
}

// Stop halts the schedule, cancels running jobs' context and waits for them
// to return or for ctx to expire.
func (d *CronDispatcher) Stop(ctx context.Context) error {
	stopped := d.cron.Stop()
	d.cancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *CronDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func (d *CronDispatcher) ListJobs(ctx context.Context, prefix string) ([]api.DispatchJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []api.DispatchJob
	for name, job := range d.jobs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		out = append(out, api.DispatchJob{
			ID:      name,
			Name:    name,
			Spec:    job.spec,
			NextRun: d.cron.Entry(job.entry).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RunNow fires the job immediately in the background. A job that is already
// executing is not started twice.
func (d *CronDispatcher) RunNow(ctx context.Context, id string) error {
	d.mu.Lock()
	job, ok := d.jobs[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: not found", id)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.execute(job)
	}()
	return nil
}

func (d *CronDispatcher) RemoveJob(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[id]
	if !ok {
		return nil
	}
	d.cron.Remove(job.entry)
	delete(d.jobs, id)
	d.logger.Info("job removed", slog.String("job", id))
	return nil
}

// CronLogger adapts logger to cron's logger interface. cron's info lines go
// out at debug level.
func CronLogger(logger *slog.Logger) cronlib.Logger {
	return cronLogger{logger: logger}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
