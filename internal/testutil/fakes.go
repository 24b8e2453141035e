package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/snarktank/antfarm/pkg/api"
)

// Clock is a manually advanced clock for deterministic timing tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Dispatcher is an in-memory api.Dispatcher that records calls.
type Dispatcher struct {
	mu      sync.Mutex
	jobs    map[string]api.DispatchJob
	RanNow  []string
	Removed []string

	// Err, when set, is returned from every call.
	Err error
}

var _ api.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(names ...string) *Dispatcher {
	d := &Dispatcher{jobs: make(map[string]api.DispatchJob)}
	for _, n := range names {
		d.Add(n)
	}
	return d
}

// Add registers a job whose id equals its name.
func (d *Dispatcher) Add(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs[name] = api.DispatchJob{ID: name, Name: name, Spec: "@every 1m"}
}

func (d *Dispatcher) ListJobs(ctx context.Context, prefix string) ([]api.DispatchJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	var out []api.DispatchJob
	for _, j := range d.jobs {
		if strings.HasPrefix(j.Name, prefix) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (d *Dispatcher) RunNow(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.RanNow = append(d.RanNow, id)
	return nil
}

func (d *Dispatcher) RemoveJob(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	delete(d.jobs, id)
	d.Removed = append(d.Removed, id)
	return nil
}

// Jobs returns the names of the registered jobs.
func (d *Dispatcher) Jobs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.jobs))
	for n := range d.jobs {
		out = append(out, n)
	}
	return out
}

// RunNowCalls returns a copy of the recorded RunNow ids.
func (d *Dispatcher) RunNowCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.RanNow...)
}

// Notifier is an in-memory api.Notifier.
type Notifier struct {
	mu   sync.Mutex
	Sent []api.Notification
	Err  error
}

var _ api.Notifier = (*Notifier)(nil)

func (n *Notifier) Notify(ctx context.Context, msg api.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.Sent = append(n.Sent, msg)
	return nil
}

// Notifications returns a copy of the delivered notifications.
func (n *Notifier) Notifications() []api.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]api.Notification(nil), n.Sent...)
}

// Sidecar is an in-memory api.Sidecar keyed by workflow id.
type Sidecar struct {
	mu       sync.Mutex
	progress map[string]string
	Archived []string
	Err      error
}

var _ api.Sidecar = (*Sidecar)(nil)

func NewSidecar() *Sidecar {
	return &Sidecar{progress: make(map[string]string)}
}

// Set replaces the progress text for a workflow.
func (s *Sidecar) Set(workflowID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[workflowID] = text
}

func (s *Sidecar) ReadProgress(ctx context.Context, run *api.Run) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	return s.progress[run.WorkflowID], nil
}

func (s *Sidecar) Archive(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Archived = append(s.Archived, run.ID)
	s.progress[run.WorkflowID] = ""
	return nil
}

// Recorder is an api.Observer that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []api.Event
}

func (r *Recorder) OnEvent(ctx context.Context, ev api.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []api.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []api.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.Event(nil), r.events...)
}

// ErrBoom is a generic collaborator failure for tests.
var ErrBoom = errors.New("boom")
