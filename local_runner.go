package antfarm

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/snarktank/antfarm/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, a workflow Registry and one
// in-process worker per agent to provide a simple "local runner" for
// development, tests and demos.
//
// Typical usage:
//
//	runner, _ := antfarm.NewLocalRunner()
//	antfarm.New("hello").Step("greet", "greeter", "Say hi to {{task}}").MustRegister(runner.Registry)
//	runner.Handle("hello/greeter", worker.HandlerFunc(greet))
//
//	// Synchronous: drive the run until nothing is claimable.
//	run, err := runner.RunToCompletion(ctx, "hello", "world", nil)
//
//	// Asynchronous: poll in background goroutines.
//	_ = runner.StartWorkers(ctx)
//	_, _ = runner.Engine.StartRun(ctx, "hello", "world", nil)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Registry holds the workflows Engine can start.
	Registry *Registry

	// PollInterval is how often background workers look for work.
	PollInterval time.Duration

	Logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]worker.Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine.
// opts may carry an observer or logger; Specs is set to the runner's
// registry.
func NewLocalRunner(opts ...EngineOptions) (*LocalRunner, error) {
	var o EngineOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	reg := NewRegistry()
	o.Specs = reg
	eng, err := NewInMemoryEngine(o)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{
		Engine:       eng,
		Registry:     reg,
		PollInterval: 50 * time.Millisecond,
		Logger:       o.Logger,
		handlers:     make(map[string]worker.Handler),
	}, nil
}

// Handle registers the handler for a fully qualified agent id.
func (r *LocalRunner) Handle(agentID string, h worker.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[agentID] = h
}

func (r *LocalRunner) workers() []*worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*worker.Worker, len(ids))
	for i, id := range ids {
		out[i] = worker.NewWithConfig(r.Engine, id, r.handlers[id], worker.Config{
			PollInterval: r.PollInterval,
			Logger:       r.Logger,
		})
	}
	return out
}

// RunToCompletion starts a run and keeps draining every registered agent
// until no agent finds work. The returned run is terminal unless an agent
// without a handler owns the next step.
func (r *LocalRunner) RunToCompletion(ctx context.Context, workflowID, task string, vars map[string]string) (*Run, error) {
	run, err := r.Engine.StartRun(ctx, workflowID, task, vars)
	if err != nil {
		return nil, err
	}
	workers := r.workers()
	for {
		progressed := 0
		for _, w := range workers {
			n, err := w.Drain(ctx)
			if err != nil {
				return nil, err
			}
			progressed += n
		}
		if progressed == 0 {
			break
		}
	}
	return r.Engine.GetRun(ctx, run.ID)
}

// StartWorkers starts one polling goroutine per registered agent until the
// context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context) error {
	workers := r.workers()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("antfarm: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(len(workers))
	for _, w := range workers {
		go func(w *worker.Worker) {
			defer r.wg.Done()
			_ = w.Run(ctx)
		}(w)
	}
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
