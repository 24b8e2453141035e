package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snarktank/antfarm/pkg/api"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultTimeout      = 30 * time.Minute
)

// Client is the part of api.Engine a worker talks to. *engine.Engine and
// any remote client with the same methods satisfy it.
type Client interface {
	Claim(ctx context.Context, agentID string) (api.ClaimResult, error)
	Complete(ctx context.Context, stepID, output string) (api.CompleteResult, error)
	Fail(ctx context.Context, stepID, errText string) (api.FailResult, error)
}

// HandlerError is returned by ProcessOne when the handler failed. The step
// has already been failed in the engine.
type HandlerError struct {
	StepID string
	Err    error
}

func (e *HandlerError) Error() string { return fmt.Sprintf("step %s: %v", e.StepID, e.Err) }

func (e *HandlerError) Unwrap() error { return e.Err }

// Task is one claimed unit of work.
type Task struct {
	AgentID string
	RunID   string
	StepID  string
	StoryID string
	Input   string
}

// Handler executes a task and returns the step output.
type Handler interface {
	Handle(ctx context.Context, task Task) (string, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, task Task) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, task Task) (string, error) { return f(ctx, task) }

// Config controls worker timing.
type Config struct {
	// PollInterval is how long Run sleeps when there is nothing to claim.
	PollInterval time.Duration

	// Timeout bounds a single Handle call. The handler's context is
	// cancelled when it expires and the step is failed.
	Timeout time.Duration

	Logger *slog.Logger
}

// Worker claims work for one agent, runs its handler and reports the
// outcome back.
type Worker struct {
	client  Client
	agentID string
	handler Handler
	cfg     Config
	log     *slog.Logger
}

// New creates a new Worker with default config.
func New(client Client, agentID string, h Handler) *Worker {
	return NewWithConfig(client, agentID, h, Config{})
}

// NewWithConfig creates a Worker with a custom configuration.
func NewWithConfig(client Client, agentID string, h Handler, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		client:  client,
		agentID: agentID,
		handler: h,
		cfg:     cfg,
		log:     logger.With("agent", agentID),
	}
}

// AgentID returns the agent this worker claims for.
func (w *Worker) AgentID() string { return w.agentID }

// ProcessOne claims a single unit of work and processes it.
// Returns (processed, error):
//   - processed == false, err == nil: nothing to claim right now.
//   - processed == true: a task was handled; a *HandlerError means the
//     handler failed and the failure was reported through Fail.
//
// Errors talking to the engine are returned as-is.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	claim, err := w.client.Claim(ctx, w.agentID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !claim.Found {
		return false, nil
	}

	task := Task{
		AgentID: w.agentID,
		RunID:   claim.RunID,
		StepID:  claim.StepID,
		StoryID: claim.StoryID,
		Input:   claim.Input,
	}
	log := w.log.With("run_id", task.RunID, "step_id", task.StepID)
	if task.StoryID != "" {
		log = log.With("story", task.StoryID)
	}
	log.DebugContext(ctx, "task claimed")

	hctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	output, runErr := w.handle(hctx, task)
	cancel()

	if runErr != nil {
		if ctx.Err() != nil {
			// Shutting down: leave the step running for the reaper.
			return true, ctx.Err()
		}
		res, err := w.client.Fail(ctx, task.StepID, runErr.Error())
		if err != nil {
			return true, fmt.Errorf("fail step %s: %w", task.StepID, err)
		}
		log.WarnContext(ctx, "task failed",
			slog.Any("error", runErr),
			slog.Bool("retrying", res.Retrying),
			slog.Bool("run_failed", res.RunFailed),
		)
		return true, &HandlerError{StepID: task.StepID, Err: runErr}
	}

	res, err := w.client.Complete(ctx, task.StepID, output)
	if err != nil {
		if api.IsValidation(err) {
			// The engine rejected the output; report it as a failure so the
			// step is retried instead of hanging until the reaper.
			if _, ferr := w.client.Fail(ctx, task.StepID, err.Error()); ferr != nil {
				return true, errors.Join(err, ferr)
			}
		}
		return true, fmt.Errorf("complete step %s: %w", task.StepID, err)
	}
	log.InfoContext(ctx, "task completed",
		slog.Bool("advanced", res.Advanced),
		slog.Bool("run_completed", res.RunCompleted),
	)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, task Task) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, task)
}

// Drain processes work until nothing is left to claim and returns how many
// tasks were handled. Handler failures do not stop it; engine errors do.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		processed, err := w.ProcessOne(ctx)
		if processed {
			n++
		}
		var herr *HandlerError
		if err != nil && !errors.As(err, &herr) {
			return n, err
		}
		if !processed {
			return n, nil
		}
	}
}

// Run processes work until ctx is cancelled, sleeping PollInterval whenever
// the queue is empty. Engine errors are logged and retried after the poll
// interval.
func (w *Worker) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.log.ErrorContext(ctx, "worker error", slog.Any("error", err))
		}
		timer.Reset(w.cfg.PollInterval)
	}
}
