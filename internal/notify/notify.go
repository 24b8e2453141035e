// Package notify forwards run outcomes to a notification sink.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/snarktank/antfarm/pkg/api"
)

// Observer is an api.Observer that turns terminal run events into
// notifications. Delivery failures are logged and dropped.
type Observer struct {
	notifier api.Notifier
	log      *slog.Logger
	now      func() time.Time
}

var _ api.Observer = (*Observer)(nil)

// NewObserver creates an Observer delivering to n. If logger is nil,
// slog.Default() is used.
func NewObserver(n api.Notifier, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{notifier: n, log: logger, now: time.Now}
}

func (o *Observer) OnEvent(ctx context.Context, ev api.Event) {
	if o.notifier == nil || !isOutcome(ev.Type) {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = o.now()
	}
	n := api.Notification{
		RunID:      ev.RunID,
		WorkflowID: ev.WorkflowID,
		Outcome:    ev.Type,
		Message:    Message(ev),
		At:         at,
	}
	if err := o.notifier.Notify(ctx, n); err != nil {
		o.log.WarnContext(ctx, "notification not delivered",
			slog.String("run_id", ev.RunID),
			slog.String("outcome", string(ev.Type)),
			slog.Any("error", err),
		)
	}
}

func isOutcome(t api.EventType) bool {
	switch t {
	case api.EventRunCompleted, api.EventRunFailed, api.EventRunCancelled:
		return true
	}
	return false
}

// Message renders the human readable text of an outcome event.
func Message(ev api.Event) string {
	var verb string
	switch ev.Type {
	case api.EventRunCompleted:
		verb = "completed"
	case api.EventRunFailed:
		verb = "failed"
	case api.EventRunCancelled:
		verb = "was cancelled"
	default:
		verb = string(ev.Type)
	}
	msg := fmt.Sprintf("run %s of %s %s", shortID(ev.RunID), ev.WorkflowID, verb)
	if ev.Detail != "" {
		msg += ": " + ev.Detail
	}
	return msg
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// LogNotifier writes notifications to a logger. It is the default sink
// when nothing else is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ api.Notifier = LogNotifier{}

func (l LogNotifier) Notify(ctx context.Context, n api.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if n.Outcome == api.EventRunFailed {
		level = slog.LevelWarn
	}
	logger.LogAttrs(ctx, level, n.Message,
		slog.String("run_id", n.RunID),
		slog.String("workflow", n.WorkflowID),
		slog.String("outcome", string(n.Outcome)),
	)
	return nil
}
