// Package logging builds the process logger from configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/snarktank/antfarm/internal/config"
)

// New creates a logger writing to w, teeing into the configured log file.
// The returned closer is nil when no file is open.
func New(cfg *config.Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	if w == nil {
		w = os.Stderr
	}
	level := ParseLevel(cfg.Logging.Level)

	var closer io.Closer
	if path := cfg.LogFile(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, err
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		closer = file
		w = io.MultiWriter(w, file)
	}

	return slog.New(newHandler(cfg.Logging.Format, w, level)), closer, nil
}

// NewForTest creates a silent logger for tests.
func NewForTest() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// ParseLevel converts a config log level to slog.Level. Unknown levels map
// to info.
func ParseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(format config.LogFormat, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// WithRun returns a logger with run context.
func WithRun(logger *slog.Logger, runID, workflowID string) *slog.Logger {
	return logger.With("run_id", runID, "workflow", workflowID)
}

// WithAgent returns a logger with agent context.
func WithAgent(logger *slog.Logger, agentID string) *slog.Logger {
	return logger.With("agent", agentID)
}
