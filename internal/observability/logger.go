// Package observability provides structured logging and in-memory metrics
// for the orchestrator daemon.
//
// Logger wraps log/slog with orchestrator-specific context fields
// (component, run, project). Metrics collects run latencies, evaluation
// scores, and dispatch/improvement counters.
package observability

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps slog with a persistent component name and extra fields.
type Logger struct {
	mu        sync.RWMutex
	inner     *slog.Logger
	component string
}

// NewLogger creates a structured logger for a given component
// ("dispatcher", "executor", "evaluator", "improvement", "supervisor").
// Output defaults to os.Stderr if w is nil.
func NewLogger(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return &Logger{
		inner:     slog.New(handler),
		component: component,
	}
}

// NewLoggerWithHandler creates a logger with a custom slog handler.
func NewLoggerWithHandler(component string, h slog.Handler) *Logger {
	return &Logger{
		inner:     slog.New(h),
		component: component,
	}
}

// With returns a new Logger with an additional persistent field.
func (l *Logger) With(key string, value any) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		inner:     l.inner.With(slog.Any(key, value)),
		component: l.component,
	}
}

func (l *Logger) attrs(args []any) []any {
	return append([]any{slog.String("component", l.component)}, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) {
	l.inner.Debug(msg, l.attrs(args)...)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) {
	l.inner.Info(msg, l.attrs(args)...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) {
	l.inner.Warn(msg, l.attrs(args)...)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) {
	l.inner.Error(msg, l.attrs(args)...)
}

// RunEvent logs a run lifecycle event (dispatched, created, completed, failed, reconciled_stale).
func (l *Logger) RunEvent(event, runID, taskID string, args ...any) {
	allArgs := append([]any{
		slog.String("component", l.component),
		slog.String("event", event),
		slog.String("run_id", runID),
		slog.String("task_id", taskID),
	}, args...)
	l.inner.Info("run", allArgs...)
}

// ImprovementEvent logs an improvement-engine trigger/apply/rollback event.
func (l *Logger) ImprovementEvent(event, projectID, triggerType string, args ...any) {
	allArgs := append([]any{
		slog.String("component", l.component),
		slog.String("event", event),
		slog.String("project_id", projectID),
		slog.String("trigger_type", triggerType),
	}, args...)
	l.inner.Info("improvement", allArgs...)
}

// Component returns the component name associated with this logger.
func (l *Logger) Component() string {
	return l.component
}
