package schemareg

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/schemareg/deletion"
	"github.com/hupe1980/schemareg/model"
)

// Logger wraps slog.Logger with registry-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithSchema adds a schema field to the logger.
func (l *Logger) WithSchema(ref model.SchemaRef) *Logger {
	return &Logger{
		Logger: l.Logger.With("schema", ref.String()),
	}
}

// WithCaller adds the acting user and role.
func (l *Logger) WithCaller(caller string, role model.Role) *Logger {
	return &Logger{
		Logger: l.Logger.With("caller", caller, "role", string(role)),
	}
}

// LogLock logs a lock transition.
func (l *Logger) LogLock(ctx context.Context, op string, err error) {
	if err != nil {
		l.WarnContext(ctx, op+" rejected",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, op+" completed")
	}
}

// LogBeginImport logs the registration of staged batches.
func (l *Logger) LogBeginImport(ctx context.Context, batches, staged int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "begin import failed",
			"batches", batches,
			"staged", staged,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "import staged",
			"batches", batches,
			"staged", staged,
		)
	}
}

// LogResume logs one import run.
func (l *Logger) LogResume(ctx context.Context, r ImportResult, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "import run failed",
			"succeeded", r.Succeeded,
			"error", err,
		)
	case r.Remaining > 0:
		l.WarnContext(ctx, "import run completed with failures",
			"pending", r.Pending,
			"succeeded", r.Succeeded,
			"failed", r.Failed,
			"remaining", r.Remaining,
		)
	default:
		l.InfoContext(ctx, "import completed",
			"pending", r.Pending,
			"succeeded", r.Succeeded,
			"skipped", r.Skipped,
		)
	}
}

// LogDeletion logs a cascading deletion.
func (l *Logger) LogDeletion(ctx context.Context, target string, r deletion.Receipt, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, target+" deletion failed",
			"total_facts", r.TotalFacts,
			"error", err,
		)
	case !r.Complete():
		l.WarnContext(ctx, target+" deletion completed with failures",
			"total_facts", r.TotalFacts,
			"failed", r.FailedCount(),
		)
	default:
		l.InfoContext(ctx, target+" deleted",
			"loci", r.Loci,
			"alleles", r.Alleles,
			"total_facts", r.TotalFacts,
		)
	}
}
