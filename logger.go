package sutra

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// Logger wraps slog.Logger with sutra-specific context.
// Field names are shared by every shard and the coordinator.
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
	return &Logger{Logger: slog.New(handler)}
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
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithShard adds a shard field to the logger.
func (l *Logger) WithShard(shard int) *Logger {
	return &Logger{Logger: l.Logger.With("shard", shard)}
}

// WithConcept adds a concept id field to the logger.
func (l *Logger) WithConcept(id model.ConceptID) *Logger {
	return &Logger{Logger: l.Logger.With("concept", id.String())}
}

// LogOpen logs the outcome of opening a database.
func (l *Logger) LogOpen(ctx context.Context, dir string, shards int, recovered int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"dir", dir,
			"shards", shards,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "database opened",
		"dir", dir,
		"shards", shards,
		"transactions_recovered", recovered,
		"elapsed", elapsed,
	)
}

// LogSearch logs a vector search.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.WarnContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogAssociation logs a cross-shard edge commit.
func (l *Logger) LogAssociation(ctx context.Context, a *model.Association, sourceShard, targetShard int, err error) {
	if err != nil {
		l.WarnContext(ctx, "cross-shard association failed",
			"source", a.Source.String(),
			"target", a.Target.String(),
			"source_shard", sourceShard,
			"target_shard", targetShard,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "cross-shard association committed",
			"source", a.Source.String(),
			"target", a.Target.String(),
			"source_shard", sourceShard,
			"target_shard", targetShard,
		)
	}
}
