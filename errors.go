package sutra

import (
	"context"
	"errors"
	"fmt"

	"github.com/nranjan2code/sutra-engine-sub008/internal/engine"
	"github.com/nranjan2code/sutra-engine-sub008/internal/sharding"
	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/internal/vectorindex"
	"github.com/nranjan2code/sutra-engine-sub008/internal/writelog"
)

var (
	// ErrInvalidArgument is wrapped by every ValidationError.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrWriteLogFull is returned when a write could not be queued even after
	// evicting the oldest pending entry.
	ErrWriteLogFull = errors.New("write log full")

	// ErrTransactionAborted is returned when a cross-shard edge was rolled
	// back. Nothing was written; the call may be retried.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrCommitPending is returned when a cross-shard edge is committed but a
	// shard has not confirmed it yet. The commit is completed on the next Open.
	ErrCommitPending = errors.New("transaction committed, apply pending")

	// ErrNotSupported is returned for operations that would span shards,
	// such as multi-hop path finding across partitions.
	ErrNotSupported = errors.New("not supported")

	// ErrNotFound is returned when a concept does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoPath is returned when no path exists within the depth limit.
	ErrNoPath = errors.New("no path")

	// ErrTimeout is returned when a deadline passed during a search, a path
	// query or a cross-shard commit.
	ErrTimeout = errors.New("timeout")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("database closed")
)

// ValidationError describes rejected input. It wraps ErrInvalidArgument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is transient and the same call may succeed
// if repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionAborted) ||
		errors.Is(err, ErrWriteLogFull) ||
		errors.Is(err, ErrTimeout)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, engine.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, writelog.ErrFull):
		return fmt.Errorf("%w: %w", ErrWriteLogFull, err)
	case errors.Is(err, sharding.ErrAborted):
		return fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	case errors.Is(err, sharding.ErrCommitIncomplete):
		return fmt.Errorf("%w: %w", ErrCommitPending, err)
	case errors.Is(err, snapshot.ErrLeavesPartition):
		return fmt.Errorf("%w: %w", ErrNotSupported, err)
	case errors.Is(err, snapshot.ErrNoPath):
		return fmt.Errorf("%w: %w", ErrNoPath, err)
	case errors.Is(err, engine.ErrNoVectorIndex):
		return fmt.Errorf("%w: %w", ErrNotSupported, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var dm *vectorindex.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ValidationError{Field: "embedding", Reason: dm.Error()}
	}
	return err
}
