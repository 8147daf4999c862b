package engine

import "errors"

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine: closed")

	// ErrDurability wraps WAL failures that outlasted the retry window.
	ErrDurability = errors.New("engine: durability failure")

	// ErrNoVectorIndex is returned by Search on a shard without a configured dimension.
	ErrNoVectorIndex = errors.New("engine: vector index disabled")

	// ErrDimensionChanged is returned by Open when the on-disk dimension
	// differs from the configured one.
	ErrDimensionChanged = errors.New("engine: dimension differs from stored shard")

	// ErrTxAborted is returned by Prepare and Commit for a transaction this
	// shard already aborted.
	ErrTxAborted = errors.New("engine: transaction aborted")

	// ErrPrepareConflict is returned when another transaction holds a
	// reservation for the same edge.
	ErrPrepareConflict = errors.New("engine: conflicting prepared transaction")

	// ErrReservationsFull is returned when the reservation table is at capacity.
	ErrReservationsFull = errors.New("engine: too many prepared transactions")
)
