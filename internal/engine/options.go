package engine

import (
	"log/slog"
	"time"

	"github.com/nranjan2code/sutra-engine-sub008/internal/fs"
	"github.com/nranjan2code/sutra-engine-sub008/internal/resource"
	"github.com/nranjan2code/sutra-engine-sub008/internal/segment"
	"github.com/nranjan2code/sutra-engine-sub008/internal/vectorindex"
	"github.com/nranjan2code/sutra-engine-sub008/internal/wal"
)

const (
	DefaultWriteLogCapacity    = 100_000
	DefaultBatchSize           = 10_000
	DefaultMinInterval         = time.Millisecond
	DefaultMaxInterval         = 100 * time.Millisecond
	DefaultFlushThresholdBytes = 64 << 20
	DefaultWALRetryWindow      = 2 * time.Second
	DefaultMaxReservations     = 1024
	DefaultReservationTTL      = time.Minute
)

// Config holds the per-shard settings. Zero fields take the defaults above.
type Config struct {
	// Shard is the shard number, used in logs, metrics and the manifest.
	Shard int
	// Dimension of concept embeddings. 0 disables the vector index.
	Dimension int

	WriteLogCapacity int
	BatchSize        int
	MinInterval      time.Duration
	MaxInterval      time.Duration

	// FlushThresholdBytes is the unflushed delta that triggers a segment flush.
	FlushThresholdBytes int64
	// FlushOnClose writes the unflushed delta to a segment during Close.
	FlushOnClose bool

	Durability  wal.Durability
	Compression segment.Compression
	// WALRetryWindow bounds the backoff of one failing WAL append.
	WALRetryWindow time.Duration

	Index       vectorindex.Options
	IndexShards int

	MaxReservations int
	ReservationTTL  time.Duration
}

func (c *Config) normalize() {
	if c.WriteLogCapacity <= 0 {
		c.WriteLogCapacity = DefaultWriteLogCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = DefaultMaxInterval
		if c.MaxInterval < c.MinInterval {
			c.MaxInterval = c.MinInterval
		}
	}
	if c.FlushThresholdBytes <= 0 {
		c.FlushThresholdBytes = DefaultFlushThresholdBytes
	}
	if c.WALRetryWindow <= 0 {
		c.WALRetryWindow = DefaultWALRetryWindow
	}
	if c.IndexShards <= 0 {
		c.IndexShards = 1
	}
	if c.MaxReservations <= 0 {
		c.MaxReservations = DefaultMaxReservations
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	c.Index.Dimension = c.Dimension
}

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithFileSystem sets the file system used for every shard file.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(e *Engine) {
		e.fs = fsys
	}
}

// WithLogger sets the logger. The engine adds a shard attribute.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetricsObserver sets the metrics observer.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(e *Engine) {
		if observer != nil {
			e.metrics = observer
		}
	}
}

// WithResourceController sets the controller that bounds memory, background
// work and segment write bandwidth. Shards of one store share a controller.
func WithResourceController(rc *resource.Controller) Option {
	return func(e *Engine) {
		e.rc = rc
	}
}

// WithCompactionPolicy sets the policy that picks segments to merge.
func WithCompactionPolicy(p segment.Policy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}
