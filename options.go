package sutra

import (
	"log/slog"
	"time"

	"github.com/nranjan2code/sutra-engine-sub008/internal/fs"
)

type options struct {
	config          Config
	metricsObserver MetricsObserver
	logger          *Logger
	fs              fs.FileSystem
}

// Option configures Open.
type Option func(*options)

// WithConfig replaces the whole configuration. Options applied after it
// still override individual fields.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithShards sets the number of shards. The count is fixed once the
// directory has been created, since ids are routed by hash modulo the count.
func WithShards(n int) Option {
	return func(o *options) {
		o.config.Shards = n
	}
}

// WithDimension sets the embedding dimension and enables the vector index.
// Zero disables embeddings and vector search.
func WithDimension(dim int) Option {
	return func(o *options) {
		o.config.Dimension = dim
	}
}

// WithWriteLogCapacity sets the per-shard write log capacity. When full, the
// oldest pending non-transactional write is dropped.
func WithWriteLogCapacity(n int) Option {
	return func(o *options) {
		o.config.WriteLogCapacity = n
	}
}

// WithReconcileInterval bounds the adaptive reconciler interval.
func WithReconcileInterval(minInterval, maxInterval time.Duration) Option {
	return func(o *options) {
		o.config.MinInterval = minInterval
		o.config.MaxInterval = maxInterval
	}
}

// WithFlushThreshold sets the unflushed delta that triggers a segment flush.
func WithFlushThreshold(bytes int64) Option {
	return func(o *options) {
		o.config.FlushThresholdBytes = bytes
	}
}

// WithPrepareTimeout bounds the prepare phase of cross-shard edges.
func WithPrepareTimeout(d time.Duration) Option {
	return func(o *options) {
		o.config.PrepareTimeout = d
	}
}

// WithLimits sets the input validation limits.
func WithLimits(limits ValidationLimits) Option {
	return func(o *options) {
		o.config.Limits = limits
	}
}

// WithMetricsObserver configures a metrics observer for every shard.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsObserver:
//
//	m := &sutra.BasicMetricsObserver{}
//	db, _ := sutra.Open("./data", sutra.WithMetricsObserver(m))
//	// ... use db ...
//	fmt.Println(m.GetStats().Flushes)
func WithMetricsObserver(mo MetricsObserver) Option {
	return func(o *options) {
		o.metricsObserver = mo
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	db, _ := sutra.Open("./data", sutra.WithLogger(sutra.NewJSONLogger(slog.LevelInfo)))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(cfg Config, optFns []Option) options {
	o := options{
		config:          cfg,
		metricsObserver: NoopMetricsObserver{},
		logger:          NoopLogger(),
		fs:              fs.Default,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsObserver == nil {
		o.metricsObserver = NoopMetricsObserver{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
