package sutra

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nranjan2code/sutra-engine-sub008/internal/engine"
	"github.com/nranjan2code/sutra-engine-sub008/internal/resource"
	"github.com/nranjan2code/sutra-engine-sub008/internal/segment"
	"github.com/nranjan2code/sutra-engine-sub008/internal/sharding"
	"github.com/nranjan2code/sutra-engine-sub008/internal/vectorindex"
	"github.com/nranjan2code/sutra-engine-sub008/internal/wal"
)

// MaxShards bounds the shard count.
const MaxShards = 256

// IndexConfig configures the per-shard HNSW vector index.
type IndexConfig struct {
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search"`
	Metric         string `yaml:"metric"` // "cosine" or "l2"
	Quantize       bool   `yaml:"quantize"`
	// Shards splits each shard's index by id hash to spread write locking.
	Shards int `yaml:"shards"`
}

// Config is the complete database configuration. The shard count and
// dimension are fixed once a directory has been created.
type Config struct {
	Shards    int `yaml:"shards"`
	Dimension int `yaml:"dimension"`

	WriteLogCapacity int           `yaml:"write_log_capacity"`
	BatchSize        int           `yaml:"batch_size"`
	MinInterval      time.Duration `yaml:"min_interval"`
	MaxInterval      time.Duration `yaml:"max_interval"`

	FlushThresholdBytes int64         `yaml:"flush_threshold_bytes"`
	FlushOnClose        bool          `yaml:"flush_on_close"`
	Durability          string        `yaml:"durability"`  // "sync" or "async"
	Compression         string        `yaml:"compression"` // "none", "lz4" or "zstd"
	WALRetryWindow      time.Duration `yaml:"wal_retry_window"`

	Index IndexConfig `yaml:"index"`

	PrepareTimeout  time.Duration `yaml:"prepare_timeout"`
	MaxReservations int           `yaml:"max_reservations"`
	ReservationTTL  time.Duration `yaml:"reservation_ttl"`

	MemoryLimitBytes     int64 `yaml:"memory_limit_bytes"`
	MaxBackgroundWorkers int64 `yaml:"max_background_workers"`
	IOLimitBytesPerSec   int64 `yaml:"io_limit_bytes_per_sec"`

	Limits ValidationLimits `yaml:"limits"`
}

// DefaultConfig returns a single-shard configuration without a vector index.
func DefaultConfig() Config {
	return Config{
		Shards:              1,
		WriteLogCapacity:    engine.DefaultWriteLogCapacity,
		BatchSize:           engine.DefaultBatchSize,
		MinInterval:         engine.DefaultMinInterval,
		MaxInterval:         engine.DefaultMaxInterval,
		FlushThresholdBytes: engine.DefaultFlushThresholdBytes,
		FlushOnClose:        true,
		Durability:          "sync",
		Compression:         "none",
		WALRetryWindow:      engine.DefaultWALRetryWindow,
		Index: IndexConfig{
			M:              vectorindex.DefaultM,
			EfConstruction: vectorindex.DefaultEfConstruction,
			EfSearch:       vectorindex.DefaultEfSearch,
			Metric:         "cosine",
			Shards:         1,
		},
		PrepareTimeout:       sharding.DefaultPrepareTimeout,
		MaxReservations:      engine.DefaultMaxReservations,
		ReservationTTL:       engine.DefaultReservationTTL,
		MaxBackgroundWorkers: 1,
		Limits:               DefaultLimits(),
	}
}

// LoadConfig reads a YAML file. Keys absent from the file keep their
// DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// fillDefaults replaces zero values with their defaults, so a partially
// populated Config literal behaves like one derived from DefaultConfig.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Shards == 0 {
		c.Shards = d.Shards
	}
	if c.Index.M == 0 {
		c.Index.M = d.Index.M
	}
	if c.Index.EfConstruction == 0 {
		c.Index.EfConstruction = d.Index.EfConstruction
	}
	if c.Index.EfSearch == 0 {
		c.Index.EfSearch = d.Index.EfSearch
	}
	if c.PrepareTimeout == 0 {
		c.PrepareTimeout = d.PrepareTimeout
	}
	if c.ReservationTTL == 0 {
		c.ReservationTTL = d.ReservationTTL
	}
	if c.Limits == (ValidationLimits{}) {
		c.Limits = d.Limits
	}
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.Shards < 1 || c.Shards > MaxShards {
		errs = append(errs, invalid("shards", "must be in [1, %d], got %d", MaxShards, c.Shards))
	}
	if c.Dimension < 0 || c.Dimension > c.Limits.MaxDimension {
		errs = append(errs, invalid("dimension", "must be in [0, %d], got %d", c.Limits.MaxDimension, c.Dimension))
	}
	if c.WriteLogCapacity < 0 {
		errs = append(errs, invalid("write_log_capacity", "negative"))
	}
	if c.BatchSize < 0 {
		errs = append(errs, invalid("batch_size", "negative"))
	}
	if c.MinInterval < 0 || c.MaxInterval < 0 {
		errs = append(errs, invalid("interval", "negative"))
	} else if c.MaxInterval > 0 && c.MaxInterval < c.MinInterval {
		errs = append(errs, invalid("max_interval", "%s below min_interval %s", c.MaxInterval, c.MinInterval))
	}
	if _, err := parseDurability(c.Durability); err != nil {
		errs = append(errs, invalid("durability", "%v", err))
	}
	if _, err := segment.ParseCompression(c.Compression); err != nil {
		errs = append(errs, invalid("compression", "%v", err))
	}
	if _, err := vectorindex.ParseMetric(c.Index.Metric); err != nil {
		errs = append(errs, invalid("index.metric", "%v", err))
	}
	if c.Index.M < 0 || c.Index.EfConstruction < 0 || c.Index.EfSearch < 0 || c.Index.Shards < 0 {
		errs = append(errs, invalid("index", "negative parameter"))
	}
	if c.PrepareTimeout < 0 {
		errs = append(errs, invalid("prepare_timeout", "negative"))
	}
	// A reservation that expires while the coordinator may still be
	// collecting votes frees its slot before the decision arrives.
	if ttl, pt := c.reservationTTL(), c.prepareTimeout(); ttl <= pt {
		errs = append(errs, invalid("reservation_ttl", "%s must exceed prepare_timeout %s", ttl, pt))
	}
	if c.Limits.MaxContentBytes <= 0 || c.Limits.MaxK <= 0 || c.Limits.MaxPathDepth <= 0 || c.Limits.MaxDimension <= 0 {
		errs = append(errs, invalid("limits", "every limit must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) prepareTimeout() time.Duration {
	if c.PrepareTimeout == 0 {
		return sharding.DefaultPrepareTimeout
	}
	return c.PrepareTimeout
}

func (c *Config) reservationTTL() time.Duration {
	if c.ReservationTTL == 0 {
		return engine.DefaultReservationTTL
	}
	return c.ReservationTTL
}

func parseDurability(s string) (wal.Durability, error) {
	switch s {
	case "", "sync":
		return wal.DurabilitySync, nil
	case "async":
		return wal.DurabilityAsync, nil
	default:
		return 0, fmt.Errorf("unknown durability %q", s)
	}
}

// engineConfig derives the configuration of one shard. c must be valid.
func (c *Config) engineConfig(shard int) engine.Config {
	durability, _ := parseDurability(c.Durability)
	compression, _ := segment.ParseCompression(c.Compression)
	metric, _ := vectorindex.ParseMetric(c.Index.Metric)
	return engine.Config{
		Shard:               shard,
		Dimension:           c.Dimension,
		WriteLogCapacity:    c.WriteLogCapacity,
		BatchSize:           c.BatchSize,
		MinInterval:         c.MinInterval,
		MaxInterval:         c.MaxInterval,
		FlushThresholdBytes: c.FlushThresholdBytes,
		FlushOnClose:        c.FlushOnClose,
		Durability:          durability,
		Compression:         compression,
		WALRetryWindow:      c.WALRetryWindow,
		Index: vectorindex.Options{
			M:              c.Index.M,
			EfConstruction: c.Index.EfConstruction,
			EfSearch:       c.Index.EfSearch,
			Metric:         metric,
			Quantize:       c.Index.Quantize,
			Seed:           int64(shard) + 1,
		},
		IndexShards:     c.Index.Shards,
		MaxReservations: c.MaxReservations,
		ReservationTTL:  c.ReservationTTL,
	}
}

func (c *Config) resourceConfig() resource.Config {
	return resource.Config{
		MemoryLimitBytes:     c.MemoryLimitBytes,
		MaxBackgroundWorkers: c.MaxBackgroundWorkers,
		IOLimitBytesPerSec:   c.IOLimitBytesPerSec,
	}
}
