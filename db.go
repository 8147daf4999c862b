package sutra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/nranjan2code/sutra-engine-sub008/internal/engine"
	"github.com/nranjan2code/sutra-engine-sub008/internal/resource"
	"github.com/nranjan2code/sutra-engine-sub008/internal/sharding"
	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/internal/vectorindex"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

const shardDirPrefix = "shard-"

// recoverTimeout bounds the re-drive of unfinished transactions during Open.
const recoverTimeout = 30 * time.Second

// DB is a sharded graph store. Concepts are routed to shards by id hash;
// every shard runs its own write log, reconciler, WAL, segments and vector
// index. Edges whose endpoints live on different shards are written with
// two-phase commit.
//
// Writes return as soon as they are queued. Reads see the latest reconciled
// snapshot, which trails accepted writes by at most one reconciler cycle;
// use Sync or WaitForSequence to read your own writes.
//
// All methods are safe for concurrent use.
type DB struct {
	dir     string
	cfg     Config
	logger  *Logger
	metrics MetricsObserver
	valid   validator

	router *sharding.Router
	shards []*engine.Engine
	txlog  *sharding.TxLog
	coord  *sharding.Coordinator

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// Open opens or creates a database in dir with DefaultConfig adjusted by opts.
func Open(dir string, opts ...Option) (*DB, error) {
	return open(dir, DefaultConfig(), opts)
}

// OpenWithConfig opens or creates a database in dir with cfg.
func OpenWithConfig(dir string, cfg Config, opts ...Option) (*DB, error) {
	return open(dir, cfg, opts)
}

func open(dir string, cfg Config, opts []Option) (*DB, error) {
	start := time.Now()
	o := applyOptions(cfg, opts)
	c := o.config
	c.fillDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	metric, _ := vectorindex.ParseMetric(c.Index.Metric)

	db := &DB{
		dir:     dir,
		cfg:     c,
		logger:  o.logger,
		metrics: o.metricsObserver,
		valid:   validator{dimension: c.Dimension, cosine: metric == vectorindex.MetricCosine, limits: c.Limits},
		router:  sharding.NewRouter(c.Shards),
		shards:  make([]*engine.Engine, c.Shards),
	}

	ctx := context.Background()
	if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	if err := db.checkLayout(o); err != nil {
		db.logger.LogOpen(ctx, dir, c.Shards, 0, time.Since(start), err)
		return nil, err
	}

	rc := resource.NewController(c.resourceConfig())
	var g errgroup.Group
	for i := range db.shards {
		g.Go(func() error {
			e, err := engine.Open(filepath.Join(dir, shardDir(i)), c.engineConfig(i),
				engine.WithFileSystem(o.fs),
				engine.WithLogger(db.logger.Logger),
				engine.WithMetricsObserver(db.metrics),
				engine.WithResourceController(rc),
			)
			if err != nil {
				return fmt.Errorf("open shard %d: %w", i, err)
			}
			db.shards[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		db.closeShards()
		db.logger.LogOpen(ctx, dir, c.Shards, 0, time.Since(start), err)
		return nil, err
	}

	txlog, err := sharding.OpenTxLog(filepath.Join(dir, sharding.TxLogFileName))
	if err != nil {
		db.closeShards()
		db.logger.LogOpen(ctx, dir, c.Shards, 0, time.Since(start), err)
		return nil, err
	}
	db.txlog = txlog

	participants := make([]sharding.Participant, len(db.shards))
	for i, e := range db.shards {
		participants[i] = e
	}
	db.coord = sharding.NewCoordinator(txlog, participants,
		sharding.WithPrepareTimeout(c.PrepareTimeout),
		sharding.WithLogger(db.logger.Logger),
		sharding.WithObserver(db.metrics),
	)

	rctx, cancel := context.WithTimeout(ctx, recoverTimeout)
	recovered, err := db.coord.Recover(rctx)
	cancel()
	if err != nil {
		// Unresolved transactions stay in the log for the next Open.
		db.logger.Warn("transaction recovery incomplete", "error", err)
	}

	db.logger.LogOpen(ctx, dir, c.Shards, recovered, time.Since(start), nil)
	return db, nil
}

func shardDir(i int) string { return fmt.Sprintf("%s%02d", shardDirPrefix, i) }

// checkLayout refuses to reopen a directory with a different shard count,
// which would route existing ids to the wrong shards.
func (db *DB) checkLayout(o options) error {
	entries, err := o.fs.ReadDir(db.dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", db.dir, err)
	}
	existing := 0
	for _, de := range entries {
		if de.IsDir() && strings.HasPrefix(de.Name(), shardDirPrefix) {
			existing++
		}
	}
	if existing > 0 && existing != db.cfg.Shards {
		return invalid("shards", "directory has %d shards, configured %d", existing, db.cfg.Shards)
	}
	return nil
}

func (db *DB) check(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return translateError(ctx.Err())
}

func (db *DB) shardOf(id model.ConceptID) *engine.Engine {
	return db.shards[db.router.ShardFor(id)]
}

// ShardFor returns the shard that owns id.
func (db *DB) ShardFor(id model.ConceptID) int { return db.router.ShardFor(id) }

// Shards returns the shard count.
func (db *DB) Shards() int { return len(db.shards) }

// Dir returns the database directory.
func (db *DB) Dir() string { return db.dir }

// LearnConcept queues an upsert of a concept and returns its shard sequence.
// Re-learning an id replaces content and embedding and bumps AccessCount.
func (db *DB) LearnConcept(ctx context.Context, in ConceptInput) (uint64, error) {
	if err := db.check(ctx); err != nil {
		return 0, err
	}
	if err := db.valid.concept(&in); err != nil {
		return 0, err
	}
	seq, err := db.shardOf(in.ID).LearnConcept(in.ID, bytes.Clone(in.Content), slices.Clone(in.Embedding), in.Strength, in.Confidence)
	return seq, translateError(err)
}

// LearnAssociation writes a directed edge. Edges within one shard are queued
// like any other write. Edges across shards are committed atomically on both
// shards before LearnAssociation returns; on ErrTransactionAborted neither
// shard holds the edge and the call may be retried.
func (db *DB) LearnAssociation(ctx context.Context, a model.Association) error {
	if err := db.check(ctx); err != nil {
		return err
	}
	if err := db.valid.association(&a); err != nil {
		return err
	}
	a.CreatedAt, a.LastUsed, a.Sequence = time.Time{}, time.Time{}, 0

	src, dst := db.router.ShardFor(a.Source), db.router.ShardFor(a.Target)
	if src == dst {
		_, err := db.shards[src].AddAssociation(a, snapshot.HalfBoth)
		return translateError(err)
	}
	err := db.coord.CommitEdge(ctx, a, src, dst)
	db.logger.LogAssociation(ctx, &a, src, dst, err)
	return translateError(err)
}

// UpdateStrength queues a strength change. Unknown ids are ignored by the
// reconciler.
func (db *DB) UpdateStrength(ctx context.Context, id model.ConceptID, strength float32) (uint64, error) {
	if err := db.check(ctx); err != nil {
		return 0, err
	}
	if err := db.valid.id("id", id); err != nil {
		return 0, err
	}
	if err := unit("strength", strength); err != nil {
		return 0, err
	}
	seq, err := db.shardOf(id).UpdateStrength(id, strength)
	return seq, translateError(err)
}

// DeleteConcept queues the removal of a concept, its embedding and every
// incident edge, and returns the owning shard's sequence. Edge halves held
// by other shards are located through the owner's current snapshot.
func (db *DB) DeleteConcept(ctx context.Context, id model.ConceptID) (uint64, error) {
	if err := db.check(ctx); err != nil {
		return 0, err
	}
	if err := db.valid.id("id", id); err != nil {
		return 0, err
	}

	owner := db.router.ShardFor(id)
	foreign := map[int]struct{}{}
	for _, n := range db.shards[owner].Snapshot().Neighbors(id, model.Both) {
		if s := db.router.ShardFor(n.ID); s != owner {
			foreign[s] = struct{}{}
		}
	}

	seq, err := db.shards[owner].DeleteConcept(id)
	if err != nil {
		return 0, translateError(err)
	}
	var result error
	for s := range foreign {
		if _, err := db.shards[s].DeleteConcept(id); err != nil {
			result = multierror.Append(result, fmt.Errorf("shard %d: %w", s, translateError(err)))
		}
	}
	return seq, result
}

// Sync waits until every write accepted before the call is visible to reads.
func (db *DB) Sync(ctx context.Context) error {
	if err := db.check(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range db.shards {
		g.Go(func() error { return e.Sync(gctx) })
	}
	return translateError(g.Wait())
}

// WaitForSequence blocks until the shard owning id has published seq, as
// returned by a write on the same id.
func (db *DB) WaitForSequence(ctx context.Context, id model.ConceptID, seq uint64) error {
	if err := db.check(ctx); err != nil {
		return err
	}
	return translateError(db.shardOf(id).WaitForSequence(ctx, seq))
}

// Flush publishes every accepted write and persists it into sealed
// segments on every shard, truncating the WALs.
func (db *DB) Flush(ctx context.Context) error {
	if err := db.check(ctx); err != nil {
		return err
	}
	return translateError(db.eachShard(ctx, func(ctx context.Context, e *engine.Engine) error {
		return e.Flush(ctx)
	}))
}

// Compact merges the segments of every shard into one per shard.
func (db *DB) Compact(ctx context.Context) error {
	if err := db.check(ctx); err != nil {
		return err
	}
	return translateError(db.eachShard(ctx, func(ctx context.Context, e *engine.Engine) error {
		return e.Compact(ctx)
	}))
}

// eachShard runs fn on every shard in parallel and collects every failure.
func (db *DB) eachShard(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	var (
		mu     sync.Mutex
		result error
		wg     sync.WaitGroup
	)
	for i, e := range db.shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx, e); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("shard %d: %w", i, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return result
}

// Close stops every shard after draining accepted writes. It is safe to
// call more than once.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		if db.coord != nil {
			db.coord.Close()
		}
		var result error
		if err := db.closeShards(); err != nil {
			result = multierror.Append(result, err)
		}
		if db.txlog != nil {
			if err := db.txlog.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close transaction log: %w", err))
			}
		}
		db.closeErr = result
		if result != nil {
			db.logger.Error("close failed", "error", result)
		} else {
			db.logger.Info("database closed", "dir", db.dir)
		}
	})
	return db.closeErr
}

func (db *DB) closeShards() error {
	var result error
	for i, e := range db.shards {
		if e == nil {
			continue
		}
		if err := e.Close(); err != nil && !errors.Is(err, engine.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close shard %d: %w", i, err))
		}
	}
	return result
}
