package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/nranjan2code/sutra-engine-sub008/internal/fs"
	"github.com/nranjan2code/sutra-engine-sub008/internal/manifest"
	"github.com/nranjan2code/sutra-engine-sub008/internal/resource"
	"github.com/nranjan2code/sutra-engine-sub008/internal/segment"
	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/internal/vectorindex"
	"github.com/nranjan2code/sutra-engine-sub008/internal/wal"
	"github.com/nranjan2code/sutra-engine-sub008/internal/writelog"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// WALFileName is the name of the shard WAL inside the shard directory.
const WALFileName = "wal.log"

// Engine is one shard of the store.
type Engine struct {
	shard   int
	dir     string
	cfg     Config
	fs      fs.FileSystem
	logger  *slog.Logger
	metrics MetricsObserver
	rc      *resource.Controller
	policy  segment.Policy

	log    *writelog.Log[*snapshot.Entry]
	cell   *snapshot.Cell
	wal    *wal.WAL
	index  *vectorindex.Sharded // nil when Dimension is 0
	mstore *manifest.Store

	mu       sync.Mutex // guards manifest
	manifest *manifest.Manifest

	// Owned by the reconciler goroutine.
	pending       []*snapshot.Entry
	lastTimestamp int64
	dirtyConcepts map[model.ConceptID]struct{}
	dirtyEdges    map[model.EdgeKey]struct{}
	memHeld       int64
	memPressure   bool
	lastDropped   uint64
	tuner         *Tuner
	flushBackoff  *backoff.ExponentialBackOff
	flushRetryAt  time.Time
	flushSegID    uint64 // reserved by a failed flush, reused by the next

	unflushed atomic.Int64
	notify    *notifier
	wake      chan struct{}
	flushReq  chan chan error
	closeCh   chan struct{}
	done      chan struct{}

	closeMu    sync.RWMutex
	closed     atomic.Bool
	closeOnce  sync.Once
	compacting atomic.Bool
	bg         sync.WaitGroup

	tx txTable

	cycles      atomic.Uint64
	processed   atomic.Uint64
	flushes     atomic.Uint64
	compactions atomic.Uint64
	walErrors   atomic.Uint64
	lastWALErr  atomic.Pointer[string]
}

// Open opens or creates the shard stored in dir and starts its reconciler.
func Open(dir string, cfg Config, opts ...Option) (*Engine, error) {
	cfg.normalize()

	e := &Engine{
		shard:         cfg.Shard,
		dir:           dir,
		cfg:           cfg,
		fs:            fs.Default,
		logger:        slog.New(slog.DiscardHandler),
		metrics:       NoopMetricsObserver{},
		policy:        segment.DefaultTieredPolicy(),
		dirtyConcepts: make(map[model.ConceptID]struct{}),
		dirtyEdges:    make(map[model.EdgeKey]struct{}),
		tuner:         NewTuner(cfg.MinInterval, cfg.MaxInterval),
		flushBackoff:  newFlushBackoff(),
		wake:          make(chan struct{}, 1),
		flushReq:      make(chan chan error),
		closeCh:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("shard", cfg.Shard)
	e.tx = newTxTable(cfg.MaxReservations, cfg.ReservationTTL)

	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create shard dir: %w", err)
	}
	e.mstore = manifest.NewStore(e.fs, dir)
	e.log = writelog.New[*snapshot.Entry](cfg.WriteLogCapacity,
		writelog.WithPinned(func(en *snapshot.Entry) bool { return en.Transactional() }),
		writelog.WithOnDrop(func(uint64, *snapshot.Entry) { e.metrics.OnDrop(e.shard) }),
	)

	if err := e.recover(); err != nil {
		if e.index != nil {
			_ = e.index.Close()
		}
		return nil, err
	}

	go e.run()
	return e, nil
}

func (e *Engine) walPath() string { return filepath.Join(e.dir, WALFileName) }

// Shard returns the shard number.
func (e *Engine) Shard() int { return e.shard }

// Dir returns the shard directory.
func (e *Engine) Dir() string { return e.dir }

// Snapshot returns the latest published snapshot. It never blocks.
func (e *Engine) Snapshot() *snapshot.Snapshot { return e.cell.Load() }

// submit stamps the entry and appends it to the write log.
func (e *Engine) submit(en *snapshot.Entry) (uint64, error) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed.Load() {
		return 0, ErrClosed
	}
	en.Timestamp = time.Now().UnixNano()
	seq, err := e.log.Append(en)
	if err != nil {
		return 0, err
	}
	if e.log.Len() >= e.cfg.BatchSize {
		e.signal()
	}
	return seq, nil
}

// signal wakes the reconciler without blocking.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// LearnConcept accepts a concept upsert and returns its sequence.
func (e *Engine) LearnConcept(id model.ConceptID, content []byte, embedding []float32, strength, confidence float32) (uint64, error) {
	return e.submit(&snapshot.Entry{
		Op:         snapshot.OpAddConcept,
		ID:         id,
		Content:    content,
		Embedding:  embedding,
		Strength:   strength,
		Confidence: confidence,
	})
}

// AddAssociation accepts an edge upsert for the given half.
func (e *Engine) AddAssociation(a model.Association, half snapshot.Half) (uint64, error) {
	return e.submit(&snapshot.Entry{Op: snapshot.OpAddAssociation, Edge: a, Half: half})
}

// UpdateStrength accepts a strength change.
func (e *Engine) UpdateStrength(id model.ConceptID, strength float32) (uint64, error) {
	return e.submit(&snapshot.Entry{Op: snapshot.OpUpdateStrength, ID: id, Strength: strength})
}

// DeleteConcept accepts the removal of a concept and its incident edges.
func (e *Engine) DeleteConcept(id model.ConceptID) (uint64, error) {
	return e.submit(&snapshot.Entry{Op: snapshot.OpDeleteConcept, ID: id})
}

// Search runs a k-NN query against the shard vector index.
func (e *Engine) Search(ctx context.Context, query []float32, k, ef int) ([]vectorindex.Result, error) {
	if e.index == nil {
		return nil, ErrNoVectorIndex
	}
	return e.index.Search(ctx, query, k, ef)
}

// WaitForSequence blocks until a snapshot at or past seq is published and
// the vector index reflects it.
func (e *Engine) WaitForSequence(ctx context.Context, seq uint64) error {
	e.signal()
	return e.notify.wait(ctx, seq, e.done)
}

// Sync waits until every write accepted before the call is published.
func (e *Engine) Sync(ctx context.Context) error {
	return e.WaitForSequence(ctx, e.log.LastSequence())
}

// Flush publishes every accepted write and persists the delta as a sealed
// segment, moving the checkpoint forward.
func (e *Engine) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case e.flushReq <- reply:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compact merges every live segment into one, dropping tombstones.
func (e *Engine) Compact(ctx context.Context) error {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed.Load() {
		return ErrClosed
	}
	for !e.compacting.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	defer e.compacting.Store(false)

	segs := e.segments()
	if len(segs) < 2 {
		return nil
	}
	ids := make([]uint64, len(segs))
	for i, s := range segs {
		ids[i] = s.ID
	}
	return e.compact(ctx, ids, segs)
}

func (e *Engine) segments() []segment.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]segment.Info(nil), e.manifest.Segments...)
}

// Close stops the reconciler after it has published every accepted write,
// optionally flushes, and releases the shard files.
func (e *Engine) Close() error {
	var result error
	e.closeOnce.Do(func() {
		e.closeMu.Lock()
		e.closed.Store(true)
		e.closeMu.Unlock()

		close(e.closeCh)
		<-e.done
		e.bg.Wait()

		if err := e.wal.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if e.index != nil {
			if err := e.index.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		e.rc.ReleaseMemory(e.memHeld)
		e.memHeld = 0
		e.logger.Info("shard closed", "sequence", e.cell.Load().Sequence())
	})
	return result
}
