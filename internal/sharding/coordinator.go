package sharding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

const (
	// DefaultPrepareTimeout bounds the prepare phase.
	DefaultPrepareTimeout = 5 * time.Second

	redriveInitialInterval = 10 * time.Millisecond
	redriveMaxInterval     = time.Second
)

var (
	// ErrAborted is returned when a participant voted no or the prepare
	// phase timed out. The write had no effect and may be retried.
	ErrAborted = errors.New("sharding: transaction aborted")

	// ErrCommitIncomplete is returned when the commit decision is durable
	// but a participant has not confirmed it yet. The coordinator keeps
	// re-driving the commit in the background until Close, and Recover
	// picks it up after a restart.
	ErrCommitIncomplete = errors.New("sharding: commit decided but not yet applied")

	// ErrUnknownShard is returned for a shard number without participant.
	ErrUnknownShard = errors.New("sharding: unknown shard")
)

// TransactionObserver receives terminal transaction states.
type TransactionObserver interface {
	OnTransaction(state string, duration time.Duration)
}

// Stats counts coordinator outcomes.
type Stats struct {
	Committed  uint64
	Aborted    uint64
	Incomplete uint64
	Redriven   uint64
	Redriving  int
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithPrepareTimeout sets the prepare phase deadline.
func WithPrepareTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver sets the observer notified of terminal states.
func WithObserver(o TransactionObserver) CoordinatorOption {
	return func(c *Coordinator) {
		c.observer = o
	}
}

// Coordinator drives two-phase commit of cross-shard edges.
type Coordinator struct {
	log          *TxLog
	participants []Participant
	timeout      time.Duration
	logger       *slog.Logger
	observer     TransactionObserver

	// stopCtx is canceled by Close and bounds background re-drives.
	stopCtx  context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	closed   bool
	wg       sync.WaitGroup

	committed  atomic.Uint64
	aborted    atomic.Uint64
	incomplete atomic.Uint64
	redriven   atomic.Uint64
}

// NewCoordinator creates a coordinator over participants, indexed by shard.
func NewCoordinator(log *TxLog, participants []Participant, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		log:          log,
		participants: participants,
		timeout:      DefaultPrepareTimeout,
		logger:       slog.New(slog.DiscardHandler),
		inflight:     make(map[uuid.UUID]struct{}),
	}
	c.stopCtx, c.stop = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) participant(shard int) (Participant, error) {
	if shard < 0 || shard >= len(c.participants) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownShard, shard)
	}
	return c.participants[shard], nil
}

// CommitEdge writes the outgoing half of edge on sourceShard and the
// incoming half on targetShard atomically: both become visible or neither.
func (c *Coordinator) CommitEdge(ctx context.Context, edge model.Association, sourceShard, targetShard int) error {
	src, err := c.participant(sourceShard)
	if err != nil {
		return err
	}
	dst, err := c.participant(targetShard)
	if err != nil {
		return err
	}

	now := time.Now()
	t := &Transaction{
		ID:          uuid.New(),
		Edge:        edge,
		SourceShard: sourceShard,
		TargetShard: targetShard,
		State:       StatePreparing,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.transition(t, StatePreparing); err != nil {
		return err
	}

	if err := c.prepare(ctx, t, src, dst); err != nil {
		c.abort(ctx, t, src, dst, err)
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	t.State = StatePrepared

	// The durable Committing record is the commit point.
	if err := c.transition(t, StateCommitting); err != nil {
		c.abort(ctx, t, src, dst, err)
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if err := c.commit(ctx, t, src, dst); err != nil {
		c.incomplete.Add(1)
		c.logger.Warn("commit incomplete, will be re-driven", "tx", t.ID, "error", err)
		c.redriveLater(t, src, dst)
		return fmt.Errorf("%w: %w", ErrCommitIncomplete, err)
	}
	return nil
}

func (c *Coordinator) transition(t *Transaction, s State) error {
	t.State = s
	t.UpdatedAt = time.Now()
	if err := c.log.Put(t); err != nil {
		return fmt.Errorf("sharding: record %s: %w", s, err)
	}
	return nil
}

func (c *Coordinator) prepare(ctx context.Context, t *Transaction, src, dst Participant) error {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tx := t.TxID()
	g, gctx := errgroup.WithContext(pctx)
	g.Go(func() error {
		return src.Prepare(gctx, tx, t.Edge, snapshot.HalfOutgoing)
	})
	g.Go(func() error {
		return dst.Prepare(gctx, tx, t.Edge, snapshot.HalfIncoming)
	})
	err := g.Wait()
	if err == nil && pctx.Err() != nil {
		err = pctx.Err()
	}
	return err
}

func (c *Coordinator) commit(ctx context.Context, t *Transaction, src, dst Participant) error {
	tx := t.TxID()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return src.Commit(gctx, tx, t.Edge, snapshot.HalfOutgoing)
	})
	g.Go(func() error {
		return dst.Commit(gctx, tx, t.Edge, snapshot.HalfIncoming)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	t.State = StateCommitted
	if err := c.log.Delete(t.ID); err != nil {
		c.logger.Warn("forget committed transaction", "tx", t.ID, "error", err)
	}
	c.committed.Add(1)
	c.observe(t)
	c.logger.Debug("transaction committed", "tx", t.ID, "source_shard", t.SourceShard, "target_shard", t.TargetShard)
	return nil
}

// abort tells both participants to release the transaction. Abort is
// idempotent on the participants, so failures are logged and left to
// Recover.
func (c *Coordinator) abort(ctx context.Context, t *Transaction, src, dst Participant, cause error) {
	if err := c.transition(t, StateAborting); err != nil {
		c.logger.Warn("record abort", "tx", t.ID, "error", err)
	}

	// Abort must reach the participants even when ctx is what failed.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	var result error
	tx := t.TxID()
	if err := src.Abort(actx, tx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := dst.Abort(actx, tx); err != nil {
		result = multierror.Append(result, err)
	}
	if result != nil {
		c.logger.Warn("abort not confirmed, will be re-driven", "tx", t.ID, "error", result)
		return
	}

	t.State = StateAborted
	if err := c.log.Delete(t.ID); err != nil {
		c.logger.Warn("forget aborted transaction", "tx", t.ID, "error", err)
	}
	c.aborted.Add(1)
	c.observe(t)
	c.logger.Info("transaction aborted", "tx", t.ID, "cause", cause)
}

func (c *Coordinator) observe(t *Transaction) {
	if c.observer != nil {
		c.observer.OnTransaction(t.State.String(), time.Since(t.StartedAt))
	}
}

// Recover re-drives every unfinished transaction in the log: Committing
// ones to Commit, everything else to Abort. It returns how many were
// resolved.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	pending, err := c.log.Pending()
	if err != nil {
		return 0, err
	}

	resolved := 0
	var result error
	for _, t := range pending {
		src, err := c.participant(t.SourceShard)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		dst, err := c.participant(t.TargetShard)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		if c.redriving(t.ID) {
			continue
		}

		switch t.State {
		case StateCommitting:
			if err := c.commit(ctx, t, src, dst); err != nil {
				result = multierror.Append(result, fmt.Errorf("re-drive commit %s: %w", t.ID, err))
				c.redriveLater(t, src, dst)
				continue
			}
		default:
			c.abort(ctx, t, src, dst, errors.New("coordinator restarted before commit decision"))
			if t.State != StateAborted {
				continue
			}
		}
		resolved++
		c.redriven.Add(1)
		c.logger.Info("transaction re-driven", "tx", t.ID, "state", t.State)
	}
	return resolved, result
}

// redriveLater retries the commit of a decided transaction with
// exponential backoff until it succeeds or the coordinator is closed.
// At most one retry loop runs per transaction.
func (c *Coordinator) redriveLater(t *Transaction, src, dst Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.inflight[t.ID]; ok {
		return
	}
	c.inflight[t.ID] = struct{}{}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, t.ID)
			c.mu.Unlock()
		}()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = redriveInitialInterval
		b.MaxInterval = redriveMaxInterval
		b.MaxElapsedTime = 0

		op := func() error {
			return c.commit(c.stopCtx, t, src, dst)
		}
		notify := func(err error, wait time.Duration) {
			c.logger.Warn("commit re-drive retry", "tx", t.ID, "backoff", wait, "error", err)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(b, c.stopCtx), notify); err != nil {
			// Left in the log for Recover on the next open.
			c.logger.Warn("commit re-drive stopped", "tx", t.ID, "error", err)
			return
		}
		c.redriven.Add(1)
		c.logger.Info("transaction re-driven", "tx", t.ID, "state", t.State)
	}()
}

func (c *Coordinator) redriving(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[id]
	return ok
}

// Close stops background re-drives and waits for them to return.
// Unfinished commits stay in the log.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}

// Stats returns the outcome counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	redriving := len(c.inflight)
	c.mu.Unlock()
	return Stats{
		Committed:  c.committed.Load(),
		Aborted:    c.aborted.Load(),
		Incomplete: c.incomplete.Load(),
		Redriven:   c.redriven.Load(),
		Redriving:  redriving,
	}
}
