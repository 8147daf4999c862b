package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nranjan2code/sutra-engine-sub008/internal/resource"
	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/internal/wal"
)

// closeDrainAttempts bounds how many failing cycles Close waits through
// before giving up on entries the WAL refuses.
const closeDrainAttempts = 3

// run is the reconciler loop. It is the only goroutine that appends to the
// WAL, builds snapshots and writes segments.
func (e *Engine) run() {
	defer close(e.done)

	timer := time.NewTimer(e.cfg.MinInterval)
	defer timer.Stop()

	for {
		select {
		case <-e.closeCh:
			e.shutdown()
			return
		case reply := <-e.flushReq:
			reply <- e.flushAll()
			e.maybeCompact()
		case <-e.wake:
		case <-timer.C:
		}

		e.step()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.tuner.Interval())
	}
}

// step runs one cycle and feeds the tuner.
func (e *Engine) step() {
	start := time.Now()
	n, err := e.cycle()

	dropped := e.log.Stats().Dropped
	e.tuner.Observe(Observation{
		Pending:   e.log.Len(),
		Capacity:  e.log.Cap(),
		Processed: n,
		Dropped:   dropped - e.lastDropped,
		Elapsed:   time.Since(start),
		WALError:  err != nil,
	})
	e.lastDropped = dropped
}

// cycle drains one batch, or retries the pending one, and publishes it.
// It returns the number of entries published.
func (e *Engine) cycle() (int, error) {
	batch := e.pending
	if len(batch) == 0 {
		items := e.log.DrainBatch(e.cfg.BatchSize)
		if len(items) == 0 {
			return 0, nil
		}
		batch = make([]*snapshot.Entry, len(items))
		for i, it := range items {
			en := it.Value
			en.Sequence = it.Seq
			// Timestamps follow sequence order even when producers raced.
			en.Timestamp = max(en.Timestamp, e.lastTimestamp)
			e.lastTimestamp = en.Timestamp
			batch[i] = en
		}
	}

	start := time.Now()
	if err := e.logBatch(batch); err != nil {
		e.pending = batch
		e.walErrors.Add(1)
		msg := err.Error()
		e.lastWALErr.Store(&msg)
		e.metrics.OnWALError(e.shard, err)
		e.logger.Error("wal append failed, batch kept pending", "entries", len(batch), "error", err)
		return 0, err
	}
	e.pending = nil

	e.apply(batch)
	e.cycles.Add(1)
	e.processed.Add(uint64(len(batch)))
	e.metrics.OnCycle(e.shard, len(batch), time.Since(start))

	e.maybeFlush()
	e.maybeCompact()
	return len(batch), nil
}

// logBatch appends batch to the WAL as one group commit, retrying with
// exponential backoff inside the configured window.
func (e *Engine) logBatch(batch []*snapshot.Entry) error {
	recs := make([]*wal.Record, len(batch))
	for i, en := range batch {
		recs[i] = &wal.Record{
			Sequence:  en.Sequence,
			Timestamp: en.Timestamp,
			Op:        uint8(en.Op),
			TxID:      [16]byte(en.TxID),
			Payload:   en.MarshalPayload(),
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = e.cfg.WALRetryWindow

	op := func() error {
		err := e.wal.AppendBatch(recs)
		if errors.Is(err, wal.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Warn("wal append retry", "entries", len(recs), "backoff", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("%w: %w", ErrDurability, err)
	}
	return nil
}

// apply builds and publishes the snapshot for a logged batch, mirrors its
// embedding changes into the vector index, and wakes waiters.
func (e *Engine) apply(batch []*snapshot.Entry) {
	b := snapshot.NewBuilder(e.cell.Load())
	for _, en := range batch {
		b.Apply(en)
	}
	next := b.Build()
	e.cell.Store(next)

	changes := b.Changes()
	if e.index != nil {
		for _, op := range changes.Vectors {
			var err error
			if op.Vector == nil {
				err = e.index.Delete(op.ID)
			} else {
				err = e.index.Insert(op.ID, op.Vector)
			}
			if err != nil {
				e.logger.Warn("vector index update failed", "concept", op.ID, "error", err)
			}
		}
	}
	for id := range changes.Concepts {
		e.dirtyConcepts[id] = struct{}{}
	}
	for key := range changes.Edges {
		e.dirtyEdges[key] = struct{}{}
	}
	e.unflushed.Add(changes.Bytes)
	if err := e.rc.AcquireMemory(changes.Bytes); errors.Is(err, resource.ErrMemoryLimitExceeded) {
		e.memPressure = true
	} else {
		e.memHeld += changes.Bytes
	}

	e.notify.publish(next.Sequence())
	for _, en := range batch {
		if en.Transactional() {
			e.tx.committed(en.TxID)
		}
	}
}

// maybeFlush writes a segment once the unflushed delta passes the threshold
// or the shared memory budget is exhausted. After a failure it waits out
// the flush backoff; an explicit Flush does not.
func (e *Engine) maybeFlush() {
	if e.unflushed.Load() < e.cfg.FlushThresholdBytes && !e.memPressure {
		return
	}
	if time.Now().Before(e.flushRetryAt) {
		return
	}
	_ = e.flush()
}

// flushAll publishes everything accepted so far and flushes.
func (e *Engine) flushAll() error {
	if err := e.drain(e.log.LastSequence(), 1); err != nil {
		return err
	}
	return e.flush()
}

// drain cycles until the snapshot reaches target or nothing is left to
// apply. A batch the WAL keeps refusing is retried attempts times before
// the error is returned.
func (e *Engine) drain(target uint64, attempts int) error {
	failures := 0
	for e.cell.Load().Sequence() < target && (e.log.Len() > 0 || len(e.pending) > 0) {
		if _, err := e.cycle(); err != nil {
			failures++
			if failures >= attempts {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) shutdown() {
	if err := e.drain(e.log.LastSequence(), closeDrainAttempts); err != nil {
		e.logger.Error("entries not durable at close", "entries", len(e.pending)+e.log.Len(), "error", err)
	}
	if e.cfg.FlushOnClose {
		if err := e.flush(); err != nil {
			e.logger.Error("flush on close failed", "error", err)
		}
	}
	if err := e.wal.Sync(); err != nil {
		e.logger.Error("wal sync on close failed", "error", err)
	}
	e.tx.closeWaiters()
}
