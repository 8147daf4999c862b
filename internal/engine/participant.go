package engine

import (
	"context"
	"sync"
	"time"

	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// rememberedTx bounds how many finished transactions a shard remembers for
// idempotent Commit and late-Prepare refusal.
const rememberedTx = 4096

type reservation struct {
	key model.EdgeKey
	at  time.Time
}

// txSet is a bounded set that forgets its oldest members first.
type txSet struct {
	members map[snapshot.TxID]struct{}
	order   []snapshot.TxID
	limit   int
}

func newTxSet(limit int) txSet {
	return txSet{members: make(map[snapshot.TxID]struct{}), limit: limit}
}

func (s *txSet) add(tx snapshot.TxID) {
	if _, ok := s.members[tx]; ok {
		return
	}
	if len(s.order) >= s.limit {
		delete(s.members, s.order[0])
		s.order = s.order[1:]
	}
	s.members[tx] = struct{}{}
	s.order = append(s.order, tx)
}

func (s *txSet) has(tx snapshot.TxID) bool {
	_, ok := s.members[tx]
	return ok
}

// txTable holds this shard's side of in-flight cross-shard transactions.
type txTable struct {
	mu       sync.Mutex
	limit    int
	ttl      time.Duration
	reserved map[snapshot.TxID]reservation
	byEdge   map[model.EdgeKey]snapshot.TxID
	waiters  map[snapshot.TxID]chan struct{}
	done     txSet
	aborted  txSet
	closed   bool
}

func newTxTable(limit int, ttl time.Duration) txTable {
	return txTable{
		limit:    limit,
		ttl:      ttl,
		reserved: make(map[snapshot.TxID]reservation),
		byEdge:   make(map[model.EdgeKey]snapshot.TxID),
		waiters:  make(map[snapshot.TxID]chan struct{}),
		done:     newTxSet(rememberedTx),
		aborted:  newTxSet(rememberedTx),
	}
}

func (t *txTable) release(tx snapshot.TxID) {
	if r, ok := t.reserved[tx]; ok {
		delete(t.reserved, tx)
		if t.byEdge[r.key] == tx {
			delete(t.byEdge, r.key)
		}
	}
}

// expire frees the slots of reservations whose coordinator never came
// back. The transaction is not marked aborted: after a yes vote only the
// coordinator decides, and a later Commit must still succeed.
func (t *txTable) expire(now time.Time) {
	for tx, r := range t.reserved {
		if now.Sub(r.at) > t.ttl {
			t.release(tx)
		}
	}
}

// committed is called by the reconciler once a transactional entry is in
// the WAL and published.
func (t *txTable) committed(tx snapshot.TxID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.release(tx)
	t.done.add(tx)
	if ch, ok := t.waiters[tx]; ok {
		close(ch)
		delete(t.waiters, tx)
	}
}

func (t *txTable) closeWaiters() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for tx, ch := range t.waiters {
		close(ch)
		delete(t.waiters, tx)
	}
}

// Reservations returns the number of prepared, undecided transactions.
func (e *Engine) Reservations() int {
	e.tx.mu.Lock()
	defer e.tx.mu.Unlock()
	return len(e.tx.reserved)
}

// Prepare votes on storing half of edge for tx. A yes vote reserves a slot
// that Commit or Abort releases. Repeating Prepare for the same tx is a
// no-op.
func (e *Engine) Prepare(ctx context.Context, tx snapshot.TxID, edge model.Association, half snapshot.Half) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrClosed
	}

	t := &e.tx
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.aborted.has(tx) {
		return ErrTxAborted
	}
	if _, ok := t.reserved[tx]; ok || t.done.has(tx) {
		return nil
	}
	now := time.Now()
	t.expire(now)
	key := edge.Key()
	if other, ok := t.byEdge[key]; ok && other != tx {
		return ErrPrepareConflict
	}
	if len(t.reserved) >= t.limit {
		return ErrReservationsFull
	}
	t.reserved[tx] = reservation{key: key, at: now}
	t.byEdge[key] = tx
	return nil
}

// Commit enqueues the transactional write and waits until it is in the
// WAL and published. It is idempotent, so a coordinator may re-drive it
// after a restart even without a prior Prepare.
func (e *Engine) Commit(ctx context.Context, tx snapshot.TxID, edge model.Association, half snapshot.Half) error {
	t := &e.tx
	t.mu.Lock()
	if t.done.has(tx) {
		t.mu.Unlock()
		return nil
	}
	if t.aborted.has(tx) {
		t.mu.Unlock()
		return ErrTxAborted
	}
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	ch, waiting := t.waiters[tx]
	if !waiting {
		ch = make(chan struct{})
		t.waiters[tx] = ch
	}
	t.mu.Unlock()

	if !waiting {
		en := &snapshot.Entry{Op: snapshot.OpAddAssociation, TxID: tx, Edge: edge, Half: half}
		if _, err := e.submit(en); err != nil {
			t.mu.Lock()
			if t.waiters[tx] == ch {
				delete(t.waiters, tx)
			}
			t.mu.Unlock()
			return err
		}
	}
	e.signal()

	select {
	case <-ch:
		t.mu.Lock()
		ok := t.done.has(tx)
		t.mu.Unlock()
		if !ok {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort releases the reservation of tx and refuses any later Prepare.
func (e *Engine) Abort(_ context.Context, tx snapshot.TxID) error {
	t := &e.tx
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done.has(tx) {
		return nil
	}
	t.release(tx)
	t.aborted.add(tx)
	return nil
}
