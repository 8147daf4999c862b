package writelog

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrFull is returned when an entry could not be inserted even after
// evicting, or when every pending entry is pinned.
var ErrFull = errors.New("writelog: full")

// DefaultMaxAttempts bounds the evict-and-retry loop of Append.
const DefaultMaxAttempts = 64

type slot[T any] struct {
	seq atomic.Uint64 // ring turn marker
	num uint64        // sequence handed to the producer
	val T
}

// Item is a drained entry together with its sequence.
type Item[T any] struct {
	Seq   uint64
	Value T
}

// Stats is a point-in-time view of the queue counters.
type Stats struct {
	Written  uint64
	Dropped  uint64
	Pending  uint64
	Capacity uint64
}

// Option configures a Log.
type Option[T any] func(*Log[T])

// WithPinned marks entries that must never be dropped. Eviction skips them
// and they keep their position and sequence.
func WithPinned[T any](pinned func(T) bool) Option[T] {
	return func(l *Log[T]) { l.pinned = pinned }
}

// WithOnDrop registers a callback for every evicted entry.
func WithOnDrop[T any](fn func(seq uint64, v T)) Option[T] {
	return func(l *Log[T]) { l.onDrop = fn }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts[T any](n int) Option[T] {
	return func(l *Log[T]) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// Log is a bounded multi-producer queue with a single logical consumer.
type Log[T any] struct {
	slots       []slot[T]
	capacity    uint64
	maxAttempts int
	pinned      func(T) bool
	onDrop      func(uint64, T)

	// mu serializes evicting producers with the consumer. Appends that
	// find room never take it.
	mu sync.Mutex

	_   [64]byte
	enq atomic.Uint64
	_   [56]byte
	deq atomic.Uint64
	_   [56]byte

	base    atomic.Uint64
	written atomic.Uint64
	dropped atomic.Uint64
}

// New creates a log holding at most capacity pending entries.
func New[T any](capacity int, opts ...Option[T]) *Log[T] {
	if capacity < 1 {
		capacity = 1
	}
	l := &Log[T]{
		slots:       make([]slot[T], capacity),
		capacity:    uint64(capacity),
		maxAttempts: DefaultMaxAttempts,
	}
	for i := range l.slots {
		l.slots[i].seq.Store(uint64(i))
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetBase sets the sequence offset; the next accepted entry gets base+1.
// It must be called before any Append, typically right after recovery.
func (l *Log[T]) SetBase(base uint64) {
	l.base.Store(base - l.enq.Load())
}

// Append inserts v and returns its sequence. It never blocks: when the ring
// is full the oldest unpinned entry is evicted and the insert retried.
func (l *Log[T]) Append(v T) (uint64, error) {
	if seq, ok := l.tryEnqueue(v); ok {
		l.written.Add(1)
		return seq, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		if seq, ok := l.tryEnqueue(v); ok {
			l.written.Add(1)
			return seq, nil
		}
		switch l.evictLocked() {
		case evictAllPinned:
			return 0, ErrFull
		case evictBusy:
			// A producer has claimed a slot but not published it yet.
			runtime.Gosched()
		}
	}
	return 0, ErrFull
}

type evictResult int

const (
	evicted evictResult = iota
	evictBusy
	evictAllPinned
)

// evictLocked removes the oldest unpinned entry. Older pinned entries slide
// one slot towards the tail, so FIFO order and sequences are kept and the
// head slot is freed. l.mu must be held.
func (l *Log[T]) evictLocked() evictResult {
	head := l.deq.Load()
	tail := l.enq.Load()
	victim := head
	for ; victim < tail; victim++ {
		s := &l.slots[victim%l.capacity]
		if s.seq.Load() != victim+1 {
			return evictBusy
		}
		if l.pinned == nil || !l.pinned(s.val) {
			break
		}
	}
	if victim == tail {
		if tail-head >= l.capacity {
			return evictAllPinned
		}
		// Room appeared since the failed enqueue.
		return evicted
	}

	vs := &l.slots[victim%l.capacity]
	num, val := vs.num, vs.val
	for i := victim; i > head; i-- {
		dst, src := &l.slots[i%l.capacity], &l.slots[(i-1)%l.capacity]
		dst.num, dst.val = src.num, src.val
	}
	if _, _, ok := l.tryDequeue(); !ok {
		// Unreachable while l.mu is held: the head slot is published.
		return evictBusy
	}

	l.dropped.Add(1)
	if l.onDrop != nil {
		l.onDrop(num, val)
	}
	return evicted
}

// DrainBatch removes up to max entries in FIFO order without blocking.
func (l *Log[T]) DrainBatch(max int) []Item[T] {
	if max <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Item[T]
	for len(out) < max {
		v, num, ok := l.tryDequeue()
		if !ok {
			break
		}
		out = append(out, Item[T]{Seq: num, Value: v})
	}
	return out
}

// Len returns the number of pending entries.
func (l *Log[T]) Len() int {
	enq, deq := l.enq.Load(), l.deq.Load()
	if enq < deq {
		return 0
	}
	return int(enq - deq)
}

// Cap returns the capacity.
func (l *Log[T]) Cap() int { return int(l.capacity) }

// LastSequence returns the sequence handed to the most recent Append.
func (l *Log[T]) LastSequence() uint64 {
	return l.base.Load() + l.enq.Load()
}

// Stats returns the queue counters.
func (l *Log[T]) Stats() Stats {
	return Stats{
		Written:  l.written.Load(),
		Dropped:  l.dropped.Load(),
		Pending:  uint64(l.Len()),
		Capacity: l.capacity,
	}
}

// tryEnqueue claims the tail slot and returns the sequence of v.
func (l *Log[T]) tryEnqueue(v T) (uint64, bool) {
	pos := l.enq.Load()
	for {
		s := &l.slots[pos%l.capacity]
		seq := s.seq.Load()
		switch diff := int64(seq - pos); {
		case diff == 0:
			if l.enq.CompareAndSwap(pos, pos+1) {
				num := l.base.Load() + pos + 1
				s.num = num
				s.val = v
				s.seq.Store(pos + 1)
				return num, true
			}
		case diff < 0:
			return 0, false
		}
		pos = l.enq.Load()
	}
}

// tryDequeue pops the head entry and its sequence. Callers hold l.mu.
func (l *Log[T]) tryDequeue() (T, uint64, bool) {
	var zero T
	pos := l.deq.Load()
	for {
		s := &l.slots[pos%l.capacity]
		seq := s.seq.Load()
		switch diff := int64(seq - (pos + 1)); {
		case diff == 0:
			if l.deq.CompareAndSwap(pos, pos+1) {
				v, num := s.val, s.num
				s.val = zero
				s.seq.Store(pos + l.capacity)
				return v, num, true
			}
		case diff < 0:
			return zero, 0, false
		}
		pos = l.deq.Load()
	}
}
