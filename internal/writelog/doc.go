// Package writelog implements the bounded, non-blocking queue that absorbs
// write bursts in front of a shard's reconciler.
//
// The queue is a Vyukov-style ring: every slot carries its own turn marker
// and producers claim tail positions with CAS, so an Append that finds room
// takes no lock. A producer that finds the ring full evicts the oldest
// unpinned entry itself (drop-oldest) and retries; evictors and the consumer
// are serialized by a mutex. Pinned entries are never evicted and keep their
// position, so FIFO order and sequence order coincide. When only pinned
// entries remain, Append returns ErrFull.
package writelog
