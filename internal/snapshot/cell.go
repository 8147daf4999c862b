package snapshot

import "sync/atomic"

// Cell publishes snapshots. Load is a single atomic read and never blocks.
type Cell struct {
	p atomic.Pointer[Snapshot]
}

// NewCell returns a cell holding s (or the empty snapshot).
func NewCell(s *Snapshot) *Cell {
	if s == nil {
		s = Empty()
	}
	c := &Cell{}
	c.p.Store(s)
	return c
}

// Load returns the current snapshot.
func (c *Cell) Load() *Snapshot { return c.p.Load() }

// Store publishes s.
func (c *Cell) Store(s *Snapshot) { c.p.Store(s) }

// CompareAndSwap publishes next only if old is still current.
func (c *Cell) CompareAndSwap(old, next *Snapshot) bool {
	return c.p.CompareAndSwap(old, next)
}
