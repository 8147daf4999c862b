package segment

import "slices"

// Policy picks the segments to compact next.
type Policy interface {
	// Pick returns the ids of the segments to merge, oldest first, or nil.
	Pick(segments []Info) []uint64
}

// TieredPolicy is a size-tiered compaction strategy. Segments are bucketed
// by size; once a bucket holds Threshold segments the oldest of them are
// merged, bounded by MaxBytes.
type TieredPolicy struct {
	Threshold int
	MaxBytes  int64
}

// DefaultTieredPolicy merges four similarly sized segments at a time.
func DefaultTieredPolicy() *TieredPolicy {
	return &TieredPolicy{Threshold: 4, MaxBytes: 2 << 30}
}

func (p *TieredPolicy) Pick(segments []Info) []uint64 {
	threshold := max(p.Threshold, 2)
	limit := p.MaxBytes
	if limit <= 0 {
		limit = 2 << 30
	}

	buckets := make(map[int][]Info)
	for _, s := range segments {
		b := bucket(s.Size)
		buckets[b] = append(buckets[b], s)
	}

	for b := 0; b < 4; b++ {
		segs := buckets[b]
		if len(segs) < threshold {
			continue
		}
		slices.SortFunc(segs, func(a, b Info) int {
			switch {
			case a.ID < b.ID:
				return -1
			case a.ID > b.ID:
				return 1
			}
			return 0
		})

		var (
			ids   []uint64
			total int64
		)
		for _, s := range segs {
			if total+s.Size > limit {
				break
			}
			ids = append(ids, s.ID)
			total += s.Size
		}
		if len(ids) >= 2 {
			return ids
		}
	}
	return nil
}

// Size buckets: [0,4MB), [4MB,64MB), [64MB,1GB), [1GB,∞).
func bucket(size int64) int {
	const mb = 1 << 20
	switch {
	case size < 4*mb:
		return 0
	case size < 64*mb:
		return 1
	case size < 1024*mb:
		return 2
	}
	return 3
}

// CanDropTombstones reports whether merging picked out of all may discard
// tombstones: no segment left out of the merge may hold a record that is
// older than something in the merge.
func CanDropTombstones(all []Info, picked []uint64) bool {
	in := make(map[uint64]bool, len(picked))
	var maxSeq uint64
	for _, id := range picked {
		in[id] = true
	}
	for _, s := range all {
		if in[s.ID] {
			maxSeq = max(maxSeq, s.MaxSequence)
		}
	}
	for _, s := range all {
		if in[s.ID] || s.Concepts+s.Associations == 0 {
			continue
		}
		if s.MinSequence <= maxSeq {
			return false
		}
	}
	return true
}
