package snapshot

import (
	"time"

	"github.com/benbjohnson/immutable"

	"github.com/nranjan2code/sutra-engine-sub008/model"
)

type idComparer struct{}

func (idComparer) Compare(a, b model.ConceptID) int { return a.Compare(b) }

type (
	conceptMap = immutable.SortedMap[model.ConceptID, *model.Concept]
	edgeMap    = immutable.SortedMap[model.ConceptID, *model.Association]
	adjMap     = immutable.SortedMap[model.ConceptID, *edgeMap]
)

func newConceptMap() *conceptMap {
	return immutable.NewSortedMap[model.ConceptID, *model.Concept](idComparer{})
}

func newEdgeMap() *edgeMap {
	return immutable.NewSortedMap[model.ConceptID, *model.Association](idComparer{})
}

func newAdjMap() *adjMap {
	return immutable.NewSortedMap[model.ConceptID, *edgeMap](idComparer{})
}

// Snapshot is an immutable view of a shard's graph at one sequence.
// Pointers it returns are shared with other snapshots and must not be modified.
type Snapshot struct {
	concepts  *conceptMap
	out       *adjMap // source -> target -> edge
	in        *adjMap // target -> source -> edge
	edges     int
	sequence  uint64
	timestamp int64
}

// Empty returns the snapshot of a shard with no writes.
func Empty() *Snapshot {
	return &Snapshot{concepts: newConceptMap(), out: newAdjMap(), in: newAdjMap()}
}

// Sequence is the last mutation reflected by the snapshot.
func (s *Snapshot) Sequence() uint64 { return s.sequence }

// Timestamp is the time of the last mutation reflected by the snapshot.
func (s *Snapshot) Timestamp() time.Time {
	if s.timestamp == 0 {
		return time.Time{}
	}
	return unixTime(s.timestamp)
}

// TimestampNanos is Timestamp as unix nanoseconds, zero for an empty shard.
func (s *Snapshot) TimestampNanos() int64 { return s.timestamp }

// ConceptCount returns the number of concepts.
func (s *Snapshot) ConceptCount() int { return s.concepts.Len() }

// EdgeCount returns the number of outgoing edges stored by the shard.
func (s *Snapshot) EdgeCount() int { return s.edges }

// Concept looks up a concept.
func (s *Snapshot) Concept(id model.ConceptID) (*model.Concept, bool) {
	return s.concepts.Get(id)
}

// Association looks up an edge by its endpoints in either adjacency index.
func (s *Snapshot) Association(source, target model.ConceptID) (*model.Association, bool) {
	if a, ok := lookup(s.out, source, target); ok {
		return a, true
	}
	return lookup(s.in, target, source)
}

// HalfOf reports which adjacency indexes hold the edge.
func (s *Snapshot) HalfOf(key model.EdgeKey) (Half, bool) {
	_, inOut := lookup(s.out, key.Source, key.Target)
	_, inIn := lookup(s.in, key.Target, key.Source)
	switch {
	case inOut && inIn:
		return HalfBoth, true
	case inOut:
		return HalfOutgoing, true
	case inIn:
		return HalfIncoming, true
	default:
		return 0, false
	}
}

func lookup(adj *adjMap, a, b model.ConceptID) (*model.Association, bool) {
	inner, ok := adj.Get(a)
	if !ok {
		return nil, false
	}
	return inner.Get(b)
}

// Neighbors lists adjacent concepts ordered by id, outgoing before incoming.
func (s *Snapshot) Neighbors(id model.ConceptID, dir model.Direction) []model.Neighbor {
	var out []model.Neighbor
	if dir == model.Outgoing || dir == model.Both {
		if inner, ok := s.out.Get(id); ok {
			itr := inner.Iterator()
			for !itr.Done() {
				target, a, _ := itr.Next()
				out = append(out, model.Neighbor{ID: target, Association: *a})
			}
		}
	}
	if dir == model.Incoming || dir == model.Both {
		if inner, ok := s.in.Get(id); ok {
			itr := inner.Iterator()
			for !itr.Done() {
				source, a, _ := itr.Next()
				out = append(out, model.Neighbor{ID: source, Association: *a, Incoming: true})
			}
		}
	}
	return out
}

// Concepts visits every concept in id order until fn returns false.
func (s *Snapshot) Concepts(fn func(*model.Concept) bool) {
	itr := s.concepts.Iterator()
	for !itr.Done() {
		_, c, _ := itr.Next()
		if !fn(c) {
			return
		}
	}
}

// Associations visits every stored edge once, with the halves this shard
// holds, until fn returns false. Edges in the outgoing index come first in
// (source, target) order, then incoming-only halves in (target, source) order.
func (s *Snapshot) Associations(fn func(*model.Association, Half) bool) {
	outer := s.out.Iterator()
	for !outer.Done() {
		_, inner, _ := outer.Next()
		itr := inner.Iterator()
		for !itr.Done() {
			_, a, _ := itr.Next()
			half := HalfOutgoing
			if _, ok := lookup(s.in, a.Target, a.Source); ok {
				half = HalfBoth
			}
			if !fn(a, half) {
				return
			}
		}
	}
	// Incoming-only halves are not reachable from the outgoing index.
	outer = s.in.Iterator()
	for !outer.Done() {
		_, inner, _ := outer.Next()
		itr := inner.Iterator()
		for !itr.Done() {
			_, a, _ := itr.Next()
			if _, ok := lookup(s.out, a.Source, a.Target); ok {
				continue
			}
			if !fn(a, HalfIncoming) {
				return
			}
		}
	}
}
