package snapshot

import (
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// VectorOp is an embedding change the vector index must mirror.
type VectorOp struct {
	ID     model.ConceptID
	Vector []float32 // nil means delete
}

// Changes summarizes what a Builder touched since it was created.
type Changes struct {
	Concepts map[model.ConceptID]struct{}
	Edges    map[model.EdgeKey]struct{}
	Vectors  []VectorOp
	Bytes    int64
}

// Builder derives a new snapshot from a base by applying entries in order.
// It is owned by a single goroutine.
type Builder struct {
	concepts  *conceptMap
	out       *adjMap
	in        *adjMap
	edges     int
	sequence  uint64
	timestamp int64
	changes   Changes
}

// NewBuilder starts from base; a nil base means an empty shard.
func NewBuilder(base *Snapshot) *Builder {
	if base == nil {
		base = Empty()
	}
	return &Builder{
		concepts:  base.concepts,
		out:       base.out,
		in:        base.in,
		edges:     base.edges,
		sequence:  base.sequence,
		timestamp: base.timestamp,
		changes: Changes{
			Concepts: make(map[model.ConceptID]struct{}),
			Edges:    make(map[model.EdgeKey]struct{}),
		},
	}
}

// Sequence is the last applied sequence.
func (b *Builder) Sequence() uint64 { return b.sequence }

// Apply mutates the pending state. Entries at or below the current
// sequence were already applied and are skipped, which makes replay
// idempotent. It reports whether the entry was applied.
func (b *Builder) Apply(e *Entry) bool {
	if e.Sequence <= b.sequence {
		return false
	}
	switch e.Op {
	case OpAddConcept:
		b.addConcept(e)
	case OpAddAssociation:
		b.addAssociation(e)
	case OpUpdateStrength:
		b.updateStrength(e)
	case OpDeleteConcept:
		b.deleteConcept(e.ID)
	}
	b.sequence = e.Sequence
	b.timestamp = e.Timestamp
	b.changes.Bytes += e.Size()
	return true
}

func (b *Builder) addConcept(e *Entry) {
	ts := unixTime(e.Timestamp)
	c := &model.Concept{
		ID:           e.ID,
		Content:      e.Content,
		Embedding:    e.Embedding,
		Strength:     e.Strength,
		Confidence:   e.Confidence,
		AccessCount:  1,
		CreatedAt:    ts,
		LastAccessed: ts,
		Sequence:     e.Sequence,
	}
	if prev, ok := b.concepts.Get(e.ID); ok {
		c.AccessCount = prev.AccessCount + 1
		c.CreatedAt = prev.CreatedAt
		if len(c.Embedding) == 0 {
			c.Embedding = prev.Embedding
		}
	}
	b.concepts = b.concepts.Set(e.ID, c)
	b.changes.Concepts[e.ID] = struct{}{}
	if len(e.Embedding) > 0 {
		b.changes.Vectors = append(b.changes.Vectors, VectorOp{ID: e.ID, Vector: e.Embedding})
	}
}

func (b *Builder) addAssociation(e *Entry) {
	ts := unixTime(e.Timestamp)
	a := e.Edge
	a.CreatedAt = ts
	a.LastUsed = ts
	a.Sequence = e.Sequence
	if prev, ok := lookup(b.out, a.Source, a.Target); ok {
		a.CreatedAt = prev.CreatedAt
	} else if prev, ok := lookup(b.in, a.Target, a.Source); ok {
		a.CreatedAt = prev.CreatedAt
	}
	b.putAssociation(&a, e.Half)
}

func (b *Builder) updateStrength(e *Entry) {
	prev, ok := b.concepts.Get(e.ID)
	if !ok {
		return
	}
	c := *prev
	c.Strength = e.Strength
	c.LastAccessed = unixTime(e.Timestamp)
	c.Sequence = e.Sequence
	b.concepts = b.concepts.Set(e.ID, &c)
	b.changes.Concepts[e.ID] = struct{}{}
}

// deleteConcept removes the concept and every edge incident to it, including
// edge halves whose other endpoint lives on a different shard.
func (b *Builder) deleteConcept(id model.ConceptID) {
	_, local := b.concepts.Get(id)
	if local {
		b.concepts = b.concepts.Delete(id)
		b.changes.Vectors = append(b.changes.Vectors, VectorOp{ID: id})
	}
	b.changes.Concepts[id] = struct{}{}

	if targets, ok := b.out.Get(id); ok {
		itr := targets.Iterator()
		for !itr.Done() {
			target, _, _ := itr.Next()
			b.in = removeInner(b.in, target, id)
			b.edges--
			b.changes.Edges[model.EdgeKey{Source: id, Target: target}] = struct{}{}
		}
		b.out = b.out.Delete(id)
	}
	if sources, ok := b.in.Get(id); ok {
		itr := sources.Iterator()
		for !itr.Done() {
			source, _, _ := itr.Next()
			if _, had := lookup(b.out, source, id); had {
				b.out = removeInner(b.out, source, id)
				b.edges--
			}
			b.changes.Edges[model.EdgeKey{Source: source, Target: id}] = struct{}{}
		}
		b.in = b.in.Delete(id)
	}
	if local {
		return
	}
	// id lives on another shard: halves referring to it have no entry under
	// id itself and must be found by scanning.
	b.out = b.dropHalvesTo(b.out, id, true)
	b.in = b.dropHalvesTo(b.in, id, false)
}

func (b *Builder) dropHalvesTo(adj *adjMap, id model.ConceptID, outgoing bool) *adjMap {
	var owners []model.ConceptID
	itr := adj.Iterator()
	for !itr.Done() {
		owner, inner, _ := itr.Next()
		if _, ok := inner.Get(id); ok {
			owners = append(owners, owner)
		}
	}
	for _, owner := range owners {
		adj = removeInner(adj, owner, id)
		key := model.EdgeKey{Source: owner, Target: id}
		if outgoing {
			b.edges--
		} else {
			key = model.EdgeKey{Source: id, Target: owner}
		}
		b.changes.Edges[key] = struct{}{}
	}
	return adj
}

func removeInner(adj *adjMap, outerKey, innerKey model.ConceptID) *adjMap {
	inner, ok := adj.Get(outerKey)
	if !ok {
		return adj
	}
	inner = inner.Delete(innerKey)
	if inner.Len() == 0 {
		return adj.Delete(outerKey)
	}
	return adj.Set(outerKey, inner)
}

func setInner(adj *adjMap, outerKey, innerKey model.ConceptID, a *model.Association) *adjMap {
	inner, ok := adj.Get(outerKey)
	if !ok {
		inner = newEdgeMap()
	}
	return adj.Set(outerKey, inner.Set(innerKey, a))
}

// PutConcept installs c as-is. Used when loading sealed segments.
func (b *Builder) PutConcept(c *model.Concept) {
	b.concepts = b.concepts.Set(c.ID, c)
}

// PutAssociation installs a as-is into the requested halves.
func (b *Builder) PutAssociation(a *model.Association, half Half) {
	b.putAssociation(a, half)
}

func (b *Builder) putAssociation(a *model.Association, half Half) {
	if half == HalfBoth || half == HalfOutgoing {
		if _, ok := lookup(b.out, a.Source, a.Target); !ok {
			b.edges++
		}
		b.out = setInner(b.out, a.Source, a.Target, a)
	}
	if half == HalfBoth || half == HalfIncoming {
		b.in = setInner(b.in, a.Target, a.Source, a)
	}
	b.changes.Edges[a.Key()] = struct{}{}
}

// SetPosition overrides the sequence and timestamp, for recovery from a
// checkpoint whose log has been truncated.
func (b *Builder) SetPosition(seq uint64, ts int64) {
	b.sequence = seq
	b.timestamp = ts
}

// Changes returns what was touched so far.
func (b *Builder) Changes() Changes { return b.changes }

// Build freezes the pending state into a snapshot. The builder may keep
// applying entries afterwards; the returned snapshot is unaffected.
func (b *Builder) Build() *Snapshot {
	return &Snapshot{
		concepts:  b.concepts,
		out:       b.out,
		in:        b.in,
		edges:     b.edges,
		sequence:  b.sequence,
		timestamp: b.timestamp,
	}
}
