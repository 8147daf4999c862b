package model

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// ConceptID is the fixed 16-byte identifier of a concept.
type ConceptID [16]byte

// ConceptIDFromUint64 places v big-endian in the low eight bytes.
func ConceptIDFromUint64(v uint64) ConceptID {
	var id ConceptID
	binary.BigEndian.PutUint64(id[8:], v)
	return id
}

// ParseConceptID decodes a 32-character hex string.
func ParseConceptID(s string) (ConceptID, error) {
	var id ConceptID
	if hex.DecodedLen(len(s)) != len(id) {
		return id, fmt.Errorf("concept id %q: want %d hex characters", s, 2*len(id))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("concept id %q: %w", s, err)
	}
	return id, nil
}

// IsZero reports whether id is the all-zero id, which is never valid.
func (id ConceptID) IsZero() bool { return id == ConceptID{} }

// Compare orders ids bytewise.
func (id ConceptID) Compare(other ConceptID) int { return bytes.Compare(id[:], other[:]) }

func (id ConceptID) String() string { return hex.EncodeToString(id[:]) }

// AssociationType classifies an edge.
type AssociationType uint8

const (
	AssociationSemantic AssociationType = iota
	AssociationCausal
	AssociationTemporal
	AssociationHierarchical
	AssociationCompositional
)

// Valid reports whether t is one of the defined types.
func (t AssociationType) Valid() bool { return t <= AssociationCompositional }

func (t AssociationType) String() string {
	switch t {
	case AssociationSemantic:
		return "semantic"
	case AssociationCausal:
		return "causal"
	case AssociationTemporal:
		return "temporal"
	case AssociationHierarchical:
		return "hierarchical"
	case AssociationCompositional:
		return "compositional"
	default:
		return fmt.Sprintf("AssociationType(%d)", uint8(t))
	}
}

// Concept is a node of the knowledge graph.
//
// AccessCount counts how often the concept was learned; LastAccessed is the
// time of the latest write that touched it. Reads never modify a concept.
type Concept struct {
	ID           ConceptID
	Content      []byte
	Embedding    []float32
	Strength     float32
	Confidence   float32
	AccessCount  uint32
	CreatedAt    time.Time
	LastAccessed time.Time
	// ContentOffset and EmbeddingOffset locate the payloads inside the sealed
	// segment that last persisted the concept; zero while only in memory.
	ContentOffset   uint64
	EmbeddingOffset uint64
	// Sequence is the shard sequence of the write that produced this version.
	Sequence uint64
}

// Clone returns a deep copy.
func (c *Concept) Clone() *Concept {
	if c == nil {
		return nil
	}
	out := *c
	if c.Content != nil {
		out.Content = append([]byte(nil), c.Content...)
	}
	if c.Embedding != nil {
		out.Embedding = append([]float32(nil), c.Embedding...)
	}
	return &out
}

// EdgeKey identifies a directed edge.
type EdgeKey struct {
	Source ConceptID
	Target ConceptID
}

// Compare orders keys by source, then target.
func (k EdgeKey) Compare(other EdgeKey) int {
	if c := k.Source.Compare(other.Source); c != 0 {
		return c
	}
	return k.Target.Compare(other.Target)
}

// Association is a directed, typed edge between two concepts.
type Association struct {
	Source     ConceptID
	Target     ConceptID
	Type       AssociationType
	Confidence float32
	Weight     float32
	CreatedAt  time.Time
	LastUsed   time.Time
	Sequence   uint64
}

// Key returns the edge identity.
func (a *Association) Key() EdgeKey { return EdgeKey{Source: a.Source, Target: a.Target} }

// Direction selects which edges a neighbor query follows.
type Direction uint8

const (
	Outgoing Direction = iota
	Incoming
	Both
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Neighbor is one adjacent concept and the edge that links it.
type Neighbor struct {
	ID          ConceptID
	Association Association
	// Incoming is true when the edge points at the queried concept.
	Incoming bool
}

// SearchResult is one vector search hit. Lower Distance is closer.
type SearchResult struct {
	ID       ConceptID
	Distance float32
}

// Path is a sequence of concepts joined by outgoing edges.
type Path []ConceptID
