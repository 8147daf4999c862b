package snapshot

import (
	"fmt"
	"time"

	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// Op is the kind of mutation carried by an Entry.
type Op uint8

const (
	OpAddConcept Op = iota + 1
	OpAddAssociation
	OpUpdateStrength
	OpDeleteConcept
)

func (o Op) String() string {
	switch o {
	case OpAddConcept:
		return "add_concept"
	case OpAddAssociation:
		return "add_association"
	case OpUpdateStrength:
		return "update_strength"
	case OpDeleteConcept:
		return "delete_concept"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Half selects which adjacency index of a shard an association lands in.
// A cross-shard edge is stored as the outgoing half on the source's shard
// and the incoming half on the target's shard.
type Half uint8

const (
	HalfBoth     Half = 0
	HalfOutgoing Half = 1
	HalfIncoming Half = 2
)

// TxID identifies the distributed transaction an entry belongs to.
type TxID [16]byte

// IsZero reports whether no transaction is attached.
func (t TxID) IsZero() bool { return t == TxID{} }

// Entry is one shard mutation. Sequence and Timestamp are assigned when the
// entry is accepted; everything else is the operation payload.
type Entry struct {
	Op        Op
	Sequence  uint64
	Timestamp int64 // unix nanoseconds
	TxID      TxID

	// AddConcept, UpdateStrength, DeleteConcept.
	ID         model.ConceptID
	Content    []byte
	Embedding  []float32
	Strength   float32
	Confidence float32

	// AddAssociation.
	Edge model.Association
	Half Half
}

// Transactional reports whether the entry is part of a 2PC commit.
func (e *Entry) Transactional() bool { return !e.TxID.IsZero() }

// Size estimates the in-memory footprint used for flush accounting.
func (e *Entry) Size() int64 {
	return int64(64 + len(e.Content) + 4*len(e.Embedding))
}

func unixTime(ns int64) time.Time { return time.Unix(0, ns).UTC() }
