package sharding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// State is the lifecycle position of a transaction.
type State uint8

const (
	StatePreparing State = iota + 1
	StatePrepared
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StatePrepared:
		return "prepared"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool { return s == StateCommitted || s == StateAborted }

// Transaction is one cross-shard edge write.
type Transaction struct {
	ID          uuid.UUID         `msgpack:"id"`
	Edge        model.Association `msgpack:"edge"`
	SourceShard int               `msgpack:"source_shard"`
	TargetShard int               `msgpack:"target_shard"`
	State       State             `msgpack:"state"`
	StartedAt   time.Time         `msgpack:"started_at"`
	UpdatedAt   time.Time         `msgpack:"updated_at"`
}

// TxID returns the id in the form shards store with their entries.
func (t *Transaction) TxID() snapshot.TxID { return snapshot.TxID(t.ID) }

// Participant is a shard's side of the protocol. Prepare votes and reserves;
// Commit makes the half durable and visible and must be idempotent; Abort
// releases the reservation and refuses any later Prepare of the same id.
type Participant interface {
	Prepare(ctx context.Context, tx snapshot.TxID, edge model.Association, half snapshot.Half) error
	Commit(ctx context.Context, tx snapshot.TxID, edge model.Association, half snapshot.Half) error
	Abort(ctx context.Context, tx snapshot.TxID) error
}
