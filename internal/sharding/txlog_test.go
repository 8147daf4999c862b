package sharding

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nranjan2code/sutra-engine-sub008/model"
)

func TestTxLogPersistsPendingTransactions(t *testing.T) {
	path := filepath.Join(t.TempDir(), TxLogFileName)
	l, err := OpenTxLog(path)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	tx := &Transaction{
		ID:          uuid.New(),
		Edge:        model.Association{Source: model.ConceptIDFromUint64(1), Target: model.ConceptIDFromUint64(2), Type: model.AssociationTemporal, Confidence: 0.5, Weight: 0.25},
		SourceShard: 1,
		TargetShard: 3,
		State:       StateCommitting,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, l.Put(tx))
	done := &Transaction{ID: uuid.New(), State: StatePreparing, StartedAt: now, UpdatedAt: now}
	require.NoError(t, l.Put(done))
	require.NoError(t, l.Delete(done.ID))
	require.NoError(t, l.Close())

	l, err = OpenTxLog(path)
	require.NoError(t, err)
	defer l.Close()

	pending, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	got := pending[0]
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, tx.Edge.Source, got.Edge.Source)
	assert.Equal(t, tx.Edge.Target, got.Edge.Target)
	assert.Equal(t, tx.Edge.Type, got.Edge.Type)
	assert.Equal(t, StateCommitting, got.State)
	assert.Equal(t, 3, got.TargetShard)
	assert.True(t, now.Equal(got.StartedAt))

	_, ok, err := l.Get(done.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateCommitted.Terminal())
	assert.True(t, StateAborted.Terminal())
	assert.False(t, StateCommitting.Terminal())
	assert.Equal(t, "aborting", StateAborting.String())
}
