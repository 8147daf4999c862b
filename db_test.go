package sutra

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nranjan2code/sutra-engine-sub008/internal/engine"
	"github.com/nranjan2code/sutra-engine-sub008/internal/fs"
	"github.com/nranjan2code/sutra-engine-sub008/internal/sharding"
	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/internal/wal"
	"github.com/nranjan2code/sutra-engine-sub008/model"
	"github.com/nranjan2code/sutra-engine-sub008/testutil"
)

func openDB(t *testing.T, dir string, opts ...Option) *DB {
	t.Helper()
	db, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func id(v uint64) model.ConceptID { return model.ConceptIDFromUint64(v) }

// idsOn returns n ids owned by shard, starting the scan at from.
func idsOn(db *DB, shard int, from uint64, n int) []model.ConceptID {
	var out []model.ConceptID
	for v := from; len(out) < n; v++ {
		if db.ShardFor(id(v)) == shard {
			out = append(out, id(v))
		}
	}
	return out
}

func learn(t *testing.T, db *DB, cid model.ConceptID, content string) uint64 {
	t.Helper()
	seq, err := db.LearnConcept(testCtx(t), ConceptInput{ID: cid, Content: []byte(content), Strength: 0.5, Confidence: 0.5})
	require.NoError(t, err)
	return seq
}

func TestLearnThenQuery(t *testing.T) {
	db := openDB(t, t.TempDir())
	ctx := testCtx(t)

	seq, err := db.LearnConcept(ctx, ConceptInput{ID: id(1), Content: []byte("hello"), Strength: 1.0, Confidence: 0.9})
	require.NoError(t, err)
	require.NoError(t, db.WaitForSequence(ctx, id(1), seq))

	c, err := db.QueryConcept(id(1))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(c.Content))
	assert.Equal(t, float32(1.0), c.Strength)
	assert.Equal(t, float32(0.9), c.Confidence)

	_, err = db.QueryConcept(id(2))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryReturnsCopy(t *testing.T) {
	db := openDB(t, t.TempDir())
	seq := learn(t, db, id(1), "hello")
	require.NoError(t, db.WaitForSequence(testCtx(t), id(1), seq))

	c, err := db.QueryConcept(id(1))
	require.NoError(t, err)
	c.Content[0] = 'j'

	again, err := db.QueryConcept(id(1))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(again.Content))
}

func TestWriteLogDropsOldest(t *testing.T) {
	const capacity, total = 100_000, 150_000
	cfg := DefaultConfig()
	cfg.WriteLogCapacity = capacity
	cfg.BatchSize = 2 * total
	cfg.MinInterval, cfg.MaxInterval = time.Hour, time.Hour
	db := openDB(t, t.TempDir(), WithConfig(cfg))
	ctx := testCtx(t)

	for i := uint64(1); i <= total; i++ {
		_, err := db.LearnConcept(ctx, ConceptInput{ID: id(i), Strength: 0.5, Confidence: 0.5})
		require.NoError(t, err)
	}
	st := db.Stats()
	assert.Equal(t, uint64(total-capacity), st.Dropped)
	assert.Equal(t, uint64(capacity), st.Pending)

	require.NoError(t, db.Sync(ctx))
	st = db.Stats()
	assert.Equal(t, capacity, st.Concepts)
	for _, v := range []uint64{1, 25_000, total - capacity} {
		_, err := db.QueryConcept(id(v))
		assert.ErrorIs(t, err, ErrNotFound, "id %d", v)
	}
	for _, v := range []uint64{total - capacity + 1, 120_000, total} {
		_, err := db.QueryConcept(id(v))
		assert.NoError(t, err, "id %d", v)
	}
}

// blockingPrepare never answers Prepare before the deadline.
type blockingPrepare struct {
	*engine.Engine
}

func (blockingPrepare) Prepare(ctx context.Context, _ snapshot.TxID, _ model.Association, _ snapshot.Half) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCrossShardEdgeAbortsOnPrepareTimeout(t *testing.T) {
	db := openDB(t, t.TempDir(), WithShards(2))
	ctx := testCtx(t)
	x, y := idsOn(db, 0, 1, 1)[0], idsOn(db, 1, 1, 1)[0]
	learn(t, db, x, "x")
	learn(t, db, y, "y")
	require.NoError(t, db.Sync(ctx))

	db.coord = sharding.NewCoordinator(db.txlog,
		[]sharding.Participant{db.shards[0], blockingPrepare{db.shards[1]}},
		sharding.WithPrepareTimeout(50*time.Millisecond),
	)
	err := db.LearnAssociation(ctx, model.Association{Source: x, Target: y, Confidence: 0.8, Weight: 0.5})
	require.ErrorIs(t, err, ErrTransactionAborted)
	assert.True(t, IsRetryable(err))

	require.NoError(t, db.Sync(ctx))
	out, err := db.GetNeighbors(x, model.Outgoing)
	require.NoError(t, err)
	assert.Empty(t, out)
	in, err := db.GetNeighbors(y, model.Incoming)
	require.NoError(t, err)
	assert.Empty(t, in)
	assert.Zero(t, db.Stats().Edges)

	// The same edge commits once shard 1 answers again.
	db.coord = sharding.NewCoordinator(db.txlog, []sharding.Participant{db.shards[0], db.shards[1]})
	require.NoError(t, db.LearnAssociation(ctx, model.Association{Source: x, Target: y, Confidence: 0.8, Weight: 0.5}))
	out, err = db.GetNeighbors(x, model.Outgoing)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, y, out[0].ID)
	in, err = db.GetNeighbors(y, model.Incoming)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, x, in[0].ID)
	assert.Equal(t, 1, db.Stats().Edges)
}

func TestVectorIndexLoadsWithoutRebuild(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a 10,000 vector index")
	}
	const n, dim = 10_000, 384
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Shards = 2
	cfg.Dimension = dim
	cfg.Index.M = 12
	cfg.Index.EfConstruction = 64

	rng := testutil.NewRNG(42)
	vectors := rng.UnitVectors(n, dim)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := OpenWithConfig(dir, cfg)
	require.NoError(t, err)
	for i, vec := range vectors {
		_, err := db.LearnConcept(ctx, ConceptInput{ID: id(uint64(i + 1)), Embedding: vec, Strength: 0.5, Confidence: 0.5})
		require.NoError(t, err)
	}
	require.NoError(t, db.Flush(ctx))
	const query = 4242
	before, err := db.VectorSearch(ctx, vectors[query], 10, WithEf(128))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = openDB(t, dir, WithConfig(cfg))
	st := db.Stats()
	assert.Equal(t, 2, st.IndexesLoaded)
	assert.Equal(t, n, st.Vectors)
	for _, s := range st.Shards {
		assert.True(t, s.Index.Loaded)
		assert.False(t, s.Index.Rebuilt)
	}

	after, err := db.VectorSearch(ctx, vectors[query], 10, WithEf(128))
	require.NoError(t, err)
	require.Len(t, after, 10)
	assert.Equal(t, id(query+1), after[0].ID)
	assert.InDelta(t, 0, after[0].Distance, 1e-4)
	assert.Equal(t, before, after)
}

func TestTornWALTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.FlushOnClose = false

	db, err := OpenWithConfig(dir, cfg)
	require.NoError(t, err)
	for i := uint64(1); i <= 10; i++ {
		learn(t, db, id(i), "concept")
	}
	require.NoError(t, db.Sync(testCtx(t)))
	require.NoError(t, db.Close())

	walPath := filepath.Join(dir, shardDir(0), engine.WALFileName)
	info, err := os.Stat(walPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(walPath, info.Size()-5))

	db = openDB(t, dir, WithConfig(cfg))
	st := db.Stats()
	assert.Equal(t, 9, st.Concepts)
	assert.Equal(t, uint64(9), st.Shards[0].Snapshot.Sequence)
	_, err = db.QueryConcept(id(10))
	assert.ErrorIs(t, err, ErrNotFound)

	seq := learn(t, db, id(10), "again")
	assert.Equal(t, uint64(10), seq)
	require.NoError(t, db.WaitForSequence(testCtx(t), id(10), seq))
	c, err := db.QueryConcept(id(10))
	require.NoError(t, err)
	assert.Equal(t, "again", string(c.Content))

	// Only whole records remain after the restart.
	res, err := wal.Replay(fs.Default, walPath, 0, func(*wal.Record) error { return nil })
	require.NoError(t, err)
	assert.False(t, res.Corrupt)
}

func TestValidationRejectsBeforeQueueing(t *testing.T) {
	db := openDB(t, t.TempDir(), WithDimension(4))
	ctx := testCtx(t)
	nan := float32(0)
	nan = nan / nan

	cases := []struct {
		name  string
		in    ConceptInput
		field string
	}{
		{"zero id", ConceptInput{Strength: 0.5}, "id"},
		{"strength", ConceptInput{ID: id(1), Strength: 1.5}, "strength"},
		{"confidence", ConceptInput{ID: id(1), Confidence: -0.1}, "confidence"},
		{"dimension", ConceptInput{ID: id(1), Embedding: []float32{1, 0, 0}}, "embedding"},
		{"nan", ConceptInput{ID: id(1), Embedding: []float32{1, nan, 0, 0}}, "embedding"},
		{"zero vector", ConceptInput{ID: id(1), Embedding: make([]float32, 4)}, "embedding"},
		{"content", ConceptInput{ID: id(1), Content: make([]byte, DefaultLimits().MaxContentBytes+1)}, "content"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := db.LearnConcept(ctx, tc.in)
			require.ErrorIs(t, err, ErrInvalidArgument)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	err := db.LearnAssociation(ctx, model.Association{Source: id(1), Target: id(1)})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	err = db.LearnAssociation(ctx, model.Association{Source: id(1), Target: id(2), Type: 9})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = db.VectorSearch(ctx, []float32{1, 0, 0, 0}, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = db.FindPath(ctx, id(1), id(2), 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Zero(t, db.Stats().Written)
}

func TestVectorSearchWithoutDimension(t *testing.T) {
	db := openDB(t, t.TempDir())
	_, err := db.VectorSearch(testCtx(t), []float32{1}, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestVectorSearchAcrossShards(t *testing.T) {
	const dim = 16
	db := openDB(t, t.TempDir(), WithShards(3), WithDimension(dim))
	ctx := testCtx(t)
	rng := testutil.NewRNG(7)
	vectors := rng.UnitVectors(300, dim)
	ids := make([]model.ConceptID, len(vectors))
	for i, vec := range vectors {
		ids[i] = id(uint64(i + 1))
		_, err := db.LearnConcept(ctx, ConceptInput{ID: ids[i], Embedding: vec, Strength: 0.5, Confidence: 0.5})
		require.NoError(t, err)
	}
	require.NoError(t, db.Sync(ctx))

	query := rng.UnitVector(dim)
	got, err := db.VectorSearch(ctx, query, 10, WithEf(200))
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
	}

	truth := testutil.ExactTopK(query, ids, vectors, 10, testutil.Cosine)
	found := make([]model.ConceptID, len(got))
	for i, r := range got {
		found[i] = r.ID
	}
	assert.GreaterOrEqual(t, testutil.ComputeRecall(truth, found), 0.9)
}

func TestSameShardAssociation(t *testing.T) {
	db := openDB(t, t.TempDir(), WithShards(2))
	ctx := testCtx(t)
	ab := idsOn(db, 1, 1, 2)
	a, b := ab[0], ab[1]
	learn(t, db, a, "a")
	learn(t, db, b, "b")
	require.NoError(t, db.LearnAssociation(ctx, model.Association{Source: a, Target: b, Type: model.AssociationCausal, Confidence: 0.7, Weight: 0.3}))
	require.NoError(t, db.Sync(ctx))

	out, err := db.GetNeighbors(a, model.Outgoing)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, b, out[0].ID)
	assert.Equal(t, model.AssociationCausal, out[0].Association.Type)
	assert.Zero(t, db.Stats().Transactions.Committed)
}

func TestFindPath(t *testing.T) {
	db := openDB(t, t.TempDir(), WithShards(2))
	ctx := testCtx(t)
	local := idsOn(db, 0, 1, 5)
	a, b, c, d, e := local[0], local[1], local[2], local[3], local[4]
	x := idsOn(db, 1, 1, 1)[0]
	for _, cid := range append(local, x) {
		learn(t, db, cid, "node")
	}

	edge := func(from, to model.ConceptID) {
		require.NoError(t, db.LearnAssociation(ctx, model.Association{Source: from, Target: to, Confidence: 0.5, Weight: 0.5}))
	}
	edge(a, b)
	edge(b, c)
	edge(d, x)
	edge(x, e)
	require.NoError(t, db.Sync(ctx))

	path, err := db.FindPath(ctx, a, c, 3)
	require.NoError(t, err)
	assert.Equal(t, model.Path{a, b, c}, path)

	_, err = db.FindPath(ctx, a, c, 1)
	assert.ErrorIs(t, err, ErrNoPath)

	// The last hop may end on another shard.
	path, err = db.FindPath(ctx, d, x, 2)
	require.NoError(t, err)
	assert.Equal(t, model.Path{d, x}, path)

	_, err = db.FindPath(ctx, d, e, 4)
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestDeleteConceptDropsForeignHalves(t *testing.T) {
	db := openDB(t, t.TempDir(), WithShards(2))
	ctx := testCtx(t)
	d := idsOn(db, 0, 1, 1)[0]
	x := idsOn(db, 1, 1, 1)[0]
	learn(t, db, d, "d")
	learn(t, db, x, "x")
	require.NoError(t, db.LearnAssociation(ctx, model.Association{Source: d, Target: x, Confidence: 0.5, Weight: 0.5}))

	_, err := db.DeleteConcept(ctx, x)
	require.NoError(t, err)
	require.NoError(t, db.Sync(ctx))

	_, err = db.QueryConcept(x)
	assert.ErrorIs(t, err, ErrNotFound)
	out, err := db.GetNeighbors(d, model.Outgoing)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, db.Stats().Edges)
}

func TestUpdateStrength(t *testing.T) {
	db := openDB(t, t.TempDir())
	ctx := testCtx(t)
	learn(t, db, id(1), "a")
	seq, err := db.UpdateStrength(ctx, id(1), 0.25)
	require.NoError(t, err)
	require.NoError(t, db.WaitForSequence(ctx, id(1), seq))

	c, err := db.QueryConcept(id(1))
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), c.Strength)

	_, err = db.UpdateStrength(ctx, id(1), 2)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, WithShards(4))
	require.NoError(t, err)
	ctx := testCtx(t)
	for i := uint64(1); i <= 200; i++ {
		learn(t, db, id(i), "persisted")
	}
	require.NoError(t, db.Flush(ctx))
	for i := uint64(201); i <= 250; i++ {
		learn(t, db, id(i), "logged")
	}
	require.NoError(t, db.Close())

	db = openDB(t, dir, WithShards(4))
	assert.Equal(t, 250, db.Stats().Concepts)
	c, err := db.QueryConcept(id(250))
	require.NoError(t, err)
	assert.Equal(t, "logged", string(c.Content))
}

func TestReopenWithDifferentShardCount(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, WithShards(2))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(dir, WithShards(3))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClosedDatabase(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.LearnConcept(context.Background(), ConceptInput{ID: id(1)})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.QueryConcept(id(1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Flush(context.Background()), ErrClosed)
}

func TestMetricsObserverReceivesEvents(t *testing.T) {
	m := &BasicMetricsObserver{}
	db := openDB(t, t.TempDir(), WithShards(2), WithMetricsObserver(m))
	ctx := testCtx(t)
	x, y := idsOn(db, 0, 1, 1)[0], idsOn(db, 1, 1, 1)[0]
	learn(t, db, x, "x")
	learn(t, db, y, "y")
	require.NoError(t, db.LearnAssociation(ctx, model.Association{Source: x, Target: y, Confidence: 0.5, Weight: 0.5}))
	require.NoError(t, db.Flush(ctx))

	st := m.GetStats()
	assert.Positive(t, st.Cycles)
	assert.GreaterOrEqual(t, st.EntriesProcessed, int64(4))
	assert.Equal(t, int64(2), st.Flushes)
	assert.Equal(t, int64(1), st.TransactionsDone)
	assert.Equal(t, uint64(1), db.Stats().Transactions.Committed)
}

func TestCanceledContext(t *testing.T) {
	db := openDB(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := db.LearnConcept(ctx, ConceptInput{ID: id(1)})
	assert.ErrorIs(t, err, context.Canceled)

	dctx, dcancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer dcancel()
	_, err = db.LearnConcept(dctx, ConceptInput{ID: id(1)})
	assert.ErrorIs(t, err, ErrTimeout)
}
