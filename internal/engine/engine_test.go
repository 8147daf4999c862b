package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nranjan2code/sutra-engine-sub008/internal/fs"
	"github.com/nranjan2code/sutra-engine-sub008/internal/segment"
	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/internal/vectorindex"
	"github.com/nranjan2code/sutra-engine-sub008/model"
	"github.com/nranjan2code/sutra-engine-sub008/testutil"
)

const testDim = 8

func testConfig() Config {
	return Config{
		Dimension: testDim,
		Index:     vectorindex.Options{M: 8, EfConstruction: 64, EfSearch: 32},
	}
}

func openEngine(t *testing.T, dir string, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(dir, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func id(v uint64) model.ConceptID { return model.ConceptIDFromUint64(v) }

func learnN(t *testing.T, e *Engine, from, to uint64, rng *testutil.RNG) uint64 {
	t.Helper()
	var last uint64
	for i := from; i <= to; i++ {
		seq, err := e.LearnConcept(id(i), testutil.Content(int(i)), rng.UnitVector(testDim), 0.5, 0.9)
		require.NoError(t, err)
		last = seq
	}
	return last
}

func marshal(t *testing.T, s *snapshot.Snapshot) []byte {
	t.Helper()
	b, err := s.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestLearnAndReadYourWrites(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	ctx := ctxTimeout(t)

	seq, err := e.LearnConcept(id(1), []byte("alpha"), nil, 0.7, 0.8)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	_, err = e.LearnConcept(id(2), []byte("beta"), nil, 0.1, 0.2)
	require.NoError(t, err)
	seq, err = e.AddAssociation(model.Association{Source: id(1), Target: id(2), Type: model.AssociationCausal, Confidence: 0.9, Weight: 1}, snapshot.HalfBoth)
	require.NoError(t, err)

	require.NoError(t, e.WaitForSequence(ctx, seq))
	snap := e.Snapshot()
	assert.Equal(t, seq, snap.Sequence())
	assert.Equal(t, 2, snap.ConceptCount())
	assert.Equal(t, 1, snap.EdgeCount())

	c, ok := snap.Concept(id(1))
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), c.Content)
	assert.InDelta(t, 0.7, c.Strength, 1e-6)

	n := snap.Neighbors(id(1), model.Outgoing)
	require.Len(t, n, 1)
	assert.Equal(t, id(2), n[0].ID)
}

func TestSnapshotsAreImmutable(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	ctx := ctxTimeout(t)

	seq := learnN(t, e, 1, 10, testutil.NewRNG(1))
	require.NoError(t, e.WaitForSequence(ctx, seq))
	before := e.Snapshot()
	encoded := marshal(t, before)

	seq = learnN(t, e, 11, 20, testutil.NewRNG(2))
	_, err := e.DeleteConcept(id(3))
	require.NoError(t, err)
	require.NoError(t, e.Sync(ctx))

	assert.Equal(t, 10, before.ConceptCount())
	assert.Equal(t, encoded, marshal(t, before))
	assert.Equal(t, 19, e.Snapshot().ConceptCount())
	assert.Greater(t, e.Snapshot().Sequence(), seq)
}

func TestBackpressureKeepsNewestEntries(t *testing.T) {
	const capacity = 100_000
	const total = 150_000

	cfg := testConfig()
	cfg.Dimension = 0
	cfg.WriteLogCapacity = capacity
	cfg.BatchSize = 2 * total
	cfg.MinInterval = time.Hour
	cfg.MaxInterval = time.Hour
	e := openEngine(t, t.TempDir(), cfg)

	for i := uint64(1); i <= total; i++ {
		seq, err := e.LearnConcept(id(i), nil, nil, 0.5, 0.5)
		require.NoError(t, err)
		require.Equal(t, i, seq)
	}
	st := e.Stats()
	assert.Equal(t, uint64(total), st.WriteLog.Written)
	assert.Equal(t, uint64(total-capacity), st.WriteLog.Dropped)

	require.NoError(t, e.Sync(ctxTimeout(t)))
	snap := e.Snapshot()
	assert.Equal(t, capacity, snap.ConceptCount())
	assert.Equal(t, uint64(total), snap.Sequence())

	for _, i := range []uint64{1, 25_000, total - capacity} {
		_, ok := snap.Concept(id(i))
		assert.False(t, ok, "concept %d should have been evicted", i)
	}
	for _, i := range []uint64{total - capacity + 1, 120_000, total} {
		c, ok := snap.Concept(id(i))
		require.True(t, ok, "concept %d should be retained", i)
		assert.Equal(t, i, c.Sequence)
	}
}

func TestRecoveryFromWALIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	rng := testutil.NewRNG(3)

	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	learnN(t, e, 1, 50, rng)
	for i := uint64(1); i < 50; i++ {
		_, err := e.AddAssociation(model.Association{Source: id(i), Target: id(i + 1), Type: model.AssociationSemantic, Confidence: 0.5, Weight: 0.5}, snapshot.HalfBoth)
		require.NoError(t, err)
	}
	_, err = e.UpdateStrength(id(7), 0.99)
	require.NoError(t, err)
	_, err = e.DeleteConcept(id(20))
	require.NoError(t, err)
	require.NoError(t, e.Sync(ctxTimeout(t)))
	want := marshal(t, e.Snapshot())
	require.NoError(t, e.Close())

	for round := 0; round < 2; round++ {
		e, err := Open(dir, testConfig())
		require.NoError(t, err)
		assert.Equal(t, want, marshal(t, e.Snapshot()), "round %d", round)
		assert.Equal(t, 49, e.Snapshot().ConceptCount())
		assert.Equal(t, 47, e.Snapshot().EdgeCount())
		require.NoError(t, e.Close())
	}
}

func TestRecoveryFromSegmentsAndWAL(t *testing.T) {
	dir := t.TempDir()
	rng := testutil.NewRNG(4)
	ctx := ctxTimeout(t)

	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	learnN(t, e, 1, 100, rng)
	require.NoError(t, e.Flush(ctx))
	learnN(t, e, 101, 120, rng)
	_, err = e.DeleteConcept(id(5))
	require.NoError(t, err)
	require.NoError(t, e.Sync(ctx))
	want := marshal(t, e.Snapshot())
	require.NoError(t, e.Close())

	e = openEngine(t, dir, testConfig())
	assert.Equal(t, want, marshal(t, e.Snapshot()))

	st := e.Stats()
	assert.Equal(t, 1, st.Storage.Segments)
	assert.Equal(t, uint64(100), st.Storage.Checkpoint)
	assert.Equal(t, 119, st.Index.Vectors)
	assert.True(t, st.Index.Loaded)
	assert.False(t, st.Index.Rebuilt)

	seq, err := e.LearnConcept(id(500), nil, nil, 0.5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, uint64(122), seq)
}

func TestVectorIndexLoadedWithoutRebuild(t *testing.T) {
	dir := t.TempDir()
	rng := testutil.NewRNG(5)
	ctx := ctxTimeout(t)

	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	vecs := rng.UnitVectors(300, testDim)
	for i, v := range vecs {
		_, err := e.LearnConcept(id(uint64(i+1)), nil, v, 0.5, 0.5)
		require.NoError(t, err)
	}
	require.NoError(t, e.Flush(ctx))
	before, err := e.Search(ctx, vecs[42], 5, 64)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e = openEngine(t, dir, testConfig())
	st := e.Stats().Index
	assert.Equal(t, 300, st.Vectors)
	assert.True(t, st.Loaded)
	assert.False(t, st.Rebuilt)

	after, err := e.Search(ctx, vecs[42], 5, 64)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, id(43), after[0].ID)
}

func TestStaleVectorIndexIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	ctx := ctxTimeout(t)

	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	learnN(t, e, 1, 40, testutil.NewRNG(6))
	require.NoError(t, e.Flush(ctx))
	require.NoError(t, e.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, vectorindex.FileName)))

	e = openEngine(t, dir, testConfig())
	st := e.Stats().Index
	assert.Equal(t, 40, st.Vectors)
	assert.False(t, st.Loaded)
	assert.True(t, st.Rebuilt)
}

func TestTornWALTailIsTruncated(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	learnN(t, e, 1, 10, testutil.NewRNG(7))
	require.NoError(t, e.Sync(ctxTimeout(t)))
	require.NoError(t, e.Close())

	path := filepath.Join(dir, WALFileName)
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-5))

	e = openEngine(t, dir, testConfig())
	snap := e.Snapshot()
	assert.Equal(t, uint64(9), snap.Sequence())
	assert.Equal(t, 9, snap.ConceptCount())
	_, ok := snap.Concept(id(10))
	assert.False(t, ok)

	seq, err := e.LearnConcept(id(10), []byte("again"), nil, 0.5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), seq)
	require.NoError(t, e.WaitForSequence(ctxTimeout(t), seq))
	require.NoError(t, e.Close())

	e2, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e2.Close()
	c, ok := e2.Snapshot().Concept(id(10))
	require.True(t, ok)
	assert.Equal(t, []byte("again"), c.Content)
}

func TestWALFailureKeepsBatchPending(t *testing.T) {
	faulty := fs.NewFaultyFS(fs.Default)
	cfg := testConfig()
	cfg.WALRetryWindow = 20 * time.Millisecond
	e := openEngine(t, t.TempDir(), cfg, WithFileSystem(faulty))

	faulty.AddRule(WALFileName, fs.Fault{FailOnSync: true})
	seq, err := e.LearnConcept(id(1), []byte("pending"), nil, 0.5, 0.5)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.WaitForSequence(short, seq), context.DeadlineExceeded)
	assert.Equal(t, uint64(0), e.Snapshot().Sequence())

	st := e.Stats()
	assert.Positive(t, st.Reconciler.WALErrors)
	assert.NotEmpty(t, st.Reconciler.LastWALError)

	faulty.ClearRules()
	require.NoError(t, e.WaitForSequence(ctxTimeout(t), seq))
	c, ok := e.Snapshot().Concept(id(1))
	require.True(t, ok)
	assert.Equal(t, []byte("pending"), c.Content)
}

func TestFlushWritesSegmentAndResetsWAL(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	ctx := ctxTimeout(t)

	seq := learnN(t, e, 1, 25, testutil.NewRNG(8))
	require.NoError(t, e.Flush(ctx))

	st := e.Stats()
	assert.Equal(t, 1, st.Storage.Segments)
	assert.Equal(t, seq, st.Storage.Checkpoint)
	assert.Equal(t, uint64(1), st.Reconciler.Flushes)
	assert.Zero(t, st.Storage.UnflushedBytes)
	assert.Less(t, st.Storage.WALBytes, int64(64))

	_, err := os.Stat(filepath.Join(e.Dir(), segment.FileName(1)))
	assert.NoError(t, err)

	// Nothing new to write.
	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, 1, e.Stats().Storage.Segments)
}

func TestFlushTriggeredByThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.FlushThresholdBytes = 4 << 10
	e := openEngine(t, t.TempDir(), cfg)

	learnN(t, e, 1, 200, testutil.NewRNG(9))
	require.NoError(t, e.Sync(ctxTimeout(t)))
	assert.Eventually(t, func() bool {
		return e.Stats().Reconciler.Flushes > 0
	}, 5*time.Second, 10*time.Millisecond)
}

type flushCounter struct {
	NoopMetricsObserver
	failed atomic.Int64
}

func (c *flushCounter) OnFlush(_ int, _ time.Duration, _ int, err error) {
	if err != nil {
		c.failed.Add(1)
	}
}

func TestFailedFlushBacksOff(t *testing.T) {
	faulty := fs.NewFaultyFS(fs.Default)
	obs := &flushCounter{}
	cfg := testConfig()
	cfg.FlushThresholdBytes = 1
	e := openEngine(t, t.TempDir(), cfg, WithFileSystem(faulty), WithMetricsObserver(obs))
	ctx := ctxTimeout(t)

	faulty.AddRule(".sst", fs.Fault{FailOnSync: true})
	for i := uint64(1); i <= 20; i++ {
		_, err := e.LearnConcept(id(i), []byte("x"), nil, 0.5, 0.5)
		require.NoError(t, err)
		require.NoError(t, e.Sync(ctx))
	}
	cycles := e.Stats().Reconciler.Cycles
	failed := obs.failed.Load()
	assert.Positive(t, failed)
	assert.Less(t, uint64(failed), cycles, "every cycle retried the flush")
	assert.Zero(t, e.Stats().Reconciler.Flushes)

	faulty.ClearRules()
	require.NoError(t, e.Flush(ctx))
	segs := e.segments()
	require.Len(t, segs, 1)
	// The id reserved by the first failed attempt is reused.
	assert.Equal(t, segment.FileName(1), segs[0].Name)
}

func TestDeleteSurvivesCompaction(t *testing.T) {
	dir := t.TempDir()
	ctx := ctxTimeout(t)

	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	_, err = e.LearnConcept(id(1), []byte("a"), nil, 0.5, 0.5)
	require.NoError(t, err)
	_, err = e.LearnConcept(id(2), []byte("b"), nil, 0.5, 0.5)
	require.NoError(t, err)
	_, err = e.AddAssociation(model.Association{Source: id(1), Target: id(2), Confidence: 1, Weight: 1}, snapshot.HalfBoth)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	_, err = e.DeleteConcept(id(1))
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))
	require.Equal(t, 2, e.Stats().Storage.Segments)

	require.NoError(t, e.Compact(ctx))
	st := e.Stats()
	assert.Equal(t, 1, st.Storage.Segments)
	assert.Equal(t, uint64(1), st.Reconciler.Compactions)
	want := marshal(t, e.Snapshot())
	require.NoError(t, e.Close())

	for _, name := range []string{segment.FileName(1), segment.FileName(2)} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.True(t, os.IsNotExist(err), name)
	}

	e = openEngine(t, dir, testConfig())
	snap := e.Snapshot()
	assert.Equal(t, want, marshal(t, snap))
	_, ok := snap.Concept(id(1))
	assert.False(t, ok)
	_, ok = snap.Concept(id(2))
	assert.True(t, ok)
	assert.Zero(t, snap.EdgeCount())
}

func TestBackgroundCompaction(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig(),
		WithCompactionPolicy(&segment.TieredPolicy{Threshold: 2}))
	ctx := ctxTimeout(t)

	rng := testutil.NewRNG(10)
	learnN(t, e, 1, 10, rng)
	require.NoError(t, e.Flush(ctx))
	learnN(t, e, 11, 20, rng)
	require.NoError(t, e.Flush(ctx))

	assert.Eventually(t, func() bool {
		st := e.Stats()
		return st.Reconciler.Compactions == 1 && st.Storage.Segments == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 20, e.Snapshot().ConceptCount())
}

func TestFlushOnClose(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.FlushOnClose = true

	e, err := Open(dir, cfg)
	require.NoError(t, err)
	learnN(t, e, 1, 5, testutil.NewRNG(12))
	require.NoError(t, e.Close())

	e = openEngine(t, dir, cfg)
	st := e.Stats()
	assert.Equal(t, 1, st.Storage.Segments)
	assert.Equal(t, uint64(5), st.Storage.Checkpoint)
	assert.Equal(t, 5, st.Snapshot.Concepts)
}

func TestClosedEngineRejectsWork(t *testing.T) {
	e, err := Open(t.TempDir(), testConfig())
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.LearnConcept(id(1), nil, nil, 0, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Flush(context.Background()), ErrClosed)
	assert.ErrorIs(t, e.Compact(context.Background()), ErrClosed)
	assert.ErrorIs(t, e.WaitForSequence(context.Background(), 1), ErrClosed)
	assert.ErrorIs(t, e.Prepare(context.Background(), snapshot.TxID{1}, model.Association{}, snapshot.HalfBoth), ErrClosed)
}

func TestDimensionChangeIsRejected(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	learnN(t, e, 1, 3, testutil.NewRNG(13))
	require.NoError(t, e.Flush(ctxTimeout(t)))
	require.NoError(t, e.Close())

	cfg := testConfig()
	cfg.Dimension = 16
	_, err = Open(dir, cfg)
	assert.ErrorIs(t, err, ErrDimensionChanged)
}

func TestSearchWithoutIndex(t *testing.T) {
	cfg := testConfig()
	cfg.Dimension = 0
	e := openEngine(t, t.TempDir(), cfg)
	_, err := e.Search(context.Background(), []float32{1}, 1, 1)
	assert.ErrorIs(t, err, ErrNoVectorIndex)
}
