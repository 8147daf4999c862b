package segment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nranjan2code/sutra-engine-sub008/internal/fs"
	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

func cid(v uint64) model.ConceptID { return model.ConceptIDFromUint64(v) }

func concept(v, seq uint64, content string, emb ...float32) *model.Concept {
	ts := time.Unix(0, int64(seq)*1000).UTC()
	return &model.Concept{
		ID: cid(v), Content: []byte(content), Embedding: emb,
		Strength: 0.5, Confidence: 0.75, AccessCount: 2,
		CreatedAt: ts, LastAccessed: ts, Sequence: seq,
	}
}

func edge(src, dst, seq uint64) *model.Association {
	ts := time.Unix(0, int64(seq)*1000).UTC()
	return &model.Association{
		Source: cid(src), Target: cid(dst), Type: model.AssociationTemporal,
		Confidence: 0.6, Weight: 2, CreatedAt: ts, LastUsed: ts, Sequence: seq,
	}
}

func seal(t *testing.T, w *Writer) (Info, *Reader) {
	t.Helper()
	info, err := w.Seal(context.Background())
	require.NoError(t, err)
	r, err := Open(filepath.Join(w.dir, info.Name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return info, r
}

func TestWriteSealRead(t *testing.T) {
	for _, comp := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(comp.String(), func(t *testing.T) {
			dir := t.TempDir()
			w := NewWriter(nil, dir, 7, WithCompression(comp))
			long := strings.Repeat("knowledge ", 200)

			require.NoError(t, w.AddConcept(concept(1, 3, long, 1, 2, 3), false))
			require.NoError(t, w.AddConcept(concept(2, 5, "short"), false))
			require.NoError(t, w.AddConcept(concept(3, 9, "gone"), true))
			require.NoError(t, w.AddAssociation(edge(1, 2, 4), snapshot.HalfBoth, false))
			require.NoError(t, w.AddAssociation(edge(2, 9, 6), snapshot.HalfOutgoing, true))

			info, r := seal(t, w)
			assert.Equal(t, "seg-000007.sst", info.Name)
			assert.Equal(t, uint64(3), info.Concepts)
			assert.Equal(t, uint64(2), info.Associations)
			assert.Equal(t, uint64(2), info.Tombstones)
			assert.Equal(t, uint64(3), info.MinSequence)
			assert.Equal(t, uint64(9), info.MaxSequence)

			st, err := os.Stat(filepath.Join(dir, info.Name))
			require.NoError(t, err)
			assert.Equal(t, info.Size, st.Size())
			_, err = os.Stat(filepath.Join(dir, info.Name+".tmp"))
			assert.True(t, os.IsNotExist(err))

			h := r.Header()
			assert.Equal(t, comp, h.Compression)
			assert.Equal(t, uint32(3), h.Dimension)

			var concepts []ConceptRecord
			require.NoError(t, r.Concepts(func(rec ConceptRecord) error {
				concepts = append(concepts, rec)
				return nil
			}))
			require.Len(t, concepts, 3)

			first := concepts[0].Concept
			assert.Equal(t, long, string(first.Content))
			assert.Equal(t, []float32{1, 2, 3}, first.Embedding)
			assert.Equal(t, float32(0.5), first.Strength)
			assert.Equal(t, uint32(2), first.AccessCount)
			assert.Equal(t, concept(1, 3, "").CreatedAt, first.CreatedAt)
			assert.Equal(t, h.VectorOffset, first.EmbeddingOffset)

			assert.Equal(t, "short", string(concepts[1].Concept.Content))
			assert.Nil(t, concepts[1].Concept.Embedding)
			assert.True(t, concepts[2].Tombstone)
			assert.Empty(t, concepts[2].Concept.Content)

			var assocs []AssociationRecord
			require.NoError(t, r.Associations(func(rec AssociationRecord) error {
				assocs = append(assocs, rec)
				return nil
			}))
			require.Len(t, assocs, 2)
			assert.Equal(t, *edge(1, 2, 4), assocs[0].Association)
			assert.Equal(t, snapshot.HalfBoth, assocs[0].Half)
			assert.True(t, assocs[1].Tombstone)
			assert.Equal(t, snapshot.HalfOutgoing, assocs[1].Half)
		})
	}
}

func TestDimensionMismatch(t *testing.T) {
	w := NewWriter(nil, t.TempDir(), 1)
	require.NoError(t, w.AddConcept(concept(1, 1, "a", 1, 2), false))
	assert.ErrorIs(t, w.AddConcept(concept(2, 2, "b", 1, 2, 3), false), ErrDimensionMismatch)
}

func TestOpenRejectsUnsealedAndDamaged(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(nil, dir, 1)
	require.NoError(t, w.AddConcept(concept(1, 1, "a"), false))
	info, err := w.Seal(context.Background())
	require.NoError(t, err)
	path := filepath.Join(dir, info.Name)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// A file whose header was never finalized.
	unsealed := append(make([]byte, HeaderSize), data[HeaderSize:]...)
	require.NoError(t, os.WriteFile(path, unsealed, 0o644))
	_, err = Open(path)
	assert.ErrorIs(t, err, ErrInvalidSegment)

	// A header with a flipped bit.
	damaged := append([]byte(nil), data...)
	damaged[30] ^= 0x01
	require.NoError(t, os.WriteFile(path, damaged, 0o644))
	_, err = Open(path)
	assert.ErrorIs(t, err, ErrInvalidSegment)

	// Truncated sections.
	require.NoError(t, os.WriteFile(path, data[:HeaderSize+10], 0o644))
	_, err = Open(path)
	assert.ErrorIs(t, err, ErrInvalidSegment)
}

func TestSealFailureLeavesNoSegment(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".sst", fs.Fault{FailOnSync: true})

	w := NewWriter(ffs, dir, 3)
	require.NoError(t, w.AddConcept(concept(1, 1, "a"), false))
	_, err := w.Seal(context.Background())
	require.ErrorIs(t, err, fs.ErrInjected)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolveAndMerge(t *testing.T) {
	dir := t.TempDir()

	old := NewWriter(nil, dir, 1)
	require.NoError(t, old.AddConcept(concept(1, 1, "v1"), false))
	require.NoError(t, old.AddConcept(concept(2, 2, "keep"), false))
	require.NoError(t, old.AddAssociation(edge(1, 2, 3), snapshot.HalfBoth, false))
	_, r1 := seal(t, old)

	newer := NewWriter(nil, dir, 2)
	require.NoError(t, newer.AddConcept(concept(1, 10, "v2"), false))
	require.NoError(t, newer.AddConcept(concept(2, 11, ""), true))
	require.NoError(t, newer.AddAssociation(edge(1, 2, 11), snapshot.HalfBoth, true))
	_, r2 := seal(t, newer)

	res, err := Resolve([]*Reader{r1, r2})
	require.NoError(t, err)
	assert.Equal(t, "v2", string(res.Concepts[cid(1)].Concept.Content))
	assert.True(t, res.Concepts[cid(2)].Tombstone)
	assert.True(t, res.Associations[model.EdgeKey{Source: cid(1), Target: cid(2)}].Tombstone)

	// Partial merge keeps tombstones so older segments stay shadowed.
	keep := NewWriter(nil, dir, 3)
	require.NoError(t, Merge(res, keep, false))
	info, _ := seal(t, keep)
	assert.Equal(t, uint64(2), info.Concepts)
	assert.Equal(t, uint64(2), info.Tombstones)

	// Full merge drops them.
	full := NewWriter(nil, dir, 4)
	require.NoError(t, Merge(res, full, true))
	info, r4 := seal(t, full)
	assert.Equal(t, uint64(1), info.Concepts)
	assert.Zero(t, info.Associations)
	assert.Zero(t, info.Tombstones)

	var ids []model.ConceptID
	require.NoError(t, r4.Concepts(func(rec ConceptRecord) error {
		ids = append(ids, rec.Concept.ID)
		return nil
	}))
	assert.Equal(t, []model.ConceptID{cid(1)}, ids)
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "lz4": CompressionLZ4, "zstd": CompressionZSTD} {
		got, err := ParseCompression(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("snappy")
	assert.Error(t, err)
}

type countingThrottle struct{ bytes int }

func (c *countingThrottle) AcquireIO(_ context.Context, n int) error {
	c.bytes += n
	return nil
}

func TestSealIsThrottled(t *testing.T) {
	th := &countingThrottle{}
	w := NewWriter(nil, t.TempDir(), 1, WithThrottle(th))
	require.NoError(t, w.AddConcept(concept(1, 1, "abc", 1), false))
	info, err := w.Seal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int(info.Size)-HeaderSize, th.bytes)
}
