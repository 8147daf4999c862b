package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ifs "github.com/nranjan2code/sutra-engine-sub008/internal/fs"
	"github.com/nranjan2code/sutra-engine-sub008/internal/segment"
)

func sample() *Manifest {
	m := New(3)
	m.Dim = 384
	m.Checkpoint = 42
	m.CheckpointTimestamp = 1_700_000_000_000_000_000
	id := m.AllocSegmentID()
	m.Replace(nil, segment.Info{
		ID: id, Name: segment.FileName(id), Size: 4096,
		Concepts: 10, Associations: 5, Tombstones: 1, MinSequence: 1, MaxSequence: 42,
	})
	return m
}

func TestRoundTrip(t *testing.T) {
	m := sample()
	data, err := m.MarshalBinary()
	require.NoError(t, err)

	var got Manifest
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, m, &got)
	assert.Equal(t, uint64(2), got.NextSegmentID)
}

func TestUnmarshalRejectsDamage(t *testing.T) {
	data, err := sample().MarshalBinary()
	require.NoError(t, err)

	var m Manifest
	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xFF
	assert.ErrorIs(t, m.UnmarshalBinary(flipped), ErrCorrupt)
	assert.ErrorIs(t, m.UnmarshalBinary(data[:len(data)-3]), ErrCorrupt)
	assert.ErrorIs(t, m.UnmarshalBinary(data[:8]), ErrCorrupt)

	future := append([]byte(nil), data...)
	future[4] = 9
	assert.ErrorIs(t, m.UnmarshalBinary(future), ErrIncompatibleVersion)
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(nil, dir)

	_, err := s.Load()
	require.ErrorIs(t, err, ErrNotFound)

	m := sample()
	require.NoError(t, s.Save(m))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, m, got)

	m2 := got.Clone()
	m2.Checkpoint = 100
	m2.Replace([]uint64{1}, segment.Info{ID: m2.AllocSegmentID(), Name: segment.FileName(2)})
	require.NoError(t, s.Save(m2))

	got, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.Checkpoint)
	require.Len(t, got.Segments, 1)
	assert.Equal(t, uint64(2), got.Segments[0].ID)

	// The clone left the original untouched.
	assert.Equal(t, uint64(42), m.Checkpoint)
	assert.Equal(t, uint64(1), m.Segments[0].ID)
}

func TestSaveFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	ffs := ifs.NewFaultyFS(nil)
	s := NewStore(ffs, dir)
	require.NoError(t, s.Save(sample()))

	ffs.AddRule(FileName, ifs.Fault{FailOnRename: true})
	next := sample()
	next.Checkpoint = 99
	require.ErrorIs(t, s.Save(next), ifs.ErrInjected)

	ffs.ClearRules()
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Checkpoint)

	_, err = os.Stat(filepath.Join(dir, FileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestOrphans(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(nil, dir)
	m := sample()

	for _, name := range []string{segment.FileName(1), segment.FileName(7), segment.FileName(8) + ".tmp", "wal.log", FileName} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	orphans, err := s.Orphans(m)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{segment.FileName(7), segment.FileName(8) + ".tmp"}, orphans)
}
