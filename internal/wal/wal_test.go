package wal

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nranjan2code/sutra-engine-sub008/internal/fs"
)

func rec(seq uint64, payload string) *Record {
	return &Record{Sequence: seq, Timestamp: int64(seq) * 10, Op: 1, Payload: []byte(payload)}
}

func collect(t *testing.T, path string, after uint64) ([]*Record, ReplayResult) {
	t.Helper()
	var got []*Record
	res, err := Replay(fs.Default, path, after, func(r *Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	return got, res
}

func TestRecordRoundTrip(t *testing.T) {
	r := &Record{Sequence: 7, Timestamp: -3, Op: 2, Payload: []byte("edge")}
	r.TxID[0], r.TxID[15] = 0xAB, 0xCD

	var buf bytes.Buffer
	require.NoError(t, r.Encode(&buf))
	assert.Equal(t, r.Size(), buf.Len())

	got, n, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(r.Size()), n)
	assert.Equal(t, r, got)

	_, _, err = Decode(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, rec(1, "hello").Encode(&buf))
	data := buf.Bytes()

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xFF
	_, _, err := Decode(bytes.NewReader(flipped))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, _, err = Decode(bytes.NewReader(data[:len(data)-2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, _, err = Decode(bytes.NewReader(data[:5]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	huge := append([]byte(nil), data...)
	huge[3] = 0xFF
	_, _, err = Decode(bytes.NewReader(huge))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestAppendBatchAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, w.AppendBatch([]*Record{rec(1, "a"), rec(2, "b"), rec(3, "c")}))
	require.NoError(t, w.Append(rec(4, "d")))
	size := w.Size()
	require.NoError(t, w.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, size, st.Size())

	got, res := collect(t, path, 0)
	require.Len(t, got, 4)
	assert.Equal(t, "d", string(got[3].Payload))
	assert.Equal(t, uint64(4), res.LastSequence)
	assert.Equal(t, int64(40), res.LastTimestamp)
	assert.Equal(t, size, res.ValidOffset)
	assert.False(t, res.Corrupt)

	got, res = collect(t, path, 2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].Sequence)
	assert.Equal(t, 2, res.Skipped)
}

func TestReplayStopsAtTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.AppendBatch([]*Record{rec(1, "first"), rec(2, "second")}))
	good := w.Size()
	require.NoError(t, w.Append(rec(3, "third record")))
	full := w.Size()
	require.NoError(t, w.Close())

	// Cut the last record in half.
	require.NoError(t, os.Truncate(path, good+(full-good)/2))

	got, res := collect(t, path, 0)
	require.Len(t, got, 2)
	assert.True(t, res.Corrupt)
	assert.ErrorIs(t, res.Cause, io.ErrUnexpectedEOF)
	assert.Equal(t, good, res.ValidOffset)
	assert.Equal(t, uint64(2), res.LastSequence)

	// After truncating to the valid prefix the log accepts new records.
	require.NoError(t, os.Truncate(path, res.ValidOffset))
	w, err = Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(rec(3, "again")))
	require.NoError(t, w.Close())

	got, res = collect(t, path, 0)
	require.Len(t, got, 3)
	assert.Equal(t, "again", string(got[2].Payload))
	assert.False(t, res.Corrupt)
}

func TestReplayStopsAtChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(rec(1, "ok")))
	good := w.Size()
	require.NoError(t, w.AppendBatch([]*Record{rec(2, "bad"), rec(3, "after")}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[good+prefixSize+fixedBody] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, res := collect(t, path, 0)
	require.Len(t, got, 1)
	assert.True(t, res.Corrupt)
	assert.ErrorIs(t, res.Cause, ErrCorrupt)
	assert.Equal(t, good, res.ValidOffset)
}

func TestReplaySkipsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.AppendBatch([]*Record{rec(1, "a"), rec(2, "b"), rec(2, "b"), rec(3, "c")}))
	require.NoError(t, w.Close())

	got, res := collect(t, path, 0)
	require.Len(t, got, 3)
	assert.Equal(t, 1, res.Skipped)
}

func TestAppendRollsBackOnSyncFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	ffs := fs.NewFaultyFS(nil)
	w, err := Open(ffs, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(rec(1, "a")))
	before := w.Size()

	ffs.AddRule("wal.log", fs.Fault{FailOnSync: true, Times: 1})
	assert.Error(t, w.AppendBatch([]*Record{rec(2, "b"), rec(3, "c")}))
	assert.Equal(t, before, w.Size())

	// Retrying the same batch succeeds and leaves no duplicate.
	require.NoError(t, w.AppendBatch([]*Record{rec(2, "b"), rec(3, "c")}))
	require.NoError(t, w.Close())

	got, res := collect(t, path, 0)
	require.Len(t, got, 3)
	assert.Zero(t, res.Skipped)
}

func TestReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.AppendBatch([]*Record{rec(1, "a"), rec(2, "b")}))

	require.NoError(t, w.Reset())
	assert.Equal(t, int64(walHeaderSize), w.Size())

	require.NoError(t, w.Append(rec(3, "c")))
	require.NoError(t, w.Close())

	got, _ := collect(t, path, 0)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].Sequence)
}

func TestOpenRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	require.NoError(t, os.WriteFile(path, []byte("NOTAWAL!\x01\x00\x00\x00"), 0o644))

	_, err := Open(nil, path, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidHeader)

	_, err = Replay(fs.Default, path, 0, func(*Record) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestOpenReinitializesShortHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	require.NoError(t, os.WriteFile(path, []byte("SUTRA"), 0o644))

	_, res := collect(t, path, 0)
	assert.True(t, res.Corrupt)

	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(walHeaderSize), w.Size())
	require.NoError(t, w.Close())
}

func TestReplayMissingFile(t *testing.T) {
	got, res := collect(t, filepath.Join(t.TempDir(), "absent.log"), 0)
	assert.Empty(t, got)
	assert.Zero(t, res.ValidOffset)
}
