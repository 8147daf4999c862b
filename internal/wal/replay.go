package wal

import (
	"errors"
	"io"
	"os"

	"github.com/nranjan2code/sutra-engine-sub008/internal/fs"
)

// ReplayResult describes a recovery scan.
type ReplayResult struct {
	Applied       int    // records passed to the callback
	Skipped       int    // records at or below the checkpoint, or duplicates
	LastSequence  uint64 // highest valid sequence seen
	LastTimestamp int64
	ValidOffset   int64 // end of the last valid record
	Corrupt       bool  // the scan stopped at an invalid or torn record
	Cause         error // why the scan stopped early, when Corrupt
}

// Replay scans the log at path and calls fn for every valid record whose
// sequence is above afterSeq, in order. The scan stops at the first torn or
// checksum-invalid record; everything after it is reported through
// ReplayResult and ignored. A missing file replays nothing.
func Replay(fsys fs.FileSystem, path string, afterSeq uint64, fn func(*Record) error) (ReplayResult, error) {
	var res ReplayResult

	r, err := NewReader(fsys, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, nil
		}
		if errors.Is(err, ErrInvalidHeader) {
			// A header cut short by a crash during creation holds no records.
			if st, serr := fsys.Stat(path); serr == nil && st.Size() < walHeaderSize {
				res.Corrupt = true
				res.Cause = err
				return res, nil
			}
		}
		return res, err
	}
	defer r.Close()

	res.ValidOffset = r.Offset()
	last := afterSeq
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			if errors.Is(err, ErrCorrupt) || errors.Is(err, io.ErrUnexpectedEOF) {
				res.Corrupt = true
				res.Cause = err
				return res, nil
			}
			return res, err
		}
		res.ValidOffset = r.Offset()
		if rec.Sequence > res.LastSequence {
			res.LastSequence = rec.Sequence
			res.LastTimestamp = rec.Timestamp
		}
		if rec.Sequence <= last {
			res.Skipped++
			continue
		}
		if err := fn(rec); err != nil {
			return res, err
		}
		last = rec.Sequence
		res.Applied++
	}
}
