package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nranjan2code/sutra-engine-sub008/internal/segment"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

const (
	flushRetryInitial = 50 * time.Millisecond
	flushRetryMax     = 30 * time.Second
)

func newFlushBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = flushRetryInitial
	b.MaxInterval = flushRetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// flushFailed schedules the next automatic flush attempt.
func (e *Engine) flushFailed(err error) {
	wait := e.flushBackoff.NextBackOff()
	e.flushRetryAt = time.Now().Add(wait)
	e.logger.Error("segment flush failed", "retry_in", wait, "error", err)
}

// flush writes every key touched since the last checkpoint to a new sealed
// segment, taking the current value from the published snapshot and a
// tombstone for keys that no longer exist. It then records the checkpoint
// in the manifest, saves the vector index and resets the WAL. It runs on
// the reconciler goroutine only.
func (e *Engine) flush() (err error) {
	if len(e.dirtyConcepts) == 0 && len(e.dirtyEdges) == 0 {
		return nil
	}
	start := time.Now()
	records := 0
	defer func() {
		e.metrics.OnFlush(e.shard, time.Since(start), records, err)
		if err != nil {
			e.flushFailed(err)
		}
	}()

	snap := e.cell.Load()
	seq := snap.Sequence()

	id := e.flushSegID
	if id == 0 {
		e.mu.Lock()
		id = e.manifest.AllocSegmentID()
		e.mu.Unlock()
		e.flushSegID = id
	}

	w := segment.NewWriter(e.fs, e.dir, id,
		segment.WithCompression(e.cfg.Compression),
		segment.WithThrottle(e.rc),
	)

	ids := make([]model.ConceptID, 0, len(e.dirtyConcepts))
	for cid := range e.dirtyConcepts {
		ids = append(ids, cid)
	}
	slices.SortFunc(ids, model.ConceptID.Compare)
	for _, cid := range ids {
		if c, ok := snap.Concept(cid); ok {
			err = w.AddConcept(c, false)
		} else {
			err = w.AddConcept(&model.Concept{ID: cid, Sequence: seq}, true)
		}
		if err != nil {
			return fmt.Errorf("engine: flush concept %s: %w", cid, err)
		}
	}

	keys := make([]model.EdgeKey, 0, len(e.dirtyEdges))
	for k := range e.dirtyEdges {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, model.EdgeKey.Compare)
	for _, k := range keys {
		if a, ok := snap.Association(k.Source, k.Target); ok {
			half, _ := snap.HalfOf(k)
			err = w.AddAssociation(a, half, false)
		} else {
			err = w.AddAssociation(&model.Association{Source: k.Source, Target: k.Target, Sequence: seq}, 0, true)
		}
		if err != nil {
			return fmt.Errorf("engine: flush association: %w", err)
		}
	}
	records = w.Len()

	info, err := w.Seal(context.Background())
	if err != nil {
		return fmt.Errorf("engine: seal segment: %w", err)
	}

	e.mu.Lock()
	m := e.manifest.Clone()
	m.Replace(nil, info)
	m.Checkpoint = seq
	m.CheckpointTimestamp = snap.TimestampNanos()
	m.Dim = uint32(e.cfg.Dimension)
	if err = e.mstore.Save(m); err != nil {
		e.mu.Unlock()
		_ = e.fs.Remove(filepath.Join(e.dir, info.Name))
		return fmt.Errorf("engine: save manifest: %w", err)
	}
	e.manifest = m
	e.mu.Unlock()

	if e.index != nil {
		e.index.SetCheckpoint(seq)
		if ierr := e.index.Save(e.fs, e.dir); ierr != nil {
			// Recovery rebuilds an index whose checkpoint lags the manifest.
			e.logger.Warn("vector index save failed", "checkpoint", seq, "error", ierr)
		}
	}
	if werr := e.wal.Reset(); werr != nil {
		e.logger.Warn("wal reset failed", "checkpoint", seq, "error", werr)
	}

	clear(e.dirtyConcepts)
	clear(e.dirtyEdges)
	e.unflushed.Store(0)
	e.rc.ReleaseMemory(e.memHeld)
	e.memHeld = 0
	e.memPressure = false
	e.flushSegID = 0
	e.flushRetryAt = time.Time{}
	e.flushBackoff.Reset()
	e.flushes.Add(1)

	e.logger.Info("segment flushed",
		"segment", info.Name,
		"records", records,
		"bytes", info.Size,
		"checkpoint", seq,
		"duration", time.Since(start),
	)
	return nil
}

// maybeCompact starts a background compaction when the policy picks
// segments and a background slot is free.
func (e *Engine) maybeCompact() {
	segs := e.segments()
	picked := e.policy.Pick(segs)
	if len(picked) < 2 {
		return
	}
	if !e.compacting.CompareAndSwap(false, true) {
		return
	}
	if !e.rc.TryAcquireBackground() {
		e.compacting.Store(false)
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer e.compacting.Store(false)
		defer e.rc.ReleaseBackground()
		if err := e.compact(context.Background(), picked, segs); err != nil {
			e.logger.Error("compaction failed", "segments", len(picked), "error", err)
		}
	}()
}

// compact merges the picked segments into one. Tombstones are dropped only
// when every older segment takes part. The merged segment is sealed before
// the manifest swap; the inputs are deleted after it.
func (e *Engine) compact(ctx context.Context, picked []uint64, all []segment.Info) (err error) {
	start := time.Now()
	outputRecords := 0
	defer func() {
		e.metrics.OnCompaction(e.shard, time.Since(start), len(picked), outputRecords, err)
	}()

	inputs := make([]segment.Info, 0, len(picked))
	for _, s := range all {
		if slices.Contains(picked, s.ID) {
			inputs = append(inputs, s)
		}
	}
	slices.SortFunc(inputs, func(a, b segment.Info) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	readers := make([]*segment.Reader, 0, len(inputs))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()
	for _, s := range inputs {
		r, err := segment.Open(filepath.Join(e.dir, s.Name))
		if err != nil {
			return fmt.Errorf("engine: open segment %s: %w", s.Name, err)
		}
		readers = append(readers, r)
	}

	res, err := segment.Resolve(readers)
	if err != nil {
		return err
	}
	drop := segment.CanDropTombstones(all, picked)

	e.mu.Lock()
	id := e.manifest.AllocSegmentID()
	e.mu.Unlock()

	w := segment.NewWriter(e.fs, e.dir, id,
		segment.WithCompression(e.cfg.Compression),
		segment.WithThrottle(e.rc),
	)
	if err := segment.Merge(res, w, drop); err != nil {
		return err
	}
	outputRecords = w.Len()

	var added []segment.Info
	if w.Len() > 0 {
		info, err := w.Seal(ctx)
		if err != nil {
			return fmt.Errorf("engine: seal merged segment: %w", err)
		}
		added = append(added, info)
	}

	e.mu.Lock()
	for _, s := range inputs {
		if _, ok := e.manifest.Lookup(s.ID); !ok {
			e.mu.Unlock()
			for _, a := range added {
				_ = e.fs.Remove(filepath.Join(e.dir, a.Name))
			}
			return fmt.Errorf("engine: segment %s vanished during compaction", s.Name)
		}
	}
	m := e.manifest.Clone()
	m.Replace(picked, added...)
	if err := e.mstore.Save(m); err != nil {
		e.mu.Unlock()
		for _, a := range added {
			_ = e.fs.Remove(filepath.Join(e.dir, a.Name))
		}
		return fmt.Errorf("engine: save manifest: %w", err)
	}
	e.manifest = m
	e.mu.Unlock()

	for _, r := range readers {
		_ = r.Close()
	}
	readers = nil
	for _, s := range inputs {
		if err := e.fs.Remove(filepath.Join(e.dir, s.Name)); err != nil {
			e.logger.Warn("remove compacted segment", "segment", s.Name, "error", err)
		}
	}

	e.compactions.Add(1)
	e.logger.Info("segments compacted",
		"inputs", len(inputs),
		"records", outputRecords,
		"tombstones_dropped", drop,
		"duration", time.Since(start),
	)
	return nil
}
