package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nranjan2code/sutra-engine-sub008/internal/manifest"
	"github.com/nranjan2code/sutra-engine-sub008/internal/segment"
	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/internal/vectorindex"
	"github.com/nranjan2code/sutra-engine-sub008/internal/wal"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// recover rebuilds the shard state: manifest, sealed segments, vector
// index, then the WAL records above the checkpoint. A torn or corrupt WAL
// tail is cut off so the shard continues from the last valid record.
func (e *Engine) recover() error {
	start := time.Now()

	m, err := e.mstore.Load()
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		m = manifest.New(uint32(e.shard))
		m.Dim = uint32(e.cfg.Dimension)
	case err != nil:
		return fmt.Errorf("engine: load manifest: %w", err)
	}
	if m.Dim != 0 && int(m.Dim) != e.cfg.Dimension {
		return fmt.Errorf("%w: stored %d, configured %d", ErrDimensionChanged, m.Dim, e.cfg.Dimension)
	}
	e.manifest = m

	orphans, err := e.mstore.Orphans(m)
	if err != nil {
		return fmt.Errorf("engine: list shard dir: %w", err)
	}
	for _, name := range orphans {
		if err := e.fs.Remove(filepath.Join(e.dir, name)); err != nil {
			return fmt.Errorf("engine: remove orphan %s: %w", name, err)
		}
		e.logger.Warn("removed orphan segment", "file", name)
	}

	base, err := e.loadSegments(m)
	if err != nil {
		return err
	}

	// Replayed changes are exactly the unflushed delta.
	b := snapshot.NewBuilder(base)
	res, err := wal.Replay(e.fs, e.walPath(), m.Checkpoint, func(rec *wal.Record) error {
		en := &snapshot.Entry{
			Op:        snapshot.Op(rec.Op),
			Sequence:  rec.Sequence,
			Timestamp: rec.Timestamp,
			TxID:      snapshot.TxID(rec.TxID),
		}
		if err := en.UnmarshalPayload(rec.Payload); err != nil {
			return err
		}
		b.Apply(en)
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine: replay wal: %w", err)
	}
	if res.Corrupt {
		e.logger.Warn("wal tail corrupt, truncating",
			"valid_offset", res.ValidOffset,
			"last_sequence", res.LastSequence,
			"cause", res.Cause,
		)
		if res.ValidOffset > 0 {
			err = e.fs.Truncate(e.walPath(), res.ValidOffset)
		} else {
			err = e.fs.Remove(e.walPath())
		}
		if err != nil {
			return fmt.Errorf("engine: truncate wal: %w", err)
		}
	}

	snap := b.Build()
	changes := b.Changes()
	e.dirtyConcepts = changes.Concepts
	e.dirtyEdges = changes.Edges
	e.unflushed.Store(changes.Bytes)

	if err := e.openIndex(m, base, snap, changes.Vectors); err != nil {
		return err
	}

	e.wal, err = wal.Open(e.fs, e.walPath(), wal.Options{Durability: e.cfg.Durability})
	if err != nil {
		return fmt.Errorf("engine: open wal: %w", err)
	}

	e.cell = snapshot.NewCell(snap)
	e.lastTimestamp = snap.TimestampNanos()
	last := max(snap.Sequence(), res.LastSequence, m.Checkpoint)
	e.log.SetBase(last)
	e.notify = newNotifier(snap.Sequence())

	attrs := []any{
		"segments", len(m.Segments),
		"checkpoint", m.Checkpoint,
		"replayed", res.Applied,
		"sequence", snap.Sequence(),
		"concepts", snap.ConceptCount(),
		"edges", snap.EdgeCount(),
		"duration", time.Since(start),
	}
	if e.index != nil {
		st := e.index.Stats()
		attrs = append(attrs, "vectors", st.Vectors, "index_loaded", st.Loaded, "index_rebuilt", st.Rebuilt)
	}
	e.logger.Info("shard recovered", attrs...)
	return nil
}

// loadSegments folds the manifest segments into the checkpoint snapshot.
func (e *Engine) loadSegments(m *manifest.Manifest) (*snapshot.Snapshot, error) {
	readers := make([]*segment.Reader, 0, len(m.Segments))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()
	for _, s := range m.Segments {
		r, err := segment.Open(filepath.Join(e.dir, s.Name))
		if err != nil {
			return nil, fmt.Errorf("engine: open segment %s: %w", s.Name, err)
		}
		readers = append(readers, r)
	}
	res, err := segment.Resolve(readers)
	if err != nil {
		return nil, fmt.Errorf("engine: read segments: %w", err)
	}

	b := snapshot.NewBuilder(nil)
	for _, rec := range res.SortedConcepts() {
		if rec.Tombstone {
			continue
		}
		c := rec.Concept
		b.PutConcept(&c)
	}
	for _, rec := range res.SortedAssociations() {
		if rec.Tombstone {
			continue
		}
		a := rec.Association
		b.PutAssociation(&a, rec.Half)
	}
	b.SetPosition(m.Checkpoint, m.CheckpointTimestamp)
	return b.Build(), nil
}

// openIndex maps the saved vector index when it matches the manifest
// checkpoint and applies the replayed embedding changes on top. Otherwise
// the index is rebuilt from the recovered snapshot.
func (e *Engine) openIndex(m *manifest.Manifest, base, snap *snapshot.Snapshot, replayed []snapshot.VectorOp) error {
	if e.cfg.Dimension == 0 {
		return nil
	}

	idx, err := vectorindex.LoadSharded(e.dir, e.cfg.IndexShards)
	switch {
	case err == nil && idx.Checkpoint() == m.Checkpoint && idx.Dimension() == e.cfg.Dimension:
		for _, op := range replayed {
			if op.Vector == nil {
				err = idx.Delete(op.ID)
			} else {
				err = idx.Insert(op.ID, op.Vector)
			}
			if err != nil {
				_ = idx.Close()
				return fmt.Errorf("engine: replay vector %s: %w", op.ID, err)
			}
		}
		e.index = idx
		return nil
	case err == nil:
		e.logger.Warn("vector index is stale, rebuilding",
			"index_checkpoint", idx.Checkpoint(),
			"manifest_checkpoint", m.Checkpoint,
		)
		_ = idx.Close()
	case !vectorindex.IsNotExist(err):
		e.logger.Warn("vector index unreadable, rebuilding", "error", err)
	}

	idx, err = vectorindex.NewSharded(e.cfg.IndexShards, e.cfg.Index)
	if err != nil {
		return fmt.Errorf("engine: create vector index: %w", err)
	}
	var rerr error
	snap.Concepts(func(c *model.Concept) bool {
		if len(c.Embedding) == 0 {
			return true
		}
		if rerr = idx.Insert(c.ID, c.Embedding); rerr != nil {
			return false
		}
		return true
	})
	if rerr != nil {
		_ = idx.Close()
		return fmt.Errorf("engine: rebuild vector index: %w", rerr)
	}
	if base.ConceptCount() > 0 {
		idx.MarkRebuilt()
	}
	idx.SetCheckpoint(m.Checkpoint)
	e.index = idx
	return nil
}
