package segment

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/nranjan2code/sutra-engine-sub008/internal/fs"
	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// FileName returns the on-disk name of segment id.
func FileName(id uint64) string { return fmt.Sprintf("seg-%06d.sst", id) }

// Throttle paces background writes; *resource.Controller implements it.
type Throttle interface {
	AcquireIO(ctx context.Context, bytes int) error
}

// Info summarizes a sealed segment for the manifest.
type Info struct {
	ID           uint64
	Name         string
	Size         int64
	Concepts     uint64
	Associations uint64
	Tombstones   uint64
	MinSequence  uint64
	MaxSequence  uint64
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithCompression sets the content section codec.
func WithCompression(c Compression) WriterOption {
	return func(w *Writer) { w.compression = c }
}

// WithThrottle paces the bytes written by Seal.
func WithThrottle(t Throttle) WriterOption {
	return func(w *Writer) { w.throttle = t }
}

// Writer builds one segment. Each section has its own cursor; nothing
// reaches the file until Seal.
type Writer struct {
	fsys        fs.FileSystem
	dir         string
	id          uint64
	compression Compression
	throttle    Throttle

	concepts []byte
	assocs   []byte
	vectors  []byte
	content  []byte

	nConcepts  uint64
	nAssocs    uint64
	tombstones uint64
	dim        uint32
	minSeq     uint64
	maxSeq     uint64
}

// NewWriter starts segment id in dir.
func NewWriter(fsys fs.FileSystem, dir string, id uint64, opts ...WriterOption) *Writer {
	if fsys == nil {
		fsys = fs.Default
	}
	w := &Writer{fsys: fsys, dir: dir, id: id, minSeq: math.MaxUint64}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Len returns the number of records added.
func (w *Writer) Len() int { return int(w.nConcepts + w.nAssocs) }

func (w *Writer) track(seq uint64, tombstone bool) {
	w.minSeq = min(w.minSeq, seq)
	w.maxSeq = max(w.maxSeq, seq)
	if tombstone {
		w.tombstones++
	}
}

// AddConcept appends a concept version, or a tombstone for c.ID.
func (w *Writer) AddConcept(c *model.Concept, tombstone bool) error {
	if tombstone {
		c = &model.Concept{ID: c.ID, Sequence: c.Sequence}
	}
	if n := len(c.Embedding); n > 0 {
		if w.dim == 0 {
			w.dim = uint32(n)
		} else if uint32(n) != w.dim {
			return fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, n, w.dim)
		}
	}

	contentOff := uint64(len(w.content))
	vectorOff := uint64(len(w.vectors))
	w.content = append(w.content, c.Content...)
	for _, f := range c.Embedding {
		w.vectors = binary.LittleEndian.AppendUint32(w.vectors, math.Float32bits(f))
	}

	var rec [ConceptRecordSize]byte
	encodeConcept(rec[:], c, tombstone, contentOff, vectorOff)
	w.concepts = append(w.concepts, rec[:]...)
	w.nConcepts++
	w.track(c.Sequence, tombstone)
	return nil
}

// AddAssociation appends an edge version with the halves the shard holds,
// or a tombstone for the edge key.
func (w *Writer) AddAssociation(a *model.Association, half snapshot.Half, tombstone bool) error {
	var rec [AssociationRecordSize]byte
	encodeAssociation(rec[:], a, half, tombstone)
	w.assocs = append(w.assocs, rec[:]...)
	w.nAssocs++
	w.track(a.Sequence, tombstone)
	return nil
}

// Seal writes the segment: a zero placeholder header, the four sections,
// then the final header. The file is fsynced and renamed into place, and
// the directory is synced, before Seal returns.
func (w *Writer) Seal(ctx context.Context) (Info, error) {
	content, err := compressBlock(w.content, w.compression)
	if err != nil {
		return Info{}, fmt.Errorf("segment: compress content: %w", err)
	}

	h := Header{
		Version:          version,
		Compression:      w.compression,
		ID:               w.id,
		ConceptCount:     w.nConcepts,
		AssociationCount: w.nAssocs,
		Dimension:        w.dim,
		VectorSize:       uint64(len(w.vectors)),
		ContentSize:      uint64(len(content)),
		CreatedAt:        time.Now().UnixNano(),
	}
	if w.Len() > 0 {
		h.MinSequence, h.MaxSequence = w.minSeq, w.maxSeq
	}
	h.ConceptOffset = HeaderSize
	h.AssocOffset = h.ConceptOffset + uint64(len(w.concepts))
	h.VectorOffset = h.AssocOffset + uint64(len(w.assocs))
	h.ContentOffset = h.VectorOffset + uint64(len(w.vectors))

	name := FileName(w.id)
	final := filepath.Join(w.dir, name)
	tmp := final + ".tmp"

	f, err := w.fsys.OpenFile(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return Info{}, err
	}
	fail := func(err error) (Info, error) {
		_ = f.Close()
		_ = w.fsys.Remove(tmp)
		return Info{}, err
	}

	if _, err := f.Write(make([]byte, HeaderSize)); err != nil {
		return fail(err)
	}
	for _, section := range [][]byte{w.concepts, w.assocs, w.vectors, content} {
		if err := w.writeThrottled(ctx, f, section); err != nil {
			return fail(err)
		}
	}
	if _, err := f.WriteAt(h.encode(), 0); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = w.fsys.Remove(tmp)
		return Info{}, err
	}
	if err := w.fsys.Rename(tmp, final); err != nil {
		_ = w.fsys.Remove(tmp)
		return Info{}, err
	}
	if err := fs.SyncDir(w.fsys, w.dir); err != nil {
		return Info{}, err
	}

	return Info{
		ID:           w.id,
		Name:         name,
		Size:         int64(h.ContentOffset + h.ContentSize),
		Concepts:     w.nConcepts,
		Associations: w.nAssocs,
		Tombstones:   w.tombstones,
		MinSequence:  h.MinSequence,
		MaxSequence:  h.MaxSequence,
	}, nil
}

const throttleChunk = 1 << 20

func (w *Writer) writeThrottled(ctx context.Context, f fs.File, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), throttleChunk)
		if w.throttle != nil {
			if err := w.throttle.AcquireIO(ctx, n); err != nil {
				return err
			}
		}
		if _, err := f.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
