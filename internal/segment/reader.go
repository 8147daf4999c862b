package segment

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/nranjan2code/sutra-engine-sub008/internal/mmap"
)

// Reader gives access to a sealed segment through a read-only mapping.
type Reader struct {
	m      *mmap.Mapping
	data   []byte
	header Header

	contentOnce sync.Once
	content     []byte
	contentErr  error
}

// Open maps and validates the segment at path.
func Open(path string) (*Reader, error) {
	m, err := mmap.Open(path, mmap.AccessSequential)
	if err != nil {
		return nil, err
	}
	data := m.Bytes()
	h, err := decodeHeader(data, uint64(len(data)))
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Reader{m: m, data: data, header: h}, nil
}

// Header returns the segment header.
func (r *Reader) Header() Header { return r.header }

// Close unmaps the file. Records returned earlier stay valid: they never
// alias the mapping.
func (r *Reader) Close() error { return r.m.Close() }

func (r *Reader) rawContent() ([]byte, error) {
	r.contentOnce.Do(func() {
		h := r.header
		block := r.data[h.ContentOffset : h.ContentOffset+h.ContentSize]
		r.content, r.contentErr = decompressBlock(block, h.Compression)
	})
	return r.content, r.contentErr
}

// Concepts calls fn for every concept record in file order.
func (r *Reader) Concepts(fn func(ConceptRecord) error) error {
	content, err := r.rawContent()
	if err != nil {
		return err
	}
	h := r.header
	vectors := r.data[h.VectorOffset : h.VectorOffset+h.VectorSize]

	for i := uint64(0); i < h.ConceptCount; i++ {
		off := h.ConceptOffset + i*ConceptRecordSize
		rec, err := r.decodeConcept(r.data[off:off+ConceptRecordSize], content, vectors)
		if err != nil {
			return fmt.Errorf("concept record %d: %w", i, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) decodeConcept(b, content, vectors []byte) (ConceptRecord, error) {
	var rec ConceptRecord
	c := &rec.Concept
	copy(c.ID[:], b[0:16])
	c.Sequence = binary.LittleEndian.Uint64(b[16:])
	rec.Tombstone = b[24]&flagTombstone != 0
	c.Strength = getF32(b[28:])
	c.Confidence = getF32(b[32:])
	c.AccessCount = binary.LittleEndian.Uint32(b[36:])
	c.CreatedAt = fromNanos(int64(binary.LittleEndian.Uint64(b[40:])))
	c.LastAccessed = fromNanos(int64(binary.LittleEndian.Uint64(b[48:])))

	contentOff := binary.LittleEndian.Uint64(b[56:])
	contentLen := uint64(binary.LittleEndian.Uint32(b[64:]))
	dim := uint64(binary.LittleEndian.Uint32(b[68:]))
	vectorOff := binary.LittleEndian.Uint64(b[72:])

	if contentOff > uint64(len(content)) || contentLen > uint64(len(content))-contentOff {
		return rec, fmt.Errorf("%w: content out of range", ErrInvalidSegment)
	}
	if vectorOff > uint64(len(vectors)) || dim*4 > uint64(len(vectors))-vectorOff {
		return rec, fmt.Errorf("%w: vector out of range", ErrInvalidSegment)
	}
	if contentLen > 0 {
		c.Content = append([]byte(nil), content[contentOff:contentOff+contentLen]...)
	}
	if dim > 0 {
		c.Embedding = make([]float32, dim)
		for j := range c.Embedding {
			at := vectorOff + uint64(j)*4
			c.Embedding[j] = math.Float32frombits(binary.LittleEndian.Uint32(vectors[at:]))
		}
	}
	c.ContentOffset = contentOff
	c.EmbeddingOffset = r.header.VectorOffset + vectorOff
	return rec, nil
}

// Associations calls fn for every association record in file order.
func (r *Reader) Associations(fn func(AssociationRecord) error) error {
	h := r.header
	for i := uint64(0); i < h.AssociationCount; i++ {
		off := h.AssocOffset + i*AssociationRecordSize
		if err := fn(decodeAssociation(r.data[off : off+AssociationRecordSize])); err != nil {
			return err
		}
	}
	return nil
}
