package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nranjan2code/sutra-engine-sub008/internal/hash"
	"github.com/nranjan2code/sutra-engine-sub008/internal/snapshot"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

const (
	magic   = "SUTRASEG"
	version = 1

	// HeaderSize is the fixed size of the segment header.
	HeaderSize = 128
	// ConceptRecordSize is the fixed size of one concept record.
	ConceptRecordSize = 80
	// AssociationRecordSize is the fixed size of one association record.
	AssociationRecordSize = 72

	flagSealed    = 1 << 0
	flagTombstone = 1 << 0
	headerCRCAt   = 120
)

var (
	// ErrInvalidSegment is returned for files that are not valid sealed segments.
	ErrInvalidSegment = errors.New("segment: invalid segment file")
	// ErrDimensionMismatch is returned when a vector's length differs from the segment's.
	ErrDimensionMismatch = errors.New("segment: vector dimension mismatch")
)

// Header describes a sealed segment.
type Header struct {
	Version          uint32
	Compression      Compression
	ID               uint64
	ConceptCount     uint64
	AssociationCount uint64
	ConceptOffset    uint64
	AssocOffset      uint64
	VectorOffset     uint64
	ContentOffset    uint64
	VectorSize       uint64
	ContentSize      uint64
	MinSequence      uint64
	MaxSequence      uint64
	Dimension        uint32
	CreatedAt        int64
}

func (h *Header) encode() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:8], magic)
	binary.LittleEndian.PutUint32(b[8:], h.Version)
	b[12] = uint8(h.Compression)
	b[13] = flagSealed
	binary.LittleEndian.PutUint64(b[16:], h.ID)
	binary.LittleEndian.PutUint64(b[24:], h.ConceptCount)
	binary.LittleEndian.PutUint64(b[32:], h.AssociationCount)
	binary.LittleEndian.PutUint64(b[40:], h.ConceptOffset)
	binary.LittleEndian.PutUint64(b[48:], h.AssocOffset)
	binary.LittleEndian.PutUint64(b[56:], h.VectorOffset)
	binary.LittleEndian.PutUint64(b[64:], h.ContentOffset)
	binary.LittleEndian.PutUint64(b[72:], h.ContentSize)
	binary.LittleEndian.PutUint64(b[80:], h.VectorSize)
	binary.LittleEndian.PutUint64(b[88:], h.MinSequence)
	binary.LittleEndian.PutUint64(b[96:], h.MaxSequence)
	binary.LittleEndian.PutUint32(b[104:], h.Dimension)
	binary.LittleEndian.PutUint64(b[112:], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint32(b[headerCRCAt:], hash.CRC32C(b[:headerCRCAt]))
	return b
}

func decodeHeader(b []byte, fileSize uint64) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrInvalidSegment, len(b))
	}
	if string(b[0:8]) != magic {
		return h, fmt.Errorf("%w: bad magic or unsealed", ErrInvalidSegment)
	}
	if got, want := hash.CRC32C(b[:headerCRCAt]), binary.LittleEndian.Uint32(b[headerCRCAt:]); got != want {
		return h, fmt.Errorf("%w: header checksum %08x != %08x", ErrInvalidSegment, got, want)
	}
	if b[13]&flagSealed == 0 {
		return h, fmt.Errorf("%w: not sealed", ErrInvalidSegment)
	}
	h = Header{
		Version:          binary.LittleEndian.Uint32(b[8:]),
		Compression:      Compression(b[12]),
		ID:               binary.LittleEndian.Uint64(b[16:]),
		ConceptCount:     binary.LittleEndian.Uint64(b[24:]),
		AssociationCount: binary.LittleEndian.Uint64(b[32:]),
		ConceptOffset:    binary.LittleEndian.Uint64(b[40:]),
		AssocOffset:      binary.LittleEndian.Uint64(b[48:]),
		VectorOffset:     binary.LittleEndian.Uint64(b[56:]),
		ContentOffset:    binary.LittleEndian.Uint64(b[64:]),
		ContentSize:      binary.LittleEndian.Uint64(b[72:]),
		VectorSize:       binary.LittleEndian.Uint64(b[80:]),
		MinSequence:      binary.LittleEndian.Uint64(b[88:]),
		MaxSequence:      binary.LittleEndian.Uint64(b[96:]),
		Dimension:        binary.LittleEndian.Uint32(b[104:]),
		CreatedAt:        int64(binary.LittleEndian.Uint64(b[112:])),
	}
	if h.Version != version {
		return h, fmt.Errorf("%w: version %d", ErrInvalidSegment, h.Version)
	}

	within := func(off, size uint64) bool { return off >= HeaderSize && off <= fileSize && size <= fileSize-off }
	if h.ConceptCount > fileSize/ConceptRecordSize || h.AssociationCount > fileSize/AssociationRecordSize ||
		!within(h.ConceptOffset, h.ConceptCount*ConceptRecordSize) ||
		!within(h.AssocOffset, h.AssociationCount*AssociationRecordSize) ||
		!within(h.VectorOffset, h.VectorSize) ||
		!within(h.ContentOffset, h.ContentSize) {
		return h, fmt.Errorf("%w: section outside file", ErrInvalidSegment)
	}
	return h, nil
}

// ConceptRecord is a concept version or tombstone stored in a segment.
type ConceptRecord struct {
	Concept   model.Concept
	Tombstone bool
}

// AssociationRecord is an edge version or tombstone stored in a segment.
type AssociationRecord struct {
	Association model.Association
	Half        snapshot.Half
	Tombstone   bool
}

func putF32(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) }
func getF32(b []byte) float32    { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeConcept(b []byte, c *model.Concept, tombstone bool, contentOff uint64, vectorOff uint64) {
	copy(b[0:16], c.ID[:])
	binary.LittleEndian.PutUint64(b[16:], c.Sequence)
	if tombstone {
		b[24] = flagTombstone
	}
	putF32(b[28:], c.Strength)
	putF32(b[32:], c.Confidence)
	binary.LittleEndian.PutUint32(b[36:], c.AccessCount)
	binary.LittleEndian.PutUint64(b[40:], uint64(nanos(c.CreatedAt)))
	binary.LittleEndian.PutUint64(b[48:], uint64(nanos(c.LastAccessed)))
	binary.LittleEndian.PutUint64(b[56:], contentOff)
	binary.LittleEndian.PutUint32(b[64:], uint32(len(c.Content)))
	binary.LittleEndian.PutUint32(b[68:], uint32(len(c.Embedding)))
	binary.LittleEndian.PutUint64(b[72:], vectorOff)
}

func encodeAssociation(b []byte, a *model.Association, half snapshot.Half, tombstone bool) {
	copy(b[0:16], a.Source[:])
	copy(b[16:32], a.Target[:])
	binary.LittleEndian.PutUint64(b[32:], a.Sequence)
	if tombstone {
		b[40] = flagTombstone
	}
	b[41] = uint8(half)
	b[42] = uint8(a.Type)
	putF32(b[44:], a.Confidence)
	putF32(b[48:], a.Weight)
	binary.LittleEndian.PutUint64(b[56:], uint64(nanos(a.CreatedAt)))
	binary.LittleEndian.PutUint64(b[64:], uint64(nanos(a.LastUsed)))
}

func decodeAssociation(b []byte) AssociationRecord {
	var r AssociationRecord
	a := &r.Association
	copy(a.Source[:], b[0:16])
	copy(a.Target[:], b[16:32])
	a.Sequence = binary.LittleEndian.Uint64(b[32:])
	r.Tombstone = b[40]&flagTombstone != 0
	r.Half = snapshot.Half(b[41])
	a.Type = model.AssociationType(b[42])
	a.Confidence = getF32(b[44:])
	a.Weight = getF32(b[48:])
	a.CreatedAt = fromNanos(int64(binary.LittleEndian.Uint64(b[56:])))
	a.LastUsed = fromNanos(int64(binary.LittleEndian.Uint64(b[64:])))
	return r
}
