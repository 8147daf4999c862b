package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// ErrMalformed is returned when an entry payload cannot be decoded.
var ErrMalformed = errors.New("snapshot: malformed entry payload")

var snapshotMagic = [4]byte{'S', 'N', 'A', 'P'}

type encoder struct{ buf []byte }

func (e *encoder) u8(v uint8)    { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32)  { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64)  { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i64(v int64)   { e.u64(uint64(v)) }
func (e *encoder) f32(v float32) { e.u32(math.Float32bits(v)) }
func (e *encoder) id(v model.ConceptID) {
	e.buf = append(e.buf, v[:]...)
}

func (e *encoder) bytes(v []byte) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) floats(v []float32) {
	e.u32(uint32(len(v)))
	for _, f := range v {
		e.f32(f)
	}
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = ErrMalformed
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) f32() float32 { return math.Float32frombits(d.u32()) }

func (d *decoder) id() model.ConceptID {
	var id model.ConceptID
	copy(id[:], d.take(len(id)))
	return id
}

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	b := d.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *decoder) floats() []float32 {
	n := int(d.u32())
	if d.err != nil {
		return nil
	}
	if n > len(d.buf)/4 {
		d.err = ErrMalformed
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = d.f32()
	}
	return out
}

// MarshalPayload encodes the operation-specific part of the entry. Sequence,
// timestamp and transaction id are framed by the WAL record.
func (e *Entry) MarshalPayload() []byte {
	enc := encoder{buf: make([]byte, 0, 32+len(e.Content)+4*len(e.Embedding))}
	switch e.Op {
	case OpAddConcept:
		enc.id(e.ID)
		enc.f32(e.Strength)
		enc.f32(e.Confidence)
		enc.bytes(e.Content)
		enc.floats(e.Embedding)
	case OpAddAssociation:
		enc.id(e.Edge.Source)
		enc.id(e.Edge.Target)
		enc.u8(uint8(e.Edge.Type))
		enc.u8(uint8(e.Half))
		enc.f32(e.Edge.Confidence)
		enc.f32(e.Edge.Weight)
	case OpUpdateStrength:
		enc.id(e.ID)
		enc.f32(e.Strength)
	case OpDeleteConcept:
		enc.id(e.ID)
	}
	return enc.buf
}

// UnmarshalPayload fills the operation fields of e from payload. e.Op must
// already be set.
func (e *Entry) UnmarshalPayload(payload []byte) error {
	d := decoder{buf: payload}
	switch e.Op {
	case OpAddConcept:
		e.ID = d.id()
		e.Strength = d.f32()
		e.Confidence = d.f32()
		e.Content = d.bytes()
		e.Embedding = d.floats()
	case OpAddAssociation:
		e.Edge.Source = d.id()
		e.Edge.Target = d.id()
		e.Edge.Type = model.AssociationType(d.u8())
		e.Half = Half(d.u8())
		e.Edge.Confidence = d.f32()
		e.Edge.Weight = d.f32()
	case OpUpdateStrength:
		e.ID = d.id()
		e.Strength = d.f32()
	case OpDeleteConcept:
		e.ID = d.id()
	default:
		return fmt.Errorf("%w: unknown op %d", ErrMalformed, e.Op)
	}
	if d.err != nil {
		return fmt.Errorf("%w: %s", d.err, e.Op)
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes in %s", ErrMalformed, len(d.buf), e.Op)
	}
	return nil
}

// MarshalBinary encodes the logical graph state deterministically: two
// snapshots holding the same concepts, edges and position encode to the
// same bytes. Segment locators are storage details and are not encoded.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	enc := encoder{buf: append([]byte(nil), snapshotMagic[:]...)}
	enc.u64(s.sequence)
	enc.i64(s.timestamp)

	enc.u64(uint64(s.concepts.Len()))
	s.Concepts(func(c *model.Concept) bool {
		enc.id(c.ID)
		enc.u64(c.Sequence)
		enc.f32(c.Strength)
		enc.f32(c.Confidence)
		enc.u32(c.AccessCount)
		enc.i64(c.CreatedAt.UnixNano())
		enc.i64(c.LastAccessed.UnixNano())
		enc.bytes(c.Content)
		enc.floats(c.Embedding)
		return true
	})

	var edges encoder
	var n uint64
	s.Associations(func(a *model.Association, half Half) bool {
		n++
		edges.id(a.Source)
		edges.id(a.Target)
		edges.u8(uint8(half))
		edges.u8(uint8(a.Type))
		edges.u64(a.Sequence)
		edges.f32(a.Confidence)
		edges.f32(a.Weight)
		edges.i64(a.CreatedAt.UnixNano())
		edges.i64(a.LastUsed.UnixNano())
		return true
	})
	enc.u64(n)
	enc.buf = append(enc.buf, edges.buf...)
	return enc.buf, nil
}
