package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nranjan2code/sutra-engine-sub008/internal/hash"
)

var (
	// ErrCorrupt marks a record whose length or checksum is invalid.
	ErrCorrupt = errors.New("wal: corrupt record")
	// ErrRecordTooLarge is returned when encoding a record above MaxRecordSize.
	ErrRecordTooLarge = errors.New("wal: record too large")
)

const (
	// MaxRecordSize bounds the body of a single record.
	MaxRecordSize = 64 << 20

	prefixSize  = 8  // length u32 + crc u32
	fixedBody   = 18 // seq u64 + ts i64 + op u8 + flags u8
	txIDSize    = 16
	flagHasTxID = 1 << 0
)

// Record is one framed WAL entry:
//
//	[len u32][crc32c u32][seq u64][ts i64][op u8][flags u8][txid 16B if flagged][payload]
//
// len counts the bytes after the crc; the crc covers the same bytes.
type Record struct {
	Sequence  uint64
	Timestamp int64
	Op        uint8
	TxID      [16]byte
	Payload   []byte
}

func (r *Record) hasTxID() bool { return r.TxID != [16]byte{} }

func (r *Record) bodySize() int {
	n := fixedBody + len(r.Payload)
	if r.hasTxID() {
		n += txIDSize
	}
	return n
}

// Size is the encoded size including the length/crc prefix.
func (r *Record) Size() int { return prefixSize + r.bodySize() }

// AppendTo appends the encoded record to buf.
func (r *Record) AppendTo(buf []byte) ([]byte, error) {
	body := r.bodySize()
	if body > MaxRecordSize {
		return buf, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, body)
	}

	start := len(buf)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(body))
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint64(buf, r.Sequence)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timestamp))
	var flags uint8
	if r.hasTxID() {
		flags |= flagHasTxID
	}
	buf = append(buf, r.Op, flags)
	if r.hasTxID() {
		buf = append(buf, r.TxID[:]...)
	}
	buf = append(buf, r.Payload...)

	crc := hash.CRC32C(buf[start+prefixSize:])
	binary.LittleEndian.PutUint32(buf[start+4:], crc)
	return buf, nil
}

// Encode writes the record to w.
func (r *Record) Encode(w io.Writer) error {
	buf, err := r.AppendTo(make([]byte, 0, r.Size()))
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads one record. It returns io.EOF at a clean end of stream,
// io.ErrUnexpectedEOF for a torn record and ErrCorrupt for an invalid one.
// n is the number of bytes the record occupied.
func Decode(r io.Reader) (rec *Record, n int64, err error) {
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, 0, err
	}
	size := binary.LittleEndian.Uint32(prefix[0:4])
	want := binary.LittleEndian.Uint32(prefix[4:8])
	if size < fixedBody || size > MaxRecordSize {
		return nil, 0, fmt.Errorf("%w: length %d", ErrCorrupt, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	if got := hash.CRC32C(body); got != want {
		return nil, 0, fmt.Errorf("%w: checksum %08x != %08x", ErrCorrupt, got, want)
	}

	rec = &Record{
		Sequence:  binary.LittleEndian.Uint64(body[0:8]),
		Timestamp: int64(binary.LittleEndian.Uint64(body[8:16])),
		Op:        body[16],
	}
	flags := body[17]
	rest := body[fixedBody:]
	if flags&flagHasTxID != 0 {
		if len(rest) < txIDSize {
			return nil, 0, fmt.Errorf("%w: truncated transaction id", ErrCorrupt)
		}
		copy(rec.TxID[:], rest[:txIDSize])
		rest = rest[txIDSize:]
	}
	if len(rest) > 0 {
		rec.Payload = rest
	}
	return rec, int64(prefixSize) + int64(size), nil
}
