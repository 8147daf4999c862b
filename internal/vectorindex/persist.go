package vectorindex

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"math"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/nranjan2code/sutra-engine-sub008/internal/fs"
	ihash "github.com/nranjan2code/sutra-engine-sub008/internal/hash"
	"github.com/nranjan2code/sutra-engine-sub008/internal/mmap"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// FileName is the index file inside a shard directory.
const FileName = "vectors.hnsw"

const (
	fileMagic   = "SUTRAHNS"
	fileVersion = 1
	headerSize  = 64
)

var nativeLittleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

func pad4(n int) int { return (n + 3) &^ 3 }

// Save writes the index to path: placeholder header, body, final header,
// fsync, rename, directory fsync. Layout after the 64-byte header:
//
//	ids        count*16
//	levels     count bytes, padded to 4
//	vectors    count*dim float32
//	sq8 params count*(min f32, scale f32)   (quantized only)
//	sq8 codes  count*dim bytes, padded to 4 (quantized only)
//	adjacency  per node, per layer: u32 n, n*u32
//	tombstones u32 length + roaring bitmap
func (x *Index) Save(fsys fs.FileSystem, path string) error {
	if fsys == nil {
		fsys = fs.Default
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return ErrClosed
	}

	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return err
	}

	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		return fail(err)
	}
	crc := ihash.NewCRC32C()
	bw := bufio.NewWriterSize(io.MultiWriter(f, crc), 1<<20)
	if err := x.writeBody(bw); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if _, err := f.WriteAt(x.header(crc), 0); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	return fs.SyncDir(fsys, filepath.Dir(path))
}

func (x *Index) header(body hash.Hash32) []byte {
	h := make([]byte, headerSize)
	copy(h, fileMagic)
	binary.LittleEndian.PutUint32(h[8:], fileVersion)
	h[12] = uint8(x.opts.Metric)
	if x.opts.Quantize {
		h[13] = 1
	}
	binary.LittleEndian.PutUint32(h[16:], uint32(x.opts.Dimension))
	binary.LittleEndian.PutUint32(h[20:], uint32(x.opts.M))
	binary.LittleEndian.PutUint32(h[24:], uint32(x.opts.EfConstruction))
	binary.LittleEndian.PutUint32(h[28:], uint32(x.opts.EfSearch))
	binary.LittleEndian.PutUint32(h[32:], uint32(len(x.ids)))
	binary.LittleEndian.PutUint32(h[36:], uint32(x.maxLevel))
	binary.LittleEndian.PutUint64(h[40:], uint64(x.entry))
	binary.LittleEndian.PutUint64(h[48:], x.checkpoint)
	binary.LittleEndian.PutUint32(h[56:], body.Sum32())
	binary.LittleEndian.PutUint32(h[60:], ihash.CRC32C(h[:60]))
	return h
}

func (x *Index) writeBody(w *bufio.Writer) error {
	var scratch [8]byte
	u32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		_, _ = w.Write(scratch[:4])
	}
	zeros := func(n int) { _, _ = w.Write(make([]byte, n)) }

	for _, id := range x.ids {
		_, _ = w.Write(id[:])
	}
	_, _ = w.Write(x.levels)
	zeros(pad4(len(x.levels)) - len(x.levels))

	for _, v := range x.vectors {
		for _, f := range v {
			u32(math.Float32bits(f))
		}
	}

	if x.opts.Quantize {
		for _, q := range x.codes {
			u32(math.Float32bits(q.min))
			u32(math.Float32bits(q.scale))
		}
		for _, q := range x.codes {
			_, _ = w.Write(q.code)
		}
		n := len(x.codes) * x.opts.Dimension
		zeros(pad4(n) - n)
	}

	for _, layers := range x.links {
		for _, conns := range layers {
			u32(uint32(len(conns)))
			for _, c := range conns {
				u32(c)
			}
		}
	}

	var tomb bytes.Buffer
	if _, err := x.deleted.WriteTo(&tomb); err != nil {
		return err
	}
	u32(uint32(tomb.Len()))
	_, err := w.Write(tomb.Bytes())
	return err
}

// Load maps the index file at path. Vectors and SQ8 codes are referenced in
// place from the mapping; only the adjacency lists are decoded. No distances
// are computed.
func Load(path string) (*Index, error) {
	m, err := mmap.Open(path, mmap.AccessRandom)
	if err != nil {
		return nil, err
	}
	x, err := decode(m.Bytes())
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	x.mapping = m
	x.loaded = true
	return x, nil
}

type cursor struct {
	data []byte
	pos  int
	err  error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.pos+n > len(c.data) {
		c.err = fmt.Errorf("%w: truncated at %d", ErrInvalidFile, c.pos)
		return nil
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func decode(data []byte) (*Index, error) {
	if len(data) < headerSize || string(data[:8]) != fileMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidFile)
	}
	h := data[:headerSize]
	if ihash.CRC32C(h[:60]) != binary.LittleEndian.Uint32(h[60:]) {
		return nil, fmt.Errorf("%w: header checksum", ErrInvalidFile)
	}
	if v := binary.LittleEndian.Uint32(h[8:]); v != fileVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidFile, v)
	}
	body := data[headerSize:]
	if ihash.CRC32C(body) != binary.LittleEndian.Uint32(h[56:]) {
		return nil, fmt.Errorf("%w: body checksum", ErrInvalidFile)
	}

	opts := Options{
		Metric:         Metric(h[12]),
		Quantize:       h[13] == 1,
		Dimension:      int(binary.LittleEndian.Uint32(h[16:])),
		M:              int(binary.LittleEndian.Uint32(h[20:])),
		EfConstruction: int(binary.LittleEndian.Uint32(h[24:])),
		EfSearch:       int(binary.LittleEndian.Uint32(h[28:])),
	}
	count := int(binary.LittleEndian.Uint32(h[32:]))
	if err := opts.normalize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	opts.Seed = int64(count) + 1
	dim := opts.Dimension
	if count > len(body)/(16+1+4*dim) {
		return nil, fmt.Errorf("%w: count %d", ErrInvalidFile, count)
	}

	x := newIndex(opts)
	x.maxLevel = int(binary.LittleEndian.Uint32(h[36:]))
	x.entry = int64(binary.LittleEndian.Uint64(h[40:]))
	x.checkpoint = binary.LittleEndian.Uint64(h[48:])
	if x.entry >= int64(count) || (count > 0 && x.entry < 0) {
		return nil, fmt.Errorf("%w: entry point %d", ErrInvalidFile, x.entry)
	}

	c := &cursor{data: body}
	idBytes := c.take(count * 16)
	if lv := c.take(pad4(count)); lv != nil {
		x.levels = lv[:count:count]
	}
	vecBytes := c.take(count * dim * 4)
	var params, codes []byte
	if opts.Quantize {
		params = c.take(count * 8)
		codes = c.take(pad4(count * dim))
	}
	if c.err != nil {
		return nil, c.err
	}

	x.ids = make([]model.ConceptID, count)
	x.vectors = make([][]float32, count)
	var flat []float32
	if count > 0 {
		if nativeLittleEndian {
			flat = unsafe.Slice((*float32)(unsafe.Pointer(&vecBytes[0])), count*dim)
		} else {
			flat = make([]float32, count*dim)
			for i := range flat {
				flat[i] = math.Float32frombits(binary.LittleEndian.Uint32(vecBytes[i*4:]))
			}
		}
	}
	if opts.Quantize {
		x.codes = make([]sq8, count)
	}
	for i := 0; i < count; i++ {
		copy(x.ids[i][:], idBytes[i*16:])
		x.vectors[i] = flat[i*dim : (i+1)*dim : (i+1)*dim]
		if opts.Quantize {
			x.codes[i] = sq8{
				min:   math.Float32frombits(binary.LittleEndian.Uint32(params[i*8:])),
				scale: math.Float32frombits(binary.LittleEndian.Uint32(params[i*8+4:])),
				code:  codes[i*dim : (i+1)*dim : (i+1)*dim],
			}
		}
	}

	x.links = make([][][]uint32, count)
	for i := 0; i < count; i++ {
		layers := make([][]uint32, int(x.levels[i])+1)
		for l := range layers {
			n := int(c.u32())
			if c.err == nil && n > len(c.data)/4 {
				return nil, fmt.Errorf("%w: adjacency of node %d", ErrInvalidFile, i)
			}
			raw := c.take(n * 4)
			if c.err != nil {
				return nil, c.err
			}
			conns := make([]uint32, n, x.maxConns(l)+1)
			for j := range conns {
				conns[j] = binary.LittleEndian.Uint32(raw[j*4:])
				if int(conns[j]) >= count || int(x.levels[conns[j]]) < l {
					return nil, fmt.Errorf("%w: dangling link %d -> %d", ErrInvalidFile, i, conns[j])
				}
			}
			layers[l] = conns
		}
		x.links[i] = layers
	}

	tombLen := int(c.u32())
	tomb := c.take(tombLen)
	if c.err != nil {
		return nil, c.err
	}
	if err := x.deleted.UnmarshalBinary(tomb); err != nil {
		return nil, fmt.Errorf("%w: tombstones: %v", ErrInvalidFile, err)
	}

	// Later nodes win when an id was re-inserted.
	for i, id := range x.ids {
		if !x.deleted.Contains(uint32(i)) {
			x.lookup[id] = uint32(i)
		}
	}
	return x, nil
}
