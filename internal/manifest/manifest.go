package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"sync"

	ifs "github.com/nranjan2code/sutra-engine-sub008/internal/fs"
	"github.com/nranjan2code/sutra-engine-sub008/internal/hash"
	"github.com/nranjan2code/sutra-engine-sub008/internal/segment"
)

const (
	// FileName is the manifest file inside a shard directory.
	FileName = "MANIFEST"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1

	binaryMagic = "SMAN"
	headerSize  = 16
)

// Manifest describes the durable state of a shard.
type Manifest struct {
	Version             uint32
	Shard               uint32
	Dim                 uint32
	NextSegmentID       uint64
	Checkpoint          uint64
	CheckpointTimestamp int64
	Segments            []segment.Info
}

// New creates an empty manifest for shard.
func New(shard uint32) *Manifest {
	return &Manifest{Version: CurrentVersion, Shard: shard, NextSegmentID: 1}
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Segments = slices.Clone(m.Segments)
	return &c
}

// AllocSegmentID reserves the next segment id.
func (m *Manifest) AllocSegmentID() uint64 {
	id := m.NextSegmentID
	m.NextSegmentID++
	return id
}

// Replace removes the segments in drop and appends add.
func (m *Manifest) Replace(drop []uint64, add ...segment.Info) {
	m.Segments = slices.DeleteFunc(m.Segments, func(s segment.Info) bool {
		return slices.Contains(drop, s.ID)
	})
	m.Segments = append(m.Segments, add...)
	slices.SortFunc(m.Segments, func(a, b segment.Info) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// Lookup returns the segment with id.
func (m *Manifest) Lookup(id uint64) (segment.Info, bool) {
	for _, s := range m.Segments {
		if s.ID == id {
			return s, true
		}
	}
	return segment.Info{}, false
}

// MarshalBinary encodes m with a checksummed header.
func (m *Manifest) MarshalBinary() ([]byte, error) {
	p := make([]byte, 0, 40+len(m.Segments)*72)
	p = binary.LittleEndian.AppendUint32(p, m.Shard)
	p = binary.LittleEndian.AppendUint32(p, m.Dim)
	p = binary.LittleEndian.AppendUint64(p, m.NextSegmentID)
	p = binary.LittleEndian.AppendUint64(p, m.Checkpoint)
	p = binary.LittleEndian.AppendUint64(p, uint64(m.CheckpointTimestamp))
	p = binary.LittleEndian.AppendUint32(p, uint32(len(m.Segments)))
	for _, s := range m.Segments {
		if len(s.Name) > 0xFFFF {
			return nil, fmt.Errorf("segment name too long: %d", len(s.Name))
		}
		p = binary.LittleEndian.AppendUint64(p, s.ID)
		p = binary.LittleEndian.AppendUint64(p, uint64(s.Size))
		p = binary.LittleEndian.AppendUint64(p, s.Concepts)
		p = binary.LittleEndian.AppendUint64(p, s.Associations)
		p = binary.LittleEndian.AppendUint64(p, s.Tombstones)
		p = binary.LittleEndian.AppendUint64(p, s.MinSequence)
		p = binary.LittleEndian.AppendUint64(p, s.MaxSequence)
		p = binary.LittleEndian.AppendUint16(p, uint16(len(s.Name)))
		p = append(p, s.Name...)
	}

	out := make([]byte, headerSize, headerSize+len(p))
	copy(out, binaryMagic)
	binary.LittleEndian.PutUint32(out[4:], CurrentVersion)
	binary.LittleEndian.PutUint32(out[8:], hash.CRC32C(p))
	binary.LittleEndian.PutUint32(out[12:], uint32(len(p)))
	return append(out, p...), nil
}

// UnmarshalBinary decodes data produced by MarshalBinary.
func (m *Manifest) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize || string(data[:4]) != binaryMagic {
		return fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != CurrentVersion {
		return fmt.Errorf("%w: %d", ErrIncompatibleVersion, v)
	}
	sum := binary.LittleEndian.Uint32(data[8:])
	n := binary.LittleEndian.Uint32(data[12:])
	if uint64(n) != uint64(len(data)-headerSize) {
		return fmt.Errorf("%w: length %d, have %d", ErrCorrupt, n, len(data)-headerSize)
	}
	p := data[headerSize:]
	if hash.CRC32C(p) != sum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	r := reader{buf: p}
	out := Manifest{Version: CurrentVersion}
	out.Shard = r.u32()
	out.Dim = r.u32()
	out.NextSegmentID = r.u64()
	out.Checkpoint = r.u64()
	out.CheckpointTimestamp = int64(r.u64())
	count := r.u32()
	if r.err == nil && uint64(count) > uint64(len(p))/58 {
		return fmt.Errorf("%w: segment count %d", ErrCorrupt, count)
	}
	for i := uint32(0); i < count && r.err == nil; i++ {
		var s segment.Info
		s.ID = r.u64()
		s.Size = int64(r.u64())
		s.Concepts = r.u64()
		s.Associations = r.u64()
		s.Tombstones = r.u64()
		s.MinSequence = r.u64()
		s.MaxSequence = r.u64()
		s.Name = r.str()
		out.Segments = append(out.Segments, s)
	}
	if r.err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, r.err)
	}
	*m = out
	return nil
}

type reader struct {
	buf []byte
	pos int
	err error
}

var errShort = errors.New("truncated payload")

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.buf) {
		r.err = errShort
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) str() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	return string(r.take(int(binary.LittleEndian.Uint16(b))))
}

// Store manages the manifest file of one shard directory.
type Store struct {
	fs  ifs.FileSystem
	dir string
	mu  sync.Mutex
}

// NewStore creates a manifest store for dir.
func NewStore(fsys ifs.FileSystem, dir string) *Store {
	if fsys == nil {
		fsys = ifs.Default
	}
	return &Store{fs: fsys, dir: dir}
}

// Path returns the manifest path.
func (s *Store) Path() string { return filepath.Join(s.dir, FileName) }

// Load reads the manifest. It returns ErrNotFound for a fresh directory.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := ifs.ReadFile(s.fs, s.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m := &Manifest{}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return m, nil
}

// Save atomically replaces the manifest with m.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return ifs.WriteFileAtomic(s.fs, s.Path(), data, 0o644)
}

// Orphans lists segment files in the directory that m does not reference.
func (s *Store) Orphans(m *Manifest) ([]string, error) {
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(m.Segments))
	for _, seg := range m.Segments {
		live[seg.Name] = true
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || live[name] {
			continue
		}
		if ok, _ := filepath.Match("seg-*.sst", name); ok {
			out = append(out, name)
			continue
		}
		if ok, _ := filepath.Match("seg-*.sst.tmp", name); ok {
			out = append(out, name)
		}
	}
	return out, nil
}
