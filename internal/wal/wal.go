package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nranjan2code/sutra-engine-sub008/internal/fs"
)

// Durability controls when appended records reach stable storage.
type Durability int

const (
	// DurabilitySync fsyncs once per appended batch.
	DurabilitySync Durability = iota
	// DurabilityAsync leaves flushing to the OS until Sync or a checkpoint.
	DurabilityAsync
)

const (
	walMagic      = "SUTRAWAL"
	walVersion    = 1
	walHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("wal: incompatible version")
	ErrInvalidHeader       = errors.New("wal: invalid header")
	ErrClosed              = errors.New("wal: closed")
)

// Options configures a WAL.
type Options struct {
	Durability Durability
}

// DefaultOptions returns synchronous durability.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// WAL is an append-only log of shard mutations. A single goroutine (the
// shard reconciler) appends; Size and Close may be called concurrently.
type WAL struct {
	mu     sync.Mutex
	fs     fs.FileSystem
	file   fs.File
	path   string
	opts   Options
	size   int64
	closed bool
}

func encodeHeader() []byte {
	header := make([]byte, walHeaderSize)
	copy(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	return header
}

func checkHeader(header []byte) error {
	if string(header[0:8]) != walMagic {
		return fmt.Errorf("%w: magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
		return fmt.Errorf("%w: version %d (want %d)", ErrIncompatibleVersion, ver, walVersion)
	}
	return nil
}

// Open opens or creates the log at path. A file shorter than the header
// (a crash during creation) is reinitialized.
func Open(fsys fs.FileSystem, path string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := stat.Size()

	if size < walHeaderSize {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.Write(encodeHeader()); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		size = walHeaderSize
	} else {
		header := make([]byte, walHeaderSize)
		if _, err := f.ReadAt(header, 0); err != nil {
			f.Close()
			return nil, err
		}
		if err := checkHeader(header); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &WAL{fs: fsys, file: f, path: path, opts: opts, size: size}, nil
}

// Path returns the file path.
func (w *WAL) Path() string { return w.path }

// Size returns the current size of the log in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Append writes one record.
func (w *WAL) Append(rec *Record) error {
	return w.AppendBatch([]*Record{rec})
}

// AppendBatch writes every record with one write and, under
// DurabilitySync, one fsync (group commit). On failure the log is rolled
// back to its previous length so the batch can be retried as a whole.
func (w *WAL) AppendBatch(recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}
	n := 0
	for _, r := range recs {
		n += r.Size()
	}
	buf := make([]byte, 0, n)
	for _, r := range recs {
		var err error
		if buf, err = r.AppendTo(buf); err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	start := w.size
	_, err := w.file.Write(buf)
	if err == nil && w.opts.Durability == DurabilitySync {
		err = w.file.Sync()
	}
	if err != nil {
		if terr := w.file.Truncate(start); terr != nil {
			return fmt.Errorf("wal: append failed (%v) and rollback failed: %w", err, terr)
		}
		return fmt.Errorf("wal: append: %w", err)
	}
	w.size += int64(len(buf))
	return nil
}

// Sync forces buffered data to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.file.Sync()
}

// Reset atomically replaces the log with an empty one. It is called once
// the manifest durably records a checkpoint covering every logged entry.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := fs.WriteFileAtomic(w.fs, w.path, encodeHeader(), 0o644); err != nil {
		return err
	}
	f, err := w.fs.OpenFile(w.path, os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	_ = w.file.Close()
	w.file = f
	w.size = walHeaderSize
	return nil
}

// Close syncs and closes the file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	serr := w.file.Sync()
	cerr := w.file.Close()
	if serr != nil {
		return serr
	}
	return cerr
}

// Reader iterates over the records of a log file.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	offset int64
}

// NewReader opens path for sequential reading after validating its header.
func NewReader(fsys fs.FileSystem, path string) (*Reader, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	header := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short file", ErrInvalidHeader)
		}
		return nil, err
	}
	if err := checkHeader(header); err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, r: bufio.NewReaderSize(f, 64<<10), offset: walHeaderSize}, nil
}

// Next returns the next record, io.EOF at the end, or the decode error of
// the first invalid record.
func (r *Reader) Next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err != nil {
		return nil, err
	}
	r.offset += n
	return rec, nil
}

// Offset is the end of the last valid record.
func (r *Reader) Offset() int64 { return r.offset }

// Close closes the file.
func (r *Reader) Close() error { return r.f.Close() }
