package mmap

import "errors"

// AccessPattern is an advisory hint for the kernel page cache.
type AccessPattern int

const (
	// AccessDefault leaves readahead to the kernel.
	AccessDefault AccessPattern = iota
	// AccessSequential suits segment scans during replay and compaction.
	AccessSequential
	// AccessRandom suits graph walks over a loaded vector index.
	AccessRandom
)

var (
	ErrClosed      = errors.New("mmap: mapping is closed")
	ErrInvalidSize = errors.New("mmap: file too large to map")
	ErrOutOfRange  = errors.New("mmap: region out of range")
)
