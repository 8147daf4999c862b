package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault")

// Fault describes how operations on matching files fail.
type Fault struct {
	FailOnWrite    bool
	FailAfterBytes int64 // writes fail once the file would exceed this many bytes; 0 disables
	FailOnSync     bool
	FailOnClose    bool
	FailOnRename   bool
	// Times bounds how many operations fail before the rule disarms; 0 means forever.
	Times int
	Err   error
}

type rule struct {
	fault Fault
	hits  int
}

// FaultyFS is a FileSystem wrapper that injects errors for files whose
// path contains a registered pattern.
type FaultyFS struct {
	FS    FileSystem
	mu    sync.Mutex
	rules map[string]*rule
}

// NewFaultyFS wraps fs (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{FS: fs, rules: make(map[string]*rule)}
}

// AddRule registers a fault for paths containing pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = &rule{fault: fault}
}

// ClearRules disarms every fault.
func (f *FaultyFS) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]*rule)
}

// trip reports the error to inject for name if check matches an armed rule.
func (f *FaultyFS) trip(name string, check func(Fault) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, r := range f.rules {
		if !strings.Contains(name, pattern) || !check(r.fault) {
			continue
		}
		if r.fault.Times > 0 {
			if r.hits >= r.fault.Times {
				continue
			}
			r.hits++
		}
		if r.fault.Err != nil {
			return r.fault.Err
		}
		return ErrInjected
	}
	return nil
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, name: name}, nil
}

func (f *FaultyFS) Remove(name string) error { return f.FS.Remove(name) }

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	if err := f.trip(newpath, func(ft Fault) bool { return ft.FailOnRename }); err != nil {
		return err
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) { return f.FS.Stat(name) }

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) { return f.FS.ReadDir(name) }

func (f *FaultyFS) Truncate(name string, size int64) error { return f.FS.Truncate(name, size) }

type faultyFile struct {
	File
	fs      *FaultyFS
	name    string
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	next := ff.written + int64(len(p))
	if err := ff.fs.trip(ff.name, func(ft Fault) bool {
		return ft.FailOnWrite || (ft.FailAfterBytes > 0 && next > ft.FailAfterBytes)
	}); err != nil {
		return 0, err
	}
	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) Sync() error {
	if err := ff.fs.trip(ff.name, func(ft Fault) bool { return ft.FailOnSync }); err != nil {
		return err
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if err := ff.fs.trip(ff.name, func(ft Fault) bool { return ft.FailOnClose }); err != nil {
		_ = ff.File.Close()
		return err
	}
	return ff.File.Close()
}
