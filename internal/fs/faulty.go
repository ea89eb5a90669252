package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault")

// Fault describes the failures injected for paths that match a rule.
type Fault struct {
	FailAfterBytes int64 // Fail writes once this many bytes were written to the file. -1 disables.
	FailOnSync     bool
	FailOnTruncate bool
	FailOnClose    bool
	FailOnRename   bool  // Applies when either path of a rename matches.
	Err            error // Defaults to ErrInjected.
}

var noFault = Fault{FailAfterBytes: -1}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

type rule struct {
	pattern string
	fault   Fault
}

// FaultyFS wraps a FileSystem and injects failures into files whose path
// contains a rule's pattern. When several rules match, the one added last
// wins. Faults are fixed when a file is opened.
type FaultyFS struct {
	FS FileSystem

	mu      sync.Mutex
	rules   []rule
	limit   int64 // across all files, -1 if none
	written int64
}

// NewFaultyFS wraps fsys, or Default if nil. No faults are active until
// AddRule or SetLimit is called.
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	return &FaultyFS{FS: OrDefault(fsys), limit: -1}
}

// AddRule injects fault into paths containing pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{pattern: pattern, fault: fault})
}

// SetLimit fails every write once limit bytes were written across all files.
// -1 disables the limit.
func (f *FaultyFS) SetLimit(limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
}

// ClearRules removes all rules and the global limit.
func (f *FaultyFS) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
	f.limit = -1
}

// Written returns the bytes written through all files so far.
func (f *FaultyFS) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

func (f *FaultyFS) match(paths ...string) Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.rules) - 1; i >= 0; i-- {
		for _, p := range paths {
			if strings.Contains(p, f.rules[i].pattern) {
				return f.rules[i].fault
			}
		}
	}
	return noFault
}

// charge counts n bytes against the global limit.
func (f *FaultyFS) charge(n int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit >= 0 && f.written+n > f.limit {
		return false
	}
	f.written += n
	return true
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, fault: f.match(name)}, nil
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	if fault := f.match(oldpath, newpath); fault.FailOnRename {
		return fault.err()
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Remove(name string) error {
	return f.FS.Remove(name)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) {
	return f.FS.ReadDir(name)
}

type faultyFile struct {
	File
	fs    *FaultyFS
	fault Fault

	mu      sync.Mutex
	written int64
}

func (ff *faultyFile) admit(n int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	size := int64(n)
	if limit := ff.fault.FailAfterBytes; limit >= 0 && ff.written+size > limit {
		return ff.fault.err()
	}
	if !ff.fs.charge(size) {
		return ff.fault.err()
	}
	ff.written += size
	return nil
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.admit(len(p)); err != nil {
		return 0, err
	}
	return ff.File.Write(p)
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if err := ff.admit(len(p)); err != nil {
		return 0, err
	}
	return ff.File.WriteAt(p, off)
}

func (ff *faultyFile) Truncate(size int64) error {
	if ff.fault.FailOnTruncate {
		return ff.fault.err()
	}
	return ff.File.Truncate(size)
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.fault.err()
	}
	return ff.File.Sync()
}

// Close closes the underlying file even when it reports an injected fault.
func (ff *faultyFile) Close() error {
	err := ff.File.Close()
	if ff.fault.FailOnClose {
		return ff.fault.err()
	}
	return err
}
