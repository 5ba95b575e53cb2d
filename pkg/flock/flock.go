// Package flock implements byte-range advisory file locking for
// cross-process coordination (spec.md §4.B).
//
// FileLock wraps fcntl(2) byte-range locks (unix) / LockFileEx
// (windows) with a sync.RWMutex guarding the in-process fast path, so
// that same-process readers and writers serialize without going
// through the kernel, while cross-process waiters still rely on the OS
// lock. The mutex is held for the duration of the underlying syscall so
// that the fd cannot be closed out from under an in-flight lock.
package flock

import (
	"os"
	"sync"
)

// LockMode selects shared (read) or exclusive (write) locking.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// Flag modifies Lock's behavior.
type Flag int

const (
	// NoBlock causes Lock to return ErrWouldBlock instead of waiting
	// when the range is already held elsewhere.
	NoBlock Flag = 1 << iota
	// SkipThreadLock skips the in-process sync.RWMutex fast path,
	// taking only the OS-level lock. Used when the caller already
	// holds the appropriate in-process lock (e.g. a connection-table
	// mutex) and only needs the cross-process guarantee.
	SkipThreadLock
)

// FileLock coordinates a byte range of a file between both goroutines
// in this process (via an RWMutex) and other processes (via an
// advisory OS lock), per spec.md §4.B.
type FileLock struct {
	mu sync.Mutex
	rw sync.RWMutex
	f  *os.File

	offset int64
	length int64
}

// New creates a FileLock guarding [offset, offset+length) of f. A
// length of 0 locks to the end of the file, matching fcntl's
// convention.
func New(f *os.File, offset, length int64) *FileLock {
	return &FileLock{f: f, offset: offset, length: length}
}

// SetFile swaps the underlying file handle. Passing nil drains any
// in-flight lock call (blocks until the internal mutex is free) and
// disables further locking until a non-nil file is set again. Used
// before closing the fd so that a concurrent Lock cannot race Close.
func (l *FileLock) SetFile(f *os.File) {
	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
}

// Lock acquires the byte range in the given mode. With NoBlock set, it
// returns ErrWouldBlock instead of waiting if the range is held
// elsewhere. Unless SkipThreadLock is set, it first takes the
// in-process RWMutex in the matching mode.
func (l *FileLock) Lock(mode LockMode, flags Flag) error {
	if flags&SkipThreadLock == 0 {
		if mode == LockExclusive {
			l.rw.Lock()
		} else {
			l.rw.RLock()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.osLock(mode, flags&NoBlock != 0)
}

// Unlock releases both the OS-level lock and, unless SkipThreadLock
// was passed to the matching Lock call, the in-process RWMutex.
func (l *FileLock) Unlock(mode LockMode, flags Flag) error {
	l.mu.Lock()
	var err error
	if l.f != nil {
		err = l.osUnlock()
	}
	l.mu.Unlock()

	if flags&SkipThreadLock == 0 {
		if mode == LockExclusive {
			l.rw.Unlock()
		} else {
			l.rw.RUnlock()
		}
	}
	return err
}

// TryExclusiveProbe attempts a non-blocking exclusive lock of the
// range and immediately releases it on success. It is used to test
// whether a connection slot's lock is actually held by a live process,
// per spec.md §4.C's stale-holder detection: a holder that is truly
// dead will let the probe succeed.
func (l *FileLock) TryExclusiveProbe() (held bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return false, nil
	}
	if err := l.osLock(LockExclusive, true); err != nil {
		if err == ErrWouldBlock {
			return true, nil
		}
		return false, err
	}
	if err := l.osUnlock(); err != nil {
		return false, err
	}
	return false, nil
}
