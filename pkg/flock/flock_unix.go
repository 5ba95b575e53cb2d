//go:build unix

// fcntl(2) byte-range implementation for Unix platforms. Both methods
// are called with l.mu held by the exported Lock/Unlock/TryExclusiveProbe.
package flock

import (
	"golang.org/x/sys/unix"
)

func (l *FileLock) osLock(mode LockMode, noBlock bool) error {
	typ := int16(unix.F_RDLCK)
	if mode == LockExclusive {
		typ = unix.F_WRLCK
	}

	fl := unix.Flock_t{
		Type:   typ,
		Whence: int16(0), // SEEK_SET
		Start:  l.offset,
		Len:    l.length,
	}

	cmd := unix.F_SETLKW
	if noBlock {
		cmd = unix.F_SETLK
	}

	if err := unix.FcntlFlock(l.f.Fd(), cmd, &fl); err != nil {
		if noBlock && (err == unix.EACCES || err == unix.EAGAIN) {
			return ErrWouldBlock
		}
		return err
	}
	return nil
}

func (l *FileLock) osUnlock() error {
	fl := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(0),
		Start:  l.offset,
		Len:    l.length,
	}
	return unix.FcntlFlock(l.f.Fd(), unix.F_SETLK, &fl)
}
