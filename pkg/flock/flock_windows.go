//go:build windows

// LockFileEx/UnlockFileEx byte-range implementation for Windows. Both
// methods are called with l.mu held by the exported
// Lock/Unlock/TryExclusiveProbe.
package flock

import (
	"golang.org/x/sys/windows"
)

func (l *FileLock) osLock(mode LockMode, noBlock bool) error {
	var flags uint32
	if mode == LockExclusive {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	if noBlock {
		flags |= windows.LOCKFILE_FAIL_IMMEDIATELY
	}

	offsetLo := uint32(uint64(l.offset) & 0xffffffff)
	offsetHi := uint32(uint64(l.offset) >> 32)
	lengthLo := uint32(uint64(l.length) & 0xffffffff)
	lengthHi := uint32(uint64(l.length) >> 32)

	overlapped := windows.Overlapped{
		Offset:     offsetLo,
		OffsetHigh: offsetHi,
	}

	err := windows.LockFileEx(windows.Handle(l.f.Fd()), flags, 0, lengthLo, lengthHi, &overlapped)
	if err != nil {
		if noBlock && err == windows.ERROR_LOCK_VIOLATION {
			return ErrWouldBlock
		}
		return err
	}
	return nil
}

func (l *FileLock) osUnlock() error {
	offsetLo := uint32(uint64(l.offset) & 0xffffffff)
	offsetHi := uint32(uint64(l.offset) >> 32)
	lengthLo := uint32(uint64(l.length) & 0xffffffff)
	lengthHi := uint32(uint64(l.length) >> 32)

	overlapped := windows.Overlapped{
		Offset:     offsetLo,
		OffsetHigh: offsetHi,
	}

	return windows.UnlockFileEx(windows.Handle(l.f.Fd()), 0, lengthLo, lengthHi, &overlapped)
}
