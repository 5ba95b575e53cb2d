package flock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lock.db")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4096))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestLockUnlockExclusiveRoundTrip(t *testing.T) {
	f := tempFile(t)
	l := New(f, 0, 64)

	require.NoError(t, l.Lock(LockExclusive, 0))
	require.NoError(t, l.Unlock(LockExclusive, 0))
}

func TestLockUnlockSharedRoundTrip(t *testing.T) {
	f := tempFile(t)
	l := New(f, 0, 64)

	require.NoError(t, l.Lock(LockShared, 0))
	require.NoError(t, l.Unlock(LockShared, 0))
}

func TestSetFileNilDisablesLocking(t *testing.T) {
	f := tempFile(t)
	l := New(f, 0, 64)
	l.SetFile(nil)

	require.NoError(t, l.Lock(LockExclusive, SkipThreadLock))
	require.NoError(t, l.Unlock(LockExclusive, SkipThreadLock))
}

func TestSkipThreadLockBypassesInProcessMutex(t *testing.T) {
	f := tempFile(t)
	l := New(f, 0, 64)

	require.NoError(t, l.Lock(LockExclusive, SkipThreadLock))
	require.NoError(t, l.Lock(LockShared, SkipThreadLock))
	require.NoError(t, l.Unlock(LockShared, SkipThreadLock))
	require.NoError(t, l.Unlock(LockExclusive, SkipThreadLock))
}

func TestTryExclusiveProbeOnUnheldRangeSucceeds(t *testing.T) {
	f := tempFile(t)
	l := New(f, 128, 32)

	held, err := l.TryExclusiveProbe()
	require.NoError(t, err)
	require.False(t, held)
}

func TestTryExclusiveProbeDetectsHeldRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.db")
	f1, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f1.Close()
	require.NoError(t, f1.Truncate(4096))

	f2, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f2.Close()

	holder := New(f1, 0, 16)
	require.NoError(t, holder.Lock(LockExclusive, SkipThreadLock))
	defer holder.Unlock(LockExclusive, SkipThreadLock)

	prober := New(f2, 0, 16)
	held, err := prober.TryExclusiveProbe()
	require.NoError(t, err)
	require.True(t, held)
}

func TestNonOverlappingRangesDoNotConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ranges.db")
	f1, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f1.Close()
	require.NoError(t, f1.Truncate(4096))

	f2, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f2.Close()

	a := New(f1, 0, 16)
	b := New(f2, 16, 16)

	require.NoError(t, a.Lock(LockExclusive, SkipThreadLock))
	defer a.Unlock(LockExclusive, SkipThreadLock)

	require.NoError(t, b.Lock(LockExclusive, SkipThreadLock))
	defer b.Unlock(LockExclusive, SkipThreadLock)
}
