package page

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempPagedFile(t *testing.T, pages int, pageSize int) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pages.db")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(pages*pageSize)))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestPoolMapWritesThroughToFile(t *testing.T) {
	f := tempPagedFile(t, 4, DefaultSize)
	pool := New(f, DefaultSize)

	data, err := pool.Map(1, 1)
	require.NoError(t, err)
	require.Len(t, data, DefaultSize)

	WriteHeader(data, 1, TypeLeaf)
	require.NoError(t, pool.Unmap(data))

	data2, err := pool.Map(1, 1)
	require.NoError(t, err)
	no, typ := ReadHeader(data2)
	require.Equal(t, No(1), no)
	require.Equal(t, TypeLeaf, typ)
	require.NoError(t, pool.Unmap(data2))
}

func TestPoolMapRejectsNoNone(t *testing.T) {
	f := tempPagedFile(t, 2, DefaultSize)
	pool := New(f, DefaultSize)

	_, err := pool.Map(NoNone, 1)
	require.ErrorIs(t, err, ErrNoPage)
}

func TestPoolMapMultiPageRange(t *testing.T) {
	f := tempPagedFile(t, 8, DefaultSize)
	pool := New(f, DefaultSize)

	data, err := pool.Map(2, 3)
	require.NoError(t, err)
	require.Len(t, data, 3*DefaultSize)
	require.NoError(t, pool.Unmap(data))
}

func TestSlotLoadCachesSamePage(t *testing.T) {
	f := tempPagedFile(t, 4, DefaultSize)
	pool := New(f, DefaultSize)
	slot := NewSlot(pool)

	a, err := slot.Load(1)
	require.NoError(t, err)
	b, err := slot.Load(1)
	require.NoError(t, err)
	require.Equal(t, &a[0], &b[0], "loading the same page twice should not remap")

	require.NoError(t, slot.Unload())
}

func TestSlotLoadRemapsOnDifferentPage(t *testing.T) {
	f := tempPagedFile(t, 4, DefaultSize)
	pool := New(f, DefaultSize)
	slot := NewSlot(pool)

	data1, err := slot.Load(1)
	require.NoError(t, err)
	WriteHeader(data1, 1, TypeLeaf)

	data2, err := slot.Load(2)
	require.NoError(t, err)
	WriteHeader(data2, 2, TypeBranch)

	no, typ := ReadHeader(data2)
	require.Equal(t, No(2), no)
	require.Equal(t, TypeBranch, typ)

	require.NoError(t, slot.Unload())
}

func TestSlotUnloadIsIdempotent(t *testing.T) {
	f := tempPagedFile(t, 2, DefaultSize)
	pool := New(f, DefaultSize)
	slot := NewSlot(pool)

	require.NoError(t, slot.Unload())

	_, err := slot.Load(0)
	require.NoError(t, err)
	require.NoError(t, slot.Unload())
	require.NoError(t, slot.Unload())
}

func TestDebugPoolReportsLeak(t *testing.T) {
	f := tempPagedFile(t, 2, DefaultSize)
	dbg := NewDebug(New(f, DefaultSize))

	_, err := dbg.Map(0, 1)
	require.NoError(t, err)

	err = dbg.Close()
	require.Error(t, err)
}

func TestDebugPoolCleanRoundTrip(t *testing.T) {
	f := tempPagedFile(t, 2, DefaultSize)
	dbg := NewDebug(New(f, DefaultSize))

	data, err := dbg.Map(0, 1)
	require.NoError(t, err)
	require.NoError(t, dbg.Unmap(data))
	require.NoError(t, dbg.Close())
}

func TestDebugPoolFlagsUntrackedUnmap(t *testing.T) {
	f := tempPagedFile(t, 2, DefaultSize)
	pool := New(f, DefaultSize)
	dbg := NewDebug(pool)

	data, err := pool.Map(0, 1)
	require.NoError(t, err)

	err = dbg.Unmap(data)
	require.Error(t, err)
	require.NoError(t, pool.Unmap(data))
}
