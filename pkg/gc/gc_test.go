package gc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imgix/eddy/pkg/page"
)

// fakeAllocator is a minimal in-memory allocator for GC tests: it
// hands out pages from a monotonically increasing counter and records
// every freed page, never reusing them (GC's correctness does not
// depend on free-list reuse).
type fakeAllocator struct {
	f        *os.File
	pageSize int
	next     page.No
	freed    []page.No
}

func (a *fakeAllocator) Alloc(n uint32) (page.No, error) {
	start := a.next
	if err := a.f.Truncate(int64(a.next+page.No(n)) * int64(a.pageSize)); err != nil {
		return 0, err
	}
	a.next += page.No(n)
	return start, nil
}

func (a *fakeAllocator) Free(pages []page.No) error {
	a.freed = append(a.freed, pages...)
	return nil
}

func newTestGC(t *testing.T) (*GC, *fakeAllocator) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gc.db")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	pool := page.New(f, page.DefaultSize)
	a := &fakeAllocator{f: f, pageSize: page.DefaultSize}
	g := New(pool, a, page.NoNone, page.NoNone, nil, nil)
	return g, a
}

func TestEnqueueThenRunReclaimsBelowXmin(t *testing.T) {
	g, a := newTestGC(t)

	require.NoError(t, g.Enqueue(5, []page.No{10, 11, 12}))
	require.NotEqual(t, page.NoNone, g.Head())

	n, err := g.Run(10, 10)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.ElementsMatch(t, []page.No{10, 11, 12}, a.freed)
}

func TestRunDoesNotReclaimAtOrAboveXmin(t *testing.T) {
	g, a := newTestGC(t)

	require.NoError(t, g.Enqueue(20, []page.No{1, 2}))

	n, err := g.Run(20, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, a.freed)
}

func TestEnqueueExtendsCurrentTailListForSameXid(t *testing.T) {
	g, _ := newTestGC(t)

	require.NoError(t, g.Enqueue(7, []page.No{1, 2}))
	require.NoError(t, g.Enqueue(7, []page.No{3, 4}))

	headData, err := g.pool.Map(g.Head(), 1)
	require.NoError(t, err)
	defer g.pool.Unmap(headData)

	xid, pages, _ := decodeListAt(headData, gcHead(headData))
	require.Equal(t, uint64(7), xid)
	require.Equal(t, []page.No{1, 2, 3, 4}, pages)
}

func TestEnqueueStartsNewListForDifferentXid(t *testing.T) {
	g, _ := newTestGC(t)

	require.NoError(t, g.Enqueue(7, []page.No{1}))
	require.NoError(t, g.Enqueue(8, []page.No{2}))

	n, err := g.Run(9, 10)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestRunRespectsLimit(t *testing.T) {
	g, _ := newTestGC(t)

	require.NoError(t, g.Enqueue(1, []page.No{1}))
	require.NoError(t, g.Enqueue(2, []page.No{2}))
	require.NoError(t, g.Enqueue(3, []page.No{3}))

	n, err := g.Run(100, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n2, err := g.Run(100, 2)
	require.NoError(t, err)
	require.Equal(t, 1, n2)
}

func TestEnqueueSpansMultiplePagesWhenFull(t *testing.T) {
	g, _ := newTestGC(t)

	// Each list costs 12 + 4*npages bytes; force several distinct
	// xids with enough pages to overflow one 4KiB GC page.
	for xid := uint64(1); xid <= 400; xid++ {
		require.NoError(t, g.Enqueue(xid, []page.No{page.No(xid)}))
	}

	require.NotEqual(t, g.Head(), g.Tail(), "chain should have grown past a single page")

	n, err := g.Run(1000, 1000)
	require.NoError(t, err)
	require.Equal(t, 400, n)
	require.Equal(t, page.NoNone, g.Head())
	require.Equal(t, page.NoNone, g.Tail())
}

func TestEnqueueEmptyPagesIsNoop(t *testing.T) {
	g, _ := newTestGC(t)
	require.NoError(t, g.Enqueue(1, nil))
	require.Equal(t, page.NoNone, g.Head())
}
