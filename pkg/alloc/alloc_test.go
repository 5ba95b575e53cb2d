package alloc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imgix/eddy/pkg/page"
)

type fakeGrower struct {
	f        *os.File
	nextPage page.No
	pageSize int
}

func (g *fakeGrower) Grow(count uint32) (page.No, error) {
	start := g.nextPage
	newSize := int64(g.nextPage+page.No(count)) * int64(g.pageSize)
	if err := g.f.Truncate(newSize); err != nil {
		return 0, err
	}
	g.nextPage += page.No(count)
	return start, nil
}

func newTestAllocator(t *testing.T, startPage page.No) (*Allocator, *fakeGrower) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alloc.db")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Truncate(int64(startPage)*int64(page.DefaultSize)))

	pool := page.New(f, page.DefaultSize)
	grower := &fakeGrower{f: f, nextPage: startPage, pageSize: page.DefaultSize}
	tailBytes := make([]byte, TailSize)

	a := New(pool, tailBytes, page.NoNone, grower, nil)
	return a, grower
}

func TestAllocTailFastPath(t *testing.T) {
	a, _ := newTestAllocator(t, 10)
	SetTail(a.tailBytes, 10, 4)

	start, err := a.Alloc(3)
	require.NoError(t, err)
	require.Equal(t, page.No(10), start)

	_, count := ReadTail(a.tailBytes)
	require.Equal(t, uint32(1), count)
}

func TestAllocGrowsWhenTailAndFreeListEmpty(t *testing.T) {
	a, grower := newTestAllocator(t, 0)

	start, err := a.Alloc(1)
	require.NoError(t, err)
	require.Equal(t, page.No(0), start)
	require.Equal(t, page.No(BatchSize), grower.nextPage)

	_, count := ReadTail(a.tailBytes)
	require.Equal(t, uint32(BatchSize-1), count)
}

func TestAllocRequestLargerThanBatchGrowsExactly(t *testing.T) {
	a, grower := newTestAllocator(t, 0)

	start, err := a.Alloc(40)
	require.NoError(t, err)
	require.Equal(t, page.No(0), start)
	require.Equal(t, page.No(40), grower.nextPage)

	_, count := ReadTail(a.tailBytes)
	require.Equal(t, uint32(0), count)
}

func TestFreePushPopSinglePage(t *testing.T) {
	a, _ := newTestAllocator(t, 20)
	require.NoError(t, a.Free([]page.No{5}))
	require.False(t, a.free.empty())

	pages, err := a.free.pop(1)
	require.NoError(t, err)
	require.Equal(t, []page.No{5}, pages)
	require.True(t, a.free.empty())
}

func TestFreePushPromotesHeadOnOverflow(t *testing.T) {
	a, _ := newTestAllocator(t, 1000)
	capacity := entryCapacity(page.DefaultSize)

	// The first push becomes the head itself; the next `capacity`
	// pushes exactly fill its entries array.
	for i := 0; i <= capacity; i++ {
		require.NoError(t, a.Free([]page.No{page.No(100 + i)}))
	}
	firstHead := a.free.head

	// One more push should overflow: the new page becomes head, and
	// the old head is retyped FREE_CHILD with its payload intact.
	overflow := page.No(999)
	require.NoError(t, a.Free([]page.No{overflow}))
	require.Equal(t, overflow, a.free.head)
	require.NotEqual(t, firstHead, a.free.head)

	data, err := a.pool.Map(firstHead, 1)
	require.NoError(t, err)
	_, typ := page.ReadHeader(data)
	require.Equal(t, page.TypeFreeChild, typ)
	require.NoError(t, a.pool.Unmap(data))
}

func TestFreePopDrainsThenReclaimsHeadItself(t *testing.T) {
	a, _ := newTestAllocator(t, 1000)

	require.NoError(t, a.Free([]page.No{5, 6, 7}))
	firstHead := a.free.head // 5, with entries [6,7]

	pages, err := a.free.pop(3)
	require.NoError(t, err)
	// 7 and 6 come off the entries array; once exhausted, the head
	// page itself (5) is reclaimed and the list becomes empty.
	require.Equal(t, []page.No{7, 6, firstHead}, pages)
	require.True(t, a.free.empty())
}

func TestFreePopAdvancesPastReclaimedHeadToNext(t *testing.T) {
	a, _ := newTestAllocator(t, 1000)
	capacity := entryCapacity(page.DefaultSize)

	for i := 0; i <= capacity; i++ {
		require.NoError(t, a.Free([]page.No{page.No(100 + i)}))
	}
	oldHead := a.free.head
	overflow := page.No(999)
	require.NoError(t, a.Free([]page.No{overflow}))
	require.Equal(t, overflow, a.free.head)

	// Draining the new (empty) head's own page should reclaim it and
	// advance to the chained former head, whose payload is intact.
	got, err := a.free.popOne()
	require.NoError(t, err)
	require.True(t, got.ok)
	require.Equal(t, overflow, got.no)
	require.Equal(t, oldHead, a.free.head)

	data, err := a.pool.Map(a.free.head, 1)
	require.NoError(t, err)
	_, typ := page.ReadHeader(data)
	require.Equal(t, page.TypeFreeChild, typ)
	require.Equal(t, uint32(capacity), flCount(data))
	require.NoError(t, a.pool.Unmap(data))
}
