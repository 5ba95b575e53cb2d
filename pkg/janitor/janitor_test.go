package janitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imgix/eddy/pkg/gc"
	"github.com/imgix/eddy/pkg/page"
)

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

type fakeSource struct{ xid uint64 }

func (s *fakeSource) Xid() uint64 { return s.xid }

// fakeConnTable lets tests control Xmin and observe/drive
// ReclaimStale without a real connection table.
type fakeConnTable struct {
	xmin     uint64
	pending  []uint32
	reclaims int
	err      error
}

func (f *fakeConnTable) Xmin(currentXid uint64) uint64 { return f.xmin }

func (f *fakeConnTable) ReclaimStale(xmin uint64, onReclaim func(pending []uint32)) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if len(f.pending) > 0 {
		onReclaim(f.pending)
		f.reclaims++
		return 1, nil
	}
	return 0, nil
}

func newTestGC(t *testing.T) (*gc.GC, *fakeAllocator) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gc.db")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	pool := page.New(f, page.DefaultSize)
	a := &fakeAllocator{f: f, pageSize: page.DefaultSize}
	g := gc.New(pool, a, page.NoNone, page.NoNone, nil, nil)
	return g, a
}

func TestRunGCReclaimsEnqueuedPagesBelowXmin(t *testing.T) {
	g, a := newTestGC(t)
	require.NoError(t, g.Enqueue(5, []page.No{1, 2, 3}))

	conns := &fakeConnTable{xmin: 10}
	src := &fakeSource{xid: 10}
	j := New(g, conns, src, a, nil, Config{})

	j.runGC()
	require.ElementsMatch(t, []page.No{1, 2, 3}, a.freed)
}

func TestRunGCToleratesNilAllocatorOnFailure(t *testing.T) {
	g, _ := newTestGC(t)
	conns := &fakeConnTable{xmin: 0}
	src := &fakeSource{xid: 0}
	j := New(g, conns, src, nil, nil, Config{})

	require.NotPanics(t, func() { j.runGC() })
}

func TestRunReclaimFreesStaleConnectionsPendingPages(t *testing.T) {
	g, a := newTestGC(t)
	conns := &fakeConnTable{xmin: 3, pending: []uint32{7, 8}}
	src := &fakeSource{xid: 3}
	j := New(g, conns, src, a, nil, Config{})

	j.runReclaim()
	require.Equal(t, 1, conns.reclaims)
	require.ElementsMatch(t, []page.No{7, 8}, a.freed)
}

func TestRunReclaimWithNoPendingConnectionsIsNoop(t *testing.T) {
	g, a := newTestGC(t)
	conns := &fakeConnTable{xmin: 3}
	src := &fakeSource{xid: 3}
	j := New(g, conns, src, a, nil, Config{})

	j.runReclaim()
	require.Equal(t, 0, conns.reclaims)
	require.Empty(t, a.freed)
}

func TestNewFillsScheduleDefaults(t *testing.T) {
	g, a := newTestGC(t)
	conns := &fakeConnTable{}
	src := &fakeSource{}
	j := New(g, conns, src, a, nil, Config{})
	require.Equal(t, 64, j.gcStep)
}

func TestNewHonorsExplicitGCStep(t *testing.T) {
	g, a := newTestGC(t)
	conns := &fakeConnTable{}
	src := &fakeSource{}
	j := New(g, conns, src, a, nil, Config{GCStep: 10})
	require.Equal(t, 10, j.gcStep)
}
