package txn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imgix/eddy/pkg/alloc"
	"github.com/imgix/eddy/pkg/page"
)

type fakeStore struct {
	roots     [NDB]page.No
	xid       uint64
	xmin      uint64
	published [][NDB]page.No
	active    []page.No
}

func (s *fakeStore) Roots() [NDB]page.No { return s.roots }
func (s *fakeStore) PublishRoots(r [NDB]page.No) {
	s.published = append(s.published, r)
	s.roots = r
}
func (s *fakeStore) Xid() uint64         { return s.xid }
func (s *fakeStore) BumpXid() uint64     { s.xid++; return s.xid }
func (s *fakeStore) SetActive(p []page.No) { s.active = p }
func (s *fakeStore) Xmin() uint64        { return s.xmin }

type fakeLocker struct {
	writeHeld, readHeld int
}

func (l *fakeLocker) LockWrite(nonBlocking bool) error { l.writeHeld++; return nil }
func (l *fakeLocker) UnlockWrite() error                { l.writeHeld--; return nil }
func (l *fakeLocker) LockRead(nonBlocking bool) error   { l.readHeld++; return nil }
func (l *fakeLocker) UnlockRead() error                 { l.readHeld--; return nil }

type fakeGrower struct {
	f        *os.File
	nextPage page.No
	pageSize int
}

func (g *fakeGrower) Grow(count uint32) (page.No, error) {
	start := g.nextPage
	if err := g.f.Truncate(int64(g.nextPage+page.No(count)) * int64(g.pageSize)); err != nil {
		return 0, err
	}
	g.nextPage += page.No(count)
	return start, nil
}

func newTestDeps(t *testing.T) (Deps, *fakeStore, *fakeLocker) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txn.db")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Truncate(int64(page.DefaultSize)))

	pool := page.New(f, page.DefaultSize)
	grower := &fakeGrower{f: f, nextPage: 1, pageSize: page.DefaultSize}
	tailBytes := make([]byte, alloc.TailSize)
	allocator := alloc.New(pool, tailBytes, page.NoNone, grower, nil)

	store := &fakeStore{roots: [NDB]page.No{page.NoNone, page.NoNone}}
	locker := &fakeLocker{}

	deps := Deps{
		Pool:       pool,
		Alloc:      allocator,
		Store:      store,
		Locker:     locker,
		EntrySizes: [NDB]uint32{16, 16},
	}
	return deps, store, locker
}

func TestWriteTxnOpenCommitPublishesRootsAndBumpsXid(t *testing.T) {
	deps, store, locker := newTestDeps(t)
	tx := New(deps)
	require.NoError(t, tx.Open(0))
	require.Equal(t, 1, locker.writeHeld)

	entry := make([]byte, 16)
	entry[0] = 7
	_, err := tx.Tree(DBKeys).Insert(7, entry)
	require.NoError(t, err)

	require.NoError(t, tx.Commit())
	require.Equal(t, 0, locker.writeHeld)
	require.Equal(t, uint64(1), store.Xid())
	require.NotEqual(t, page.NoNone, store.Roots()[DBKeys])
}

func TestWriteTxnCloseWithoutCommitReturnsScratchToFreeList(t *testing.T) {
	deps, store, locker := newTestDeps(t)
	tx := New(deps)
	require.NoError(t, tx.Open(0))

	entry := make([]byte, 16)
	entry[0] = 3
	_, err := tx.Tree(DBKeys).Insert(3, entry)
	require.NoError(t, err)
	require.NotEmpty(t, tx.scratch)

	require.NoError(t, tx.Close())
	require.Equal(t, 0, locker.writeHeld)
	require.Equal(t, uint64(0), store.Xid())
	require.Empty(t, store.published)
	require.NotEqual(t, page.NoNone, deps.Alloc.FreeHead(), "drawn pages should be on the free list")
}

func TestCommitAfterCloseIsError(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	tx := New(deps)
	require.NoError(t, tx.Open(0))
	require.NoError(t, tx.Close())
	require.ErrorIs(t, tx.Commit(), ErrClosed)
}

func TestDoubleCloseIsNoop(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	tx := New(deps)
	require.NoError(t, tx.Open(0))
	require.NoError(t, tx.Close())
	require.NoError(t, tx.Close())
}

func TestReadOnlyTxnCannotDraw(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	tx := New(deps)
	require.NoError(t, tx.Open(ReadOnly))
	defer tx.Close()

	entry := make([]byte, 16)
	_, err := tx.Tree(DBKeys).Insert(1, entry)
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestReadOnlyTxnSeesPriorCommit(t *testing.T) {
	deps, _, _ := newTestDeps(t)

	w := New(deps)
	require.NoError(t, w.Open(0))
	entry := make([]byte, 16)
	entry[0] = 11
	_, err := w.Tree(DBKeys).Insert(11, entry)
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	r := New(deps)
	require.NoError(t, r.Open(ReadOnly))
	defer r.Close()
	c, err := r.Tree(DBKeys).Find(11)
	require.NoError(t, err)
	require.True(t, c.Matched())
}

func TestReadOnlyCommitIsEquivalentToClose(t *testing.T) {
	deps, _, locker := newTestDeps(t)
	tx := New(deps)
	require.NoError(t, tx.Open(ReadOnly))
	require.NoError(t, tx.Commit())
	require.Equal(t, 0, locker.readHeld)
}
