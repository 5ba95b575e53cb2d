package index

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imgix/eddy/pkg/config"
	"github.com/imgix/eddy/pkg/page"
	"github.com/imgix/eddy/pkg/txn"
)

func newTestIndex(t *testing.T, maxConns int) (*Index, config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		IndexPath: filepath.Join(dir, "test.idx"),
		SlabPath:  filepath.Join(dir, "test.slab"),
		SlabSize:  1 << 20,
		MaxConns:  maxConns,
		Create:    true,
		Allocate:  true,
	}
	idx, err := Open(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx, cfg
}

func TestOpenFormatsAndVerifiesHeader(t *testing.T) {
	idx, _ := newTestIndex(t, 8)
	require.Equal(t, Magic, idx.hdr.Magic())
	require.Equal(t, uint32(Version), idx.hdr.Version())
	require.Equal(t, page.NoNone, idx.Roots()[txn.DBKeys])
	require.Equal(t, page.NoNone, idx.Roots()[txn.DBBlocks])
	require.Equal(t, uint64(0), idx.Xid())
}

func TestOpenRejectsMissingWithoutCreate(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{IndexPath: filepath.Join(dir, "nope.idx")}
	_, err := Open(cfg, nil, nil)
	require.Error(t, err)
}

func TestOpenReopensExistingIndex(t *testing.T) {
	idx, cfg := newTestIndex(t, 8)
	tx, err := idx.Begin(0)
	require.NoError(t, err)
	tree := tx.Tree(txn.DBKeys)
	entry := make([]byte, KeyEntrySize)
	entry[0] = 7
	_, err = tree.Insert(7, entry)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, idx.Close())

	reopened, err := Open(cfg, nil, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, uint64(1), reopened.Xid())
	require.NotEqual(t, page.NoNone, reopened.Roots()[txn.DBKeys])
}

func TestStatReportsHeaderAndTailPages(t *testing.T) {
	idx, _ := newTestIndex(t, 8)
	st, err := idx.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(HeaderPages(idx.PageSize(), 8)), st.HeaderPages)
	require.Empty(t, st.Leaked)
	require.Empty(t, st.MultiRef)
}

// TestCloseSkipsSharedTeardownForInheritedPID simulates a process that
// forked after Open: Close must not release the connection slot or
// close the shared fds, since those belong to the original process
// (spec.md §4.H). It should still be safe to call.
func TestCloseSkipsSharedTeardownForInheritedPID(t *testing.T) {
	idx, _ := newTestIndex(t, 8)
	idx.pid = idx.pid + 1 // pretend Close is running in a forked child

	require.NoError(t, idx.Close())
	require.NotNil(t, idx.myConn, "a forked child must not release the parent's connection slot")
	_, err := idx.indexFile.Stat()
	require.NoError(t, err, "a forked child must not close the shared index file descriptor")
}

func TestRepairIsNoopOnCleanIndex(t *testing.T) {
	idx, _ := newTestIndex(t, 8)
	n, err := idx.Repair()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// TestStatDoesNotLeakGCPendingOrConnectionPendingPages guards against a
// reachability-marking regression: a page enqueued on the GC chain or
// recorded in a live connection's pending[] list must count as seen,
// never as Leaked, or Repair would free it a second time once gc.Run
// or janitor's stale-reclaim path frees it through its real owner.
func TestStatDoesNotLeakGCPendingOrConnectionPendingPages(t *testing.T) {
	idx, _ := newTestIndex(t, 8)

	gcPage, err := idx.alloc.Alloc(1)
	require.NoError(t, err)
	require.NoError(t, idx.gc.Enqueue(idx.hdr.Xid()+1, []page.No{gcPage}))

	connPage, err := idx.alloc.Alloc(1)
	require.NoError(t, err)
	require.NoError(t, idx.myConn.SetPending([]uint32{uint32(connPage)}))

	st, err := idx.Stat()
	require.NoError(t, err)
	require.NotContains(t, st.Leaked, gcPage)
	require.NotContains(t, st.Leaked, connPage)
	require.Equal(t, uint64(1), st.GCPending)
	require.Equal(t, uint64(1), st.PendingPages)
	require.Empty(t, st.MultiRef)

	n, err := idx.Repair()
	require.NoError(t, err)
	require.Equal(t, 0, n, "GC-pending and connection-pending pages must not be freed by Repair")
}

func TestStatCoversTreeGrowthAcrossCommits(t *testing.T) {
	idx, _ := newTestIndex(t, 8)
	for i := uint64(0); i < 400; i++ {
		tx, err := idx.Begin(0)
		require.NoError(t, err)
		entry := make([]byte, KeyEntrySize)
		binary.LittleEndian.PutUint64(entry[0:8], i)
		_, err = tx.Tree(txn.DBKeys).Insert(i, entry)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}
	st, err := idx.Stat()
	require.NoError(t, err)
	require.Greater(t, st.TreePages, uint64(0))
	require.Empty(t, st.MultiRef)
	require.Empty(t, st.Leaked)
}
