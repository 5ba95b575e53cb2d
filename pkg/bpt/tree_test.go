package bpt

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imgix/eddy/pkg/page"
)

// fakeSource draws pages sequentially by growing the backing file, and
// records every discarded page number for tests that care.
type fakeSource struct {
	f         *os.File
	pageSize  int
	next      page.No
	discarded []page.No
}

func (s *fakeSource) Draw() (page.No, error) {
	no := s.next
	if err := s.f.Truncate(int64(no+1) * int64(s.pageSize)); err != nil {
		return 0, err
	}
	s.next++
	return no, nil
}

func (s *fakeSource) Discard(no page.No) {
	s.discarded = append(s.discarded, no)
}

const testEntrySize = 16

func newTestTree(t *testing.T) (*Tree, *fakeSource) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bpt.db")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	pool := page.New(f, page.DefaultSize)
	src := &fakeSource{f: f, pageSize: page.DefaultSize}
	tree := New(pool, testEntrySize, page.NoNone, 1, src)
	return tree, src
}

func makeEntry(key uint64, tag byte) []byte {
	e := make([]byte, testEntrySize)
	binary.LittleEndian.PutUint64(e[0:8], key)
	for i := 8; i < testEntrySize; i++ {
		e[i] = tag
	}
	return e
}

func TestInsertIntoEmptyTreeThenFind(t *testing.T) {
	tree, _ := newTestTree(t)
	root, err := tree.Insert(5, makeEntry(5, 'a'))
	require.NoError(t, err)
	require.NotEqual(t, page.NoNone, root)

	c, err := tree.Find(5)
	require.NoError(t, err)
	require.True(t, c.Matched())
	e, err := c.Entry()
	require.NoError(t, err)
	require.Equal(t, makeEntry(5, 'a'), e)
}

func TestFindOnEmptyTreeDoesNotMatch(t *testing.T) {
	tree, _ := newTestTree(t)
	c, err := tree.Find(1)
	require.NoError(t, err)
	require.False(t, c.Matched())
}

func TestInsertRejectsMismatchedKey(t *testing.T) {
	tree, _ := newTestTree(t)
	_, err := tree.Insert(5, makeEntry(6, 'a'))
	require.ErrorIs(t, err, ErrKeyMismatch)
}

func TestInsertManyKeysForcesSplitsAndAllAreFindable(t *testing.T) {
	tree, _ := newTestTree(t)
	const n = 2000
	for i := uint64(0); i < n; i++ {
		_, err := tree.Insert(i, makeEntry(i, byte(i)))
		require.NoError(t, err, "insert %d", i)
	}
	for i := uint64(0); i < n; i++ {
		c, err := tree.Find(i)
		require.NoError(t, err)
		require.True(t, c.Matched(), "key %d not found", i)
		e, err := c.Entry()
		require.NoError(t, err)
		require.Equal(t, i, entryKey(e))
	}
}

func TestDuplicateKeysPreserveInsertionOrder(t *testing.T) {
	tree, _ := newTestTree(t)
	_, err := tree.Insert(9, makeEntry(9, 1))
	require.NoError(t, err)
	_, err = tree.Insert(9, makeEntry(9, 2))
	require.NoError(t, err)
	_, err = tree.Insert(9, makeEntry(9, 3))
	require.NoError(t, err)

	c, err := tree.Find(9)
	require.NoError(t, err)
	require.True(t, c.Matched())

	var tags []byte
	for {
		e, err := c.Entry()
		require.NoError(t, err)
		tags = append(tags, e[8])
		ok, err := c.Next()
		require.NoError(t, err)
		if !ok || !c.Matched() {
			break
		}
	}
	require.Equal(t, []byte{1, 2, 3}, tags)
}

func TestDuplicateRunOverflowsIntoChainedLeaf(t *testing.T) {
	tree, _ := newTestTree(t)
	order := leafOrder(page.DefaultSize, testEntrySize)
	for i := uint32(0); i < order+5; i++ {
		_, err := tree.Insert(42, makeEntry(42, byte(i)))
		require.NoError(t, err)
	}

	c, err := tree.Find(42)
	require.NoError(t, err)
	require.True(t, c.Matched())
	count := 0
	for c.Matched() {
		count++
		ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	require.Equal(t, int(order+5), count)
}

func TestDeleteRemovesEntry(t *testing.T) {
	tree, _ := newTestTree(t)
	for i := uint64(0); i < 10; i++ {
		_, err := tree.Insert(i, makeEntry(i, byte(i)))
		require.NoError(t, err)
	}

	c, err := tree.Find(3)
	require.NoError(t, err)
	require.True(t, c.Matched())
	_, err = tree.Delete(c)
	require.NoError(t, err)

	c2, err := tree.Find(3)
	require.NoError(t, err)
	require.False(t, c2.Matched())

	// Siblings remain reachable.
	for _, k := range []uint64{0, 1, 2, 4, 9} {
		c3, err := tree.Find(k)
		require.NoError(t, err)
		require.True(t, c3.Matched(), "key %d missing after delete", k)
	}
}

func TestSetOverwritesEntryInPlace(t *testing.T) {
	tree, _ := newTestTree(t)
	_, err := tree.Insert(1, makeEntry(1, 'a'))
	require.NoError(t, err)

	c, err := tree.Find(1)
	require.NoError(t, err)
	_, err = tree.Set(c, makeEntry(1, 'z'))
	require.NoError(t, err)

	c2, err := tree.Find(1)
	require.NoError(t, err)
	e, err := c2.Entry()
	require.NoError(t, err)
	require.Equal(t, byte('z'), e[8])
}

func TestSetRejectsMismatchedKey(t *testing.T) {
	tree, _ := newTestTree(t)
	_, err := tree.Insert(1, makeEntry(1, 'a'))
	require.NoError(t, err)

	c, err := tree.Find(1)
	require.NoError(t, err)
	_, err = tree.Set(c, makeEntry(2, 'a'))
	require.ErrorIs(t, err, ErrKeyMismatch)
}

func TestWalkVisitsEveryPageExactlyOnce(t *testing.T) {
	tree, _ := newTestTree(t)
	const n = 500
	for i := uint64(0); i < n; i++ {
		_, err := tree.Insert(i, makeEntry(i, byte(i)))
		require.NoError(t, err)
	}

	seen := map[page.No]int{}
	err := tree.Walk(func(no page.No) error {
		seen[no]++
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	for no, count := range seen {
		require.Equal(t, 1, count, "page %d visited more than once", no)
	}
}

func TestWalkOnEmptyTreeIsNoop(t *testing.T) {
	tree, _ := newTestTree(t)
	visited := false
	err := tree.Walk(func(no page.No) error {
		visited = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, visited)
}

func TestCapacityGrowsWithDepth(t *testing.T) {
	c1 := Capacity(testEntrySize, page.DefaultSize, 1)
	c2 := Capacity(testEntrySize, page.DefaultSize, 2)
	require.Greater(t, c2, c1)
	require.Zero(t, Capacity(testEntrySize, page.DefaultSize, 0))
}
