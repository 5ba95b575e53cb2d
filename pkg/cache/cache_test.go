package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imgix/eddy/pkg/config"
	"github.com/imgix/eddy/pkg/eddyhash"
	"github.com/imgix/eddy/pkg/index"
)

func newTestCache(t *testing.T, slabSize int64, checksum bool) *Cache {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		IndexPath: filepath.Join(dir, "test.idx"),
		SlabPath:  filepath.Join(dir, "test.slab"),
		SlabSize:  slabSize,
		MaxConns:  8,
		Create:    true,
		Allocate:  true,
		Checksum:  checksum,
	}
	idx, err := index.Open(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return New(idx, eddyhash.AlgXXHash3)
}

func TestReserveGetRoundTrip(t *testing.T) {
	c := newTestCache(t, 4<<20, false)

	data := []byte("the quick brown fox jumps over the lazy dog")
	obj, err := c.Reserve([]byte("greeting"), []byte(`{"lang":"en"}`), int64(len(data)), 0)
	require.NoError(t, err)
	require.NoError(t, obj.Write(data))
	require.NoError(t, obj.Close())

	got, err := c.Get([]byte("greeting"))
	require.NoError(t, err)
	defer got.Close()
	require.Equal(t, data, got.Data())
	require.Equal(t, []byte("greeting"), got.Key())
	meta, err := got.Meta()
	require.NoError(t, err)
	require.Equal(t, `{"lang":"en"}`, string(meta))
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	c := newTestCache(t, 4<<20, false)
	_, err := c.Get([]byte("nope"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReserveSameKeyReplacesPriorObject(t *testing.T) {
	c := newTestCache(t, 4<<20, false)

	obj1, err := c.Reserve([]byte("k"), nil, 5, 0)
	require.NoError(t, err)
	require.NoError(t, obj1.Write([]byte("first")))
	require.NoError(t, obj1.Close())

	obj2, err := c.Reserve([]byte("k"), nil, 6, 0)
	require.NoError(t, err)
	require.NoError(t, obj2.Write([]byte("second")))
	require.NoError(t, obj2.Close())

	got, err := c.Get([]byte("k"))
	require.NoError(t, err)
	defer got.Close()
	require.Equal(t, []byte("second"), got.Data())
}

func TestChecksumMismatchDetected(t *testing.T) {
	c := newTestCache(t, 4<<20, true)

	obj, err := c.Reserve([]byte("k"), []byte("meta"), 4, 0)
	require.NoError(t, err)
	require.NoError(t, obj.Write([]byte("data")))
	require.NoError(t, obj.Close())

	got, err := c.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("data"), got.Data())
	require.NoError(t, got.Close())

	// Corrupt the stored data in place, bypassing the cache API, then
	// confirm Get's checksum verification catches it.
	blockSize := int(c.idx.SlabBlockSize())
	lay := computeLayout(1, 4, 4, blockSize)
	raw, err := c.idx.SlabPool().Map(0, int(lay.blocks))
	require.NoError(t, err)
	raw[lay.dataOff] ^= 0xFF
	require.NoError(t, c.idx.SlabPool().Unmap(raw))

	_, err = c.Get([]byte("k"))
	require.Error(t, err)
	var codeErr *index.CodeError
	require.ErrorAs(t, err, &codeErr)
	require.Equal(t, index.ErrSlabChecksum, codeErr.Code)
}

func TestUpdateTTLExpiresObject(t *testing.T) {
	c := newTestCache(t, 4<<20, false)

	obj, err := c.Reserve([]byte("k"), nil, 4, time.Hour)
	require.NoError(t, err)
	require.NoError(t, obj.Write([]byte("data")))
	require.NoError(t, obj.Close())

	require.NoError(t, c.UpdateTTL([]byte("k"), -time.Second))

	_, err = c.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIterateVisitsEveryLiveKey(t *testing.T) {
	c := newTestCache(t, 4<<20, false)
	want := map[string]bool{"a": true, "b": true, "c": true}
	for k := range want {
		obj, err := c.Reserve([]byte(k), nil, 1, 0)
		require.NoError(t, err)
		require.NoError(t, obj.Write([]byte("x")))
		require.NoError(t, obj.Close())
	}

	seen := map[string]bool{}
	err := c.Iterate(func(key []byte) (bool, error) {
		seen[string(key)] = true
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, want, seen)
}

// TestEvictionOverlap mirrors the "Eviction overlap" end-to-end scenario:
// a small slab filled with same-size objects must, once full, evict the
// oldest object whose block range the writer's cursor wraps back onto.
func TestEvictionOverlap(t *testing.T) {
	const blockSize = 4096
	const objDataLen = blockSize - objHeaderSize - 16 // one data block; with the header block each object spans two
	const slabBlocks = 4
	c := newTestCache(t, int64(slabBlocks*blockSize), false)

	keyFor := func(i int) []byte { return []byte{byte('k'), byte(i)} }
	data := make([]byte, objDataLen)

	for i := 0; i < slabBlocks+2; i++ {
		obj, err := c.Reserve(keyFor(i), nil, int64(len(data)), 0)
		require.NoError(t, err, "reserve %d", i)
		require.NoError(t, obj.Write(data))
		require.NoError(t, obj.Close())
	}

	// The first two objects should have been evicted by wraparound.
	_, err := c.Get(keyFor(0))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(keyFor(1))
	require.ErrorIs(t, err, ErrNotFound)

	// The most recent objects should still be present.
	got, err := c.Get(keyFor(slabBlocks + 1))
	require.NoError(t, err)
	require.Equal(t, data, got.Data())
	require.NoError(t, got.Close())
}
