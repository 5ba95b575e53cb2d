package cache

import (
	"encoding/binary"

	"github.com/imgix/eddy/pkg/index"
	"github.com/imgix/eddy/pkg/page"
)

// keyEntry is the keys-tree payload: the seeded key hash (also the
// tree's search key), the object's slab location, its block count, and
// its expiry, matching spec.md §3's key-entry layout.
type keyEntry [index.KeyEntrySize]byte

func newKeyEntry(hash uint64, blockNo page.No, blockCount uint32, expiry int64) keyEntry {
	var e keyEntry
	binary.LittleEndian.PutUint64(e[0:8], hash)
	binary.LittleEndian.PutUint32(e[8:12], uint32(blockNo))
	binary.LittleEndian.PutUint32(e[12:16], blockCount)
	binary.LittleEndian.PutUint64(e[16:24], uint64(expiry))
	return e
}

func decodeKeyEntry(b []byte) keyEntry {
	var e keyEntry
	copy(e[:], b)
	return e
}

func (e keyEntry) hash() uint64       { return binary.LittleEndian.Uint64(e[0:8]) }
func (e keyEntry) blockNo() page.No   { return page.No(binary.LittleEndian.Uint32(e[8:12])) }
func (e keyEntry) blockCount() uint32 { return binary.LittleEndian.Uint32(e[12:16]) }
func (e keyEntry) expiry() int64      { return int64(binary.LittleEndian.Uint64(e[16:24])) }

// blockEntry is the blocks-tree payload, keyed by block_no widened to
// u64: the object's block count and the xid that reserved it, letting
// Reserve find and evict whatever object currently occupies a block
// range (spec.md §4.I "Reserve").
type blockEntry [index.BlockEntrySize]byte

func newBlockEntry(blockNo page.No, blockCount uint32, xid uint64) blockEntry {
	var e blockEntry
	binary.LittleEndian.PutUint64(e[0:8], uint64(blockNo))
	binary.LittleEndian.PutUint32(e[8:12], blockCount)
	binary.LittleEndian.PutUint64(e[16:24], xid)
	return e
}

func decodeBlockEntry(b []byte) blockEntry {
	var e blockEntry
	copy(e[:], b)
	return e
}

func (e blockEntry) blockNo() page.No   { return page.No(binary.LittleEndian.Uint64(e[0:8])) }
func (e blockEntry) blockCount() uint32 { return binary.LittleEndian.Uint32(e[8:12]) }
func (e blockEntry) xid() uint64        { return binary.LittleEndian.Uint64(e[16:24]) }
