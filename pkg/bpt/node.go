// Package bpt implements the copy-on-write B+tree keyed by unsigned
// 64-bit integers (spec.md §4.F): duplicate keys, overflow leaves for
// runs that outgrow a single leaf, and split-avoiding-duplicate-runs
// insertion. Every write replaces the nodes along its path with freshly
// drawn pages stamped with the writer's xid (spec.md §4.G); the caller
// (pkg/txn) is responsible for publishing the returned root and for
// enqueuing the discarded page numbers into the garbage collector.
package bpt

import (
	"encoding/binary"
	"errors"

	"github.com/imgix/eddy/pkg/page"
)

// ErrDepthExceeded is returned when a tree grows past MaxDepth levels,
// matching spec.md §4.G's INDEX_DEPTH contract.
var ErrDepthExceeded = errors.New("bpt: tree depth exceeds static cap")

// ErrKeyMismatch is returned when a cursor-relative write's entry does
// not start with the cursor's search key (spec.md §4.G INDEX_KEY_MATCH).
var ErrKeyMismatch = errors.New("bpt: entry key does not match cursor key")

// MaxDepth is the static cap on tree depth (spec.md §4.G: "exceeding a
// small static cap (16)").
const MaxDepth = 16

// nodeHeader is the fixed portion of every node page, following
// page.HeaderSize: xid(8) + next(4) + nkeys(4). next is only
// meaningful for LEAF/OVERFLOW (chains duplicate-key overflow pages);
// it is NoNone on BRANCH nodes.
const nodeHeader = 16

// dataOffset is where a node's keys/pointers/entries begin.
const dataOffset = page.HeaderSize + nodeHeader

func nodeXID(p []byte) uint64         { return binary.LittleEndian.Uint64(p[8:16]) }
func nodeSetXID(p []byte, v uint64)   { binary.LittleEndian.PutUint64(p[8:16], v) }
func nodeNext(p []byte) page.No       { return page.No(binary.LittleEndian.Uint32(p[16:20])) }
func nodeSetNext(p []byte, v page.No) { binary.LittleEndian.PutUint32(p[16:20], uint32(v)) }
func nodeNKeys(p []byte) uint32       { return binary.LittleEndian.Uint32(p[20:24]) }
func nodeSetNKeys(p []byte, v uint32) { binary.LittleEndian.PutUint32(p[20:24], v) }

// branchStride is the per-key stride of a BRANCH node's data region:
// one 4-byte child pointer followed by one 8-byte key (spec.md §3:
// "P[0], K[0], P[1], K[1], ... K[n-1], P[n]").
const branchStride = 12

// branchOrder returns the maximum number of children a BRANCH node of
// pageSize can hold.
func branchOrder(pageSize int) uint32 {
	avail := pageSize - dataOffset - 4 // final P[n] has no trailing key
	if avail < 0 {
		return 0
	}
	return uint32(avail/branchStride) + 1
}

// leafOrder returns the maximum number of fixed-size entries of
// entrySize a LEAF/OVERFLOW node of pageSize can hold.
func leafOrder(pageSize int, entrySize uint32) uint32 {
	avail := pageSize - dataOffset
	if avail < 0 || entrySize == 0 {
		return 0
	}
	return uint32(avail) / entrySize
}

// branchPtr reads child pointer i (0..nkeys inclusive) from a BRANCH
// node. Per spec.md §9, 32-bit pointer slots fall on a multiple of 4
// by construction, but the key reads beside them do not assume
// alignment either way: both go through encoding/binary, which reads
// byte-wise regardless of the slice's underlying alignment.
func branchPtr(p []byte, i uint32) page.No {
	off := dataOffset + int(i)*branchStride
	return page.No(binary.LittleEndian.Uint32(p[off : off+4]))
}

func branchSetPtr(p []byte, i uint32, v page.No) {
	off := dataOffset + int(i)*branchStride
	binary.LittleEndian.PutUint32(p[off:off+4], uint32(v))
}

// branchKey reads separator key i (0..nkeys-1).
func branchKey(p []byte, i uint32) uint64 {
	off := dataOffset + int(i)*branchStride + 4
	return binary.LittleEndian.Uint64(p[off : off+8])
}

func branchSetKey(p []byte, i uint32, v uint64) {
	off := dataOffset + int(i)*branchStride + 4
	binary.LittleEndian.PutUint64(p[off:off+8], v)
}

// entryAt returns a view of LEAF/OVERFLOW entry i.
func entryAt(p []byte, i uint32, entrySize uint32) []byte {
	off := dataOffset + int(i)*int(entrySize)
	return p[off : off+int(entrySize)]
}

func entryKey(e []byte) uint64 { return binary.LittleEndian.Uint64(e[0:8]) }

// initNode stamps a fresh page as a node of the given type, xid, and
// zero key count.
func initNode(p []byte, no page.No, typ page.Type, xid uint64) {
	page.WriteHeader(p, no, typ)
	nodeSetXID(p, xid)
	nodeSetNext(p, page.NoNone)
	nodeSetNKeys(p, 0)
}
