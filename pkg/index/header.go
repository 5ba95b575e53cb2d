// Package index implements the index header, opener, and error
// taxonomy (spec.md §4.H, §6): validating or formatting page 0,
// mounting the slab file, and wiring together the allocator,
// connection table, garbage collector, and transaction layer that
// together make up an open Index.
package index

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/imgix/eddy/pkg/alloc"
	"github.com/imgix/eddy/pkg/config"
	"github.com/imgix/eddy/pkg/conn"
	"github.com/imgix/eddy/pkg/page"
	"github.com/imgix/eddy/pkg/txn"
)

// wordPtr returns a pointer to the 8-byte-aligned word at offset off
// within data, for lock-free atomic access (spec.md §9), mirroring
// pkg/alloc's tailWord.
func wordPtr(data []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&data[off])
}

// Magic identifies an eddy index file.
var Magic = [8]byte{'E', 'D', 'D', 'Y', 'I', 'D', 'X', 0}

// EndianMark is written and checked verbatim; a mismatched read proves
// the file was written on a host of different byte order (spec.md §6:
// "Little- or big-endian per host; the header records which"). Eddy
// itself always encodes little-endian; a foreign-endian file is
// reported via ErrIndexEndian rather than transcoded.
const EndianMark = 0x01020304

// Version is the on-disk format version this package reads and writes.
const Version = 1

// KeyEntrySize and BlockEntrySize are the fixed entry widths of eddy's
// two B+trees (spec.md §3): a key entry {hash, block_no, block_count,
// expiry} and a block entry {block_no, block_count, pad, xid}, both 24
// bytes.
const (
	KeyEntrySize   = 24
	BlockEntrySize = 24
)

// ActiveMax bounds the header's active[] array: the pages the current
// in-flight write transaction has drawn but not yet committed
// (spec.md §3). A transaction that draws more than this many pages
// still commits correctly; only the crash-recovery visibility of the
// excess pages is reduced, the same tradeoff as conn.NPending.
const ActiveMax = 256

// Field offsets within the mapped header region (page 0 plus however
// many overflow pages the connection table needs), all past the
// generic page.HeaderSize {page_no,type} pair written at offset 0.
//
// Offsets are laid out explicitly (rather than chained arithmetic) so
// that every field accessed atomically (tail, xid, pos, the root
// generation word) falls on an 8-byte boundary, which unsafe-pointer
// atomic access requires.
const (
	offMagic     = page.HeaderSize // 8
	offEndian    = 16
	offVersion   = 20
	offSeed      = 24
	offCreated   = 32
	offFlags     = 40
	offPageSize  = 44
	offSlabBlock = 48
	offMaxConns  = 52
	offTail      = 56 // alloc.TailSize (8), 8-byte aligned
	offGCHead    = 64
	offGCTail    = 68
	offFreeHead  = 72
	// 4 bytes of padding at 76 keep offXid 8-byte aligned.
	offXid       = 80
	offPos       = 88
	offSlabCount = 96
	offSlabInode = 104
	offSlabPathN = 112
	offSlabPath  = 116
	slabPathCap  = 236 // offRootGen below lands at 352, 8-byte aligned
	offRootGen   = offSlabPath + slabPathCap
	offRootSlot0 = offRootGen + 8
	offRootSlot1 = offRootSlot0 + txn.NDB*4
	offActiveN   = offRootSlot1 + txn.NDB*4
	offActive    = offActiveN + 4
	headerFixedSz = offActive + ActiveMax*4
)

// HeaderPages returns how many pages the fixed header plus maxConns
// connection slots needs (spec.md §6: "Pages [1, HEADER_PAGES):
// inline connection-table overflow").
func HeaderPages(pageSize int, maxConns int) int {
	total := headerFixedSz + maxConns*conn.SlotSize
	return (total + pageSize - 1) / pageSize
}

// Header is a typed view over the mapped header region.
type Header struct {
	data []byte
}

func newHeader(data []byte) *Header { return &Header{data: data} }

func (h *Header) Magic() [8]byte {
	var m [8]byte
	copy(m[:], h.data[offMagic:offMagic+8])
	return m
}

func (h *Header) SetMagic() { copy(h.data[offMagic:offMagic+8], Magic[:]) }

func (h *Header) Endian() uint32 { return binary.LittleEndian.Uint32(h.data[offEndian : offEndian+4]) }
func (h *Header) SetEndian() {
	binary.LittleEndian.PutUint32(h.data[offEndian:offEndian+4], EndianMark)
}

func (h *Header) Version() uint32 {
	return binary.LittleEndian.Uint32(h.data[offVersion : offVersion+4])
}
func (h *Header) SetVersion(v uint32) {
	binary.LittleEndian.PutUint32(h.data[offVersion:offVersion+4], v)
}

func (h *Header) Seed() uint64 { return binary.LittleEndian.Uint64(h.data[offSeed : offSeed+8]) }
func (h *Header) SetSeed(v uint64) {
	binary.LittleEndian.PutUint64(h.data[offSeed:offSeed+8], v)
}

func (h *Header) Created() int64 {
	return int64(binary.LittleEndian.Uint64(h.data[offCreated : offCreated+8]))
}
func (h *Header) SetCreated(v int64) {
	binary.LittleEndian.PutUint64(h.data[offCreated:offCreated+8], uint64(v))
}

func (h *Header) Flags() config.Flags {
	return config.Flags(binary.LittleEndian.Uint32(h.data[offFlags : offFlags+4]))
}
func (h *Header) SetFlags(v config.Flags) {
	binary.LittleEndian.PutUint32(h.data[offFlags:offFlags+4], uint32(v))
}

func (h *Header) PageSize() uint32 {
	return binary.LittleEndian.Uint32(h.data[offPageSize : offPageSize+4])
}
func (h *Header) SetPageSize(v uint32) {
	binary.LittleEndian.PutUint32(h.data[offPageSize:offPageSize+4], v)
}

func (h *Header) SlabBlockSize() uint32 {
	return binary.LittleEndian.Uint32(h.data[offSlabBlock : offSlabBlock+4])
}
func (h *Header) SetSlabBlockSize(v uint32) {
	binary.LittleEndian.PutUint32(h.data[offSlabBlock:offSlabBlock+4], v)
}

func (h *Header) MaxConns() uint32 {
	return binary.LittleEndian.Uint32(h.data[offMaxConns : offMaxConns+4])
}
func (h *Header) SetMaxConns(v uint32) {
	binary.LittleEndian.PutUint32(h.data[offMaxConns:offMaxConns+4], v)
}

func (h *Header) TailBytes() []byte { return h.data[offTail : offTail+alloc.TailSize] }

func (h *Header) GCHead() page.No {
	return page.No(binary.LittleEndian.Uint32(h.data[offGCHead : offGCHead+4]))
}
func (h *Header) SetGCHead(v page.No) {
	binary.LittleEndian.PutUint32(h.data[offGCHead:offGCHead+4], uint32(v))
}
func (h *Header) GCTail() page.No {
	return page.No(binary.LittleEndian.Uint32(h.data[offGCTail : offGCTail+4]))
}
func (h *Header) SetGCTail(v page.No) {
	binary.LittleEndian.PutUint32(h.data[offGCTail:offGCTail+4], uint32(v))
}

func (h *Header) FreeHead() page.No {
	return page.No(binary.LittleEndian.Uint32(h.data[offFreeHead : offFreeHead+4]))
}
func (h *Header) SetFreeHead(v page.No) {
	binary.LittleEndian.PutUint32(h.data[offFreeHead:offFreeHead+4], uint32(v))
}

// Xid/Pos are accessed atomically: Xid is read lock-free by readers
// opening a snapshot, and Pos (the slab write cursor) is advanced by
// Reserve while it holds its write transaction, stored atomically so
// a lock-free reader never sees a torn value (spec.md §4.D, §4.I).
func (h *Header) Xid() uint64 {
	return atomic.LoadUint64((*uint64)(wordPtr(h.data, offXid)))
}
func (h *Header) BumpXid() uint64 {
	return atomic.AddUint64((*uint64)(wordPtr(h.data, offXid)), 1)
}

func (h *Header) Pos() uint64 {
	return atomic.LoadUint64((*uint64)(wordPtr(h.data, offPos)))
}
func (h *Header) SetPos(v uint64) {
	atomic.StoreUint64((*uint64)(wordPtr(h.data, offPos)), v)
}
func (h *Header) CASPos(old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(wordPtr(h.data, offPos)), old, new)
}

func (h *Header) SlabBlockCount() uint64 {
	return binary.LittleEndian.Uint64(h.data[offSlabCount : offSlabCount+8])
}
func (h *Header) SetSlabBlockCount(v uint64) {
	binary.LittleEndian.PutUint64(h.data[offSlabCount:offSlabCount+8], v)
}

func (h *Header) SlabInode() uint64 {
	return binary.LittleEndian.Uint64(h.data[offSlabInode : offSlabInode+8])
}
func (h *Header) SetSlabInode(v uint64) {
	binary.LittleEndian.PutUint64(h.data[offSlabInode:offSlabInode+8], v)
}

func (h *Header) SlabPath() string {
	n := binary.LittleEndian.Uint32(h.data[offSlabPathN : offSlabPathN+4])
	if int(n) > slabPathCap {
		n = slabPathCap
	}
	return string(h.data[offSlabPath : offSlabPath+int(n)])
}
func (h *Header) SetSlabPath(p string) {
	if len(p) > slabPathCap {
		p = p[:slabPathCap]
	}
	binary.LittleEndian.PutUint32(h.data[offSlabPathN:offSlabPathN+4], uint32(len(p)))
	clear(h.data[offSlabPath : offSlabPath+slabPathCap])
	copy(h.data[offSlabPath:offSlabPath+slabPathCap], p)
}

// Roots/PublishRoots implement the atomic root-pair swap via a
// rewritten-out-of-place generation record (spec.md §9's
// alternative to a true 16-byte atomic store): two fixed slots hold
// the last two published root pairs, and a single atomically-flipped
// generation word selects which one is current. A concurrent reader
// always observes a complete pair, old or new, never a tear.
func (h *Header) Roots() [txn.NDB]page.No {
	gen := atomic.LoadUint64((*uint64)(wordPtr(h.data, offRootGen))) & 1
	off := offRootSlot0
	if gen == 1 {
		off = offRootSlot1
	}
	var out [txn.NDB]page.No
	for i := 0; i < txn.NDB; i++ {
		out[i] = page.No(binary.LittleEndian.Uint32(h.data[off+i*4 : off+i*4+4]))
	}
	return out
}

func (h *Header) PublishRoots(roots [txn.NDB]page.No) {
	gen := atomic.LoadUint64((*uint64)(wordPtr(h.data, offRootGen))) & 1
	// Write the new pair into the slot that is NOT currently selected,
	// then flip the generation word. A reader racing this call either
	// reads the old generation (and gets the still-intact old slot) or
	// the new one (and gets the fully-written new slot).
	off := offRootSlot1
	if gen == 1 {
		off = offRootSlot0
	}
	for i := 0; i < txn.NDB; i++ {
		binary.LittleEndian.PutUint32(h.data[off+i*4:off+i*4+4], uint32(roots[i]))
	}
	atomic.AddUint64((*uint64)(wordPtr(h.data, offRootGen)), 1)
}

func (h *Header) SetActive(pages []page.No) {
	n := len(pages)
	if n > ActiveMax {
		n = ActiveMax
	}
	binary.LittleEndian.PutUint32(h.data[offActiveN:offActiveN+4], uint32(n))
	for i := 0; i < n; i++ {
		off := offActive + i*4
		binary.LittleEndian.PutUint32(h.data[off:off+4], uint32(pages[i]))
	}
}

func (h *Header) Active() []page.No {
	n := binary.LittleEndian.Uint32(h.data[offActiveN : offActiveN+4])
	if int(n) > ActiveMax {
		n = ActiveMax
	}
	out := make([]page.No, n)
	for i := range out {
		off := offActive + i*4
		out[i] = page.No(binary.LittleEndian.Uint32(h.data[off:off+4]))
	}
	return out
}

// ConnTableOffset is the byte offset within the mapped header region
// where the flexible connection-slot array begins.
func (h *Header) ConnTableOffset() int64 { return int64(headerFixedSz) }
