package alloc

import (
	"sync/atomic"
	"unsafe"

	"github.com/imgix/eddy/pkg/page"
)

// TailSize is the encoded size of the tail descriptor: {start: u32,
// count: u32} packed into one 8-byte, naturally-aligned word so it can
// be updated with a single lock-free CAS (spec.md §4.D, §9).
const TailSize = 8

// packTail packs the raw {start,count} pair into a uint64, start
// in the low 32 bits, count in the high 32 bits.
func packTail(start uint32, count uint32) uint64 {
	return uint64(start) | uint64(count)<<32
}

func unpackTail(v uint64) (start uint32, count uint32) {
	return uint32(v), uint32(v >> 32)
}

// tailWord returns a pointer to the 8-byte tail word within b, b must
// be 8-byte aligned (the index header reserves the tail field on an
// 8-byte boundary for exactly this reason).
func tailWord(b []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[0]))
}

// AllocTail attempts to serve up to n pages from the tail fast path,
// without requiring the writer lock (spec.md §4.D: "This path may run
// without the write lock"). It returns the number of pages actually
// served (n clamped to the remaining count) and whether the tail had
// anything to give.
func AllocTail(tailBytes []byte, n uint32) (start page.No, got uint32, ok bool) {
	word := tailWord(tailBytes)
	for {
		old := atomic.LoadUint64(word)
		oldStart, oldCount := unpackTail(old)
		if oldCount == 0 {
			return 0, 0, false
		}
		take := n
		if take > oldCount {
			take = oldCount
		}
		newWord := packTail(oldStart+take, oldCount-take)
		if atomic.CompareAndSwapUint64(word, old, newWord) {
			return page.No(oldStart), take, true
		}
	}
}

// SetTail installs a fresh tail batch, e.g. after growing the file.
// Callers must hold the writer lock: unlike AllocTail this performs a
// plain store, not a CAS, and is only safe when no concurrent tail
// consumer can be racing the installation.
func SetTail(tailBytes []byte, start page.No, count uint32) {
	atomic.StoreUint64(tailWord(tailBytes), packTail(uint32(start), count))
}

// ReadTail reads the current tail descriptor without mutating it.
func ReadTail(tailBytes []byte) (start page.No, count uint32) {
	s, c := unpackTail(atomic.LoadUint64(tailWord(tailBytes)))
	return page.No(s), c
}
