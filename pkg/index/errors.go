package index

import "fmt"

// Class identifies the upper bits of a Code: which subsystem raised it
// (spec.md §6: "a signed code whose upper bits identify a class").
type Class uint32

const (
	ClassSys Class = iota + 1
	ClassConfig
	ClassIndex
	ClassKey
	ClassSlab
	// ClassMime is reserved for parity with the upstream taxonomy; the
	// mime.cache reader itself is out of scope (spec.md §1).
	ClassMime
)

// Code is a (class, kind) pair packed into a single uint32, the
// way spec.md §6 describes: "upper bits identify a class ... lower
// bits identify the specific condition".
type Code uint32

func makeCode(c Class, kind uint32) Code { return Code(uint32(c)<<16 | kind) }

func (c Code) Class() Class { return Class(uint32(c) >> 16) }

// Index verification/runtime kinds.
const (
	kindMagic uint32 = iota + 1
	kindEndian
	kindMark
	kindVersion
	kindSize
	kindFlags
	kindPageSize
	kindAllocCount
	kindInode
	kindRDOnly
	kindDepth
	kindKeyMatch
)

// Slab verification kinds.
const (
	kindSlabMode uint32 = iota + 1
	kindSlabSize
	kindSlabBlockCount
	kindSlabInode
	kindSlabFull
	kindSlabChecksum
)

// Key kinds.
const (
	kindKeyLength uint32 = iota + 1
)

var (
	ErrIndexMagic      = makeCode(ClassIndex, kindMagic)
	ErrIndexEndian     = makeCode(ClassIndex, kindEndian)
	ErrIndexMark       = makeCode(ClassIndex, kindMark)
	ErrIndexVersion    = makeCode(ClassIndex, kindVersion)
	ErrIndexSize       = makeCode(ClassIndex, kindSize)
	ErrIndexFlags      = makeCode(ClassIndex, kindFlags)
	ErrIndexPageSize   = makeCode(ClassIndex, kindPageSize)
	ErrIndexAllocCount = makeCode(ClassIndex, kindAllocCount)
	ErrIndexInode      = makeCode(ClassIndex, kindInode)
	ErrIndexRDOnly     = makeCode(ClassIndex, kindRDOnly)
	ErrIndexDepth      = makeCode(ClassIndex, kindDepth)
	ErrIndexKeyMatch   = makeCode(ClassIndex, kindKeyMatch)

	ErrSlabMode       = makeCode(ClassSlab, kindSlabMode)
	ErrSlabSize       = makeCode(ClassSlab, kindSlabSize)
	ErrSlabBlockCount = makeCode(ClassSlab, kindSlabBlockCount)
	ErrSlabInode      = makeCode(ClassSlab, kindSlabInode)
	// ErrSlabFull is returned by pkg/cache's Reserve when a full
	// wraparound of the slab finds no block range it can lock
	// exclusively (spec.md §4.I "Reserve").
	ErrSlabFull = makeCode(ClassSlab, kindSlabFull)
	// ErrSlabChecksum is returned by pkg/cache's Get when flags.CHECKSUM
	// is set and a recomputed CRC-32c does not match the stored one.
	ErrSlabChecksum = makeCode(ClassSlab, kindSlabChecksum)

	ErrKeyLength = makeCode(ClassKey, kindKeyLength)
)

var strerrors = map[Code]string{
	ErrIndexMagic:      "index: bad magic",
	ErrIndexEndian:     "index: endian mismatch",
	ErrIndexMark:       "index: bad mark",
	ErrIndexVersion:    "index: unsupported version",
	ErrIndexSize:       "index: file too small for header",
	ErrIndexFlags:      "index: incompatible flags",
	ErrIndexPageSize:   "index: page size mismatch",
	ErrIndexAllocCount: "index: alloc batch size mismatch",
	ErrIndexInode:      "index: slab inode mismatch",
	ErrIndexRDOnly:     "index: write on read-only transaction",
	ErrIndexDepth:      "index: b+tree depth exceeded",
	ErrIndexKeyMatch:   "index: entry key does not match cursor key",
	ErrSlabMode:        "slab: wrong file mode",
	ErrSlabSize:        "slab: size mismatch",
	ErrSlabBlockCount:  "slab: block count mismatch",
	ErrSlabInode:       "slab: inode mismatch",
	ErrSlabFull:        "slab: no free range after full wraparound",
	ErrSlabChecksum:    "slab: checksum mismatch",
	ErrKeyLength:       "key: length out of range",
}

// Strerror returns a human-readable description of a Code, matching
// spec.md §6's "strerror-style function".
func Strerror(c Code) string {
	if s, ok := strerrors[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown error (class=%d)", c.Class())
}

// CodeError pairs a Code with a human Error() string, so callers that
// just want the familiar `error` interface can still recover the
// underlying Code via errors.As.
type CodeError struct {
	Code Code
}

func (e *CodeError) Error() string { return Strerror(e.Code) }

func codeErr(c Code) error { return &CodeError{Code: c} }
