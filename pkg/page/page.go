// Package page implements the file-backed page pool (spec.md §4.A): a
// pool of fixed-size, host-page-sized blocks addressed by 32-bit page
// numbers and mapped read-write, shared, directly against the backing
// file descriptor.
package page

import (
	"encoding/binary"
	"math"
)

// No is a 32-bit page number. NoNone marks the absence of a page.
type No uint32

// NoNone is the sentinel "no page" value (spec.md §3: NONE = u32::MAX).
const NoNone No = No(math.MaxUint32)

// Type identifies the structural role of a page.
type Type uint32

const (
	TypeFree Type = iota
	TypeFreeHead
	TypeFreeChild
	TypeGC
	TypeBranch
	TypeLeaf
	TypeOverflow
	TypeHeader
)

// HeaderSize is the size in bytes of the fixed page header that opens
// every page: {page_number: u32, type: u32}.
const HeaderSize = 8

// ReadHeader extracts the page-number and type header from the front of
// a mapped page.
func ReadHeader(p []byte) (No, Type) {
	return No(binary.LittleEndian.Uint32(p[0:4])), Type(binary.LittleEndian.Uint32(p[4:8]))
}

// WriteHeader writes the page-number and type header at the front of a
// mapped page.
func WriteHeader(p []byte, no No, typ Type) {
	binary.LittleEndian.PutUint32(p[0:4], uint32(no))
	binary.LittleEndian.PutUint32(p[4:8], uint32(typ))
}

// DefaultSize is the page size in bytes used when none is configured.
// The page size is fixed per open index
// (spec.md §3) and is ordinarily the host page size.
const DefaultSize = 4096
