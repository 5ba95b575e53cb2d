// Package eddyhash implements eddy's pluggable key-hash algorithms,
// selected via config.Config.HashAlgorithm (spec.md §4.I: object
// headers store a `keyhash` used to narrow B+tree collisions before a
// byte-for-byte key comparison), grounded on jpl-au-folio's hash.go.
package eddyhash

import (
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Algorithm selects which hash function Sum64 uses.
type Algorithm int

const (
	// AlgXXHash3 is the default: fast and well-distributed for
	// arbitrary-length byte keys (spec.md §3's keyhash field).
	AlgXXHash3 Algorithm = iota
	AlgFNV1a
	AlgBlake2b
)

// Sum64 hashes key with the given seed (the index header's random
// seed, mixed in so two indexes never collide identically) using the
// selected algorithm, returning a 64-bit digest suitable for both the
// object header's keyhash field and the key tree's 64-bit key.
func Sum64(alg Algorithm, seed uint64, key []byte) uint64 {
	switch alg {
	case AlgFNV1a:
		h := fnv.New64a()
		writeSeed(h, seed)
		h.Write(key)
		return h.Sum64()
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil)
		writeSeed(h, seed)
		h.Write(key)
		sum := h.Sum(nil)
		var v uint64
		for _, b := range sum {
			v = v<<8 | uint64(b)
		}
		return v
	default:
		var seedBuf [8]byte
		putUint64(seedBuf[:], seed)
		combined := make([]byte, 0, 8+len(key))
		combined = append(combined, seedBuf[:]...)
		combined = append(combined, key...)
		return xxh3.Hash(combined)
	}
}

type writer interface {
	Write([]byte) (int, error)
}

func writeSeed(w writer, seed uint64) {
	var b [8]byte
	putUint64(b[:], seed)
	w.Write(b[:])
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// FromConfig maps config.Config.HashAlgorithm's int encoding (spec.md
// §6: 1=xxh3, 2=fnv1a, 3=blake2b, 0/default=xxh3) to an Algorithm.
func FromConfig(v int) Algorithm {
	switch v {
	case 2:
		return AlgFNV1a
	case 3:
		return AlgBlake2b
	default:
		return AlgXXHash3
	}
}
