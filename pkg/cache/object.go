package cache

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
)

// Object header fixed layout (spec.md §3: "{version, flags, tag,
// created_time, xid, keylen, metalen, datalen, keyhash, metacrc,
// datacrc}"), grounded on pkg/index/header.go's explicit-offset style.
const (
	objOffVersion = 0
	objOffFlags   = 4
	objOffTag     = 8
	objOffCreated = 16
	objOffXid     = 24
	objOffKeyLen  = 32
	objOffMetaLen = 36
	objOffDataLen = 40
	objOffKeyHash = 48
	objOffMetaCRC = 56
	objOffDataCRC = 60
	objHeaderSize = 64

	objVersion = 1
	objAlign   = 8
)

// Flag bits live in the object header's own flags word, distinct from
// config.Flags (which governs the index as a whole).
const (
	ObjFlagMetaCompressed uint32 = 1 << iota
)

// header is the decoded view of an object's fixed header.
type header struct {
	Version uint32
	Flags   uint32
	Tag     uint64
	Created int64
	Xid     uint64
	KeyLen  uint32
	MetaLen uint32
	DataLen uint64
	KeyHash uint64
	MetaCRC uint32
	DataCRC uint32
}

func putHeader(b []byte, h header) {
	binary.LittleEndian.PutUint32(b[objOffVersion:], h.Version)
	binary.LittleEndian.PutUint32(b[objOffFlags:], h.Flags)
	binary.LittleEndian.PutUint64(b[objOffTag:], h.Tag)
	binary.LittleEndian.PutUint64(b[objOffCreated:], uint64(h.Created))
	binary.LittleEndian.PutUint64(b[objOffXid:], h.Xid)
	binary.LittleEndian.PutUint32(b[objOffKeyLen:], h.KeyLen)
	binary.LittleEndian.PutUint32(b[objOffMetaLen:], h.MetaLen)
	binary.LittleEndian.PutUint64(b[objOffDataLen:], h.DataLen)
	binary.LittleEndian.PutUint64(b[objOffKeyHash:], h.KeyHash)
	binary.LittleEndian.PutUint32(b[objOffMetaCRC:], h.MetaCRC)
	binary.LittleEndian.PutUint32(b[objOffDataCRC:], h.DataCRC)
}

func getHeader(b []byte) header {
	return header{
		Version: binary.LittleEndian.Uint32(b[objOffVersion:]),
		Flags:   binary.LittleEndian.Uint32(b[objOffFlags:]),
		Tag:     binary.LittleEndian.Uint64(b[objOffTag:]),
		Created: int64(binary.LittleEndian.Uint64(b[objOffCreated:])),
		Xid:     binary.LittleEndian.Uint64(b[objOffXid:]),
		KeyLen:  binary.LittleEndian.Uint32(b[objOffKeyLen:]),
		MetaLen: binary.LittleEndian.Uint32(b[objOffMetaLen:]),
		DataLen: binary.LittleEndian.Uint64(b[objOffDataLen:]),
		KeyHash: binary.LittleEndian.Uint64(b[objOffKeyHash:]),
		MetaCRC: binary.LittleEndian.Uint32(b[objOffMetaCRC:]),
		DataCRC: binary.LittleEndian.Uint32(b[objOffDataCRC:]),
	}
}

// layout is where an object's key, metadata, and data start relative
// to its first block, and how many blocks the whole object occupies
// (spec.md §3, §4.I "Slab layout").
type layout struct {
	keyOff  int
	metaOff int
	dataOff int
	blocks  uint32
}

// computeLayout mirrors original_source's footprint arithmetic: the
// header and NUL-terminated key are packed and aligned to objAlign,
// metadata follows directly, the whole header region is padded out to
// a block boundary, and the data region is padded to a whole number of
// blocks.
func computeLayout(keyLen, metaLen int, dataLen int64, blockSize int) layout {
	metaOff := alignUp(objHeaderSize+keyLen+1, objAlign)
	headerRegion := alignUp(metaOff+metaLen, blockSize)
	dataRegion := alignUp64(dataLen, int64(blockSize))
	total := int64(headerRegion) + dataRegion
	return layout{
		keyOff:  objHeaderSize,
		metaOff: metaOff,
		dataOff: headerRegion,
		blocks:  uint32(total / int64(blockSize)),
	}
}

func alignUp(v, align int) int {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

func alignUp64(v, align int64) int64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(b []byte) uint32 { return crc32.Checksum(b, crc32cTable) }

// Shared zstd encoder/decoder for metadata compression (flags.
// COMPRESS_META), following jpl-au-folio's compress.go pattern of a
// single package-level encoder/decoder reused across calls rather than
// one per call.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compressMeta(meta []byte) []byte {
	if len(meta) == 0 {
		return meta
	}
	return zstdEncoder.EncodeAll(meta, nil)
}

func decompressMeta(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return compressed, nil
	}
	return zstdDecoder.DecodeAll(compressed, nil)
}
