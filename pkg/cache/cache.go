// Package cache implements eddy's object API (spec.md §4.I): a thin
// layer over pkg/txn and pkg/bpt that places objects sequentially in
// the slab, guards each object's bytes with a pkg/flock byte-range
// lock, and tracks (hash -> location) and (location -> occupant) in
// the index's two B+trees.
package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/imgix/eddy/pkg/bpt"
	"github.com/imgix/eddy/pkg/eddyhash"
	"github.com/imgix/eddy/pkg/flock"
	"github.com/imgix/eddy/pkg/index"
	"github.com/imgix/eddy/pkg/page"
	"github.com/imgix/eddy/pkg/txn"
)

// ErrNotFound is returned by Get when no live, unexpired object
// matches the key.
var ErrNotFound = errors.New("cache: key not found")

// Cache wires the object API against an open index.
type Cache struct {
	idx *index.Index
	alg eddyhash.Algorithm
}

// New creates a Cache over idx, hashing keys with alg (see
// eddyhash.FromConfig for mapping a config.Config.HashAlgorithm value).
func New(idx *index.Index, alg eddyhash.Algorithm) *Cache {
	return &Cache{idx: idx, alg: alg}
}

func (c *Cache) hash(key []byte) uint64 {
	return eddyhash.Sum64(c.alg, c.idx.HashSeed(), key)
}

// Object is a reserved or fetched slab object: a memory-mapped view of
// its blocks plus the byte-range lock guarding them, held until Close.
type Object struct {
	c          *Cache
	lock       *flock.FileLock
	lockMode   flock.LockMode
	data       []byte
	layout     layout
	hdr        header
	blockNo    page.No
	blockCount uint32
	closed     bool
}

// Tag returns the caller-opaque tag stored at Reserve time.
func (o *Object) Tag() uint64 { return o.hdr.Tag }

// CreatedAt returns when the object was reserved.
func (o *Object) CreatedAt() time.Time { return time.Unix(o.hdr.Created, 0) }

// Key returns the object's stored key bytes.
func (o *Object) Key() []byte { return o.data[o.layout.keyOff : o.layout.keyOff+int(o.hdr.KeyLen)] }

// Meta returns the object's metadata, decompressing it first if
// flags.COMPRESS_META was in effect when it was written.
func (o *Object) Meta() ([]byte, error) {
	raw := o.data[o.layout.metaOff : o.layout.metaOff+int(o.hdr.MetaLen)]
	if o.hdr.Flags&ObjFlagMetaCompressed == 0 {
		return raw, nil
	}
	return decompressMeta(raw)
}

// Data returns the object's data region as a direct, writable view
// into the slab mapping. Write copies into this region; callers that
// already have the final bytes may instead write through this slice
// themselves before Close.
func (o *Object) Data() []byte {
	return o.data[o.layout.dataOff : o.layout.dataOff+int(o.hdr.DataLen)]
}

// Write copies data into the object's data region (spec.md §4.I's
// `write(obj, bytes)`). len(data) must equal the DataLen given to
// Reserve.
func (o *Object) Write(data []byte) error {
	dst := o.Data()
	if len(data) != len(dst) {
		return fmt.Errorf("cache: write: got %d bytes, object reserved for %d", len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

// Close finalizes the object (computing checksums on a freshly
// reserved object, if flags.CHECKSUM is set) and releases its
// byte-range lock, matching the "lock pairing" testable property
// (spec.md §8): every lock Get/Reserve acquires is released here on
// every return path.
func (o *Object) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	if o.lockMode == flock.LockExclusive && o.c.idx.ChecksumEnabled() {
		meta := o.data[o.layout.metaOff : o.layout.metaOff+int(o.hdr.MetaLen)]
		data := o.Data()
		binary.LittleEndian.PutUint32(o.data[objOffMetaCRC:], checksum(meta))
		binary.LittleEndian.PutUint32(o.data[objOffDataCRC:], checksum(data))
	}
	var firstErr error
	if err := o.c.idx.SlabPool().Unmap(o.data); err != nil {
		firstErr = err
	}
	if err := o.lock.Unlock(o.lockMode, 0); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Get hashes key, searches the keys tree for a live, unexpired,
// byte-for-byte match, and returns it mapped and shared-locked
// (spec.md §4.I "Get").
func (c *Cache) Get(key []byte) (*Object, error) {
	idx := c.idx
	hash := c.hash(key)
	now := time.Now().Unix()

	tx, err := idx.Begin(txn.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("cache: get: %w", err)
	}
	defer tx.Close()

	cur, err := tx.Tree(txn.DBKeys).Find(hash)
	if err != nil {
		return nil, fmt.Errorf("cache: get: %w", err)
	}

	blockSize := int64(idx.SlabBlockSize())
	for cur.Matched() {
		e, err := cur.Entry()
		if err != nil {
			return nil, fmt.Errorf("cache: get: %w", err)
		}
		ke := decodeKeyEntry(e)
		if ke.expiry() != 0 && ke.expiry() <= now {
			if ok, err := cur.Next(); err != nil {
				return nil, fmt.Errorf("cache: get: %w", err)
			} else if !ok {
				break
			}
			continue
		}

		offset := int64(ke.blockNo()) * blockSize
		length := int64(ke.blockCount()) * blockSize
		lock := idx.SlabLock(offset, length)
		if err := lock.Lock(flock.LockShared, 0); err != nil {
			return nil, fmt.Errorf("cache: get: lock object: %w", err)
		}

		data, err := idx.SlabPool().Map(ke.blockNo(), int(ke.blockCount()))
		if err != nil {
			lock.Unlock(flock.LockShared, 0)
			return nil, fmt.Errorf("cache: get: map object: %w", err)
		}

		h := getHeader(data)
		if int(h.KeyLen) == len(key) && bytes.Equal(data[objHeaderSize:objHeaderSize+int(h.KeyLen)], key) {
			lay := computeLayout(int(h.KeyLen), int(h.MetaLen), int64(h.DataLen), int(blockSize))
			obj := &Object{
				c: c, lock: lock, lockMode: flock.LockShared,
				data: data, layout: lay, hdr: h,
				blockNo: ke.blockNo(), blockCount: ke.blockCount(),
			}
			if idx.ChecksumEnabled() {
				if err := verifyChecksums(obj); err != nil {
					obj.Close()
					return nil, err
				}
			}
			return obj, nil
		}

		idx.SlabPool().Unmap(data)
		lock.Unlock(flock.LockShared, 0)

		ok, err := cur.Next()
		if err != nil {
			return nil, fmt.Errorf("cache: get: %w", err)
		}
		if !ok {
			break
		}
	}
	return nil, ErrNotFound
}

func verifyChecksums(o *Object) error {
	meta := o.data[o.layout.metaOff : o.layout.metaOff+int(o.hdr.MetaLen)]
	data := o.Data()
	if checksum(meta) != o.hdr.MetaCRC || checksum(data) != o.hdr.DataCRC {
		return &index.CodeError{Code: index.ErrSlabChecksum}
	}
	return nil
}

// Reserve computes the object's slab footprint, claims a block range
// (evicting whatever currently occupies it), records the new key and
// block entries, and returns the object mapped and exclusively locked
// for the caller to Write and then Close (spec.md §4.I "Reserve").
func (c *Cache) Reserve(key, meta []byte, dataLen int64, ttl time.Duration) (*Object, error) {
	if len(key) == 0 || len(key) > 65535 {
		return nil, &index.CodeError{Code: index.ErrKeyLength}
	}
	idx := c.idx
	blockSize := int(idx.SlabBlockSize())
	blockCount := idx.SlabBlockCount()

	flags := uint32(0)
	payload := meta
	if idx.CompressMetaEnabled() && len(meta) > 0 {
		payload = compressMeta(meta)
		flags |= ObjFlagMetaCompressed
	}
	lay := computeLayout(len(key), len(payload), dataLen, blockSize)
	if blockCount == 0 || uint64(lay.blocks) > blockCount {
		return nil, &index.CodeError{Code: index.ErrSlabBlockCount}
	}

	tx, err := idx.Begin(0)
	if err != nil {
		return nil, fmt.Errorf("cache: reserve: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Close()
		}
	}()

	keysTree := tx.Tree(txn.DBKeys)
	blocksTree := tx.Tree(txn.DBBlocks)

	lock, startBlock, err := reservePlacement(idx, blocksTree, uint64(lay.blocks), blockCount)
	if err != nil {
		return nil, fmt.Errorf("cache: reserve: %w", err)
	}
	abortLock := func(err error) (*Object, error) {
		lock.Unlock(flock.LockExclusive, 0)
		return nil, fmt.Errorf("cache: reserve: %w", err)
	}

	rangeEnd := uint64(startBlock) + uint64(lay.blocks)
	if err := evictRange(keysTree, blocksTree, idx.SlabPool(), uint64(startBlock), rangeEnd); err != nil {
		return abortLock(err)
	}

	hash := c.hash(key)
	if err := evictExactKey(keysTree, blocksTree, idx.SlabPool(), hash, key); err != nil {
		return abortLock(err)
	}

	var expiry int64
	if ttl > 0 {
		expiry = time.Now().Add(ttl).Unix()
	}
	ke := newKeyEntry(hash, startBlock, lay.blocks, expiry)
	if _, err := keysTree.Insert(hash, ke[:]); err != nil {
		return abortLock(err)
	}
	be := newBlockEntry(startBlock, lay.blocks, tx.Xid())
	if _, err := blocksTree.Insert(uint64(startBlock), be[:]); err != nil {
		return abortLock(err)
	}

	idx.SetPos(rangeEnd % blockCount)
	h := header{
		Version: objVersion,
		Flags:   flags,
		Created: time.Now().Unix(),
		Xid:     tx.Xid(),
		KeyLen:  uint32(len(key)),
		MetaLen: uint32(len(payload)),
		DataLen: uint64(dataLen),
		KeyHash: hash,
	}

	if err := tx.Commit(); err != nil {
		return abortLock(err)
	}
	committed = true

	data, err := idx.SlabPool().Map(startBlock, int(lay.blocks))
	if err != nil {
		lock.Unlock(flock.LockExclusive, 0)
		return nil, fmt.Errorf("cache: reserve: map object: %w", err)
	}
	for i := range data {
		data[i] = 0
	}
	putHeader(data, h)
	copy(data[lay.keyOff:], key)
	data[lay.keyOff+len(key)] = 0
	if len(payload) > 0 {
		copy(data[lay.metaOff:], payload)
	}

	return &Object{
		c: c, lock: lock, lockMode: flock.LockExclusive,
		data: data, layout: lay, hdr: h,
		blockNo: startBlock, blockCount: lay.blocks,
	}, nil
}

// reservePlacement finds the next block range the caller can lock
// exclusively, starting from the slab cursor and skipping forward past
// whatever block-tree entry blocks each failed attempt (spec.md §4.I
// "Reserve"). It returns the lock already held on success.
func reservePlacement(idx *index.Index, blocksTree *bpt.Tree, blocks, blockCount uint64) (*flock.FileLock, page.No, error) {
	blockSize := int64(idx.SlabBlockSize())
	pos := idx.Pos() % blockCount

	for attempt := uint64(0); attempt <= blockCount; attempt++ {
		if pos+blocks > blockCount {
			pos = 0
		}
		lock := idx.SlabLock(int64(pos)*blockSize, int64(blocks)*blockSize)
		err := lock.Lock(flock.LockExclusive, flock.NoBlock)
		if err == nil {
			return lock, page.No(pos), nil
		}
		if !errors.Is(err, flock.ErrWouldBlock) {
			return nil, 0, err
		}
		next, err := nextPosAfter(blocksTree, pos)
		if err != nil {
			return nil, 0, err
		}
		pos = next % blockCount
	}
	return nil, 0, &index.CodeError{Code: index.ErrSlabFull}
}

// nextPosAfter returns the first slab position at or past the end of
// whatever block-tree entry covers or follows pos, so reservePlacement
// skips over it rather than retrying the same failed range forever.
func nextPosAfter(blocksTree *bpt.Tree, pos uint64) (uint64, error) {
	c, err := blocksTree.Find(pos)
	if err != nil {
		return 0, err
	}
	e, err := c.Entry()
	if err != nil {
		return 0, err
	}
	if e == nil {
		return pos + 1, nil
	}
	be := decodeBlockEntry(e)
	if uint64(be.blockNo())+uint64(be.blockCount()) > pos {
		return uint64(be.blockNo()) + uint64(be.blockCount()), nil
	}
	return pos + 1, nil
}

// collectOverlapping returns every blocks-tree entry whose block_no
// lies in [start, end), in key order.
func collectOverlapping(blocksTree *bpt.Tree, start, end uint64) ([]blockEntry, error) {
	cur, err := blocksTree.Find(start)
	if err != nil {
		return nil, err
	}
	var out []blockEntry
	for {
		e, err := cur.Entry()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		be := decodeBlockEntry(e)
		if uint64(be.blockNo()) >= end {
			break
		}
		out = append(out, be)
		ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}
	return out, nil
}

// evictRange deletes every key/block entry pair whose block_no falls
// in [start, end), loading each old object's first block to recover
// the key hash that locates its key entry (spec.md §4.I "Reserve").
func evictRange(keysTree, blocksTree *bpt.Tree, pool *page.Pool, start, end uint64) error {
	overlap, err := collectOverlapping(blocksTree, start, end)
	if err != nil {
		return err
	}
	for _, be := range overlap {
		data, err := pool.Map(be.blockNo(), 1)
		if err != nil {
			return err
		}
		oldHash := getHeader(data).KeyHash
		if err := pool.Unmap(data); err != nil {
			return err
		}

		kc, err := keysTree.Find(oldHash)
		if err != nil {
			return err
		}
		for kc.Matched() {
			e, err := kc.Entry()
			if err != nil {
				return err
			}
			if decodeKeyEntry(e).blockNo() == be.blockNo() {
				if _, err := keysTree.Delete(kc); err != nil {
					return err
				}
				break
			}
			ok, err := kc.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}

		bc, err := blocksTree.Find(uint64(be.blockNo()))
		if err != nil {
			return err
		}
		if bc.Matched() {
			if _, err := blocksTree.Delete(bc); err != nil {
				return err
			}
		}
	}
	return nil
}

// evictExactKey deletes the key/block entry pair for an existing
// object whose hash and key bytes exactly match, implementing Reserve's
// "replacing any entry with identical hash and identical key bytes"
// (spec.md §4.I), independent of whether that object's range overlaps
// the newly reserved one.
func evictExactKey(keysTree, blocksTree *bpt.Tree, pool *page.Pool, hash uint64, key []byte) error {
	cur, err := keysTree.Find(hash)
	if err != nil {
		return err
	}
	for cur.Matched() {
		e, err := cur.Entry()
		if err != nil {
			return err
		}
		ke := decodeKeyEntry(e)
		same, err := sameKey(pool, ke.blockNo(), key)
		if err != nil {
			return err
		}
		if same {
			if _, err := keysTree.Delete(cur); err != nil {
				return err
			}
			bc, err := blocksTree.Find(uint64(ke.blockNo()))
			if err != nil {
				return err
			}
			if bc.Matched() {
				if _, err := blocksTree.Delete(bc); err != nil {
					return err
				}
			}
			return nil
		}
		ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	return nil
}

func sameKey(pool *page.Pool, blockNo page.No, key []byte) (bool, error) {
	data, err := pool.Map(blockNo, 1)
	if err != nil {
		return false, err
	}
	defer pool.Unmap(data)
	h := getHeader(data)
	if int(h.KeyLen) != len(key) {
		return false, nil
	}
	return bytes.Equal(data[objHeaderSize:objHeaderSize+int(h.KeyLen)], key), nil
}

// UpdateTTL rewrites a live key entry's expiry in place, leaving its
// slab location untouched (spec.md §4.I "update_ttl"). A zero ttl
// clears the expiry; a negative ttl sets it in the past, so Get no
// longer returns the object.
func (c *Cache) UpdateTTL(key []byte, ttl time.Duration) error {
	idx := c.idx
	hash := c.hash(key)

	tx, err := idx.Begin(0)
	if err != nil {
		return fmt.Errorf("cache: update_ttl: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Close()
		}
	}()

	keysTree := tx.Tree(txn.DBKeys)
	cur, err := keysTree.Find(hash)
	if err != nil {
		return fmt.Errorf("cache: update_ttl: %w", err)
	}
	for cur.Matched() {
		e, err := cur.Entry()
		if err != nil {
			return fmt.Errorf("cache: update_ttl: %w", err)
		}
		ke := decodeKeyEntry(e)
		same, err := sameKey(idx.SlabPool(), ke.blockNo(), key)
		if err != nil {
			return fmt.Errorf("cache: update_ttl: %w", err)
		}
		if same {
			var expiry int64
			if ttl != 0 {
				expiry = time.Now().Add(ttl).Unix()
			}
			updated := newKeyEntry(hash, ke.blockNo(), ke.blockCount(), expiry)
			if _, err := keysTree.Set(cur, updated[:]); err != nil {
				return fmt.Errorf("cache: update_ttl: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("cache: update_ttl: %w", err)
			}
			committed = true
			return nil
		}
		ok, err := cur.Next()
		if err != nil {
			return fmt.Errorf("cache: update_ttl: %w", err)
		}
		if !ok {
			break
		}
	}
	return ErrNotFound
}

// Iterate walks every live key entry in position order, calling visit
// with each key's bytes. Iterate stops and returns visit's error if it
// returns one, or stops cleanly if visit returns false.
func (c *Cache) Iterate(visit func(key []byte) (bool, error)) error {
	idx := c.idx
	tx, err := idx.Begin(txn.ReadOnly)
	if err != nil {
		return fmt.Errorf("cache: iterate: %w", err)
	}
	defer tx.Close()

	cur, err := tx.Tree(txn.DBKeys).Find(0)
	if err != nil {
		return fmt.Errorf("cache: iterate: %w", err)
	}
	for {
		e, err := cur.Entry()
		if err != nil {
			return fmt.Errorf("cache: iterate: %w", err)
		}
		if e != nil {
			ke := decodeKeyEntry(e)
			data, err := idx.SlabPool().Map(ke.blockNo(), 1)
			if err != nil {
				return fmt.Errorf("cache: iterate: %w", err)
			}
			h := getHeader(data)
			key := make([]byte, h.KeyLen)
			copy(key, data[objHeaderSize:objHeaderSize+int(h.KeyLen)])
			if err := idx.SlabPool().Unmap(data); err != nil {
				return fmt.Errorf("cache: iterate: %w", err)
			}
			cont, err := visit(key)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		ok, err := cur.Next()
		if err != nil {
			return fmt.Errorf("cache: iterate: %w", err)
		}
		if !ok {
			return nil
		}
	}
}
