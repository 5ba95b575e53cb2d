package bpt

import (
	"encoding/binary"
	"fmt"

	"github.com/imgix/eddy/pkg/page"
)

// writeResult is what a copy-on-write rewrite at one level of the tree
// hands back to its caller: either a plain replacement (the node's
// page number changed but its key range/child count did not) or a
// split, carrying the new right sibling and the separator key to
// insert into the parent.
type writeResult struct {
	newNo   page.No
	split   bool
	sepKey  uint64
	rightNo page.No
}

// Insert adds entry (entrySize bytes, key in the first 8) to the tree.
// Duplicate keys are permitted; a new entry with an already-present key
// is placed after the existing run, preserving insertion order among
// duplicates (spec.md §8 scenario 2). Insert returns the new root,
// which the caller must publish.
func (t *Tree) Insert(key uint64, entry []byte) (page.No, error) {
	if len(entry) != int(t.entrySize) || entryKey(entry) != key {
		return 0, ErrKeyMismatch
	}

	c, err := t.Find(key)
	if err != nil {
		return 0, err
	}

	if t.root == page.NoNone {
		no, data, err := t.draw(page.TypeLeaf, page.NoNone)
		if err != nil {
			return 0, err
		}
		copy(entryAt(data, 0, t.entrySize), entry)
		nodeSetNKeys(data, 1)
		if err := t.pool.Unmap(data); err != nil {
			return 0, err
		}
		t.root = no
		return t.root, nil
	}

	res, err := t.insertIntoLeaf(c, entry)
	if err != nil {
		return 0, err
	}

	root, err := t.propagate(c.path, res, nil, 0)
	if err != nil {
		return 0, err
	}
	t.root = root
	return t.root, nil
}

// insertIntoLeaf performs the leaf-level write: shift-insert if there
// is room, split (avoiding separation of a duplicate-key run) if not,
// or chain an OVERFLOW leaf when the whole leaf is a single run.
func (t *Tree) insertIntoLeaf(c *Cursor, entry []byte) (writeResult, error) {
	data, err := t.mapNode(c.leaf)
	if err != nil {
		return writeResult{}, err
	}
	defer t.pool.Unmap(data)

	nkeys := nodeNKeys(data)
	order := leafOrder(len(data), t.entrySize)

	// Find lands on the first entry of a run of equal keys; a duplicate
	// goes after the run so equal keys keep their insertion order.
	at := c.idx
	for at < nkeys && entryKey(entryAt(data, at, t.entrySize)) == entryKey(entry) {
		at++
	}

	if nkeys < order {
		newNo, newData, err := t.draw(page.TypeLeaf, c.leaf)
		if err != nil {
			return writeResult{}, err
		}
		defer t.pool.Unmap(newData)
		nodeSetNext(newData, nodeNext(data))
		leafInsertShifted(newData, data, nkeys, at, entry, t.entrySize)
		nodeSetNKeys(newData, nkeys+1)
		return writeResult{newNo: newNo}, nil
	}

	if allSameKey(data, nkeys, t.entrySize) {
		return t.insertOverflow(c.leaf, entry)
	}

	return t.splitLeafWithInsert(c.leaf, data, nkeys, at, entry)
}

func leafInsertShifted(dst, src []byte, nkeys, at uint32, entry []byte, entrySize uint32) {
	for i := uint32(0); i < at; i++ {
		copy(entryAt(dst, i, entrySize), entryAt(src, i, entrySize))
	}
	copy(entryAt(dst, at, entrySize), entry)
	for i := at; i < nkeys; i++ {
		copy(entryAt(dst, i+1, entrySize), entryAt(src, i, entrySize))
	}
}

func allSameKey(data []byte, nkeys, entrySize uint32) bool {
	if nkeys == 0 {
		return false
	}
	k0 := entryKey(entryAt(data, 0, entrySize))
	for i := uint32(1); i < nkeys; i++ {
		if entryKey(entryAt(data, i, entrySize)) != k0 {
			return false
		}
	}
	return true
}

// splitLeafWithInsert builds the combined (existing + new) entry set in
// memory, chooses a split point that never separates a run of equal
// keys (shifting to the longer side of the run when the natural
// midpoint lands inside one), and writes the two halves into a CoW'd
// left leaf and a fresh right sibling.
func (t *Tree) splitLeafWithInsert(oldNo page.No, data []byte, nkeys, at uint32, entry []byte) (writeResult, error) {
	es := int(t.entrySize)
	combined := make([]byte, (int(nkeys)+1)*es)
	for i := uint32(0); i < at; i++ {
		copy(combined[int(i)*es:], entryAt(data, i, t.entrySize))
	}
	copy(combined[int(at)*es:], entry)
	for i := at; i < nkeys; i++ {
		copy(combined[int(i+1)*es:], entryAt(data, i, t.entrySize))
	}
	n := int(nkeys) + 1

	mid := planLeafSplit(combined, es, n)

	leftNo, leftData, err := t.draw(page.TypeLeaf, oldNo)
	if err != nil {
		return writeResult{}, err
	}
	defer t.pool.Unmap(leftData)
	for i := 0; i < mid; i++ {
		copy(entryAt(leftData, uint32(i), t.entrySize), combined[i*es:(i+1)*es])
	}
	nodeSetNKeys(leftData, uint32(mid))

	rightNo, rightData, err := t.draw(page.TypeLeaf, page.NoNone)
	if err != nil {
		return writeResult{}, err
	}
	defer t.pool.Unmap(rightData)
	for i := mid; i < n; i++ {
		copy(entryAt(rightData, uint32(i-mid), t.entrySize), combined[i*es:(i+1)*es])
	}
	nodeSetNKeys(rightData, uint32(n-mid))
	// A leaf reaches here only when it holds more than one distinct key
	// (insertOverflow handles the single-run case before a split is
	// considered), so it never already carries an overflow chain.
	nodeSetNext(rightData, nodeNext(data))
	nodeSetNext(leftData, page.NoNone)

	sep := binary.LittleEndian.Uint64(combined[mid*es : mid*es+8])
	return writeResult{newNo: leftNo, split: true, sepKey: sep, rightNo: rightNo}, nil
}

// planLeafSplit picks the split index over the n combined entries
// (each es bytes, key-sorted), avoiding a split inside a run of equal
// keys by moving the boundary to whichever edge of the run keeps the
// run attached to the longer side (spec.md §4.F).
func planLeafSplit(combined []byte, es, n int) int {
	mid := n / 2
	key := func(i int) uint64 { return binary.LittleEndian.Uint64(combined[i*es : i*es+8]) }

	if mid == 0 || key(mid-1) != key(mid) {
		return mid
	}

	lo := mid
	for lo > 0 && key(lo-1) == key(mid) {
		lo--
	}
	hi := mid
	for hi < n && key(hi) == key(mid) {
		hi++
	}
	runBeforeMid := mid - lo
	runAfterMid := hi - mid
	if runBeforeMid >= runAfterMid {
		return hi // attach the run to the left, split after it
	}
	return lo // attach the run to the right, split before it
}

// insertOverflow is reached when the landing leaf is entirely one key
// run and full: the new entry is placed in the overflow chain instead
// of forcing a structural split (spec.md §4.F: "if the whole leaf is a
// single run, allocate an OVERFLOW leaf chained via next").
func (t *Tree) insertOverflow(headNo page.No, entry []byte) (writeResult, error) {
	chain := []page.No{headNo}
	headData, err := t.mapNode(headNo)
	if err != nil {
		return writeResult{}, err
	}
	next := nodeNext(headData)
	if err := t.pool.Unmap(headData); err != nil {
		return writeResult{}, err
	}
	for next != page.NoNone {
		chain = append(chain, next)
		d, err := t.mapNode(next)
		if err != nil {
			return writeResult{}, err
		}
		next = nodeNext(d)
		if err := t.pool.Unmap(d); err != nil {
			return writeResult{}, err
		}
	}

	// Find the first page in the chain (after the head) with room.
	for i := 1; i < len(chain); i++ {
		d, err := t.mapNode(chain[i])
		if err != nil {
			return writeResult{}, err
		}
		nkeys := nodeNKeys(d)
		order := leafOrder(len(d), t.entrySize)
		if nkeys < order {
			if err := t.pool.Unmap(d); err != nil {
				return writeResult{}, err
			}
			newTail, err := t.rewriteWithInsert(chain[i], i, chain, entry)
			if err != nil {
				return writeResult{}, err
			}
			return writeResult{newNo: newTail}, nil
		}
		if err := t.pool.Unmap(d); err != nil {
			return writeResult{}, err
		}
	}

	// No room anywhere in the chain: append a fresh overflow page.
	newOv, ovData, err := t.draw(page.TypeOverflow, page.NoNone)
	if err != nil {
		return writeResult{}, err
	}
	copy(entryAt(ovData, 0, t.entrySize), entry)
	nodeSetNKeys(ovData, 1)
	nodeSetNext(ovData, page.NoNone)
	if err := t.pool.Unmap(ovData); err != nil {
		return writeResult{}, err
	}

	newHead, err := t.rewriteChainTail(chain, newOv)
	if err != nil {
		return writeResult{}, err
	}
	return writeResult{newNo: newHead}, nil
}

// rewriteWithInsert inserts entry into the chain page at chain[target]
// (which has room), then rewrites every predecessor in chain[:target]
// so each points, through fresh CoW copies, at the new tail.
func (t *Tree) rewriteWithInsert(targetNo page.No, target int, chain []page.No, entry []byte) (page.No, error) {
	data, err := t.mapNode(targetNo)
	if err != nil {
		return 0, err
	}
	nkeys := nodeNKeys(data)
	_, typ := page.ReadHeader(data)

	newNo, newData, err := t.draw(typ, targetNo)
	if err != nil {
		t.pool.Unmap(data)
		return 0, err
	}
	for i := uint32(0); i < nkeys; i++ {
		copy(entryAt(newData, i, t.entrySize), entryAt(data, i, t.entrySize))
	}
	copy(entryAt(newData, nkeys, t.entrySize), entry)
	nodeSetNKeys(newData, nkeys+1)
	nodeSetNext(newData, nodeNext(data))
	if err := t.pool.Unmap(data); err != nil {
		return 0, err
	}
	if err := t.pool.Unmap(newData); err != nil {
		return 0, err
	}

	return t.rewriteChainTail(chain[:target], newNo)
}

// rewriteChainTail CoWs every page in chain (root-to-tail order) so
// that chain[0]'s rewritten copy ultimately chains, via fresh copies of
// each predecessor, to newTail.
func (t *Tree) rewriteChainTail(chain []page.No, newTail page.No) (page.No, error) {
	next := newTail
	for i := len(chain) - 1; i >= 0; i-- {
		old := chain[i]
		data, err := t.mapNode(old)
		if err != nil {
			return 0, err
		}
		nkeys := nodeNKeys(data)
		_, typ := page.ReadHeader(data)

		newNo, newData, err := t.draw(typ, old)
		if err != nil {
			t.pool.Unmap(data)
			return 0, err
		}
		for k := uint32(0); k < nkeys; k++ {
			copy(entryAt(newData, k, t.entrySize), entryAt(data, k, t.entrySize))
		}
		nodeSetNKeys(newData, nkeys)
		nodeSetNext(newData, next)
		if err := t.pool.Unmap(data); err != nil {
			return 0, err
		}
		if err := t.pool.Unmap(newData); err != nil {
			return 0, err
		}
		next = newNo
	}
	return next, nil
}

// propagate walks path bottom-up, rewriting each branch ancestor for
// either a plain pointer replacement or, when res is a split, inserting
// the new separator and right child — splitting the branch in turn if
// it is itself full, per spec.md §4.F "Splits propagate up". keyUpdate,
// when non-nil, overwrites the separator immediately left of the leaf's
// slot in its nearest parent, used by Delete when the leaf's first
// entry changed (spec.md §4.F).
func (t *Tree) propagate(path []frame, res writeResult, keyUpdate *uint64, keyUpdateChildIdx uint32) (page.No, error) {
	cur := res
	for i := len(path) - 1; i >= 0; i-- {
		f := path[i]
		data, err := t.mapNode(f.no)
		if err != nil {
			return 0, err
		}
		nkeys := nodeNKeys(data)

		if !cur.split {
			newNo, newData, err := t.draw(page.TypeBranch, f.no)
			if err != nil {
				t.pool.Unmap(data)
				return 0, err
			}
			for k := uint32(0); k <= nkeys; k++ {
				branchSetPtr(newData, k, branchPtr(data, k))
			}
			for k := uint32(0); k < nkeys; k++ {
				branchSetKey(newData, k, branchKey(data, k))
			}
			branchSetPtr(newData, f.idx, cur.newNo)
			if keyUpdate != nil && i == len(path)-1 && f.idx == keyUpdateChildIdx && f.idx > 0 {
				branchSetKey(newData, f.idx-1, *keyUpdate)
			}
			nodeSetNKeys(newData, nkeys)
			if err := t.pool.Unmap(data); err != nil {
				return 0, err
			}
			if err := t.pool.Unmap(newData); err != nil {
				return 0, err
			}
			cur = writeResult{newNo: newNo}
			continue
		}

		next, err := t.insertIntoBranch(f.no, data, nkeys, f.idx, cur.sepKey, cur.newNo, cur.rightNo)
		if err != nil {
			t.pool.Unmap(data)
			return 0, err
		}
		if err := t.pool.Unmap(data); err != nil {
			return 0, err
		}
		cur = next
	}

	if !cur.split {
		return cur.newNo, nil
	}

	if len(path)+1 > MaxDepth {
		return 0, ErrDepthExceeded
	}
	rootNo, rootData, err := t.draw(page.TypeBranch, page.NoNone)
	if err != nil {
		return 0, err
	}
	defer t.pool.Unmap(rootData)
	branchSetPtr(rootData, 0, cur.newNo)
	branchSetKey(rootData, 0, cur.sepKey)
	branchSetPtr(rootData, 1, cur.rightNo)
	nodeSetNKeys(rootData, 1)
	return rootNo, nil
}

// insertIntoBranch rewrites a branch, replacing child idx with leftNo
// and inserting (sepKey, rightNo) immediately after it, splitting the
// branch in turn if it overflows capacity.
func (t *Tree) insertIntoBranch(oldNo page.No, data []byte, nkeys, idx uint32, sepKey uint64, leftNo, rightNo page.No) (writeResult, error) {
	ptrs := make([]page.No, nkeys+2)
	keys := make([]uint64, nkeys+1)
	for k := uint32(0); k <= nkeys; k++ {
		ptrs[k] = branchPtr(data, k)
	}
	for k := uint32(0); k < nkeys; k++ {
		keys[k] = branchKey(data, k)
	}
	ptrs[idx] = leftNo

	// Insert rightNo at idx+1 and sepKey at idx, shifting the tail.
	newPtrs := make([]page.No, 0, nkeys+2)
	newPtrs = append(newPtrs, ptrs[:idx+1]...)
	newPtrs = append(newPtrs, rightNo)
	newPtrs = append(newPtrs, ptrs[idx+1:]...)

	newKeys := make([]uint64, 0, nkeys+1)
	newKeys = append(newKeys, keys[:idx]...)
	newKeys = append(newKeys, sepKey)
	newKeys = append(newKeys, keys[idx:]...)

	order := branchOrder(len(data))
	if uint32(len(newPtrs)) <= order {
		newNo, newData, err := t.draw(page.TypeBranch, oldNo)
		if err != nil {
			return writeResult{}, err
		}
		defer t.pool.Unmap(newData)
		writeBranch(newData, newPtrs, newKeys)
		return writeResult{newNo: newNo}, nil
	}

	mid := len(newKeys) / 2
	leftPtrs := newPtrs[:mid+1]
	leftKeys := newKeys[:mid]
	pushUp := newKeys[mid]
	rightPtrs := newPtrs[mid+1:]
	rightKeys := newKeys[mid+1:]

	leftNoOut, leftData, err := t.draw(page.TypeBranch, oldNo)
	if err != nil {
		return writeResult{}, err
	}
	defer t.pool.Unmap(leftData)
	writeBranch(leftData, leftPtrs, leftKeys)

	rightNoOut, rightData, err := t.draw(page.TypeBranch, page.NoNone)
	if err != nil {
		return writeResult{}, err
	}
	defer t.pool.Unmap(rightData)
	writeBranch(rightData, rightPtrs, rightKeys)

	return writeResult{newNo: leftNoOut, split: true, sepKey: pushUp, rightNo: rightNoOut}, nil
}

func writeBranch(data []byte, ptrs []page.No, keys []uint64) {
	for i, p := range ptrs {
		branchSetPtr(data, uint32(i), p)
	}
	for i, k := range keys {
		branchSetKey(data, uint32(i), k)
	}
	nodeSetNKeys(data, uint32(len(keys)))
}

// Delete removes the entry the cursor is positioned on. No
// underflowed node is merged or rebalanced (spec.md §9 open question:
// "leave sparse, do not rebalance"); when the removed entry was the
// leaf's first, the immediate parent's separator is updated to the new
// first key, per spec.md §4.F.
func (t *Tree) Delete(c *Cursor) (page.No, error) {
	data, err := t.mapNode(c.leaf)
	if err != nil {
		return 0, err
	}
	nkeys := nodeNKeys(data)
	if c.idx >= nkeys {
		t.pool.Unmap(data)
		return 0, fmt.Errorf("bpt: delete: cursor past end of leaf")
	}

	newNo, newData, err := t.draw(page.TypeLeaf, c.leaf)
	if err != nil {
		t.pool.Unmap(data)
		return 0, err
	}
	nodeSetNext(newData, nodeNext(data))
	for i := uint32(0); i < c.idx; i++ {
		copy(entryAt(newData, i, t.entrySize), entryAt(data, i, t.entrySize))
	}
	for i := c.idx + 1; i < nkeys; i++ {
		copy(entryAt(newData, i-1, t.entrySize), entryAt(data, i, t.entrySize))
	}
	nodeSetNKeys(newData, nkeys-1)

	var keyUpdate *uint64
	if c.idx == 0 && nkeys > 1 {
		nk := entryKey(entryAt(newData, 0, t.entrySize))
		keyUpdate = &nk
	}

	if err := t.pool.Unmap(data); err != nil {
		return 0, err
	}
	if err := t.pool.Unmap(newData); err != nil {
		return 0, err
	}

	var childIdx uint32
	if len(c.path) > 0 {
		childIdx = c.path[len(c.path)-1].idx
	}
	root, err := t.propagate(c.path, writeResult{newNo: newNo}, keyUpdate, childIdx)
	if err != nil {
		return 0, err
	}
	t.root = root
	return t.root, nil
}

// Set overwrites the cursor's current entry in place (CoW), requiring
// the new entry's key to match the cursor's search key (spec.md §4.G:
// "set with an entry whose first 8 bytes don't match the cursor's
// search key -> INDEX_KEY_MATCH").
func (t *Tree) Set(c *Cursor, entry []byte) (page.No, error) {
	if len(entry) != int(t.entrySize) || entryKey(entry) != c.key {
		return 0, ErrKeyMismatch
	}
	data, err := t.mapNode(c.leaf)
	if err != nil {
		return 0, err
	}
	nkeys := nodeNKeys(data)
	if c.idx >= nkeys {
		t.pool.Unmap(data)
		return 0, fmt.Errorf("bpt: set: cursor past end of leaf")
	}

	newNo, newData, err := t.draw(page.TypeLeaf, c.leaf)
	if err != nil {
		t.pool.Unmap(data)
		return 0, err
	}
	for i := uint32(0); i < nkeys; i++ {
		copy(entryAt(newData, i, t.entrySize), entryAt(data, i, t.entrySize))
	}
	copy(entryAt(newData, c.idx, t.entrySize), entry)
	nodeSetNKeys(newData, nkeys)
	nodeSetNext(newData, nodeNext(data))
	if err := t.pool.Unmap(data); err != nil {
		return 0, err
	}
	if err := t.pool.Unmap(newData); err != nil {
		return 0, err
	}

	root, err := t.propagate(c.path, writeResult{newNo: newNo}, nil, 0)
	if err != nil {
		return 0, err
	}
	t.root = root
	return t.root, nil
}
