package bpt

import (
	"github.com/imgix/eddy/pkg/page"
)

// frame records one branch step on the path from root to leaf: the
// branch's page number and the child index that was followed.
type frame struct {
	no  page.No
	idx uint32 // child index followed (0..nkeys)
}

// Cursor records a search position within the tree, per spec.md §4.F:
// "(key, tail_node, entry_index, matched?, nmatches, nsplits_along_path,
// kmin, kmax)". It is the unit both Find and the write path operate on.
type Cursor struct {
	tree *Tree

	key  uint64
	path []frame // branch ancestors, root-first

	leaf    page.No
	idx     uint32 // entry index within the leaf, 0..nkeys
	matched bool
	nmatches int

	// nsplits is an upper bound on how many ancestors along this path
	// are already at capacity, used by the transaction to size its
	// scratch draw (spec.md §4.G).
	nsplits int

	// kmin/kmax bound the key range the leaf's parent believes this
	// leaf covers (K[i-1], K[i]) with 0 and +inf as open ends.
	kmin, kmax uint64
	hasMax     bool

	startLeaf page.No
	startIdx  uint32
	loopCount int
}

// Find descends from the root searching for key, recording the path
// of branch ancestors and landing on the first entry index in the leaf
// where key is found or would be inserted. Find itself never lands on
// an overflow leaf; Next follows the overflow chain from there.
func (t *Tree) Find(key uint64) (*Cursor, error) {
	c := &Cursor{tree: t, key: key, hasMax: false}
	if t.root == page.NoNone {
		c.leaf = page.NoNone
		return c, nil
	}

	no := t.root
	depth := 0
	for {
		if depth > MaxDepth {
			return nil, ErrDepthExceeded
		}
		data, err := t.mapNode(no)
		if err != nil {
			return nil, err
		}
		_, typ := page.ReadHeader(data)
		if typ != page.TypeBranch {
			if err := t.pool.Unmap(data); err != nil {
				return nil, err
			}
			break
		}

		nkeys := nodeNKeys(data)
		if atCapacity(nkeys, branchOrder(len(data))) {
			c.nsplits++
		}
		childIdx := uint32(0)
		for childIdx < nkeys && branchKey(data, childIdx) <= key {
			childIdx++
		}
		child := branchPtr(data, childIdx)

		if childIdx > 0 {
			c.kmin = branchKey(data, childIdx-1)
		}
		if childIdx < nkeys {
			c.kmax = branchKey(data, childIdx)
			c.hasMax = true
		}

		c.path = append(c.path, frame{no: no, idx: childIdx})
		if err := t.pool.Unmap(data); err != nil {
			return nil, err
		}
		no = child
		depth++
	}

	leafData, err := t.mapNode(no)
	if err != nil {
		return nil, err
	}
	nkeys := nodeNKeys(leafData)
	if atCapacity(nkeys, leafOrder(len(leafData), t.entrySize)) {
		c.nsplits++
	}
	idx := uint32(0)
	for idx < nkeys && entryKey(entryAt(leafData, idx, t.entrySize)) < key {
		idx++
	}
	c.leaf = no
	c.idx = idx
	c.matched = idx < nkeys && entryKey(entryAt(leafData, idx, t.entrySize)) == key
	c.startLeaf = no
	c.startIdx = idx
	if err := t.pool.Unmap(leafData); err != nil {
		return nil, err
	}
	return c, nil
}

func atCapacity(nkeys, order uint32) bool {
	if order == 0 {
		return true
	}
	return nkeys+1 >= order
}

// Matched reports whether Find landed exactly on an entry with the
// search key.
func (c *Cursor) Matched() bool { return c.matched }

// NSplits is the upper bound on ancestor-node rewrites this path may
// cascade into on a subsequent write (spec.md §4.F: "nsplits counts
// ancestors at or beyond capacity").
func (c *Cursor) NSplits() int { return c.nsplits }

// Entry returns the current entry's bytes (read-only view into the
// mapped leaf page), or nil if the cursor is past the end.
func (c *Cursor) Entry() ([]byte, error) {
	if c.leaf == page.NoNone {
		return nil, nil
	}
	data, err := c.tree.mapNode(c.leaf)
	if err != nil {
		return nil, err
	}
	defer c.tree.pool.Unmap(data)
	if c.idx >= nodeNKeys(data) {
		return nil, nil
	}
	out := make([]byte, c.tree.entrySize)
	copy(out, entryAt(data, c.idx, c.tree.entrySize))
	return out, nil
}

// Next advances the cursor to the next entry in position order,
// following the overflow chain at end-of-leaf, then climbing the path
// to the next sibling subtree (spec.md §4.F "Iteration"). It returns
// false once iteration would return to its starting point
// (loop_count > 0) or the tree is exhausted.
func (c *Cursor) Next() (bool, error) {
	if c.leaf == page.NoNone {
		return false, nil
	}

	data, err := c.tree.mapNode(c.leaf)
	if err != nil {
		return false, err
	}
	nkeys := nodeNKeys(data)
	next := nodeNext(data)
	if err := c.tree.pool.Unmap(data); err != nil {
		return false, err
	}

	if c.idx+1 < nkeys {
		c.idx++
		return c.afterAdvance()
	}

	if next != page.NoNone {
		c.leaf = next
		c.idx = 0
		nd, err := c.tree.mapNode(next)
		if err != nil {
			return false, err
		}
		empty := nodeNKeys(nd) == 0
		if err := c.tree.pool.Unmap(nd); err != nil {
			return false, err
		}
		if empty {
			return false, nil
		}
		return c.afterAdvance()
	}

	// Climb the path until an ancestor has a further child, then
	// descend to its leftmost leaf.
	for len(c.path) > 0 {
		top := c.path[len(c.path)-1]
		c.path = c.path[:len(c.path)-1]

		bdata, err := c.tree.mapNode(top.no)
		if err != nil {
			return false, err
		}
		nk := nodeNKeys(bdata)
		if top.idx+1 > nk {
			if err := c.tree.pool.Unmap(bdata); err != nil {
				return false, err
			}
			continue
		}
		siblingIdx := top.idx + 1
		sibling := branchPtr(bdata, siblingIdx)
		if err := c.tree.pool.Unmap(bdata); err != nil {
			return false, err
		}

		c.path = append(c.path, frame{no: top.no, idx: siblingIdx})
		leftmost, err := c.descendLeftmost(sibling)
		if err != nil {
			return false, err
		}
		c.leaf = leftmost
		c.idx = 0
		return c.afterAdvance()
	}

	c.leaf = page.NoNone
	return false, nil
}

func (c *Cursor) descendLeftmost(no page.No) (page.No, error) {
	for {
		data, err := c.tree.mapNode(no)
		if err != nil {
			return 0, err
		}
		_, typ := page.ReadHeader(data)
		if typ != page.TypeBranch {
			if err := c.tree.pool.Unmap(data); err != nil {
				return 0, err
			}
			return no, nil
		}
		child := branchPtr(data, 0)
		if err := c.tree.pool.Unmap(data); err != nil {
			return 0, err
		}
		c.path = append(c.path, frame{no: no, idx: 0})
		no = child
	}
}

func (c *Cursor) afterAdvance() (bool, error) {
	if c.leaf == c.startLeaf && c.idx == c.startIdx {
		c.loopCount++
		return false, nil
	}

	e, err := c.Entry()
	if err != nil {
		return false, err
	}
	if e == nil {
		c.matched = false
		return false, nil
	}
	if entryKey(e) == c.key {
		c.matched = true
		c.nmatches++
		return true, nil
	}
	// Same-key iteration stops reporting matches once the key changes
	// (spec.md §4.F), but position-ordered iteration (NSplits callers
	// using Next without a same-key filter) may still want to see this
	// entry; distinguish via Matched().
	c.matched = false
	return true, nil
}

// LoopCount reports how many full cycles Next has made back to the
// cursor's starting entry, for callers bounding iteration (spec.md
// §4.F).
func (c *Cursor) LoopCount() int { return c.loopCount }
