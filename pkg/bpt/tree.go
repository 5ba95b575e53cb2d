package bpt

import (
	"fmt"

	"github.com/imgix/eddy/pkg/page"
)

// PageSource is how a Tree draws freshly allocated pages for
// copy-on-write node rewrites, and how it reports old page numbers
// that are no longer reachable. pkg/txn implements this over its
// pre-drawn scratch array (spec.md §4.G): Draw must never touch the
// allocator's free list or tail directly, since the transaction has
// already sized and reserved its scratch up front so that a mid-write
// failure never leaves partial allocator state behind.
type PageSource interface {
	Draw() (page.No, error)
	Discard(no page.No)
}

// Tree is a copy-on-write B+tree over fixed-size entries keyed by the
// first 8 bytes (a uint64), per spec.md §4.F.
type Tree struct {
	pool      *page.Pool
	entrySize uint32
	root      page.No
	xid       uint64
	src       PageSource
}

// New wraps an existing (possibly empty, root == page.NoNone) tree
// rooted at root, for entries of entrySize bytes. xid is the writer's
// transaction id; it is stamped onto every node this Tree rewrites.
func New(pool *page.Pool, entrySize uint32, root page.No, xid uint64, src PageSource) *Tree {
	return &Tree{pool: pool, entrySize: entrySize, root: root, xid: xid, src: src}
}

// Root returns the tree's current root page, for publishing into the
// index header at commit.
func (t *Tree) Root() page.No { return t.root }

// Capacity returns branch_order^(depth-1) * leaf_order(entrySize), the
// number of entries a tree of the given depth can hold before a split
// must occur (spec.md §4.F).
func Capacity(entrySize uint32, pageSize int, depth int) uint64 {
	if depth <= 0 {
		return 0
	}
	lo := uint64(leafOrder(pageSize, entrySize))
	bo := uint64(branchOrder(pageSize))
	cap := lo
	for i := 1; i < depth; i++ {
		cap *= bo
	}
	return cap
}

func (t *Tree) mapNode(no page.No) ([]byte, error) {
	data, err := t.pool.Map(no, 1)
	if err != nil {
		return nil, fmt.Errorf("bpt: map node %d: %w", no, err)
	}
	return data, nil
}

// Walk visits every page reachable from the tree's root exactly once:
// every branch, every leaf, and every overflow page chained off a
// leaf, calling visit(no) for each. Used by pkg/index's Stat/Repair to
// mark pages as reachable (spec.md §5, §8 "Reachability coverage").
func (t *Tree) Walk(visit func(no page.No) error) error {
	if t.root == page.NoNone {
		return nil
	}
	return t.walk(t.root, visit)
}

func (t *Tree) walk(no page.No, visit func(no page.No) error) error {
	if err := visit(no); err != nil {
		return err
	}
	data, err := t.mapNode(no)
	if err != nil {
		return err
	}
	_, typ := page.ReadHeader(data)
	if typ != page.TypeBranch {
		next := nodeNext(data)
		if err := t.pool.Unmap(data); err != nil {
			return err
		}
		for next != page.NoNone {
			if err := visit(next); err != nil {
				return err
			}
			nd, err := t.mapNode(next)
			if err != nil {
				return err
			}
			n := nodeNext(nd)
			if err := t.pool.Unmap(nd); err != nil {
				return err
			}
			next = n
		}
		return nil
	}

	nkeys := nodeNKeys(data)
	children := make([]page.No, nkeys+1)
	for i := uint32(0); i <= nkeys; i++ {
		children[i] = branchPtr(data, i)
	}
	if err := t.pool.Unmap(data); err != nil {
		return err
	}
	for _, child := range children {
		if err := t.walk(child, visit); err != nil {
			return err
		}
	}
	return nil
}

// draw allocates a fresh page, types it, and (if old != NoNone) marks
// old as superseded for the transaction's discard list.
func (t *Tree) draw(typ page.Type, old page.No) (page.No, []byte, error) {
	no, err := t.src.Draw()
	if err != nil {
		return 0, nil, fmt.Errorf("bpt: draw page: %w", err)
	}
	data, err := t.mapNode(no)
	if err != nil {
		return 0, nil, err
	}
	initNode(data, no, typ, t.xid)
	if old != page.NoNone {
		t.src.Discard(old)
	}
	return no, data, nil
}
