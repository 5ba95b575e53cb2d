package index

import (
	"fmt"

	"github.com/imgix/eddy/pkg/bpt"
	"github.com/imgix/eddy/pkg/config"
	"github.com/imgix/eddy/pkg/page"
	"github.com/imgix/eddy/pkg/txn"
)

// Stats reports a point-in-time census of an index's pages, grounded
// on original_source/lib/stat.c's ed_stat_new: a walk of the header,
// tail, trees, free list, GC chain, and connection pending/active
// lists that classifies every page in the file.
type Stats struct {
	IndexPath string
	SlabPath  string
	Seed      uint64
	Created   int64
	Xid       uint64
	Flags     config.Flags

	TotalPages   uint64
	HeaderPages  uint64
	TreePages    uint64
	FreePages    uint64
	GCPages      uint64
	GCPending    uint64
	ActivePages  uint64
	PendingPages uint64

	// MultiRef lists pages visited more than once during the walk,
	// i.e. pages reachable from two supposedly-disjoint structures —
	// the corruption original_source's ed_stat_has_leaks/multi_ref
	// exist to surface.
	MultiRef []page.No
	// Leaked lists pages below the tail that belong to none of the
	// categories above: neither reachable, free, nor pending.
	Leaked []page.No
}

// Stat walks the index and reports Stats. It takes the index-wide lock
// in shared mode for the duration of the walk (original_source takes
// ED_LCK_EX; a read lock suffices here since every structure Stat
// visits is either append-only or CoW-published, so a concurrent
// writer can only add pages, never remove ones this walk has already
// classified).
func (idx *Index) Stat() (*Stats, error) {
	if err := idx.LockRead(false); err != nil {
		return nil, fmt.Errorf("index: stat: %w", err)
	}
	defer idx.UnlockRead()
	return idx.stat()
}

// stat is Stat's walk without any locking of its own, for Repair to
// reuse while already holding the stronger write lock.
func (idx *Index) stat() (*Stats, error) {
	info, err := idx.indexFile.Stat()
	if err != nil {
		return nil, err
	}

	tailStart, tailCount := readTail(idx.hdr)
	no := uint64(tailStart) + uint64(tailCount)

	seen := make(map[page.No]int, no)
	mark := func(no page.No) error {
		seen[no]++
		return nil
	}

	st := &Stats{
		IndexPath: idx.cfg.IndexPath,
		SlabPath:  idx.hdr.SlabPath(),
		Seed:      idx.hdr.Seed(),
		Created:   idx.hdr.Created(),
		Xid:       idx.hdr.Xid(),
		Flags:     idx.hdr.Flags(),
		TotalPages: uint64(info.Size()) / uint64(idx.pageSize),
	}

	headerPages := HeaderPages(idx.pageSize, int(idx.hdr.MaxConns()))
	st.HeaderPages = uint64(headerPages)
	for p := 0; p < headerPages; p++ {
		seen[page.No(p)]++
	}

	roots := idx.hdr.Roots()
	for i := 0; i < txn.NDB; i++ {
		entrySize := uint32(KeyEntrySize)
		if i == txn.DBBlocks {
			entrySize = BlockEntrySize
		}
		tree := bpt.New(idx.pool, entrySize, roots[i], idx.hdr.Xid(), nil)
		if err := tree.Walk(func(no page.No) error {
			st.TreePages++
			return mark(no)
		}); err != nil {
			return nil, fmt.Errorf("index: stat: walk tree %d: %w", i, err)
		}
	}

	if err := idx.alloc.Walk(func(no page.No) error {
		st.FreePages++
		return mark(no)
	}); err != nil {
		return nil, fmt.Errorf("index: stat: walk free list: %w", err)
	}

	if err := idx.gc.Walk(
		func(no page.No) error { st.GCPages++; return mark(no) },
		func(no page.No) error { st.GCPending++; return mark(no) },
	); err != nil {
		return nil, fmt.Errorf("index: stat: walk gc chain: %w", err)
	}

	for _, p := range idx.hdr.Active() {
		st.ActivePages++
		seen[p]++
	}

	// A live connection's pending[] entries are pages a not-yet-committed
	// write transaction has drawn (spec.md §3 partition: "(v) in a live
	// connection's pending"); until that transaction commits or aborts
	// they belong to no other structure and must be marked seen, or
	// stat() misclassifies them as leaked and Repair frees them out from
	// under the writer.
	for _, p := range idx.connTable.Pending() {
		st.PendingPages++
		seen[page.No(p)]++
	}

	for p := tailStart; p < page.No(no); p++ {
		seen[p]++
	}

	for p, count := range seen {
		if count > 1 {
			st.MultiRef = append(st.MultiRef, p)
		}
	}
	for p := page.No(headerPages); p < page.No(no); p++ {
		if seen[p] == 0 {
			st.Leaked = append(st.Leaked, p)
		}
	}

	return st, nil
}

func readTail(h *Header) (start page.No, count uint32) {
	b := h.TailBytes()
	return page.No(leUint32(b[0:4])), leUint32(b[4:8])
}
