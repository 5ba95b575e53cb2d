package index

import "fmt"

// Repair scans reachability from the published roots (via Stat's walk)
// and returns every unreferenced page below the tail to the free list,
// under an exclusive lock, grounded on original_source/lib/idx.c's
// ed_idx_repair_leaks (spec.md §5: "a status/repair routine scans
// reachability from the published roots and, under an exclusive lock,
// returns unreferenced pages to the free list").
//
// It is only safe to call when no other process might be mid-commit;
// Repair holds the writer lock for its whole duration to guarantee
// that, rather than original_source's narrower late-acquired lock.
func (idx *Index) Repair() (int, error) {
	if err := idx.LockWrite(false); err != nil {
		return 0, fmt.Errorf("index: repair: %w", err)
	}
	defer idx.UnlockWrite()

	st, err := idx.stat()
	if err != nil {
		return 0, fmt.Errorf("index: repair: %w", err)
	}
	if len(st.Leaked) == 0 {
		return 0, nil
	}
	if err := idx.alloc.Free(st.Leaked); err != nil {
		return 0, fmt.Errorf("index: repair: free leaked pages: %w", err)
	}
	idx.hdr.SetFreeHead(idx.alloc.FreeHead())
	return len(st.Leaked), nil
}
