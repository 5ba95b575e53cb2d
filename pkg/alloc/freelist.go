package alloc

import (
	"encoding/binary"

	"github.com/imgix/eddy/pkg/page"
)

// freeListHeader is the fixed portion of a free-list page following
// the page.HeaderSize {page_no,type} pair: a chain pointer to the next
// free-list page and a count of valid entries.
const freeListHeader = 8

// entryCapacity returns how many page numbers fit in the entries array
// of a free-list page of size pageSize (spec.md §4.D:
// PAGES_PER_FREE_PAGE).
func entryCapacity(pageSize int) int {
	return (pageSize - page.HeaderSize - freeListHeader) / 4
}

func flNext(p []byte) page.No {
	return page.No(binary.LittleEndian.Uint32(p[page.HeaderSize : page.HeaderSize+4]))
}

func flSetNext(p []byte, v page.No) {
	binary.LittleEndian.PutUint32(p[page.HeaderSize:page.HeaderSize+4], uint32(v))
}

func flCount(p []byte) uint32 {
	return binary.LittleEndian.Uint32(p[page.HeaderSize+4 : page.HeaderSize+8])
}

func flSetCount(p []byte, n uint32) {
	binary.LittleEndian.PutUint32(p[page.HeaderSize+4:page.HeaderSize+8], n)
}

func flEntry(p []byte, i int) page.No {
	off := page.HeaderSize + freeListHeader + i*4
	return page.No(binary.LittleEndian.Uint32(p[off : off+4]))
}

func flSetEntry(p []byte, i int, v page.No) {
	off := page.HeaderSize + freeListHeader + i*4
	binary.LittleEndian.PutUint32(p[off:off+4], uint32(v))
}

// freeList manages the chain of FREE_HEAD / FREE_CHILD pages
// described in spec.md §4.D. It operates directly on pages mapped
// through a *page.Pool; unlike B+tree nodes, free-list pages are
// mutated in place rather than copy-on-write, since they are pure
// allocator bookkeeping with no reader snapshot semantics.
//
// Each free-list page holds a `next` chain pointer and an array of
// ordinary free page numbers. Pushing onto a full head turns the
// incoming page itself into the new head, chained to the previous one
// via `next`, and retypes the previous head FREE_CHILD in place —
// matching spec.md §4.D without requiring a separate allocation to
// extend the chain. Popping drains a head's entries before reclaiming
// the head page itself (advancing to `next`), so no free-list
// structure page is ever leaked, and the chain survives a restart
// since `next` is the only state not held in the index header.
type freeList struct {
	pool *page.Pool
	head page.No // NoNone when the list is empty
}

func newFreeList(pool *page.Pool, head page.No) *freeList {
	return &freeList{pool: pool, head: head}
}

// push adds page p to the free list.
func (fl *freeList) push(p page.No) error {
	if fl.head == page.NoNone {
		data, err := fl.pool.Map(p, 1)
		if err != nil {
			return err
		}
		page.WriteHeader(data, p, page.TypeFreeHead)
		flSetNext(data, page.NoNone)
		flSetCount(data, 0)
		if err := fl.pool.Unmap(data); err != nil {
			return err
		}
		fl.head = p
		return nil
	}

	head, err := fl.pool.Map(fl.head, 1)
	if err != nil {
		return err
	}
	capacity := entryCapacity(len(head))
	count := flCount(head)

	if int(count) < capacity {
		flSetEntry(head, int(count), p)
		flSetCount(head, count+1)
		return fl.pool.Unmap(head)
	}

	oldHead := fl.head
	page.WriteHeader(head, oldHead, page.TypeFreeChild)
	if err := fl.pool.Unmap(head); err != nil {
		return err
	}

	newHead, err := fl.pool.Map(p, 1)
	if err != nil {
		return err
	}
	page.WriteHeader(newHead, p, page.TypeFreeHead)
	flSetNext(newHead, oldHead)
	flSetCount(newHead, 0)
	if err := fl.pool.Unmap(newHead); err != nil {
		return err
	}
	fl.head = p
	return nil
}

type popResult struct {
	no page.No
	ok bool
}

// popOne removes a single page number from the free list: first the
// tail of the current head's entries array, and once those are
// exhausted, the head page itself (advancing to its `next` link before
// reclaiming it), so the head is never stranded once spent (spec.md
// §4.D: "the final page ... is promoted to become the new head").
func (fl *freeList) popOne() (popResult, error) {
	if fl.head == page.NoNone {
		return popResult{}, nil
	}

	head, err := fl.pool.Map(fl.head, 1)
	if err != nil {
		return popResult{}, err
	}
	count := flCount(head)

	if count > 0 {
		idx := int(count) - 1
		v := flEntry(head, idx)
		flSetCount(head, uint32(idx))
		if err := fl.pool.Unmap(head); err != nil {
			return popResult{}, err
		}
		return popResult{no: v, ok: true}, nil
	}

	// Entries exhausted: the head page itself is now spent structure
	// and becomes an ordinary free page. Advance to its successor
	// before handing it back.
	next := flNext(head)
	spentHead := fl.head
	if err := fl.pool.Unmap(head); err != nil {
		return popResult{}, err
	}
	fl.head = next
	return popResult{no: spentHead, ok: true}, nil
}

// pop removes and returns up to n page numbers from the free list,
// coalescing a descending, run-contiguous slice into a single
// multi-page result when possible (spec.md §4.D: "hand out pages ...
// in descending, run-contiguous slices so multi-page allocations can
// be served with one mmap").
func (fl *freeList) pop(n int) ([]page.No, error) {
	var out []page.No
	for len(out) < n {
		if fl.head == page.NoNone {
			break
		}
		got, err := fl.popOne()
		if err != nil {
			return out, err
		}
		if !got.ok {
			break
		}
		if len(out) > 0 && got.no != out[len(out)-1]-1 {
			// Not contiguous with the run so far: push it back onto
			// the list (its structural position may differ, but the
			// free list's contents are unaffected) and stop this run
			// short, so the caller never receives a result it would
			// wrongly treat as one contiguous mmap range.
			if err := fl.push(got.no); err != nil {
				return out, err
			}
			break
		}
		out = append(out, got.no)
	}
	return out, nil
}

// empty reports whether the free list currently holds no pages.
func (fl *freeList) empty() bool {
	return fl.head == page.NoNone
}
