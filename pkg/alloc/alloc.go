// Package alloc implements the page allocator (spec.md §4.D): a
// lock-free tail fast path and a free-list slow path built from
// FREE_HEAD/FREE_CHILD pages.
package alloc

import (
	"fmt"

	"github.com/imgix/eddy/internal/telemetry"
	"github.com/imgix/eddy/pkg/page"
)

// BatchSize is ALLOC_COUNT: the number of pages appended to the file
// in one growth step when both the tail and the free list are
// exhausted (spec.md §4.D).
const BatchSize = 16

// Grower extends the backing file by count pages and returns the page
// number of the first new page. Implemented by pkg/index, which owns
// the file descriptor and its size.
type Grower interface {
	Grow(count uint32) (page.No, error)
}

// Allocator hands out and reclaims pages against a page.Pool, backed
// by the tail descriptor and free list stored in the index header.
type Allocator struct {
	pool      *page.Pool
	tailBytes []byte
	free      *freeList
	grow      Grower
	met       *telemetry.Metrics
}

// New creates an Allocator. tailBytes must be an 8-byte-aligned view
// into the index header's tail field; freeHead is the header's current
// GC/free-list head page number.
func New(pool *page.Pool, tailBytes []byte, freeHead page.No, grow Grower, met *telemetry.Metrics) *Allocator {
	return &Allocator{
		pool:      pool,
		tailBytes: tailBytes,
		free:      newFreeList(pool, freeHead),
		grow:      grow,
		met:       met,
	}
}

// FreeHead returns the free list's current head page, for persisting
// into the index header at commit.
func (a *Allocator) FreeHead() page.No { return a.free.head }

// Alloc serves n contiguous pages, trying the lock-free tail fast path
// first, then the free-list slow path (which requires the caller to
// already hold the writer lock), growing the file in ALLOC_COUNT-page
// batches when both are exhausted. Per spec.md §4.D's contract, it
// either returns all n pages as one contiguous range or an error; no
// partial allocator state change is observable by a caller that
// ignores a non-nil error.
func (a *Allocator) Alloc(n uint32) (page.No, error) {
	if n == 0 {
		return 0, fmt.Errorf("alloc: n must be positive")
	}

	start, got, ok := AllocTail(a.tailBytes, n)
	if ok && got == n {
		a.observe("tail")
		return start, nil
	}
	if ok {
		// AllocTail already consumed the short run it found; move it to
		// the free list rather than dropping it.
		for i := uint32(0); i < got; i++ {
			if err := a.free.push(start + page.No(i)); err != nil {
				return 0, fmt.Errorf("alloc: return short tail run: %w", err)
			}
		}
	}

	// Slow path: free list, growing the file as needed. Requires the
	// writer lock (spec.md §4.D "Slow path (write-lock required)").
	for {
		if !a.free.empty() {
			pages, err := a.free.pop(int(n))
			if err != nil {
				return 0, fmt.Errorf("alloc: free-list pop: %w", err)
			}
			if len(pages) == int(n) {
				// pop returns pages in descending order (tail of the
				// entries array first); the contiguous run's start is
				// the lowest page number in it.
				start := pages[len(pages)-1]
				a.observe("freelist")
				return start, nil
			}
			// Not enough contiguous pages in the free list; put the
			// short run back and fall through to grow the file instead
			// of returning a fragmented, non-contiguous result.
			for _, p := range pages {
				if err := a.free.push(p); err != nil {
					return 0, fmt.Errorf("alloc: free-list push back: %w", err)
				}
			}
		}

		batch := uint32(BatchSize)
		if n > batch {
			batch = n
		}
		start, err := a.grow.Grow(batch)
		if err != nil {
			return 0, fmt.Errorf("alloc: grow file: %w", err)
		}
		if batch > n {
			SetTail(a.tailBytes, start+page.No(n), batch-n)
			a.observe("grow")
			return start, nil
		}
		a.observe("grow")
		return start, nil
	}
}

// Free returns pages to the free list. Ownership transfers to the
// allocator on success; the caller must not touch these pages again
// (spec.md §4.D: "free(pages[]) never unmaps a page the caller didn't
// own; ownership transfers on success").
func (a *Allocator) Free(pages []page.No) error {
	for _, p := range pages {
		if err := a.free.push(p); err != nil {
			return fmt.Errorf("alloc: free page %d: %w", p, err)
		}
	}
	if a.met != nil {
		a.met.FreeTotal.Add(float64(len(pages)))
	}
	return nil
}

// Walk visits every page currently on the free list (both structure
// pages and the ordinary free pages they hold), for pkg/index's
// Stat/Repair (spec.md §5, §8 "Reachability coverage").
func (a *Allocator) Walk(visit func(no page.No) error) error {
	cur := a.free.head
	for cur != page.NoNone {
		if err := visit(cur); err != nil {
			return err
		}
		data, err := a.pool.Map(cur, 1)
		if err != nil {
			return err
		}
		count := flCount(data)
		for i := uint32(0); i < count; i++ {
			if err := visit(flEntry(data, int(i))); err != nil {
				a.pool.Unmap(data)
				return err
			}
		}
		next := flNext(data)
		if err := a.pool.Unmap(data); err != nil {
			return err
		}
		cur = next
	}
	return nil
}

func (a *Allocator) observe(path string) {
	if a.met != nil {
		a.met.AllocTotal.WithLabelValues(path).Inc()
	}
}
