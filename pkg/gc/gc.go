// Package gc implements the deferred-release garbage collector
// (spec.md §4.E): writers enqueue `(xid, pages)` lists at the tail of
// a GC page chain, and `Run` reclaims lists whose xid has fallen below
// the oldest xid any live reader might still observe.
package gc

import (
	"encoding/binary"
	"fmt"

	"github.com/imgix/eddy/internal/telemetry"
	"github.com/imgix/eddy/pkg/page"
)

// gcPageHeader follows page.HeaderSize: next(4) + head(4) + tail(4).
// head is the byte offset of the first not-yet-consumed list record
// (spec.md's "nskip"); tail is the offset just past the last valid
// record, i.e. where the next Enqueue would append.
const gcPageHeader = 12

func gcNext(p []byte) page.No { return page.No(binary.LittleEndian.Uint32(p[8:12])) }
func gcSetNext(p []byte, v page.No) {
	binary.LittleEndian.PutUint32(p[8:12], uint32(v))
}
func gcHead(p []byte) uint32 { return binary.LittleEndian.Uint32(p[12:16]) }
func gcSetHead(p []byte, v uint32) {
	binary.LittleEndian.PutUint32(p[12:16], v)
}
func gcTail(p []byte) uint32 { return binary.LittleEndian.Uint32(p[16:20]) }
func gcSetTail(p []byte, v uint32) {
	binary.LittleEndian.PutUint32(p[16:20], v)
}

// listHeaderSize is the fixed part of an encoded list record: xid(8) +
// npages(4).
const listHeaderSize = 12

func initGCPage(p []byte, no page.No) {
	page.WriteHeader(p, no, page.TypeGC)
	gcSetNext(p, page.NoNone)
	gcSetHead(p, page.HeaderSize+gcPageHeader)
	gcSetTail(p, page.HeaderSize+gcPageHeader)
}

// decodeListHeaderAt reads just a list record's xid and length, without
// materializing its page numbers, for cheap chain scans.
func decodeListHeaderAt(p []byte, off uint32) (xid uint64, n uint32, length uint32) {
	xid = binary.LittleEndian.Uint64(p[off : off+8])
	n = binary.LittleEndian.Uint32(p[off+8 : off+12])
	return xid, n, listHeaderSize + n*4
}

// decodeListAt reads the list record starting at offset off, returning
// its xid, page numbers, and total encoded length.
func decodeListAt(p []byte, off uint32) (xid uint64, pages []page.No, length uint32) {
	xid, n, length := decodeListHeaderAt(p, off)
	pages = make([]page.No, n)
	base := off + listHeaderSize
	for i := uint32(0); i < n; i++ {
		pages[i] = page.No(binary.LittleEndian.Uint32(p[base+i*4 : base+i*4+4]))
	}
	return xid, pages, length
}

func encodeListAt(p []byte, off uint32, xid uint64, pages []page.No) {
	binary.LittleEndian.PutUint64(p[off:off+8], xid)
	binary.LittleEndian.PutUint32(p[off+8:off+12], uint32(len(pages)))
	base := off + listHeaderSize
	for i, pg := range pages {
		binary.LittleEndian.PutUint32(p[base+uint32(i)*4:base+uint32(i)*4+4], uint32(pg))
	}
}

// Allocator is the subset of pkg/alloc's Allocator that GC needs: a
// page source for extending its own chain, and a sink for pages
// reclaimed by Run.
type Allocator interface {
	Alloc(n uint32) (page.No, error)
	Free(pages []page.No) error
}

// GC tracks the head and tail of the deferred-release page chain.
type GC struct {
	pool  *page.Pool
	alloc Allocator
	head  page.No
	tail  page.No
	log   *telemetry.Logger
	met   *telemetry.Metrics
}

// New wraps an existing (possibly empty) GC chain. head and tail are
// page.NoNone when the chain has never been used.
func New(pool *page.Pool, alloc Allocator, head, tail page.No, log *telemetry.Logger, met *telemetry.Metrics) *GC {
	return &GC{pool: pool, alloc: alloc, head: head, tail: tail, log: log, met: met}
}

// Head and Tail return the chain's current endpoints, for persisting
// into the index header at commit.
func (g *GC) Head() page.No { return g.head }
func (g *GC) Tail() page.No { return g.tail }

// Enqueue records pages as freed under xid, extending the current
// tail list if it already belongs to xid, or starting a new one
// otherwise. Any new GC page needed is allocated before any existing
// GC page is mutated, so a failure here leaves GC state untouched
// (spec.md §4.E: "allocated up-front ... so the enqueue is atomic").
func (g *GC) Enqueue(xid uint64, pages []page.No) error {
	if len(pages) == 0 {
		return nil
	}

	if g.tail == page.NoNone {
		newNo, err := g.alloc.Alloc(1)
		if err != nil {
			return fmt.Errorf("gc: alloc first page: %w", err)
		}
		if err := g.writeFreshPage(newNo, xid, pages); err != nil {
			return err
		}
		g.head = newNo
		g.tail = newNo
		g.observeEnqueue(len(pages))
		return nil
	}

	tailData, err := g.pool.Map(g.tail, 1)
	if err != nil {
		return fmt.Errorf("gc: map tail: %w", err)
	}

	head, tail := gcHead(tailData), gcTail(tailData)
	lastOff, lastXid, _, hasLast := lastListOffset(tailData, head, tail)

	if hasLast && lastXid == xid {
		_, existingN, _ := decodeListHeaderAt(tailData, lastOff)
		needed := uint32(len(pages)) * 4
		if tail+needed <= uint32(len(tailData)) {
			base := tail
			for i, p := range pages {
				binary.LittleEndian.PutUint32(tailData[base+uint32(i)*4:base+uint32(i)*4+4], uint32(p))
			}
			binary.LittleEndian.PutUint32(tailData[lastOff+8:lastOff+12], existingN+uint32(len(pages)))
			gcSetTail(tailData, tail+needed)
			if err := g.pool.Unmap(tailData); err != nil {
				return err
			}
			g.observeEnqueue(len(pages))
			return nil
		}
	}

	recSize := listHeaderSize + uint32(len(pages))*4
	if tail+recSize <= uint32(len(tailData)) {
		encodeListAt(tailData, tail, xid, pages)
		gcSetTail(tailData, tail+recSize)
		if err := g.pool.Unmap(tailData); err != nil {
			return err
		}
		g.observeEnqueue(len(pages))
		return nil
	}

	if err := g.pool.Unmap(tailData); err != nil {
		return err
	}

	newNo, err := g.alloc.Alloc(1)
	if err != nil {
		return fmt.Errorf("gc: alloc next page: %w", err)
	}
	if err := g.writeFreshPage(newNo, xid, pages); err != nil {
		return err
	}

	oldTailData, err := g.pool.Map(g.tail, 1)
	if err != nil {
		return fmt.Errorf("gc: relink tail: %w", err)
	}
	gcSetNext(oldTailData, newNo)
	if err := g.pool.Unmap(oldTailData); err != nil {
		return err
	}

	g.tail = newNo
	g.observeEnqueue(len(pages))
	return nil
}

func (g *GC) writeFreshPage(no page.No, xid uint64, pages []page.No) error {
	data, err := g.pool.Map(no, 1)
	if err != nil {
		return fmt.Errorf("gc: map new page: %w", err)
	}
	initGCPage(data, no)
	off := gcTail(data)
	encodeListAt(data, off, xid, pages)
	gcSetTail(data, off+listHeaderSize+uint32(len(pages))*4)
	return g.pool.Unmap(data)
}

func (g *GC) observeEnqueue(n int) {
	if g.met != nil {
		g.met.GCEnqueuedTotal.Add(float64(n))
	}
}

// lastListOffset scans the list records in [head, tail) and returns
// the offset, xid, and length of the final one.
func lastListOffset(p []byte, head, tail uint32) (off uint32, xid uint64, length uint32, ok bool) {
	cur := head
	for cur < tail {
		x, _, l := decodeListHeaderAt(p, cur)
		off, xid, length = cur, x, l
		ok = true
		cur += l
	}
	return off, xid, length, ok
}

// Walk visits every page in the GC chain and reports every page number
// still enqueued for deferred release, for pkg/index's Stat/Repair
// (spec.md §5, §8 "Reachability coverage"). It does not mutate the
// chain.
func (g *GC) Walk(visitChainPage func(no page.No) error, visitPending func(no page.No) error) error {
	cur := g.head
	for cur != page.NoNone {
		if visitChainPage != nil {
			if err := visitChainPage(cur); err != nil {
				return err
			}
		}
		data, err := g.pool.Map(cur, 1)
		if err != nil {
			return fmt.Errorf("gc: map %d: %w", cur, err)
		}
		head, tail, next := gcHead(data), gcTail(data), gcNext(data)
		if visitPending != nil {
			for off := head; off < tail; {
				_, pages, length := decodeListAt(data, off)
				for _, p := range pages {
					if err := visitPending(p); err != nil {
						g.pool.Unmap(data)
						return err
					}
				}
				off += length
			}
		}
		if err := g.pool.Unmap(data); err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// Run walks the chain from head, reclaiming lists whose xid is below
// xmin into the allocator's free list, up to limit lists (spec.md
// §4.E). It returns the number of pages reclaimed.
func (g *GC) Run(xmin uint64, limit int) (int, error) {
	reclaimed := 0
	steps := 0

	for steps < limit {
		if g.head == page.NoNone {
			break
		}

		headData, err := g.pool.Map(g.head, 1)
		if err != nil {
			return reclaimed, fmt.Errorf("gc: map head: %w", err)
		}

		head, tail := gcHead(headData), gcTail(headData)
		if head >= tail {
			next := gcNext(headData)
			oldHead := g.head
			if err := g.pool.Unmap(headData); err != nil {
				return reclaimed, err
			}
			if err := g.alloc.Free([]page.No{oldHead}); err != nil {
				return reclaimed, fmt.Errorf("gc: free exhausted gc page: %w", err)
			}
			g.head = next
			if g.head == page.NoNone {
				g.tail = page.NoNone
			}
			continue
		}

		xid, pages, length := decodeListAt(headData, head)
		if xid >= xmin {
			if err := g.pool.Unmap(headData); err != nil {
				return reclaimed, err
			}
			break
		}

		if err := g.alloc.Free(pages); err != nil {
			g.pool.Unmap(headData)
			return reclaimed, fmt.Errorf("gc: free list xid %d: %w", xid, err)
		}
		gcSetHead(headData, head+length)
		if err := g.pool.Unmap(headData); err != nil {
			return reclaimed, err
		}

		reclaimed += len(pages)
		steps++
		if g.met != nil {
			g.met.GCReclaimedTotal.Add(float64(len(pages)))
		}
		if g.log != nil {
			g.log.GCLogger().Debug("reclaimed gc list").Uint64("xid", xid).Int("pages", len(pages)).Send()
		}
	}

	return reclaimed, nil
}
