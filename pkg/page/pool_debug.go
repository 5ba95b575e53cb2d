package page

import (
	"fmt"
	"sync"
	"unsafe"
)

// DebugPool wraps a Pool and tracks every live mapping, so that leaks,
// double-unmaps, and unmaps of untracked addresses can be reported at
// Close instead of silently corrupting accounting (spec.md §4.A: "a
// debug variant tracks every live mapping and reports leaks, double-
// unmaps, and unmaps of untracked addresses").
type DebugPool struct {
	pool *Pool

	mu    sync.Mutex
	live  map[uintptr]liveMapping
	bugs  []string
}

type liveMapping struct {
	pageNo No
	count  int
}

// NewDebug wraps pool with leak tracking.
func NewDebug(pool *Pool) *DebugPool {
	return &DebugPool{pool: pool, live: make(map[uintptr]liveMapping)}
}

func baseAddr(data []byte) uintptr {
	if len(data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&data[0]))
}

// Map behaves like Pool.Map, recording the mapping for leak detection.
func (d *DebugPool) Map(pageNo No, count int) ([]byte, error) {
	data, err := d.pool.Map(pageNo, count)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.live[baseAddr(data)] = liveMapping{pageNo: pageNo, count: count}
	d.mu.Unlock()
	return data, nil
}

// Unmap behaves like Pool.Unmap, flagging double-unmaps and unmaps of
// mappings this DebugPool never handed out.
func (d *DebugPool) Unmap(data []byte) error {
	addr := baseAddr(data)

	d.mu.Lock()
	_, ok := d.live[addr]
	if !ok {
		d.bugs = append(d.bugs, fmt.Sprintf("unmap of untracked mapping at %#x", addr))
		d.mu.Unlock()
		return fmt.Errorf("page: unmap of untracked mapping at %#x", addr)
	}
	delete(d.live, addr)
	d.mu.Unlock()

	return d.pool.Unmap(data)
}

// Leaks returns a description of every mapping still live and every
// double-unmap or untracked-unmap observed so far.
func (d *DebugPool) Leaks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.live)+len(d.bugs))
	for addr, m := range d.live {
		out = append(out, fmt.Sprintf("leaked mapping at %#x: page %d count %d", addr, m.pageNo, m.count))
	}
	out = append(out, d.bugs...)
	return out
}

// Close reports any accumulated leaks or bugs as an error, matching the
// spec's requirement that a debug pool surface these at teardown.
func (d *DebugPool) Close() error {
	leaks := d.Leaks()
	if len(leaks) == 0 {
		return nil
	}
	return fmt.Errorf("page: debug pool closed with %d issue(s): %v", len(leaks), leaks)
}
