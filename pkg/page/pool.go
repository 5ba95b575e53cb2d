package page

import (
	"errors"
	"fmt"
	"os"
)

// ErrNoPage is returned when Map is asked to map NoNone.
var ErrNoPage = errors.New("page: cannot map NoNone")

// Pool maps ranges of pages directly against an open file descriptor.
// Mappings are shared and read-write: writes through the returned slice
// are writes to the file, visible to any other mapping of the same
// bytes (in this process or another), matching spec.md §4.A.
type Pool struct {
	fd       *os.File
	pageSize int
}

// New creates a page pool backed by fd, using the given page size.
func New(fd *os.File, pageSize int) *Pool {
	if pageSize <= 0 {
		pageSize = DefaultSize
	}
	return &Pool{fd: fd, pageSize: pageSize}
}

// PageSize returns the pool's configured page size.
func (p *Pool) PageSize() int { return p.pageSize }

// Map maps count pages starting at pageNo and returns the backing slice.
// map(NONE, ...) is an error.
func (p *Pool) Map(pageNo No, count int) ([]byte, error) {
	if pageNo == NoNone {
		return nil, ErrNoPage
	}
	if count <= 0 {
		count = 1
	}
	offset := int64(pageNo) * int64(p.pageSize)
	length := count * p.pageSize
	data, err := mmapRaw(p.fd, offset, length)
	if err != nil {
		return nil, fmt.Errorf("page: map %d+%d: %w", pageNo, count, err)
	}
	return data, nil
}

// Unmap releases a mapping previously returned by Map. data must be the
// whole slice Map returned.
func (p *Pool) Unmap(data []byte) error {
	if err := munmapRaw(data); err != nil {
		return fmt.Errorf("page: unmap: %w", err)
	}
	return nil
}

// Slot caches a single-page mapping, remapping only when the requested
// page number differs from the one currently held (spec.md §4.A load/
// unload).
type Slot struct {
	pool *Pool
	no   No
	data []byte
}

// NewSlot creates an empty single-page cache slot for pool.
func NewSlot(pool *Pool) *Slot {
	return &Slot{pool: pool, no: NoNone}
}

// Load returns the mapping for pageNo, remapping only if the slot
// currently holds a different page.
func (s *Slot) Load(pageNo No) ([]byte, error) {
	if s.data != nil && s.no == pageNo {
		return s.data, nil
	}
	if s.data != nil {
		if err := s.pool.Unmap(s.data); err != nil {
			return nil, err
		}
		s.data = nil
	}
	data, err := s.pool.Map(pageNo, 1)
	if err != nil {
		return nil, err
	}
	s.no = pageNo
	s.data = data
	return data, nil
}

// Unload releases the slot's current mapping, if any.
func (s *Slot) Unload() error {
	if s.data == nil {
		return nil
	}
	err := s.pool.Unmap(s.data)
	s.data = nil
	s.no = NoNone
	return err
}
