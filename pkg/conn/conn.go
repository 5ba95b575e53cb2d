// Package conn implements the connection table (spec.md §4.C): one
// slot per attached process, inline in the index header, used to
// compute xmin and to detect and reclaim dead holders.
package conn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/imgix/eddy/internal/telemetry"
	"github.com/imgix/eddy/pkg/flock"
)

// NPending is the fixed size of a slot's pending-allocation list
// (spec.md §3: "pending[11]").
const NPending = 11

// SlotSize is the encoded size in bytes of a single connection slot:
// pid(4) + heartbeat(8) + active_xid(8) + npending(4) + pending(11*4).
const SlotSize = 4 + 8 + 8 + 4 + NPending*4

// StaleAfter is how long a slot's heartbeat may go unrefreshed before
// it becomes a candidate for stale reclamation (spec.md §4.C).
const StaleAfter = 10 * time.Second

// ErrNoSlotAvailable is returned when every slot is claimed by a live
// holder (spec.md §4.C: "If no slot is claimable, AGAIN is returned").
var ErrNoSlotAvailable = errors.New("conn: no connection slot available")

// Slot is the decoded form of one connection-table entry.
type Slot struct {
	PID       int32
	Heartbeat int64 // unix seconds; 0 means unused
	ActiveXID uint64
	NPending  uint32
	Pending   [NPending]uint32
}

// inUse reports whether the slot is claimed by some process (live or
// not — staleness is judged separately).
func (s *Slot) inUse() bool { return s.Heartbeat != 0 }

func decodeSlot(b []byte) Slot {
	var s Slot
	s.PID = int32(binary.LittleEndian.Uint32(b[0:4]))
	s.Heartbeat = int64(binary.LittleEndian.Uint64(b[4:12]))
	s.ActiveXID = binary.LittleEndian.Uint64(b[12:20])
	s.NPending = binary.LittleEndian.Uint32(b[20:24])
	for i := 0; i < NPending; i++ {
		off := 24 + i*4
		s.Pending[i] = binary.LittleEndian.Uint32(b[off : off+4])
	}
	return s
}

func encodeSlot(b []byte, s Slot) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(s.PID))
	binary.LittleEndian.PutUint64(b[4:12], uint64(s.Heartbeat))
	binary.LittleEndian.PutUint64(b[12:20], s.ActiveXID)
	binary.LittleEndian.PutUint32(b[20:24], s.NPending)
	for i := 0; i < NPending; i++ {
		off := 24 + i*4
		binary.LittleEndian.PutUint32(b[off:off+4], s.Pending[i])
	}
}

// Table is the live connection table: a mapped byte region (inline in
// the index header / header-overflow pages) plus one byte-range file
// lock per slot.
type Table struct {
	data   []byte
	count  int
	locks  []*flock.FileLock
	region *flock.FileLock // covers the whole table, for open-region exclusion
	log    *telemetry.Logger
	met    *telemetry.Metrics
}

// New wraps data (count*SlotSize bytes, a view into the mapped header
// region starting at slotsOffset within f) with per-slot and
// whole-region byte-range locks.
func New(f *os.File, data []byte, slotsOffset int64, count int, log *telemetry.Logger, met *telemetry.Metrics) (*Table, error) {
	if len(data) < count*SlotSize {
		return nil, fmt.Errorf("conn: table buffer too small: have %d want %d", len(data), count*SlotSize)
	}
	locks := make([]*flock.FileLock, count)
	for i := 0; i < count; i++ {
		locks[i] = flock.New(f, slotsOffset+int64(i*SlotSize), SlotSize)
	}
	return &Table{
		data:   data,
		count:  count,
		locks:  locks,
		region: flock.New(f, slotsOffset, int64(count*SlotSize)),
		log:    log,
		met:    met,
	}, nil
}

func (t *Table) slotBytes(i int) []byte {
	return t.data[i*SlotSize : (i+1)*SlotSize]
}

// Conn is a claimed connection slot, held for the life of a process's
// attachment to the index.
type Conn struct {
	table *Table
	index int
}

// Index returns the slot number this connection occupies.
func (c *Conn) Index() int { return c.index }

// Claim scans the table under an exclusive lock on the whole region,
// selects a slot that is unused or whose owner's xid is older than
// currentXid-16 (so it cannot still be mid-read), and takes an
// exclusive byte-range lock on that slot alone (spec.md §4.C).
func (t *Table) Claim(pid int32, currentXid uint64) (*Conn, error) {
	if err := t.region.Lock(flock.LockExclusive, 0); err != nil {
		return nil, fmt.Errorf("conn: lock open-region: %w", err)
	}
	defer t.region.Unlock(flock.LockExclusive, 0)

	for i := 0; i < t.count; i++ {
		s := decodeSlot(t.slotBytes(i))
		reclaimable := !s.inUse() || (currentXid > 16 && s.ActiveXID != 0 && s.ActiveXID < currentXid-16)
		if !reclaimable {
			continue
		}
		if err := t.locks[i].Lock(flock.LockExclusive, flock.NoBlock|flock.SkipThreadLock); err != nil {
			if err == flock.ErrWouldBlock {
				continue
			}
			return nil, fmt.Errorf("conn: lock slot %d: %w", i, err)
		}

		fresh := Slot{PID: pid, Heartbeat: time.Now().Unix()}
		encodeSlot(t.slotBytes(i), fresh)

		if t.met != nil {
			t.met.ConnClaimsTotal.Inc()
			t.met.ConnActive.Inc()
		}
		if t.log != nil {
			t.log.ConnLogger().Info("claimed connection slot").Int("slot", i).Int32("pid", pid).Send()
		}
		return &Conn{table: t, index: i}, nil
	}
	return nil, ErrNoSlotAvailable
}

// Release clears the slot's fields and drops its byte-range lock.
func (c *Conn) Release() error {
	t := c.table
	encodeSlot(t.slotBytes(c.index), Slot{})
	err := t.locks[c.index].Unlock(flock.LockExclusive, flock.SkipThreadLock)
	if t.met != nil {
		t.met.ConnActive.Dec()
	}
	return err
}

// Heartbeat stamps the slot's active_xid and heartbeat time, as every
// read or write operation must (spec.md §4.C).
func (c *Conn) Heartbeat(activeXid uint64) {
	t := c.table
	b := t.slotBytes(c.index)
	s := decodeSlot(b)
	s.Heartbeat = time.Now().Unix()
	s.ActiveXID = activeXid
	encodeSlot(b, s)
}

// SetPending records the writer's not-yet-committed page allocations
// into this slot, so a crash leaves them recoverable by another
// process (spec.md §4.G "open").
func (c *Conn) SetPending(pages []uint32) error {
	if len(pages) > NPending {
		return fmt.Errorf("conn: %d pending pages exceeds slot capacity %d", len(pages), NPending)
	}
	t := c.table
	b := t.slotBytes(c.index)
	s := decodeSlot(b)
	s.NPending = uint32(len(pages))
	var arr [NPending]uint32
	copy(arr[:], pages)
	s.Pending = arr
	encodeSlot(b, s)
	return nil
}

// ClearActive zeroes active_xid, marking the connection as not
// reading (spec.md §3: "active_xid = 0 means not reading").
func (c *Conn) ClearActive() {
	t := c.table
	b := t.slotBytes(c.index)
	s := decodeSlot(b)
	s.ActiveXID = 0
	encodeSlot(b, s)
}

// Xmin computes the lowest active_xid over all live (in-use) slots,
// the watermark below which GC may reclaim (spec.md §4.C, §9).
func (t *Table) Xmin(currentXid uint64) uint64 {
	xmin := currentXid
	for i := 0; i < t.count; i++ {
		s := decodeSlot(t.slotBytes(i))
		if s.inUse() && s.ActiveXID != 0 && s.ActiveXID < xmin {
			xmin = s.ActiveXID
		}
	}
	return xmin
}

// Pending returns the pending-allocation page numbers recorded by every
// in-use slot, live or stale, so pkg/index's Stat/Repair can mark them
// reachable (spec.md §3 partition: "(v) in a live connection's
// pending") without duplicating pkg/conn's slot decoding.
func (t *Table) Pending() []uint32 {
	var out []uint32
	for i := 0; i < t.count; i++ {
		s := decodeSlot(t.slotBytes(i))
		if !s.inUse() {
			continue
		}
		out = append(out, s.Pending[:s.NPending]...)
	}
	return out
}

// ReclaimStale scans for slots whose heartbeat is older than
// StaleAfter and whose xid is older than xmin, and attempts to prove
// the owner is gone via a non-blocking exclusive probe. Proven-dead
// slots are zeroed and their pending pages returned via onReclaim,
// which receives the dead slot's pending page numbers.
func (t *Table) ReclaimStale(xmin uint64, onReclaim func(pending []uint32)) (int, error) {
	now := time.Now().Unix()
	reclaimed := 0
	for i := 0; i < t.count; i++ {
		s := decodeSlot(t.slotBytes(i))
		if !s.inUse() {
			continue
		}
		stale := now-s.Heartbeat > int64(StaleAfter/time.Second)
		belowXmin := s.ActiveXID == 0 || s.ActiveXID < xmin
		if !stale || !belowXmin {
			continue
		}

		held, err := t.locks[i].TryExclusiveProbe()
		if err != nil {
			return reclaimed, fmt.Errorf("conn: probe slot %d: %w", i, err)
		}
		if held {
			continue // owner still alive
		}

		if onReclaim != nil {
			onReclaim(s.Pending[:s.NPending])
		}
		encodeSlot(t.slotBytes(i), Slot{})
		reclaimed++

		if t.met != nil {
			t.met.ConnStaleReclaimed.Inc()
			t.met.ConnActive.Dec()
		}
		if t.log != nil {
			t.log.LogStaleReclaim(i, s.PID)
		}
	}
	return reclaimed, nil
}
