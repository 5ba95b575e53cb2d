// Package txn implements the transaction layer (spec.md §4.G): the
// write path that draws pages eagerly, stages copy-on-write B+tree
// rewrites in memory, and publishes a new pair of tree roots with a
// single atomic swap; the read path that snapshots the published roots
// so a concurrent commit never perturbs an in-flight reader.
package txn

import (
	"errors"
	"fmt"
	"time"

	"github.com/imgix/eddy/internal/telemetry"
	"github.com/imgix/eddy/pkg/alloc"
	"github.com/imgix/eddy/pkg/bpt"
	"github.com/imgix/eddy/pkg/conn"
	"github.com/imgix/eddy/pkg/gc"
	"github.com/imgix/eddy/pkg/page"
)

// NDB is the number of trees eddy keeps per index: keys and blocks
// (spec.md §3: "N_DB = 2").
const NDB = 2

const (
	DBKeys   = 0
	DBBlocks = 1
)

// gcStep bounds how much deferred-release work a single Open performs
// (spec.md §4.G step 1: "runs one bounded GC step").
const gcStep = 8

// Flag modifies Open/Commit/Close behavior.
type Flag int

const (
	ReadOnly Flag = 1 << iota
	NonBlocking
	NoSync
	Async
	ResetReuse
)

var (
	ErrReadOnly   = errors.New("txn: write attempted on read-only transaction")
	ErrClosed     = errors.New("txn: transaction already closed")
	ErrNotOpen    = errors.New("txn: transaction not open")
	ErrWriteTxn   = errors.New("txn: a write transaction is already open")
)

// RootStore is the index header's view a Transaction reads and
// publishes against: the packed root-pointer pair, the monotonic xid,
// and the writer's active-allocation list (spec.md §3, §9).
type RootStore interface {
	Roots() [NDB]page.No
	PublishRoots(roots [NDB]page.No)
	Xid() uint64
	BumpXid() uint64
	SetActive(pages []page.No)
	Xmin() uint64
}

// Locker is the pair of index-wide lock acquisitions a transaction
// needs: the single writer-exclusive lock and the many-readers-shared
// lock (spec.md §4.G "open").
type Locker interface {
	LockWrite(nonBlocking bool) error
	UnlockWrite() error
	LockRead(nonBlocking bool) error
	UnlockRead() error
}

// Syncer flushes dirty pages to stable storage at commit, unless
// flags.NOSYNC/Async suppress it (spec.md §6, §7).
type Syncer interface {
	Sync() error
}

// Deps bundles everything a Transaction needs from the owning index
// (pkg/index assembles this; txn never imports index, avoiding the
// cycle implied by spec.md §2's H-uses-everything dependency order).
type Deps struct {
	Pool       *page.Pool
	Alloc      *alloc.Allocator
	GC         *gc.GC
	Store      RootStore
	Locker     Locker
	Sync       Syncer // optional
	Conn       *conn.Conn
	EntrySizes [NDB]uint32
	Log        *telemetry.Logger
	Met        *telemetry.Metrics
}

// Transaction is a single read or write attachment to the index.
type Transaction struct {
	d Deps

	readOnly bool
	closed   bool
	flags    Flag

	writeXid uint64 // xid this write transaction will commit as
	readXid  uint64 // snapshot xid for a read transaction

	roots [NDB]page.No
	trees [NDB]*bpt.Tree

	scratch  []page.No
	discards []page.No

	start time.Time
}

// New creates an unopened Transaction against the given dependencies
// (spec.md §4.G: "new(index)").
func New(d Deps) *Transaction {
	return &Transaction{d: d}
}

// Open acquires the appropriate index-wide lock and snapshots the tree
// roots (spec.md §4.G "open").
func (t *Transaction) Open(flags Flag) error {
	t.flags = flags
	t.start = time.Now()
	nonBlocking := flags&NonBlocking != 0

	if flags&ReadOnly != 0 {
		if err := t.d.Locker.LockRead(nonBlocking); err != nil {
			return fmt.Errorf("txn: open read: %w", err)
		}
		t.readOnly = true
		t.readXid = t.d.Store.Xid()
		t.roots = t.d.Store.Roots()
		for i := 0; i < NDB; i++ {
			t.trees[i] = bpt.New(t.d.Pool, t.d.EntrySizes[i], t.roots[i], t.readXid, t)
		}
		if t.d.Conn != nil {
			t.d.Conn.Heartbeat(t.readXid)
		}
		return nil
	}

	if err := t.d.Locker.LockWrite(nonBlocking); err != nil {
		return fmt.Errorf("txn: open write: %w", err)
	}
	if t.d.Conn != nil {
		t.d.Conn.Heartbeat(t.d.Store.Xid())
	}

	if t.d.GC != nil {
		if _, err := t.d.GC.Run(t.d.Store.Xmin(), gcStep); err != nil {
			if t.d.Log != nil {
				t.d.Log.TxnLogger(t.d.Store.Xid()).Warn("bounded gc step failed").Err(err).Send()
			}
		}
	}

	t.writeXid = t.d.Store.Xid() + 1
	t.roots = t.d.Store.Roots()
	for i := 0; i < NDB; i++ {
		t.trees[i] = bpt.New(t.d.Pool, t.d.EntrySizes[i], t.roots[i], t.writeXid, t)
	}
	return nil
}

// Tree returns the working tree for database db (txn.DBKeys or
// txn.DBBlocks). Writes against it stage into this transaction's
// scratch and discard lists; nothing is visible to other transactions
// until Commit.
func (t *Transaction) Tree(db int) *bpt.Tree { return t.trees[db] }

// Draw implements bpt.PageSource: it pulls a fresh page directly from
// the allocator for every CoW rewrite, recording it in the
// transaction's scratch list. This collapses spec.md §4.G's
// pre-sized-scratch-array design (npg sized to the precomputed worst
// case nsplits) into incremental per-page draws with the same
// all-or-nothing guarantee: any Draw failure aborts the transaction via
// Close, which returns every page drawn so far to the free list without
// ever having published a root.
func (t *Transaction) Draw() (page.No, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	no, err := t.d.Alloc.Alloc(1)
	if err != nil {
		return 0, err
	}
	t.scratch = append(t.scratch, no)
	return no, nil
}

// Discard implements bpt.PageSource: it records a superseded node page
// so Commit can enqueue it into the garbage collector under this
// transaction's xid.
func (t *Transaction) Discard(no page.No) {
	if no != page.NoNone {
		t.discards = append(t.discards, no)
	}
}

// Commit publishes the working tree roots with a single atomic swap,
// enqueues discarded pages for deferred release, and releases the
// write lock (spec.md §4.G "commit"). Committing a read-only
// transaction is equivalent to Close.
func (t *Transaction) Commit() error {
	if t.closed {
		return ErrClosed
	}
	if t.readOnly {
		return t.Close()
	}

	if t.d.Conn != nil {
		pending := make([]uint32, len(t.scratch))
		for i, p := range t.scratch {
			pending[i] = uint32(p)
		}
		if err := t.d.Conn.SetPending(pending); err != nil {
			// Pending is a best-effort crash-recovery aid (spec.md
			// §4.C's slot holds only 11 entries); a transaction that
			// legitimately drew more pages than that still commits.
			if t.d.Log != nil {
				t.d.Log.TxnLogger(t.writeXid).Warn("pending list truncated").Err(err).Send()
			}
		}
	}

	var newRoots [NDB]page.No
	for i := 0; i < NDB; i++ {
		newRoots[i] = t.trees[i].Root()
	}
	t.d.Store.PublishRoots(newRoots)
	t.d.Store.SetActive(nil)
	committedXid := t.d.Store.BumpXid()

	if t.d.GC != nil && len(t.discards) > 0 {
		if err := t.d.GC.Enqueue(committedXid, t.discards); err != nil {
			// The roots are already published: per spec.md §7, a
			// commit never un-publishes on a post-swap failure. The
			// discarded pages leak until a future Repair pass, but no
			// data is lost or corrupted.
			if t.d.Log != nil {
				t.d.Log.TxnLogger(committedXid).Error("gc enqueue after commit failed").Err(err).Send()
			}
		}
	}

	if t.flags&NoSync == 0 && t.flags&Async == 0 && t.d.Sync != nil {
		if err := t.d.Sync.Sync(); err != nil {
			t.finish(true)
			return fmt.Errorf("txn: commit sync: %w", err)
		}
	}

	t.finish(true)
	if t.d.Met != nil {
		t.d.Met.TxnCommitsTotal.Inc()
		t.d.Met.TxnDuration.WithLabelValues("commit").Observe(time.Since(t.start).Seconds())
	}
	if t.d.Log != nil {
		t.d.Log.LogCommit(committedXid, len(t.discards), time.Since(t.start))
	}
	return nil
}

// Close releases the transaction's lock without publishing anything.
// For a write transaction this returns every drawn-but-unused page to
// the free list, leaving the header unchanged (spec.md §4.G step 4).
// Double Close is a no-op; Commit after Close is an error.
func (t *Transaction) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true

	if t.readOnly {
		if t.d.Conn != nil {
			t.d.Conn.ClearActive()
		}
		return t.d.Locker.UnlockRead()
	}

	var freeErr error
	if len(t.scratch) > 0 {
		freeErr = t.d.Alloc.Free(t.scratch)
	}
	if t.d.Conn != nil {
		t.d.Conn.SetPending(nil)
		t.d.Conn.ClearActive()
	}
	if err := t.d.Locker.UnlockWrite(); err != nil {
		return err
	}
	if t.d.Met != nil {
		t.d.Met.TxnAbortsTotal.Inc()
		t.d.Met.TxnDuration.WithLabelValues("abort").Observe(time.Since(t.start).Seconds())
	}
	return freeErr
}

func (t *Transaction) finish(committed bool) {
	t.closed = true
	if t.d.Conn != nil {
		t.d.Conn.SetPending(nil)
		t.d.Conn.ClearActive()
	}
	if err := t.d.Locker.UnlockWrite(); err != nil && t.d.Log != nil {
		t.d.Log.TxnLogger(t.writeXid).Error("unlock after commit failed").Err(err).Send()
	}
}

// ReadOnly reports whether this transaction was opened read-only.
func (t *Transaction) ReadOnly() bool { return t.readOnly }

// Xid returns the transaction's xid: the snapshot xid for a read
// transaction, or the xid it will commit as for a write transaction.
func (t *Transaction) Xid() uint64 {
	if t.readOnly {
		return t.readXid
	}
	return t.writeXid
}
