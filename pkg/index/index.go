package index

import (
	"bytes"
	"fmt"
	"os"
	"time"

	natomic "github.com/natefinch/atomic"
	"github.com/google/uuid"

	"github.com/imgix/eddy/internal/telemetry"
	"github.com/imgix/eddy/pkg/alloc"
	"github.com/imgix/eddy/pkg/config"
	"github.com/imgix/eddy/pkg/conn"
	"github.com/imgix/eddy/pkg/flock"
	"github.com/imgix/eddy/pkg/gc"
	"github.com/imgix/eddy/pkg/page"
	"github.com/imgix/eddy/pkg/txn"
)

// Index is an open eddy index: the mapped header, the connection this
// process claimed, and the allocator/GC/transaction machinery wired
// together against it (spec.md §4.H).
type Index struct {
	cfg config.Config

	indexFile *os.File
	slabFile  *os.File

	pool       *page.Pool
	slabPool   *page.Pool
	headerData []byte
	hdr        *Header

	connTable *conn.Table
	myConn    *conn.Conn

	// pid is the process that called Open and claimed myConn. A process
	// that forks after Open inherits the same file descriptors and
	// mappings but gets its own pid; Close compares against this to
	// implement spec.md §4.H's fork rule (see Close).
	pid int32

	alloc *alloc.Allocator
	gc    *gc.GC

	lock *flock.FileLock

	pageSize int
	log      *telemetry.Logger
	met      *telemetry.Metrics
}

// Open validates or formats page 0 per cfg, mounts the slab file, and
// wires together everything a Transaction needs (spec.md §4.H, §6).
func Open(cfg config.Config, log *telemetry.Logger, met *telemetry.Metrics) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = telemetry.Global()
	}
	if met == nil {
		met = telemetry.Noop()
	}
	flags := cfg.ResolvedFlags()

	_, statErr := os.Stat(cfg.IndexPath)
	missing := os.IsNotExist(statErr)
	if missing && flags&config.FlagCreate == 0 {
		return nil, fmt.Errorf("index: open %s: %w", cfg.IndexPath, statErr)
	}

	if missing || flags&config.FlagReplace != 0 {
		if err := format(cfg, flags); err != nil {
			return nil, fmt.Errorf("index: format %s: %w", cfg.IndexPath, err)
		}
	}

	idxFile, err := os.OpenFile(cfg.IndexPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", cfg.IndexPath, err)
	}

	idx := &Index{cfg: cfg, indexFile: idxFile, log: log, met: met, pid: int32(os.Getpid())}
	if err := idx.mount(); err != nil {
		idxFile.Close()
		return nil, err
	}

	if err := idx.openSlab(flags); err != nil {
		idx.Close()
		return nil, err
	}

	myConn, err := idx.connTable.Claim(idx.pid, idx.hdr.Xid())
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("index: claim connection slot: %w", err)
	}
	idx.myConn = myConn

	idx.alloc = alloc.New(idx.pool, idx.hdr.TailBytes(), idx.hdr.FreeHead(), grower{idx}, met)
	idx.gc = gc.New(idx.pool, idx.alloc, idx.hdr.GCHead(), idx.hdr.GCTail(), log, met)

	return idx, nil
}

// format writes a brand-new header atomically (temp file + rename, via
// natefinch/atomic, so a crash mid-format never leaves a half-written
// header indistinguishable from corruption) and creates the slab file.
func format(cfg config.Config, flags config.Flags) error {
	pageSize := page.DefaultSize
	maxConns := cfg.MaxConnsOrDefault()
	headerPages := HeaderPages(pageSize, maxConns)

	buf := make([]byte, headerPages*pageSize)
	page.WriteHeader(buf, 0, page.TypeHeader)
	h := newHeader(buf)
	h.SetMagic()
	h.SetEndian()
	h.SetVersion(Version)
	seed, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("generate header seed: %w", err)
	}
	h.SetSeed(bytesToUint64(seed[:8]))
	h.SetCreated(time.Now().Unix())
	h.SetFlags(flags & config.Persisted)
	h.SetPageSize(uint32(pageSize))
	h.SetSlabBlockSize(page.DefaultSize)
	h.SetMaxConns(uint32(maxConns))
	alloc.SetTail(h.TailBytes(), page.No(headerPages), 0)
	h.SetGCHead(page.NoNone)
	h.SetGCTail(page.NoNone)
	h.SetFreeHead(page.NoNone)
	h.SetSlabPath(cfg.SlabPathOrDefault())
	h.PublishRoots([txn.NDB]page.No{page.NoNone, page.NoNone})

	if err := natomic.WriteFile(cfg.IndexPath, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	slabPath := cfg.SlabPathOrDefault()
	slabFile, err := os.OpenFile(slabPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("create slab %s: %w", slabPath, err)
	}
	defer slabFile.Close()

	blockSize := int64(page.DefaultSize)
	blockCount := uint64(0)
	if flags&config.FlagAllocate != 0 {
		blockCount = uint64(cfg.SlabSize / blockSize)
		if err := slabFile.Truncate(cfg.SlabSize); err != nil {
			return fmt.Errorf("allocate slab: %w", err)
		}
	}
	ino, err := fileInode(slabFile)
	if err != nil {
		return fmt.Errorf("stat slab inode: %w", err)
	}

	idxFile, err := os.OpenFile(cfg.IndexPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("reopen header for slab fields: %w", err)
	}
	defer idxFile.Close()
	pool := page.New(idxFile, pageSize)
	hdrMap, err := pool.Map(0, headerPages)
	if err != nil {
		return fmt.Errorf("map header after format: %w", err)
	}
	defer pool.Unmap(hdrMap)
	hh := newHeader(hdrMap)
	hh.SetSlabInode(ino)
	hh.SetSlabBlockCount(blockCount)
	return nil
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// mount reads the page size and connection-slot count (both fixed
// 4-byte fields readable without knowing the page size) via a plain
// pread, then maps the full header region at the real page size and
// verifies it (spec.md §6).
func (idx *Index) mount() error {
	var small [4]byte
	if _, err := idx.indexFile.ReadAt(small[:], offPageSize); err != nil {
		return fmt.Errorf("index: %w", codeErr(ErrIndexSize))
	}
	pageSize := int(leUint32(small[:]))
	if pageSize <= 0 {
		return codeErr(ErrIndexPageSize)
	}

	if _, err := idx.indexFile.ReadAt(small[:], offMaxConns); err != nil {
		return fmt.Errorf("index: %w", codeErr(ErrIndexSize))
	}
	maxConns := int(leUint32(small[:]))
	headerPages := HeaderPages(pageSize, maxConns)

	info, err := idx.indexFile.Stat()
	if err != nil {
		return err
	}
	if info.Size() < int64(headerPages*pageSize) {
		return codeErr(ErrIndexSize)
	}

	idx.pool = page.New(idx.indexFile, pageSize)
	idx.pageSize = pageSize
	data, err := idx.pool.Map(0, headerPages)
	if err != nil {
		return fmt.Errorf("index: map header: %w", err)
	}
	idx.headerData = data
	idx.hdr = newHeader(data)

	if idx.hdr.Magic() != Magic {
		return codeErr(ErrIndexMagic)
	}
	if idx.hdr.Endian() != EndianMark {
		return codeErr(ErrIndexEndian)
	}
	if idx.hdr.Version() != Version {
		return codeErr(ErrIndexVersion)
	}

	slotsOffset := idx.hdr.ConnTableOffset()
	slotsData := idx.headerData[slotsOffset : int(slotsOffset)+maxConns*conn.SlotSize]
	table, err := conn.New(idx.indexFile, slotsData, slotsOffset, maxConns, idx.log, idx.met)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	idx.connTable = table
	idx.lock = flock.New(idx.indexFile, 0, 0)
	return nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// openSlab opens the slab file and checks its inode against the value
// recorded in the header, detecting a slab replaced out from under a
// running index (spec.md §6).
func (idx *Index) openSlab(flags config.Flags) error {
	path := idx.hdr.SlabPath()
	if path == "" {
		path = idx.cfg.SlabPathOrDefault()
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("index: open slab %s: %w", path, err)
	}
	ino, err := fileInode(f)
	if err != nil {
		f.Close()
		return err
	}
	if want := idx.hdr.SlabInode(); want != 0 && want != ino {
		f.Close()
		return codeErr(ErrSlabInode)
	}
	idx.slabFile = f
	return nil
}

// grower implements alloc.Grower by extending the index file.
type grower struct{ idx *Index }

func (g grower) Grow(count uint32) (page.No, error) {
	info, err := g.idx.indexFile.Stat()
	if err != nil {
		return 0, err
	}
	pageSize := int64(g.idx.pageSize)
	start := page.No(info.Size() / pageSize)
	newSize := info.Size() + int64(count)*pageSize
	if err := g.idx.indexFile.Truncate(newSize); err != nil {
		return 0, fmt.Errorf("index: grow file: %w", err)
	}
	return start, nil
}

// Roots, PublishRoots, Xid, BumpXid, SetActive implement txn.RootStore
// by delegating to the mapped header.
func (idx *Index) Roots() [txn.NDB]page.No           { return idx.hdr.Roots() }
func (idx *Index) PublishRoots(r [txn.NDB]page.No)   { idx.hdr.PublishRoots(r) }
func (idx *Index) Xid() uint64                       { return idx.hdr.Xid() }
func (idx *Index) BumpXid() uint64                   { return idx.hdr.BumpXid() }
func (idx *Index) SetActive(pages []page.No)         { idx.hdr.SetActive(pages) }

// Xmin is the oldest xid any live connection might still be reading
// (spec.md §4.C, §9), the watermark GC.Run reclaims below.
func (idx *Index) Xmin() uint64 { return idx.connTable.Xmin(idx.hdr.Xid()) }

// LockWrite/UnlockWrite/LockRead/UnlockRead implement txn.Locker over
// the whole-index byte-range lock.
func (idx *Index) LockWrite(nonBlocking bool) error {
	return idx.lock.Lock(flock.LockExclusive, lockFlags(nonBlocking))
}
func (idx *Index) UnlockWrite() error {
	return idx.lock.Unlock(flock.LockExclusive, lockFlags(false))
}
func (idx *Index) LockRead(nonBlocking bool) error {
	return idx.lock.Lock(flock.LockShared, lockFlags(nonBlocking))
}
func (idx *Index) UnlockRead() error {
	return idx.lock.Unlock(flock.LockShared, lockFlags(false))
}

func lockFlags(nonBlocking bool) flock.Flag {
	if nonBlocking {
		return flock.NoBlock
	}
	return 0
}

// Sync implements txn.Syncer: flush both the index and slab files to
// stable storage (spec.md §7: "a commit that cannot msync returns an
// error to the caller with the root swap already published").
func (idx *Index) Sync() error {
	if err := idx.indexFile.Sync(); err != nil {
		return fmt.Errorf("index: sync index file: %w", err)
	}
	if idx.slabFile != nil {
		if err := idx.slabFile.Sync(); err != nil {
			return fmt.Errorf("index: sync slab file: %w", err)
		}
	}
	return nil
}

// Begin opens a new Transaction against this index.
func (idx *Index) Begin(flags txn.Flag) (*txn.Transaction, error) {
	d := txn.Deps{
		Pool:       idx.pool,
		Alloc:      idx.alloc,
		GC:         idx.gc,
		Store:      idx,
		Locker:     idx,
		Sync:       idx,
		Conn:       idx.myConn,
		EntrySizes: [txn.NDB]uint32{KeyEntrySize, BlockEntrySize},
		Log:        idx.log,
		Met:        idx.met,
	}
	t := txn.New(d)
	if err := t.Open(flags); err != nil {
		return nil, err
	}
	return t, nil
}

// PageSize returns the index's configured page size.
func (idx *Index) PageSize() int { return idx.pageSize }

// SlabFile returns the open slab file descriptor for pkg/cache.
func (idx *Index) SlabFile() *os.File { return idx.slabFile }

// SlabBlockSize and SlabBlockCount describe the slab's block geometry.
func (idx *Index) SlabBlockSize() uint32   { return idx.hdr.SlabBlockSize() }
func (idx *Index) SlabBlockCount() uint64  { return idx.hdr.SlabBlockCount() }
func (idx *Index) Pos() uint64             { return idx.hdr.Pos() }
func (idx *Index) SetPos(v uint64)         { idx.hdr.SetPos(v) }
func (idx *Index) CASPos(old, new uint64) bool {
	return idx.hdr.CASPos(old, new)
}

// HashSeed returns the header's random seed, mixed into eddyhash's key
// hashing so two indexes never collide identically (spec.md §3).
func (idx *Index) HashSeed() uint64 { return idx.hdr.Seed() }

// ChecksumEnabled reports whether flags.CHECKSUM was set at format
// time (spec.md §6).
func (idx *Index) ChecksumEnabled() bool {
	return idx.hdr.Flags()&config.FlagChecksum != 0
}

// CompressMetaEnabled reports whether flags.COMPRESS_META was set at
// format time.
func (idx *Index) CompressMetaEnabled() bool {
	return idx.hdr.Flags()&config.FlagCompressMeta != 0
}

// SlabPool returns a page.Pool over the slab file, windowed in blocks
// of SlabBlockSize rather than the index's own page size (spec.md §4.I
// "Slab layout"), lazily created on first use.
func (idx *Index) SlabPool() *page.Pool {
	if idx.slabPool == nil {
		idx.slabPool = page.New(idx.slabFile, int(idx.hdr.SlabBlockSize()))
	}
	return idx.slabPool
}

// SlabLock returns a fresh byte-range lock over [offset, offset+length)
// of the slab file (spec.md §4.I "byte-range lock semantics"). Callers
// acquire and release it around a single Get/Reserve attempt; the OS
// serializes genuine cross-process conflicts, while intra-process
// writers are already serialized by the index-wide write lock a
// Reserve's transaction holds.
func (idx *Index) SlabLock(offset, length int64) *flock.FileLock {
	return flock.New(idx.slabFile, offset, length)
}

// Close releases this process's connection slot and unmaps/closes both
// files. If called from a process that forked after Open (pid no
// longer matches the one that claimed myConn), it does none of that:
// the connection slot, the byte-range lock state on the fds, and the
// fds themselves are shared file state that belongs to the original
// process, and a forked child closing them would release locks and
// pending-page bookkeeping out from under it (spec.md §4.H). The child
// still unmaps the header, since unmapping only affects this
// process's address space.
func (idx *Index) Close() error {
	inherited := idx.pid != 0 && int32(os.Getpid()) != idx.pid

	var firstErr error
	if !inherited && idx.myConn != nil {
		if err := idx.myConn.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if idx.headerData != nil {
		if err := idx.pool.Unmap(idx.headerData); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if inherited {
		return firstErr
	}
	if idx.slabFile != nil {
		if err := idx.slabFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if idx.indexFile != nil {
		if err := idx.indexFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
