// Package janitor schedules eddy's background maintenance: bounded GC
// sweeps and stale-connection reclamation (spec.md §4.C, §4.E), an
// operational convenience the C original leaves to callers. Grounded
// on SimonWaldherr-tinySQL's internal/storage/scheduler.go.
package janitor

import (
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/imgix/eddy/internal/telemetry"
	"github.com/imgix/eddy/pkg/gc"
	"github.com/imgix/eddy/pkg/page"
)

// ConnTable is the subset of pkg/conn.Table the janitor sweeps.
type ConnTable interface {
	Xmin(currentXid uint64) uint64
	ReclaimStale(xmin uint64, onReclaim func(pending []uint32)) (int, error)
}

// Source provides the current xid the janitor's GC step needs,
// implemented by pkg/index.Index.
type Source interface {
	Xid() uint64
}

// Allocator is what a reclaimed connection's pending pages are
// returned to (spec.md §5 "Crash recovery": "a subsequent opener that
// successfully claims the dead slot's byte-range returns those pages
// to the free list").
type Allocator interface {
	Free(pages []page.No) error
}

// Janitor runs GC.Run and conn.Table.ReclaimStale on cron schedules.
type Janitor struct {
	cron  *cron.Cron
	mu    sync.Mutex
	gc    *gc.GC
	conns ConnTable
	src   Source
	alloc Allocator
	log   *telemetry.Logger

	gcStep int
}

// Config configures a Janitor's schedules, in standard 5-field cron
// syntax (robfig/cron/v3's default parser, no seconds field, matching
// most operators' expectations for a background maintenance daemon).
type Config struct {
	GCSchedule     string // default "*/1 * * * *"
	ReclaimSchedule string // default "*/5 * * * *"
	GCStep         int    // GC lists reclaimed per run, default 64
}

// New creates a Janitor. Call Start to begin running its schedules.
func New(g *gc.GC, conns ConnTable, src Source, alloc Allocator, log *telemetry.Logger, cfg Config) *Janitor {
	if cfg.GCSchedule == "" {
		cfg.GCSchedule = "*/1 * * * *"
	}
	if cfg.ReclaimSchedule == "" {
		cfg.ReclaimSchedule = "*/5 * * * *"
	}
	if cfg.GCStep == 0 {
		cfg.GCStep = 64
	}
	j := &Janitor{
		cron:   cron.New(),
		gc:     g,
		conns:  conns,
		src:    src,
		alloc:  alloc,
		log:    log,
		gcStep: cfg.GCStep,
	}
	j.cron.AddFunc(cfg.GCSchedule, j.runGC)
	j.cron.AddFunc(cfg.ReclaimSchedule, j.runReclaim)
	return j
}

// Start begins running the scheduled sweeps in the background.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (j *Janitor) Stop() { <-j.cron.Stop().Done() }

func (j *Janitor) runGC() {
	j.mu.Lock()
	defer j.mu.Unlock()
	xmin := j.conns.Xmin(j.src.Xid())
	n, err := j.gc.Run(xmin, j.gcStep)
	if err != nil {
		if j.log != nil {
			j.log.GCLogger().Warn("janitor gc sweep failed").Err(err).Send()
		}
		return
	}
	if n > 0 && j.log != nil {
		j.log.GCLogger().Debug("janitor gc sweep reclaimed pages").Int("pages", n).Send()
	}
}

func (j *Janitor) runReclaim() {
	j.mu.Lock()
	defer j.mu.Unlock()
	xmin := j.conns.Xmin(j.src.Xid())
	n, err := j.conns.ReclaimStale(xmin, func(pending []uint32) {
		if j.alloc == nil || len(pending) == 0 {
			return
		}
		pages := make([]page.No, len(pending))
		for i, p := range pending {
			pages[i] = page.No(p)
		}
		if err := j.alloc.Free(pages); err != nil && j.log != nil {
			j.log.ConnLogger().Warn("janitor failed to free reclaimed pages").Err(err).Send()
		}
	})
	if err != nil {
		if j.log != nil {
			j.log.ConnLogger().Warn("janitor stale sweep failed").Err(err).Send()
		}
		return
	}
	if n > 0 && j.log != nil {
		j.log.ConnLogger().Debug("janitor reclaimed stale connections").Int("count", n).Send()
	}
}
