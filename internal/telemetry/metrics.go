package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics exported by an open index.
type Metrics struct {
	AllocTotal       *prometheus.CounterVec // labels: path (tail, freelist, grow)
	AllocDuration    prometheus.Histogram
	FreeTotal        prometheus.Counter
	GCEnqueuedTotal  prometheus.Counter
	GCReclaimedTotal prometheus.Counter

	TxnCommitsTotal prometheus.Counter
	TxnAbortsTotal  prometheus.Counter
	TxnDuration     *prometheus.HistogramVec // labels: outcome

	ConnClaimsTotal    prometheus.Counter
	ConnStaleReclaimed prometheus.Counter
	ConnActive         prometheus.Gauge

	SlabEvictionsTotal prometheus.Counter
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter

	StartTime time.Time
}

// New creates and registers eddy's Prometheus metrics against reg. A nil
// reg creates the metrics without registering them anywhere, matching
// promauto.With(nil).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AllocTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eddy_alloc_total",
			Help: "Total number of pages handed out by the allocator, by path.",
		}, []string{"path"}),
		AllocDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "eddy_alloc_duration_seconds",
			Help:    "Duration of allocator.Alloc calls.",
			Buckets: prometheus.DefBuckets,
		}),
		FreeTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_free_total",
			Help: "Total number of pages returned to the free list.",
		}),
		GCEnqueuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_gc_enqueued_total",
			Help: "Total number of pages enqueued for deferred release.",
		}),
		GCReclaimedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_gc_reclaimed_total",
			Help: "Total number of pages reclaimed by gc.Run.",
		}),
		TxnCommitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_txn_commits_total",
			Help: "Total number of committed write transactions.",
		}),
		TxnAbortsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_txn_aborts_total",
			Help: "Total number of aborted write transactions.",
		}),
		TxnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eddy_txn_duration_seconds",
			Help:    "Duration of a transaction from Open to Commit/Close.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"outcome"}),
		ConnClaimsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_conn_claims_total",
			Help: "Total number of connection slots claimed.",
		}),
		ConnStaleReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_conn_stale_reclaimed_total",
			Help: "Total number of stale connection slots reclaimed.",
		}),
		ConnActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eddy_conn_active",
			Help: "Number of currently claimed connection slots.",
		}),
		SlabEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_slab_evictions_total",
			Help: "Total number of objects evicted by slab wraparound.",
		}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_cache_hits_total",
			Help: "Total number of Get calls that found a live object.",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_cache_misses_total",
			Help: "Total number of Get calls that found no live object.",
		}),
		StartTime: time.Now(),
	}
}

// Noop returns a Metrics registered against a private registry, for
// callers (tests, embedders) that do not want to pollute the default
// Prometheus registry.
func Noop() *Metrics {
	return New(prometheus.NewRegistry())
}
