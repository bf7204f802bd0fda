package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache request results.
const (
	CacheHit   = "hit"
	CacheStale = "stale"
	CacheMiss  = "miss"
)

// Refresh statuses.
const (
	RefreshOK        = "ok"
	RefreshDiscarded = "discarded"
	RefreshFailed    = "failed"
)

// Metrics exposes Prometheus collectors for review and snapshot activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reviews         *prometheus.CounterVec
	cacheRequests   *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
}

// New registers the collectors on reg. Callers supply a fresh registry in tests.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dojang",
			Subsystem: "scheduler",
			Name:      "reviews_total",
			Help:      "Reviews recorded, by outcome.",
		}, []string{"outcome"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dojang",
			Subsystem: "snapshot_cache",
			Name:      "requests_total",
			Help:      "Snapshot reads, by result (hit, stale, miss).",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dojang",
			Subsystem: "snapshot_cache",
			Name:      "refreshes_total",
			Help:      "Snapshot recomputations, by status (ok, discarded, failed).",
		}, []string{"status"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dojang",
			Subsystem: "snapshot_cache",
			Name:      "refresh_duration_seconds",
			Help:      "Time spent computing a snapshot.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{m.reviews, m.cacheRequests, m.refreshes, m.refreshDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew is New that panics on registration errors.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) ObserveReview(outcome string) {
	if m == nil {
		return
	}
	m.reviews.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCacheRequest(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRefresh(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(status).Inc()
	m.refreshDuration.Observe(d.Seconds())
}

// Reviews exposes the review counter for assertions.
func (m *Metrics) Reviews() *prometheus.CounterVec { return m.reviews }

// CacheRequests exposes the request counter for assertions.
func (m *Metrics) CacheRequests() *prometheus.CounterVec { return m.cacheRequests }

// Refreshes exposes the refresh counter for assertions.
func (m *Metrics) Refreshes() *prometheus.CounterVec { return m.refreshes }
