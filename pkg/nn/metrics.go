package nn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haivivi/sensornn/pkg/arena"
)

// Metrics holds the Prometheus collectors for one or more Systems. A nil
// *Metrics disables collection.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	detections    *prometheus.CounterVec
	initFailures  *prometheus.CounterVec
	arenaUsed     *prometheus.GaugeVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	evictions   prometheus.Counter
	discarded   prometheus.Counter
	pageIn      prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sensornn_cycles_total",
			Help: "Classification cycles by result (ok, error, busy)",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sensornn_cycle_duration_seconds",
			Help:    "Wall-clock duration of successful classification cycles",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		detections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sensornn_detections_total",
			Help: "Detections by class name",
		}, []string{"class"}),
		initFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sensornn_init_failures_total",
			Help: "Initialization failures by stage",
		}, []string{"stage"}),
		arenaUsed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensornn_arena_used_bytes",
			Help: "Arena bytes reserved per model",
		}, []string{"model"}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "sensornn_cache_hits_total",
			Help: "Tensor fetches served from the RAM cache",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "sensornn_cache_misses_total",
			Help: "Tensor fetches that paged in from the backing store",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "sensornn_cache_evictions_total",
			Help: "Tensors evicted from the RAM cache",
		}),
		discarded: f.NewCounter(prometheus.CounterOpts{
			Name: "sensornn_cache_discarded_total",
			Help: "Mutable tensors whose value was lost to eviction",
		}),
		pageIn: f.NewCounter(prometheus.CounterOpts{
			Name: "sensornn_page_in_bytes_total",
			Help: "Bytes read from the backing store into the cache",
		}),
	}
}

func (m *Metrics) cycle(result string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
}

func (m *Metrics) observe(seconds float64, classes []string) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(seconds)
	for _, c := range classes {
		m.detections.WithLabelValues(c).Inc()
	}
}

func (m *Metrics) initFailed(stage string) {
	if m == nil {
		return
	}
	m.initFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) setArenaUsed(model string, n int64) {
	if m == nil {
		return
	}
	m.arenaUsed.WithLabelValues(model).Set(float64(n))
}

// addCache adds the counter growth between two arena snapshots.
func (m *Metrics) addCache(before, after arena.Stats) {
	if m == nil {
		return
	}
	m.cacheHits.Add(float64(after.Hits - before.Hits))
	m.cacheMisses.Add(float64(after.Misses - before.Misses))
	m.evictions.Add(float64(after.Evictions - before.Evictions))
	m.discarded.Add(float64(after.Discarded - before.Discarded))
	m.pageIn.Add(float64(after.PageInBytes - before.PageInBytes))
}
