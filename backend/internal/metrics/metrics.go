package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 协作服务的指标。所有方法对 nil 接收者安全，测试里可以直接传 nil。
type Metrics struct {
	OperationsApplied  *prometheus.CounterVec
	OperationsRejected *prometheus.CounterVec
	ApplyDuration      prometheus.Histogram
	ConflictsDetected  prometheus.Counter
	ConflictsResolved  *prometheus.CounterVec
	ReconcileOutcomes  *prometheus.CounterVec

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	HotDocuments   prometheus.Gauge

	PresenceReclaimed prometheus.Counter
	WSConnections     prometheus.Gauge
	EventsDropped     *prometheus.CounterVec
}

// New 在 reg 上注册全部指标；reg 为 nil 时使用默认注册表
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		OperationsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "operations_applied_total",
			Help:      "Operations applied to documents, by kind",
		}, []string{"kind"}),
		OperationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "operations_rejected_total",
			Help:      "Operations rejected, by error code",
		}, []string{"code"}),
		ApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "apply_duration_seconds",
			Help:      "Time spent inside the per-document lane, persistence included",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		ConflictsDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_detected_total",
			Help:      "Reconnects that produced a conflict record",
		}),
		ConflictsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_resolved_total",
			Help:      "Conflict resolutions, by choice",
		}, []string{"choice"}),
		ReconcileOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "reconcile_outcomes_total",
			Help:      "Reconnect reconciliation outcomes",
		}, []string{"outcome"}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Active-document cache hits",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Active-document cache misses (store loads)",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Documents evicted from the active-document cache",
		}),
		HotDocuments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hot_documents",
			Help:      "Documents currently resident in memory",
		}),
		PresenceReclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "reclaimed_total",
			Help:      "Presence entries reclaimed by TTL sweep",
		}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket sessions",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Outbound events dropped, by sink",
		}, []string{"sink"}),
	}
}

func (m *Metrics) OpApplied(kind string) {
	if m == nil {
		return
	}
	m.OperationsApplied.WithLabelValues(kind).Inc()
}

func (m *Metrics) OpRejected(code string) {
	if m == nil {
		return
	}
	m.OperationsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveApply(seconds float64) {
	if m == nil {
		return
	}
	m.ApplyDuration.Observe(seconds)
}

func (m *Metrics) ConflictDetected() {
	if m == nil {
		return
	}
	m.ConflictsDetected.Inc()
}

func (m *Metrics) ConflictResolved(choice string) {
	if m == nil {
		return
	}
	m.ConflictsResolved.WithLabelValues(choice).Inc()
}

func (m *Metrics) ReconcileOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

func (m *Metrics) CacheEvicted(hot int) {
	if m == nil {
		return
	}
	m.CacheEvictions.Inc()
	m.HotDocuments.Set(float64(hot))
}

func (m *Metrics) SetHotDocuments(n int) {
	if m == nil {
		return
	}
	m.HotDocuments.Set(float64(n))
}

func (m *Metrics) Reclaimed(n int) {
	if m == nil {
		return
	}
	m.PresenceReclaimed.Add(float64(n))
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

func (m *Metrics) EventDropped(sink string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(sink).Inc()
}
