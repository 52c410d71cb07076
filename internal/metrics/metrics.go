// Package metrics owns the prometheus collectors of the relay process.
//
// Collectors live on an explicit registry created by New. All recording
// methods accept a nil receiver so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "manuscript"

// Metrics groups every collector exported by the service.
type Metrics struct {
	registry *prometheus.Registry

	activeRooms        prometheus.Gauge
	activeConnections  prometheus.Gauge
	framesReceived     *prometheus.CounterVec
	joinsRejected      *prometheus.CounterVec
	updatesBroadcast   prometheus.Counter
	rateLimited        *prometheus.CounterVec
	rateLimitFailOpen  prometheus.Counter
	persistenceWrites  *prometheus.CounterVec
	persistenceLatency prometheus.Histogram
	persistenceQueued  prometheus.Gauge
	persistenceDegrade prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "active_rooms",
			Help: "Rooms with at least one connection.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "active_connections",
			Help: "Connections registered in a room.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "frames_received_total",
			Help: "Frames received from connections by type.",
		}, []string{"type"}),
		joinsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "joins_rejected_total",
			Help: "Rejected join attempts by reason.",
		}, []string{"reason"}),
		updatesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "updates_broadcast_total",
			Help: "Accepted document updates fanned out to a room.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "rejections_total",
			Help: "Requests rejected by the rate limiter by kind.",
		}, []string{"kind"}),
		rateLimitFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "fail_open_total",
			Help: "Requests allowed because the bucket store failed.",
		}),
		persistenceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "persistence", Name: "writes_total",
			Help: "Snapshot merge attempts by result.",
		}, []string{"result"}),
		persistenceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "persistence", Name: "write_duration_seconds",
			Help:    "Duration of snapshot merge attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		persistenceQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "persistence", Name: "queued_updates",
			Help: "Updates accepted but not yet durably merged.",
		}),
		persistenceDegrade: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "persistence", Name: "degraded",
			Help: "1 while repeated persistence failures are being retried.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeRooms,
		m.activeConnections,
		m.framesReceived,
		m.joinsRejected,
		m.updatesBroadcast,
		m.rateLimited,
		m.rateLimitFailOpen,
		m.persistenceWrites,
		m.persistenceLatency,
		m.persistenceQueued,
		m.persistenceDegrade,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.activeRooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.activeRooms.Dec()
	}
}

func (m *Metrics) ConnectionJoined() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) ConnectionLeft() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

func (m *Metrics) FrameReceived(frameType string) {
	if m != nil {
		m.framesReceived.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) JoinRejected(reason string) {
	if m != nil {
		m.joinsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) UpdateBroadcast() {
	if m != nil {
		m.updatesBroadcast.Inc()
	}
}

func (m *Metrics) RateLimited(kind string) {
	if m != nil {
		m.rateLimited.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RateLimitFailOpen() {
	if m != nil {
		m.rateLimitFailOpen.Inc()
	}
}

// PersistenceAttempt records one merge attempt and its duration.
func (m *Metrics) PersistenceAttempt(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.persistenceWrites.WithLabelValues(result).Inc()
	m.persistenceLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) PersistenceQueued(delta int) {
	if m != nil {
		m.persistenceQueued.Add(float64(delta))
	}
}

func (m *Metrics) PersistenceDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.persistenceDegrade.Set(1)
		return
	}
	m.persistenceDegrade.Set(0)
}
