// Package metrics exposes the server's prometheus collectors. All methods
// are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	connections     prometheus.Gauge
	onlineUsers     prometheus.Gauge
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	backupTotal     *prometheus.CounterVec
	detachedErrors  prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expanse_realtime_events_total",
			Help: "Realtime events received, by event name",
		}, []string{"event"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "expanse_realtime_connections",
			Help: "Open realtime connections",
		}),
		onlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "expanse_presence_online_users",
			Help: "Identities holding a live connection",
		}),
		refreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expanse_refresh_total",
			Help: "Identity refreshes, by result",
		}, []string{"result"}),
		refreshDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "expanse_refresh_duration_seconds",
			Help:    "Duration of one identity refresh",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		backupTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expanse_backup_total",
			Help: "Backup runs, by result",
		}, []string{"result"}),
		detachedErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "expanse_detached_task_errors_total",
			Help: "Failed fire-and-forget tasks",
		}),
	}
	m.registry = reg
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveEvent(event string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) ObserveRefresh(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(result(err)).Inc()
	m.refreshDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveBackup(err error) {
	if m == nil {
		return
	}
	m.backupTotal.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) DetachedTaskFailed() {
	if m == nil {
		return
	}
	m.detachedErrors.Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
