package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the sync server.
type Metrics struct {
	HTTPRequests     *prometheus.CounterVec
	AuthEvents       *prometheus.CounterVec
	SyncRecords      *prometheus.CounterVec
	EventsPublished  prometheus.Counter
	EventSubscribers prometheus.Gauge
	ReplaceAllTime   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		AuthEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Account and token events by type.",
		}, []string{"event"}),
		SyncRecords: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_total",
			Help:      "Memory records moved by direction (uploaded, skipped, downloaded).",
		}, []string{"direction"}),
		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Memory change events published to subscribers.",
		}),
		EventSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Number of connected event subscribers.",
		}),
		ReplaceAllTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replace_all_duration_ms",
			Help:      "Duration of replace-all uploads in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
	}
}

func (m *Metrics) ObserveRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObserveAuthEvent(event string) {
	if m == nil {
		return
	}
	m.AuthEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) AddSyncRecords(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SyncRecords.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) ObserveReplaceAll(d time.Duration) {
	if m == nil {
		return
	}
	m.ReplaceAllTime.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
