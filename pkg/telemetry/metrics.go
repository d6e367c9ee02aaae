package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Metrics groups the control plane collectors. They are registered on a
// private registry rather than prometheus.DefaultRegisterer.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec
	NotificationsSent    prometheus.Counter
	NotificationsDone    prometheus.Counter
	NotificationsDropped prometheus.Counter
	RunnersMarkedOffline prometheus.Counter
	Subscribers          prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "published_total",
			Help:      "Job notifications published.",
		}),
		NotificationsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "delivered_total",
			Help:      "Job notifications handed to a live subscriber.",
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Job notifications dropped because no subscriber could take them.",
		}),
		RunnersMarkedOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "runners_marked_offline_total",
			Help:      "Runners moved to OFFLINE by the liveness sweeper.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "subscribers",
			Help:      "Open runner notification streams on this instance.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.HTTPRequests,
		m.HTTPDuration,
		m.NotificationsSent,
		m.NotificationsDone,
		m.NotificationsDropped,
		m.RunnersMarkedOffline,
		m.Subscribers,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route, method string, code int, seconds float64) {
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(seconds)
}
