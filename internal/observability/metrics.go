package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionToKernel = "to_kernel"
	DirectionToHost   = "to_host"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kernelbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	routerMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelbridge",
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Messages routed between sidecar pipes and kernel channels.",
		},
		[]string{"direction", "channel"},
	)
	routerTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelbridge",
			Subsystem: "router",
			Name:      "terminations_total",
			Help:      "Router exits by reason.",
		},
		[]string{"reason"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kernelbridge",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions with a running router.",
		},
	)
	attachDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kernelbridge",
			Subsystem: "sessions",
			Name:      "attach_duration_seconds",
			Help:      "Lifetime of websocket attachments to a session.",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 14400},
		},
	)
	sessionConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelbridge",
			Subsystem: "sessions",
			Name:      "connects_total",
			Help:      "Session connect attempts by result.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			routerMessages,
			routerTerminations,
			sessionsActive,
			attachDuration,
			sessionConnects,
		)
	})
}

// RecordHTTPRequest counts one request. A zero duration is not observed.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	if duration > 0 {
		httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
	}
}

func RecordAttach(duration time.Duration) {
	RegisterMetrics()
	attachDuration.Observe(duration.Seconds())
}

func RecordRouted(direction, channel string) {
	RegisterMetrics()
	routerMessages.WithLabelValues(direction, channel).Inc()
}

func RecordRouterTermination(reason string) {
	RegisterMetrics()
	routerTerminations.WithLabelValues(reason).Inc()
}

func RecordConnect(success bool) {
	RegisterMetrics()
	result := "error"
	if success {
		result = "ok"
	}
	sessionConnects.WithLabelValues(result).Inc()
}

func SessionStarted() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func SessionEnded() {
	RegisterMetrics()
	sessionsActive.Dec()
}
