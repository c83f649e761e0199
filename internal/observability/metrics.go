package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgerelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionDials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "gateway",
			Name:      "session_dials_total",
			Help:      "Session dial attempts from the gateway by outcome.",
		},
		[]string{"outcome"},
	)
	gatewayResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "gateway",
			Name:      "results_total",
			Help:      "Gateway relay results by status.",
		},
		[]string{"status"},
	)
	listenerFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "listener",
			Name:      "frames_total",
			Help:      "Inbound session frames by parse result.",
		},
		[]string{"result"},
	)
	listenerResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "listener",
			Name:      "responses_total",
			Help:      "Response routing outcomes on the session listener.",
		},
		[]string{"outcome"},
	)
	correlationEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgerelay",
			Subsystem: "correlation",
			Name:      "entries",
			Help:      "Live correlation table entries.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionDials,
			gatewayResults,
			listenerFrames,
			listenerResponses,
			correlationEntries,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordSessionDial counts one gateway dial attempt; outcome is "ok" or "error".
func RecordSessionDial(outcome string) {
	RegisterMetrics()
	sessionDials.WithLabelValues(outcome).Inc()
}

func RecordGatewayResult(status int) {
	RegisterMetrics()
	gatewayResults.WithLabelValues(strconv.Itoa(status)).Inc()
}

// RecordListenerFrame counts one inbound frame by parse result.
func RecordListenerFrame(result string) {
	RegisterMetrics()
	listenerFrames.WithLabelValues(result).Inc()
}

func RecordListenerResponse(outcome string) {
	RegisterMetrics()
	listenerResponses.WithLabelValues(outcome).Inc()
}

func SetCorrelationEntries(n int) {
	RegisterMetrics()
	correlationEntries.Set(float64(n))
}
