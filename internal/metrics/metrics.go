package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// CaseTransitions counts applied and rejected case transitions
	CaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "case_transitions_total", Help: "Case lifecycle transitions by event and outcome."},
		[]string{"event", "outcome"},
	)
	// CaseConflicts counts optimistic-concurrency retries on case writes
	CaseConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "case_write_conflicts_total", Help: "Case version conflicts that forced a reload."},
	)

	// TrackerUpdates counts tracker state changes by kind (sample or failure code)
	TrackerUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tracker_updates_total", Help: "Location tracker updates by kind."},
		[]string{"kind"},
	)
	// ActiveTrackers is the number of running responder trackers
	ActiveTrackers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tracker_active", Help: "Running location trackers."},
	)

	// CandidatesRanked observes how many candidates each ranking returned
	CandidatesRanked = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "dispatch_candidates", Help: "Eligible candidates per ranking.", Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100}},
		[]string{"role"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(CaseTransitions)
		Registry.MustRegister(CaseConflicts)
		Registry.MustRegister(TrackerUpdates)
		Registry.MustRegister(ActiveTrackers)
		Registry.MustRegister(CandidatesRanked)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
