package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "route", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "route"},
	)

	PollingCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polling_cycles_total", Help: "Polling cycles by outcome."},
		[]string{"outcome"},
	)
	PollingCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "polling_cycle_duration_seconds", Help: "Time spent building and enqueueing a cycle.", Buckets: prometheus.DefBuckets},
	)
	BatchesProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "polling_batches_processing", Help: "Batches currently in processing."},
	)
	// BatchOutcomes counts terminal and retry transitions: completed, retry, failed
	BatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polling_batch_outcomes_total", Help: "Batch outcomes."},
		[]string{"outcome"},
	)
	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "polling_batch_duration_seconds", Help: "Batch processing time.", Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}},
	)
	// MemberPolls counts per-member poll outcomes: ok, unavailable, timeout
	MemberPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polling_member_polls_total", Help: "Per-member poll outcomes."},
		[]string{"outcome"},
	)

	ValidationResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geofence_validation_results_total", Help: "Validation log entries by result."},
		[]string{"result"},
	)
	GeofenceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geofence_transitions_total", Help: "Geofence enter/exit events."},
		[]string{"transition"},
	)
	// SampleRoutes counts where samples went: immediate, cluster, excluded
	SampleRoutes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ingest_sample_routes_total", Help: "Sample routing decisions."},
		[]string{"route"},
	)

	// EnrichmentCalls counts provider calls by path (immediate, cluster) and status (ok, error)
	EnrichmentCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "enrichment_provider_calls_total", Help: "Enrichment provider calls."},
		[]string{"path", "status"},
	)
	EnrichmentLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "enrichment_provider_latency_ms", Help: "Enrichment provider latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"path"},
	)
	ClusterSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "enrichment_cluster_size", Help: "Samples per cluster.", Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100}},
	)
	ClusterPending = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "enrichment_cluster_pending", Help: "Pending entries seen at the start of the last run."},
	)

	// WebhookDeliveries counts signal forwarding: delivered, retry, failed, dropped
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Signal webhook delivery outcomes."},
		[]string{"outcome"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration)
		Registry.MustRegister(PollingCycles, PollingCycleDuration, BatchesProcessing, BatchOutcomes, BatchDuration, MemberPolls)
		Registry.MustRegister(ValidationResults, GeofenceTransitions, SampleRoutes)
		Registry.MustRegister(EnrichmentCalls, EnrichmentLatency, ClusterSize, ClusterPending)
		Registry.MustRegister(WebhookDeliveries)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
