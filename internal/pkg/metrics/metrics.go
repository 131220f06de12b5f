// Package metrics holds the Prometheus collectors for the audience pipeline.
// Collectors are package-level; each binary registers the groups it uses.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SegmentEstimatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segment_estimates_total",
			Help: "Total number of segment audience estimates (count)",
		},
		[]string{"status"},
	)

	SegmentScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segment_scan_duration_ms",
			Help:    "Duration of a full customer scan for a segment in milliseconds",
			Buckets: []float64{5, 25, 100, 250, 1000, 2500, 10000, 30000, 120000},
		},
		[]string{"operation"},
	)

	DispatchRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_records_total",
			Help: "Delivery records considered by dispatch (count)",
		},
		[]string{"result"},
	)

	DeliveryTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_transitions_total",
			Help: "Delivery status transitions by target status and result (count)",
		},
		[]string{"status", "result"},
	)

	DeliveryConflictRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_conflict_retries_total",
			Help: "Compare-and-swap conflicts retried when applying transitions (count)",
		},
	)

	StaleRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_stale_records_total",
			Help: "Records handled by the staleness sweeper (count)",
		},
		[]string{"status", "action"},
	)

	SenderMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sender_messages_total",
			Help: "Messages handed to the transport by result (count)",
		},
		[]string{"result"},
	)

	SenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sender_duration_ms",
			Help:    "Transport send latency in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)

	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_events_consumed_total",
			Help: "Delivery events consumed from the queue by result (count)",
		},
		[]string{"result"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "API requests by route and status code (count)",
		},
		[]string{"route", "code"},
	)
)

// RegisterAPIMetrics registers the collectors used by the API server.
func RegisterAPIMetrics() {
	prometheus.MustRegister(SegmentEstimatesTotal)
	prometheus.MustRegister(SegmentScanDuration)
	prometheus.MustRegister(DispatchRecordsTotal)
	prometheus.MustRegister(HTTPRequestsTotal)
	registerDeliveryMetrics()
}

// RegisterWorkerMetrics registers the collectors used by the worker.
func RegisterWorkerMetrics() {
	prometheus.MustRegister(SenderMessagesTotal)
	prometheus.MustRegister(SenderDuration)
	prometheus.MustRegister(EventsConsumedTotal)
	prometheus.MustRegister(CircuitBreakerState)
	registerDeliveryMetrics()
}

func registerDeliveryMetrics() {
	prometheus.MustRegister(DeliveryTransitionsTotal)
	prometheus.MustRegister(DeliveryConflictRetriesTotal)
	prometheus.MustRegister(StaleRecordsTotal)
}

// ObserveScan records how long a segment scan took.
func ObserveScan(operation string, d time.Duration) {
	SegmentScanDuration.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
}

// ObserveSend records one transport call.
func ObserveSend(result string, d time.Duration) {
	SenderMessagesTotal.WithLabelValues(result).Inc()
	SenderDuration.Observe(float64(d.Milliseconds()))
}
