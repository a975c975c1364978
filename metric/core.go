package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventpipe"

// Metrics contains the pipeline-level metrics shared by all components.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	// Pipeline metrics
	PipelineStatus     *prometheus.GaugeVec
	RecordsRead        *prometheus.CounterVec
	RecordsProcessed   *prometheus.CounterVec
	RecordsRouted      *prometheus.CounterVec
	RecordsUnrouted    *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ShutdownTimeouts   *prometheus.CounterVec

	// Router metrics
	RouteEvaluationErrors *prometheus.CounterVec

	// Buffer metrics
	BufferUsage         *prometheus.GaugeVec
	BufferWriteTimeouts *prometheus.CounterVec

	// Circuit breaker
	CircuitBreakerOpen prometheus.Gauge

	// Peer forwarder metrics
	PeerRecordsForwarded *prometheus.CounterVec
	PeerForwardFailures  *prometheus.CounterVec
	PeerLocalFallbacks   *prometheus.CounterVec
	PeerRequestsReceived *prometheus.CounterVec
	PeerRingSize         prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		PipelineStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "status",
				Help:      "Pipeline status (0=stopped, 1=starting, 2=running, 3=stopping)",
			},
			[]string{"pipeline"},
		),

		RecordsRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "records_read_total",
				Help:      "Total number of records read from the pipeline buffer",
			},
			[]string{"pipeline"},
		),

		RecordsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "records_processed_total",
				Help:      "Total number of records leaving the processor chain",
			},
			[]string{"pipeline"},
		),

		RecordsRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "records_routed_total",
				Help:      "Total number of records delivered to a sink",
			},
			[]string{"pipeline", "sink"},
		),

		RecordsUnrouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "records_unrouted_total",
				Help:      "Total number of event records that matched no route",
			},
			[]string{"pipeline"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "batch_duration_seconds",
				Help:      "Time to process and publish one batch",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pipeline"},
		),

		ShutdownTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "shutdown_timeouts_total",
				Help:      "Shutdown stages that exceeded their timeout",
			},
			[]string{"pipeline", "stage"},
		),

		RouteEvaluationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "evaluation_errors_total",
				Help:      "Route conditions that failed to evaluate",
			},
			[]string{"route"},
		),

		BufferUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "buffer",
				Name:      "usage_ratio",
				Help:      "Share of buffer capacity held by queued and in-flight records",
			},
			[]string{"buffer"},
		),

		BufferWriteTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "buffer",
				Name:      "write_timeouts_total",
				Help:      "Writes that timed out waiting for capacity",
			},
			[]string{"buffer"},
		),

		CircuitBreakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "open",
				Help:      "Global circuit breaker state (0=closed, 1=open)",
			},
		),

		PeerRecordsForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "peer_forwarder",
				Name:      "records_forwarded_total",
				Help:      "Records sent to a remote peer",
			},
			[]string{"pipeline", "plugin"},
		),

		PeerForwardFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "peer_forwarder",
				Name:      "request_failures_total",
				Help:      "Forwarding requests that failed",
			},
			[]string{"pipeline", "plugin"},
		),

		PeerLocalFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "peer_forwarder",
				Name:      "local_fallbacks_total",
				Help:      "Records processed locally after a forwarding failure",
			},
			[]string{"pipeline", "plugin"},
		),

		PeerRequestsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "peer_forwarder",
				Name:      "requests_received_total",
				Help:      "Forwarding requests received from peers",
			},
			[]string{"status"},
		),

		PeerRingSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "peer_forwarder",
				Name:      "ring_peers",
				Help:      "Number of peers in the current hash ring",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PipelineStatus,
		m.RecordsRead,
		m.RecordsProcessed,
		m.RecordsRouted,
		m.RecordsUnrouted,
		m.ProcessingDuration,
		m.ShutdownTimeouts,
		m.RouteEvaluationErrors,
		m.BufferUsage,
		m.BufferWriteTimeouts,
		m.CircuitBreakerOpen,
		m.PeerRecordsForwarded,
		m.PeerForwardFailures,
		m.PeerLocalFallbacks,
		m.PeerRequestsReceived,
		m.PeerRingSize,
	}
}

// RecordPipelineStatus updates the pipeline status gauge
func (m *Metrics) RecordPipelineStatus(pipeline string, status int) {
	if m == nil {
		return
	}
	m.PipelineStatus.WithLabelValues(pipeline).Set(float64(status))
}

// RecordBatch records a processed batch
func (m *Metrics) RecordBatch(pipeline string, read, processed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RecordsRead.WithLabelValues(pipeline).Add(float64(read))
	m.RecordsProcessed.WithLabelValues(pipeline).Add(float64(processed))
	m.ProcessingDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
}

// RecordRouted counts records delivered to a sink
func (m *Metrics) RecordRouted(pipeline, sink string, count int) {
	if m == nil {
		return
	}
	m.RecordsRouted.WithLabelValues(pipeline, sink).Add(float64(count))
}

// RecordUnrouted counts an event record that matched no route
func (m *Metrics) RecordUnrouted(pipeline string) {
	if m == nil {
		return
	}
	m.RecordsUnrouted.WithLabelValues(pipeline).Inc()
}

// RecordShutdownTimeout counts a shutdown stage that timed out
func (m *Metrics) RecordShutdownTimeout(pipeline, stage string) {
	if m == nil {
		return
	}
	m.ShutdownTimeouts.WithLabelValues(pipeline, stage).Inc()
}

// RecordRouteError counts a failed route evaluation
func (m *Metrics) RecordRouteError(route string) {
	if m == nil {
		return
	}
	m.RouteEvaluationErrors.WithLabelValues(route).Inc()
}

// RecordBufferUsage sets the usage ratio of a buffer
func (m *Metrics) RecordBufferUsage(buffer string, used, capacity int) {
	if m == nil || capacity <= 0 {
		return
	}
	m.BufferUsage.WithLabelValues(buffer).Set(float64(used) / float64(capacity))
}

// RecordBufferWriteTimeout counts a write that timed out
func (m *Metrics) RecordBufferWriteTimeout(buffer string) {
	if m == nil {
		return
	}
	m.BufferWriteTimeouts.WithLabelValues(buffer).Inc()
}

// RecordCircuitBreaker updates the circuit breaker gauge
func (m *Metrics) RecordCircuitBreaker(open bool) {
	if m == nil {
		return
	}
	value := 0.0
	if open {
		value = 1.0
	}
	m.CircuitBreakerOpen.Set(value)
}

// RecordForwarded counts records sent to a peer
func (m *Metrics) RecordForwarded(pipeline, plugin string, count int) {
	if m == nil {
		return
	}
	m.PeerRecordsForwarded.WithLabelValues(pipeline, plugin).Add(float64(count))
}

// RecordForwardFailure counts a failed forwarding request and its local fallback
func (m *Metrics) RecordForwardFailure(pipeline, plugin string, fallbackRecords int) {
	if m == nil {
		return
	}
	m.PeerForwardFailures.WithLabelValues(pipeline, plugin).Inc()
	m.PeerLocalFallbacks.WithLabelValues(pipeline, plugin).Add(float64(fallbackRecords))
}

// RecordRequestReceived counts an inbound forwarding request
func (m *Metrics) RecordRequestReceived(status string) {
	if m == nil {
		return
	}
	m.PeerRequestsReceived.WithLabelValues(status).Inc()
}

// RecordRingSize sets the number of peers in the ring
func (m *Metrics) RecordRingSize(peers int) {
	if m == nil {
		return
	}
	m.PeerRingSize.Set(float64(peers))
}
