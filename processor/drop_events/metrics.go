package dropevents

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/eventpipe/metric"
)

// dropMetrics holds Prometheus metrics for drop_events, labelled by pipeline
type dropMetrics struct {
	eventsTotal        *prometheus.CounterVec // by pipeline and outcome (kept/dropped/error)
	evaluationDuration *prometheus.HistogramVec
}

// one collector set per registry; every pipeline shares it through labels
var (
	metricsMu         sync.Mutex
	metricsByRegistry = map[*metric.MetricsRegistry]*dropMetrics{}
)

// metricsFor returns the metrics registered with registry, creating them
// on first use. A nil registry disables metrics.
func metricsFor(registry *metric.MetricsRegistry) (*dropMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m, ok := metricsByRegistry[registry]; ok {
		return m, nil
	}

	m := &dropMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventpipe",
			Subsystem: "drop_events",
			Name:      "events_total",
			Help:      "Events evaluated by drop_events",
		}, []string{"pipeline", "outcome"}),
		evaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventpipe",
			Subsystem: "drop_events",
			Name:      "evaluation_duration_seconds",
			Help:      "Condition evaluation duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"pipeline"}),
	}
	if err := registry.RegisterCounterVec("drop_events", "events_total", m.eventsTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("drop_events", "evaluation_duration", m.evaluationDuration); err != nil {
		return nil, err
	}
	metricsByRegistry[registry] = m
	return m, nil
}

func (m *dropMetrics) record(pipeline, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(pipeline, outcome).Inc()
	m.evaluationDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
}
