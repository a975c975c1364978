package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/c360/eventpipe/pipeline"
)

// Probe reports the current status of one component
type Probe func() Status

// PipelineProbe probes a pipeline's lifecycle state
func PipelineProbe(p *pipeline.Pipeline) Probe {
	return func() Status { return FromPipeline(p) }
}

// Monitor tracks health of multiple components in a thread-safe manner
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
	}
}

// Update stores the status of a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
}

// AggregateHealth returns the aggregate over every component, sub-statuses
// sorted by name
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}
	m.mu.RUnlock()

	sort.Slice(subStatuses, func(i, j int) bool {
		return subStatuses[i].Component < subStatuses[j].Component
	})
	return Aggregate(systemName, subStatuses)
}

// Poll runs every probe once and records the results
func (m *Monitor) Poll(probes map[string]Probe) {
	for name, probe := range probes {
		m.Update(name, probe())
	}
}

// Watch polls probes immediately and then every interval until ctx is
// done
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, probes map[string]Probe) {
	m.Poll(probes)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(probes)
		}
	}
}
