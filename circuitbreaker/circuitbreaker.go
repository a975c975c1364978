// Package circuitbreaker provides the process-wide circuit breaker that
// guards pipeline buffers against memory exhaustion.
package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/metrics"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/metric"
)

// CircuitBreaker reports whether writes into buffers should be refused
type CircuitBreaker interface {
	IsOpen() bool
}

// Default heap breaker timings
const (
	DefaultReset         = time.Second
	DefaultCheckInterval = 500 * time.Millisecond
)

// ByteCount is a size in bytes that unmarshals from values like "512mb"
type ByteCount uint64

var byteUnits = []struct {
	suffix string
	scale  uint64
}{
	{"tb", 1 << 40},
	{"gb", 1 << 30},
	{"mb", 1 << 20},
	{"kb", 1 << 10},
	{"b", 1},
}

// ParseByteCount parses a byte size with an optional b/kb/mb/gb/tb suffix
func ParseByteCount(s string) (ByteCount, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "ByteCount", "Parse", "parse empty size")
	}
	scale := uint64(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(v, u.suffix) {
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			scale = u.scale
			break
		}
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: bad byte size %q", errors.ErrInvalidConfig, s),
			"ByteCount", "Parse", "parse size")
	}
	return ByteCount(n * float64(scale)), nil
}

// UnmarshalYAML accepts plain integers and suffixed strings
func (b *ByteCount) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseByteCount(value.Value)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// HeapConfig configures the heap circuit breaker
type HeapConfig struct {
	Usage         ByteCount     `yaml:"usage" json:"usage"`
	Reset         time.Duration `yaml:"reset" json:"reset"`
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
}

// ApplyDefaults fills zero timings
func (c *HeapConfig) ApplyDefaults() {
	if c.Reset == 0 {
		c.Reset = DefaultReset
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
}

// Validate checks the configuration
func (c *HeapConfig) Validate() error {
	if c.Usage == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: heap usage threshold must be positive", errors.ErrInvalidConfig),
			"HeapConfig", "Validate", "check usage")
	}
	if c.Reset < 0 || c.CheckInterval < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: heap breaker intervals must not be negative", errors.ErrInvalidConfig),
			"HeapConfig", "Validate", "check intervals")
	}
	return nil
}

// Config holds every configured breaker
type Config struct {
	Heap *HeapConfig `yaml:"heap,omitempty" json:"heap,omitempty"`
}

// UsageFunc reports current heap usage in bytes
type UsageFunc func() uint64

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// HeapObjectsUsage reads live plus unswept heap object bytes from runtime/metrics
func HeapObjectsUsage() uint64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// HeapCircuitBreaker opens when heap usage reaches a threshold. Once open
// it stays open for at least the reset interval before usage is checked
// again.
type HeapCircuitBreaker struct {
	config  HeapConfig
	usage   UsageFunc
	logger  *slog.Logger
	metrics *metric.Metrics

	open     atomic.Bool
	openedAt atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewHeapCircuitBreaker creates a breaker. A nil usage function samples the
// Go runtime.
func NewHeapCircuitBreaker(cfg HeapConfig, usage UsageFunc, logger *slog.Logger, m *metric.Metrics) (*HeapCircuitBreaker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if usage == nil {
		usage = HeapObjectsUsage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeapCircuitBreaker{
		config:  cfg,
		usage:   usage,
		logger:  logger.With("component", "heap-circuit-breaker"),
		metrics: m,
	}, nil
}

// IsOpen reports the state computed by the last check
func (h *HeapCircuitBreaker) IsOpen() bool {
	return h.open.Load()
}

// Check samples heap usage once and updates the breaker state
func (h *HeapCircuitBreaker) Check(now time.Time) {
	if h.open.Load() {
		opened := time.Unix(0, h.openedAt.Load())
		if now.Sub(opened) < h.config.Reset {
			return
		}
	}

	used := h.usage()
	shouldOpen := used >= uint64(h.config.Usage)
	wasOpen := h.open.Swap(shouldOpen)

	switch {
	case shouldOpen && !wasOpen:
		h.openedAt.Store(now.UnixNano())
		h.logger.Warn("Circuit breaker opened", "heap_bytes", used, "threshold", uint64(h.config.Usage))
		h.metrics.RecordCircuitBreaker(true)
	case shouldOpen && wasOpen:
		h.openedAt.Store(now.UnixNano())
	case !shouldOpen && wasOpen:
		h.logger.Info("Circuit breaker closed", "heap_bytes", used)
		h.metrics.RecordCircuitBreaker(false)
	}
}

// Start runs periodic checks until Stop is called or ctx is cancelled
func (h *HeapCircuitBreaker) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "HeapCircuitBreaker", "Start", "start checker")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.stopped = make(chan struct{})
	h.Check(time.Now())

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(h.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				h.Check(now)
			}
		}
	}(h.stopped)
	return nil
}

// Stop halts the checker goroutine
func (h *HeapCircuitBreaker) Stop() {
	h.mu.Lock()
	cancel, stopped := h.cancel, h.stopped
	h.cancel, h.stopped = nil, nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Manager owns the breakers configured for the process
type Manager struct {
	global *HeapCircuitBreaker
}

// NewManager builds breakers from cfg. Without a heap block no global
// breaker exists.
func NewManager(cfg Config, logger *slog.Logger, m *metric.Metrics) (*Manager, error) {
	mgr := &Manager{}
	if cfg.Heap == nil {
		return mgr, nil
	}
	breaker, err := NewHeapCircuitBreaker(*cfg.Heap, nil, logger, m)
	if err != nil {
		return nil, err
	}
	mgr.global = breaker
	return mgr, nil
}

// GetGlobalCircuitBreaker returns the global breaker if one is configured
func (m *Manager) GetGlobalCircuitBreaker() (CircuitBreaker, bool) {
	if m == nil || m.global == nil {
		return nil, false
	}
	return m.global, true
}

// Start starts every configured breaker
func (m *Manager) Start(ctx context.Context) error {
	if m.global == nil {
		return nil
	}
	return m.global.Start(ctx)
}

// Stop stops every configured breaker
func (m *Manager) Stop() {
	if m.global != nil {
		m.global.Stop()
	}
}
