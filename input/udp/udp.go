// Package udp provides a source that listens on a UDP socket and turns each
// datagram into an event. JSON object datagrams become the event data;
// anything else is kept as a string under "message".
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/pkg/retry"
	"github.com/c360/eventpipe/plugin"
)

// PluginName is the name the source registers under
const PluginName = "udp"

const (
	readDeadline     = 100 * time.Millisecond
	maxDatagramSize  = 65536
	socketBufferSize = 2 * 1024 * 1024
)

// Metrics holds Prometheus metrics for the UDP source
type Metrics struct {
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	packetsDropped  prometheus.Counter
	socketErrors    prometheus.Counter
	writeLatency    prometheus.Histogram
	lastActivity    prometheus.Gauge
}

// newMetrics creates and registers the source metrics. A nil registry
// disables them.
func newMetrics(registry *metric.MetricsRegistry, pipeline string) *Metrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"pipeline": pipeline}
	m := &Metrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "eventpipe",
			Subsystem:   "udp",
			Name:        "packets_received_total",
			Help:        "Total UDP packets received",
			ConstLabels: labels,
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "eventpipe",
			Subsystem:   "udp",
			Name:        "bytes_received_total",
			Help:        "Total bytes received from UDP",
			ConstLabels: labels,
		}),
		packetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "eventpipe",
			Subsystem:   "udp",
			Name:        "packets_dropped_total",
			Help:        "Packets dropped because the buffer was full",
			ConstLabels: labels,
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "eventpipe",
			Subsystem:   "udp",
			Name:        "socket_errors_total",
			Help:        "Socket read errors encountered",
			ConstLabels: labels,
		}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "eventpipe",
			Subsystem:   "udp",
			Name:        "buffer_write_duration_seconds",
			Help:        "Time to write a datagram to the pipeline buffer",
			Buckets:     []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			ConstLabels: labels,
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "eventpipe",
			Subsystem:   "udp",
			Name:        "last_activity_timestamp",
			Help:        "Unix timestamp of last received packet",
			ConstLabels: labels,
		}),
	}

	service := "udp_" + pipeline
	errs := []error{
		registry.RegisterCounter(service, "packets_received", m.packetsReceived),
		registry.RegisterCounter(service, "bytes_received", m.bytesReceived),
		registry.RegisterCounter(service, "packets_dropped", m.packetsDropped),
		registry.RegisterCounter(service, "socket_errors", m.socketErrors),
		registry.RegisterHistogram(service, "write_latency", m.writeLatency),
		registry.RegisterGauge(service, "last_activity", m.lastActivity),
	}
	for _, err := range errs {
		if err != nil {
			return nil
		}
	}
	return m
}

// Config holds the source settings
type Config struct {
	// Address is host:port; port 0 lets the OS pick one
	Address      string        `yaml:"address"`
	EventType    string        `yaml:"event_type"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the defaults applied before user settings
func DefaultConfig() Config {
	return Config{
		Address:      "0.0.0.0:5140",
		EventType:    "udp",
		WriteTimeout: time.Second,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	host, port, err := net.SplitHostPort(c.Address)
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: address %q: %v", errors.ErrInvalidConfig, c.Address, err),
			"udp-source", "Validate", "address parsing")
	}
	if _, err := net.LookupPort("udp", port); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: port %q", errors.ErrInvalidConfig, port),
			"udp-source", "Validate", "port parsing")
	}
	if host != "" && net.ParseIP(host) == nil && host != "localhost" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: bind host %q must be an IP", errors.ErrInvalidConfig, host),
			"udp-source", "Validate", "host parsing")
	}
	if c.EventType == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "udp-source", "Validate", "event_type is required")
	}
	if c.WriteTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "udp-source", "Validate", "write_timeout must be positive")
	}
	return nil
}

// Source listens for datagrams
type Source struct {
	cfg         Config
	logger      *slog.Logger
	retryConfig retry.Config
	metrics     *Metrics

	mu      sync.RWMutex
	conn    *net.UDPConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	packetsReceived atomic.Int64
	bytesReceived   atomic.Int64
	dropped         atomic.Int64
	errors          atomic.Int64
}

var _ plugin.Source = (*Source)(nil)

// New creates a source
func New(cfg Config, logger *slog.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default().With("component", "udp-source")
	}
	return &Source{
		cfg:         cfg,
		logger:      logger,
		retryConfig: retry.DefaultConfig(),
	}, nil
}

// Start binds the socket and starts the read loop
func (u *Source) Start(ctx context.Context, buf plugin.Buffer) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "udp-source", "Start", "bind socket")
	}

	if err := retry.Do(ctx, u.retryConfig, u.bindSocket); err != nil {
		return errors.WrapTransient(err, "udp-source", "Start", "socket binding")
	}

	runCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.running.Store(true)

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.readLoop(runCtx, buf)
	}()

	u.logger.Info("UDP source listening", "address", u.conn.LocalAddr().String())
	return nil
}

// bindSocket creates and binds the UDP socket
func (u *Source) bindSocket() error {
	addr, err := net.ResolveUDPAddr("udp", u.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", u.cfg.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP %s: %w", u.cfg.Address, err)
	}

	// some systems cap the socket buffer; a smaller one still works
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		u.logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}

	u.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Start
func (u *Source) Addr() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Stop closes the socket and waits for the read loop to exit
func (u *Source) Stop() {
	if !u.running.CompareAndSwap(true, false) {
		return
	}

	u.mu.Lock()
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
	if u.conn != nil {
		_ = u.conn.Close()
	}
	u.mu.Unlock()

	u.wg.Wait()

	u.mu.Lock()
	u.conn = nil
	u.mu.Unlock()
}

// readLoop reads datagrams until the context ends or the socket closes
func (u *Source) readLoop(ctx context.Context, buf plugin.Buffer) {
	packet := make([]byte, maxDatagramSize)

	for u.running.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		u.mu.RLock()
		conn := u.conn
		u.mu.RUnlock()
		if conn == nil {
			return
		}

		// the deadline bounds how long a stop waits for a blocked read
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

		n, _, err := conn.ReadFromUDP(packet)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || !u.running.Load() {
				return
			}

			u.errors.Add(1)
			if u.metrics != nil {
				u.metrics.socketErrors.Inc()
			}
			if !errors.IsTransient(err) {
				u.logger.Error("UDP read failed", "error", err)
				return
			}
			continue
		}

		u.packetsReceived.Add(1)
		u.bytesReceived.Add(int64(n))
		if u.metrics != nil {
			u.metrics.packetsReceived.Inc()
			u.metrics.bytesReceived.Add(float64(n))
			u.metrics.lastActivity.Set(float64(time.Now().Unix()))
		}

		data := make([]byte, n)
		copy(data, packet[:n])
		u.write(ctx, buf, data)
	}
}

func (u *Source) write(ctx context.Context, buf plugin.Buffer, data []byte) {
	start := time.Now()
	e := event.FromPayload(u.cfg.EventType, data)
	if err := buf.Write(ctx, event.NewRecord(e), u.cfg.WriteTimeout); err != nil {
		u.dropped.Add(1)
		if u.metrics != nil {
			u.metrics.packetsDropped.Inc()
		}
		u.logger.Debug("Dropped UDP datagram", "error", err)
		return
	}
	if u.metrics != nil {
		u.metrics.writeLatency.Observe(time.Since(start).Seconds())
	}
}

// Stats is a snapshot of the source counters
type Stats struct {
	PacketsReceived int64
	BytesReceived   int64
	Dropped         int64
	Errors          int64
}

// Stats returns the current counters
func (u *Source) Stats() Stats {
	return Stats{
		PacketsReceived: u.packetsReceived.Load(),
		BytesReceived:   u.bytesReceived.Load(),
		Dropped:         u.dropped.Load(),
		Errors:          u.errors.Load(),
	}
}

// Create is the plugin factory
func Create(setting *plugin.Setting, deps plugin.Dependencies) (any, error) {
	cfg := DefaultConfig()
	if err := setting.Decode(&cfg); err != nil {
		return nil, err
	}
	src, err := New(cfg, deps.GetLoggerWithPlugin(setting))
	if err != nil {
		return nil, err
	}
	src.metrics = newMetrics(deps.MetricsRegistry, setting.PipelineName)
	return src, nil
}

// Register adds the source to registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Kind:        plugin.KindSource,
		Name:        PluginName,
		Description: "Receives events as UDP datagrams",
		Factory:     Create,
	})
}
