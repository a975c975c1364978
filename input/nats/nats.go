// Package nats provides a source that turns messages on a NATS subject into
// events. JSON object payloads become the event data; other payloads are
// kept as a string under "message".
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/natsclient"
	"github.com/c360/eventpipe/plugin"
)

// PluginName is the name the source registers under
const PluginName = "nats"

// Config holds the source settings
type Config struct {
	Subject      string        `yaml:"subject"`
	QueueGroup   string        `yaml:"queue_group"`
	EventType    string        `yaml:"event_type"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the defaults applied before user settings
func DefaultConfig() Config {
	return Config{
		EventType:    "nats",
		WriteTimeout: time.Second,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "nats-source", "Validate", "subject is required")
	}
	if c.EventType == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "nats-source", "Validate", "event_type is required")
	}
	if c.WriteTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "nats-source", "Validate", "write_timeout must be positive")
	}
	return nil
}

type metrics struct {
	received prometheus.Counter
	dropped  prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, pipeline string) *metrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"pipeline": pipeline}
	m := &metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "eventpipe",
			Subsystem:   "nats_source",
			Name:        "messages_received_total",
			Help:        "Messages received from NATS",
			ConstLabels: labels,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "eventpipe",
			Subsystem:   "nats_source",
			Name:        "messages_dropped_total",
			Help:        "Messages dropped because the buffer did not accept them",
			ConstLabels: labels,
		}),
	}
	service := "nats_source_" + pipeline
	if registry.RegisterCounter(service, "received", m.received) != nil ||
		registry.RegisterCounter(service, "dropped", m.dropped) != nil {
		return nil
	}
	return m
}

// Subscription is an active subscription
type Subscription interface {
	Unsubscribe() error
}

// Subscriber opens subscriptions
type Subscriber interface {
	Subscribe(ctx context.Context, subject, queue string, handler func(context.Context, []byte)) (Subscription, error)
}

// ClientSubscriber adapts a natsclient.Client to Subscriber
type ClientSubscriber struct {
	Client *natsclient.Client
}

// Subscribe implements Subscriber
func (c ClientSubscriber) Subscribe(
	ctx context.Context, subject, queue string, handler func(context.Context, []byte),
) (Subscription, error) {
	sub, err := c.Client.Subscribe(ctx, subject, queue, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Source subscribes to a subject and writes each message to the buffer.
// Delivery is at most once: a message the buffer rejects within
// write_timeout is dropped.
type Source struct {
	cfg     Config
	client  Subscriber
	logger  *slog.Logger
	metrics *metrics

	mu     sync.Mutex
	sub    Subscription
	cancel context.CancelFunc

	received atomic.Int64
	dropped  atomic.Int64
}

var _ plugin.Source = (*Source)(nil)

// New creates a source
func New(cfg Config, client Subscriber, logger *slog.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: NATS client", errors.ErrMissingConfig), "nats-source", "New", "client check")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, client: client, logger: logger}, nil
}

// Start subscribes and begins writing events to buf
func (s *Source) Start(ctx context.Context, buf plugin.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "nats-source", "Start", "subscribe")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub, err := s.client.Subscribe(runCtx, s.cfg.Subject, s.cfg.QueueGroup, func(msgCtx context.Context, data []byte) {
		s.handle(msgCtx, buf, data)
	})
	if err != nil {
		cancel()
		return errors.WrapTransient(err, "nats-source", "Start", "subscribe "+s.cfg.Subject)
	}
	s.sub = sub
	s.cancel = cancel
	s.logger.Info("NATS source subscribed", "subject", s.cfg.Subject, "queue_group", s.cfg.QueueGroup)
	return nil
}

func (s *Source) handle(ctx context.Context, buf plugin.Buffer, data []byte) {
	s.received.Add(1)
	if s.metrics != nil {
		s.metrics.received.Inc()
	}

	e := event.FromPayload(s.cfg.EventType, data)
	if err := buf.Write(ctx, event.NewRecord(e), s.cfg.WriteTimeout); err != nil {
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.dropped.Inc()
		}
		s.logger.Warn("Dropped NATS message", "subject", s.cfg.Subject, "error", err)
	}
}

// Stop unsubscribes. Messages already being handled finish their write.
func (s *Source) Stop() {
	s.mu.Lock()
	sub, cancel := s.sub, s.cancel
	s.sub, s.cancel = nil, nil
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("NATS unsubscribe failed", "subject", s.cfg.Subject, "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
}

// Received is the number of messages delivered to the source
func (s *Source) Received() int64 { return s.received.Load() }

// Dropped is the number of messages the buffer did not accept
func (s *Source) Dropped() int64 { return s.dropped.Load() }

// Create is the plugin factory
func Create(setting *plugin.Setting, deps plugin.Dependencies) (any, error) {
	cfg := DefaultConfig()
	if err := setting.Decode(&cfg); err != nil {
		return nil, err
	}
	if deps.NATSClient == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: source %s needs a NATS connection", errors.ErrMissingConfig, PluginName),
			"nats-source", "Create", "client check")
	}
	src, err := New(cfg, ClientSubscriber{Client: deps.NATSClient}, deps.GetLoggerWithPlugin(setting))
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
		Description: "Reads events from a NATS subject",
		Factory:     Create,
	})
}
