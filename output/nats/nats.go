// Package nats provides a sink that publishes each event's data as JSON to
// a NATS subject.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/pkg/retry"
	"github.com/c360/eventpipe/plugin"
)

// PluginName is the name the sink registers under
const PluginName = "nats"

// Config holds the sink settings
type Config struct {
	Subject    string `yaml:"subject"`
	RetryCount int    `yaml:"retry_count"`
}

// DefaultConfig returns the defaults applied before user settings
func DefaultConfig() Config {
	return Config{RetryCount: 2}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "nats-sink", "Validate", "subject is required")
	}
	if c.RetryCount < 0 || c.RetryCount > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "nats-sink", "Validate",
			"retry_count must be between 0 and 10")
	}
	return nil
}

// Publisher is the part of the NATS client the sink needs
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	IsHealthy() bool
}

// Sink publishes events
type Sink struct {
	cfg       Config
	publisher Publisher
	logger    *slog.Logger
	retry     retry.Config

	published atomic.Int64
	failed    atomic.Int64
}

var _ plugin.Sink = (*Sink)(nil)

// New creates a sink
func New(cfg Config, publisher Publisher, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if publisher == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: NATS client", errors.ErrMissingConfig), "nats-sink", "New", "client check")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.RetryCount + 1
	rc.RetryIf = errors.IsTransient
	return &Sink{cfg: cfg, publisher: publisher, logger: logger, retry: rc}, nil
}

// Initialize fails while the connection is down so the pipeline waits
func (s *Sink) Initialize() error {
	if !s.publisher.IsHealthy() {
		return errors.WrapTransient(errors.ErrNoConnection, "nats-sink", "Initialize", "connection check")
	}
	return nil
}

// IsReady reports whether the connection is up
func (s *Sink) IsReady() bool {
	return s.publisher.IsHealthy()
}

// Output publishes each event as its own message
func (s *Sink) Output(ctx context.Context, records []*event.Record) {
	for _, e := range event.Events(records) {
		data, err := e.JSON()
		if err != nil {
			s.failed.Add(1)
			s.logger.Warn("Event not serializable", "event_id", e.ID, "error", err)
			e.Release(false)
			continue
		}
		err = retry.Do(ctx, s.retry, func() error {
			return s.publisher.Publish(ctx, s.cfg.Subject, data)
		})
		if err != nil {
			s.failed.Add(1)
			s.logger.Warn("NATS publish failed", "subject", s.cfg.Subject, "error", err)
			e.Release(false)
			continue
		}
		s.published.Add(1)
		e.Release(true)
	}
}

// Shutdown leaves the shared connection to its owner
func (s *Sink) Shutdown() {}

// Published is the number of events published
func (s *Sink) Published() int64 { return s.published.Load() }

// Failed is the number of events that could not be published
func (s *Sink) Failed() int64 { return s.failed.Load() }

// Create is the plugin factory
func Create(setting *plugin.Setting, deps plugin.Dependencies) (any, error) {
	cfg := DefaultConfig()
	if err := setting.Decode(&cfg); err != nil {
		return nil, err
	}
	if deps.NATSClient == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: sink %s needs a NATS connection", errors.ErrMissingConfig, PluginName),
			"nats-sink", "Create", "client check")
	}
	sink, err := New(cfg, deps.NATSClient, deps.GetLoggerWithPlugin(setting))
	if err != nil {
		return nil, err
	}
	return sink, nil
}

// Register adds the sink to registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Kind:        plugin.KindSink,
		Name:        PluginName,
		Description: "Publishes event data as JSON to a NATS subject",
		Factory:     Create,
	})
}
