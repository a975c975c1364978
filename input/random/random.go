// Package random provides a source that emits events carrying random UUID
// messages at a configurable rate. It is the usual source for trying out a
// pipeline definition without any external system.
package random

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/plugin"
)

// PluginName is the name the source registers under
const PluginName = "random"

// EventType is the type of every generated event
const EventType = "random"

// Config holds the source settings
type Config struct {
	// Rate is events per second
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
	// Count stops the source after that many events; 0 means unbounded
	Count           int           `yaml:"count"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	Acknowledgments bool          `yaml:"acknowledgments"`
}

// DefaultConfig returns the defaults applied before user settings
func DefaultConfig() Config {
	return Config{
		Rate:         1,
		Burst:        1,
		WriteTimeout: time.Second,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Rate <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "random", "Validate", "rate must be positive")
	}
	if c.Burst < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "random", "Validate", "burst must be at least 1")
	}
	if c.Count < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "random", "Validate", "count cannot be negative")
	}
	if c.WriteTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "random", "Validate", "write_timeout must be positive")
	}
	return nil
}

// Stats counts what the source produced and how it was acknowledged
type Stats struct {
	Generated int64
	Written   int64
	Dropped   int64
	Acked     int64
	Failed    int64
}

// Source generates events
type Source struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	acks    atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	generated atomic.Int64
	written   atomic.Int64
	dropped   atomic.Int64
	acked     atomic.Int64
	failed    atomic.Int64
}

var (
	_ plugin.Source                = (*Source)(nil)
	_ plugin.Acknowledgeable       = (*Source)(nil)
	_ plugin.AcknowledgementSetter = (*Source)(nil)
)

// New creates a source from a validated config
func New(cfg Config, logger *slog.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
	}
	s.acks.Store(cfg.Acknowledgments)
	return s, nil
}

// AcknowledgementsEnabled implements plugin.Acknowledgeable
func (s *Source) AcknowledgementsEnabled() bool {
	return s.acks.Load()
}

// EnableAcknowledgements implements plugin.AcknowledgementSetter
func (s *Source) EnableAcknowledgements() {
	s.acks.Store(true)
}

// Start launches the generator. It returns ErrAlreadyStarted when called
// twice.
func (s *Source) Start(ctx context.Context, buf plugin.Buffer) error {
	if buf == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "random", "Start", "buffer check")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "random", "Start", "start generator")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, buf)
	}()
	return nil
}

// Stop cancels the generator and waits for it to exit
func (s *Source) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Stats returns a snapshot of the counters
func (s *Source) Stats() Stats {
	return Stats{
		Generated: s.generated.Load(),
		Written:   s.written.Load(),
		Dropped:   s.dropped.Load(),
		Acked:     s.acked.Load(),
		Failed:    s.failed.Load(),
	}
}

func (s *Source) run(ctx context.Context, buf plugin.Buffer) {
	for s.cfg.Count == 0 || s.generated.Load() < int64(s.cfg.Count) {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		record := event.NewRecord(s.next())
		s.generated.Add(1)

		if err := s.write(ctx, buf, record); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.dropped.Add(1)
			if e, ok := record.Event(); ok {
				e.Release(false)
			}
			s.logger.Warn("Dropped generated event", "error", err)
		}
	}
	s.logger.Debug("Random source reached its count", "count", s.cfg.Count)
}

func (s *Source) next() *event.Event {
	e := event.New(EventType, map[string]any{
		"message":  uuid.NewString(),
		"sequence": s.generated.Load(),
	})
	if s.acks.Load() {
		e.SetHandle(event.NewCallbackHandle(func(success bool) {
			if success {
				s.acked.Add(1)
			} else {
				s.failed.Add(1)
			}
		}))
	}
	return e
}

// write retries transient failures, such as a full buffer, until the
// context ends
func (s *Source) write(ctx context.Context, buf plugin.Buffer, record *event.Record) error {
	for {
		err := buf.Write(ctx, record, s.cfg.WriteTimeout)
		if err == nil {
			s.written.Add(1)
			return nil
		}
		if !errors.IsTransient(err) || ctx.Err() != nil {
			return err
		}
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
	return src, nil
}

// Register adds the source to registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Kind:        plugin.KindSource,
		Name:        PluginName,
		Description: "Generates random UUID events at a fixed rate",
		Factory:     Create,
	})
}
