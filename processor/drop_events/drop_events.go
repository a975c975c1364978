// Package dropevents provides a processor that removes events matching a
// condition from the batch.
package dropevents

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/expression"
	"github.com/c360/eventpipe/plugin"
)

// PluginName is the name the processor registers under
const PluginName = "drop_events"

// What to do with an event whose condition cannot be evaluated
const (
	FailedKeep = "skip"
	FailedDrop = "drop"
)

// Config holds the processor settings
type Config struct {
	DropWhen           string `yaml:"drop_when"`
	HandleFailedEvents string `yaml:"handle_failed_events"`
}

// DefaultConfig returns the defaults applied before user settings
func DefaultConfig() Config {
	return Config{HandleFailedEvents: FailedKeep}
}

// Validate checks the configuration against evaluator
func (c *Config) Validate(evaluator expression.Evaluator) error {
	if c.DropWhen == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "drop_events", "Validate", "drop_when is required")
	}
	if evaluator == nil || !evaluator.IsValidExpressionStatement(c.DropWhen) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: drop_when %q", errors.ErrInvalidConfig, c.DropWhen),
			"drop_events", "Validate", "check condition")
	}
	if c.HandleFailedEvents != FailedKeep && c.HandleFailedEvents != FailedDrop {
		return errors.WrapInvalid(
			fmt.Errorf("%w: handle_failed_events must be skip or drop", errors.ErrInvalidConfig),
			"drop_events", "Validate", "check failure handling")
	}
	return nil
}

// Processor drops matching events. Dropped events are released as
// successfully handled.
type Processor struct {
	cfg       Config
	pipeline  string
	evaluator expression.Evaluator
	logger    *slog.Logger
	metrics   *dropMetrics

	kept    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

var _ plugin.Processor = (*Processor)(nil)

// New creates the processor
func New(cfg Config, pipeline string, evaluator expression.Evaluator, logger *slog.Logger) (*Processor, error) {
	if err := cfg.Validate(evaluator); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{cfg: cfg, pipeline: pipeline, evaluator: evaluator, logger: logger}, nil
}

// Execute implements plugin.Processor
func (p *Processor) Execute(_ context.Context, records []*event.Record) []*event.Record {
	out := records[:0:0]
	for _, r := range records {
		e, ok := r.Event()
		if !ok {
			out = append(out, r)
			continue
		}

		start := time.Now()
		drop, err := p.evaluator.EvaluateConditional(p.cfg.DropWhen, e)
		outcome := "kept"
		if err != nil {
			p.failed.Add(1)
			p.logger.Debug("drop_when evaluation failed", "event_id", e.ID, "error", err)
			drop = p.cfg.HandleFailedEvents == FailedDrop
			outcome = "error"
		}
		if drop {
			if outcome != "error" {
				outcome = "dropped"
			}
			p.dropped.Add(1)
			e.Release(true)
		} else {
			p.kept.Add(1)
			out = append(out, r)
		}
		p.metrics.record(p.pipeline, outcome, time.Since(start))
	}
	return out
}

// Stats is a snapshot of the counters
type Stats struct {
	Kept    int64
	Dropped int64
	Failed  int64
}

// Stats returns the current counters
func (p *Processor) Stats() Stats {
	return Stats{Kept: p.kept.Load(), Dropped: p.dropped.Load(), Failed: p.failed.Load()}
}

// PrepareForShutdown implements plugin.Processor
func (p *Processor) PrepareForShutdown() {}

// IsReadyForShutdown implements plugin.Processor
func (p *Processor) IsReadyForShutdown() bool { return true }

// Shutdown implements plugin.Processor
func (p *Processor) Shutdown() {}

// Create is the plugin factory
func Create(setting *plugin.Setting, deps plugin.Dependencies) (any, error) {
	cfg := DefaultConfig()
	if err := setting.Decode(&cfg); err != nil {
		return nil, err
	}
	logger := deps.GetLoggerWithPlugin(setting)
	p, err := New(cfg, setting.PipelineName, deps.Evaluator, logger)
	if err != nil {
		return nil, err
	}
	m, err := metricsFor(deps.MetricsRegistry)
	if err != nil {
		logger.Warn("drop_events metrics disabled", "error", err)
	}
	p.metrics = m
	return p, nil
}

// Register adds the processor to registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Kind:        plugin.KindProcessor,
		Name:        PluginName,
		Description: "Drops events matching a condition",
		Factory:     Create,
	})
}
