// Package addentries provides a processor that sets fixed values on events,
// optionally only when a condition holds.
package addentries

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/expression"
	"github.com/c360/eventpipe/plugin"
)

// PluginName is the name the processor registers under
const PluginName = "add_entries"

// Entry is one key to set
type Entry struct {
	Key   string `yaml:"key"`
	Value any    `yaml:"value"`
	// ValueFrom copies the value at another key instead of Value
	ValueFrom            string `yaml:"value_from"`
	OverwriteIfKeyExists bool   `yaml:"overwrite_if_key_exists"`
	AddWhen              string `yaml:"add_when"`
}

// Config holds the processor settings
type Config struct {
	Entries []Entry `yaml:"entries"`
}

// Validate checks the entries against evaluator
func (c *Config) Validate(evaluator expression.Evaluator) error {
	if len(c.Entries) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "add_entries", "Validate", "entries are required")
	}
	for i, entry := range c.Entries {
		if entry.Key == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: entries[%d] has no key", errors.ErrInvalidConfig, i),
				"add_entries", "Validate", "check entry")
		}
		if entry.Value != nil && entry.ValueFrom != "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: entries[%d] sets both value and value_from", errors.ErrInvalidConfig, i),
				"add_entries", "Validate", "check entry")
		}
		if entry.AddWhen == "" {
			continue
		}
		if evaluator == nil || !evaluator.IsValidExpressionStatement(entry.AddWhen) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: entries[%d] add_when %q", errors.ErrInvalidConfig, i, entry.AddWhen),
				"add_entries", "Validate", "check condition")
		}
	}
	return nil
}

// Processor adds entries to every event
type Processor struct {
	entries   []Entry
	evaluator expression.Evaluator
	logger    *slog.Logger

	failures atomic.Int64
}

var _ plugin.Processor = (*Processor)(nil)

// New creates the processor
func New(cfg Config, evaluator expression.Evaluator, logger *slog.Logger) (*Processor, error) {
	if err := cfg.Validate(evaluator); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{entries: cfg.Entries, evaluator: evaluator, logger: logger}, nil
}

// Execute implements plugin.Processor. Failures leave the event unchanged
// for that entry.
func (p *Processor) Execute(_ context.Context, records []*event.Record) []*event.Record {
	for _, e := range event.Events(records) {
		for _, entry := range p.entries {
			if err := p.apply(e, entry); err != nil {
				p.failures.Add(1)
				p.logger.Debug("Entry not added", "key", entry.Key, "event_id", e.ID, "error", err)
			}
		}
	}
	return records
}

func (p *Processor) apply(e *event.Event, entry Entry) error {
	if entry.AddWhen != "" {
		ok, err := p.evaluator.EvaluateConditional(entry.AddWhen, e)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	if e.ContainsKey(entry.Key) && !entry.OverwriteIfKeyExists {
		return nil
	}

	value := entry.Value
	if entry.ValueFrom != "" {
		v, ok := e.Get(entry.ValueFrom)
		if !ok {
			return fmt.Errorf("%w: no value at %s", errors.ErrInvalidData, entry.ValueFrom)
		}
		value = v
	}
	return e.Put(entry.Key, value)
}

// Failures is the number of entries that could not be applied
func (p *Processor) Failures() int64 { return p.failures.Load() }

// PrepareForShutdown implements plugin.Processor
func (p *Processor) PrepareForShutdown() {}

// IsReadyForShutdown implements plugin.Processor
func (p *Processor) IsReadyForShutdown() bool { return true }

// Shutdown implements plugin.Processor
func (p *Processor) Shutdown() {}

// Create is the plugin factory
func Create(setting *plugin.Setting, deps plugin.Dependencies) (any, error) {
	var cfg Config
	if err := setting.Decode(&cfg); err != nil {
		return nil, err
	}
	p, err := New(cfg, deps.Evaluator, deps.GetLoggerWithPlugin(setting))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Register adds the processor to registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Kind:        plugin.KindProcessor,
		Name:        PluginName,
		Description: "Adds fixed or copied values to events",
		Factory:     Create,
	})
}
