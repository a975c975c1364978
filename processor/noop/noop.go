// Package noop provides a processor that passes records through unchanged.
package noop

import (
	"context"

	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/plugin"
)

// PluginName is the name the processor registers under
const PluginName = "noop"

// Processor returns its input
type Processor struct{}

var _ plugin.Processor = Processor{}

// Execute implements plugin.Processor
func (Processor) Execute(_ context.Context, records []*event.Record) []*event.Record {
	return records
}

// PrepareForShutdown implements plugin.Processor
func (Processor) PrepareForShutdown() {}

// IsReadyForShutdown implements plugin.Processor
func (Processor) IsReadyForShutdown() bool { return true }

// Shutdown implements plugin.Processor
func (Processor) Shutdown() {}

// Register adds the processor to registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Kind:        plugin.KindProcessor,
		Name:        PluginName,
		Description: "Passes records through unchanged",
		Factory: func(*plugin.Setting, plugin.Dependencies) (any, error) {
			return Processor{}, nil
		},
	})
}
