// Package componentregistry registers the built-in buffers, sources,
// processors and sinks.
package componentregistry

import (
	"errors"

	pkgerrors "github.com/c360/eventpipe/errors"
	natsinput "github.com/c360/eventpipe/input/nats"
	"github.com/c360/eventpipe/input/random"
	"github.com/c360/eventpipe/input/udp"
	"github.com/c360/eventpipe/output/file"
	"github.com/c360/eventpipe/output/httppost"
	natsoutput "github.com/c360/eventpipe/output/nats"
	"github.com/c360/eventpipe/output/stdout"
	"github.com/c360/eventpipe/plugin"
	addentries "github.com/c360/eventpipe/processor/add_entries"
	"github.com/c360/eventpipe/processor/aggregate"
	dropevents "github.com/c360/eventpipe/processor/drop_events"
	"github.com/c360/eventpipe/processor/noop"
)

// Register registers every built-in plugin with registry:
//
// Buffers:
//   - bounded_blocking (in-memory, permit based)
//
// Sources:
//   - random (generated UUID events)
//   - nats (subject subscription)
//   - udp (datagrams)
//
// Processors:
//   - noop, add_entries, drop_events
//   - aggregate (stateful, peer forwarded)
//
// Sinks:
//   - stdout, file, http, nats
func Register(registry *plugin.Registry) error {
	// a nil registry is a programming error, not invalid input
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"ComponentRegistry", "Register", "registry validation")
	}

	if err := registry.Register(&plugin.Registration{
		Kind:        plugin.KindBuffer,
		Name:        BoundedBlockingName,
		Description: "In-memory bounded buffer that blocks writers when full",
		Factory:     createBoundedBlocking,
	}); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "bounded_blocking buffer registration")
	}

	registrations := []struct {
		name     string
		register func(*plugin.Registry) error
	}{
		{"random source", random.Register},
		{"NATS source", natsinput.Register},
		{"UDP source", udp.Register},
		{"noop processor", noop.Register},
		{"add_entries processor", addentries.Register},
		{"drop_events processor", dropevents.Register},
		{"aggregate processor", aggregate.Register},
		{"stdout sink", stdout.Register},
		{"file sink", file.Register},
		{"HTTP sink", httppost.Register},
		{"NATS sink", natsoutput.Register},
	}
	for _, r := range registrations {
		if err := r.register(registry); err != nil {
			return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", r.name+" registration")
		}
	}
	return nil
}
