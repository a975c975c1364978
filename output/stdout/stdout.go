// Package stdout provides a sink that writes each event's data as one JSON
// line to standard output.
package stdout

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/plugin"
)

// PluginName is the name the sink registers under
const PluginName = "stdout"

// Sink writes JSON lines to a writer
type Sink struct {
	mu     sync.Mutex
	out    io.Writer
	logger *slog.Logger

	written atomic.Int64
	failed  atomic.Int64
}

var _ plugin.Sink = (*Sink)(nil)

// New creates a sink writing to w; a nil writer means os.Stdout
func New(w io.Writer, logger *slog.Logger) *Sink {
	if w == nil {
		w = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{out: w, logger: logger}
}

// Initialize has nothing to prepare
func (s *Sink) Initialize() error { return nil }

// IsReady is always true
func (s *Sink) IsReady() bool { return true }

// Output writes each event of the batch on its own line
func (s *Sink) Output(_ context.Context, records []*event.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := bufio.NewWriter(s.out)
	enc := json.NewEncoder(w)
	var encoded []*event.Event
	for _, e := range event.Events(records) {
		if err := enc.Encode(e.Data); err != nil {
			s.failed.Add(1)
			s.logger.Warn("Event not serializable", "event_id", e.ID, "error", err)
			e.Release(false)
			continue
		}
		encoded = append(encoded, e)
	}

	ok := true
	if err := w.Flush(); err != nil {
		ok = false
		s.failed.Add(int64(len(encoded)))
		s.logger.Error("Write to stdout failed", "error", errors.Wrap(err, "stdout", "Output", "flush"))
	} else {
		s.written.Add(int64(len(encoded)))
	}
	for _, e := range encoded {
		e.Release(ok)
	}
}

// Written is the number of events written
func (s *Sink) Written() int64 { return s.written.Load() }

// Failed is the number of events that could not be written
func (s *Sink) Failed() int64 { return s.failed.Load() }

// Shutdown has nothing to release
func (s *Sink) Shutdown() {}

// Register adds the sink to registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Kind:        plugin.KindSink,
		Name:        PluginName,
		Description: "Writes event data as JSON lines to standard output",
		Factory: func(setting *plugin.Setting, deps plugin.Dependencies) (any, error) {
			return New(os.Stdout, deps.GetLoggerWithPlugin(setting)), nil
		},
	})
}
