// Package file provides a sink that appends events to a file on disk in
// JSON lines or pretty-printed JSON format.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/plugin"
)

// PluginName is the name the sink registers under
const PluginName = "file"

// Output formats
const (
	FormatJSONL = "jsonl"
	FormatJSON  = "json"
)

// Config holds configuration for the file sink
type Config struct {
	Directory  string `yaml:"directory"`
	FilePrefix string `yaml:"file_prefix"`
	Format     string `yaml:"format"`
	Append     bool   `yaml:"append"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Directory == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "directory is required")
	}
	if c.FilePrefix == "" || filepath.Base(c.FilePrefix) != c.FilePrefix {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"file_prefix must be a plain file name")
	}
	if c.Format != FormatJSONL && c.Format != FormatJSON {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"format must be one of: json, jsonl")
	}
	return nil
}

// DefaultConfig returns default configuration for the file sink
func DefaultConfig() Config {
	return Config{
		Directory:  "/tmp/eventpipe",
		FilePrefix: "output",
		Format:     FormatJSONL,
		Append:     true,
	}
}

// Path is the file the sink writes to
func (c *Config) Path() string {
	ext := ".jsonl"
	if c.Format == FormatJSON {
		ext = ".json"
	}
	return filepath.Join(c.Directory, c.FilePrefix+ext)
}

// Output writes events to a file
type Output struct {
	cfg    Config
	logger *slog.Logger

	fileMu sync.Mutex
	file   *os.File

	messagesWritten atomic.Int64
	bytesWritten    atomic.Int64
	errors          atomic.Int64
}

var _ plugin.Sink = (*Output)(nil)

// NewOutput creates the sink. The file is opened by Initialize.
func NewOutput(cfg Config, logger *slog.Logger) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Output{cfg: cfg, logger: logger}, nil
}

// Initialize creates the directory and opens the file
func (f *Output) Initialize() error {
	f.fileMu.Lock()
	defer f.fileMu.Unlock()
	if f.file != nil {
		return nil
	}

	if err := os.MkdirAll(f.cfg.Directory, 0o755); err != nil {
		return errors.WrapTransient(err, "Output", "Initialize", "create directory")
	}

	flags := os.O_CREATE | os.O_WRONLY
	if f.cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(f.cfg.Path(), flags, 0o644)
	if err != nil {
		return errors.WrapTransient(err, "Output", "Initialize", "open file")
	}
	f.file = file
	f.logger.Info("File sink opened", "path", f.cfg.Path(), "format", f.cfg.Format)
	return nil
}

// IsReady reports whether the file is open
func (f *Output) IsReady() bool {
	f.fileMu.Lock()
	defer f.fileMu.Unlock()
	return f.file != nil
}

// Output writes the batch. Events are acknowledged once the batch reaches
// the file.
func (f *Output) Output(_ context.Context, records []*event.Record) {
	events := event.Events(records)
	if len(events) == 0 {
		return
	}

	f.fileMu.Lock()
	defer f.fileMu.Unlock()

	if f.file == nil {
		f.errors.Add(int64(len(events)))
		f.logger.Error("File handle is nil during write", "messages_lost", len(events))
		for _, e := range events {
			e.Release(false)
		}
		return
	}

	w := bufio.NewWriter(f.file)
	written := make([]*event.Event, 0, len(events))
	for _, e := range events {
		data, err := f.encode(e)
		if err != nil {
			f.errors.Add(1)
			f.logger.Warn("Event not serializable", "event_id", e.ID, "error", err)
			e.Release(false)
			continue
		}
		_, _ = w.Write(data)
		written = append(written, e)
	}

	ok := true
	if err := w.Flush(); err != nil {
		ok = false
		f.errors.Add(int64(len(written)))
		f.logger.Error("Failed to write events to file", "path", f.cfg.Path(), "error", err)
	} else {
		f.messagesWritten.Add(int64(len(written)))
	}
	for _, e := range written {
		e.Release(ok)
	}
}

func (f *Output) encode(e *event.Event) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch f.cfg.Format {
	case FormatJSON:
		data, err = json.MarshalIndent(e.Data, "", "  ")
	default:
		data, err = json.Marshal(e.Data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidData, err)
	}
	f.bytesWritten.Add(int64(len(data) + 1))
	return append(data, '\n'), nil
}

// Shutdown syncs and closes the file
func (f *Output) Shutdown() {
	f.fileMu.Lock()
	defer f.fileMu.Unlock()
	if f.file == nil {
		return
	}
	if err := f.file.Sync(); err != nil {
		f.logger.Warn("failed to sync output file", "error", err, "path", f.file.Name())
	}
	if err := f.file.Close(); err != nil {
		f.logger.Warn("failed to close output file", "error", err, "path", f.file.Name())
	}
	f.file = nil
}

// Stats reports what the sink wrote
type Stats struct {
	MessagesWritten int64
	BytesWritten    int64
	Errors          int64
}

// Stats returns the current counters
func (f *Output) Stats() Stats {
	return Stats{
		MessagesWritten: f.messagesWritten.Load(),
		BytesWritten:    f.bytesWritten.Load(),
		Errors:          f.errors.Load(),
	}
}

// Create is the plugin factory
func Create(setting *plugin.Setting, deps plugin.Dependencies) (any, error) {
	cfg := DefaultConfig()
	if err := setting.Decode(&cfg); err != nil {
		return nil, err
	}
	out, err := NewOutput(cfg, deps.GetLoggerWithPlugin(setting))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Register registers the file sink with the given registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Kind:        plugin.KindSink,
		Name:        PluginName,
		Description: "File sink writing events in JSON or JSONL format",
		Factory:     Create,
	})
}
