package plugin

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/expression"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/natsclient"
)

// Dependencies are the shared services handed to every factory
type Dependencies struct {
	Logger          *slog.Logger
	Metrics         *metric.Metrics         // can be nil
	MetricsRegistry *metric.MetricsRegistry // can be nil
	NATSClient      *natsclient.Client      // can be nil when no plugin needs NATS
	Evaluator       expression.Evaluator
}

// GetLogger returns the configured logger or the default logger
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithPlugin returns a logger tagged with the plugin and pipeline
func (d *Dependencies) GetLoggerWithPlugin(s *Setting) *slog.Logger {
	return d.GetLogger().With("plugin", s.Name, "pipeline", s.PipelineName)
}

// Factory builds one plugin instance. Factories must not perform I/O;
// that belongs in Start or Initialize.
type Factory func(setting *Setting, deps Dependencies) (any, error)

// Registration describes a plugin type
type Registration struct {
	Kind        Kind
	Name        string
	Description string
	Factory     Factory

	// RequiresPeerForwarding marks processors whose state is keyed and must
	// be colocated across nodes
	RequiresPeerForwarding bool

	// SingleThreaded marks processors that are not safe for concurrent use
	SingleThreaded bool
}

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,127}$`)

// ValidateName checks a plugin or pipeline name
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: name %q must start with a letter and contain only letters, digits, '_' or '-'",
				errors.ErrInvalidConfig, name),
			"plugin", "ValidateName", "name validation")
	}
	return nil
}

func registryKey(kind Kind, name string) string {
	return string(kind) + "/" + name
}

// Registry maps plugin kinds and names to factories. It is safe for
// concurrent use.
type Registry struct {
	mu            sync.RWMutex
	registrations map[string]*Registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{registrations: make(map[string]*Registration)}
}

// Register adds a plugin type. Names are unique per kind.
func (r *Registry) Register(reg *Registration) error {
	if reg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "registration validation")
	}
	if err := ValidateName(reg.Name); err != nil {
		return errors.Wrap(err, "Registry", "Register", "plugin name validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory function validation")
	}
	switch reg.Kind {
	case KindSource, KindBuffer, KindProcessor, KindSink:
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown plugin kind %q", errors.ErrInvalidConfig, reg.Kind),
			"Registry", "Register", "plugin kind validation")
	}
	if reg.Kind != KindProcessor && (reg.RequiresPeerForwarding || reg.SingleThreaded) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: only processors may declare peer forwarding or single threading", errors.ErrInvalidConfig),
			"Registry", "Register", "capability validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey(reg.Kind, reg.Name)
	if _, exists := r.registrations[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%s plugin '%s' is already registered", reg.Kind, reg.Name),
			"Registry", "Register", "duplicate plugin check")
	}
	r.registrations[key] = reg
	return nil
}

// Lookup returns the registration for a plugin
func (r *Registry) Lookup(kind Kind, name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[registryKey(kind, name)]
	return reg, ok
}

// List returns all registrations of a kind, sorted by name. An empty kind
// lists everything.
func (r *Registry) List(kind Kind) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Registration
	for _, reg := range r.registrations {
		if kind == "" || reg.Kind == kind {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Load runs the factory for one plugin
func (r *Registry) Load(kind Kind, setting *Setting, deps Dependencies) (any, error) {
	if setting == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "Load", "setting validation")
	}
	reg, ok := r.Lookup(kind, setting.Name)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s plugin '%s'", errors.ErrUnknownPlugin, kind, setting.Name),
			"Registry", "Load", "plugin lookup")
	}

	instance, err := reg.Factory(setting, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Load", fmt.Sprintf("%s %s factory", kind, setting.Name))
	}
	if instance == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%s plugin '%s' factory returned nil", kind, setting.Name),
			"Registry", "Load", "factory result")
	}
	return instance, nil
}

func loadAs[T any](r *Registry, kind Kind, setting *Setting, deps Dependencies) (T, error) {
	var zero T
	instance, err := r.Load(kind, setting, deps)
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, errors.WrapInvalid(
			fmt.Errorf("%s plugin '%s' built %T", kind, setting.Name, instance),
			"Registry", "Load", "type assertion")
	}
	return typed, nil
}

// LoadSource builds a source
func (r *Registry) LoadSource(setting *Setting, deps Dependencies) (Source, error) {
	return loadAs[Source](r, KindSource, setting, deps)
}

// LoadBuffer builds a buffer
func (r *Registry) LoadBuffer(setting *Setting, deps Dependencies) (Buffer, error) {
	return loadAs[Buffer](r, KindBuffer, setting, deps)
}

// LoadSink builds a sink
func (r *Registry) LoadSink(setting *Setting, deps Dependencies) (Sink, error) {
	return loadAs[Sink](r, KindSink, setting, deps)
}

// LoadProcessors builds the instances of one processor: one per worker for
// single-threaded processors, otherwise one shared instance.
func (r *Registry) LoadProcessors(setting *Setting, deps Dependencies) ([]Processor, error) {
	reg, ok := r.Lookup(KindProcessor, setting.Name)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: processor plugin '%s'", errors.ErrUnknownPlugin, setting.Name),
			"Registry", "LoadProcessors", "plugin lookup")
	}

	count := 1
	if reg.SingleThreaded && setting.Workers > 1 {
		count = setting.Workers
	}
	out := make([]Processor, 0, count)
	for i := 0; i < count; i++ {
		p, err := loadAs[Processor](r, KindProcessor, setting, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
