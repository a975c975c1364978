// Package aggregate provides a stateful processor that groups events by
// identification keys and emits one event per group when the group's
// window closes.
//
// Groups are keyed state, so the processor requires peer forwarding: in a
// cluster every event of a group is routed to the node that owns the key.
// One instance is shared by all workers of a pipeline, which keeps a group
// from being split between workers.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/expression"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/plugin"
)

// PluginName is the name the processor registers under
const PluginName = "aggregate"

// Actions
const (
	ActionCount            = "count"
	ActionPutAll           = "put_all"
	ActionRemoveDuplicates = "remove_duplicates"
)

// Keys written by the count action
const (
	CountKey     = "count"
	StartTimeKey = "start_time"
)

// Config holds the processor settings
type Config struct {
	IdentificationKeys []string      `yaml:"identification_keys"`
	GroupDuration      time.Duration `yaml:"group_duration"`
	Action             string        `yaml:"action"`
	AggregateWhen      string        `yaml:"aggregate_when"`
	OutputEventType    string        `yaml:"output_event_type"`
}

// DefaultConfig returns the defaults applied before user settings
func DefaultConfig() Config {
	return Config{
		GroupDuration:   3 * time.Minute,
		Action:          ActionCount,
		OutputEventType: "aggregate",
	}
}

// Validate checks the configuration against evaluator
func (c *Config) Validate(evaluator expression.Evaluator) error {
	if len(c.IdentificationKeys) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "aggregate", "Validate",
			"identification_keys are required")
	}
	for _, k := range c.IdentificationKeys {
		if k == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "aggregate", "Validate", "empty identification key")
		}
	}
	if c.GroupDuration <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "aggregate", "Validate", "group_duration must be positive")
	}
	switch c.Action {
	case ActionCount, ActionPutAll, ActionRemoveDuplicates:
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown action %q", errors.ErrInvalidConfig, c.Action),
			"aggregate", "Validate", "check action")
	}
	if c.AggregateWhen != "" && (evaluator == nil || !evaluator.IsValidExpressionStatement(c.AggregateWhen)) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: aggregate_when %q", errors.ErrInvalidConfig, c.AggregateWhen),
			"aggregate", "Validate", "check condition")
	}
	if c.OutputEventType == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "aggregate", "Validate", "output_event_type is required")
	}
	return nil
}

type group struct {
	identification map[string]any
	start          time.Time
	count          int64
	data           map[string]any
}

type metrics struct {
	openGroups      prometheus.Gauge
	concludedGroups prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, pipeline string) *metrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"pipeline": pipeline}
	m := &metrics{
		openGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventpipe", Subsystem: "aggregate", Name: "open_groups",
			Help: "Groups currently collecting events", ConstLabels: labels,
		}),
		concludedGroups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventpipe", Subsystem: "aggregate", Name: "concluded_groups_total",
			Help: "Groups whose window closed", ConstLabels: labels,
		}),
	}
	service := "aggregate_" + pipeline
	if registry.RegisterGauge(service, "open_groups", m.openGroups) != nil ||
		registry.RegisterCounter(service, "concluded_groups", m.concludedGroups) != nil {
		return nil
	}
	return m
}

// Processor aggregates events
type Processor struct {
	cfg       Config
	evaluator expression.Evaluator
	logger    *slog.Logger
	metrics   *metrics
	now       func() time.Time

	mu           sync.Mutex
	groups       map[string]*group
	shuttingDown bool
}

var (
	_ plugin.Processor                 = (*Processor)(nil)
	_ plugin.IdentificationKeyProvider = (*Processor)(nil)
)

// New creates the processor
func New(cfg Config, evaluator expression.Evaluator, logger *slog.Logger) (*Processor, error) {
	if err := cfg.Validate(evaluator); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:       cfg,
		evaluator: evaluator,
		logger:    logger,
		now:       time.Now,
		groups:    make(map[string]*group),
	}, nil
}

// IdentificationKeys implements plugin.IdentificationKeyProvider
func (p *Processor) IdentificationKeys() []string {
	return p.cfg.IdentificationKeys
}

// Execute folds events into their groups and emits the groups whose window
// has closed. It runs on empty batches too, which is what closes windows
// when input stops.
func (p *Processor) Execute(_ context.Context, records []*event.Record) []*event.Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]*event.Record, 0, len(records))
	for _, r := range records {
		e, ok := r.Event()
		if !ok || !p.applies(e) {
			out = append(out, r)
			continue
		}
		if p.fold(e, now) {
			out = append(out, r)
		}
	}

	out = append(out, p.conclude(now)...)
	if p.metrics != nil {
		p.metrics.openGroups.Set(float64(len(p.groups)))
	}
	return out
}

func (p *Processor) applies(e *event.Event) bool {
	if p.cfg.AggregateWhen == "" {
		return true
	}
	ok, err := p.evaluator.EvaluateConditional(p.cfg.AggregateWhen, e)
	if err != nil {
		p.logger.Debug("aggregate_when evaluation failed", "event_id", e.ID, "error", err)
		return false
	}
	return ok
}

// fold adds e to its group. It reports whether e should continue down the
// pipeline; consumed events are released.
func (p *Processor) fold(e *event.Event, now time.Time) bool {
	key, identification := p.groupKey(e)
	g, exists := p.groups[key]
	if !exists {
		g = &group{identification: identification, start: now, data: make(map[string]any)}
		p.groups[key] = g
	}
	g.count++

	switch p.cfg.Action {
	case ActionRemoveDuplicates:
		if !exists {
			return true
		}
	case ActionPutAll:
		for k, v := range e.Data {
			g.data[k] = v
		}
	}
	e.Release(true)
	return false
}

// groupKey encodes the identification values. A missing key counts as
// null, so events lacking it form their own group.
func (p *Processor) groupKey(e *event.Event) (string, map[string]any) {
	values := make([]any, len(p.cfg.IdentificationKeys))
	identification := make(map[string]any, len(values))
	for i, k := range p.cfg.IdentificationKeys {
		v, _ := e.Get(k)
		values[i] = v
		identification[k] = v
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Sprintf("%v", values), identification
	}
	return string(raw), identification
}

func (p *Processor) conclude(now time.Time) []*event.Record {
	var out []*event.Record
	for key, g := range p.groups {
		if !p.shuttingDown && now.Sub(g.start) < p.cfg.GroupDuration {
			continue
		}
		delete(p.groups, key)
		if p.metrics != nil {
			p.metrics.concludedGroups.Inc()
		}
		if e := p.result(g); e != nil {
			out = append(out, event.NewRecord(e))
		}
	}
	return out
}

func (p *Processor) result(g *group) *event.Event {
	switch p.cfg.Action {
	case ActionCount:
		data := make(map[string]any, len(g.identification)+2)
		e := event.New(p.cfg.OutputEventType, data)
		for k, v := range g.identification {
			if err := e.Put(k, v); err != nil {
				p.logger.Debug("Identification key not copied", "key", k, "error", err)
			}
		}
		e.Data[CountKey] = g.count
		e.Data[StartTimeKey] = g.start.UTC().Format(time.RFC3339Nano)
		return e
	case ActionPutAll:
		return event.New(p.cfg.OutputEventType, g.data)
	default:
		return nil
	}
}

// Groups is the number of open groups
func (p *Processor) Groups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups)
}

// PrepareForShutdown makes the next Execute conclude every group
func (p *Processor) PrepareForShutdown() {
	p.mu.Lock()
	p.shuttingDown = true
	p.mu.Unlock()
}

// IsReadyForShutdown reports whether every group has been emitted
func (p *Processor) IsReadyForShutdown() bool {
	return p.Groups() == 0
}

// Shutdown drops whatever is left
func (p *Processor) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.groups) > 0 {
		p.logger.Warn("Aggregate groups discarded at shutdown", "groups", len(p.groups))
	}
	p.groups = make(map[string]*group)
}

// Create is the plugin factory
func Create(setting *plugin.Setting, deps plugin.Dependencies) (any, error) {
	cfg := DefaultConfig()
	if err := setting.Decode(&cfg); err != nil {
		return nil, err
	}
	p, err := New(cfg, deps.Evaluator, deps.GetLoggerWithPlugin(setting))
	if err != nil {
		return nil, err
	}
	p.metrics = newMetrics(deps.MetricsRegistry, setting.PipelineName)
	return p, nil
}

// Register adds the processor to registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Kind:                   plugin.KindProcessor,
		Name:                   PluginName,
		Description:            "Groups events by identification keys over a time window",
		Factory:                Create,
		RequiresPeerForwarding: true,
	})
}
