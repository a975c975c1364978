package parser

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/router"
)

// Defaults applied by Normalize
const (
	DefaultBufferPlugin = "bounded_blocking"
	DefaultWorkers      = 1
	DefaultDelay        = 3 * time.Second

	// ConnectorPlugin names a source or sink that links two pipelines
	ConnectorPlugin = "pipeline"
)

// PluginSpec is one plugin entry: the plugin name and its settings
type PluginSpec struct {
	Name     string
	Settings map[string]any
}

// UnmarshalYAML decodes a single-key map {name: settings}
func (p *PluginSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode || len(value.Content) != 2 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: line %d: plugin entry must be a map with exactly one plugin name",
				errors.ErrInvalidConfig, value.Line),
			"PluginSpec", "UnmarshalYAML", "decode plugin")
	}
	p.Name = value.Content[0].Value

	settings := value.Content[1]
	p.Settings = make(map[string]any)
	if settings.Tag == "!!null" {
		return nil
	}
	if settings.Kind != yaml.MappingNode {
		return errors.WrapInvalid(
			fmt.Errorf("%w: line %d: settings of plugin %q must be a map", errors.ErrInvalidConfig, settings.Line, p.Name),
			"PluginSpec", "UnmarshalYAML", "decode plugin settings")
	}
	return settings.Decode(&p.Settings)
}

// MarshalYAML encodes the single-key map form
func (p PluginSpec) MarshalYAML() (any, error) {
	settings := p.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	return map[string]any{p.Name: settings}, nil
}

// ConnectedPipeline returns the pipeline a connector entry names
func (p PluginSpec) ConnectedPipeline() (string, bool) {
	if p.Name != ConnectorPlugin {
		return "", false
	}
	name, ok := p.Settings["name"].(string)
	return name, ok && name != ""
}

// IsConnector reports whether the entry is of connector type, named or not
func (p PluginSpec) IsConnector() bool {
	return p.Name == ConnectorPlugin
}

// SinkSpec is a sink entry with the routes it receives
type SinkSpec struct {
	PluginSpec
	Routes []string
}

// UnmarshalYAML decodes the plugin entry and lifts "routes" out of the
// settings
func (s *SinkSpec) UnmarshalYAML(value *yaml.Node) error {
	if err := s.PluginSpec.UnmarshalYAML(value); err != nil {
		return err
	}
	raw, ok := s.Settings["routes"]
	if !ok {
		return nil
	}
	delete(s.Settings, "routes")

	switch v := raw.(type) {
	case nil:
	case string:
		s.Routes = []string{v}
	case []any:
		for _, item := range v {
			name, ok := item.(string)
			if !ok {
				return errors.WrapInvalid(
					fmt.Errorf("%w: sink %q routes must be strings, got %T", errors.ErrInvalidConfig, s.Name, item),
					"SinkSpec", "UnmarshalYAML", "decode routes")
			}
			s.Routes = append(s.Routes, name)
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: sink %q routes must be a list, got %T", errors.ErrInvalidConfig, s.Name, raw),
			"SinkSpec", "UnmarshalYAML", "decode routes")
	}
	return nil
}

// MarshalYAML puts the routes back into the settings
func (s SinkSpec) MarshalYAML() (any, error) {
	settings := make(map[string]any, len(s.Settings)+1)
	for k, v := range s.Settings {
		settings[k] = v
	}
	if len(s.Routes) > 0 {
		settings["routes"] = s.Routes
	}
	return map[string]any{s.Name: settings}, nil
}

// RouteSpec is a named route condition, written {name: condition}
type RouteSpec struct {
	Name      string
	Condition string
}

// UnmarshalYAML decodes a single-key map
func (r *RouteSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode || len(value.Content) != 2 || value.Content[1].Kind != yaml.ScalarNode {
		return errors.WrapInvalid(
			fmt.Errorf("%w: line %d: route must be a single 'name: condition' entry", errors.ErrInvalidConfig, value.Line),
			"RouteSpec", "UnmarshalYAML", "decode route")
	}
	r.Name = value.Content[0].Value
	r.Condition = value.Content[1].Value
	return nil
}

// MarshalYAML encodes the single-key form
func (r RouteSpec) MarshalYAML() (any, error) {
	return map[string]string{r.Name: r.Condition}, nil
}

// Route converts to a router route
func (r RouteSpec) Route() router.Route {
	return router.Route{Name: r.Name, Condition: r.Condition}
}

// Delay is the read batch delay. Plain integers are milliseconds.
type Delay time.Duration

// UnmarshalYAML accepts "250ms" style durations or integer milliseconds
func (d *Delay) UnmarshalYAML(value *yaml.Node) error {
	if ms, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Delay(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: line %d: delay %q: %v", errors.ErrInvalidConfig, value.Line, value.Value, err),
			"Delay", "UnmarshalYAML", "parse delay")
	}
	*d = Delay(parsed)
	return nil
}

// MarshalYAML encodes the duration string
func (d Delay) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the delay as a time.Duration
func (d Delay) Duration() time.Duration {
	return time.Duration(d)
}

// PipelineSpec is the definition of one pipeline
type PipelineSpec struct {
	Workers    int          `yaml:"workers,omitempty"`
	Delay      Delay        `yaml:"delay,omitempty"`
	Source     PluginSpec   `yaml:"source"`
	Buffer     *PluginSpec  `yaml:"buffer,omitempty"`
	Processors []PluginSpec `yaml:"processor,omitempty"`
	Routes     []RouteSpec  `yaml:"route,omitempty"`
	Sinks      []SinkSpec   `yaml:"sink"`
}

var pipelineKeys = map[string]struct{}{
	"workers": {}, "delay": {}, "source": {}, "buffer": {},
	"processor": {}, "route": {}, "routes": {}, "sink": {},
}

// UnmarshalYAML rejects unknown keys and accepts "routes" as an alias of
// "route"
func (p *PipelineSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return errors.WrapInvalid(
			fmt.Errorf("%w: line %d: pipeline definition must be a map", errors.ErrInvalidConfig, value.Line),
			"PipelineSpec", "UnmarshalYAML", "decode pipeline")
	}
	for i := 0; i < len(value.Content); i += 2 {
		key := value.Content[i]
		if _, ok := pipelineKeys[key.Value]; !ok {
			return errors.WrapInvalid(
				fmt.Errorf("%w: line %d: unknown pipeline key %q", errors.ErrInvalidConfig, key.Line, key.Value),
				"PipelineSpec", "UnmarshalYAML", "decode pipeline")
		}
	}

	type plain PipelineSpec
	var aux struct {
		Spec  plain       `yaml:",inline"`
		Alias []RouteSpec `yaml:"routes"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*p = PipelineSpec(aux.Spec)
	if len(aux.Alias) > 0 {
		if len(p.Routes) > 0 {
			return errors.WrapInvalid(
				fmt.Errorf("%w: line %d: both route and routes are set", errors.ErrInvalidConfig, value.Line),
				"PipelineSpec", "UnmarshalYAML", "decode routes")
		}
		p.Routes = aux.Alias
	}
	return nil
}

// Normalize fills defaults
func (p *PipelineSpec) Normalize() {
	if p.Workers <= 0 {
		p.Workers = DefaultWorkers
	}
	if p.Delay <= 0 {
		p.Delay = Delay(DefaultDelay)
	}
	if p.Buffer == nil {
		p.Buffer = &PluginSpec{Name: DefaultBufferPlugin}
	}
	if p.Buffer.Settings == nil {
		p.Buffer.Settings = make(map[string]any)
	}
	if p.Source.Settings == nil {
		p.Source.Settings = make(map[string]any)
	}
	for i := range p.Processors {
		if p.Processors[i].Settings == nil {
			p.Processors[i].Settings = make(map[string]any)
		}
	}
	for i := range p.Sinks {
		if p.Sinks[i].Settings == nil {
			p.Sinks[i].Settings = make(map[string]any)
		}
	}
}

// UpstreamPipeline returns the pipeline feeding this one through a
// connector source
func (p *PipelineSpec) UpstreamPipeline() (string, bool) {
	return p.Source.ConnectedPipeline()
}

// DownstreamPipelines returns the pipelines this one feeds through
// connector sinks, in sink order
func (p *PipelineSpec) DownstreamPipelines() []string {
	var out []string
	for _, s := range p.Sinks {
		if name, ok := s.ConnectedPipeline(); ok {
			out = append(out, name)
		}
	}
	return out
}
