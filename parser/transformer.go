package parser

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/eventpipe/circuitbreaker"
	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/expression"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/peerforwarder"
	"github.com/c360/eventpipe/pipeline"
	"github.com/c360/eventpipe/pkg/buffer"
	"github.com/c360/eventpipe/plugin"
	"github.com/c360/eventpipe/router"
)

// BreakerProvider hands out the global circuit breaker, if one is
// configured
type BreakerProvider interface {
	GetGlobalCircuitBreaker() (circuitbreaker.CircuitBreaker, bool)
}

// Transformer builds pipelines from their definitions
type Transformer struct {
	registry  *plugin.Registry
	evaluator expression.Evaluator
	provider  *peerforwarder.Provider
	breakers  BreakerProvider
	deps      plugin.Dependencies

	processorShutdownTimeout time.Duration
	sinkShutdownTimeout      time.Duration

	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Transformer
type Option func(*Transformer)

// WithEvaluator sets the expression evaluator used for routes
func WithEvaluator(e expression.Evaluator) Option {
	return func(t *Transformer) { t.evaluator = e }
}

// WithPeerForwarder sets the provider stateful processors register with
func WithPeerForwarder(p *peerforwarder.Provider) Option {
	return func(t *Transformer) { t.provider = p }
}

// WithCircuitBreakers sets where the global circuit breaker comes from
func WithCircuitBreakers(b BreakerProvider) Option {
	return func(t *Transformer) { t.breakers = b }
}

// WithDependencies sets the services handed to plugin factories
func WithDependencies(deps plugin.Dependencies) Option {
	return func(t *Transformer) { t.deps = deps }
}

// WithShutdownTimeouts sets the processor and sink shutdown timeouts of
// every pipeline
func WithShutdownTimeouts(processor, sink time.Duration) Option {
	return func(t *Transformer) {
		t.processorShutdownTimeout = processor
		t.sinkShutdownTimeout = sink
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics sets the core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(t *Transformer) { t.metrics = m }
}

// NewTransformer creates a transformer loading plugins from registry
func NewTransformer(registry *plugin.Registry, opts ...Option) *Transformer {
	t := &Transformer{
		registry:                 registry,
		processorShutdownTimeout: pipeline.DefaultProcessorShutdownTimeout,
		sinkShutdownTimeout:      pipeline.DefaultSinkShutdownTimeout,
		logger:                   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.evaluator == nil {
		t.evaluator = expression.NewEvaluator()
	}
	if t.deps.Logger == nil {
		t.deps.Logger = t.logger
	}
	if t.deps.Metrics == nil {
		t.deps.Metrics = t.metrics
	}
	if t.deps.Evaluator == nil {
		t.deps.Evaluator = t.evaluator
	}
	return t
}

// TransformConfiguration builds every pipeline it can. The returned map
// holds the pipelines that built; the report lists every plugin error.
// Failed validation builds nothing.
func (t *Transformer) TransformConfiguration(specs map[string]*PipelineSpec) (map[string]*pipeline.Pipeline, *errors.PluginErrors) {
	report := &errors.PluginErrors{}
	built := make(map[string]*pipeline.Pipeline)

	order, err := ValidatePipelineNames(specs)
	if err != nil {
		pe, ok := err.(*errors.PluginError)
		if !ok {
			pe = &errors.PluginError{ComponentType: errors.ComponentPipeline, Err: err}
		}
		report.Collect(pe)
		t.logger.Error("Pipeline configuration is invalid", "error", report.Error())
		return built, report
	}

	b := &build{
		Transformer: t,
		specs:       make(map[string]*PipelineSpec, len(specs)),
		built:       built,
		connectors:  make(map[string]*pipeline.Connector),
		report:      report,
	}
	for name, spec := range specs {
		spec.Normalize()
		b.specs[name] = spec
	}

	for _, name := range order {
		if _, done := b.built[name]; done {
			continue
		}
		if _, pending := b.specs[name]; pending {
			b.buildPipeline(name)
		}
	}
	if report.Len() > 0 {
		t.logger.Error("Some pipelines failed to build", "built", len(built), "error", report.Error())
	}
	return built, report
}

// build is the state of one TransformConfiguration run
type build struct {
	*Transformer
	specs      map[string]*PipelineSpec
	built      map[string]*pipeline.Pipeline
	connectors map[string]*pipeline.Connector // by downstream pipeline
	report     *errors.PluginErrors
}

type processorGroup struct {
	name       string
	pluginID   string
	instances  []plugin.Processor
	forwarding bool
}

func (b *build) collect(pipelineName, componentType, pluginName string, err error) {
	b.report.Collect(&errors.PluginError{
		Pipeline:      pipelineName,
		ComponentType: componentType,
		PluginName:    pluginName,
		Err:           err,
	})
}

func (b *build) setting(spec PluginSpec, pipelineName string, workers int) *plugin.Setting {
	s := plugin.NewSetting(spec.Name, pipelineName, spec.Settings)
	s.Workers = workers
	return s
}

func (b *build) buildPipeline(name string) {
	spec := b.specs[name]
	logger := b.logger.With("pipeline", name)
	logger.Info("Building pipeline from configuration")

	source, isConnector := b.buildSource(name, spec)
	if isConnector && source == nil {
		logger.Error("Connected pipeline failed to build, skipping pipeline and its connected pipelines")
		b.removeIfRequired(name)
		return
	}

	var buf plugin.Buffer
	if source != nil {
		var err error
		buf, err = b.registry.LoadBuffer(b.setting(*spec.Buffer, name, spec.Workers), b.deps)
		if err != nil {
			b.collect(name, errors.ComponentBuffer, spec.Buffer.Name, err)
		}
	}

	groups := b.buildProcessors(name, spec)
	sinks := b.buildSinks(name, spec)
	routes := b.validateRoutes(name, spec)

	if len(b.report.ForPipeline(name)) == 0 {
		groups = b.decorate(name, spec, groups)
	}

	if errs := b.report.ForPipeline(name); len(errs) > 0 {
		logger.Error("One or more plugins are not configured correctly, skipping pipeline and its connected pipelines",
			"errors", len(errs))
		b.removeIfRequired(name)
		return
	}

	if !isConnector && !buf.IsWrittenOffHeapOnly() {
		if breaker, ok := b.globalBreaker(); ok {
			buf = buffer.NewCircuitBreaking(buf, breaker)
		}
	}

	var drainables []pipeline.Drainable
	if b.provider != nil {
		receive := b.provider.ReceiveBuffers(name)
		secondaries := make([]plugin.Buffer, len(receive))
		for i, rb := range receive {
			secondaries[i] = rb
			drainables = append(drainables, rb)
		}
		logger.Info("Constructing multi-buffer", "secondary_buffers", len(secondaries))
		buf = buffer.NewMultiBuffer(buf, secondaries...)
	}

	processorSets := make([][]plugin.Processor, len(groups))
	for i, g := range groups {
		processorSets[i] = g.instances
	}

	var routeEvaluator *router.RouteEventEvaluator
	if len(routes) > 0 {
		routeEvaluator = router.NewRouteEventEvaluator(routes, b.evaluator, logger, b.metrics)
	}

	acks := false
	if a, ok := source.(plugin.Acknowledgeable); ok {
		acks = a.AcknowledgementsEnabled()
	}

	var drainTimeout time.Duration
	if b.provider != nil {
		drainTimeout = b.provider.Config().DrainTimeout
	}

	p, err := pipeline.New(pipeline.Config{
		Name:                      name,
		Source:                    source,
		Buffer:                    buf,
		ProcessorSets:             processorSets,
		Sinks:                     sinks,
		Router:                    router.New[*pipeline.NamedSink](routeEvaluator, router.DefaultNoRouteHandler(logger, b.metrics, name)),
		Workers:                   spec.Workers,
		ReadBatchDelay:            spec.Delay.Duration(),
		ProcessorShutdownTimeout:  b.processorShutdownTimeout,
		SinkShutdownTimeout:       b.sinkShutdownTimeout,
		PeerForwarderDrainTimeout: drainTimeout,
		ReceiveBuffers:            drainables,
		Acknowledgements:          acks,
		Logger:                    b.logger,
		Metrics:                   b.metrics,
	})
	if err != nil {
		b.collect(name, errors.ComponentPipeline, "", err)
		logger.Error("Pipeline construction failed, skipping pipeline and its connected pipelines", "error", err)
		b.removeIfRequired(name)
		return
	}

	b.built[name] = p
	logger.Info("Pipeline built", "workers", spec.Workers, "processors", len(processorSets), "sinks", len(sinks))
}

// buildSource returns the source. For a connector source the upstream
// pipeline is built first; a nil source with isConnector set means it
// failed.
func (b *build) buildSource(name string, spec *PipelineSpec) (source plugin.Source, isConnector bool) {
	upstream, ok := spec.UpstreamPipeline()
	if !ok {
		src, err := b.registry.LoadSource(b.setting(spec.Source, name, spec.Workers), b.deps)
		if err != nil {
			b.collect(name, errors.ComponentSource, spec.Source.Name, err)
			return nil, false
		}
		return src, false
	}

	if _, ready := b.connectors[name]; !ready {
		if _, pending := b.specs[upstream]; pending {
			b.logger.Info("Source requires building its upstream pipeline", "pipeline", name, "upstream", upstream)
			b.buildPipeline(upstream)
		}
	}

	up, built := b.built[upstream]
	connector, found := b.connectors[name]
	if !built || !found {
		return nil, true
	}
	connector.SetSourcePipelineName(upstream)
	if up.AcknowledgementsEnabled() {
		connector.EnableAcknowledgements()
	}
	return connector, true
}

func (b *build) buildProcessors(name string, spec *PipelineSpec) []processorGroup {
	groups := make([]processorGroup, 0, len(spec.Processors))
	ids := make(map[string]int)

	for _, ps := range spec.Processors {
		instances, err := b.registry.LoadProcessors(b.setting(ps, name, spec.Workers), b.deps)
		if err != nil {
			b.collect(name, errors.ComponentProcessor, ps.Name, err)
			continue
		}

		pluginID := ps.Name
		if n := ids[ps.Name]; n > 0 {
			pluginID = fmt.Sprintf("%s_%d", ps.Name, n)
		}
		ids[ps.Name]++

		reg, _ := b.registry.Lookup(plugin.KindProcessor, ps.Name)
		groups = append(groups, processorGroup{
			name:       ps.Name,
			pluginID:   pluginID,
			instances:  instances,
			forwarding: reg != nil && reg.RequiresPeerForwarding,
		})
	}
	return groups
}

// decorate wraps the groups whose plugin needs peer forwarding
func (b *build) decorate(name string, spec *PipelineSpec, groups []processorGroup) []processorGroup {
	for i, g := range groups {
		if !g.forwarding {
			continue
		}
		decorated, err := peerforwarder.DecorateProcessors(g.instances, b.provider, name, g.pluginID, spec.Workers)
		if err != nil {
			b.collect(name, errors.ComponentProcessor, g.name, err)
			continue
		}
		groups[i].instances = decorated
	}
	return groups
}

func (b *build) buildSinks(name string, spec *PipelineSpec) []router.DataFlowComponent[*pipeline.NamedSink] {
	sinks := make([]router.DataFlowComponent[*pipeline.NamedSink], 0, len(spec.Sinks))
	for _, ss := range spec.Sinks {
		if downstream, ok := ss.ConnectedPipeline(); ok {
			connector := pipeline.NewConnector(downstream, 0, b.logger)
			b.connectors[downstream] = connector
			sinks = append(sinks, router.NewDataFlowComponent(
				&pipeline.NamedSink{Name: pipeline.ConnectorPrefix + ":" + downstream, Sink: connector},
				ss.Routes...))
			continue
		}

		sink, err := b.registry.LoadSink(b.setting(ss.PluginSpec, name, spec.Workers), b.deps)
		if err != nil {
			b.collect(name, errors.ComponentSink, ss.Name, err)
			continue
		}
		sinks = append(sinks, router.NewDataFlowComponent(&pipeline.NamedSink{Name: ss.Name, Sink: sink}, ss.Routes...))
	}
	return sinks
}

// validateRoutes checks every route expression and that sinks only name
// defined routes
func (b *build) validateRoutes(name string, spec *PipelineSpec) []router.Route {
	routes := make([]router.Route, 0, len(spec.Routes))
	defined := make(map[string]struct{}, len(spec.Routes))
	for _, rs := range spec.Routes {
		r := rs.Route()
		if _, dup := defined[r.Name]; dup {
			b.collect(name, errors.ComponentRoute, r.Name, errors.WrapInvalid(
				fmt.Errorf("%w: route %q defined twice", errors.ErrInvalidRoute, r.Name),
				"Transformer", "validateRoutes", "route validation"))
			continue
		}
		defined[r.Name] = struct{}{}
		if err := r.Validate(b.evaluator); err != nil {
			b.collect(name, errors.ComponentRoute, r.Name, err)
			continue
		}
		routes = append(routes, r)
	}

	for _, ss := range spec.Sinks {
		for _, route := range ss.Routes {
			if _, ok := defined[route]; !ok {
				b.collect(name, errors.ComponentSink, ss.Name, errors.WrapInvalid(
					fmt.Errorf("%w: sink %q names undefined route %q", errors.ErrInvalidRoute, ss.Name, route),
					"Transformer", "validateRoutes", "sink route validation"))
			}
		}
	}
	return routes
}

func (b *build) globalBreaker() (circuitbreaker.CircuitBreaker, bool) {
	if b.breakers == nil {
		return nil, false
	}
	return b.breakers.GetGlobalCircuitBreaker()
}

// removeIfRequired drops a pipeline that has not been removed yet along
// with every pipeline connected to it, so no connector is left without
// its other end
func (b *build) removeIfRequired(name string) {
	spec, ok := b.specs[name]
	if !ok {
		return
	}
	delete(b.specs, name)
	delete(b.built, name)
	delete(b.connectors, name)
	if b.provider != nil {
		b.provider.Unregister(name)
	}

	if upstream, ok := spec.UpstreamPipeline(); ok {
		b.removeIfRequired(upstream)
	}
	for _, downstream := range spec.DownstreamPipelines() {
		b.removeIfRequired(downstream)
	}
}
