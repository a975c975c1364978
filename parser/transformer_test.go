package parser

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/circuitbreaker"
	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/peerforwarder"
	"github.com/c360/eventpipe/pipeline"
	"github.com/c360/eventpipe/pkg/buffer"
	"github.com/c360/eventpipe/plugin"
)

type fakeSource struct{ acks bool }

func (s *fakeSource) Start(context.Context, plugin.Buffer) error { return nil }
func (s *fakeSource) Stop()                                      {}
func (s *fakeSource) AcknowledgementsEnabled() bool              { return s.acks }

type fakeSink struct{}

func (fakeSink) Initialize() error                       { return nil }
func (fakeSink) IsReady() bool                           { return true }
func (fakeSink) Output(context.Context, []*event.Record) {}
func (fakeSink) Shutdown()                               {}

type fakeProcessor struct{ keys []string }

func (p *fakeProcessor) Execute(_ context.Context, r []*event.Record) []*event.Record { return r }
func (p *fakeProcessor) PrepareForShutdown()                                          {}
func (p *fakeProcessor) IsReadyForShutdown() bool                                     { return true }
func (p *fakeProcessor) Shutdown()                                                    {}
func (p *fakeProcessor) IdentificationKeys() []string                                 { return p.keys }

// offHeapBuffer reports itself as written off heap
type offHeapBuffer struct {
	*buffer.Bounded[*event.Record]
}

func (offHeapBuffer) IsWrittenOffHeapOnly() bool { return true }

type breakers struct{ breaker circuitbreaker.CircuitBreaker }

func (b breakers) GetGlobalCircuitBreaker() (circuitbreaker.CircuitBreaker, bool) {
	return b.breaker, b.breaker != nil
}

type closedBreaker struct{}

func (closedBreaker) IsOpen() bool { return false }

var errBroken = stderrors.New("factory exploded")

func testRegistry(t *testing.T) *plugin.Registry {
	t.Helper()
	r := plugin.NewRegistry()
	must := func(reg *plugin.Registration) { require.NoError(t, r.Register(reg)) }

	must(&plugin.Registration{Kind: plugin.KindSource, Name: "random",
		Factory: func(s *plugin.Setting, _ plugin.Dependencies) (any, error) {
			acks, err := s.Bool("acknowledgments", false)
			return &fakeSource{acks: acks}, err
		}})
	must(&plugin.Registration{Kind: plugin.KindSource, Name: "broken",
		Factory: func(*plugin.Setting, plugin.Dependencies) (any, error) { return nil, errBroken }})
	must(&plugin.Registration{Kind: plugin.KindBuffer, Name: DefaultBufferPlugin,
		Factory: func(*plugin.Setting, plugin.Dependencies) (any, error) {
			return buffer.NewBounded[*event.Record](100, 10)
		}})
	must(&plugin.Registration{Kind: plugin.KindBuffer, Name: "off_heap",
		Factory: func(*plugin.Setting, plugin.Dependencies) (any, error) {
			b, err := buffer.NewBounded[*event.Record](100, 10)
			return offHeapBuffer{b}, err
		}})
	must(&plugin.Registration{Kind: plugin.KindSink, Name: "stdout",
		Factory: func(*plugin.Setting, plugin.Dependencies) (any, error) { return fakeSink{}, nil }})
	must(&plugin.Registration{Kind: plugin.KindSink, Name: "broken",
		Factory: func(*plugin.Setting, plugin.Dependencies) (any, error) { return nil, errBroken }})
	must(&plugin.Registration{Kind: plugin.KindProcessor, Name: "noop",
		Factory: func(*plugin.Setting, plugin.Dependencies) (any, error) { return &fakeProcessor{}, nil }})
	must(&plugin.Registration{Kind: plugin.KindProcessor, Name: "aggregate",
		RequiresPeerForwarding: true, SingleThreaded: true,
		Factory: func(s *plugin.Setting, _ plugin.Dependencies) (any, error) {
			keys, err := s.StringSlice("identification_keys", nil)
			return &fakeProcessor{keys: keys}, err
		}})
	return r
}

func transform(t *testing.T, doc string, opts ...Option) (map[string]*pipeline.Pipeline, *errors.PluginErrors) {
	t.Helper()
	cfg, err := FromYAML([]byte(doc))
	require.NoError(t, err)
	return NewTransformer(testRegistry(t), opts...).TransformConfiguration(cfg.Pipelines)
}

func TestTransform_SinglePipeline(t *testing.T) {
	built, report := transform(t, `
logs:
  workers: 2
  delay: 50ms
  source: {random: {}}
  processor: [{noop: {}}]
  sink: [{stdout: {}}]
`, WithCircuitBreakers(breakers{closedBreaker{}}), WithShutdownTimeouts(time.Second, 2*time.Second))

	assert.Zero(t, report.Len())
	require.Contains(t, built, "logs")
	p := built["logs"]
	assert.Equal(t, 2, p.Workers())
	assert.Equal(t, 50*time.Millisecond, p.ReadBatchDelay())
	assert.IsType(t, &buffer.CircuitBreaking[*event.Record]{}, p.Buffer())
	require.Len(t, p.ProcessorSets(), 1)
	assert.Len(t, p.ProcessorSets()[0], 1)
	require.Len(t, p.Sinks(), 1)
	assert.Equal(t, "stdout", p.Sinks()[0].Component.Name)
}

func TestTransform_OffHeapBufferSkipsCircuitBreaker(t *testing.T) {
	built, report := transform(t, `
logs:
  source: {random: {}}
  buffer: {off_heap: {}}
  sink: [{stdout: {}}]
`, WithCircuitBreakers(breakers{closedBreaker{}}))

	assert.Zero(t, report.Len())
	assert.IsType(t, offHeapBuffer{}, built["logs"].Buffer())
}

func TestTransform_Connector(t *testing.T) {
	built, report := transform(t, `
downstream:
  source:
    pipeline: {name: upstream}
  sink: [{stdout: {}}]
upstream:
  source: {random: {acknowledgments: true}}
  route:
    - important: '/level == "error"'
  sink:
    - pipeline: {name: downstream, routes: [important]}
    - stdout: {}
`, WithCircuitBreakers(breakers{closedBreaker{}}))

	require.Zero(t, report.Len(), report.Error())
	require.Len(t, built, 2)

	up, down := built["upstream"], built["downstream"]
	connector, ok := down.Source().(*pipeline.Connector)
	require.True(t, ok)
	assert.Equal(t, "upstream", connector.SourcePipelineName())
	assert.True(t, connector.AcknowledgementsEnabled())
	assert.True(t, down.AcknowledgementsEnabled())

	// the connector source bridges in process, so no circuit breaker
	assert.IsType(t, &buffer.Bounded[*event.Record]{}, down.Buffer())

	require.Len(t, up.Sinks(), 2)
	assert.Equal(t, "pipeline:downstream", up.Sinks()[0].Component.Name)
	assert.Same(t, connector, up.Sinks()[0].Component.Sink)
	assert.Equal(t, []string{"important"}, up.Sinks()[0].Routes)
}

func TestTransform_FailureIsScopedToPipeline(t *testing.T) {
	built, report := transform(t, `
good:
  source: {random: {}}
  sink: [{stdout: {}}]
bad:
  source: {broken: {}}
  processor: [{missing: {}}]
  sink: [{broken: {}}]
`)

	assert.Contains(t, built, "good")
	assert.NotContains(t, built, "bad")

	errs := report.ForPipeline("bad")
	require.Len(t, errs, 3)
	types := []string{errs[0].ComponentType, errs[1].ComponentType, errs[2].ComponentType}
	assert.ElementsMatch(t, []string{errors.ComponentSource, errors.ComponentProcessor, errors.ComponentSink}, types)
	assert.ErrorIs(t, report, errors.ErrUnknownPlugin)
	assert.ErrorIs(t, report, errBroken)
	assert.Empty(t, report.ForPipeline("good"))
}

func TestTransform_CascadingRemoval(t *testing.T) {
	built, report := transform(t, `
a:
  source: {random: {}}
  sink: [{pipeline: {name: b}}]
b:
  source: {pipeline: {name: a}}
  sink: [{pipeline: {name: c}}]
c:
  source: {pipeline: {name: b}}
  sink: [{broken: {}}]
independent:
  source: {random: {}}
  sink: [{stdout: {}}]
`)

	assert.Equal(t, []string{"independent"}, keys(built))
	require.Len(t, report.All(), 1)
	assert.Equal(t, "c", report.All()[0].Pipeline)
}

func TestTransform_InvalidRoutes(t *testing.T) {
	built, report := transform(t, `
logs:
  source: {random: {}}
  route:
    - broken: '/status >='
    - ok: '/status == 1'
  sink:
    - stdout: {routes: [ok, nowhere]}
`)

	assert.Empty(t, built)
	errs := report.ForPipeline("logs")
	require.Len(t, errs, 2)
	assert.Equal(t, errors.ComponentRoute, errs[0].ComponentType)
	assert.Equal(t, "broken", errs[0].PluginName)
	assert.ErrorIs(t, errs[0], errors.ErrInvalidRoute)
	assert.Equal(t, errors.ComponentSink, errs[1].ComponentType)
	assert.Contains(t, errs[1].Error(), "nowhere")
}

func TestTransform_ValidationFailureBuildsNothing(t *testing.T) {
	built, report := transform(t, `
a:
  source: {pipeline: {name: ghost}}
  sink: [{stdout: {}}]
b:
  source: {random: {}}
  sink: [{stdout: {}}]
`)

	assert.Empty(t, built)
	require.Equal(t, 1, report.Len())
	assert.ErrorIs(t, report, errors.ErrPipelineMissing)
}

func newProvider(t *testing.T) *peerforwarder.Provider {
	t.Helper()
	cfg := peerforwarder.DefaultConfig()
	cfg.NodeAddress = "10.0.0.1:21890"
	cfg.DrainTimeout = 3 * time.Second
	p, err := peerforwarder.NewProvider(cfg)
	require.NoError(t, err)
	return p
}

func TestTransform_StatefulProcessorsAreDecorated(t *testing.T) {
	provider := newProvider(t)
	built, report := transform(t, `
logs:
  workers: 3
  source: {random: {}}
  processor:
    - noop: {}
    - aggregate: {identification_keys: [user]}
    - aggregate: {identification_keys: [user]}
  sink: [{stdout: {}}]
`, WithPeerForwarder(provider))

	require.Zero(t, report.Len(), report.Error())
	p := built["logs"]

	sets := p.ProcessorSets()
	require.Len(t, sets, 3)
	assert.Len(t, sets[0], 1)
	assert.IsType(t, &fakeProcessor{}, sets[0][0])
	require.Len(t, sets[1], 3, "single threaded processors get one instance per worker")
	assert.IsType(t, &peerforwarder.ProcessingDecorator{}, sets[1][0])

	receive := provider.ReceiveBuffers("logs")
	require.Len(t, receive, 2)
	assert.Equal(t, "aggregate", receive[0].Plugin())
	assert.Equal(t, "aggregate_1", receive[1].Plugin())

	multi, ok := p.Buffer().(*buffer.MultiBuffer[*event.Record])
	require.True(t, ok)
	assert.Len(t, multi.Secondaries(), 2)
	assert.Equal(t, 3*time.Second, p.PeerForwarderDrainTimeout())
}

func TestTransform_RemovedPipelineUnregistersPeerForwarding(t *testing.T) {
	provider := newProvider(t)
	built, report := transform(t, `
entry:
  source: {random: {}}
  processor:
    - aggregate: {identification_keys: [user]}
  sink: [{pipeline: {name: exit}}]
exit:
  source: {pipeline: {name: entry}}
  sink: [{broken: {}}]
`, WithPeerForwarder(provider))

	assert.Empty(t, built)
	assert.Equal(t, 1, report.Len())
	assert.Empty(t, provider.ReceiveBuffers("entry"))
	assert.False(t, provider.IsPeerForwardingRequired())
}

func TestTransform_StatefulProcessorWithoutKeysFails(t *testing.T) {
	built, report := transform(t, `
logs:
  source: {random: {}}
  processor: [{aggregate: {}}]
  sink: [{stdout: {}}]
`, WithPeerForwarder(newProvider(t)))

	assert.Empty(t, built)
	require.Equal(t, 1, report.Len())
	assert.Equal(t, errors.ComponentProcessor, report.All()[0].ComponentType)
}

func keys(m map[string]*pipeline.Pipeline) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
