package dropevents

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/expression"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/plugin"
)

func TestConfigValidate(t *testing.T) {
	evaluator := expression.NewEvaluator()

	cfg := DefaultConfig()
	assert.True(t, errors.IsInvalid(cfg.Validate(evaluator)))

	cfg.DropWhen = `/level ==`
	assert.True(t, errors.IsInvalid(cfg.Validate(evaluator)))

	cfg.DropWhen = `/level == "DEBUG"`
	assert.NoError(t, cfg.Validate(evaluator))
	assert.Error(t, cfg.Validate(nil))

	cfg.HandleFailedEvents = "explode"
	assert.Error(t, cfg.Validate(evaluator))
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name        string
		failed      string
		wantKept    []string
		wantDropped int64
	}{
		{"failures kept", FailedKeep, []string{"keep", "broken"}, 1},
		{"failures dropped", FailedDrop, []string{"keep"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(Config{DropWhen: `/latency > 100`, HandleFailedEvents: tt.failed},
				"p", expression.NewEvaluator(), nil)
			require.NoError(t, err)

			var acks []bool
			mk := func(id string, latency any) *event.Record {
				e := event.New("log", map[string]any{"id": id, "latency": latency})
				e.SetHandle(event.NewCallbackHandle(func(ok bool) { acks = append(acks, ok) }))
				return event.NewRecord(e)
			}
			in := []*event.Record{mk("keep", 5), mk("drop", 500), mk("broken", "slow"), event.NewRecord("raw")}

			out := p.Execute(context.Background(), in)

			var kept []string
			for _, e := range event.Events(out) {
				id, _ := e.GetString("id")
				kept = append(kept, id)
			}
			assert.Equal(t, tt.wantKept, kept)
			assert.Len(t, out, len(tt.wantKept)+1)
			assert.Equal(t, tt.wantDropped, p.Stats().Dropped)
			assert.Equal(t, int64(1), p.Stats().Failed)
			for _, ok := range acks {
				assert.True(t, ok)
			}
			assert.Len(t, acks, int(tt.wantDropped))
		})
	}
}

func TestMetricsSharedAcrossPipelines(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, Register(registry))
	metrics := metric.NewMetricsRegistry()
	deps := plugin.Dependencies{Evaluator: expression.NewEvaluator(), MetricsRegistry: metrics}

	attrs := map[string]any{"drop_when": `/level == "DEBUG"`}
	a, err := registry.LoadProcessors(plugin.NewSetting(PluginName, "a", attrs), deps)
	require.NoError(t, err)
	b, err := registry.LoadProcessors(plugin.NewSetting(PluginName, "b", attrs), deps)
	require.NoError(t, err)

	debug := func() []*event.Record {
		return []*event.Record{event.NewRecord(event.New("log", map[string]any{"level": "DEBUG"}))}
	}
	assert.Empty(t, a[0].Execute(context.Background(), debug()))
	assert.Empty(t, b[0].Execute(context.Background(), debug()))

	m, err := metricsFor(metrics)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("a", "dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("b", "dropped")))
}
