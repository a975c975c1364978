package addentries

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/expression"
	"github.com/c360/eventpipe/plugin"
)

func run(t *testing.T, p *Processor, data map[string]any) *event.Event {
	t.Helper()
	e := event.New("log", data)
	out := p.Execute(context.Background(), []*event.Record{event.NewRecord(e)})
	require.Len(t, out, 1)
	return e
}

func TestConfigValidate(t *testing.T) {
	evaluator := expression.NewEvaluator()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no entries", Config{}},
		{"no key", Config{Entries: []Entry{{Value: 1}}}},
		{"value and value_from", Config{Entries: []Entry{{Key: "a", Value: 1, ValueFrom: "/b"}}}},
		{"bad condition", Config{Entries: []Entry{{Key: "a", Value: 1, AddWhen: "/x =="}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate(evaluator)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestExecute(t *testing.T) {
	p, err := New(Config{Entries: []Entry{
		{Key: "env", Value: "prod"},
		{Key: "level", Value: "INFO"},
		{Key: "source", Value: "edge", OverwriteIfKeyExists: true},
		{Key: "meta/copied", ValueFrom: "/host"},
		{Key: "alert", Value: true, AddWhen: `/status >= 500`},
	}}, expression.NewEvaluator(), nil)
	require.NoError(t, err)

	e := run(t, p, map[string]any{"level": "ERROR", "source": "app", "host": "web-1", "status": 503})
	assert.Equal(t, "prod", e.Data["env"])
	assert.Equal(t, "ERROR", e.Data["level"])
	assert.Equal(t, "edge", e.Data["source"])
	copied, _ := e.GetString("/meta/copied")
	assert.Equal(t, "web-1", copied)
	assert.Equal(t, true, e.Data["alert"])

	e = run(t, p, map[string]any{"status": 200})
	assert.NotContains(t, e.Data, "alert")
	assert.Equal(t, "INFO", e.Data["level"])
	assert.Equal(t, int64(1), p.Failures())
}

func TestRegister(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, Register(registry))

	deps := plugin.Dependencies{Evaluator: expression.NewEvaluator()}
	procs, err := registry.LoadProcessors(plugin.NewSetting(PluginName, "p", map[string]any{
		"entries": []any{
			map[string]any{"key": "team", "value": "core", "add_when": `/env == "prod"`},
		},
	}), deps)
	require.NoError(t, err)
	require.Len(t, procs, 1)

	e := event.New("log", map[string]any{"env": "prod"})
	procs[0].Execute(context.Background(), []*event.Record{event.NewRecord(e)})
	assert.Equal(t, "core", e.Data["team"])

	_, err = registry.LoadProcessors(plugin.NewSetting(PluginName, "p", map[string]any{
		"entries": []any{map[string]any{"key": "team", "value": "core", "add_when": `/env ==`}},
	}), deps)
	assert.Error(t, err)
}
