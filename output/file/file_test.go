package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/plugin"
)

func records(results *[]bool, data ...map[string]any) []*event.Record {
	out := make([]*event.Record, 0, len(data))
	for _, d := range data {
		e := event.New("log", d)
		e.SetHandle(event.NewCallbackHandle(func(ok bool) { *results = append(*results, ok) }))
		out = append(out, event.NewRecord(e))
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no directory", func(c *Config) { c.Directory = "" }},
		{"prefix with path", func(c *Config) { c.FilePrefix = "../escape" }},
		{"empty prefix", func(c *Config) { c.FilePrefix = "" }},
		{"raw format", func(c *Config) { c.Format = "raw" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestOutputJSONL(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Directory = filepath.Join(dir, "nested")
	out, err := NewOutput(cfg, nil)
	require.NoError(t, err)

	assert.False(t, out.IsReady())
	require.NoError(t, out.Initialize())
	assert.True(t, out.IsReady())

	var results []bool
	out.Output(context.Background(), records(&results, map[string]any{"n": 1}, map[string]any{"n": 2}))
	out.Shutdown()
	assert.False(t, out.IsReady())

	content, err := os.ReadFile(filepath.Join(cfg.Directory, "output.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"n":1}`, lines[0])
	assert.JSONEq(t, `{"n":2}`, lines[1])
	assert.Equal(t, []bool{true, true}, results)
	assert.Equal(t, int64(2), out.Stats().MessagesWritten)
}

func TestOutputAppendAndTruncate(t *testing.T) {
	dir := t.TempDir()
	write := func(appendMode bool, n int) {
		cfg := DefaultConfig()
		cfg.Directory = dir
		cfg.Append = appendMode
		out, err := NewOutput(cfg, nil)
		require.NoError(t, err)
		require.NoError(t, out.Initialize())
		var results []bool
		out.Output(context.Background(), records(&results, map[string]any{"n": n}))
		out.Shutdown()
	}
	path := filepath.Join(dir, "output.jsonl")

	write(true, 1)
	write(true, 2)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(content), "\n"))

	write(false, 3)
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, strings.TrimSpace(string(content)))
}

func TestOutputPrettyJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Directory = t.TempDir()
	cfg.Format = FormatJSON
	out, err := NewOutput(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, out.Initialize())

	var results []bool
	out.Output(context.Background(), records(&results, map[string]any{"k": "v"}))
	out.Shutdown()

	content, err := os.ReadFile(filepath.Join(cfg.Directory, "output.json"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "\n  \"k\"")
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(content, &decoded))
	assert.Equal(t, "v", decoded["k"])
}

func TestOutputBeforeInitializeFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Directory = t.TempDir()
	out, err := NewOutput(cfg, nil)
	require.NoError(t, err)

	var results []bool
	out.Output(context.Background(), records(&results, map[string]any{"n": 1}, map[string]any{"bad": func() {}}))
	assert.Equal(t, []bool{false, false}, results)
	assert.Equal(t, int64(2), out.Stats().Errors)
}

func TestOutputUnserializableEvent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Directory = t.TempDir()
	out, err := NewOutput(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, out.Initialize())
	defer out.Shutdown()

	var results []bool
	out.Output(context.Background(), records(&results, map[string]any{"bad": make(chan int)}, map[string]any{"n": 1}))
	assert.Equal(t, []bool{false, true}, results)
}

func TestRegister(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, Register(registry))

	sink, err := registry.LoadSink(plugin.NewSetting(PluginName, "p", map[string]any{
		"directory": t.TempDir(),
		"format":    "json",
		"append":    false,
	}), plugin.Dependencies{})
	require.NoError(t, err)
	out, ok := sink.(*Output)
	require.True(t, ok)
	assert.Equal(t, FormatJSON, out.cfg.Format)
	assert.False(t, out.cfg.Append)

	_, err = registry.LoadSink(plugin.NewSetting(PluginName, "p", map[string]any{"format": "xml"}), plugin.Dependencies{})
	assert.Error(t, err)
}
