package httppost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
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
		{"missing url", func(c *Config) { c.URL = "" }},
		{"bad scheme", func(c *Config) { c.URL = "ftp://example.com" }},
		{"timeout too large", func(c *Config) { c.Timeout = 301 }},
		{"negative retries", func(c *Config) { c.RetryCount = -1 }},
		{"too many retries", func(c *Config) { c.RetryCount = 11 }},
		{"cert without key", func(c *Config) { c.TLS = &TLSConfig{CertFile: "c.pem"} }},
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

	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestOutputPostsBatch(t *testing.T) {
	var received []map[string]any
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = server.URL
	cfg.Headers = map[string]string{"X-Token": "secret"}
	out, err := NewOutput(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, out.Initialize())
	defer out.Shutdown()

	var results []bool
	out.Output(context.Background(), records(&results, map[string]any{"n": 1}, map[string]any{"n": 2}))

	require.Len(t, received, 2)
	assert.Equal(t, float64(1), received[0]["n"])
	assert.Equal(t, "secret", headers.Get("X-Token"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, []bool{true, true}, results)
	assert.Equal(t, int64(2), out.Stats().MessagesSent)
}

func TestOutputRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = server.URL
	cfg.RetryCount = 3
	out, err := NewOutput(cfg, nil)
	require.NoError(t, err)

	var results []bool
	out.Output(context.Background(), records(&results, map[string]any{"n": 1}))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []bool{true}, results)
	assert.Equal(t, int64(2), out.Stats().RequestsRetried)
}

func TestOutputDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = server.URL
	out, err := NewOutput(cfg, nil)
	require.NoError(t, err)

	var results []bool
	out.Output(context.Background(), records(&results, map[string]any{"n": 1}))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []bool{false}, results)
	assert.Equal(t, int64(1), out.Stats().Errors)
}

func TestOutputGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = server.URL
	cfg.RetryCount = 1
	out, err := NewOutput(cfg, nil)
	require.NoError(t, err)

	var results []bool
	out.Output(context.Background(), records(&results, map[string]any{"n": 1}))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []bool{false}, results)
}

func TestRegister(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, Register(registry))

	sink, err := registry.LoadSink(plugin.NewSetting(PluginName, "p", map[string]any{
		"url":         "https://collector.example.com/ingest",
		"retry_count": 0,
		"headers":     map[string]any{"Authorization": "Bearer x"},
	}), plugin.Dependencies{})
	require.NoError(t, err)
	out, ok := sink.(*Output)
	require.True(t, ok)
	assert.Equal(t, 1, out.retry.MaxAttempts)
	assert.Equal(t, "Bearer x", out.cfg.Headers["Authorization"])
}
