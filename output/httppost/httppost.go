// Package httppost provides a sink that POSTs each batch of events as a
// JSON array to an HTTP endpoint.
package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/pkg/retry"
	"github.com/c360/eventpipe/pkg/tlsutil"
	"github.com/c360/eventpipe/plugin"
)

// PluginName is the name the sink registers under
const PluginName = "http"

// TLSConfig configures client TLS for https endpoints
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Config holds configuration for the HTTP POST sink
type Config struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	// Timeout is in seconds
	Timeout     int        `yaml:"timeout"`
	RetryCount  int        `yaml:"retry_count"`
	ContentType string     `yaml:"content_type"`
	TLS         *TLSConfig `yaml:"tls"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url is required")
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url scheme must be http or https")
	}

	if c.Timeout < 0 || c.Timeout > 300 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 0 and 300 seconds")
	}

	if c.RetryCount < 0 || c.RetryCount > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"retry_count must be between 0 and 10")
	}

	if c.TLS != nil && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"tls cert_file and key_file must be set together")
	}
	return nil
}

// DefaultConfig returns default configuration for the HTTP POST sink
func DefaultConfig() Config {
	return Config{
		URL:         "http://localhost:8080/webhook",
		Headers:     make(map[string]string),
		Timeout:     30,
		RetryCount:  3,
		ContentType: "application/json",
	}
}

// statusError is a non-2xx response
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.status)
}

// Output sends events to an HTTP endpoint
type Output struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client
	retry      retry.Config

	messagesSent    atomic.Int64
	requestsRetried atomic.Int64
	errors          atomic.Int64
}

var _ plugin.Sink = (*Output)(nil)

// NewOutput creates the sink
func NewOutput(cfg Config, logger *slog.Logger) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(tlsutil.Config{
			CAFile:             cfg.TLS.CAFile,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			RequireClientCert:  cfg.TLS.CertFile != "",
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		})
		if err != nil {
			return nil, errors.Wrap(err, "Output", "NewOutput", "TLS configuration")
		}
		transport.TLSClientConfig = tlsConfig
	}

	h := &Output{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			Timeout:   time.Duration(cfg.Timeout) * time.Second,
			Transport: transport,
		},
		retry: retry.Config{
			MaxAttempts:  cfg.RetryCount + 1,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
			RetryIf:      retryable,
		},
	}
	return h, nil
}

// retryable retries network failures and 5xx or 429 responses
func retryable(err error) bool {
	var se *statusError
	if stderrors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return !errors.IsInvalid(err)
}

// Initialize has nothing to prepare; connections are made per request
func (h *Output) Initialize() error { return nil }

// IsReady is always true
func (h *Output) IsReady() bool { return true }

// Output posts the batch as one JSON array of event data
func (h *Output) Output(ctx context.Context, records []*event.Record) {
	events := event.Events(records)
	if len(events) == 0 {
		return
	}

	batch := make([]map[string]any, len(events))
	for i, e := range events {
		batch[i] = e.Data
	}
	body, err := json.Marshal(batch)
	if err != nil {
		h.errors.Add(1)
		h.logger.Error("Batch not serializable", "events", len(events), "error", err)
		h.release(events, false)
		return
	}

	attempts := 0
	err = retry.Do(ctx, h.retry, func() error {
		attempts++
		if attempts > 1 {
			h.requestsRetried.Add(1)
		}
		return h.send(ctx, body)
	})
	if err != nil {
		h.errors.Add(1)
		h.logger.Warn("HTTP POST failed", "url", h.cfg.URL, "attempts", attempts, "error", err)
		h.release(events, false)
		return
	}
	h.messagesSent.Add(int64(len(events)))
	h.release(events, true)
}

func (h *Output) release(events []*event.Event, success bool) {
	for _, e := range events {
		e.Release(success)
	}
}

// send sends a single HTTP POST request
func (h *Output) send(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return errors.WrapInvalid(err, "Output", "send", "build request")
	}

	req.Header.Set("Content-Type", h.cfg.ContentType)
	for key, value := range h.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// drain so the connection is reused
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, status: resp.Status}
	}
	return nil
}

// Shutdown closes idle connections
func (h *Output) Shutdown() {
	h.httpClient.CloseIdleConnections()
}

// Stats reports delivery counters
type Stats struct {
	MessagesSent    int64
	RequestsRetried int64
	Errors          int64
}

// Stats returns the current counters
func (h *Output) Stats() Stats {
	return Stats{
		MessagesSent:    h.messagesSent.Load(),
		RequestsRetried: h.requestsRetried.Load(),
		Errors:          h.errors.Load(),
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

// Register registers the HTTP POST sink with the given registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Kind:        plugin.KindSink,
		Name:        PluginName,
		Description: "HTTP POST sink sending event batches as JSON arrays",
		Factory:     Create,
	})
}
