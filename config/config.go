package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/eventpipe/circuitbreaker"
	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/peerforwarder"
)

// Server defaults
const (
	DefaultProcessorShutdownTimeout = 10 * time.Second
	DefaultSinkShutdownTimeout      = 10 * time.Second
	DefaultMetricsPort              = 9090
	DefaultMetricsPath              = "/metrics"
	DefaultNATSURL                  = "nats://localhost:4222"
	DefaultReconnectWait            = 2 * time.Second
)

// Config is the server configuration. Pipelines live in their own file.
type Config struct {
	ProcessorShutdownTimeout time.Duration         `yaml:"processor_shutdown_timeout" json:"processor_shutdown_timeout"`
	SinkShutdownTimeout      time.Duration         `yaml:"sink_shutdown_timeout" json:"sink_shutdown_timeout"`
	CircuitBreakers          circuitbreaker.Config `yaml:"circuit_breakers" json:"circuit_breakers"`
	PeerForwarder            peerforwarder.Config  `yaml:"peer_forwarder" json:"peer_forwarder"`
	Metrics                  MetricsConfig         `yaml:"metrics" json:"metrics"`
	NATS                     NATSConfig            `yaml:"nats" json:"nats"`
}

// MetricsConfig controls the HTTP server exposing Prometheus metrics and
// the /health endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// NATSConfig defines NATS connection settings. NATS is only dialed when
// a plugin or the peer forwarder needs it.
type NATSConfig struct {
	URLs          []string      `yaml:"urls" json:"urls"`
	MaxReconnects int           `yaml:"max_reconnects" json:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`
	Username      string        `yaml:"username" json:"username,omitempty"`
	Password      string        `yaml:"password" json:"password,omitempty"`
	Token         string        `yaml:"token" json:"token,omitempty"`
	TLS           NATSTLSConfig `yaml:"tls" json:"tls"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file" json:"key_file,omitempty"`
	CAFile   string `yaml:"ca_file" json:"ca_file,omitempty"`
}

// URL joins the server URLs the way nats.Connect accepts them
func (n NATSConfig) URL() string {
	return strings.Join(n.URLs, ",")
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := &Config{Metrics: MetricsConfig{Enabled: true}}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	if c.ProcessorShutdownTimeout == 0 {
		c.ProcessorShutdownTimeout = DefaultProcessorShutdownTimeout
	}
	if c.SinkShutdownTimeout == 0 {
		c.SinkShutdownTimeout = DefaultSinkShutdownTimeout
	}
	if c.CircuitBreakers.Heap != nil {
		c.CircuitBreakers.Heap.ApplyDefaults()
	}
	c.PeerForwarder.ApplyDefaults()

	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if len(c.NATS.URLs) == 0 {
		c.NATS.URLs = []string{DefaultNATSURL}
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = DefaultReconnectWait
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.ProcessorShutdownTimeout < 0 || c.SinkShutdownTimeout < 0 {
		return invalid("shutdown timeouts must not be negative")
	}
	if c.CircuitBreakers.Heap != nil {
		if err := c.CircuitBreakers.Heap.Validate(); err != nil {
			return errors.Wrap(err, "Config", "Validate", "circuit_breakers.heap")
		}
	}
	if err := c.PeerForwarder.Validate(); err != nil {
		return errors.Wrap(err, "Config", "Validate", "peer_forwarder")
	}

	if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
		return err
	}
	if c.Metrics.Path == "/health" || !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid(fmt.Sprintf("metrics.path %q is not usable", c.Metrics.Path))
	}
	if c.Metrics.Enabled && c.Metrics.Port == c.PeerForwarder.Port {
		return invalid(fmt.Sprintf("metrics.port %d is used by the peer forwarder", c.Metrics.Port))
	}

	return c.validateNATS()
}

func (c *Config) validateNATS() error {
	for _, raw := range c.NATS.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return invalid(fmt.Sprintf("nats.urls: bad url %q", raw))
		}
		switch u.Scheme {
		case "nats", "tls", "ws", "wss":
		default:
			return invalid(fmt.Sprintf("nats.urls: unsupported scheme %q", u.Scheme))
		}
	}
	if c.NATS.Token != "" && c.NATS.Username != "" {
		return invalid("nats: token and username are mutually exclusive")
	}
	if c.NATS.TLS.Enabled && (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return invalid("nats.tls: cert_file and key_file must be set together")
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return invalid(fmt.Sprintf("%s %d out of range", field, port))
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "Config", "Validate", "validation")
}

// String renders the configuration as YAML with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.NATS.Password = mask(masked.NATS.Password)
	masked.NATS.Token = mask(masked.NATS.Token)
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}
