package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/eventpipe/errors"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "EVENTPIPE"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override
// earlier ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment override prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	merged := map[string]any{}
	for _, path := range l.layers {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "read "+path)
		}
		raw, err := decodeRaw(data)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "parse "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}
	return l.build(merged)
}

// LoadYAML loads configuration from a document on top of the defaults
func (l *Loader) LoadYAML(data []byte) (*Config, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "LoadYAML", "parse")
	}
	return l.build(raw)
}

func (l *Loader) build(raw map[string]any) (*Config, error) {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if len(raw) > 0 {
		data, err := yaml.Marshal(raw)
		if err != nil {
			return nil, errors.Wrap(err, "Loader", "build", "re-encode merged layers")
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
				"Loader", "build", "decode configuration")
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// FromFile loads a server configuration file with environment overrides
func FromFile(path string) (*Config, error) {
	return NewLoader().LoadFile(path)
}

// FromYAML parses a server configuration document with environment
// overrides
func FromYAML(data []byte) (*Config, error) {
	return NewLoader().LoadYAML(data)
}

// decodeRaw parses YAML or JSON into a generic map. An empty document is
// an empty map.
func decodeRaw(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, target *string) error {
		key := l.envPrefix + "_" + name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			return nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		*target = val
		return nil
	}
	num := func(name string, target *int) error {
		var s string
		if err := str(name, &s); err != nil || s == "" {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s_%s=%q is not a number", errors.ErrInvalidConfig, l.envPrefix, name, s),
				"Loader", "applyEnvOverrides", "parse override")
		}
		*target = n
		return nil
	}

	var urls, endpoints string
	overrides := []error{
		str("NATS_URLS", &urls),
		str("NATS_USERNAME", &cfg.NATS.Username),
		str("NATS_PASSWORD", &cfg.NATS.Password),
		str("NATS_TOKEN", &cfg.NATS.Token),
		num("METRICS_PORT", &cfg.Metrics.Port),
		num("PEER_FORWARDER_PORT", &cfg.PeerForwarder.Port),
		str("PEER_FORWARDER_NODE_ADDRESS", &cfg.PeerForwarder.NodeAddress),
		str("PEER_FORWARDER_DISCOVERY_MODE", &cfg.PeerForwarder.DiscoveryMode),
		str("PEER_FORWARDER_STATIC_ENDPOINTS", &endpoints),
	}
	for _, err := range overrides {
		if err != nil {
			return err
		}
	}
	if urls != "" {
		cfg.NATS.URLs = splitList(urls)
	}
	if endpoints != "" {
		cfg.PeerForwarder.StaticEndpoints = splitList(endpoints)
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
