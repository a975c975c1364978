package peerforwarder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/errors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 21890, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 200, cfg.ServerThreadCount)
	assert.Equal(t, 500, cfg.MaxConnectionCount)
	assert.Equal(t, 1024, cfg.MaxPendingRequests)
	assert.Equal(t, 48, cfg.BatchSize)
	assert.Equal(t, 512, cfg.BufferSize)
	assert.Equal(t, 3*time.Second, cfg.BatchDelay)
	assert.Equal(t, 512, cfg.ForwardingBatchSize)
	assert.LessOrEqual(t, cfg.ForwardingBatchSize, cfg.BufferSize)
	assert.Equal(t, 500*time.Millisecond, cfg.FailedForwardingRequestLocalWriteTimeout)
	assert.Equal(t, 128, cfg.VirtualNodes)
	assert.Equal(t, DiscoveryLocalNode, cfg.DiscoveryMode)
	assert.Equal(t, TransportHTTP, cfg.Transport)
	assert.Equal(t, CodecJSON, cfg.Codec)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port out of range", func(c *Config) { c.Port = 70000 }, "port"},
		{"negative buffer size", func(c *Config) { c.BufferSize = -1 }, "buffer_size"},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = -time.Second }, "request_timeout"},
		{"buffer below batch", func(c *Config) { c.BufferSize = 10; c.BatchSize = 20 }, "smaller than batch_size"},
		{"forwarding batch above buffer", func(c *Config) { c.ForwardingBatchSize = c.BufferSize + 1 }, "larger than buffer_size"},
		{"negative batch delay", func(c *Config) { c.BatchDelay = -time.Second }, "batch_delay"},
		{"static without endpoints", func(c *Config) { c.DiscoveryMode = DiscoveryStatic }, "static_endpoints"},
		{"static with bad endpoint", func(c *Config) {
			c.DiscoveryMode = DiscoveryStatic
			c.StaticEndpoints = []string{"node-a:99999"}
		}, "static endpoint"},
		{"dns without domain", func(c *Config) { c.DiscoveryMode = DiscoveryDNS }, "domain_name"},
		{"registry without bucket", func(c *Config) { c.DiscoveryMode = DiscoveryRegistry }, "registry_bucket"},
		{"unknown discovery", func(c *Config) { c.DiscoveryMode = "gossip" }, "discovery_mode"},
		{"ssl without files", func(c *Config) { c.SSL = true }, "ssl_certificate_file"},
		{"ssl from acm", func(c *Config) {
			c.SSL = true
			c.SSLCertificateSource = CertificateSourceACM
		}, "not supported"},
		{"unknown transport", func(c *Config) { c.Transport = "grpc" }, "transport"},
		{"unknown codec", func(c *Config) { c.Codec = "avro" }, "codec"},
		{"empty exclusion", func(c *Config) { c.ExcludeIdentificationKeys = [][]string{{}} }, "exclude_identification_keys"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyDefaultsFitsForwardingBatchToSmallBuffer(t *testing.T) {
	cfg := Config{BufferSize: 100, BatchSize: 10}
	cfg.ApplyDefaults()

	assert.Equal(t, 100, cfg.ForwardingBatchSize)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidateAcceptsDiscoveryModes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DiscoveryMode = DiscoveryStatic
	cfg.StaticEndpoints = []string{"10.0.0.1", "node-b:21890"}
	require.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DiscoveryMode = DiscoveryDNS
	cfg.DomainName = "peers.eventpipe.svc"
	require.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DiscoveryMode = DiscoveryRegistry
	cfg.RegistryBucket = "eventpipe_peers"
	require.NoError(t, cfg.Validate())
}

func TestConfigIsExcluded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExcludeIdentificationKeys = [][]string{{"host", "port"}, {"user"}}

	assert.True(t, cfg.IsExcluded([]string{"user"}))
	assert.True(t, cfg.IsExcluded([]string{"port", "host"}))
	assert.False(t, cfg.IsExcluded([]string{"host"}))
	assert.False(t, cfg.IsExcluded([]string{"host", "port", "user"}))
	assert.False(t, cfg.IsExcluded([]string{"user", "user"}))
}
