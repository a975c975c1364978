package peerforwarder

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/eventpipe/errors"
)

// Discovery modes
const (
	DiscoveryLocalNode = "local_node"
	DiscoveryStatic    = "static"
	DiscoveryDNS       = "dns"
	DiscoveryRegistry  = "registry"
)

// Transports
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// Certificate sources
const (
	CertificateSourceFile = "file"
	CertificateSourceS3   = "s3"
	CertificateSourceACM  = "acm"
)

// Defaults
const (
	DefaultPort                                     = 21890
	DefaultRequestTimeout                           = 10 * time.Second
	DefaultServerThreadCount                        = 200
	DefaultMaxConnectionCount                       = 500
	DefaultMaxPendingRequests                       = 1024
	DefaultClientThreadCount                        = 200
	DefaultBatchSize                                = 48
	DefaultBufferSize                               = 512
	DefaultBatchDelay                               = 3 * time.Second
	DefaultDrainTimeout                             = 10 * time.Second
	DefaultForwardingBatchSize                      = DefaultBufferSize
	DefaultForwardingBatchQueueDepth                = 1
	DefaultForwardingBatchTimeout                   = 3 * time.Second
	DefaultFailedForwardingRequestLocalWriteTimeout = 500 * time.Millisecond
	DefaultPeerRefreshInterval                      = 10 * time.Second
	DefaultRegistryTTL                              = 30 * time.Second
	DefaultVirtualNodes                             = 128

	// ForwardPath is the HTTP path peers post batches to
	ForwardPath = "/event/forward"
)

// Config holds the peer_forwarder block of the server configuration
type Config struct {
	Port               int           `yaml:"port" json:"port"`
	RequestTimeout     time.Duration `yaml:"request_timeout" json:"request_timeout"`
	ServerThreadCount  int           `yaml:"server_thread_count" json:"server_thread_count"`
	MaxConnectionCount int           `yaml:"max_connection_count" json:"max_connection_count"`
	MaxPendingRequests int           `yaml:"max_pending_requests" json:"max_pending_requests"`

	SSL                            bool   `yaml:"ssl" json:"ssl"`
	SSLCertificateFile             string `yaml:"ssl_certificate_file" json:"ssl_certificate_file"`
	SSLKeyFile                     string `yaml:"ssl_key_file" json:"ssl_key_file"`
	SSLCAFile                      string `yaml:"ssl_ca_file" json:"ssl_ca_file"`
	SSLCertificateSource           string `yaml:"ssl_certificate_source" json:"ssl_certificate_source"`
	SSLInsecureDisableVerification bool   `yaml:"ssl_insecure_disable_verification" json:"ssl_insecure_disable_verification"`
	MutualTLS                      bool   `yaml:"mutual_tls" json:"mutual_tls"`

	DiscoveryMode   string        `yaml:"discovery_mode" json:"discovery_mode"`
	StaticEndpoints []string      `yaml:"static_endpoints" json:"static_endpoints"`
	DomainName      string        `yaml:"domain_name" json:"domain_name"`
	RegistryBucket  string        `yaml:"registry_bucket" json:"registry_bucket"`
	RegistryTTL     time.Duration `yaml:"registry_ttl" json:"registry_ttl"`

	// NodeAddress is how peers reach this node. Empty means the hostname.
	NodeAddress string `yaml:"node_address" json:"node_address"`

	ClientThreadCount int           `yaml:"client_thread_count" json:"client_thread_count"`
	BatchSize         int           `yaml:"batch_size" json:"batch_size"`
	BufferSize        int           `yaml:"buffer_size" json:"buffer_size"`
	BatchDelay        time.Duration `yaml:"batch_delay" json:"batch_delay"`
	DrainTimeout      time.Duration `yaml:"drain_timeout" json:"drain_timeout"`

	ForwardingBatchSize                      int           `yaml:"forwarding_batch_size" json:"forwarding_batch_size"`
	ForwardingBatchQueueDepth                int           `yaml:"forwarding_batch_queue_depth" json:"forwarding_batch_queue_depth"`
	ForwardingBatchTimeout                   time.Duration `yaml:"forwarding_batch_timeout" json:"forwarding_batch_timeout"`
	FailedForwardingRequestLocalWriteTimeout time.Duration `yaml:"failed_forwarding_requests_local_write_timeout" json:"failed_forwarding_requests_local_write_timeout"`

	// ExcludeIdentificationKeys lists key sets for which forwarding is
	// turned off. A processor is excluded when its keys equal one set.
	ExcludeIdentificationKeys [][]string `yaml:"exclude_identification_keys" json:"exclude_identification_keys"`

	Transport           string        `yaml:"transport" json:"transport"`
	Codec               string        `yaml:"codec" json:"codec"`
	PeerRefreshInterval time.Duration `yaml:"peer_refresh_interval" json:"peer_refresh_interval"`
	VirtualNodes        int           `yaml:"virtual_nodes" json:"virtual_nodes"`
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ServerThreadCount == 0 {
		c.ServerThreadCount = DefaultServerThreadCount
	}
	if c.MaxConnectionCount == 0 {
		c.MaxConnectionCount = DefaultMaxConnectionCount
	}
	if c.MaxPendingRequests == 0 {
		c.MaxPendingRequests = DefaultMaxPendingRequests
	}
	if c.SSLCertificateSource == "" {
		c.SSLCertificateSource = CertificateSourceFile
	}
	if c.DiscoveryMode == "" {
		c.DiscoveryMode = DiscoveryLocalNode
	}
	if c.RegistryTTL == 0 {
		c.RegistryTTL = DefaultRegistryTTL
	}
	if c.ClientThreadCount == 0 {
		c.ClientThreadCount = DefaultClientThreadCount
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BatchDelay == 0 {
		c.BatchDelay = DefaultBatchDelay
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.ForwardingBatchSize == 0 {
		c.ForwardingBatchSize = min(DefaultForwardingBatchSize, c.BufferSize)
	}
	if c.ForwardingBatchQueueDepth == 0 {
		c.ForwardingBatchQueueDepth = DefaultForwardingBatchQueueDepth
	}
	if c.ForwardingBatchTimeout == 0 {
		c.ForwardingBatchTimeout = DefaultForwardingBatchTimeout
	}
	if c.FailedForwardingRequestLocalWriteTimeout == 0 {
		c.FailedForwardingRequestLocalWriteTimeout = DefaultFailedForwardingRequestLocalWriteTimeout
	}
	if c.Transport == "" {
		c.Transport = TransportHTTP
	}
	if c.Codec == "" {
		c.Codec = CodecJSON
	}
	if c.PeerRefreshInterval == 0 {
		c.PeerRefreshInterval = DefaultPeerRefreshInterval
	}
	if c.VirtualNodes == 0 {
		c.VirtualNodes = DefaultVirtualNodes
	}
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
		"Config", "Validate", "peer forwarder configuration")
}

// Validate checks the configuration. Call ApplyDefaults first; zero values
// left in place are rejected.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return invalid("port %d out of range 0-65535", c.Port)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"server_thread_count", c.ServerThreadCount},
		{"max_connection_count", c.MaxConnectionCount},
		{"max_pending_requests", c.MaxPendingRequests},
		{"client_thread_count", c.ClientThreadCount},
		{"batch_size", c.BatchSize},
		{"buffer_size", c.BufferSize},
		{"forwarding_batch_size", c.ForwardingBatchSize},
		{"forwarding_batch_queue_depth", c.ForwardingBatchQueueDepth},
		{"virtual_nodes", c.VirtualNodes},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return invalid("%s must be positive, got %d", p.name, p.value)
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"request_timeout", c.RequestTimeout},
		{"drain_timeout", c.DrainTimeout},
		{"forwarding_batch_timeout", c.ForwardingBatchTimeout},
		{"failed_forwarding_requests_local_write_timeout", c.FailedForwardingRequestLocalWriteTimeout},
		{"peer_refresh_interval", c.PeerRefreshInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return invalid("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.BatchDelay < 0 {
		return invalid("batch_delay cannot be negative, got %s", c.BatchDelay)
	}
	if c.BufferSize < c.BatchSize {
		return invalid("buffer_size %d is smaller than batch_size %d", c.BufferSize, c.BatchSize)
	}
	// a forwarded batch lands in one WriteAll on the receiver and on the
	// local fallback, so it must fit the receive buffer
	if c.ForwardingBatchSize > c.BufferSize {
		return invalid("forwarding_batch_size %d is larger than buffer_size %d", c.ForwardingBatchSize, c.BufferSize)
	}

	switch c.DiscoveryMode {
	case DiscoveryLocalNode:
	case DiscoveryStatic:
		if len(c.StaticEndpoints) == 0 {
			return invalid("discovery_mode static requires static_endpoints")
		}
		for _, ep := range c.StaticEndpoints {
			if err := ValidateAddress(ep); err != nil {
				return invalid("static endpoint %q: %v", ep, err)
			}
		}
	case DiscoveryDNS:
		if strings.TrimSpace(c.DomainName) == "" {
			return invalid("discovery_mode dns requires domain_name")
		}
	case DiscoveryRegistry:
		if strings.TrimSpace(c.RegistryBucket) == "" {
			return invalid("discovery_mode registry requires registry_bucket")
		}
		if c.RegistryTTL <= 0 {
			return invalid("registry_ttl must be positive")
		}
	default:
		return invalid("unknown discovery_mode %q", c.DiscoveryMode)
	}

	if c.SSL {
		switch c.SSLCertificateSource {
		case CertificateSourceFile:
		case CertificateSourceS3, CertificateSourceACM:
			return invalid("ssl_certificate_source %q is not supported; provide PEM files with source %q",
				c.SSLCertificateSource, CertificateSourceFile)
		default:
			return invalid("unknown ssl_certificate_source %q", c.SSLCertificateSource)
		}
		if c.SSLCertificateFile == "" || c.SSLKeyFile == "" {
			return invalid("ssl requires ssl_certificate_file and ssl_key_file")
		}
	}

	switch c.Transport {
	case TransportHTTP, TransportNATS:
	default:
		return invalid("unknown transport %q", c.Transport)
	}
	switch c.Codec {
	case CodecJSON, CodecMsgpack:
	default:
		return invalid("unknown codec %q", c.Codec)
	}

	for _, keys := range c.ExcludeIdentificationKeys {
		if len(keys) == 0 {
			return invalid("exclude_identification_keys entries cannot be empty")
		}
	}
	return nil
}

// IsExcluded reports whether keys match one of the excluded key sets,
// ignoring order
func (c *Config) IsExcluded(keys []string) bool {
	for _, excluded := range c.ExcludeIdentificationKeys {
		if sameKeys(excluded, keys) {
			return true
		}
	}
	return false
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]int, len(a))
	for _, k := range a {
		set[k]++
	}
	for _, k := range b {
		if set[k] == 0 {
			return false
		}
		set[k]--
	}
	return true
}
