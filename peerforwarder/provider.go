package peerforwarder

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/natsclient"
	"github.com/c360/eventpipe/pkg/tlsutil"
)

// Provider owns the peer-forwarding state of one node: the hash ring, the
// peer client pool, the receive buffers of every registered plugin and the
// server accepting batches from peers.
type Provider struct {
	cfg       Config
	self      string
	codec     Codec
	discovery Discovery
	ring      *Ring
	pool      *ClientPool
	server    *Server
	isLocal   func(string) bool

	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
	nc       *natsclient.Client
	factory  ClientFactory

	mu      sync.RWMutex
	buffers map[string]map[string]*ReceiveBuffer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ProviderOption configures a Provider
type ProviderOption func(*Provider)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the core metrics
func WithMetrics(metrics *metric.Metrics) ProviderOption {
	return func(p *Provider) { p.metrics = metrics }
}

// WithMetricsRegistry registers server pool metrics
func WithMetricsRegistry(registry *metric.MetricsRegistry) ProviderOption {
	return func(p *Provider) { p.registry = registry }
}

// WithNATSClient sets the connection used by the NATS transport and
// registry discovery
func WithNATSClient(nc *natsclient.Client) ProviderOption {
	return func(p *Provider) { p.nc = nc }
}

// WithClientFactory overrides the peer client factory
func WithClientFactory(factory ClientFactory) ProviderOption {
	return func(p *Provider) { p.factory = factory }
}

// WithDiscovery overrides the discovery built from the configuration
func WithDiscovery(d Discovery) ProviderOption {
	return func(p *Provider) { p.discovery = d }
}

// WithLocalAddressCheck overrides how peer addresses are matched to this
// node
func WithLocalAddressCheck(isLocal func(string) bool) ProviderOption {
	return func(p *Provider) { p.isLocal = isLocal }
}

// NewProvider validates cfg and builds the provider. Nothing runs until
// Start.
func NewProvider(cfg Config, opts ...ProviderOption) (*Provider, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Provider{
		cfg:     cfg,
		logger:  slog.Default(),
		buffers: make(map[string]map[string]*ReceiveBuffer),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "peer_forwarder")

	p.self = cfg.NodeAddress
	if p.self == "" {
		p.self = defaultNodeAddress(cfg.Port)
	}

	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	p.codec = codec

	var serverTLS *tls.Config
	if cfg.SSL {
		serverTLS, err = tlsutil.LoadServerTLSConfig(p.tlsConfig())
		if err != nil {
			return nil, errors.Wrap(err, "Provider", "NewProvider", "load server TLS")
		}
	}

	if p.factory == nil {
		p.factory, err = p.defaultClientFactory()
		if err != nil {
			return nil, err
		}
	}
	if p.discovery == nil {
		p.discovery, err = NewDiscovery(cfg, p.self, p.nc, p.logger)
		if err != nil {
			return nil, err
		}
	}
	var checker *LocalAddressChecker
	if p.isLocal == nil {
		checker = NewLocalAddressChecker(p.self)
		p.isLocal = checker.IsLocal
	}

	p.ring = NewRing(p.discovery, cfg.VirtualNodes, p.logger, p.metrics)
	if checker != nil {
		p.ring.OnUpdate(checker.Reset)
	}
	p.pool = NewClientPool(p.factory)
	p.server = NewServer(cfg, p, codec, serverTLS, p.nc, p.self, p.logger, p.metrics, p.registry)
	return p, nil
}

func (p *Provider) tlsConfig() tlsutil.Config {
	return tlsutil.Config{
		CertFile:           p.cfg.SSLCertificateFile,
		KeyFile:            p.cfg.SSLKeyFile,
		CAFile:             p.cfg.SSLCAFile,
		RequireClientCert:  p.cfg.MutualTLS,
		InsecureSkipVerify: p.cfg.SSLInsecureDisableVerification,
	}
}

func (p *Provider) defaultClientFactory() (ClientFactory, error) {
	if p.cfg.Transport == TransportNATS {
		if p.nc == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: transport nats needs a NATS connection", errors.ErrMissingConfig),
				"Provider", "NewProvider", "client factory")
		}
		return NATSClientFactory(p.nc, p.codec, p.cfg.RequestTimeout), nil
	}

	var clientTLS *tls.Config
	if p.cfg.SSL {
		var err error
		clientTLS, err = tlsutil.LoadClientTLSConfig(p.tlsConfig())
		if err != nil {
			return nil, errors.Wrap(err, "Provider", "NewProvider", "load client TLS")
		}
	}
	return HTTPClientFactory(p.codec, clientTLS, p.cfg.RequestTimeout, p.cfg.ClientThreadCount), nil
}

// Register creates the receive buffer and forwarder of one processor
// plugin. A pipeline plugin can register only once.
func (p *Provider) Register(pipeline, pluginID string, identificationKeys []string, workers int) (Forwarder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.buffers[pipeline][pluginID]; ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s/%s is already registered for peer forwarding", errors.ErrInvalidConfig, pipeline, pluginID),
			"Provider", "Register", "registration")
	}

	buf, err := NewReceiveBuffer(pipeline, pluginID, p.cfg.BufferSize, p.cfg.BatchSize, p.cfg.DrainTimeout, p.metrics)
	if err != nil {
		return nil, err
	}

	fwd, err := NewRemoteForwarder(RemoteForwarderConfig{
		Pipeline:           pipeline,
		Plugin:             pluginID,
		IdentificationKeys: identificationKeys,
		Workers:            workers,
		BatchSize:          p.cfg.ForwardingBatchSize,
		QueueDepth:         p.cfg.ForwardingBatchQueueDepth,
		BatchTimeout:       p.cfg.ForwardingBatchTimeout,
		RequestTimeout:     p.cfg.RequestTimeout,
		LocalWriteTimeout:  p.cfg.FailedForwardingRequestLocalWriteTimeout,
		SendConcurrency:    p.cfg.ClientThreadCount,
	}, p.ring, p.pool, buf, p.isLocal, p.logger, p.metrics)
	if err != nil {
		return nil, err
	}

	if p.buffers[pipeline] == nil {
		p.buffers[pipeline] = make(map[string]*ReceiveBuffer)
	}
	p.buffers[pipeline][pluginID] = buf
	p.logger.Info("Registered plugin for peer forwarding",
		"pipeline", pipeline, "plugin", pluginID, "identification_keys", identificationKeys)
	return fwd, nil
}

// ReceiveBuffer implements BufferLookup
func (p *Provider) ReceiveBuffer(pipeline, pluginID string) (*ReceiveBuffer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	buf, ok := p.buffers[pipeline][pluginID]
	return buf, ok
}

// ReceiveBuffers returns the receive buffers of a pipeline ordered by
// plugin id
func (p *Provider) ReceiveBuffers(pipeline string) []*ReceiveBuffer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.buffers[pipeline]))
	for id := range p.buffers[pipeline] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*ReceiveBuffer, len(ids))
	for i, id := range ids {
		out[i] = p.buffers[pipeline][id]
	}
	return out
}

// Unregister drops every receive buffer of a pipeline, used when the
// pipeline is removed after a construction failure
func (p *Provider) Unregister(pipeline string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.buffers, pipeline)
}

// IsPeerForwardingRequired reports whether any plugin registered
func (p *Provider) IsPeerForwardingRequired() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, plugins := range p.buffers {
		if len(plugins) > 0 {
			return true
		}
	}
	return false
}

// Config returns the validated configuration
func (p *Provider) Config() Config { return p.cfg }

// Self returns this node's peer address
func (p *Provider) Self() string { return p.self }

// Ring returns the hash ring holder
func (p *Provider) Ring() *Ring { return p.ring }

// Pool returns the peer client pool
func (p *Provider) Pool() *ClientPool { return p.pool }

// Server returns the server accepting forwarded batches
func (p *Provider) Server() *Server { return p.server }

// Start loads the first peer set, starts the server and the background
// ring refresh. With no registered plugin it does nothing.
func (p *Provider) Start(ctx context.Context) error {
	if !p.IsPeerForwardingRequired() {
		p.logger.Debug("No plugin requires peer forwarding")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if reg, ok := p.discovery.(*RegistryDiscovery); ok {
		if err := reg.Register(ctx); err != nil {
			cancel()
			return err
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			reg.Run(ctx)
		}()
	}

	if err := p.ring.Refresh(ctx); err != nil {
		// the refresh loop retries; until then everything stays local
		p.logger.Warn("Initial peer discovery failed", "error", err)
	}

	if err := p.server.Start(ctx); err != nil {
		cancel()
		p.wg.Wait()
		return err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.ring.Run(ctx, p.cfg.PeerRefreshInterval)
	}()

	p.logger.Info("Peer forwarder started", "self", p.self,
		"discovery", p.cfg.DiscoveryMode, "transport", p.cfg.Transport, "peers", p.ring.Snapshot().Size())
	return nil
}

// Stop stops the server, the background loops and closes peer clients
func (p *Provider) Stop(ctx context.Context) error {
	var errs []error
	if p.cancel != nil {
		if err := p.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		p.cancel()
		p.wg.Wait()
	}
	if err := p.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}
