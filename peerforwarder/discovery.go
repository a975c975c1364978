package peerforwarder

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/natsclient"
)

// Discovery lists the addresses of the peers in the cluster, this node
// included
type Discovery interface {
	CurrentPeers(ctx context.Context) ([]string, error)
}

// LocalNodeDiscovery reports this node only, which turns forwarding off
type LocalNodeDiscovery struct {
	Self string
}

// CurrentPeers returns the local node
func (d LocalNodeDiscovery) CurrentPeers(context.Context) ([]string, error) {
	return []string{d.Self}, nil
}

// StaticDiscovery reports a fixed endpoint list
type StaticDiscovery struct {
	endpoints []string
}

// NewStaticDiscovery appends port to endpoints that have none
func NewStaticDiscovery(endpoints []string, port int) *StaticDiscovery {
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, withPort(ep, port))
	}
	sort.Strings(out)
	return &StaticDiscovery{endpoints: out}
}

// CurrentPeers returns the endpoints
func (d *StaticDiscovery) CurrentPeers(context.Context) ([]string, error) {
	return append([]string(nil), d.endpoints...), nil
}

// Resolver looks up the addresses of a host
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSDiscovery resolves a domain name whose records list every peer
type DNSDiscovery struct {
	domain   string
	port     int
	resolver Resolver
}

// NewDNSDiscovery creates a DNS discovery. resolver may be nil for the
// system resolver.
func NewDNSDiscovery(domain string, port int, resolver Resolver) *DNSDiscovery {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DNSDiscovery{domain: domain, port: port, resolver: resolver}
}

// CurrentPeers resolves the domain
func (d *DNSDiscovery) CurrentPeers(ctx context.Context) ([]string, error) {
	hosts, err := d.resolver.LookupHost(ctx, d.domain)
	if err != nil {
		return nil, errors.WrapTransient(err, "DNSDiscovery", "CurrentPeers", "resolve "+d.domain)
	}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, withPort(h, d.port))
	}
	sort.Strings(out)
	return out, nil
}

// RegistryDiscovery keeps the peer list in a NATS key-value bucket. Every
// node puts its address under its own key and refreshes it before the
// bucket TTL expires it.
type RegistryDiscovery struct {
	client  *natsclient.Client
	bucket  string
	ttl     time.Duration
	self    string
	nodeID  string
	logger  *slog.Logger
	timeout time.Duration

	mu sync.Mutex
	kv jetstream.KeyValue
}

// NewRegistryDiscovery creates a registry discovery for self
func NewRegistryDiscovery(client *natsclient.Client, bucket string, ttl time.Duration, self string, logger *slog.Logger) (*RegistryDiscovery, error) {
	if client == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: registry discovery needs a NATS connection", errors.ErrMissingConfig),
			"RegistryDiscovery", "NewRegistryDiscovery", "client validation")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistryDiscovery{
		client:  client,
		bucket:  bucket,
		ttl:     ttl,
		self:    self,
		nodeID:  uuid.NewString(),
		logger:  logger,
		timeout: 5 * time.Second,
	}, nil
}

// NodeID returns the key this node registers under
func (d *RegistryDiscovery) NodeID() string {
	return d.nodeID
}

func (d *RegistryDiscovery) bucketHandle(ctx context.Context) (jetstream.KeyValue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.kv != nil {
		return d.kv, nil
	}
	kv, err := d.client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      d.bucket,
		Description: "eventpipe peer registry",
		TTL:         d.ttl,
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "RegistryDiscovery", "bucket", "open bucket "+d.bucket)
	}
	d.kv = kv
	return kv, nil
}

// Register puts this node's address in the bucket
func (d *RegistryDiscovery) Register(ctx context.Context) error {
	kv, err := d.bucketHandle(ctx)
	if err != nil {
		return err
	}
	if _, err := kv.PutString(ctx, d.nodeID, d.self); err != nil {
		return errors.WrapTransient(err, "RegistryDiscovery", "Register", "put node address")
	}
	return nil
}

// Deregister removes this node from the bucket
func (d *RegistryDiscovery) Deregister(ctx context.Context) error {
	kv, err := d.bucketHandle(ctx)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, d.nodeID); err != nil && !stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "RegistryDiscovery", "Deregister", "delete node address")
	}
	return nil
}

// Run registers this node and refreshes the entry at a third of the TTL
// until ctx is done, then deregisters.
func (d *RegistryDiscovery) Run(ctx context.Context) {
	interval := d.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	if err := d.Register(ctx); err != nil {
		d.logger.Warn("Peer registration failed", "bucket", d.bucket, "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := d.Deregister(cleanupCtx); err != nil {
				d.logger.Debug("Peer deregistration failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := d.Register(ctx); err != nil {
				d.logger.Warn("Peer registration refresh failed", "bucket", d.bucket, "error", err)
			}
		}
	}
}

// CurrentPeers lists the registered addresses
func (d *RegistryDiscovery) CurrentPeers(ctx context.Context) ([]string, error) {
	kv, err := d.bucketHandle(ctx)
	if err != nil {
		return nil, err
	}
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "RegistryDiscovery", "CurrentPeers", "list keys")
	}
	defer func() { _ = lister.Stop() }()

	var peers []string
	for key := range lister.Keys() {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, errors.WrapTransient(err, "RegistryDiscovery", "CurrentPeers", "get "+key)
		}
		peers = append(peers, string(entry.Value()))
	}
	sort.Strings(peers)
	return peers, nil
}

// NewDiscovery builds the discovery configured by cfg. client is only
// required for registry discovery.
func NewDiscovery(cfg Config, self string, client *natsclient.Client, logger *slog.Logger) (Discovery, error) {
	switch cfg.DiscoveryMode {
	case DiscoveryLocalNode, "":
		return LocalNodeDiscovery{Self: self}, nil
	case DiscoveryStatic:
		return NewStaticDiscovery(cfg.StaticEndpoints, cfg.Port), nil
	case DiscoveryDNS:
		return NewDNSDiscovery(cfg.DomainName, cfg.Port, nil), nil
	case DiscoveryRegistry:
		return NewRegistryDiscovery(client, cfg.RegistryBucket, cfg.RegistryTTL, self, logger)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown discovery_mode %q", errors.ErrInvalidConfig, cfg.DiscoveryMode),
			"peerforwarder", "NewDiscovery", "discovery mode")
	}
}
