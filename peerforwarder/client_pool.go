package peerforwarder

import (
	stderrors "errors"
	"sync"

	"github.com/c360/eventpipe/errors"
)

// ClientPool caches one client per peer address. Clients are created on
// first use and only closed by Close.
type ClientPool struct {
	factory ClientFactory

	mu      sync.Mutex
	clients map[string]PeerClient
	closed  bool
}

// NewClientPool creates a pool backed by factory
func NewClientPool(factory ClientFactory) *ClientPool {
	return &ClientPool{factory: factory, clients: make(map[string]PeerClient)}
}

// GetClient returns the cached client for address, creating it if needed
func (p *ClientPool) GetClient(address string) (PeerClient, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "ClientPool", "GetClient", "pool closed")
	}
	if c, ok := p.clients[address]; ok {
		return c, nil
	}
	c, err := p.factory(address)
	if err != nil {
		return nil, errors.Wrap(err, "ClientPool", "GetClient", "create client for "+address)
	}
	p.clients[address] = c
	return c, nil
}

// Size returns the number of cached clients
func (p *ClientPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes and evicts every client
func (p *ClientPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for addr, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.clients, addr)
	}
	p.closed = true
	return stderrors.Join(errs...)
}
