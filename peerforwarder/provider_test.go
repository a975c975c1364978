package peerforwarder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/errors"
)

func TestNewProviderValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DiscoveryMode = DiscoveryStatic
	_, err := NewProvider(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	cfg = DefaultConfig()
	cfg.Transport = TransportNATS
	_, err = NewProvider(cfg)
	require.Error(t, err, "nats transport without a connection")
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	cfg = DefaultConfig()
	cfg.SSL = true
	cfg.SSLCertificateFile = "/does/not/exist.crt"
	cfg.SSLKeyFile = "/does/not/exist.key"
	_, err = NewProvider(cfg)
	require.Error(t, err)
}

func TestProviderNodeAddress(t *testing.T) {
	p := newTestProvider(t, nil)
	assert.Equal(t, selfAddr, p.Self())

	cfg := DefaultConfig()
	p2, err := NewProvider(cfg, WithClientFactory(newStubFactory().factory))
	require.NoError(t, err)
	assert.Contains(t, p2.Self(), ":21890")
}

func TestProviderRegister(t *testing.T) {
	p := newTestProvider(t, func(c *Config) {
		c.BufferSize = 32
		c.BatchSize = 8
		c.ForwardingBatchSize = 16
	})
	assert.False(t, p.IsPeerForwardingRequired())

	fwd, err := p.Register("logs", "b-aggregate", []string{"user"}, 2)
	require.NoError(t, err)
	assert.IsType(t, &RemoteForwarder{}, fwd)

	_, err = p.Register("logs", "a-dedupe", []string{"id"}, 2)
	require.NoError(t, err)

	_, err = p.Register("logs", "b-aggregate", []string{"user"}, 2)
	require.Error(t, err, "duplicate registration")

	_, err = p.Register("metrics", "aggregate", nil, 1)
	require.Error(t, err, "identification keys are required")
	_, ok := p.ReceiveBuffer("metrics", "aggregate")
	assert.False(t, ok)

	buffers := p.ReceiveBuffers("logs")
	require.Len(t, buffers, 2)
	assert.Equal(t, "a-dedupe", buffers[0].Plugin())
	assert.Equal(t, "b-aggregate", buffers[1].Plugin())
	assert.Equal(t, 32, buffers[0].Capacity())
	assert.Empty(t, p.ReceiveBuffers("unknown"))
	assert.True(t, p.IsPeerForwardingRequired())

	p.Unregister("logs")
	assert.False(t, p.IsPeerForwardingRequired())
}

func TestProviderStartWithoutRegistrationsIsNoop(t *testing.T) {
	p := newTestProvider(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, p.Start(ctx))
	assert.Nil(t, p.Server().Addr())
	assert.Zero(t, p.Ring().Snapshot().Size())
	require.NoError(t, p.Stop(ctx))
}

func TestProviderStartServesPeers(t *testing.T) {
	p := newTestProvider(t, func(c *Config) {
		c.Port = 0
		c.NodeAddress = "127.0.0.1:0"
	})
	p.cfg.Port = 0 // ApplyDefaults replaced the ephemeral port
	p.server.cfg.Port = 0

	_, err := p.Register("logs", "aggregate", []string{"user"}, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer func() { require.NoError(t, p.Stop(context.Background())) }()

	require.NotNil(t, p.Server().Addr())
	assert.Equal(t, []string{"127.0.0.1:0"}, p.Ring().Snapshot().Peers())

	owner, ok := p.Ring().OwnerFor("anything")
	require.True(t, ok)
	assert.True(t, p.isLocal(owner))
}
