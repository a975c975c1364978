package peerforwarder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
)

const (
	selfAddr   = "10.0.0.1:21890"
	remoteAddr = "10.0.0.2:21890"
)

// locatorFunc maps affinity keys to owners
type locatorFunc func(key string) (string, bool)

func (f locatorFunc) OwnerFor(key string) (string, bool) { return f(key) }

// ownerByUser sends user "remote" to the remote peer and everything else
// to this node
var ownerByUser = locatorFunc(func(key string) (string, bool) {
	if key == "remote" {
		return remoteAddr, true
	}
	return selfAddr, true
})

func isSelf(address string) bool { return address == selfAddr }

type forwarderFixture struct {
	fwd     *RemoteForwarder
	factory *stubFactory
	buffer  *ReceiveBuffer
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newForwarderFixture(t *testing.T, locator PeerLocator, cfg RemoteForwarderConfig, bufferSize int) *forwarderFixture {
	t.Helper()
	if cfg.Pipeline == "" {
		cfg.Pipeline = "logs"
	}
	if cfg.Plugin == "" {
		cfg.Plugin = "aggregate"
	}
	if len(cfg.IdentificationKeys) == 0 {
		cfg.IdentificationKeys = []string{"user"}
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = time.Hour
	}
	if cfg.LocalWriteTimeout == 0 {
		cfg.LocalWriteTimeout = 20 * time.Millisecond
	}

	buf, err := NewReceiveBuffer(cfg.Pipeline, cfg.Plugin, bufferSize, min(bufferSize, 8), time.Second, nil)
	require.NoError(t, err)

	factory := newStubFactory()
	fwd, err := NewRemoteForwarder(cfg, locator, NewClientPool(factory.factory), buf, isSelf, nil, nil)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	fwd.now = clock.Now
	return &forwarderFixture{fwd: fwd, factory: factory, buffer: buf, clock: clock}
}

func userRecords(user string, n int) []*event.Record {
	out := make([]*event.Record, n)
	for i := range out {
		out[i] = event.NewRecord(event.New("test", map[string]any{"user": user, "seq": i}))
	}
	return out
}

func TestNewRemoteForwarderValidation(t *testing.T) {
	buf, err := NewReceiveBuffer("p", "x", 8, 4, time.Second, nil)
	require.NoError(t, err)
	pool := NewClientPool(newStubFactory().factory)

	_, err = NewRemoteForwarder(RemoteForwarderConfig{}, ownerByUser, pool, buf, isSelf, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewRemoteForwarder(RemoteForwarderConfig{IdentificationKeys: []string{"user"}}, nil, pool, buf, isSelf, nil, nil)
	require.Error(t, err)
}

func TestForwardRecordsEmptyRingKeepsEverythingLocal(t *testing.T) {
	noOwner := locatorFunc(func(string) (string, bool) { return "", false })
	fx := newForwarderFixture(t, noOwner, RemoteForwarderConfig{BatchSize: 1}, 16)

	records := userRecords("remote", 5)
	local := fx.fwd.ForwardRecords(context.Background(), records)

	assert.Equal(t, records, local)
	assert.Zero(t, fx.fwd.Pending())
	assert.Zero(t, fx.factory.created)
}

func TestForwardRecordsKeepsLocalAndNonEvents(t *testing.T) {
	fx := newForwarderFixture(t, ownerByUser, RemoteForwarderConfig{BatchSize: 100}, 16)

	mine := userRecords("alice", 3)
	notAnEvent := event.NewRecord("raw line")
	local := fx.fwd.ForwardRecords(context.Background(), append(mine, notAnEvent))

	assert.ElementsMatch(t, append(mine, notAnEvent), local)
}

func TestForwardRecordsSendsFullBatches(t *testing.T) {
	fx := newForwarderFixture(t, ownerByUser, RemoteForwarderConfig{BatchSize: 2, QueueDepth: 4}, 16)

	var released []bool
	var mu sync.Mutex
	records := userRecords("remote", 5)
	for _, r := range records {
		e, _ := r.Event()
		e.SetHandle(event.NewCallbackHandle(func(ok bool) {
			mu.Lock()
			released = append(released, ok)
			mu.Unlock()
		}))
	}

	local := fx.fwd.ForwardRecords(context.Background(), records)
	assert.Empty(t, local)

	client := fx.factory.client(remoteAddr)
	require.NotNil(t, client)
	assert.Equal(t, 4, client.sentEvents())
	assert.Equal(t, 1, fx.fwd.Pending(), "partial batch waits")
	assert.False(t, fx.fwd.IsReadyForShutdown())

	for _, req := range client.sent {
		assert.Equal(t, "logs", req.DestinationPipeline)
		assert.Equal(t, "aggregate", req.DestinationPlugin)
	}
	mu.Lock()
	assert.Equal(t, []bool{true, true, true, true}, released)
	mu.Unlock()

	fx.fwd.PrepareForShutdown()
	assert.Empty(t, fx.fwd.ForwardRecords(context.Background(), nil))
	assert.Equal(t, 5, client.sentEvents())
	assert.Zero(t, fx.fwd.Pending())
	assert.True(t, fx.fwd.IsReadyForShutdown())
}

func TestForwardRecordsFlushesAfterBatchTimeout(t *testing.T) {
	fx := newForwarderFixture(t, ownerByUser, RemoteForwarderConfig{
		BatchSize:    100,
		BatchTimeout: time.Second,
	}, 16)

	assert.Empty(t, fx.fwd.ForwardRecords(context.Background(), userRecords("remote", 3)))
	assert.Equal(t, 3, fx.fwd.Pending())
	assert.Nil(t, fx.factory.client(remoteAddr))

	fx.clock.Advance(time.Second)
	assert.Empty(t, fx.fwd.ForwardRecords(context.Background(), nil))
	assert.Zero(t, fx.fwd.Pending())
	assert.Equal(t, 3, fx.factory.client(remoteAddr).sentEvents())
}

func TestForwardRecordsQueueOverflowStaysLocal(t *testing.T) {
	fx := newForwarderFixture(t, ownerByUser, RemoteForwarderConfig{BatchSize: 10, Workers: 1, QueueDepth: 1}, 16)

	records := userRecords("remote", 15)
	local := fx.fwd.ForwardRecords(context.Background(), records)

	assert.Equal(t, records[10:], local)
	assert.Equal(t, 10, fx.factory.client(remoteAddr).sentEvents())
}

func TestForwardFailureWritesToReceiveBuffer(t *testing.T) {
	fx := newForwarderFixture(t, ownerByUser, RemoteForwarderConfig{BatchSize: 3}, 16)
	fx.factory.err = errors.WrapInvalid(assert.AnError, "test", "Send", "refuse")

	records := userRecords("remote", 3)
	local := fx.fwd.ForwardRecords(context.Background(), records)
	assert.Empty(t, local, "failed records go to the receive buffer")

	received := fx.fwd.ReceiveRecords(context.Background(), 0)
	assert.Equal(t, records, received)
	assert.True(t, fx.buffer.IsEmpty())
}

func TestForwardFailureFallsBackToLocalWhenBufferIsFull(t *testing.T) {
	fx := newForwarderFixture(t, ownerByUser, RemoteForwarderConfig{BatchSize: 3}, 4)
	fx.factory.err = errors.WrapInvalid(assert.AnError, "test", "Send", "refuse")
	require.NoError(t, fx.buffer.WriteAll(context.Background(), userRecords("alice", 4), time.Second))

	records := userRecords("remote", 3)
	local := fx.fwd.ForwardRecords(context.Background(), records)

	assert.Equal(t, records, local, "nothing is dropped")
	assert.Equal(t, 4, fx.buffer.Size())
}

func TestForwardBatchesNeverExceedReceiveBuffer(t *testing.T) {
	fx := newForwarderFixture(t, ownerByUser, RemoteForwarderConfig{BatchSize: 10, QueueDepth: 2}, 4)

	records := userRecords("remote", 8)
	local := fx.fwd.ForwardRecords(context.Background(), records)
	assert.Empty(t, local)

	client := fx.factory.client(remoteAddr)
	require.NotNil(t, client)
	assert.Equal(t, 8, client.sentEvents())
	for _, req := range client.sent {
		assert.LessOrEqual(t, len(req.Events), 4)
	}
	assert.Zero(t, fx.fwd.Pending())
}

func TestForwardFailureWithOversizedBatchFitsReceiveBuffer(t *testing.T) {
	fx := newForwarderFixture(t, ownerByUser, RemoteForwarderConfig{BatchSize: 10}, 4)
	fx.factory.err = errors.WrapInvalid(assert.AnError, "test", "Send", "refuse")

	records := userRecords("remote", 4)
	local := fx.fwd.ForwardRecords(context.Background(), records)
	assert.Empty(t, local)

	received := fx.fwd.ReceiveRecords(context.Background(), 0)
	assert.Equal(t, records, received)
}

func TestForwardRecordsMissingKeysShareOneOwner(t *testing.T) {
	var keys []string
	var mu sync.Mutex
	recordKeys := locatorFunc(func(key string) (string, bool) {
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()
		return selfAddr, true
	})
	fx := newForwarderFixture(t, recordKeys, RemoteForwarderConfig{IdentificationKeys: []string{"user", "host"}}, 16)

	fx.fwd.ForwardRecords(context.Background(), []*event.Record{
		event.NewRecord(event.New("test", map[string]any{"other": 1})),
		event.NewRecord(event.New("test", nil)),
	})
	assert.Equal(t, []string{AffinityKey([]string{"", ""}), AffinityKey([]string{"", ""})}, keys)
}

func TestReceiveRecordsCheckpointsRead(t *testing.T) {
	fx := newForwarderFixture(t, ownerByUser, RemoteForwarderConfig{}, 16)
	require.NoError(t, fx.buffer.WriteAll(context.Background(), userRecords("alice", 2), time.Second))
	assert.False(t, fx.fwd.IsReadyForShutdown())

	got := fx.fwd.ReceiveRecords(context.Background(), 10*time.Millisecond)
	assert.Len(t, got, 2)
	assert.True(t, fx.buffer.IsEmpty())
	assert.True(t, fx.fwd.IsReadyForShutdown())
}

func TestLocalForwarder(t *testing.T) {
	records := userRecords("remote", 2)
	var f Forwarder = LocalForwarder{}
	assert.Equal(t, records, f.ForwardRecords(context.Background(), records))
	assert.Empty(t, f.ReceiveRecords(context.Background(), time.Second))
	assert.True(t, f.IsReadyForShutdown())
}
