package peerforwarder

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashRingEmpty(t *testing.T) {
	ring := NewHashRing(nil, 128)
	_, ok := ring.OwnerFor("anything")
	assert.False(t, ok)
	assert.Zero(t, ring.Size())

	var nilRing *HashRing
	_, ok = nilRing.OwnerFor("anything")
	assert.False(t, ok)
}

func TestHashRingDeterministic(t *testing.T) {
	a := NewHashRing([]string{"node-c:1", "node-a:1", "node-b:1", "node-a:1", ""}, 64)
	b := NewHashRing([]string{"node-b:1", "node-c:1", "node-a:1"}, 64)

	assert.Equal(t, []string{"node-a:1", "node-b:1", "node-c:1"}, a.Peers())
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%d", i)
		ownerA, ok := a.OwnerFor(key)
		require.True(t, ok)
		ownerB, _ := b.OwnerFor(key)
		assert.Equal(t, ownerA, ownerB, key)
	}
}

func TestHashRingSinglePeerOwnsEverything(t *testing.T) {
	ring := NewHashRing([]string{"only:1"}, 1)
	for i := 0; i < 100; i++ {
		owner, ok := ring.OwnerFor(fmt.Sprintf("k%d", i))
		require.True(t, ok)
		assert.Equal(t, "only:1", owner)
	}
}

func TestHashRingSpreadsKeys(t *testing.T) {
	peers := []string{"node-a:1", "node-b:1", "node-c:1", "node-d:1"}
	ring := NewHashRing(peers, 128)

	counts := make(map[string]int)
	const keys = 20000
	for i := 0; i < keys; i++ {
		owner, _ := ring.OwnerFor(fmt.Sprintf("user-%d", i))
		counts[owner]++
	}
	require.Len(t, counts, len(peers))
	for peer, n := range counts {
		share := float64(n) / keys
		assert.InDelta(t, 0.25, share, 0.1, peer)
	}
}

func TestHashRingAddingPeerMovesFewKeys(t *testing.T) {
	before := NewHashRing([]string{"node-a:1", "node-b:1", "node-c:1", "node-d:1"}, 128)
	after := NewHashRing([]string{"node-a:1", "node-b:1", "node-c:1", "node-d:1", "node-e:1"}, 128)

	const keys = 20000
	moved := 0
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("user-%d", i)
		o1, _ := before.OwnerFor(key)
		o2, _ := after.OwnerFor(key)
		if o1 != o2 {
			moved++
			assert.Equal(t, "node-e:1", o2, "keys only move to the new peer")
		}
	}
	share := float64(moved) / keys
	assert.Greater(t, share, 0.1)
	assert.Less(t, share, 0.32)
}

func TestAffinityKey(t *testing.T) {
	assert.Equal(t, "a", AffinityKey([]string{"a"}))
	assert.NotEqual(t, AffinityKey([]string{"ab", "c"}), AffinityKey([]string{"a", "bc"}))
	assert.Equal(t, "", AffinityKey([]string{""}))
}

type discoveryFunc func(ctx context.Context) ([]string, error)

func (f discoveryFunc) CurrentPeers(ctx context.Context) ([]string, error) { return f(ctx) }

func TestRingRefreshSwapsSnapshot(t *testing.T) {
	peers := []string{"node-a:1"}
	var fail bool
	ring := NewRing(discoveryFunc(func(context.Context) ([]string, error) {
		if fail {
			return nil, assert.AnError
		}
		return peers, nil
	}), 16, nil, nil)

	_, ok := ring.OwnerFor("k")
	assert.False(t, ok, "ring starts empty")

	require.NoError(t, ring.Refresh(context.Background()))
	first := ring.Snapshot()
	assert.Equal(t, []string{"node-a:1"}, first.Peers())

	// same peers keep the snapshot
	require.NoError(t, ring.Refresh(context.Background()))
	assert.Same(t, first, ring.Snapshot())

	peers = []string{"node-b:1", "node-a:1"}
	require.NoError(t, ring.Refresh(context.Background()))
	assert.Equal(t, []string{"node-a:1", "node-b:1"}, ring.Snapshot().Peers())
	assert.Equal(t, []string{"node-a:1"}, first.Peers(), "old snapshot is untouched")

	fail = true
	second := ring.Snapshot()
	require.Error(t, ring.Refresh(context.Background()))
	assert.Same(t, second, ring.Snapshot(), "failed discovery keeps the previous ring")
}
