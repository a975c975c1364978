package peerforwarder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/eventpipe/errors"
)

func TestValidateAddress(t *testing.T) {
	valid := []string{
		"localhost",
		"node-a",
		"node-a.eventpipe.svc.cluster.local",
		"node-a:21890",
		"10.0.0.1",
		"10.0.0.1:21890",
		"::1",
		"[::1]:21890",
	}
	for _, addr := range valid {
		t.Run("valid "+addr, func(t *testing.T) {
			assert.NoError(t, ValidateAddress(addr))
		})
	}

	invalid := []string{
		"",
		"   ",
		"node a",
		"node-a:",
		"node-a:0",
		"node-a:65536",
		"node-a:http",
		":21890",
		"-node",
		"node_a!:21890",
	}
	for _, addr := range invalid {
		t.Run("invalid "+addr, func(t *testing.T) {
			err := ValidateAddress(addr)
			assert.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidAddress)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestWithPort(t *testing.T) {
	assert.Equal(t, "node-a:21890", withPort("node-a", 21890))
	assert.Equal(t, "node-a:9000", withPort("node-a:9000", 21890))
	assert.Equal(t, "[::1]:21890", withPort("::1", 21890))
}

func TestLocalAddressChecker(t *testing.T) {
	c := &LocalAddressChecker{
		self:    "node-a:21890",
		localIP: map[string]struct{}{"10.0.0.5": {}},
		lookup: func(host string) ([]string, error) {
			switch host {
			case "node-b":
				return []string{"10.0.0.6"}, nil
			case "alias-of-me":
				return []string{"10.0.0.5"}, nil
			}
			return nil, assert.AnError
		},
	}

	assert.True(t, c.IsLocal(""))
	assert.True(t, c.IsLocal("node-a:21890"))
	assert.True(t, c.IsLocal("node-a:9999"))
	assert.True(t, c.IsLocal("localhost:21890"))
	assert.True(t, c.IsLocal("127.0.0.1:21890"))
	assert.True(t, c.IsLocal("10.0.0.5:21890"))
	assert.True(t, c.IsLocal("alias-of-me:21890"))

	assert.False(t, c.IsLocal("10.0.0.6:21890"))
	assert.False(t, c.IsLocal("node-b:21890"))
	assert.False(t, c.IsLocal("unknown:21890"))
}

func TestLocalAddressCheckerResolvesEachHostOnce(t *testing.T) {
	lookups := map[string]int{}
	c := &LocalAddressChecker{
		self:    "node-a:21890",
		localIP: map[string]struct{}{"10.0.0.5": {}},
		lookup: func(host string) ([]string, error) {
			lookups[host]++
			if host == "node-b" {
				return []string{"10.0.0.6"}, nil
			}
			return nil, assert.AnError
		},
	}

	for range 100 {
		assert.False(t, c.IsLocal("node-b:21890"))
		assert.False(t, c.IsLocal("gone:21890"))
		assert.False(t, c.IsLocal("10.0.0.6:21890"))
	}
	assert.Equal(t, map[string]int{"node-b": 1, "gone": 1}, lookups)

	c.Reset()
	assert.False(t, c.IsLocal("node-b:21890"))
	assert.Equal(t, 2, lookups["node-b"])
}

func TestRingUpdateResetsLocalAddressCache(t *testing.T) {
	lookups := 0
	c := &LocalAddressChecker{
		localIP: map[string]struct{}{},
		lookup: func(string) ([]string, error) {
			lookups++
			return []string{"10.0.0.6"}, nil
		},
	}
	ring := NewRing(nil, 16, nil, nil)
	ring.OnUpdate(c.Reset)

	c.IsLocal("node-b:21890")
	c.IsLocal("node-b:21890")
	assert.Equal(t, 1, lookups)

	assert.False(t, ring.Update([]string{}), "unchanged peer set keeps the cache")
	c.IsLocal("node-b:21890")
	assert.Equal(t, 1, lookups)

	assert.True(t, ring.Update([]string{"node-b:21890"}))
	c.IsLocal("node-b:21890")
	assert.Equal(t, 2, lookups)
}
