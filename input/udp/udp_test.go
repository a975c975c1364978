package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/pkg/buffer"
	"github.com/c360/eventpipe/plugin"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"ephemeral port", func(c *Config) { c.Address = "127.0.0.1:0" }, false},
		{"missing port", func(c *Config) { c.Address = "127.0.0.1" }, true},
		{"bad port", func(c *Config) { c.Address = "127.0.0.1:notaport" }, true},
		{"hostname", func(c *Config) { c.Address = "example.com:5140" }, true},
		{"empty event type", func(c *Config) { c.EventType = "" }, true},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func startSource(t *testing.T, capacity int) (*Source, *buffer.Bounded[*event.Record], net.Conn) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.EventType = "syslog"
	cfg.WriteTimeout = 10 * time.Millisecond
	src, err := New(cfg, nil)
	require.NoError(t, err)
	src.metrics = newMetrics(metric.NewMetricsRegistry(), "p")
	require.NotNil(t, src.metrics)

	buf, err := buffer.NewBounded[*event.Record](capacity, capacity)
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background(), buf))
	t.Cleanup(src.Stop)

	conn, err := net.Dial("udp", src.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return src, buf, conn
}

func TestSourceReceivesDatagrams(t *testing.T) {
	src, buf, conn := startSource(t, 10)

	_, err := conn.Write([]byte(`{"host":"web-1","code":3}`))
	require.NoError(t, err)
	_, err = conn.Write([]byte("<13>plain message"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return src.Stats().PacketsReceived == 2 }, 2*time.Second, 10*time.Millisecond)

	records, _, err := buf.Read(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first, _ := records[0].Event()
	assert.Equal(t, "syslog", first.Type)
	host, _ := first.GetString("host")
	assert.Equal(t, "web-1", host)

	second, _ := records[1].Event()
	msg, _ := second.GetString(event.MessageKey)
	assert.Equal(t, "<13>plain message", msg)
}

func TestSourceDropsWhenBufferFull(t *testing.T) {
	src, _, conn := startSource(t, 1)

	for i := 0; i < 3; i++ {
		_, err := conn.Write([]byte("x"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return src.Stats().Dropped == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(3), src.Stats().PacketsReceived)
}

func TestSourceStopIsIdempotent(t *testing.T) {
	src, _, _ := startSource(t, 1)
	src.Stop()
	assert.Nil(t, src.Addr())
	src.Stop()
}

func TestSourceStartTwice(t *testing.T) {
	src, buf, _ := startSource(t, 1)
	err := src.Start(context.Background(), buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestRegister(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, Register(registry))

	src, err := registry.LoadSource(
		plugin.NewSetting(PluginName, "p", map[string]any{"address": "127.0.0.1:0", "write_timeout": "2s"}),
		plugin.Dependencies{})
	require.NoError(t, err)
	udp, ok := src.(*Source)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, udp.cfg.WriteTimeout)

	_, err = registry.LoadSource(
		plugin.NewSetting(PluginName, "p", map[string]any{"address": "nope"}), plugin.Dependencies{})
	assert.Error(t, err)
}
