//go:build integration

package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/natsclient"
	"github.com/c360/eventpipe/plugin"
)

func TestSinkIntegration(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx := context.Background()

	got := make(chan []byte, 1)
	sub, err := tc.Client.Subscribe(ctx, "it.out", "", func(_ context.Context, data []byte) {
		got <- data
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	registry := plugin.NewRegistry()
	require.NoError(t, Register(registry))
	sink, err := registry.LoadSink(plugin.NewSetting(PluginName, "p", map[string]any{"subject": "it.out"}),
		plugin.Dependencies{NATSClient: tc.Client})
	require.NoError(t, err)
	require.NoError(t, sink.Initialize())

	sink.Output(ctx, []*event.Record{event.NewRecord(event.New("log", map[string]any{"ok": true}))})

	select {
	case data := <-got:
		assert.JSONEq(t, `{"ok":true}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}
