package nats

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/plugin"
)

type fakePublisher struct {
	mu       sync.Mutex
	healthy  bool
	failures int
	err      error
	messages map[string][][]byte
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	if f.messages == nil {
		f.messages = make(map[string][][]byte)
	}
	f.messages[subject] = append(f.messages[subject], data)
	return nil
}

func (f *fakePublisher) IsHealthy() bool { return f.healthy }

func records(results *[]bool, data ...map[string]any) []*event.Record {
	out := make([]*event.Record, 0, len(data))
	for _, d := range data {
		e := event.New("log", d)
		e.SetHandle(event.NewCallbackHandle(func(ok bool) { *results = append(*results, ok) }))
		out = append(out, event.NewRecord(e))
	}
	return out
}

func newSink(t *testing.T, pub *fakePublisher, retries int) *Sink {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Subject = "events.out"
	cfg.RetryCount = retries
	s, err := New(cfg, pub, nil)
	require.NoError(t, err)
	return s
}

func TestSinkReadiness(t *testing.T) {
	pub := &fakePublisher{}
	s := newSink(t, pub, 0)
	err := s.Initialize()
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, s.IsReady())

	pub.healthy = true
	assert.NoError(t, s.Initialize())
	assert.True(t, s.IsReady())
}

func TestSinkPublishes(t *testing.T) {
	pub := &fakePublisher{healthy: true}
	s := newSink(t, pub, 0)

	var results []bool
	s.Output(context.Background(), records(&results, map[string]any{"n": 1}, map[string]any{"n": 2}))

	require.Len(t, pub.messages["events.out"], 2)
	assert.JSONEq(t, `{"n":1}`, string(pub.messages["events.out"][0]))
	assert.Equal(t, []bool{true, true}, results)
	assert.Equal(t, int64(2), s.Published())
}

func TestSinkRetriesTransientFailures(t *testing.T) {
	pub := &fakePublisher{healthy: true, failures: 1, err: errors.ErrConnectionLost}
	s := newSink(t, pub, 1)

	var results []bool
	s.Output(context.Background(), records(&results, map[string]any{"n": 1}))
	assert.Equal(t, []bool{true}, results)
}

func TestSinkReleasesFailures(t *testing.T) {
	pub := &fakePublisher{healthy: true, failures: 5, err: errors.ErrConnectionLost}
	s := newSink(t, pub, 1)

	var results []bool
	s.Output(context.Background(), records(&results, map[string]any{"n": 1}, map[string]any{"bad": make(chan int)}))
	assert.ElementsMatch(t, []bool{false, false}, results)
	assert.Equal(t, int64(2), s.Failed())
}

func TestCreate(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, Register(registry))

	_, err := registry.LoadSink(plugin.NewSetting(PluginName, "p", map[string]any{"subject": "x"}), plugin.Dependencies{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate())
}
