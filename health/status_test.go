package health

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/pipeline"
	"github.com/c360/eventpipe/pkg/buffer"
	"github.com/c360/eventpipe/plugin"
	"github.com/c360/eventpipe/router"
)

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"unix file path", "failed to open /etc/eventpipe/pipelines.yaml", "failed to open [PATH]"},
		{"windows file path", "cannot read C:\\Users\\Admin\\server.yaml", "cannot read [PATH]"},
		{"http url", "connection failed to https://api.example.com/v1/health", "connection failed to [URL]"},
		{"nats url", "cannot connect to nats://localhost:4222", "cannot connect to [URL]"},
		{"ip address", "timeout connecting to 192.168.1.100", "timeout connecting to [IP]"},
		{"port number", "failed to bind to :21890", "failed to bind to [PORT]"},
		{"credentials", "auth failed with password:secretpass123", "auth failed with [REDACTED]"},
		{
			"several at once",
			"failed to connect to https://192.168.1.1:8080/api with token=abc123def",
			"failed to connect to [URL] with [REDACTED]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeErrorMessage(tt.input))
		})
	}
}

func TestFromError(t *testing.T) {
	s := FromError("peer_forwarder", stderrors.New("listen tcp :21890: bind: address already in use"))
	assert.True(t, s.IsUnhealthy())
	assert.False(t, s.Healthy)
	assert.NotContains(t, s.Message, "21890")

	assert.True(t, FromError("peer_forwarder", nil).IsHealthy())
}

func TestWithSubStatus_SliceIsolation(t *testing.T) {
	base := NewHealthy("system", "ok").WithSubStatus(NewHealthy("a", "ok"))
	first := base.WithSubStatus(NewDegraded("b", "slow"))
	second := base.WithSubStatus(NewUnhealthy("c", "down"))

	require.Len(t, first.SubStatuses, 2)
	require.Len(t, second.SubStatuses, 2)
	assert.Equal(t, "b", first.SubStatuses[1].Component)
	assert.Equal(t, "c", second.SubStatuses[1].Component)
	assert.Len(t, base.SubStatuses, 1)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"none", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewHealthy("c", "")}, StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want == StateHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

type idleSource struct{}

func (idleSource) Start(context.Context, plugin.Buffer) error { return nil }
func (idleSource) Stop()                                      {}

type readySink struct{}

func (readySink) Initialize() error                       { return nil }
func (readySink) IsReady() bool                           { return true }
func (readySink) Output(context.Context, []*event.Record) {}
func (readySink) Shutdown()                               {}

func newPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	buf, err := buffer.NewBounded[*event.Record](10, 5)
	require.NoError(t, err)
	p, err := pipeline.New(pipeline.Config{
		Name:   "logs",
		Source: idleSource{},
		Buffer: buf,
		Sinks: []router.DataFlowComponent[*pipeline.NamedSink]{
			router.NewDataFlowComponent(&pipeline.NamedSink{Name: "out", Sink: readySink{}}),
		},
		ReadBatchDelay:           10 * time.Millisecond,
		ProcessorShutdownTimeout: time.Second,
		SinkShutdownTimeout:      time.Second,
	})
	require.NoError(t, err)
	return p
}

func TestFromPipeline(t *testing.T) {
	p := newPipeline(t)

	s := FromPipeline(p)
	assert.Equal(t, "logs", s.Component)
	assert.True(t, s.IsDegraded())
	require.NotNil(t, s.Details)
	assert.Equal(t, pipeline.StatusCreated.String(), s.Details.State)
	assert.True(t, s.Details.BufferEmpty)

	require.NoError(t, p.Execute(context.Background()))
	select {
	case <-p.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not start")
	}
	assert.True(t, FromPipeline(p).IsHealthy())

	p.Shutdown()
	s = FromPipeline(p)
	assert.True(t, s.IsUnhealthy())
	assert.Empty(t, s.Details.TimedOut)
}
