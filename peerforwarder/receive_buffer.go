package peerforwarder

import (
	"fmt"
	"time"

	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/pkg/buffer"
)

// ReceiveBuffer holds records forwarded to this node for one plugin of one
// pipeline. Capacity covers queued records and records read but not yet
// checkpointed, so IsEmpty stays false until every read is checkpointed.
type ReceiveBuffer struct {
	*buffer.Bounded[*event.Record]
	pipeline string
	plugin   string
}

// NewReceiveBuffer creates a receive buffer of bufferSize records handing
// out batches of at most batchSize
func NewReceiveBuffer(pipeline, plugin string, bufferSize, batchSize int, drainTimeout time.Duration, metrics *metric.Metrics) (*ReceiveBuffer, error) {
	b, err := buffer.NewBounded[*event.Record](bufferSize, batchSize,
		buffer.WithName(fmt.Sprintf("peer_forwarder.%s.%s", pipeline, plugin)),
		buffer.WithDrainTimeout(drainTimeout),
		buffer.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}
	return &ReceiveBuffer{Bounded: b, pipeline: pipeline, plugin: plugin}, nil
}

// Pipeline returns the owning pipeline
func (b *ReceiveBuffer) Pipeline() string {
	return b.pipeline
}

// Plugin returns the owning plugin id
func (b *ReceiveBuffer) Plugin() string {
	return b.plugin
}
