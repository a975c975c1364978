package pipeline

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/plugin"
)

// ConnectorPrefix marks a source or sink naming another pipeline
const ConnectorPrefix = "pipeline"

// DefaultConnectorWriteTimeout bounds one write attempt into the
// downstream buffer; a timed out attempt is retried.
const DefaultConnectorWriteTimeout = 10 * time.Second

// DefaultConnectorRetryTimeout bounds all write attempts of one Output call
const DefaultConnectorRetryTimeout = 10 * time.Second

const connectorRetryBackoff = 100 * time.Millisecond

// Connector joins two pipelines. The upstream pipeline uses it as a sink
// and the downstream pipeline as its source: records written by the one
// land directly in the other's buffer.
type Connector struct {
	upstream     string
	downstream   string
	writeTimeout time.Duration
	retryTimeout time.Duration
	logger       *slog.Logger

	mu     sync.RWMutex
	buffer plugin.Buffer

	stopped          atomic.Bool
	acknowledgements atomic.Bool
}

// NewConnector creates a connector feeding downstream. A non-positive
// writeTimeout uses DefaultConnectorWriteTimeout.
func NewConnector(downstream string, writeTimeout time.Duration, logger *slog.Logger) *Connector {
	if writeTimeout <= 0 {
		writeTimeout = DefaultConnectorWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		downstream:   downstream,
		writeTimeout: writeTimeout,
		retryTimeout: DefaultConnectorRetryTimeout,
		logger:       logger.With("connector", downstream),
	}
}

// SetSourcePipelineName records the upstream pipeline
func (c *Connector) SetSourcePipelineName(name string) { c.upstream = name }

// SourcePipelineName returns the upstream pipeline
func (c *Connector) SourcePipelineName() string { return c.upstream }

// SinkPipelineName returns the downstream pipeline
func (c *Connector) SinkPipelineName() string { return c.downstream }

// EnableAcknowledgements implements plugin.AcknowledgementSetter
func (c *Connector) EnableAcknowledgements() { c.acknowledgements.Store(true) }

// AcknowledgementsEnabled implements plugin.Acknowledgeable
func (c *Connector) AcknowledgementsEnabled() bool { return c.acknowledgements.Load() }

// Start attaches the downstream pipeline's buffer
func (c *Connector) Start(_ context.Context, buf plugin.Buffer) error {
	if buf == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Connector", "Start", "attach buffer")
	}
	c.mu.Lock()
	c.buffer = buf
	c.mu.Unlock()
	c.stopped.Store(false)
	return nil
}

// Stop makes pending and later writes give up
func (c *Connector) Stop() { c.stopped.Store(true) }

// Initialize implements plugin.Sink; readiness follows the downstream
// pipeline starting its source
func (c *Connector) Initialize() error { return nil }

// IsReady reports whether the downstream buffer is attached
func (c *Connector) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buffer != nil
}

// Shutdown implements plugin.Sink
func (c *Connector) Shutdown() {}

// Output writes records into the downstream buffer, retrying timed out
// writes until they succeed, the retry timeout runs out, ctx ends or the
// downstream source stops. Records that cannot be written have their events
// released as failed.
func (c *Connector) Output(ctx context.Context, records []*event.Record) {
	if len(records) == 0 {
		return
	}
	c.mu.RLock()
	buf := c.buffer
	c.mu.RUnlock()
	if buf == nil {
		c.logger.Error("Connector output before downstream pipeline started", "records", len(records))
		c.fail(records)
		return
	}

	deadline := time.Now().Add(c.retryTimeout)
	if err := c.writeAll(ctx, buf, records, deadline); err != nil {
		if !stderrors.Is(err, errors.ErrSizeOverflow) {
			c.logger.Error("Failed to write to downstream pipeline", "records", len(records), "error", err)
			c.fail(records)
			return
		}
		// a batch larger than the downstream buffer goes one record at a time
		for i, r := range records {
			if err := c.write(ctx, buf, r, deadline); err != nil {
				c.logger.Error("Failed to write to downstream pipeline", "records", len(records)-i, "error", err)
				c.fail(records[i:])
				return
			}
		}
	}
}

func (c *Connector) writeAll(ctx context.Context, buf plugin.Buffer, records []*event.Record, deadline time.Time) error {
	return c.retry(ctx, deadline, func(timeout time.Duration) error {
		return buf.WriteAll(ctx, records, timeout)
	})
}

func (c *Connector) write(ctx context.Context, buf plugin.Buffer, r *event.Record, deadline time.Time) error {
	return c.retry(ctx, deadline, func(timeout time.Duration) error {
		return buf.Write(ctx, r, timeout)
	})
}

// retry runs attempt with the time left before deadline until it succeeds
// or fails for good. Attempts are spaced by connectorRetryBackoff.
func (c *Connector) retry(ctx context.Context, deadline time.Time, attempt func(timeout time.Duration) error) error {
	for {
		remaining := deadline.Sub(time.Now())
		if remaining <= 0 {
			return errors.WrapTransient(errors.ErrBufferTimeout, "Connector", "Output", "write to "+c.downstream)
		}
		err := attempt(min(c.writeTimeout, remaining))
		if err == nil {
			return nil
		}
		if !errors.IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if c.stopped.Load() {
			return errors.WrapTransient(errors.ErrShuttingDown, "Connector", "Output", "write to "+c.downstream)
		}
		if deadline.Sub(time.Now()) <= connectorRetryBackoff {
			return errors.Wrap(err, "Connector", "Output", "write to "+c.downstream+" timed out")
		}
		c.logger.Warn("Write to downstream pipeline failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectorRetryBackoff):
		}
	}
}

func (c *Connector) fail(records []*event.Record) {
	event.ReleaseAll(records, false)
}
