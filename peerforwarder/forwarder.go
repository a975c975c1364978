package peerforwarder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/pkg/retry"
)

// Forwarder moves records of one peer-forwarded plugin to the nodes owning
// them and hands back what this node must process
type Forwarder interface {
	// ForwardRecords returns the records to process locally. Records owned
	// by other peers are sent to them; on failure they come back locally.
	ForwardRecords(ctx context.Context, records []*event.Record) []*event.Record

	// ReceiveRecords drains records other peers forwarded to this node,
	// waiting up to wait for a full batch
	ReceiveRecords(ctx context.Context, wait time.Duration) []*event.Record

	PrepareForShutdown()
	IsReadyForShutdown() bool
}

// LocalForwarder processes everything on this node
type LocalForwarder struct{}

// ForwardRecords returns records unchanged
func (LocalForwarder) ForwardRecords(_ context.Context, records []*event.Record) []*event.Record {
	return records
}

// ReceiveRecords returns nothing
func (LocalForwarder) ReceiveRecords(context.Context, time.Duration) []*event.Record {
	return nil
}

// PrepareForShutdown does nothing
func (LocalForwarder) PrepareForShutdown() {}

// IsReadyForShutdown is always true
func (LocalForwarder) IsReadyForShutdown() bool { return true }

// PeerLocator maps an affinity key to its owning peer
type PeerLocator interface {
	OwnerFor(key string) (string, bool)
}

// RemoteForwarderConfig carries the settings of one RemoteForwarder
type RemoteForwarderConfig struct {
	Pipeline           string
	Plugin             string
	IdentificationKeys []string
	Workers            int

	BatchSize         int
	QueueDepth        int
	BatchTimeout      time.Duration
	RequestTimeout    time.Duration
	LocalWriteTimeout time.Duration
	SendConcurrency   int
}

type peerQueue struct {
	records   []*event.Record
	lastFlush time.Time
}

type peerBatch struct {
	peer    string
	records []*event.Record
}

// RemoteForwarder groups records by owning peer, batches them per peer and
// sends due batches in parallel. Every failure path ends in local
// processing: a failed batch is written to this node's receive buffer, and
// if that write fails too the records are returned for local processing.
type RemoteForwarder struct {
	cfg           RemoteForwarderConfig
	locator       PeerLocator
	pool          *ClientPool
	receiveBuffer *ReceiveBuffer
	isLocal       func(address string) bool
	logger        *slog.Logger
	metrics       *metric.Metrics
	now           func() time.Time

	queueCapacity int

	mu     sync.Mutex
	queues map[string]*peerQueue

	shuttingDown atomic.Bool
}

// NewRemoteForwarder creates a forwarder. isLocal decides whether a peer
// address is this node.
func NewRemoteForwarder(
	cfg RemoteForwarderConfig,
	locator PeerLocator,
	pool *ClientPool,
	receiveBuffer *ReceiveBuffer,
	isLocal func(address string) bool,
	logger *slog.Logger,
	metrics *metric.Metrics,
) (*RemoteForwarder, error) {
	if len(cfg.IdentificationKeys) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: identification keys are required", errors.ErrInvalidConfig),
			"RemoteForwarder", "NewRemoteForwarder", "identification keys")
	}
	if locator == nil || pool == nil || receiveBuffer == nil || isLocal == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "RemoteForwarder", "NewRemoteForwarder", "dependency validation")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultForwardingBatchSize
	}
	if capacity := receiveBuffer.Capacity(); cfg.BatchSize > capacity {
		cfg.BatchSize = capacity
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultForwardingBatchQueueDepth
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultForwardingBatchTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.LocalWriteTimeout <= 0 {
		cfg.LocalWriteTimeout = DefaultFailedForwardingRequestLocalWriteTimeout
	}
	if cfg.SendConcurrency <= 0 {
		cfg.SendConcurrency = DefaultClientThreadCount
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RemoteForwarder{
		cfg:           cfg,
		locator:       locator,
		pool:          pool,
		receiveBuffer: receiveBuffer,
		isLocal:       isLocal,
		logger:        logger.With("pipeline", cfg.Pipeline, "plugin", cfg.Plugin),
		metrics:       metrics,
		now:           time.Now,
		queueCapacity: cfg.BatchSize * cfg.Workers * cfg.QueueDepth,
		queues:        make(map[string]*peerQueue),
	}, nil
}

// ForwardRecords implements Forwarder. Batches are flushed when they reach
// the forwarding batch size or the batch timeout since the peer's last
// flush elapsed; after PrepareForShutdown every pending batch is flushed.
func (f *RemoteForwarder) ForwardRecords(ctx context.Context, records []*event.Record) []*event.Record {
	local := make([]*event.Record, 0, len(records))
	remote := make(map[string][]*event.Record)

	for _, rec := range records {
		e, ok := rec.Event()
		if !ok {
			local = append(local, rec)
			continue
		}
		owner, ok := f.locator.OwnerFor(f.affinityKey(e))
		if !ok || f.isLocal(owner) {
			local = append(local, rec)
			continue
		}
		remote[owner] = append(remote[owner], rec)
	}

	local = append(local, f.enqueue(remote)...)
	batches := f.dueBatches(f.shuttingDown.Load())
	if len(batches) > 0 {
		local = append(local, f.send(ctx, batches)...)
	}
	return local
}

// affinityKey joins the identification key values. Missing values are
// empty, so events missing every key share one owner.
func (f *RemoteForwarder) affinityKey(e *event.Event) string {
	values := make([]string, len(f.cfg.IdentificationKeys))
	for i, k := range f.cfg.IdentificationKeys {
		if v, ok := e.Get(k); ok && v != nil {
			values[i] = fmt.Sprint(v)
		}
	}
	return AffinityKey(values)
}

// enqueue adds records to the per-peer queues and returns those that did
// not fit
func (f *RemoteForwarder) enqueue(remote map[string][]*event.Record) []*event.Record {
	if len(remote) == 0 {
		return nil
	}
	var overflow []*event.Record

	f.mu.Lock()
	defer f.mu.Unlock()
	for peer, recs := range remote {
		q, ok := f.queues[peer]
		if !ok {
			q = &peerQueue{lastFlush: f.now()}
			f.queues[peer] = q
		}
		free := f.queueCapacity - len(q.records)
		if free < 0 {
			free = 0
		}
		if len(recs) > free {
			overflow = append(overflow, recs[free:]...)
			recs = recs[:free]
		}
		q.records = append(q.records, recs...)
	}
	if len(overflow) > 0 {
		f.metrics.RecordForwardFailure(f.cfg.Pipeline, f.cfg.Plugin, len(overflow))
		f.logger.Warn("Forwarding queue full, processing records locally", "records", len(overflow))
	}
	return overflow
}

func (f *RemoteForwarder) dueBatches(force bool) []peerBatch {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var batches []peerBatch
	for peer, q := range f.queues {
		for len(q.records) > 0 &&
			(force || len(q.records) >= f.cfg.BatchSize || now.Sub(q.lastFlush) >= f.cfg.BatchTimeout) {
			n := min(len(q.records), f.cfg.BatchSize)
			batch := make([]*event.Record, n)
			copy(batch, q.records[:n])
			q.records = q.records[n:]
			q.lastFlush = now
			batches = append(batches, peerBatch{peer: peer, records: batch})
		}
		if len(q.records) == 0 {
			q.records = nil
		}
	}
	return batches
}

func (f *RemoteForwarder) send(ctx context.Context, batches []peerBatch) []*event.Record {
	var (
		mu    sync.Mutex
		local []*event.Record
	)
	g := new(errgroup.Group)
	g.SetLimit(f.cfg.SendConcurrency)
	for _, b := range batches {
		g.Go(func() error {
			if back := f.sendBatch(ctx, b); len(back) > 0 {
				mu.Lock()
				local = append(local, back...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return local
}

// sendBatch returns the records that must be processed locally right away
func (f *RemoteForwarder) sendBatch(ctx context.Context, b peerBatch) []*event.Record {
	req := &ForwardRequest{
		DestinationPipeline: f.cfg.Pipeline,
		DestinationPlugin:   f.cfg.Plugin,
		Events:              event.Events(b.records),
	}

	ctx, span := startForwardSpan(ctx, b.peer, req)
	err := f.deliver(ctx, b.peer, req)
	endSpan(span, err)

	if err == nil {
		f.metrics.RecordForwarded(f.cfg.Pipeline, f.cfg.Plugin, len(b.records))
		// the owning peer takes over these events
		for _, e := range req.Events {
			e.Release(true)
		}
		return nil
	}

	f.metrics.RecordForwardFailure(f.cfg.Pipeline, f.cfg.Plugin, len(b.records))
	f.logger.Warn("Forwarding to peer failed, processing records locally",
		"peer", b.peer, "records", len(b.records), "error", err)

	if werr := f.receiveBuffer.WriteAll(ctx, b.records, f.cfg.LocalWriteTimeout); werr != nil {
		f.logger.Warn("Local receive buffer rejected failed records, returning them to the processor",
			"records", len(b.records), "error", werr)
		return b.records
	}
	return nil
}

func (f *RemoteForwarder) deliver(ctx context.Context, peer string, req *ForwardRequest) error {
	client, err := f.pool.GetClient(peer)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	policy := retry.PeerRequest()
	policy.RetryIf = errors.IsTransient
	return retry.Do(sendCtx, policy, func() error {
		return client.Send(sendCtx, req)
	})
}

// ReceiveRecords implements Forwarder. The read is checkpointed right
// away; the records now belong to the caller.
func (f *RemoteForwarder) ReceiveRecords(ctx context.Context, wait time.Duration) []*event.Record {
	records, state, err := f.receiveBuffer.Read(ctx, wait)
	if err != nil {
		f.logger.Warn("Reading peer receive buffer failed", "error", err)
		return nil
	}
	f.receiveBuffer.Checkpoint(state)
	return records
}

// PrepareForShutdown makes the next ForwardRecords flush every pending
// batch
func (f *RemoteForwarder) PrepareForShutdown() {
	f.shuttingDown.Store(true)
}

// IsReadyForShutdown is true when nothing waits to be forwarded and the
// receive buffer is empty
func (f *RemoteForwarder) IsReadyForShutdown() bool {
	return f.Pending() == 0 && f.receiveBuffer.IsEmpty()
}

// Pending returns the number of records queued for forwarding
func (f *RemoteForwarder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queues {
		n += len(q.records)
	}
	return n
}
