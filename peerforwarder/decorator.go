package peerforwarder

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/plugin"
)

// ProcessingDecorator wraps a processor whose state is keyed, so that each
// event reaches the node owning its identification key values. Execute
// forwards the batch, adds records forwarded here by other peers and runs
// the inner processor on the merged batch.
type ProcessingDecorator struct {
	inner      plugin.Processor
	forwarder  Forwarder
	filter     plugin.PeerForwardingFilter
	batchDelay time.Duration
	disabled   bool
}

// Inner returns the decorated processor
func (d *ProcessingDecorator) Inner() plugin.Processor {
	return d.inner
}

// IsPeerForwardingDisabled reports whether every record is processed
// locally because the identification keys are excluded
func (d *ProcessingDecorator) IsPeerForwardingDisabled() bool {
	return d.disabled
}

// Execute implements plugin.Processor. Events the processor declines for
// forwarding skip it entirely unless they are local only, in which case
// they are processed here without forwarding.
func (d *ProcessingDecorator) Execute(ctx context.Context, records []*event.Record) []*event.Record {
	var forward, localOnly, skipped []*event.Record
	if d.filter == nil {
		forward = records
	} else {
		for _, rec := range records {
			e, ok := rec.Event()
			if !ok || d.filter.IsApplicableEventForPeerForwarding(e) {
				forward = append(forward, rec)
				continue
			}
			if d.filter.IsForLocalProcessingOnly(e) {
				localOnly = append(localOnly, rec)
			} else {
				skipped = append(skipped, rec)
			}
		}
	}

	local := d.forwarder.ForwardRecords(ctx, forward)

	// only wait for forwarded records when there is nothing else to do
	wait := time.Duration(0)
	if len(records) == 0 {
		wait = d.batchDelay
	}
	received := d.forwarder.ReceiveRecords(ctx, wait)

	batch := make([]*event.Record, 0, len(local)+len(received)+len(localOnly))
	batch = append(batch, local...)
	batch = append(batch, received...)
	batch = append(batch, localOnly...)

	out := d.inner.Execute(ctx, batch)
	return append(out, skipped...)
}

// PrepareForShutdown implements plugin.Processor
func (d *ProcessingDecorator) PrepareForShutdown() {
	d.forwarder.PrepareForShutdown()
	d.inner.PrepareForShutdown()
}

// IsReadyForShutdown is true when the inner processor is ready and nothing
// is left to forward or receive
func (d *ProcessingDecorator) IsReadyForShutdown() bool {
	return d.inner.IsReadyForShutdown() && d.forwarder.IsReadyForShutdown()
}

// Shutdown implements plugin.Processor
func (d *ProcessingDecorator) Shutdown() {
	d.inner.Shutdown()
}

// DecorateProcessors wraps the instances of one processor plugin. Every
// instance must report the same non-empty identification keys. When the
// keys are excluded in the configuration, or no provider is given,
// records are processed locally.
func DecorateProcessors(processors []plugin.Processor, provider *Provider, pipeline, pluginID string, workers int) ([]plugin.Processor, error) {
	if len(processors) == 0 {
		return nil, nil
	}

	keys, err := identificationKeys(processors)
	if err != nil {
		return nil, err
	}

	var (
		forwarder  Forwarder = LocalForwarder{}
		batchDelay time.Duration
		disabled   = true
	)
	if provider != nil {
		cfg := provider.Config()
		batchDelay = cfg.BatchDelay
		if !cfg.IsExcluded(keys) {
			forwarder, err = provider.Register(pipeline, pluginID, keys, workers)
			if err != nil {
				return nil, err
			}
			disabled = false
		}
	}

	out := make([]plugin.Processor, len(processors))
	for i, p := range processors {
		filter, _ := p.(plugin.PeerForwardingFilter)
		out[i] = &ProcessingDecorator{
			inner:      p,
			forwarder:  forwarder,
			filter:     filter,
			batchDelay: batchDelay,
			disabled:   disabled,
		}
	}
	return out, nil
}

func identificationKeys(processors []plugin.Processor) ([]string, error) {
	var keys []string
	for i, p := range processors {
		provider, ok := p.(plugin.IdentificationKeyProvider)
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: processor %T does not provide identification keys", errors.ErrInvalidConfig, p),
				"ProcessingDecorator", "DecorateProcessors", "identification keys")
		}
		k := provider.IdentificationKeys()
		if len(k) == 0 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: processor %T returned no identification keys", errors.ErrInvalidConfig, p),
				"ProcessingDecorator", "DecorateProcessors", "identification keys")
		}
		if i == 0 {
			keys = k
			continue
		}
		if !sameKeys(keys, k) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: processor instances report different identification keys %v and %v",
					errors.ErrInvalidConfig, keys, k),
				"ProcessingDecorator", "DecorateProcessors", "identification keys")
		}
	}
	return append([]string(nil), keys...), nil
}
