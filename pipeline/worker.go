package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/plugin"
	"github.com/c360/eventpipe/router"
)

// processWorker is one read-process-publish loop of a pipeline
type processWorker struct {
	pipeline   *Pipeline
	id         int
	processors []plugin.Processor
	prepared   bool
}

func newProcessWorker(p *Pipeline, id int, processors []plugin.Processor) *processWorker {
	return &processWorker{pipeline: p, id: id, processors: processors}
}

// run loops until the pipeline is force stopped or, once a stop has been
// requested, until the buffer is drained and every processor is ready
func (w *processWorker) run(ctx context.Context) {
	p := w.pipeline
	p.logger.Debug("Process worker started", "worker", w.id)

	for !p.forceStop.Load() && ctx.Err() == nil {
		if p.stopRequested.Load() {
			if !w.prepared {
				for _, proc := range w.processors {
					proc.PrepareForShutdown()
				}
				w.prepared = true
			}
			if w.readyToShutdown() {
				break
			}
		}
		w.doRun(ctx)
	}

	p.logger.Debug("Process worker stopped", "worker", w.id, "forced", p.forceStop.Load())
}

func (w *processWorker) readyToShutdown() bool {
	if !w.pipeline.buffer.IsEmpty() {
		return false
	}
	for _, proc := range w.processors {
		if !proc.IsReadyForShutdown() {
			return false
		}
	}
	return true
}

func (w *processWorker) doRun(ctx context.Context) {
	p := w.pipeline

	records, state, err := p.buffer.Read(ctx, p.readBatchDelay)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("Buffer read failed", "worker", w.id, "error", err)
		}
		return
	}
	start := time.Now()
	read := len(records)

	// processors run on empty batches too; stateful ones flush on them
	for _, proc := range w.processors {
		records = w.execute(ctx, proc, records)
	}

	w.publish(ctx, records)
	p.buffer.Checkpoint(state)
	p.metrics.RecordBatch(p.name, read, len(records), time.Since(start))
}

// execute runs one processor. A panic discards the batch and fails its
// events so the source can redeliver them.
func (w *processWorker) execute(ctx context.Context, proc plugin.Processor, records []*event.Record) (out []*event.Record) {
	defer func() {
		if r := recover(); r != nil {
			w.pipeline.logger.Error("Processor panicked, dropping batch",
				"worker", w.id, "panic", r, "records", len(records))
			for _, e := range event.Events(records) {
				e.Release(false)
			}
			out = nil
		}
	}()

	if !w.pipeline.acknowledgements {
		return proc.Execute(ctx, records)
	}

	inputs := event.Events(records)
	out = proc.Execute(ctx, records)
	releaseDropped(inputs, out)
	return out
}

// releaseDropped releases the handle of every input event a processor did
// not pass on
func releaseDropped(inputs []*event.Event, outputs []*event.Record) {
	if len(inputs) == 0 {
		return
	}
	kept := make(map[*event.Event]struct{}, len(outputs))
	for _, e := range event.Events(outputs) {
		kept[e] = struct{}{}
	}
	for _, e := range inputs {
		if _, ok := kept[e]; !ok {
			e.Release(true)
		}
	}
}

// publish routes records to the sinks and waits for every sink to finish
func (w *processWorker) publish(ctx context.Context, records []*event.Record) {
	p := w.pipeline
	if len(records) == 0 {
		return
	}

	var g errgroup.Group
	p.router.Route(records, p.sinks, router.NewCopyRecordStrategy(), func(s *NamedSink, batch []*event.Record) {
		p.metrics.RecordRouted(p.name, s.Name, len(batch))
		g.Go(func() error {
			w.output(ctx, s, batch)
			return nil
		})
	})
	_ = g.Wait()
}

func (w *processWorker) output(ctx context.Context, s *NamedSink, batch []*event.Record) {
	defer func() {
		if r := recover(); r != nil {
			w.pipeline.logger.Error("Sink panicked", "sink", s.Name, "panic", r, "records", len(batch))
			for _, e := range event.Events(batch) {
				e.Release(false)
			}
		}
	}()
	s.Output(ctx, batch)
}
