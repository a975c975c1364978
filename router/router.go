package router

import (
	"log/slog"
	"sync/atomic"

	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/metric"
)

// NoRouteHandler receives event records that reached no component
type NoRouteHandler func(r *event.Record)

// DefaultNoRouteHandler logs and counts an unrouted event and releases its
// acknowledgement handle. The first drop is logged at warn level, later
// ones at debug.
func DefaultNoRouteHandler(logger *slog.Logger, metrics *metric.Metrics, pipeline string) NoRouteHandler {
	if logger == nil {
		logger = slog.Default()
	}
	var warned atomic.Bool
	return func(r *event.Record) {
		e, ok := r.Event()
		if !ok {
			return
		}
		metrics.RecordUnrouted(pipeline)
		if warned.CompareAndSwap(false, true) {
			logger.Warn("Event matched no route and was dropped; further drops are logged at debug level",
				"pipeline", pipeline, "event_id", e.ID)
		} else {
			logger.Debug("Event matched no route and was dropped", "pipeline", pipeline, "event_id", e.ID)
		}
		e.Release(true)
	}
}

// Router routes batches to a fixed kind of component
type Router[C any] struct {
	evaluator *RouteEventEvaluator
	component DataFlowComponentRouter[C]
	noRoute   NoRouteHandler
}

// New creates a router. evaluator may be nil when the pipeline has no
// routes; noRoute may be nil to drop unrouted records silently.
func New[C any](evaluator *RouteEventEvaluator, noRoute NoRouteHandler) *Router[C] {
	return &Router[C]{evaluator: evaluator, noRoute: noRoute}
}

type delivery[C any] struct {
	component C
	records   []*event.Record
}

// Route evaluates the routes once for the batch, selects the records of
// every component and then calls deliver for each non-empty selection, in
// component order. Copies are taken before any delivery starts. Each event
// record delivered to no component is passed to the NoRouteHandler once.
func (r *Router[C]) Route(
	records []*event.Record,
	components []DataFlowComponent[C],
	strategy GetRecordStrategy,
	deliver func(C, []*event.Record),
) {
	if len(records) == 0 {
		return
	}

	var recordsToRoutes map[*event.Record]RouteSet
	if r.evaluator != nil {
		recordsToRoutes = r.evaluator.EvaluateEventRoutes(records)
	}

	var deliveries []delivery[C]
	collect := func(c C, batch []*event.Record) {
		deliveries = append(deliveries, delivery[C]{component: c, records: batch})
	}

	routed := make(map[*event.Record]struct{}, len(records))
	for _, component := range components {
		for _, rec := range r.component.Route(records, component, recordsToRoutes, strategy, collect) {
			routed[rec] = struct{}{}
		}
	}

	for _, d := range deliveries {
		deliver(d.component, d.records)
	}

	if r.noRoute == nil {
		return
	}
	for _, rec := range records {
		if _, ok := routed[rec]; ok {
			continue
		}
		if _, isEvent := rec.Event(); isEvent {
			r.noRoute(rec)
		}
	}
}
