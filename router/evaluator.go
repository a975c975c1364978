package router

import (
	"log/slog"

	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/expression"
	"github.com/c360/eventpipe/metric"
)

// RouteEventEvaluator evaluates a pipeline's routes against records
type RouteEventEvaluator struct {
	routes    []Route
	evaluator expression.Evaluator
	logger    *slog.Logger
	metrics   *metric.Metrics
}

// NewRouteEventEvaluator creates an evaluator for routes. metrics may be nil.
func NewRouteEventEvaluator(routes []Route, evaluator expression.Evaluator, logger *slog.Logger, metrics *metric.Metrics) *RouteEventEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteEventEvaluator{
		routes:    append([]Route(nil), routes...),
		evaluator: evaluator,
		logger:    logger,
		metrics:   metrics,
	}
}

// Routes returns the configured routes
func (r *RouteEventEvaluator) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

// EvaluateEventRoutes returns the routes each record matched. Every record
// of the batch has an entry; records without an event payload get an empty
// set. A condition that fails to evaluate counts as not matched for that
// record only.
func (r *RouteEventEvaluator) EvaluateEventRoutes(records []*event.Record) map[*event.Record]RouteSet {
	out := make(map[*event.Record]RouteSet, len(records))
	for _, rec := range records {
		matched := make(RouteSet)
		out[rec] = matched

		e, ok := rec.Event()
		if !ok || r.evaluator == nil {
			continue
		}
		for _, route := range r.routes {
			ok, err := r.evaluator.EvaluateConditional(route.Condition, e)
			if err != nil {
				r.metrics.RecordRouteError(route.Name)
				r.logger.Warn("Route condition failed to evaluate",
					"route", route.Name,
					"condition", route.Condition,
					"event_id", e.ID,
					"error", err)
				continue
			}
			if ok {
				matched[route.Name] = struct{}{}
			}
		}
	}
	return out
}
