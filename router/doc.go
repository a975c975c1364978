// Package router decides which downstream components receive which records.
//
// Routing runs in two phases per batch. RouteEventEvaluator evaluates every
// named route condition once per record, producing the set of routes each
// record matched. DataFlowComponentRouter then selects, for one component,
// the records whose matched routes intersect the routes the component
// declares. A component that declares no routes receives every record.
//
// Router combines both phases for a list of components and hands each event
// record that reached no component to a NoRouteHandler, exactly once.
//
//	r := router.New[plugin.Sink](evaluator, router.DefaultNoRouteHandler(logger, metrics, "ingest"))
//	r.Route(records, sinks, router.NewCopyRecordStrategy(), func(s plugin.Sink, batch []*event.Record) {
//	    s.Output(ctx, batch)
//	})
package router
