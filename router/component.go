package router

import "github.com/c360/eventpipe/event"

// DataFlowComponent pairs a component with the routes gating delivery to it.
// No routes means the component is unconditional.
type DataFlowComponent[C any] struct {
	Component C
	Routes    []string
}

// NewDataFlowComponent creates a DataFlowComponent
func NewDataFlowComponent[C any](component C, routes ...string) DataFlowComponent[C] {
	return DataFlowComponent[C]{Component: component, Routes: routes}
}

// IsUnconditional reports whether the component declares no routes
func (d DataFlowComponent[C]) IsUnconditional() bool {
	return len(d.Routes) == 0
}

// DataFlowComponentRouter selects the records for a single component
type DataFlowComponentRouter[C any] struct{}

// Route delivers to component the records it should receive and returns
// the original records selected. Unconditional components receive the
// whole batch; others receive the records whose matched routes intersect
// their declared routes. deliver is not called for an empty selection.
func (DataFlowComponentRouter[C]) Route(
	records []*event.Record,
	component DataFlowComponent[C],
	recordsToRoutes map[*event.Record]RouteSet,
	strategy GetRecordStrategy,
	deliver func(C, []*event.Record),
) []*event.Record {
	var selected []*event.Record
	if component.IsUnconditional() {
		selected = records
	} else {
		for _, r := range records {
			if recordsToRoutes[r].Intersects(component.Routes) {
				selected = append(selected, r)
			}
		}
	}
	if len(selected) == 0 {
		return nil
	}

	if component.IsUnconditional() {
		deliver(component.Component, strategy.AllRecords(selected))
	} else {
		batch := make([]*event.Record, len(selected))
		for i, r := range selected {
			batch[i] = strategy.Record(r)
		}
		deliver(component.Component, batch)
	}
	return selected
}
