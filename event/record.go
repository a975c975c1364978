package event

// Record wraps a payload travelling through buffers. Records are passed by
// pointer and compared by identity, so two records carrying equal events
// are still distinct.
type Record struct {
	Data any
}

// NewRecord wraps data in a record
func NewRecord(data any) *Record {
	return &Record{Data: data}
}

// Event returns the record's event when the payload is one
func (r *Record) Event() (*Event, bool) {
	if r == nil {
		return nil, false
	}
	e, ok := r.Data.(*Event)
	return e, ok && e != nil
}

// Events extracts the events of records, skipping other payloads
func Events(records []*Record) []*Event {
	out := make([]*Event, 0, len(records))
	for _, r := range records {
		if e, ok := r.Event(); ok {
			out = append(out, e)
		}
	}
	return out
}

// ReleaseAll releases the handle of every event among records
func ReleaseAll(records []*Record, success bool) {
	for _, r := range records {
		if e, ok := r.Event(); ok {
			e.Release(success)
		}
	}
}
