package router

import (
	"sync"

	"github.com/c360/eventpipe/event"
)

// GetRecordStrategy decides what a component actually receives for a
// routed record
type GetRecordStrategy interface {
	Record(r *event.Record) *event.Record
	AllRecords(records []*event.Record) []*event.Record
}

// PassThroughStrategy hands the same record to every component
type PassThroughStrategy struct{}

// Record returns r
func (PassThroughStrategy) Record(r *event.Record) *event.Record {
	return r
}

// AllRecords returns records
func (PassThroughStrategy) AllRecords(records []*event.Record) []*event.Record {
	return records
}

// CopyRecordStrategy hands the original record to the first component that
// receives it and a deep copy to every later one, so components never share
// a mutable event. Use a fresh strategy per batch.
type CopyRecordStrategy struct {
	mu        sync.Mutex
	delivered map[*event.Record]struct{}
}

// NewCopyRecordStrategy creates a strategy with no deliveries
func NewCopyRecordStrategy() *CopyRecordStrategy {
	return &CopyRecordStrategy{delivered: make(map[*event.Record]struct{})}
}

// Record returns r on first use and a copy afterwards. Non-event payloads
// cannot be copied and are passed through.
func (s *CopyRecordStrategy) Record(r *event.Record) *event.Record {
	s.mu.Lock()
	_, seen := s.delivered[r]
	if !seen {
		s.delivered[r] = struct{}{}
	}
	s.mu.Unlock()

	if !seen {
		return r
	}
	if e, ok := r.Event(); ok {
		return event.NewRecord(e.Copy())
	}
	return r
}

// AllRecords applies Record to each record
func (s *CopyRecordStrategy) AllRecords(records []*event.Record) []*event.Record {
	out := make([]*event.Record, len(records))
	for i, r := range records {
		out[i] = s.Record(r)
	}
	return out
}
