package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity. All counters are updated atomically.
type Statistics struct {
	writes      atomic.Int64
	reads       atomic.Int64
	checkpoints atomic.Int64
	timeouts    atomic.Int64
	maxSize     atomic.Int64
	startTime   time.Time
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) recordWrite(n int) {
	s.writes.Add(int64(n))
}

func (s *Statistics) recordRead(n int) {
	s.reads.Add(int64(n))
}

func (s *Statistics) recordCheckpoint(n int) {
	s.checkpoints.Add(int64(n))
}

func (s *Statistics) recordTimeout() {
	s.timeouts.Add(1)
}

func (s *Statistics) observeSize(size int) {
	for {
		current := s.maxSize.Load()
		if int64(size) <= current || s.maxSize.CompareAndSwap(current, int64(size)) {
			return
		}
	}
}

// StatsSummary is a snapshot of buffer statistics
type StatsSummary struct {
	Writes      int64         `json:"writes"`
	Reads       int64         `json:"reads"`
	Checkpoints int64         `json:"checkpoints"`
	Timeouts    int64         `json:"timeouts"`
	MaxSize     int64         `json:"max_size"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:      s.writes.Load(),
		Reads:       s.reads.Load(),
		Checkpoints: s.checkpoints.Load(),
		Timeouts:    s.timeouts.Load(),
		MaxSize:     s.maxSize.Load(),
		Uptime:      time.Since(s.startTime),
	}
}
