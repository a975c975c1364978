package buffer

import (
	"time"

	"github.com/c360/eventpipe/metric"
)

// Default sizing for a Bounded buffer
const (
	DefaultCapacity  = 12800
	DefaultBatchSize = 200
)

// Option configures a Bounded buffer
type Option func(*bufferOptions)

type bufferOptions struct {
	name         string
	drainTimeout time.Duration
	metrics      *metric.Metrics
}

// WithName sets the name used in logs and metric labels
func WithName(name string) Option {
	return func(opts *bufferOptions) {
		opts.name = name
	}
}

// WithDrainTimeout sets how long shutdown waits for the buffer to empty
func WithDrainTimeout(d time.Duration) Option {
	return func(opts *bufferOptions) {
		if d >= 0 {
			opts.drainTimeout = d
		}
	}
}

// WithMetrics reports usage and write timeouts to the core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(opts *bufferOptions) {
		opts.metrics = m
	}
}

func applyOptions(options ...Option) *bufferOptions {
	opts := &bufferOptions{name: "buffer"}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
