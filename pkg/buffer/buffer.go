// Package buffer provides the bounded, checkpointed buffers that sit between
// a pipeline's source and its workers, together with the decorators the
// pipeline builder layers on top of them.
//
// Capacity is accounted with permits: a write acquires one permit per item,
// a read hands items out without releasing permits, and Checkpoint releases
// them once the reader has finished with the batch. Occupancy therefore
// counts both queued and in-flight items.
package buffer

import (
	"context"
	"time"
)

// CheckpointState records how many items one Read handed out. Passing it
// back to Checkpoint returns exactly that much capacity.
type CheckpointState struct {
	NumRecords int
}

// NewCheckpointState creates a state for n items
func NewCheckpointState(n int) CheckpointState {
	return CheckpointState{NumRecords: n}
}

// Buffer is the contract shared by every pipeline buffer. Implementations
// must be safe for many concurrent writers and readers.
type Buffer[T any] interface {
	// Write enqueues one item, waiting up to timeout for capacity.
	Write(ctx context.Context, item T, timeout time.Duration) error

	// WriteAll enqueues all items or none of them.
	WriteAll(ctx context.Context, items []T, timeout time.Duration) error

	// Read returns up to one batch, waiting up to timeout for it to fill.
	Read(ctx context.Context, timeout time.Duration) ([]T, CheckpointState, error)

	// Checkpoint acknowledges a previous Read.
	Checkpoint(state CheckpointState)

	// IsEmpty is true only when nothing is queued and nothing is in flight.
	IsEmpty() bool

	// DrainTimeout is how long shutdown should wait for the buffer to empty.
	DrainTimeout() time.Duration

	// IsWrittenOffHeapOnly reports whether items live outside process memory.
	IsWrittenOffHeapOnly() bool

	// Shutdown rejects further writes.
	Shutdown()
}
