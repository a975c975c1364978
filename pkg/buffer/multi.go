package buffer

import (
	"context"
	"time"
)

// MultiBuffer fronts a primary buffer and tracks secondary buffers whose
// contents are consumed elsewhere. Writes, reads and checkpoints use the
// primary. Emptiness, drain timeout and shutdown take every buffer into
// account so a pipeline does not stop while a secondary still holds work.
type MultiBuffer[T any] struct {
	primary     Buffer[T]
	secondaries []Buffer[T]
}

// NewMultiBuffer combines primary with secondaries. With no secondaries the
// primary is returned unchanged.
func NewMultiBuffer[T any](primary Buffer[T], secondaries ...Buffer[T]) Buffer[T] {
	if len(secondaries) == 0 {
		return primary
	}
	return &MultiBuffer[T]{primary: primary, secondaries: secondaries}
}

// Primary returns the buffer that receives writes
func (m *MultiBuffer[T]) Primary() Buffer[T] {
	return m.primary
}

// Secondaries returns the additional buffers
func (m *MultiBuffer[T]) Secondaries() []Buffer[T] {
	return m.secondaries
}

func (m *MultiBuffer[T]) all() []Buffer[T] {
	return append([]Buffer[T]{m.primary}, m.secondaries...)
}

func (m *MultiBuffer[T]) Write(ctx context.Context, item T, timeout time.Duration) error {
	return m.primary.Write(ctx, item, timeout)
}

func (m *MultiBuffer[T]) WriteAll(ctx context.Context, items []T, timeout time.Duration) error {
	return m.primary.WriteAll(ctx, items, timeout)
}

func (m *MultiBuffer[T]) Read(ctx context.Context, timeout time.Duration) ([]T, CheckpointState, error) {
	return m.primary.Read(ctx, timeout)
}

func (m *MultiBuffer[T]) Checkpoint(state CheckpointState) {
	m.primary.Checkpoint(state)
}

// IsEmpty is true only when every buffer is empty
func (m *MultiBuffer[T]) IsEmpty() bool {
	for _, b := range m.all() {
		if !b.IsEmpty() {
			return false
		}
	}
	return true
}

// DrainTimeout is the longest drain timeout of any buffer
func (m *MultiBuffer[T]) DrainTimeout() time.Duration {
	var longest time.Duration
	for _, b := range m.all() {
		if d := b.DrainTimeout(); d > longest {
			longest = d
		}
	}
	return longest
}

func (m *MultiBuffer[T]) IsWrittenOffHeapOnly() bool {
	return m.primary.IsWrittenOffHeapOnly()
}

// Shutdown shuts down every buffer
func (m *MultiBuffer[T]) Shutdown() {
	for _, b := range m.all() {
		b.Shutdown()
	}
}
