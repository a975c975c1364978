package buffer

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/metric"
)

// Bounded is an in-memory FIFO buffer whose capacity is guarded by a
// weighted semaphore. Permits are taken on write and returned on
// Checkpoint, so capacity covers queued and in-flight items alike.
type Bounded[T any] struct {
	name         string
	capacity     int
	batchSize    int
	drainTimeout time.Duration

	permits *semaphore.Weighted

	mu    sync.Mutex
	queue []T
	// notify is signalled whenever items are enqueued
	notify chan struct{}

	inFlight atomic.Int64
	closed   atomic.Bool

	stats   *Statistics
	metrics *metric.Metrics
}

// NewBounded creates a buffer holding at most capacity items, handing out
// reads of at most batchSize items.
func NewBounded[T any](capacity, batchSize int, opts ...Option) (*Bounded[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("capacity must be positive, got %d", capacity),
			"Bounded", "NewBounded", "validate capacity")
	}
	if batchSize <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("batch size must be positive, got %d", batchSize),
			"Bounded", "NewBounded", "validate batch size")
	}
	if batchSize > capacity {
		return nil, errors.WrapInvalid(
			fmt.Errorf("batch size %d exceeds capacity %d", batchSize, capacity),
			"Bounded", "NewBounded", "validate batch size")
	}

	o := applyOptions(opts...)
	return &Bounded[T]{
		name:         o.name,
		capacity:     capacity,
		batchSize:    batchSize,
		drainTimeout: o.drainTimeout,
		permits:      semaphore.NewWeighted(int64(capacity)),
		queue:        make([]T, 0, batchSize),
		notify:       make(chan struct{}, 1),
		stats:        NewStatistics(),
		metrics:      o.metrics,
	}, nil
}

// Name returns the buffer name
func (b *Bounded[T]) Name() string {
	return b.name
}

// Capacity returns the configured capacity
func (b *Bounded[T]) Capacity() int {
	return b.capacity
}

// BatchSize returns the maximum number of items per read
func (b *Bounded[T]) BatchSize() int {
	return b.batchSize
}

// Write enqueues one item
func (b *Bounded[T]) Write(ctx context.Context, item T, timeout time.Duration) error {
	if err := b.acquire(ctx, 1, timeout, "Write"); err != nil {
		return err
	}
	b.enqueue(item)
	return nil
}

// WriteAll enqueues every item or none. A batch larger than the buffer's
// capacity is rejected before any permit is requested.
func (b *Bounded[T]) WriteAll(ctx context.Context, items []T, timeout time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) > b.capacity {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %d records, capacity %d", errors.ErrSizeOverflow, len(items), b.capacity),
			"Bounded", "WriteAll", "check batch size")
	}
	if err := b.acquire(ctx, len(items), timeout, "WriteAll"); err != nil {
		return err
	}
	b.enqueue(items...)
	return nil
}

func (b *Bounded[T]) acquire(ctx context.Context, n int, timeout time.Duration, method string) error {
	if b.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Bounded", method, "write to closed buffer")
	}

	if timeout <= 0 {
		if b.permits.TryAcquire(int64(n)) {
			return nil
		}
		return b.timedOut(method)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := b.permits.Acquire(waitCtx, int64(n)); err != nil {
		if ctx.Err() != nil {
			return errors.WrapTransient(ctx.Err(), "Bounded", method, "acquire permits")
		}
		if stderrors.Is(err, context.DeadlineExceeded) {
			return b.timedOut(method)
		}
		return errors.WrapTransient(err, "Bounded", method, "acquire permits")
	}
	return nil
}

func (b *Bounded[T]) timedOut(method string) error {
	b.stats.recordTimeout()
	b.metrics.RecordBufferWriteTimeout(b.name)
	return errors.WrapTransient(errors.ErrBufferTimeout, "Bounded", method, "acquire permits")
}

func (b *Bounded[T]) enqueue(items ...T) {
	b.mu.Lock()
	b.queue = append(b.queue, items...)
	size := len(b.queue)
	b.mu.Unlock()

	b.stats.recordWrite(len(items))
	b.stats.observeSize(size)
	b.reportUsage()
	b.signal()
}

func (b *Bounded[T]) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// take moves up to max items from the head of the queue to in-flight.
// Both happen under the lock so IsEmpty never sees the items in neither.
func (b *Bounded[T]) take(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.queue)
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]T, n)
	copy(out, b.queue[:n])
	b.inFlight.Add(int64(n))

	var zero T
	for i := 0; i < n; i++ {
		b.queue[i] = zero
	}
	b.queue = b.queue[n:]
	if len(b.queue) > 0 {
		// wake another reader for the remainder
		b.signal()
	} else {
		b.queue = make([]T, 0, b.batchSize)
	}
	return out
}

// Read drains up to one batch. It keeps polling until the batch is full or
// timeout elapses, then returns whatever it collected.
func (b *Bounded[T]) Read(ctx context.Context, timeout time.Duration) ([]T, CheckpointState, error) {
	batch := b.take(b.batchSize)

	if len(batch) < b.batchSize && timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

	wait:
		for len(batch) < b.batchSize {
			select {
			case <-ctx.Done():
				break wait
			case <-timer.C:
				break wait
			case <-b.notify:
				batch = append(batch, b.take(b.batchSize-len(batch))...)
			}
		}
	}

	if len(batch) > 0 {
		b.stats.recordRead(len(batch))
	}
	return batch, NewCheckpointState(len(batch)), nil
}

// Checkpoint returns the permits of a previous read
func (b *Bounded[T]) Checkpoint(state CheckpointState) {
	n := int64(state.NumRecords)
	if n <= 0 {
		return
	}
	for {
		current := b.inFlight.Load()
		if n > current {
			// never release more than was handed out
			n = current
		}
		if n == 0 {
			return
		}
		if b.inFlight.CompareAndSwap(current, current-n) {
			break
		}
	}
	b.permits.Release(n)
	b.stats.recordCheckpoint(int(n))
	b.reportUsage()
}

// IsEmpty is true when nothing is queued and every read was checkpointed
func (b *Bounded[T]) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) == 0 && b.inFlight.Load() == 0
}

// Size returns the number of queued items
func (b *Bounded[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// InFlight returns the number of items read but not yet checkpointed
func (b *Bounded[T]) InFlight() int {
	return int(b.inFlight.Load())
}

// DrainTimeout returns the configured drain timeout
func (b *Bounded[T]) DrainTimeout() time.Duration {
	return b.drainTimeout
}

// IsWrittenOffHeapOnly is always false for an in-memory buffer
func (b *Bounded[T]) IsWrittenOffHeapOnly() bool {
	return false
}

// Shutdown rejects further writes. Queued items can still be read.
func (b *Bounded[T]) Shutdown() {
	b.closed.Store(true)
}

// Stats returns the buffer statistics
func (b *Bounded[T]) Stats() *Statistics {
	return b.stats
}

func (b *Bounded[T]) reportUsage() {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordBufferUsage(b.name, b.Size()+b.InFlight(), b.capacity)
}
