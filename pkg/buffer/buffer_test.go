package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/c360/eventpipe/errors"
)

func newTestBuffer(t *testing.T, capacity, batchSize int, opts ...Option) *Bounded[int] {
	t.Helper()
	buf, err := NewBounded[int](capacity, batchSize, opts...)
	require.NoError(t, err)
	return buf
}

func TestNewBoundedValidation(t *testing.T) {
	tests := []struct {
		name      string
		capacity  int
		batchSize int
	}{
		{"zero capacity", 0, 1},
		{"negative batch", 10, -1},
		{"batch above capacity", 5, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBounded[int](tt.capacity, tt.batchSize)
			require.Error(t, err)
			assert.True(t, cerrors.IsInvalid(err))
		})
	}
}

func TestBoundedImplementsBuffer(t *testing.T) {
	var _ Buffer[int] = newTestBuffer(t, 2, 1)
	var _ Buffer[int] = NewCircuitBreaking[int](newTestBuffer(t, 2, 1), nil)
	var _ Buffer[int] = &MultiBuffer[int]{}
}

func TestWriteAllSizeOverflow(t *testing.T) {
	buf := newTestBuffer(t, 10, 5)

	items := make([]int, 11)
	start := time.Now()
	err := buf.WriteAll(context.Background(), items, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrSizeOverflow))
	assert.True(t, cerrors.IsInvalid(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "overflow must fail without waiting")

	// no permits were taken
	require.NoError(t, buf.WriteAll(context.Background(), make([]int, 10), 0))
}

func TestWriteTimesOutWhenFull(t *testing.T) {
	buf := newTestBuffer(t, 2, 2, WithName("full"))
	ctx := context.Background()

	require.NoError(t, buf.Write(ctx, 1, time.Second))
	require.NoError(t, buf.Write(ctx, 2, time.Second))

	err := buf.Write(ctx, 3, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrBufferTimeout))
	assert.True(t, cerrors.IsTransient(err))
	assert.Equal(t, int64(1), buf.Stats().Summary().Timeouts)

	err = buf.WriteAll(ctx, []int{3, 4}, 0)
	assert.True(t, errors.Is(err, cerrors.ErrBufferTimeout))
}

func TestWriteAllIsAtomic(t *testing.T) {
	buf := newTestBuffer(t, 4, 4)
	ctx := context.Background()

	require.NoError(t, buf.WriteAll(ctx, []int{1, 2, 3}, time.Second))

	// only one permit left; the pair must not be partially enqueued
	err := buf.WriteAll(ctx, []int{4, 5}, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, buf.Size())

	require.NoError(t, buf.Write(ctx, 4, time.Second))
	assert.Equal(t, 4, buf.Size())
}

func TestReadIsFIFOAndBatched(t *testing.T) {
	buf := newTestBuffer(t, 10, 3)
	ctx := context.Background()

	require.NoError(t, buf.WriteAll(ctx, []int{1, 2, 3, 4, 5}, time.Second))

	batch, state, err := buf.Read(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, batch)
	assert.Equal(t, 3, state.NumRecords)

	batch, state, err = buf.Read(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, batch)
	assert.Equal(t, 2, state.NumRecords)

	batch, state, err = buf.Read(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Equal(t, 0, state.NumRecords)
}

func TestReadWaitsForBatchToFill(t *testing.T) {
	buf := newTestBuffer(t, 10, 3)
	ctx := context.Background()

	require.NoError(t, buf.Write(ctx, 1, time.Second))
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = buf.WriteAll(ctx, []int{2, 3}, time.Second)
	}()

	batch, _, err := buf.Read(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, batch)
}

func TestReadReturnsPartialBatchOnTimeout(t *testing.T) {
	buf := newTestBuffer(t, 10, 5)
	ctx := context.Background()
	require.NoError(t, buf.Write(ctx, 7, time.Second))

	start := time.Now()
	batch, state, err := buf.Read(ctx, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, batch)
	assert.Equal(t, 1, state.NumRecords)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestIsEmptyTracksInFlight(t *testing.T) {
	buf := newTestBuffer(t, 5, 5)
	ctx := context.Background()
	assert.True(t, buf.IsEmpty())

	require.NoError(t, buf.WriteAll(ctx, []int{1, 2}, time.Second))
	assert.False(t, buf.IsEmpty())

	_, state, err := buf.Read(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, buf.Size())
	assert.Equal(t, 2, buf.InFlight())
	assert.False(t, buf.IsEmpty(), "unacknowledged reads keep the buffer non-empty")

	buf.Checkpoint(state)
	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 0, buf.InFlight())
}

func TestIsEmptyFalseWhileReadFillsBatch(t *testing.T) {
	buf := newTestBuffer(t, 10, 5)
	ctx := context.Background()
	require.NoError(t, buf.Write(ctx, 1, time.Second))

	type result struct {
		batch []int
		state CheckpointState
	}
	done := make(chan result, 1)
	go func() {
		batch, state, _ := buf.Read(ctx, 300*time.Millisecond)
		done <- result{batch, state}
	}()

	// the reader holds item 1 while it waits for the rest of the batch
	require.Eventually(t, func() bool { return buf.Size() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, buf.InFlight())
	assert.False(t, buf.IsEmpty())

	res := <-done
	assert.Equal(t, []int{1}, res.batch)
	assert.False(t, buf.IsEmpty())
	buf.Checkpoint(res.state)
	assert.True(t, buf.IsEmpty())
}

func TestCheckpointReleasesCapacity(t *testing.T) {
	buf := newTestBuffer(t, 3, 3)
	ctx := context.Background()

	require.NoError(t, buf.WriteAll(ctx, []int{1, 2, 3}, time.Second))
	_, state, err := buf.Read(ctx, 0)
	require.NoError(t, err)

	// read alone does not free capacity
	err = buf.Write(ctx, 4, 10*time.Millisecond)
	assert.True(t, errors.Is(err, cerrors.ErrBufferTimeout))

	buf.Checkpoint(state)
	require.NoError(t, buf.WriteAll(ctx, []int{4, 5, 6}, 0))
}

func TestCheckpointNeverOverReleases(t *testing.T) {
	buf := newTestBuffer(t, 2, 2)
	ctx := context.Background()

	require.NoError(t, buf.Write(ctx, 1, time.Second))
	_, state, err := buf.Read(ctx, 0)
	require.NoError(t, err)

	buf.Checkpoint(state)
	buf.Checkpoint(state)
	buf.Checkpoint(NewCheckpointState(100))
	assert.Equal(t, 0, buf.InFlight())

	// capacity is still exactly two
	require.NoError(t, buf.WriteAll(ctx, []int{1, 2}, 0))
	err = buf.Write(ctx, 3, 0)
	assert.True(t, errors.Is(err, cerrors.ErrBufferTimeout))
}

func TestWriteHonoursContextCancellation(t *testing.T) {
	buf := newTestBuffer(t, 1, 1)
	require.NoError(t, buf.Write(context.Background(), 1, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := buf.Write(ctx, 2, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestShutdownRejectsWrites(t *testing.T) {
	buf := newTestBuffer(t, 5, 5)
	ctx := context.Background()
	require.NoError(t, buf.Write(ctx, 1, time.Second))

	buf.Shutdown()
	err := buf.Write(ctx, 2, time.Second)
	assert.True(t, errors.Is(err, cerrors.ErrShuttingDown))

	batch, _, err := buf.Read(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, batch)
}

func TestPermitAccountingUnderConcurrency(t *testing.T) {
	const capacity = 16
	buf := newTestBuffer(t, capacity, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const producers = 4
	const perProducer = 200

	var written atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; {
				if err := buf.WriteAll(ctx, []int{i, i + 1}, 50*time.Millisecond); err != nil {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				written.Add(2)
				i += 2
			}
		}()
	}

	var consumed atomic.Int64
	done := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 3; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				batch, state, _ := buf.Read(ctx, 5*time.Millisecond)
				if len(batch) > 4 {
					t.Errorf("batch of %d exceeds batch size", len(batch))
				}
				consumed.Add(int64(len(batch)))
				buf.Checkpoint(state)
				select {
				case <-done:
					if buf.IsEmpty() {
						return
					}
				default:
				}
			}
		}()
	}

	wg.Wait()
	close(done)
	readers.Wait()

	assert.Equal(t, int64(producers*perProducer), written.Load())
	assert.Equal(t, written.Load(), consumed.Load())
	assert.True(t, buf.IsEmpty())

	summary := buf.Stats().Summary()
	assert.Equal(t, summary.Writes, summary.Reads)
	assert.Equal(t, summary.Reads, summary.Checkpoints)
	assert.LessOrEqual(t, summary.MaxSize, int64(capacity))
}

type fakeBreaker struct {
	open atomic.Bool
}

func (f *fakeBreaker) IsOpen() bool { return f.open.Load() }

func TestCircuitBreakingFailsFastWhenOpen(t *testing.T) {
	inner := newTestBuffer(t, 5, 5)
	breaker := &fakeBreaker{}
	buf := NewCircuitBreaking[int](inner, breaker)
	ctx := context.Background()

	require.NoError(t, buf.Write(ctx, 1, time.Second))

	breaker.open.Store(true)
	start := time.Now()
	err := buf.WriteAll(ctx, []int{2, 3}, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrCircuitOpen))
	assert.True(t, cerrors.IsTransient(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	err = buf.Write(ctx, 2, time.Second)
	assert.True(t, errors.Is(err, cerrors.ErrCircuitOpen))

	// reads still drain while the breaker is open
	batch, state, err := buf.Read(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, batch)
	buf.Checkpoint(state)
	assert.True(t, buf.IsEmpty())

	breaker.open.Store(false)
	require.NoError(t, buf.Write(ctx, 4, time.Second))
	assert.Same(t, inner, buf.Unwrap())
}

func TestMultiBuffer(t *testing.T) {
	primary := newTestBuffer(t, 5, 5, WithDrainTimeout(time.Second))
	secondary := newTestBuffer(t, 5, 5, WithDrainTimeout(3*time.Second))
	ctx := context.Background()

	assert.Same(t, primary, NewMultiBuffer[int](primary).(*Bounded[int]))

	multi := NewMultiBuffer[int](primary, secondary)
	assert.Equal(t, 3*time.Second, multi.DrainTimeout())
	assert.True(t, multi.IsEmpty())

	require.NoError(t, multi.WriteAll(ctx, []int{1, 2}, time.Second))
	assert.Equal(t, 2, primary.Size())

	require.NoError(t, secondary.Write(ctx, 9, time.Second))

	batch, state, err := multi.Read(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, batch)
	multi.Checkpoint(state)
	assert.True(t, primary.IsEmpty())
	assert.False(t, multi.IsEmpty(), "secondary still holds a record")

	_, secondaryState, err := secondary.Read(ctx, 0)
	require.NoError(t, err)
	secondary.Checkpoint(secondaryState)
	assert.True(t, multi.IsEmpty())

	multi.Shutdown()
	assert.True(t, errors.Is(primary.Write(ctx, 1, 0), cerrors.ErrShuttingDown))
	assert.True(t, errors.Is(secondary.Write(ctx, 1, 0), cerrors.ErrShuttingDown))
}
