package buffer

import (
	"context"
	"time"

	"github.com/c360/eventpipe/errors"
)

// Breaker reports whether writes should currently be refused
type Breaker interface {
	IsOpen() bool
}

// CircuitBreaking refuses writes while its breaker is open. Everything
// other than writes passes straight through to the wrapped buffer.
type CircuitBreaking[T any] struct {
	inner   Buffer[T]
	breaker Breaker
}

// NewCircuitBreaking wraps inner with breaker
func NewCircuitBreaking[T any](inner Buffer[T], breaker Breaker) *CircuitBreaking[T] {
	return &CircuitBreaking[T]{inner: inner, breaker: breaker}
}

// Unwrap returns the wrapped buffer
func (c *CircuitBreaking[T]) Unwrap() Buffer[T] {
	return c.inner
}

func (c *CircuitBreaking[T]) check(method string) error {
	if c.breaker != nil && c.breaker.IsOpen() {
		return errors.WrapTransient(errors.ErrCircuitOpen, "CircuitBreaking", method, "check circuit breaker")
	}
	return nil
}

// Write fails fast with ErrCircuitOpen while the breaker is open
func (c *CircuitBreaking[T]) Write(ctx context.Context, item T, timeout time.Duration) error {
	if err := c.check("Write"); err != nil {
		return err
	}
	return c.inner.Write(ctx, item, timeout)
}

// WriteAll fails fast with ErrCircuitOpen while the breaker is open
func (c *CircuitBreaking[T]) WriteAll(ctx context.Context, items []T, timeout time.Duration) error {
	if err := c.check("WriteAll"); err != nil {
		return err
	}
	return c.inner.WriteAll(ctx, items, timeout)
}

func (c *CircuitBreaking[T]) Read(ctx context.Context, timeout time.Duration) ([]T, CheckpointState, error) {
	return c.inner.Read(ctx, timeout)
}

func (c *CircuitBreaking[T]) Checkpoint(state CheckpointState) {
	c.inner.Checkpoint(state)
}

func (c *CircuitBreaking[T]) IsEmpty() bool {
	return c.inner.IsEmpty()
}

func (c *CircuitBreaking[T]) DrainTimeout() time.Duration {
	return c.inner.DrainTimeout()
}

func (c *CircuitBreaking[T]) IsWrittenOffHeapOnly() bool {
	return c.inner.IsWrittenOffHeapOnly()
}

func (c *CircuitBreaking[T]) Shutdown() {
	c.inner.Shutdown()
}
