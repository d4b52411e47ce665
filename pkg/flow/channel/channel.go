// Package channel provides the bounded FIFO queue used as the in-process
// transport between pipeline stages.
//
// A full bounded channel blocks the sender; this is the engine's sole
// backpressure mechanism and keeps memory bounded when a downstream stage is
// slower than its upstream. The synchronous backend uses the unbounded
// variant so a stage can run to completion with its entire output queued.
package channel

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send on a closed channel, and by Receive once a
// closed channel has been drained.
var ErrClosed = errors.New("channel is closed")

// Channel is a FIFO queue carrying values of type T between workers.
// All methods are safe for concurrent use.
type Channel[T any] interface {
	// Send appends v, blocking while a bounded channel is full.
	Send(ctx context.Context, v T) error

	// TrySend appends v without blocking. It reports false when the
	// channel is full.
	TrySend(v T) (bool, error)

	// Receive removes and returns the oldest value, blocking while the
	// channel is empty and open.
	Receive(ctx context.Context) (T, error)

	// TryReceive removes the oldest value without blocking. The boolean
	// reports whether a value was present.
	TryReceive() (T, bool, error)

	// Close marks the channel closed. Queued values can still be
	// received; blocked senders and receivers are released.
	Close() error

	// IsClosed reports whether Close has been called.
	IsClosed() bool

	// Len returns the number of queued values.
	Len() int

	// Cap returns the capacity, or 0 for an unbounded channel.
	Cap() int
}

// Config holds channel configuration.
type Config struct {
	// Capacity bounds the queue. Ignored when Unbounded is set.
	Capacity int

	// Unbounded disables the capacity limit; Send never blocks.
	Unbounded bool

	// OnBlock is invoked each time a send has to wait for space.
	OnBlock func()
}

// New creates a bounded channel with the given capacity.
func New[T any](capacity int) Channel[T] {
	return NewWithConfig[T](Config{Capacity: capacity})
}

// NewUnbounded creates a channel whose queue grows without limit.
func NewUnbounded[T any]() Channel[T] {
	return NewWithConfig[T](Config{Unbounded: true})
}

// NewWithConfig creates a channel with the specified configuration.
func NewWithConfig[T any](cfg Config) Channel[T] {
	if !cfg.Unbounded && cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	q := &queue[T]{cfg: cfg}
	q.sendCond = sync.NewCond(&q.mu)
	q.recvCond = sync.NewCond(&q.mu)
	return q
}

// queue implements Channel with a mutex-guarded slice.
type queue[T any] struct {
	cfg Config

	mu       sync.Mutex
	sendCond *sync.Cond
	recvCond *sync.Cond
	items    []T
	closed   bool
}

func (q *queue[T]) full() bool {
	return !q.cfg.Unbounded && len(q.items) >= q.cfg.Capacity
}

func (q *queue[T]) Send(ctx context.Context, v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.full() && !q.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if q.cfg.OnBlock != nil {
			q.cfg.OnBlock()
		}
		q.sendCond.Wait()
	}

	if q.closed {
		return ErrClosed
	}

	q.items = append(q.items, v)
	q.recvCond.Signal()
	return nil
}

func (q *queue[T]) TrySend(v T) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}
	if q.full() {
		return false, nil
	}

	q.items = append(q.items, v)
	q.recvCond.Signal()
	return true, nil
}

func (q *queue[T]) Receive(ctx context.Context) (T, error) {
	var zero T

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.recvCond.Wait()
	}

	if len(q.items) == 0 {
		return zero, ErrClosed
	}

	return q.popLocked(), nil
}

func (q *queue[T]) TryReceive() (T, bool, error) {
	var zero T

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		if q.closed {
			return zero, false, ErrClosed
		}
		return zero, false, nil
	}

	return q.popLocked(), true, nil
}

func (q *queue[T]) popLocked() T {
	v := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Release the backing array once drained.
		q.items = nil
	}
	q.sendCond.Signal()
	return v
}

func (q *queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.sendCond.Broadcast()
	q.recvCond.Broadcast()
	return nil
}

func (q *queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) Cap() int {
	if q.cfg.Unbounded {
		return 0
	}
	return q.cfg.Capacity
}
