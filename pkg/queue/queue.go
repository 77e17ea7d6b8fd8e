// Package queue provides the bounded lookahead buffer between a key producer
// and the packaging threads that consume its batches.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStopped is returned once Stop has been called and no buffered
	// element can satisfy the request.
	ErrStopped = errors.New("queue: stopped")

	// ErrOutOfRange is returned by Peek for positions before the current
	// head, i.e. elements that have already been evicted.
	ErrOutOfRange = errors.New("queue: position already evicted")
)

// Queue is a fixed-capacity FIFO connecting one producer to any number of
// consumers. Every pushed element is assigned an absolute position, counting
// up from the queue's start position. Consumers either take elements in
// arrival order with Pop, or address them by position with Peek.
//
// Peek does not consume the element it returns, so the same position can be
// read again until a later Peek evicts it. A plain channel cannot express
// that, hence the condition variable.
//
// All methods are safe for concurrent use.
type Queue[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf      []T
	head     uint32 // position of buf[0], or of the next push while empty
	capacity int
	stopped  bool
}

// New returns a queue holding at most capacity elements, with positions
// starting at 0.
func New[T any](capacity int) *Queue[T] {
	return NewAt[T](capacity, 0)
}

// NewAt returns a queue holding at most capacity elements, with the first
// pushed element assigned position startPos. Panics if capacity < 1.
func NewAt[T any](capacity int, startPos uint32) *Queue[T] {
	if capacity < 1 {
		panic("queue: capacity must be at least 1")
	}
	q := &Queue[T]{capacity: capacity, head: startPos}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends v, blocking while the queue is full. It fails with ErrStopped
// once the queue has been stopped, or with the context error if ctx is done
// first.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.watchContext(ctx)()

	for {
		if q.stopped {
			return ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(q.buf) < q.capacity {
			break
		}
		q.cond.Wait()
	}

	q.buf = append(q.buf, v)
	q.cond.Broadcast()
	return nil
}

// Pop removes and returns the element at the head, blocking while the queue
// is empty. After Stop, buffered elements are still drained in order; once
// the queue is empty Pop fails with ErrStopped.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.watchContext(ctx)()

	for len(q.buf) == 0 {
		if q.stopped {
			return zero, ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.cond.Wait()
	}

	v := q.buf[0]
	q.buf[0] = zero
	q.buf = q.buf[1:]
	q.head++
	q.cond.Broadcast()
	return v, nil
}

// Peek returns the element at position pos without consuming it. Elements
// before pos are discarded as they arrive, freeing capacity, so a producer
// is never wedged behind elements nobody wants even when pos lies beyond
// the queue's capacity. Peek blocks while pos has not been produced yet,
// fails with ErrOutOfRange if pos has already been evicted, and fails with
// ErrStopped if the queue stops before pos arrives.
func (q *Queue[T]) Peek(ctx context.Context, pos uint32) (T, error) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.watchContext(ctx)()

	for {
		if pos < q.head {
			return zero, fmt.Errorf("%w: position %d is before head %d", ErrOutOfRange, pos, q.head)
		}
		if drop := min(int(pos-q.head), len(q.buf)); drop > 0 {
			for i := 0; i < drop; i++ {
				q.buf[i] = zero
			}
			q.buf = q.buf[drop:]
			q.head += uint32(drop)
			q.cond.Broadcast()
		}
		if q.head == pos && len(q.buf) > 0 {
			return q.buf[0], nil
		}
		if q.stopped {
			return zero, ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.cond.Wait()
	}
}

// Stop wakes all blocked producers and consumers. Pushing is refused from
// here on; buffered elements remain readable. Stop is idempotent.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.cond.Broadcast()
}

// Size returns the number of buffered elements.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// HeadPos returns the position of the oldest buffered element, or of the
// next push while the queue is empty.
func (q *Queue[T]) HeadPos() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head
}

// Stopped reports whether Stop has been called.
func (q *Queue[T]) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// watchContext arranges for blocked waiters to be woken when ctx is
// cancelled. The callback takes the lock so a Broadcast cannot slip in
// between a waiter's condition check and its Wait. Use as
// `defer q.watchContext(ctx)()` so the watch is removed on return.
func (q *Queue[T]) watchContext(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
}
