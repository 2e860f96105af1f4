// Package memory provides the bounded in-memory unit queue that applies
// backpressure to repository scheduling.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
)

// ErrQueueClosed is returned by Dequeue once the queue is closed and drained.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded FIFO of units. Enqueue blocks while the queue is full.
// Only the producer may call Close, and never concurrently with Enqueue.
type Queue struct {
	ch      chan harvest.Unit
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue holding at most capacity waiting units.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan harvest.Unit, capacity)}
}

// Enqueue adds a unit, waiting for space or for ctx to end.
func (q *Queue) Enqueue(ctx context.Context, unit harvest.Unit) error {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	if closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- unit:
		return nil
	}
}

// Dequeue pops the next unit. It returns ErrQueueClosed after Close once every
// buffered unit has been handed out.
func (q *Queue) Dequeue(ctx context.Context) (harvest.Unit, error) {
	select {
	case <-ctx.Done():
		return harvest.Unit{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case unit, ok := <-q.ch:
		if !ok {
			return harvest.Unit{}, ErrQueueClosed
		}
		return unit, nil
	}
}

// Len returns the number of waiting units.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close stops further enqueues. Buffered units remain available to Dequeue.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
