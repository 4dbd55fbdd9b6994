// Package queue buffers manifest writes between file workers and the
// single store writer.
package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"citystid/internal/core/ports"
	"citystid/internal/shared/observability"
)

// ErrClosed is returned by Put once the queue no longer accepts writes.
var ErrClosed = errors.New("write queue closed")

var _ ports.WriteQueuePort = (*MemoryQueue)(nil)

// MemoryQueue is a bounded FIFO of manifest writes. Enqueue never blocks and
// reports a drop when full; Put waits for room.
type MemoryQueue struct {
	ch     chan ports.WriteRequest
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryQueue{
		ch:   make(chan ports.WriteRequest, capacity),
		done: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(req ports.WriteRequest) ports.EnqueueResult {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		observability.WriteQueueEnqueuedTotal.WithLabelValues(string(ports.EnqueueDropped)).Inc()
		return ports.EnqueueDropped
	}
	select {
	case q.ch <- req:
		q.accepted()
		return ports.EnqueueAccepted
	default:
		observability.WriteQueueEnqueuedTotal.WithLabelValues(string(ports.EnqueueDropped)).Inc()
		return ports.EnqueueDropped
	}
}

// Put blocks until the request is queued, the queue closes, or ctx ends.
func (q *MemoryQueue) Put(ctx context.Context, req ports.WriteRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- req:
		q.accepted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) accepted() {
	observability.WriteQueueEnqueuedTotal.WithLabelValues(string(ports.EnqueueAccepted)).Inc()
	observability.WriteQueueDepth.Set(float64(len(q.ch)))
}

// DequeueBatch waits up to wait for the first request and then drains
// without blocking until maxItems is reached. A closed and drained queue
// returns io.EOF, possibly alongside a final partial batch.
func (q *MemoryQueue) DequeueBatch(ctx context.Context, maxItems int, wait time.Duration) ([]ports.WriteRequest, error) {
	if maxItems <= 0 {
		maxItems = 1
	}

	first, err := q.first(ctx, wait)
	if err != nil || first == nil {
		return nil, err
	}

	batch := make([]ports.WriteRequest, 0, maxItems)
	batch = append(batch, *first)
	defer func() { observability.WriteQueueDepth.Set(float64(len(q.ch))) }()
	for len(batch) < maxItems {
		select {
		case req, ok := <-q.ch:
			if !ok {
				return batch, io.EOF
			}
			batch = append(batch, req)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (q *MemoryQueue) first(ctx context.Context, wait time.Duration) (*ports.WriteRequest, error) {
	select {
	case req, ok := <-q.ch:
		if !ok {
			return nil, io.EOF
		}
		return &req, nil
	default:
	}
	if wait <= 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case req, ok := <-q.ch:
		if !ok {
			return nil, io.EOF
		}
		return &req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

// Close stops accepting writes. Requests already queued stay available to
// DequeueBatch until drained.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ch)
	close(q.done)
	return nil
}

// Done is closed when Close is called.
func (q *MemoryQueue) Done() <-chan struct{} {
	return q.done
}

func (q *MemoryQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}
