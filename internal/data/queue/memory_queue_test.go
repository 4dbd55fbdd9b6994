package queue

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"citystid/internal/core/ports"
)

func fileReq(path string) ports.WriteRequest {
	return ports.WriteRequest{Operation: ports.WriteOperationSaveFile, File: ports.FileRecord{Path: path}}
}

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue(2)
	t.Cleanup(func() { _ = q.Close() })

	if got := q.Enqueue(fileReq("a.gml")); got != ports.EnqueueAccepted {
		t.Fatalf("expected enqueue accepted, got %s", got)
	}
	if got := q.Enqueue(fileReq("b.gml")); got != ports.EnqueueAccepted {
		t.Fatalf("expected enqueue accepted, got %s", got)
	}

	batch, err := q.DequeueBatch(context.Background(), 2, time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 items, got %d", len(batch))
	}
	if batch[0].File.Path != "a.gml" || batch[1].File.Path != "b.gml" {
		t.Fatalf("unexpected order: %#v", batch)
	}
	if q.Len() != 0 {
		t.Fatalf("expected drained queue, got %d", q.Len())
	}
}

func TestMemoryQueue_FullQueueDrops(t *testing.T) {
	q := NewMemoryQueue(1)
	t.Cleanup(func() { _ = q.Close() })

	if got := q.Enqueue(fileReq("a.gml")); got != ports.EnqueueAccepted {
		t.Fatalf("expected enqueue accepted, got %s", got)
	}
	if got := q.Enqueue(fileReq("b.gml")); got != ports.EnqueueDropped {
		t.Fatalf("expected enqueue dropped, got %s", got)
	}
}

func TestMemoryQueue_PutWaitsForRoom(t *testing.T) {
	q := NewMemoryQueue(1)
	t.Cleanup(func() { _ = q.Close() })

	if err := q.Put(context.Background(), fileReq("a.gml")); err != nil {
		t.Fatalf("put: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.Put(context.Background(), fileReq("b.gml")) }()

	select {
	case err := <-done:
		t.Fatalf("expected Put to block on a full queue, returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if batch, err := q.DequeueBatch(context.Background(), 1, 0); err != nil || len(batch) != 1 {
		t.Fatalf("dequeue: %v %v", batch, err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("put after room: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Put did not resume after room was made")
	}
}

func TestMemoryQueue_PutHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	t.Cleanup(func() { _ = q.Close() })
	_ = q.Enqueue(fileReq("a.gml"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Put(ctx, fileReq("b.gml")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestMemoryQueue_EmptyWaitTimesOut(t *testing.T) {
	q := NewMemoryQueue(1)
	t.Cleanup(func() { _ = q.Close() })

	batch, err := q.DequeueBatch(context.Background(), 4, 5*time.Millisecond)
	if err != nil || batch != nil {
		t.Fatalf("expected empty result on timeout, got %v %v", batch, err)
	}
}

func TestMemoryQueue_CloseReturnsEOFWhenDrained(t *testing.T) {
	q := NewMemoryQueue(1)
	if got := q.Enqueue(fileReq("a.gml")); got != ports.EnqueueAccepted {
		t.Fatalf("expected enqueue accepted, got %s", got)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := q.Put(context.Background(), fileReq("b.gml")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	select {
	case <-q.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}

	batch, err := q.DequeueBatch(context.Background(), 2, 0)
	if len(batch) != 1 {
		t.Fatalf("expected 1 item after close, got %d", len(batch))
	}
	if err != io.EOF {
		t.Fatalf("expected io.EOF with final drained batch, got %v", err)
	}

	batch, err = q.DequeueBatch(context.Background(), 1, 0)
	if err != io.EOF {
		t.Fatalf("expected io.EOF on empty closed queue, got %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected 0 items, got %d", len(batch))
	}
}
