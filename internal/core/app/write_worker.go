package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"citystid/internal/core/ports"
	"citystid/internal/data/queue"
	"citystid/internal/shared/observability"
)

func (a *App) initWriteQueue() error {
	if a == nil || a.Config == nil || a.manifest == nil || a.writeQueue != nil {
		return nil
	}
	a.writeQueue = queue.NewMemoryQueue(a.Config.WriteQueue.Capacity)
	return a.startWriteWorker()
}

func (a *App) startWriteWorker() error {
	if a == nil || a.writeQueue == nil || a.workerCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.workerCancel = cancel
	a.workerDone = make(chan struct{})
	go a.runWriteWorker(ctx)
	return nil
}

func (a *App) batchSize() int {
	if a.Config.WriteQueue.BatchSize <= 0 {
		return 1
	}
	return a.Config.WriteQueue.BatchSize
}

func (a *App) runWriteWorker(ctx context.Context) {
	defer close(a.workerDone)

	batchSize := a.batchSize()
	flushInterval := a.Config.WriteQueue.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := a.writeQueue.DequeueBatch(ctx, batchSize, flushInterval)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			slog.Warn("write queue dequeue failed", "error", err)
			continue
		}
		if len(batch) > 0 {
			a.flush(batch)
		}
		if errors.Is(err, io.EOF) {
			return
		}
	}
}

func (a *App) flush(batch []ports.WriteRequest) {
	started := time.Now()
	if err := a.manifest.ApplyBatch(batch); err != nil {
		observability.WriteQueueApplyErrorsTotal.Inc()
		slog.Warn("manifest batch apply failed", "error", err, "batch_size", len(batch))
		return
	}
	observability.WriteQueueProcessedTotal.Add(float64(len(batch)))
	observability.WriteQueueFlushLatencySeconds.Observe(time.Since(started).Seconds())
}

// enqueueWrite hands a manifest mutation to the writer goroutine. A full
// queue applies backpressure; a closed queue falls back to a synchronous
// write so late results are not lost.
func (a *App) enqueueWrite(ctx context.Context, req ports.WriteRequest) {
	if a == nil || a.manifest == nil {
		return
	}
	if a.writeQueue != nil {
		if a.writeQueue.Enqueue(req) == ports.EnqueueAccepted {
			return
		}
		if err := a.writeQueue.Put(context.WithoutCancel(ctx), req); err == nil {
			return
		}
	}
	a.flush([]ports.WriteRequest{req})
}

func (a *App) stopWriteWorker(ctx context.Context) error {
	if a == nil {
		return nil
	}
	if a.writeQueue != nil {
		if err := a.writeQueue.Close(); err != nil {
			return err
		}
	}
	if a.workerDone != nil {
		select {
		case <-a.workerDone:
		case <-ctx.Done():
			if a.workerCancel != nil {
				a.workerCancel()
			}
			return ctx.Err()
		}
		a.workerDone = nil
	}
	if a.workerCancel != nil {
		a.workerCancel()
		a.workerCancel = nil
	}
	if err := a.drainWriteQueue(ctx); err != nil {
		return err
	}
	a.writeQueue = nil
	return nil
}

// drainWriteQueue applies whatever the worker left behind.
func (a *App) drainWriteQueue(ctx context.Context) error {
	if a == nil || a.writeQueue == nil || a.manifest == nil {
		return nil
	}
	for {
		batch, err := a.writeQueue.DequeueBatch(ctx, a.batchSize(), 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if len(batch) > 0 {
			if applyErr := a.manifest.ApplyBatch(batch); applyErr != nil {
				return applyErr
			}
		}
		if len(batch) == 0 || errors.Is(err, io.EOF) {
			return nil
		}
	}
}
