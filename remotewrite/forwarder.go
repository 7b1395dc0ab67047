// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package remotewrite

import (
	"context"
	"sync"
	"time"

	"github.com/soothill/eagle-energy-bridge/pkg/logger"
	"github.com/soothill/eagle-energy-bridge/pkg/metrics"
)

const (
	defaultQueueSize = 100
	defaultWorkers   = 1
	defaultDrainWait = 10 * time.Second
)

// Forwarder decouples upload handling from delivery. Batches are
// enqueued without blocking so the ingest handler can acknowledge the
// gateway immediately; workers drain the queue and deliver in the
// background. When the queue is full the newest batch is dropped and
// counted, never blocked on.
type Forwarder struct {
	sender    *Sender
	queue     chan Batch
	workers   int
	drainWait time.Duration

	mu      sync.RWMutex
	stopped bool

	wg sync.WaitGroup
}

// NewForwarder creates a forwarder delivering through sender.
func NewForwarder(sender *Sender, queueSize, workers int, drainWait time.Duration) *Forwarder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if drainWait <= 0 {
		drainWait = defaultDrainWait
	}

	return &Forwarder{
		sender:    sender,
		queue:     make(chan Batch, queueSize),
		workers:   workers,
		drainWait: drainWait,
	}
}

// Start launches the delivery workers. ctx aborts in-flight sends on
// hard shutdown; orderly shutdown goes through Stop.
func (f *Forwarder) Start(ctx context.Context) {
	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.run(ctx)
	}
	logger.Info().
		Int("workers", f.workers).
		Int("queue_size", cap(f.queue)).
		Msg("Forwarder started")
}

// Enqueue hands a batch to the delivery workers without blocking. It
// returns false when the batch was dropped because the queue is full
// or the forwarder has been stopped. An empty batch is accepted and
// discarded.
func (f *Forwarder) Enqueue(batch Batch) bool {
	if len(batch) == 0 {
		return true
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.stopped {
		metrics.BatchesDropped.Inc()
		logger.Warn().Int("samples", len(batch)).Msg("Forwarder stopped, dropping batch")
		return false
	}

	select {
	case f.queue <- batch:
		metrics.BatchesEnqueued.Inc()
		metrics.QueueDepth.Set(float64(len(f.queue)))
		return true
	default:
		metrics.BatchesDropped.Inc()
		logger.Warn().Int("samples", len(batch)).Msg("Forward queue full, dropping batch")
		return false
	}
}

// QueueDepth reports how many batches are waiting for delivery.
func (f *Forwarder) QueueDepth() int {
	return len(f.queue)
}

// Stop rejects further batches, closes the queue and waits for the
// workers to drain it, up to the configured grace period.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	close(f.queue)
	f.mu.Unlock()

	logger.Info().Int("pending", len(f.queue)).Msg("Stopping forwarder")

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("Forwarder stopped")
	case <-time.After(f.drainWait):
		logger.Warn().
			Int("pending", len(f.queue)).
			Msg("Forwarder drain timed out, abandoning pending batches")
	}
}

func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-f.queue:
			if !ok {
				return
			}
			metrics.QueueDepth.Set(float64(len(f.queue)))
			f.deliver(ctx, batch)
		}
	}
}

func (f *Forwarder) deliver(ctx context.Context, batch Batch) {
	frame, err := Encode(batch)
	if err != nil {
		metrics.EncodeFailures.Inc()
		logger.Error().Err(err).Int("samples", len(batch)).Msg("Failed to encode batch")
		return
	}

	start := time.Now()
	err = f.sender.Send(ctx, frame)
	metrics.ForwardDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ForwardFailures.Inc()
		logger.Error().Err(err).Int("samples", len(batch)).Msg("Failed to forward batch")
		return
	}

	metrics.BatchesForwarded.Inc()
	logger.Debug().
		Int("samples", len(batch)).
		Dur("duration", time.Since(start)).
		Msg("Batch forwarded")
}
