// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/soothill/eagle-energy-bridge/eagle"
	"github.com/soothill/eagle-energy-bridge/pkg/interfaces"
	"github.com/soothill/eagle-energy-bridge/pkg/logger"
)

const (
	defaultMirrorThreshold = 5
	defaultMirrorCooldown  = 30 * time.Second
	mirrorAlertTimeout     = 5 * time.Second
)

// Notifier receives mirror availability transitions.
type Notifier interface {
	SendMirrorFailure(ctx context.Context, err error) error
	SendMirrorRecovery(ctx context.Context) error
	IsEnabled() bool
}

// GuardedSink wraps a reading sink with a circuit breaker so a dead
// mirror cannot slow the pipeline. While the breaker is open writes
// fail immediately without touching the backend.
type GuardedSink struct {
	sink     interfaces.ReadingSink
	breaker  *gobreaker.CircuitBreaker
	notifier Notifier

	mu      sync.Mutex
	lastErr error
}

// NewGuardedSink wraps sink. threshold is the number of consecutive
// write failures before the breaker opens, cooldown how long it stays
// open before probing again. notifier may be nil.
func NewGuardedSink(sink interfaces.ReadingSink, threshold uint32, cooldown time.Duration, notifier Notifier) *GuardedSink {
	if threshold == 0 {
		threshold = defaultMirrorThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultMirrorCooldown
	}

	g := &GuardedSink{
		sink:     sink,
		notifier: notifier,
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "influxdb-mirror",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: g.onStateChange,
	})

	return g
}

// WriteReading writes through the breaker.
func (g *GuardedSink) WriteReading(ctx context.Context, reading *eagle.Reading) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		writeErr := g.sink.WriteReading(ctx, reading)
		if writeErr != nil {
			g.recordFailure(writeErr)
		}
		return nil, writeErr
	})
	return err
}

// Close closes the underlying sink.
func (g *GuardedSink) Close() {
	g.sink.Close()
}

// Health reports the underlying sink's health regardless of breaker
// state.
func (g *GuardedSink) Health(ctx context.Context) error {
	return g.sink.Health(ctx)
}

// BreakerState reports the current circuit breaker state.
func (g *GuardedSink) BreakerState() gobreaker.State {
	return g.breaker.State()
}

func (g *GuardedSink) recordFailure(err error) {
	g.mu.Lock()
	g.lastErr = err
	g.mu.Unlock()
}

func (g *GuardedSink) lastFailure() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

// onStateChange runs inside the breaker's mutex, so alerts are
// dispatched asynchronously.
func (g *GuardedSink) onStateChange(name string, from, to gobreaker.State) {
	logger.Warn().
		Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Mirror circuit breaker state changed")

	if g.notifier == nil || !g.notifier.IsEnabled() {
		return
	}

	switch to {
	case gobreaker.StateOpen:
		lastErr := g.lastFailure()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), mirrorAlertTimeout)
			defer cancel()
			if err := g.notifier.SendMirrorFailure(ctx, lastErr); err != nil {
				logger.Error().Err(err).Msg("Failed to send mirror failure alert")
			}
		}()
	case gobreaker.StateClosed:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), mirrorAlertTimeout)
			defer cancel()
			if err := g.notifier.SendMirrorRecovery(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to send mirror recovery alert")
			}
		}()
	}
}
