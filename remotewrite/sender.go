// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package remotewrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	apperrors "github.com/soothill/eagle-energy-bridge/pkg/errors"
	"github.com/soothill/eagle-energy-bridge/pkg/logger"
	"github.com/soothill/eagle-energy-bridge/pkg/metrics"
)

const (
	contentType        = "application/x-protobuf"
	contentEncoding    = "snappy"
	remoteWriteVersion = "0.1.0"
	userAgent          = "eagle-energy-bridge/1.0"

	// errorBodyLimit caps how much of an error response is read back
	// for logging.
	errorBodyLimit = 512

	alertTimeout = 5 * time.Second
)

// Notifier receives backend availability transitions.
type Notifier interface {
	SendBackendDown(ctx context.Context, err error) error
	SendBackendRecovered(ctx context.Context) error
	IsEnabled() bool
}

// SenderConfig holds the delivery parameters for a Sender.
type SenderConfig struct {
	Endpoint         string
	Timeout          time.Duration // per HTTP attempt
	MaxRetries       uint64        // retries after the first attempt
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	BreakerThreshold uint32        // consecutive batch failures before the breaker opens
	BreakerCooldown  time.Duration // open duration before a probe is allowed
}

// Sender delivers encoded frames to the remote write endpoint. Failed
// attempts are retried with exponential backoff; a circuit breaker
// counts one success or failure per batch and fails fast while the
// backend is down.
type Sender struct {
	endpoint       string
	client         *http.Client
	timeout        time.Duration
	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration

	breaker  *gobreaker.CircuitBreaker
	notifier Notifier

	mu      sync.Mutex
	lastErr error
}

// NewSender creates a sender for the given endpoint. notifier may be
// nil when no alerting is configured.
func NewSender(cfg SenderConfig, notifier Notifier) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	s := &Sender{
		endpoint: cfg.Endpoint,
		// Per-attempt deadlines come from the request context.
		client:         &http.Client{},
		timeout:        cfg.Timeout,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		notifier:       notifier,
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-write",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: s.onBreakerStateChange,
	})

	return s
}

// Send delivers one encoded frame, retrying transient failures. The
// whole retried delivery counts as a single circuit breaker request.
func (s *Sender) Send(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		sendErr := s.sendWithRetry(ctx, frame)
		if sendErr != nil {
			s.recordFailure(sendErr)
		}
		return nil, sendErr
	})
	if err == nil {
		return nil
	}

	var fwdErr *apperrors.ForwardError
	if errors.As(err, &fwdErr) {
		return err
	}
	// Breaker open or half-open probe already in flight.
	return apperrors.NewForwardError("send", 0, err)
}

// BreakerState reports the current circuit breaker state.
func (s *Sender) BreakerState() gobreaker.State {
	return s.breaker.State()
}

func (s *Sender) sendWithRetry(ctx context.Context, frame []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialBackoff
	policy.MaxInterval = s.maxBackoff
	policy.MaxElapsedTime = 0 // bounded by retry count, not wall clock

	operation := func() error {
		return s.attempt(ctx, frame)
	}
	notify := func(err error, wait time.Duration) {
		metrics.SendRetries.Inc()
		logger.Warn().
			Err(err).
			Dur("backoff", wait).
			Msg("Remote write attempt failed, retrying")
	}

	return backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, s.maxRetries), ctx), notify)
}

// attempt performs one HTTP POST. 429 and 5xx responses are returned
// as retryable errors, any other non-2xx response aborts the retry
// loop immediately.
func (s *Sender) attempt(ctx context.Context, frame []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, s.endpoint, bytes.NewReader(frame))
	if err != nil {
		return backoff.Permanent(apperrors.NewForwardError("build request", 0, err))
	}
	req.Header.Set("Content-Encoding", contentEncoding)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Prometheus-Remote-Write-Version", remoteWriteVersion)
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.NewForwardError("post", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	statusErr := apperrors.NewForwardError("post", resp.StatusCode, fmt.Errorf("%s", msg))
	if retryable(resp.StatusCode) {
		return statusErr
	}
	return backoff.Permanent(statusErr)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func (s *Sender) recordFailure(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Sender) lastFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// onBreakerStateChange runs inside the breaker's mutex, so alerts are
// dispatched asynchronously.
func (s *Sender) onBreakerStateChange(name string, from, to gobreaker.State) {
	metrics.BreakerState.Set(float64(to))
	logger.Warn().
		Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Remote write circuit breaker state changed")

	if s.notifier == nil || !s.notifier.IsEnabled() {
		return
	}

	switch to {
	case gobreaker.StateOpen:
		lastErr := s.lastFailure()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
			defer cancel()
			if err := s.notifier.SendBackendDown(ctx, lastErr); err != nil {
				logger.Error().Err(err).Msg("Failed to send backend down alert")
			}
		}()
	case gobreaker.StateClosed:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
			defer cancel()
			if err := s.notifier.SendBackendRecovered(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to send backend recovery alert")
			}
		}()
	}
}
