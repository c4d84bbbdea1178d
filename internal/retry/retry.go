// Package retry wraps idempotent calls in bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// RetryIf overrides the default transient-error classification.
	RetryIf func(error) bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Result reports the outcome of a retried call. Err holds the last error when
// Success is false; callers treat a failed result as "no update".
type Result[T any] struct {
	Success   bool
	Data      T
	Err       error
	Attempts  int
	TotalTime time.Duration
}

// statusCoder is implemented by the venue clients' APIError types.
type statusCoder interface {
	StatusCode() int
}

// Transient reports whether err belongs to a retryable class: network
// timeouts, DNS failures, connection errors, or HTTP 5xx responses.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode() >= 500
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Do runs fn up to cfg.MaxAttempts times with exponential backoff, doubling
// the delay each attempt up to cfg.MaxDelay. Non-retryable errors fail
// immediately. Do never panics upward; the result carries the last error.
func Do[T any](ctx context.Context, cfg Config, logger *zap.Logger, op string, fn func(context.Context) (T, error)) Result[T] {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 300 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = Transient
	}

	start := time.Now()
	var res Result[T]
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		data, err := fn(ctx)
		if err == nil {
			res.Success = true
			res.Data = data
			res.Err = nil
			res.TotalTime = time.Since(start)
			return res
		}
		res.Err = err
		if !retryIf(err) || attempt == cfg.MaxAttempts {
			break
		}
		if logger != nil {
			logger.Debug("retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = ctx.Err()
			res.TotalTime = time.Since(start)
			return res
		case <-timer.C:
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	res.TotalTime = time.Since(start)
	return res
}
