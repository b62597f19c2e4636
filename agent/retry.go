package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// retrier retries transient submission failures with exponential backoff
// and jitter. Permanent failures, like a rejected signature, return
// immediately so a broken key never loops.
type retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
	logger     zerolog.Logger
}

func newRetrier(initialMs, maxMs, maxRetries int, logger zerolog.Logger) *retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retrier{
		initial:    time.Duration(initialMs) * time.Millisecond,
		max:        time.Duration(maxMs) * time.Millisecond,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

func (r *retrier) do(ctx context.Context, fn func() error, retryable func(error) bool) error {
	var attempt int
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !retryable(err) {
			return err
		}
		delay := backoffWithJitter(r.initial, r.max, attempt)
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("retrying submission")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

// statusError carries a non-200 server response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("server returned %d", e.status)
	}
	return fmt.Sprintf("server returned %d: %s", e.status, e.body)
}

// isRetryable treats network errors, 5xx, and 429 as transient. Everything
// else, notably 401 and 403, means the server made up its mind.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return (statusErr.status >= 500 && statusErr.status < 600) ||
			statusErr.status == http.StatusTooManyRequests
	}
	return false
}
