package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Connect retry defaults, matching what the device tolerates in practice.
const (
	DefaultConnectAttempts = 3
	DefaultConnectTimeout  = 10 * time.Second

	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// backoffDelay returns the delay before retry attempt n (0-based), doubling
// from base and capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	// Cap the shift so 1<<attempt cannot overflow.
	if attempt > 30 {
		return max
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

// ConnectWithRetry tries to connect up to attempts times, each bounded by
// timeout. It stops early when ctx is cancelled.
func ConnectWithRetry(ctx context.Context, adapter Adapter, address string, attempts int, timeout time.Duration) (Connection, error) {
	if attempts <= 0 {
		attempts = DefaultConnectAttempts
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	var errs []error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, retryBaseDelay, retryMaxDelay)
			slog.Debug("[BLE] connect backoff", "address", address, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("connect to %s abandoned: %w", address, ctx.Err())
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := adapter.Connect(attemptCtx, address)
		cancel()
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		slog.Warn("[BLE] connect attempt failed", "address", address, "attempt", attempt+1, "error", err)

		if ctx.Err() != nil {
			return nil, fmt.Errorf("connect to %s abandoned: %w", address, ctx.Err())
		}
	}
	return nil, fmt.Errorf("connect to %s failed after %d attempts: %w", address, attempts, errors.Join(errs...))
}
