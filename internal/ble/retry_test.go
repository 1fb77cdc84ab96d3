package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	base := 250 * time.Millisecond
	max := 2 * time.Second
	delays := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second, // capped
		2 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, base, max)
		if got != want {
			t.Errorf("backoffDelay(%d) = %v, want %v", i, got, want)
		}
	}

	if got := backoffDelay(70, base, max); got != max {
		t.Errorf("backoffDelay(70) = %v, want %v", got, max)
	}
}

func TestConnectWithRetrySucceedsAfterFailures(t *testing.T) {
	adapter := newMockAdapter()
	adapter.failConnect = 2

	conn, err := ConnectWithRetry(context.Background(), adapter, "AA:BB:CC:DD:EE:FF", 3, time.Second)
	if err != nil {
		t.Fatalf("ConnectWithRetry() error = %v", err)
	}
	if conn == nil {
		t.Fatal("ConnectWithRetry() returned nil connection")
	}
	if got := adapter.connectCount(); got != 3 {
		t.Errorf("connect calls = %d, want 3", got)
	}
}

func TestConnectWithRetryGivesUp(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connectErr = errors.New("radio off")

	_, err := ConnectWithRetry(context.Background(), adapter, "AA:BB:CC:DD:EE:FF", 2, time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := adapter.connectCount(); got != 2 {
		t.Errorf("connect calls = %d, want 2", got)
	}
}

func TestConnectWithRetryStopsOnCancel(t *testing.T) {
	adapter := newMockAdapter()
	adapter.blockConn = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ConnectWithRetry(ctx, adapter, "AA:BB:CC:DD:EE:FF", 5, time.Minute)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectWithRetry did not return after cancel")
	}
	if got := adapter.connectCount(); got != 1 {
		t.Errorf("connect calls = %d, want 1", got)
	}
}

func TestConnectWithRetryAttemptTimeout(t *testing.T) {
	adapter := newMockAdapter()
	adapter.blockConn = true

	start := time.Now()
	_, err := ConnectWithRetry(context.Background(), adapter, "AA:BB:CC:DD:EE:FF", 1, 30*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("took %v, want about 30ms", elapsed)
	}
}
