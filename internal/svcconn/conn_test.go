package svcconn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetrySucceedsAfterRetriableFailures(t *testing.T) {
	c := New(Options{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 3})
	attempts := 0
	got, err := WithRetry(context.Background(), c, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", &ConnError{Kind: KindUnreachable, Err: errors.New("dial failed")}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %q, want ok", got)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryNonRetriableSurfacesImmediately(t *testing.T) {
	c := New(Options{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 3})
	attempts := 0
	wantErr := errors.New("bad request")
	_, err := WithRetry(context.Background(), c, func(ctx context.Context) (string, error) {
		attempts++
		return "", wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry for non-retriable error)", attempts)
	}
}

func TestWithRetryExhaustedWrapsUpstreamUnavailable(t *testing.T) {
	c := New(Options{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 2})
	_, err := WithRetry(context.Background(), c, func(ctx context.Context) (string, error) {
		return "", &ConnError{Kind: KindConnectionRefused, Err: errors.New("refused")}
	})
	var unavailable *ErrUpstreamUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *ErrUpstreamUnavailable", err)
	}
}

func TestWithRetryInvokesRestarterOnce(t *testing.T) {
	restartCalls := 0
	c := New(Options{
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		MaxRetries:        3,
		StabilizationWait: time.Millisecond,
		Restarter: RestarterFunc(func(ctx context.Context) error {
			restartCalls++
			return nil
		}),
	})
	attempts := 0
	_, _ = WithRetry(context.Background(), c, func(ctx context.Context) (string, error) {
		attempts++
		return "", &ConnError{Kind: KindUnreachable, Err: errors.New("down")}
	})
	if restartCalls != 1 {
		t.Fatalf("restartCalls = %d, want 1", restartCalls)
	}
}
