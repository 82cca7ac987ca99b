// Package svcconn wraps one unit of upstream work with retry, exponential
// backoff, and an optional service-restart hook, per spec §4.2.
//
// The backoff/retry loop itself is github.com/cenkalti/backoff/v4 rather
// than a hand-rolled computeBackoff — the library already encodes
// exponential-with-jitter and a retry-count cap; the jitter semantics
// layered here (the stabilization wait after a restart, and the closed
// failure-kind classification) are the part that is domain-specific and
// genuinely ours to write, the same way the teacher's policy.go separates
// "how long to wait" from "should this attempt happen at all".
package svcconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind classifies a failure as connection-level (retriable, per the closed
// set in spec §4.2) or anything else (non-retriable, surfaced immediately).
type Kind int

const (
	// KindConnectionRefused, KindUnreachable, and KindColdStartTimeout are
	// the closed set of connection-level failures that ServiceConnection
	// will retry.
	KindConnectionRefused Kind = iota
	KindUnreachable
	KindColdStartTimeout
	// KindOther covers 4xx and semantic failures: never retried.
	KindOther
)

// ConnError is a classified error: the Kind determines whether
// ServiceConnection treats it as retriable.
type ConnError struct {
	Kind Kind
	Err  error
}

func (e *ConnError) Error() string { return e.Err.Error() }
func (e *ConnError) Unwrap() error  { return e.Err }

// Retriable reports whether a ConnError's Kind is one of the closed set of
// connection-level failures.
func (e *ConnError) Retriable() bool {
	switch e.Kind {
	case KindConnectionRefused, KindUnreachable, KindColdStartTimeout:
		return true
	default:
		return false
	}
}

// ErrUpstreamUnavailable wraps the last underlying error once retries are
// exhausted on a retriable failure.
type ErrUpstreamUnavailable struct {
	Last error
}

func (e *ErrUpstreamUnavailable) Error() string {
	return fmt.Sprintf("upstream unavailable after retries: %v", e.Last)
}
func (e *ErrUpstreamUnavailable) Unwrap() error { return e.Last }

// Restarter is the optional capability invoked on the first connection-
// level failure before any retry. If absent, no restart is attempted and
// retry/backoff still applies on its own.
type Restarter interface {
	Restart(ctx context.Context) error
}

// RestarterFunc adapts a function to the Restarter interface.
type RestarterFunc func(ctx context.Context) error

func (f RestarterFunc) Restart(ctx context.Context) error { return f(ctx) }

// Options configures a Connection.
type Options struct {
	InitialDelay         time.Duration // base delay, default 500ms
	MaxDelay             time.Duration // cap, default 30s
	MaxRetries           int           // default 3
	Restarter            Restarter     // nullable
	StabilizationWait    time.Duration // default 2s, wait after successful restart
	Logger               *log.Logger   // defaults to log.Default()
}

// Connection wraps upstream calls with the retry/backoff/restart policy.
type Connection struct {
	opts Options
}

// New constructs a Connection, filling in spec-mandated defaults for any
// zero-valued option.
func New(opts Options) *Connection {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.StabilizationWait <= 0 {
		opts.StabilizationWait = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Connection{opts: opts}
}

// Operation is one unit of upstream work. It must itself classify any
// failure as a *ConnError when the failure is connection-level; any other
// error type returned is treated as non-retriable and surfaced immediately.
type Operation[T any] func(ctx context.Context) (T, error)

// WithRetry runs op, retrying retriable failures per the configured
// backoff policy, invoking the restart hook (if any) on the first
// connection-level failure before the first retry. It is a free function
// rather than a method because Go methods cannot carry their own type
// parameters distinct from the receiver's.
func WithRetry[T any](ctx context.Context, c *Connection, op Operation[T]) (T, error) {
	var zero T
	var restarted bool
	var lastErr error
	attempts := 0

	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoffExpo(c.opts.InitialDelay, c.opts.MaxDelay),
		uint64(c.opts.MaxRetries),
	), ctx)

	var result T
	err := backoff.Retry(func() error {
		attempts++
		res, err := op(ctx)
		if err == nil {
			result = res
			return nil
		}
		lastErr = err

		var connErr *ConnError
		if !errors.As(err, &connErr) || !connErr.Retriable() {
			// Non-retriable: stop immediately via backoff.Permanent.
			return backoff.Permanent(err)
		}

		c.opts.Logger.Printf("svcconn: retriable failure (attempt %d): %v", attempts, err)

		if !restarted && c.opts.Restarter != nil {
			restarted = true
			if rerr := c.opts.Restarter.Restart(ctx); rerr == nil {
				select {
				case <-time.After(c.opts.StabilizationWait):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			} else {
				c.opts.Logger.Printf("svcconn: restart hook failed: %v", rerr)
			}
		}
		return err
	}, bo)

	if err == nil {
		return result, nil
	}

	var connErr *ConnError
	if errors.As(err, &connErr) && connErr.Retriable() {
		return zero, &ErrUpstreamUnavailable{Last: lastErr}
	}
	return zero, err
}

func backoffExpo(initial, maxDelay time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // bounded by MaxRetries, not wall clock
	return b
}
