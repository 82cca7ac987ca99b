// Package ratelimit bounds concurrency for one upstream capability.
//
// A Gate admits at most its current limit's worth of concurrent tasks,
// queuing the rest. One Gate exists per capability per provider-family
// (remote-text, local-text, remote-image, local-image, remote-vision,
// local-vision, local-vlm, ...); the orchestrator looks gates up by that
// key (see Registry).
package ratelimit

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by Execute when the caller's context is
// cancelled before a slot is acquired.
var ErrCancelled = errors.New("ratelimit: cancelled before slot acquired")

// Gate bounds concurrency for one capability. SetLimit may be called while
// tasks are in flight: raising the limit admits queued waiters immediately;
// lowering it lets in-flight tasks finish and only throttles new arrivals —
// a new task never starts while outstanding already meets or exceeds the
// current limit, however recently that limit changed.
type Gate struct {
	mu             sync.Mutex
	cond           *sync.Cond
	outstanding    int64
	limit          int64
	onLimitChanged func(oldLimit, newLimit int64)
}

// Option configures a new Gate.
type Option func(*Gate)

// WithOnLimitChanged registers a hook invoked after every SetLimit call.
func WithOnLimitChanged(fn func(oldLimit, newLimit int64)) Option {
	return func(g *Gate) { g.onLimitChanged = fn }
}

// New creates a Gate with the given positive initial limit.
func New(limit int, opts ...Option) *Gate {
	if limit < 1 {
		limit = 1
	}
	g := &Gate{limit: int64(limit)}
	g.cond = sync.NewCond(&g.mu)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute suspends until outstanding is below the current limit, runs
// task, and frees the slot on return. In-flight tasks are never
// preempted: once task starts running it is never interrupted by a
// concurrent SetLimit call. If ctx is cancelled before a slot is
// acquired, Execute returns ErrCancelled without running task.
func (g *Gate) Execute(ctx context.Context, task func(ctx context.Context) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()
	return task(ctx)
}

// acquire blocks until outstanding < limit, checked against whatever the
// limit happens to be at each wakeup — never against a stale snapshot —
// so a SetLimit call racing with waiters always wins the next check.
func (g *Gate) acquire(ctx context.Context) error {
	// Wake this waiter's cond.Wait if ctx is cancelled; sync.Cond has no
	// native context support, so a cancellation only unblocks Wait once
	// something calls Broadcast.
	stop := make(chan struct{})
	defer close(stop)
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				g.mu.Lock()
				g.cond.Broadcast()
				g.mu.Unlock()
			case <-stop:
			}
		}()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.outstanding >= g.limit {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		g.cond.Wait()
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}
	g.outstanding++
	return nil
}

func (g *Gate) release() {
	g.mu.Lock()
	g.outstanding--
	g.cond.Broadcast()
	g.mu.Unlock()
}

// SetLimit changes the gate's concurrency limit. Raising it wakes waiters
// blocked in acquire so they can recheck outstanding against the new
// limit; lowering it takes effect the moment enough in-flight tasks
// release to bring outstanding back under the new limit — acquire always
// rechecks the live limit, never a value captured before the call.
func (g *Gate) SetLimit(n int) {
	if n < 1 {
		n = 1
	}
	g.mu.Lock()
	old := g.limit
	g.limit = int64(n)
	hook := g.onLimitChanged
	g.cond.Broadcast()
	g.mu.Unlock()
	if hook != nil {
		hook(old, int64(n))
	}
}

// Limit returns the current concurrency limit.
func (g *Gate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int(g.limit)
}
