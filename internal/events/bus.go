package events

import (
	"sync"
)

// subscriptionBufferSize bounds the per-subscription channel. On overflow
// the subscription drops the oldest buffered event and records a lag
// marker, rather than blocking the publisher — publish must never wait on
// subscriber readiness (spec §4.6).
const subscriptionBufferSize = 256

// Subscription is a single consumer's handle on one job's event stream.
// Events are delivered in publish order; the stream is single-consumer.
type Subscription struct {
	jobID string
	ch    chan Event
	bus   *Bus
	id    uint64

	mu     sync.Mutex
	closed bool
}

// Next suspends until the next event is available or the subscription is
// closed, in which case ok is false.
func (s *Subscription) Next() (Event, bool) {
	e, ok := <-s.ch
	return e, ok
}

// Close detaches the subscription from the bus. Idempotent.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.jobID, s.id)
}

// Bus is an in-process pub/sub keyed by job id. Multiple producers
// (the orchestrator plus ancillary goroutines like heartbeat tickers) and
// multiple consumers per job are supported; the bus is internally
// synchronized so callers need no external locking.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]*Subscription
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: map[string]map[uint64]*Subscription{}}
}

// Subscribe registers a new subscription for jobID.
func (b *Bus) Subscribe(jobID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		jobID: jobID,
		ch:    make(chan Event, subscriptionBufferSize),
		bus:   b,
		id:    b.nextID,
	}
	if b.subs[jobID] == nil {
		b.subs[jobID] = map[uint64]*Subscription{}
	}
	b.subs[jobID][sub.id] = sub
	return sub
}

// Publish enqueues event for every active subscription on event.JobID.
// Publish never blocks on subscriber readiness: a full subscription buffer
// drops its oldest queued event (making room) and records a lag marker by
// enqueueing a synthetic error event with Lag=true directly behind it, so
// the subscriber learns it missed something rather than silently falling
// behind.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	subs := b.subs[event.JobID]
	// Snapshot under lock, then deliver without holding it — a slow
	// subscriber's channel send must never block other subscribers'.
	snapshot := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	for _, s := range snapshot {
		deliver(s, event)
	}
}

func deliver(s *Subscription, event Event) {
	select {
	case s.ch <- event:
		return
	default:
	}
	// Buffer full: drop the two oldest events to make room, then enqueue a
	// lag marker followed by the new event. Best-effort — if draining races
	// with a concurrent deliver, we accept at-least-once dropping rather
	// than blocking.
	for i := 0; i < 2; i++ {
		select {
		case <-s.ch:
		default:
		}
	}
	lag := Event{Type: TypeError, JobID: event.JobID, Timestamp: event.Timestamp, Lag: true, Message: "subscriber overflow: events dropped"}
	select {
	case s.ch <- lag:
	default:
	}
	select {
	case s.ch <- event:
	default:
	}
}

// unsubscribe removes a subscription and closes its channel so Next
// returns ok=false to the consumer.
func (b *Bus) unsubscribe(jobID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[jobID]
	if m == nil {
		return
	}
	sub, ok := m[id]
	if !ok {
		return
	}
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
	delete(m, id)
	if len(m) == 0 {
		delete(b.subs, jobID)
	}
}

// SubscriberCount reports how many live subscriptions exist for jobID,
// used by tests asserting reconnect behavior.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}
