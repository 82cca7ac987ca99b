package events

import (
	"log"
	"sync"
)

// TransportHandle is a write-capable handle to one subscriber's transport
// (a WebSocket connection in cmd/beamserver, or anything else an embedding
// program supplies — this package never imports net/http or
// gorilla/websocket itself, keeping that choice at the edge).
type TransportHandle interface {
	Send(event Event) error
}

// WSFanout maintains a set of subscribers per job id; each subscriber has a
// TransportHandle. On publish it forwards events; on transport error it
// closes the subscriber and removes it; on subscriber close it calls
// Subscription.Close on the bus. Delivery is best-effort per subscriber: a
// failing subscriber is dropped, and a slow one loses events through the
// bus's overflow policy, rather than either back-pressuring the others.
type WSFanout struct {
	bus    *Bus
	logger *log.Logger

	mu          sync.Mutex
	subscribers map[string]map[*Subscription]TransportHandle
}

// NewWSFanout constructs a WSFanout bound to bus.
func NewWSFanout(bus *Bus, logger *log.Logger) *WSFanout {
	if logger == nil {
		logger = log.Default()
	}
	return &WSFanout{bus: bus, logger: logger, subscribers: map[string]map[*Subscription]TransportHandle{}}
}

// Attach subscribes handle to jobID's event stream and starts forwarding
// events to it until the stream closes or a send fails. It returns
// immediately; forwarding happens on an internal goroutine per spec §4.10's
// topology of one bus, many subscriber transports.
func (f *WSFanout) Attach(jobID string, handle TransportHandle) {
	sub := f.bus.Subscribe(jobID)

	f.mu.Lock()
	if f.subscribers[jobID] == nil {
		f.subscribers[jobID] = map[*Subscription]TransportHandle{}
	}
	f.subscribers[jobID][sub] = handle
	f.mu.Unlock()

	go f.forward(jobID, sub, handle)
}

func (f *WSFanout) forward(jobID string, sub *Subscription, handle TransportHandle) {
	defer f.detach(jobID, sub)
	for {
		event, ok := sub.Next()
		if !ok {
			return
		}
		if err := handle.Send(event); err != nil {
			f.logger.Printf("events: transport error for job %s, dropping subscriber: %v", jobID, err)
			return
		}
	}
}

func (f *WSFanout) detach(jobID string, sub *Subscription) {
	sub.Close()
	f.mu.Lock()
	if m := f.subscribers[jobID]; m != nil {
		delete(m, sub)
		if len(m) == 0 {
			delete(f.subscribers, jobID)
		}
	}
	f.mu.Unlock()
}

// SubscriberCount reports the number of attached transports for jobID.
func (f *WSFanout) SubscriberCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers[jobID])
}
