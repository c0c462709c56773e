// Package events carries operational events from the request path to
// observers. The dispatcher and the endpoint watcher publish; the MQTT
// status publisher and the debug log subscribe.
//
// Publishing never blocks: a subscriber whose buffer is full loses the
// event and its drop counter is incremented. A nil *Bus accepts every
// call and does nothing, so publishers need no guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceDispatcher = "dispatcher"
	SourceRemote     = "remote"
)

// Kinds, with the data keys each one carries.
const (
	KindToolCall     = "tool_call"     // tool
	KindToolDone     = "tool_done"     // tool, ok, duration_ms, error (when !ok)
	KindEndpointUp   = "endpoint_up"   // endpoint
	KindEndpointDown = "endpoint_down" // endpoint, error
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscriptions.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription receives events on C until Close. C is closed by Close.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers e to every subscription with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscription with a buffer of bufSize events.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, bus: b, ch: ch}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Len returns the number of open subscriptions.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches the subscription and closes C. Further calls are no-ops.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Dropped returns how many events were lost because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}
