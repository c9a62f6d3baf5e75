package events

import (
	"fmt"
	"log/slog"
	"sync"

	"hirechat/pkg/logging"
)

// Handler receives a dispatched event. The event must be treated as read-only.
type Handler func(evt *RealtimeEvent)

// SubscriptionID identifies one registration for Unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Dispatcher routes decoded events to subscribers and keeps the recent-event ring.
// One Dispatcher is created per session and passed to consumers explicitly.
type Dispatcher struct {
	// dispatchMu serializes whole dispatch passes so frames from several transports never interleave.
	dispatchMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   SubscriptionID
	ring     *Ring
	last     *RealtimeEvent
	dropped  uint64

	logger *slog.Logger
}

func NewDispatcher(capacity int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		handlers: make(map[string][]subscription),
		ring:     NewRing(capacity),
		logger:   logger.With("component", "dispatcher"),
	}
}

// Subscribe registers handler for an exact event type, or for every event with Wildcard.
func (d *Dispatcher) Subscribe(eventType string, handler Handler) SubscriptionID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.handlers[eventType] = append(d.handlers[eventType], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a registration. Unknown ids are ignored.
func (d *Dispatcher) Unsubscribe(eventType string, id SubscriptionID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			// Copy so a snapshot taken by an in-flight dispatch is not modified.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(d.handlers, eventType)
			} else {
				d.handlers[eventType] = next
			}
			return
		}
	}
}

// Ingest decodes one frame and dispatches it. Malformed frames and heartbeats are dropped silently.
func (d *Dispatcher) Ingest(frame []byte) {
	evt, err := Decode(frame)
	if err != nil {
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.logger.Debug("dropping undecodable frame", "error", err, "size", len(frame))
		return
	}
	if evt.EventType == TypePing {
		return
	}
	d.Dispatch(evt)
}

// Dispatch records evt and delivers it to exact-type subscribers, then wildcard subscribers.
// Handlers run synchronously; a panicking handler does not stop the others.
// Handlers must not call Dispatch or Ingest themselves.
func (d *Dispatcher) Dispatch(evt RealtimeEvent) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	d.mu.Lock()
	d.ring.Push(evt)
	last := evt.clone()
	d.last = &last
	stored := evt
	exact := d.handlers[evt.EventType]
	var wildcard []subscription
	if evt.EventType != Wildcard {
		wildcard = d.handlers[Wildcard]
	}
	d.mu.Unlock()

	for _, s := range exact {
		d.invoke(s, &stored)
	}
	for _, s := range wildcard {
		d.invoke(s, &stored)
	}
}

func (d *Dispatcher) invoke(s subscription, evt *RealtimeEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("event handler panicked",
				"event_type", evt.EventType,
				"subscription", s.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.handler(evt)
}

// Recent returns the buffered events, newest first.
func (d *Dispatcher) Recent() []RealtimeEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ring.Newest()
}

// Last returns the most recently dispatched event.
func (d *Dispatcher) Last() (RealtimeEvent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.last == nil {
		return RealtimeEvent{}, false
	}
	return d.last.clone(), true
}

// Dropped counts frames discarded as undecodable.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dropped
}

// Subscribers returns the number of handlers registered for eventType.
func (d *Dispatcher) Subscribers(eventType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[eventType])
}
