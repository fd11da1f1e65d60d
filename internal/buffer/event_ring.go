// Package buffer provides a bounded event history used for room replay.
package buffer

import (
	"sync"

	"github.com/wa-session-console/backend/internal/model"
)

// EventRing is a thread-safe bounded history of lifecycle events. When the
// ring is full, the oldest event is discarded to make room for new ones.
//
// This backs the room replay feature: a client that subscribes to an
// instance's room immediately receives the retained recent events.
type EventRing struct {
	mu       sync.RWMutex
	events   []model.LifecycleEvent
	capacity int
}

// NewEventRing creates a ring holding at most capacity events. A capacity
// below 1 defaults to 1.
func NewEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventRing{
		events:   make([]model.LifecycleEvent, 0, capacity),
		capacity: capacity,
	}
}

// Append adds an event, evicting the oldest when full.
func (r *EventRing) Append(ev model.LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.events) == r.capacity {
		copy(r.events, r.events[1:])
		r.events[len(r.events)-1] = ev
		return
	}
	r.events = append(r.events, ev)
}

// Snapshot returns a copy of the retained events, oldest first.
func (r *EventRing) Snapshot() []model.LifecycleEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.events) == 0 {
		return nil
	}
	out := make([]model.LifecycleEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of retained events.
func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// Cap returns the ring capacity.
func (r *EventRing) Cap() int {
	return r.capacity
}

// Clear drops the retained events.
func (r *EventRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = r.events[:0]
}
