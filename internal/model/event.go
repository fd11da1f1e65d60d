package model

import (
	"encoding/json"
	"time"
)

// EventType identifies a lifecycle event emitted for an instance.
type EventType string

const (
	EventPairing       EventType = "pairing"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventAuthFailed    EventType = "auth_failed"
	EventDisconnected  EventType = "disconnected"
	EventDestroyed     EventType = "destroyed"
)

// LifecycleEvent is the outbound event shape delivered to subscribed clients.
// Events for a single instance are delivered in emission order.
type LifecycleEvent struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instanceId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewLifecycleEvent builds an event with the payload marshalled in place.
// A payload that fails to marshal is dropped rather than blocking the event.
func NewLifecycleEvent(typ EventType, instanceID string, payload any) LifecycleEvent {
	ev := LifecycleEvent{
		Type:       typ,
		InstanceID: instanceID,
		Timestamp:  time.Now(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}
