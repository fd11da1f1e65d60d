package model

import (
	"encoding/json"
	"time"
)

// LifecycleState represents the lifecycle state of an instance.
type LifecycleState string

const (
	StateInitializing    LifecycleState = "initializing"
	StateAwaitingPairing LifecycleState = "awaiting_pairing"
	StateAuthenticated   LifecycleState = "authenticated"
	StateReady           LifecycleState = "ready"
	StateDisconnected    LifecycleState = "disconnected"
	StateAuthFailed      LifecycleState = "auth_failed"
	StateDestroyed       LifecycleState = "destroyed"
)

// Terminal reports whether the state admits no further transitions.
func (s LifecycleState) Terminal() bool {
	return s == StateDestroyed
}

// SessionInfo holds the account identity reported by the driver once a
// session is fully usable.
type SessionInfo struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

// InstanceRecord is the in-memory representation of one instance's current
// status. PairingPayload and SessionInfo are mutually exclusive: the payload
// exists only in StateAwaitingPairing, the info only from StateReady onward.
type InstanceRecord struct {
	ID                   string         `json:"id"`
	State                LifecycleState `json:"state"`
	PairingPayload       []byte         `json:"pairingPayload,omitempty"`
	SessionInfo          *SessionInfo   `json:"sessionInfo,omitempty"`
	LastTransitionAt     time.Time      `json:"lastTransitionAt"`
	LastDisconnectReason string         `json:"lastDisconnectReason,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
}

// Clone returns a deep copy safe to hand to callers outside the registry.
func (r *InstanceRecord) Clone() *InstanceRecord {
	c := *r
	if r.PairingPayload != nil {
		c.PairingPayload = make([]byte, len(r.PairingPayload))
		copy(c.PairingPayload, r.PairingPayload)
	}
	if r.SessionInfo != nil {
		info := *r.SessionInfo
		c.SessionInfo = &info
	}
	return &c
}

// SessionInfoToJSON serializes the session info for storage.
func (r *InstanceRecord) SessionInfoToJSON() (string, error) {
	if r.SessionInfo == nil {
		return "", nil
	}
	data, err := json.Marshal(r.SessionInfo)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SessionInfoFromJSON parses a stored session info string.
func (r *InstanceRecord) SessionInfoFromJSON(data string) error {
	if data == "" {
		r.SessionInfo = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &r.SessionInfo)
}

// SessionBackup is one persisted snapshot of an instance's on-disk session
// state.
type SessionBackup struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instanceId"`
	CreatedAt  time.Time `json:"createdAt"`
	Payload    []byte    `json:"-"`
}

// MessageResult describes the outcome of a successful send.
type MessageResult struct {
	MessageID string    `json:"messageId"`
	Recipient string    `json:"recipient"`
	SentAt    time.Time `json:"sentAt"`
}
