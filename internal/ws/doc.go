// Package ws provides WebSocket connection handling and room-scoped event
// delivery for the dashboard.
//
// The package implements:
//   - Hub: Owns the client connection set, the room membership index keyed
//     by instance id, and the per-room replay history
//   - Client: One connection with its send queue, auth flag, and activity
//     timestamp
//   - Handler: Upgrades connections, runs the read/write pumps, and routes
//     the message protocol (auth, subscribe, unsubscribe, send, ping)
//
// Key behaviors:
//   - Best-effort delivery: a stalled connection is probed, never blocks the
//     room
//   - Two-stage heartbeat: silent connections get a forced ping before they
//     are terminated and removed from every room
//   - Room replay: a new subscriber immediately receives the instance's
//     retained recent events
package ws
