package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wa-session-console/backend/internal/buffer"
	"github.com/wa-session-console/backend/internal/model"
)

// ErrUnauthenticated is returned when a room subscription requires
// authentication the connection has not provided.
var ErrUnauthenticated = errors.New("authentication required")

// ErrUnknownConnection is returned for operations on a connection id the hub
// does not know.
var ErrUnknownConnection = errors.New("unknown connection")

// Client represents one WebSocket client connection. The hub owns the client
// set and the room membership index; a room is the set of clients whose room
// set contains the instance id.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	send chan []byte
	ping chan struct{}

	mu            sync.Mutex
	closed        bool
	authenticated bool
	rooms         map[string]bool
	lastActivity  time.Time
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		id:           uuid.NewString(),
		send:         make(chan []byte, 256),
		ping:         make(chan struct{}, 1),
		rooms:        make(map[string]bool),
		lastActivity: time.Now(),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues a message for delivery. Delivery is best-effort: a full buffer
// means the connection is not draining, so the client is flagged for a
// forced liveness probe instead of blocking the publisher.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.requestPingLocked()
		return false
	}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// PingChan signals that a forced heartbeat probe should be written.
func (c *Client) PingChan() <-chan struct{} {
	return c.ping
}

// Touch records activity for the heartbeat policy. Called for every inbound
// frame, pong included.
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Authenticated reports whether the connection presented a valid credential.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Rooms returns a snapshot of the connection's subscribed rooms.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (c *Client) idleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

func (c *Client) requestPing() {
	c.mu.Lock()
	c.requestPingLocked()
	c.mu.Unlock()
}

func (c *Client) requestPingLocked() {
	if c.closed {
		return
	}
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

// Hub maintains the set of client connections grouped into rooms keyed by
// instance id, delivers events to the right room, and prunes dead
// connections through the heartbeat policy.
type Hub struct {
	token          string
	pingInterval   time.Duration
	forcePingAfter time.Duration
	terminateAfter time.Duration
	historySize    int

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	history map[string]*buffer.EventRing

	done      chan struct{}
	closeOnce sync.Once
}

// Config holds configuration for the hub.
type Config struct {
	// Token is the credential connections authenticate with. Empty leaves
	// the hub open (dev mode); unauthenticated connections then get room
	// access too.
	Token string

	// PingInterval is the heartbeat check period. Zero means 30s.
	PingInterval time.Duration

	// ForcePingAfter is the inactivity threshold that forces an extra ping.
	// Zero means 60s.
	ForcePingAfter time.Duration

	// TerminateAfter is the inactivity threshold that terminates the
	// connection. Zero means 90s.
	TerminateAfter time.Duration

	// HistorySize is the per-room replay depth. Zero means 32.
	HistorySize int
}

// NewHub creates a new hub.
func NewHub(config Config) *Hub {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ForcePingAfter <= 0 {
		config.ForcePingAfter = 60 * time.Second
	}
	if config.TerminateAfter <= 0 {
		config.TerminateAfter = 90 * time.Second
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 32
	}
	return &Hub{
		token:          config.Token,
		pingInterval:   config.PingInterval,
		forcePingAfter: config.ForcePingAfter,
		terminateAfter: config.TerminateAfter,
		historySize:    config.HistorySize,
		clients:        make(map[string]*Client),
		rooms:          make(map[string]map[string]*Client),
		history:        make(map[string]*buffer.EventRing),
		done:           make(chan struct{}),
	}
}

// PingInterval returns the heartbeat write period for the pumps.
func (h *Hub) PingInterval() time.Duration {
	return h.pingInterval
}

// Connect registers a new connection in the connected, unauthenticated state.
func (h *Hub) Connect(conn *websocket.Conn) *Client {
	client := newClient(h, conn)

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	return client
}

// Authenticate marks the connection authenticated when the credential
// matches. A failed credential does not disconnect the connection; it is
// simply excluded from rooms that require authentication.
func (h *Hub) Authenticate(connID, credential string) bool {
	client, ok := h.client(connID)
	if !ok {
		return false
	}

	if h.token != "" && credential != h.token {
		return false
	}

	client.mu.Lock()
	client.authenticated = true
	client.mu.Unlock()
	return true
}

// Subscribe adds the connection to an instance's room and replays the
// retained event history to it. Subscribing twice is a no-op. Membership is
// resolved and recorded under one hub lock so a concurrent Disconnect cannot
// park a closed connection in the room.
func (h *Hub) Subscribe(connID, instanceID string) error {
	h.mu.Lock()
	client, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownConnection
	}
	if h.token != "" && !client.Authenticated() {
		h.mu.Unlock()
		return ErrUnauthenticated
	}

	room, ok := h.rooms[instanceID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[instanceID] = room
	}
	if _, already := room[connID]; already {
		h.mu.Unlock()
		return nil
	}
	room[connID] = client

	client.mu.Lock()
	client.rooms[instanceID] = true
	client.mu.Unlock()

	var replay []model.LifecycleEvent
	if ring, ok := h.history[instanceID]; ok {
		replay = ring.Snapshot()
	}
	h.mu.Unlock()

	for _, ev := range replay {
		h.deliver(client, ev)
	}
	return nil
}

// Unsubscribe removes the connection from an instance's room. Idempotent.
func (h *Hub) Unsubscribe(connID, instanceID string) {
	client, ok := h.client(connID)
	if ok {
		client.mu.Lock()
		delete(client.rooms, instanceID)
		client.mu.Unlock()
	}

	h.mu.Lock()
	if room, ok := h.rooms[instanceID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, instanceID)
		}
	}
	h.mu.Unlock()
}

// Publish delivers an event to every connection subscribed to the instance's
// room and appends it to the room's replay history. Delivery is best-effort
// per connection; one slow client never blocks the others.
func (h *Hub) Publish(instanceID string, ev model.LifecycleEvent) {
	h.mu.Lock()
	ring, ok := h.history[instanceID]
	if !ok {
		ring = buffer.NewEventRing(h.historySize)
		h.history[instanceID] = ring
	}
	ring.Append(ev)

	members := make([]*Client, 0, len(h.rooms[instanceID]))
	for _, client := range h.rooms[instanceID] {
		members = append(members, client)
	}
	h.mu.Unlock()

	for _, client := range members {
		h.deliver(client, ev)
	}
}

// BroadcastAll delivers an event to every connection regardless of room
// membership. Used for system-wide status, never instance-scoped events.
func (h *Hub) BroadcastAll(ev model.LifecycleEvent) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		h.deliver(client, ev)
	}
}

// deliver encodes and queues one event for one client.
func (h *Hub) deliver(client *Client, ev model.LifecycleEvent) {
	data, err := json.Marshal(&Message{Type: MessageTypeEvent, Event: &ev})
	if err != nil {
		log.Printf("Failed to marshal event %s for instance %s: %v", ev.Type, ev.InstanceID, err)
		return
	}
	if !client.Send(data) {
		log.Printf("Delivery to connection %s stalled, probing liveness", client.id)
	}
}

// Disconnect removes a connection from every room and closes it.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	client, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
	}
	for instanceID, room := range h.rooms {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, instanceID)
		}
	}
	h.mu.Unlock()

	if ok {
		client.Close()
	}
}

// ReleaseRoom drops a destroyed instance's replay history. Connections keep
// their now-empty room subscription until they unsubscribe.
func (h *Hub) ReleaseRoom(instanceID string) {
	h.mu.Lock()
	delete(h.history, instanceID)
	h.mu.Unlock()
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of connections subscribed to an instance.
func (h *Hub) RoomSize(instanceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[instanceID])
}

// Run drives the heartbeat policy until Close. A connection silent past the
// force threshold gets an extra ping; one silent past the terminate
// threshold is removed from every room and closed. The two stages tolerate
// brief client-side scheduling delays while bounding how long a dead
// connection can occupy a room.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case now := <-ticker.C:
			h.checkHeartbeats(now)
		}
	}
}

func (h *Hub) checkHeartbeats(now time.Time) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		idle := client.idleFor(now)
		switch {
		case idle >= h.terminateAfter:
			log.Printf("Connection %s silent for %s, terminating", client.id, idle.Round(time.Second))
			h.Disconnect(client.id)
		case idle >= h.forcePingAfter:
			client.requestPing()
		}
	}
}

// Close terminates every connection and stops the heartbeat loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]map[string]*Client)
	h.history = make(map[string]*buffer.EventRing)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

func (h *Hub) client(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[connID]
	return client, ok
}
