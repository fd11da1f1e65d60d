package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wa-session-console/backend/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeAuth        MessageType = "auth"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSend        MessageType = "send"
	MessageTypePing        MessageType = "ping"

	// Server -> Client message types
	MessageTypeEvent MessageType = "event"
	MessageTypeAck   MessageType = "ack"
	MessageTypeError MessageType = "error"
	MessageTypePong  MessageType = "pong"
)

// Message represents a WebSocket message.
type Message struct {
	Type       MessageType           `json:"type"`
	Op         MessageType           `json:"op,omitempty"`
	InstanceID string                `json:"instanceId,omitempty"`
	Token      string                `json:"token,omitempty"`
	Recipient  string                `json:"recipient,omitempty"`
	Content    string                `json:"content,omitempty"`
	Event      *model.LifecycleEvent `json:"event,omitempty"`
	Success    *bool                 `json:"success,omitempty"`
	Error      string                `json:"error,omitempty"`
	Data       json.RawMessage       `json:"data,omitempty"`
}

// Result is the uniform response shape inbound client requests resolve to.
type Result struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RequestHandler translates inbound client requests into core operations.
// Implementations never let transport-specific errors escape; every outcome
// is a Result.
type RequestHandler interface {
	HandleAuth(ctx context.Context, connID, credential string) Result
	HandleSubscribe(ctx context.Context, connID, instanceID string) Result
	HandleUnsubscribe(ctx context.Context, connID, instanceID string) Result
	HandleSend(ctx context.Context, connID, instanceID, recipient, content string) Result
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking in production
		return true
	},
}

// Handler handles WebSocket connections for the dashboard event stream.
type Handler struct {
	hub      *Hub
	requests RequestHandler
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, requests RequestHandler) *Handler {
	return &Handler{
		hub:      hub,
		requests: requests,
	}
}

// HandleConnection upgrades the HTTP connection, registers the client with
// the hub, and runs the read/write pumps. A bearer token presented with the
// request authenticates the connection up front; clients may also send an
// auth message later.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := h.hub.Connect(conn)

	if token := extractToken(r); token != "" {
		h.hub.Authenticate(client.ID(), token)
	}

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

// extractToken pulls a bearer token from the Authorization header or the
// token query parameter.
func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// handleMessage processes incoming messages from clients.
func (h *Handler) handleMessage(ctx context.Context, client *Client, msg *Message) {
	switch msg.Type {
	case MessageTypeAuth:
		h.sendAck(client, msg.Type, "", h.requests.HandleAuth(ctx, client.ID(), msg.Token))
	case MessageTypeSubscribe:
		h.sendAck(client, msg.Type, msg.InstanceID, h.requests.HandleSubscribe(ctx, client.ID(), msg.InstanceID))
	case MessageTypeUnsubscribe:
		h.sendAck(client, msg.Type, msg.InstanceID, h.requests.HandleUnsubscribe(ctx, client.ID(), msg.InstanceID))
	case MessageTypeSend:
		h.sendAck(client, msg.Type, msg.InstanceID, h.requests.HandleSend(ctx, client.ID(), msg.InstanceID, msg.Recipient, msg.Content))
	case MessageTypePing:
		h.reply(client, &Message{Type: MessageTypePong})
	default:
		h.reply(client, &Message{Type: MessageTypeError, Error: "unknown message type: " + string(msg.Type)})
	}
}

// sendAck replies to one client request with its uniform result.
func (h *Handler) sendAck(client *Client, op MessageType, instanceID string, result Result) {
	success := result.Success
	h.reply(client, &Message{
		Type:       MessageTypeAck,
		Op:         op,
		InstanceID: instanceID,
		Success:    &success,
		Error:      result.Error,
		Data:       result.Data,
	})
}

func (h *Handler) reply(client *Client, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal reply: %v", err)
		return
	}
	client.Send(data)
}

// readPump pumps messages from the WebSocket connection into the request
// handler. Every inbound frame, pong included, counts as activity for the
// heartbeat policy.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Disconnect(client.ID())
		client.Conn().Close()
	}()

	pongWait := h.hub.PingInterval() * 2
	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Touch()
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := context.Background()
	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on connection %s: %v", client.ID(), err)
			}
			break
		}
		client.Touch()
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Failed to unmarshal message from connection %s: %v", client.ID(), err)
			h.reply(client, &Message{Type: MessageTypeError, Error: "malformed message"})
			continue
		}

		h.handleMessage(ctx, client, &msg)
	}
}

// writePump pumps queued messages to the WebSocket connection and writes the
// heartbeat pings, both the periodic ones and the forced probes the hub
// requests for stalled connections.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(h.hub.PingInterval())
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Send each message in a separate frame so clients can parse
			// them independently.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queuedMsg, ok := <-client.SendChan()
				if !ok {
					return
				}
				client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.Conn().WriteMessage(websocket.TextMessage, queuedMsg); err != nil {
					return
				}
			}
		case <-client.PingChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// GetUpgrader returns the WebSocket upgrader for custom configuration.
func GetUpgrader() *websocket.Upgrader {
	return &upgrader
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}
