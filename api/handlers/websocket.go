package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/wa-session-console/backend/internal/ws"
)

// WebSocketHandler handles the dashboard event-stream endpoint.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
	}
}

// Attach handles GET /api/ws - upgrades the connection and hands it to the
// hub. Room subscriptions happen over the socket protocol afterwards.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request); err != nil {
		// Upgrade failures already wrote the HTTP error.
		return
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.Attach)
}
