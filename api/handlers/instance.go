// Package handlers provides HTTP API request handlers.
package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wa-session-console/backend/internal/backup"
	"github.com/wa-session-console/backend/internal/lifecycle"
	"github.com/wa-session-console/backend/internal/model"
)

// InstanceHandler handles HTTP requests for instance management.
type InstanceHandler struct {
	supervisor *lifecycle.Supervisor
	backups    *backup.Store
}

// NewInstanceHandler creates a new InstanceHandler.
func NewInstanceHandler(supervisor *lifecycle.Supervisor, backups *backup.Store) *InstanceHandler {
	return &InstanceHandler{
		supervisor: supervisor,
		backups:    backups,
	}
}

// CreateInstanceRequest represents the request body for creating an instance.
type CreateInstanceRequest struct {
	ID string `json:"id" binding:"required"`
}

// SendMessageRequest represents the request body for sending a message.
type SendMessageRequest struct {
	Recipient string `json:"recipient" binding:"required"`
	Content   string `json:"content" binding:"required"`
}

// InstanceResponse represents an instance in API responses.
type InstanceResponse struct {
	ID                   string             `json:"id"`
	State                string             `json:"state"`
	PairingPayload       string             `json:"pairingPayload,omitempty"`
	SessionInfo          *model.SessionInfo `json:"sessionInfo,omitempty"`
	LastDisconnectReason string             `json:"lastDisconnectReason,omitempty"`
	LastTransitionAt     string             `json:"lastTransitionAt"`
	CreatedAt            string             `json:"createdAt"`
}

// BackupResponse represents backup metadata in API responses.
type BackupResponse struct {
	ID        int64  `json:"id"`
	CreatedAt string `json:"createdAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toInstanceResponse converts a model.InstanceRecord to InstanceResponse.
func toInstanceResponse(r *model.InstanceRecord) *InstanceResponse {
	resp := &InstanceResponse{
		ID:                   r.ID,
		State:                string(r.State),
		SessionInfo:          r.SessionInfo,
		LastDisconnectReason: r.LastDisconnectReason,
		LastTransitionAt:     r.LastTransitionAt.Format(time.RFC3339),
		CreatedAt:            r.CreatedAt.Format(time.RFC3339),
	}
	if r.PairingPayload != nil {
		resp.PairingPayload = base64.StdEncoding.EncodeToString(r.PairingPayload)
	}
	return resp
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Create handles POST /api/instances - creates a new instance.
func (h *InstanceHandler) Create(c *gin.Context) {
	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	record, err := h.supervisor.CreateInstance(c.Request.Context(), req.ID)
	if err != nil {
		if errors.Is(err, model.ErrAlreadyExists) {
			sendError(c, http.StatusConflict, "ALREADY_EXISTS", "Instance "+req.ID+" already exists")
			return
		}
		var driverErr *model.DriverError
		if errors.As(err, &driverErr) {
			sendError(c, http.StatusBadGateway, "DRIVER_ERROR", driverErr.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create instance: "+err.Error())
		return
	}

	c.JSON(http.StatusCreated, toInstanceResponse(record))
}

// List handles GET /api/instances - lists all live instances.
func (h *InstanceHandler) List(c *gin.Context) {
	records := h.supervisor.ListInstances()

	response := make([]*InstanceResponse, len(records))
	for i, record := range records {
		response[i] = toInstanceResponse(record)
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/instances/:id - gets a specific instance.
func (h *InstanceHandler) Get(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Instance ID is required")
		return
	}

	record, err := h.supervisor.GetInstance(instanceID)
	if err != nil {
		if errors.Is(err, model.ErrInstanceNotFound) {
			sendError(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance "+instanceID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get instance: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toInstanceResponse(record))
}

// GetPairing handles GET /api/instances/:id/pairing - returns the current
// pairing payload, if any.
func (h *InstanceHandler) GetPairing(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Instance ID is required")
		return
	}

	record, err := h.supervisor.GetInstance(instanceID)
	if err != nil {
		if errors.Is(err, model.ErrInstanceNotFound) {
			sendError(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance "+instanceID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get instance: "+err.Error())
		return
	}

	if record.State != model.StateAwaitingPairing || record.PairingPayload == nil {
		sendError(c, http.StatusNotFound, "PAIRING_UNAVAILABLE", "Instance "+instanceID+" has no pairing payload")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instanceId": instanceID,
		"pairing":    base64.StdEncoding.EncodeToString(record.PairingPayload),
	})
}

// Send handles POST /api/instances/:id/send - sends a message through a
// ready instance.
func (h *InstanceHandler) Send(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Instance ID is required")
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	result, err := h.supervisor.Send(c.Request.Context(), instanceID, req.Recipient, req.Content)
	if err != nil {
		if errors.Is(err, model.ErrInstanceNotFound) {
			sendError(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance "+instanceID+" not found")
			return
		}
		if errors.Is(err, model.ErrNotReady) {
			sendError(c, http.StatusConflict, "NOT_READY", "Instance "+instanceID+" is not ready")
			return
		}
		var driverErr *model.DriverError
		if errors.As(err, &driverErr) {
			sendError(c, http.StatusBadGateway, "DRIVER_ERROR", driverErr.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to send message: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, result)
}

// Delete handles DELETE /api/instances/:id - destroys an instance. Absent
// after destroy also reports success.
func (h *InstanceHandler) Delete(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Instance ID is required")
		return
	}

	if err := h.supervisor.DestroyInstance(c.Request.Context(), instanceID); err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to destroy instance: "+err.Error())
		return
	}

	c.Status(http.StatusNoContent)
}

// ListBackups handles GET /api/instances/:id/backups - lists retained backup
// metadata for an instance.
func (h *InstanceHandler) ListBackups(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Instance ID is required")
		return
	}

	latest, err := h.backups.Latest(c.Request.Context(), instanceID)
	if err != nil && !errors.Is(err, model.ErrBackupUnavailable) {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read backups: "+err.Error())
		return
	}

	count, err := h.backups.Count(c.Request.Context(), instanceID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to count backups: "+err.Error())
		return
	}

	resp := gin.H{"instanceId": instanceID, "count": count}
	if latest != nil {
		resp["latest"] = BackupResponse{ID: latest.ID, CreatedAt: latest.CreatedAt.Format(time.RFC3339)}
	}
	c.JSON(http.StatusOK, resp)
}

// PruneBackups handles POST /api/instances/:id/backups/prune - operator
// triggered retention enforcement.
func (h *InstanceHandler) PruneBackups(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Instance ID is required")
		return
	}

	if err := h.backups.Prune(c.Request.Context(), instanceID); err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to prune backups: "+err.Error())
		return
	}

	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the instance handler routes on a Gin router group.
func (h *InstanceHandler) RegisterRoutes(rg *gin.RouterGroup) {
	instances := rg.Group("/instances")
	{
		instances.POST("", h.Create)
		instances.GET("", h.List)
		instances.GET("/:id", h.Get)
		instances.DELETE("/:id", h.Delete)
		instances.GET("/:id/pairing", h.GetPairing)
		instances.POST("/:id/send", h.Send)
		instances.GET("/:id/backups", h.ListBackups)
		instances.POST("/:id/backups/prune", h.PruneBackups)
	}
}
