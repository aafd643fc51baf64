package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dailytasks/dailytasks-netcontrol/internal/auth"
	"github.com/dailytasks/dailytasks-netcontrol/internal/db"
	"github.com/dailytasks/dailytasks-netcontrol/internal/mac"
	"github.com/dailytasks/dailytasks-netcontrol/internal/network"
)

// DeviceController is the engine the handlers drive.
type DeviceController interface {
	Allow(ctx context.Context, macAddress string) error
	Block(ctx context.Context, macAddress string) error
	Status(ctx context.Context, macAddress string) bool
}

// EventStore persists the access change history.
type EventStore interface {
	RecordEvent(ctx context.Context, e *db.AccessEvent) error
	ListEvents(ctx context.Context, f db.EventFilter) ([]*db.AccessEvent, error)
}

// Handler contains all HTTP handlers for the API.
type Handler struct {
	control DeviceController
	events  EventStore
	logger  *zap.Logger
}

// NewHandler creates a new API handler. events may be nil, which disables
// the access history.
func NewHandler(control DeviceController, events EventStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		control: control,
		events:  events,
		logger:  logger,
	}
}

// DeviceResponse confirms an allow or block.
type DeviceResponse struct {
	Message    string `json:"message"`
	MACAddress string `json:"macAddress"`
}

// StatusResponse reports whether a device is admitted.
type StatusResponse struct {
	MACAddress string `json:"macAddress"`
	IsAllowed  bool   `json:"isAllowed"`
}

// EventsResponse lists access history entries, newest first.
type EventsResponse struct {
	Events []*db.AccessEvent `json:"events"`
}

// HealthCheck returns the service health status.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AllowDevice admits the device named in the request body.
func (h *Handler) AllowDevice(c *gin.Context) {
	macAddress := c.GetString(macAddressKey)

	err := h.control.Allow(c.Request.Context(), macAddress)
	h.record(c, db.ActionAllow, macAddress, err == nil)
	if err != nil {
		h.writeControlError(c, err, "Failed to allow device access")
		return
	}

	c.JSON(http.StatusOK, DeviceResponse{Message: "Device access allowed", MACAddress: macAddress})
}

// BlockDevice revokes the device named in the request body.
func (h *Handler) BlockDevice(c *gin.Context) {
	macAddress := c.GetString(macAddressKey)

	err := h.control.Block(c.Request.Context(), macAddress)
	h.record(c, db.ActionBlock, macAddress, err == nil)
	if err != nil {
		h.writeControlError(c, err, "Failed to block device access")
		return
	}

	c.JSON(http.StatusOK, DeviceResponse{Message: "Device access blocked", MACAddress: macAddress})
}

// DeviceStatus reports the live admit state of the device in the path.
func (h *Handler) DeviceStatus(c *gin.Context) {
	macAddress := c.GetString(macAddressKey)

	c.JSON(http.StatusOK, StatusResponse{
		MACAddress: macAddress,
		IsAllowed:  h.control.Status(c.Request.Context(), macAddress),
	})
}

// ListEvents returns the access history, optionally for one device.
func (h *Handler) ListEvents(c *gin.Context) {
	filter := db.EventFilter{MACAddress: c.Query("macAddress")}
	if filter.MACAddress != "" && !mac.Valid(filter.MACAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidMAC})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > db.MaxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		filter.Limit = limit
	}

	events, err := h.events.ListEvents(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list access events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load access history"})
		return
	}
	if events == nil {
		events = []*db.AccessEvent{}
	}

	c.JSON(http.StatusOK, EventsResponse{Events: events})
}

// writeControlError maps engine failures to a response. Details stay in the
// server log.
func (h *Handler) writeControlError(c *gin.Context, err error, message string) {
	if errors.Is(err, network.ErrInvalidMAC) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidMAC})
		return
	}

	h.logger.Error(message,
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.String("client_ip", c.ClientIP()),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}

// record appends to the access history. Failures are logged only.
func (h *Handler) record(c *gin.Context, action, macAddress string, success bool) {
	if h.events == nil {
		return
	}

	event := &db.AccessEvent{
		MACAddress: macAddress,
		Action:     action,
		Success:    success,
		RemoteAddr: c.ClientIP(),
		RequestID:  c.GetString(requestIDKey),
	}
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*auth.Claims); ok {
			event.Actor = claims.Subject
		}
	}

	if err := h.events.RecordEvent(context.WithoutCancel(c.Request.Context()), event); err != nil {
		h.logger.Warn("failed to record access event",
			zap.String("mac", macAddress),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
