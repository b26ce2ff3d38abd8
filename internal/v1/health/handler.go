// Package health exposes the Kubernetes-style liveness and readiness probes.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RoomCounter reports how many rooms are live; satisfied by the room registry.
type RoomCounter interface {
	Len() int
}

// Handler manages the health check endpoints.
type Handler struct {
	rooms RoomCounter
}

func NewHandler(rooms RoomCounter) *Handler {
	return &Handler{rooms: rooms}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string         `json:"status"`
	Checks    map[string]any `json:"checks"`
	Timestamp string         `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 whenever the process is
// alive; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. The server keeps all state in process
// memory, so readiness reduces to the registry answering; the room count is
// included for operators.
func (h *Handler) Readiness(c *gin.Context) {
	checks := map[string]any{
		"rooms": h.rooms.Len(),
	}
	c.JSON(http.StatusOK, ReadinessResponse{
		Status:    "ready",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
