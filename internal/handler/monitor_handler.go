package handler

import (
	"Deskwire/internal/engine"
	"net/http"

	"github.com/gin-gonic/gin"
)

// MonitorHandler handles monitoring API endpoints
type MonitorHandler interface {
	GetEngineStats(c *gin.Context)
}

type monitorHandler struct {
	engine *engine.Engine
}

// NewMonitorHandler creates a new monitor handler
func NewMonitorHandler(eng *engine.Engine) MonitorHandler {
	return &monitorHandler{engine: eng}
}

// GetEngineStats returns current synchronization engine statistics:
// connection state, reconnect attempts, tracked conversations and unread
// totals.
func (h *monitorHandler) GetEngineStats(c *gin.Context) {
	stats := h.engine.EngineStats()

	c.JSON(http.StatusOK, gin.H{
		"HttpStatusCode": http.StatusOK,
		"ResponseBody":   stats,
		"IsSuccess":      true,
		"Message":        "Engine statistics retrieved successfully",
	})
}
