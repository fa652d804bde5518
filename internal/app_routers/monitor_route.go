package approuters

import (
	"Deskwire/internal/configuration"

	"github.com/gin-gonic/gin"
)

// MonitorRouters sets up monitoring API routes
func MonitorRouters(router *gin.Engine, container *configuration.Container) {
	monitorGroup := router.Group("/dw/api/monitor")
	{
		monitorGroup.GET("/stats", container.MonitorHandler.GetEngineStats)
	}
}
