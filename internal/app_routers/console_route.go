package approuters

import (
	"Deskwire/internal/configuration"

	"github.com/gin-gonic/gin"
)

func ConsoleRouters(router *gin.Engine, container *configuration.Container) {
	h := container.ConsoleHandler

	conversationRoute := router.Group("/dw/api/conversations")
	{
		conversationRoute.GET("", h.GetConversations)
		conversationRoute.POST("/refresh", h.RefreshConversations)
		conversationRoute.GET("/:conversationId/messages", h.GetMessages)
		conversationRoute.GET("/:conversationId/detail", h.GetDetail)
		conversationRoute.POST("/:conversationId/select", h.SelectConversation)
		conversationRoute.POST("/:conversationId/messages", h.SendMessage)
		conversationRoute.POST("/:conversationId/viewport", h.NoteViewport)
		conversationRoute.POST("/:conversationId/highlight", h.HighlightMessage)
	}

	viewRoute := router.Group("/dw/api/view")
	{
		viewRoute.POST("/filter", h.SetFilter)
		viewRoute.POST("/search", h.SetSearch)
	}
}
