package handler

import (
	"Deskwire/internal/engine"
	"Deskwire/internal/model"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ConsoleHandler serves the agent-console and visitor-widget API over the
// synchronization engine.
type ConsoleHandler interface {
	GetConversations(c *gin.Context)
	RefreshConversations(c *gin.Context)
	GetMessages(c *gin.Context)
	GetDetail(c *gin.Context)
	SelectConversation(c *gin.Context)
	SendMessage(c *gin.Context)
	NoteViewport(c *gin.Context)
	HighlightMessage(c *gin.Context)
	SetFilter(c *gin.Context)
	SetSearch(c *gin.Context)
}

type consoleHandler struct {
	engine *engine.Engine
}

// NewConsoleHandler builds the console handler.
func NewConsoleHandler(eng *engine.Engine) ConsoleHandler {
	return &consoleHandler{engine: eng}
}

func conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("conversationId"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid conversation id",
		})
		return 0, false
	}
	return id, true
}

func (h *consoleHandler) GetConversations(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Conversations())
}

func (h *consoleHandler) RefreshConversations(c *gin.Context) {
	h.engine.RefreshConversations()
	c.Status(http.StatusAccepted)
}

func (h *consoleHandler) GetMessages(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.engine.Messages(id))
}

func (h *consoleHandler) GetDetail(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	detail := h.engine.Detail(id)
	if detail == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Detail not loaded",
		})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *consoleHandler) SelectConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	h.engine.SelectConversation(id)
	c.Status(http.StatusNoContent)
}

type sendRequest struct {
	Content     string          `json:"content"`
	MessageType string          `json:"messageType"`
	File        *model.FileMeta `json:"file"`
}

func (h *consoleHandler) SendMessage(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Content == "" && req.File == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Empty message"})
		return
	}
	if req.MessageType == "" {
		req.MessageType = model.MessageTypeText
	}
	h.engine.Send(id, req.Content, req.MessageType, req.File)
	c.Status(http.StatusAccepted)
}

type viewportRequest struct {
	DistanceFromBottom float64 `json:"distanceFromBottom"`
}

func (h *consoleHandler) NoteViewport(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req viewportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	h.engine.NoteViewport(id, req.DistanceFromBottom)
	c.Status(http.StatusNoContent)
}

type highlightRequest struct {
	MessageID int64 `json:"messageId"`
}

func (h *consoleHandler) HighlightMessage(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req highlightRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MessageID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	h.engine.HighlightMessage(id, req.MessageID)
	c.Status(http.StatusNoContent)
}

type filterRequest struct {
	Filter string `json:"filter"`
}

func (h *consoleHandler) SetFilter(c *gin.Context) {
	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	h.engine.SetFilter(req.Filter)
	c.JSON(http.StatusOK, h.engine.Conversations())
}

type searchRequest struct {
	Query string `json:"query"`
}

func (h *consoleHandler) SetSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	h.engine.SetSearchQuery(req.Query)
	c.JSON(http.StatusOK, h.engine.Conversations())
}
