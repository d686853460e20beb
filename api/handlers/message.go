package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agent-sync-hub/backend/internal/message"
	"github.com/agent-sync-hub/backend/internal/sync"
)

// MessageHandler handles HTTP requests for the message ledger.
type MessageHandler struct {
	engine *sync.Engine
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(engine *sync.Engine) *MessageHandler {
	return &MessageHandler{engine: engine}
}

// Page handles GET /api/sessions/:id/messages?limit=&beforeSeq=.
func (h *MessageHandler) Page(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.engine.GetSession(c.Request.Context(), sessionID, getNamespace(c)); err != nil {
		translateError(c, err)
		return
	}

	opts := message.PageOptions{}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer")
			return
		}
		opts.Limit = limit
	}
	if v := c.Query("beforeSeq"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "beforeSeq must be an integer")
			return
		}
		opts.BeforeSeq = &before
	}

	page, err := h.engine.Messages().GetPage(c.Request.Context(), sessionID, opts)
	if err != nil {
		translateError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// After handles GET /api/sessions/:id/messages/after?afterSeq=&limit=.
// afterSeq=0 (or absent) fetches from the beginning; this is the reconnect
// catch-up path.
func (h *MessageHandler) After(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.engine.GetSession(c.Request.Context(), sessionID, getNamespace(c)); err != nil {
		translateError(c, err)
		return
	}

	var afterSeq int64
	if v := c.Query("afterSeq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "afterSeq must be a non-negative integer")
			return
		}
		afterSeq = parsed
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer")
			return
		}
		limit = parsed
	}

	messages, err := h.engine.Messages().GetAfter(c.Request.Context(), sessionID, afterSeq, limit)
	if err != nil {
		translateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// SendRequest is the body of POST /api/sessions/:id/messages.
type SendRequest struct {
	Text        string            `json:"text" binding:"required"`
	LocalID     *string           `json:"localId"`
	Attachments []json.RawMessage `json:"attachments"`
	SentFrom    string            `json:"sentFrom"`
}

// Send handles POST /api/sessions/:id/messages.
func (h *MessageHandler) Send(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.engine.GetSession(c.Request.Context(), sessionID, getNamespace(c)); err != nil {
		translateError(c, err)
		return
	}

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	msg, err := h.engine.Messages().Send(c.Request.Context(), sessionID, message.SendOptions{
		Text:        req.Text,
		LocalID:     req.LocalID,
		Attachments: req.Attachments,
		SentFrom:    req.SentFrom,
	})
	if err != nil {
		translateError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// RegisterRoutes registers the message handler routes on a Gin router group.
func (h *MessageHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/messages", h.Page)
	rg.GET("/sessions/:id/messages/after", h.After)
	rg.POST("/sessions/:id/messages", h.Send)
}
