package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-sync-hub/backend/internal/cache"
	"github.com/agent-sync-hub/backend/internal/sync"
)

// SessionHandler handles HTTP requests for session lifecycle and state.
type SessionHandler struct {
	engine *sync.Engine
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(engine *sync.Engine) *SessionHandler {
	return &SessionHandler{engine: engine}
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Tag        string          `json:"tag" binding:"required"`
	Metadata   json.RawMessage `json:"metadata"`
	AgentState json.RawMessage `json:"agentState"`
}

// Create handles POST /api/sessions — idempotent get-or-create by tag.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	session, created, err := h.engine.GetOrCreateSession(
		c.Request.Context(), req.Tag, req.Metadata, req.AgentState, getNamespace(c))
	if err != nil {
		translateError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, session)
}

// List handles GET /api/sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.engine.ListSessions(c.Request.Context(), getNamespace(c))
	if err != nil {
		translateError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// Get handles GET /api/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.engine.GetSession(c.Request.Context(), c.Param("id"), getNamespace(c))
	if err != nil {
		translateError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// Delete handles DELETE /api/sessions/:id.
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.engine.DeleteSession(c.Request.Context(), c.Param("id"), getNamespace(c)); err != nil {
		translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RenameRequest is the body of POST /api/sessions/:id/rename.
type RenameRequest struct {
	Name string `json:"name" binding:"required"`
}

// Rename handles POST /api/sessions/:id/rename.
func (h *SessionHandler) Rename(c *gin.Context) {
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	if err := h.engine.RenameSession(c.Request.Context(), c.Param("id"), getNamespace(c), req.Name); err != nil {
		translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Archive handles POST /api/sessions/:id/archive.
func (h *SessionHandler) Archive(c *gin.Context) {
	if err := h.engine.ArchiveSession(c.Request.Context(), c.Param("id"), getNamespace(c)); err != nil {
		translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Resume handles POST /api/sessions/:id/resume.
func (h *SessionHandler) Resume(c *gin.Context) {
	sessionID, err := h.engine.ResumeSession(c.Request.Context(), c.Param("id"), getNamespace(c))
	if err != nil {
		translateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID})
}

// VersionedWriteRequest is the body of the metadata/agent-state writes.
// A nil ExpectedVersion writes unconditionally.
type VersionedWriteRequest struct {
	Value           json.RawMessage `json:"value" binding:"required"`
	ExpectedVersion *int64          `json:"expectedVersion"`
}

// UpdateMetadata handles POST /api/sessions/:id/metadata. A stale expected
// version yields a 409 with the current version and value in the body.
func (h *SessionHandler) UpdateMetadata(c *gin.Context) {
	h.versionedWrite(c, h.engine.UpdateSessionMetadata)
}

// UpdateAgentState handles POST /api/sessions/:id/agent-state.
func (h *SessionHandler) UpdateAgentState(c *gin.Context) {
	h.versionedWrite(c, h.engine.UpdateSessionAgentState)
}

type versionedWriteFunc func(ctx context.Context, sessionID string, value json.RawMessage, expectedVersion *int64, namespace string) (*cache.WriteResult, error)

func (h *SessionHandler) versionedWrite(c *gin.Context, write versionedWriteFunc) {
	var req VersionedWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	result, err := write(c.Request.Context(), c.Param("id"), req.Value, req.ExpectedVersion, getNamespace(c))
	if err != nil {
		translateError(c, err)
		return
	}

	if result.Status == cache.WriteVersionMismatch {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// TodosRequest is the body of POST /api/sessions/:id/todos.
type TodosRequest struct {
	Todos json.RawMessage `json:"todos" binding:"required"`
}

// SetTodos handles POST /api/sessions/:id/todos.
func (h *SessionHandler) SetTodos(c *gin.Context) {
	var req TodosRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	if err := h.engine.SetSessionTodos(c.Request.Context(), c.Param("id"), getNamespace(c), req.Todos); err != nil {
		translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PermissionRequest is the body of POST /api/sessions/:id/permission.
type PermissionRequest struct {
	RequestID string `json:"requestId" binding:"required"`
	Approved  bool   `json:"approved"`
}

// Permission handles POST /api/sessions/:id/permission.
func (h *SessionHandler) Permission(c *gin.Context) {
	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	var err error
	if req.Approved {
		err = h.engine.ApprovePermission(ctx, c.Param("id"), getNamespace(c), req.RequestID)
	} else {
		err = h.engine.DenyPermission(ctx, c.Param("id"), getNamespace(c), req.RequestID)
	}
	if err != nil {
		translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Abort handles POST /api/sessions/:id/abort.
func (h *SessionHandler) Abort(c *gin.Context) {
	if err := h.engine.AbortSession(c.Request.Context(), c.Param("id"), getNamespace(c)); err != nil {
		translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Switch handles POST /api/sessions/:id/switch.
func (h *SessionHandler) Switch(c *gin.Context) {
	if err := h.engine.SwitchSession(c.Request.Context(), c.Param("id"), getNamespace(c)); err != nil {
		translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Config handles POST /api/sessions/:id/config.
func (h *SessionHandler) Config(c *gin.Context) {
	var req sync.SessionConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	applied, err := h.engine.ApplySessionConfig(c.Request.Context(), c.Param("id"), getNamespace(c), req)
	if err != nil {
		translateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

// SpawnRequest is the body of POST /api/spawn.
type SpawnRequest struct {
	Directory string `json:"directory" binding:"required"`
	Agent     string `json:"agent" binding:"required"`
	Model     string `json:"model"`
}

// Spawn handles POST /api/spawn — launches a fresh agent session.
func (h *SessionHandler) Spawn(c *gin.Context) {
	var req SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	sessionID, err := h.engine.SpawnSession(c.Request.Context(), getNamespace(c), sync.SpawnOptions{
		Directory: req.Directory,
		Agent:     req.Agent,
		Model:     req.Model,
	})
	if err != nil {
		translateError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": sessionID})
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/spawn", h.Spawn)

	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
		sessions.POST("/:id/rename", h.Rename)
		sessions.POST("/:id/archive", h.Archive)
		sessions.POST("/:id/resume", h.Resume)
		sessions.POST("/:id/metadata", h.UpdateMetadata)
		sessions.POST("/:id/agent-state", h.UpdateAgentState)
		sessions.POST("/:id/todos", h.SetTodos)
		sessions.POST("/:id/permission", h.Permission)
		sessions.POST("/:id/abort", h.Abort)
		sessions.POST("/:id/switch", h.Switch)
		sessions.POST("/:id/config", h.Config)
	}
}
