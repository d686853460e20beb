// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-sync-hub/backend/internal/model"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// getNamespace extracts the caller's namespace from the request context.
// In a real deployment this is set by the authentication middleware from
// the bearer token.
func getNamespace(c *gin.Context) string {
	if ns, exists := c.Get("namespace"); exists {
		if v, ok := ns.(string); ok {
			return v
		}
	}
	// Default namespace for development/testing
	return "default"
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

// translateError maps the engine's error taxonomy onto HTTP statuses:
// not-found → 404, access-denied → 403, upstream unavailable → 503,
// everything else → 500.
func translateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
	case errors.Is(err, model.ErrAccessDenied):
		sendError(c, http.StatusForbidden, "FORBIDDEN", "Access to session denied")
	case errors.Is(err, model.ErrUpstreamUnavailable):
		sendError(c, http.StatusServiceUnavailable, "AGENT_UNAVAILABLE", "No agent attached to session")
	case errors.Is(err, model.ErrResumeUnavailable):
		sendError(c, http.StatusConflict, "RESUME_UNAVAILABLE", err.Error())
	case errors.Is(err, model.ErrResumeFailed):
		sendError(c, http.StatusInternalServerError, "RESUME_FAILED", err.Error())
	case errors.Is(err, model.ErrMalformedResponse):
		sendError(c, http.StatusInternalServerError, "MALFORMED_AGENT_RESPONSE", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
