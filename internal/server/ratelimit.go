package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/access"
)

// rateLimitTarget returns :userId when the caller is that user or holds the
// admin role.
func (h *httpHandler) rateLimitTarget(c *gin.Context, operation string) (string, bool) {
	target := strings.TrimSpace(c.Param("userId"))
	claims := sessionClaims(c)
	if target == claims.UserID {
		return target, true
	}
	if h.adminRole != "" && claims.HasRole(h.adminRole) {
		return target, true
	}
	h.writeError(c, operation, access.ErrForbidden)
	return "", false
}

func (h *httpHandler) handleRateLimitStatus(c *gin.Context) {
	userID, ok := h.rateLimitTarget(c, "ratelimit.status")
	if !ok {
		return
	}
	statuses, err := h.limiter.Status(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "ratelimit.status", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "buckets": statuses})
}

func (h *httpHandler) handleRateLimitReset(c *gin.Context) {
	userID, ok := h.rateLimitTarget(c, "ratelimit.reset")
	if !ok {
		return
	}
	if err := h.limiter.Reset(c.Request.Context(), userID); err != nil {
		h.writeError(c, "ratelimit.reset", err)
		return
	}
	h.logger.Info("rate limits reset by request", zap.String("user_id", userID), zap.String("actor", sessionClaims(c).UserID))
	c.Status(http.StatusNoContent)
}
