package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/access"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

type createDocumentRequestPayload struct {
	ID string `json:"id"`
}

type documentResponsePayload struct {
	ID               string `json:"id"`
	OwnerID          string `json:"ownerId"`
	CreatedAtSeconds int64  `json:"createdAt"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request createDocumentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	documentID, err := documents.NewDocumentID(request.ID)
	if err != nil {
		h.writeError(c, "documents.create", err)
		return
	}
	claims := sessionClaims(c)
	created, err := h.documents.Create(c.Request.Context(), documentID, claims.UserID)
	if errors.Is(err, documents.ErrAlreadyExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "already_exists"})
		return
	}
	if err != nil {
		h.writeError(c, "documents.create", err)
		return
	}
	h.logger.Info("document created", zap.String("document_id", created.DocumentID), zap.String("user_id", claims.UserID))
	c.JSON(http.StatusCreated, documentResponsePayload{
		ID:               created.DocumentID,
		OwnerID:          created.OwnerID,
		CreatedAtSeconds: created.CreatedAtSeconds,
	})
}

// documentParam parses :id and checks that the caller holds required on it.
// It writes the error response and returns false when the request must stop.
func (h *httpHandler) documentParam(c *gin.Context, operation string, required access.Permission) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		h.writeError(c, operation, err)
		return "", false
	}
	claims := sessionClaims(c)
	allowed, err := h.access.CheckAccess(c.Request.Context(), claims.UserID, documentID, required)
	if err != nil {
		h.writeError(c, operation, err)
		return "", false
	}
	if !allowed {
		h.writeError(c, operation, access.ErrForbidden)
		return "", false
	}
	return documentID, true
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	documentID, ok := h.documentParam(c, "access.list_members", access.PermissionViewer)
	if !ok {
		return
	}
	members, err := h.access.ListMembers(c.Request.Context(), documentID)
	if err != nil {
		h.writeError(c, "access.list_members", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

type grantRequestPayload struct {
	UserID     string `json:"userId"`
	Permission string `json:"permission"`
}

type grantResponsePayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Permission string `json:"permission"`
	InvitedBy  string `json:"invitedBy"`
}

func (h *httpHandler) handleGrant(c *gin.Context) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		h.writeError(c, "access.grant", err)
		return
	}
	var request grantRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	permission, err := access.ParsePermission(request.Permission)
	if err != nil {
		h.writeError(c, "access.grant", err)
		return
	}
	grant, err := h.access.Grant(c.Request.Context(), access.GrantRequest{
		DocumentID: documentID,
		UserID:     request.UserID,
		Permission: permission,
		GrantedBy:  sessionClaims(c).UserID,
	})
	if err != nil {
		h.writeError(c, "access.grant", err)
		return
	}
	c.JSON(http.StatusOK, grantResponsePayload{
		DocumentID: grant.DocumentID,
		UserID:     grant.UserID,
		Permission: grant.Permission,
		InvitedBy:  grant.InvitedBy,
	})
}

func (h *httpHandler) handleRevoke(c *gin.Context) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		h.writeError(c, "access.revoke", err)
		return
	}
	if err := h.access.Revoke(c.Request.Context(), documentID, c.Param("userId"), sessionClaims(c).UserID); err != nil {
		h.writeError(c, "access.revoke", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type accessResponsePayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Permission string `json:"permission"`
	Allowed    bool   `json:"allowed"`
}

func (h *httpHandler) handleCheckAccess(c *gin.Context) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		h.writeError(c, "access.check", err)
		return
	}
	permission, err := access.ParsePermission(c.DefaultQuery("permission", string(access.PermissionViewer)))
	if err != nil {
		h.writeError(c, "access.check", err)
		return
	}
	userID := sessionClaims(c).UserID
	allowed, err := h.access.CheckAccess(c.Request.Context(), userID, documentID, permission)
	if err != nil {
		h.writeError(c, "access.check", err)
		return
	}
	c.JSON(http.StatusOK, accessResponsePayload{
		DocumentID: documentID.String(),
		UserID:     userID,
		Permission: permission.String(),
		Allowed:    allowed,
	})
}

type auditResponsePayload struct {
	ID               string `json:"id"`
	Actor            string `json:"actor"`
	Action           string `json:"action"`
	Details          string `json:"details"`
	Severity         string `json:"severity"`
	CreatedAtSeconds int64  `json:"createdAt"`
}

func (h *httpHandler) handleListAudit(c *gin.Context) {
	documentID, ok := h.documentParam(c, "access.list_audit", access.PermissionOwner)
	if !ok {
		return
	}
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(parsed, maxAuditLimit)
	}
	entries, err := h.access.ListAudit(c.Request.Context(), documentID, limit)
	if err != nil {
		h.writeError(c, "access.list_audit", err)
		return
	}
	response := make([]auditResponsePayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, auditResponsePayload{
			ID:               entry.ID,
			Actor:            entry.Actor,
			Action:           entry.Action,
			Details:          entry.Details,
			Severity:         entry.Severity,
			CreatedAtSeconds: entry.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": response})
}

func (h *httpHandler) handleExport(c *gin.Context) {
	documentID, ok := h.documentParam(c, "persistence.export", access.PermissionViewer)
	if !ok {
		return
	}
	structured, err := h.persistence.ExportStructured(c.Request.Context(), documentID)
	if err != nil {
		h.writeError(c, "persistence.export", err)
		return
	}
	c.JSON(http.StatusOK, structured)
}

// handleImport merges a structured document into the stored state and
// forwards the resulting operations to any open room.
func (h *httpHandler) handleImport(c *gin.Context) {
	documentID, ok := h.documentParam(c, "persistence.import", access.PermissionEditor)
	if !ok {
		return
	}
	var value map[string]any
	if err := c.ShouldBindJSON(&value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	update, err := h.persistence.ImportStructured(c.Request.Context(), documentID, value)
	if err != nil {
		h.writeError(c, "persistence.import", err)
		return
	}
	if err := h.relay.ApplyServerUpdate(documentID, update); err != nil {
		// Already durable; open rooms converge on the next join.
		h.logger.Warn("imported update not broadcast", zap.String("document_id", documentID.String()), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"changed": len(update) > 0})
}

func (h *httpHandler) handlePurge(c *gin.Context) {
	documentID, ok := h.documentParam(c, "persistence.purge", access.PermissionOwner)
	if !ok {
		return
	}
	if err := h.persistence.Purge(c.Request.Context(), documentID); err != nil {
		h.writeError(c, "persistence.purge", err)
		return
	}
	h.logger.Info("document snapshot purged", zap.String("document_id", documentID.String()), zap.String("user_id", sessionClaims(c).UserID))
	c.Status(http.StatusNoContent)
}
