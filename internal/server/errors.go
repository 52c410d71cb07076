package server

import (
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/access"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/ratelimit"
)

var reasonStatus = map[protocol.Reason]int{
	protocol.ReasonUnauthenticated:        http.StatusUnauthorized,
	protocol.ReasonForbidden:              http.StatusForbidden,
	protocol.ReasonRateLimited:            http.StatusTooManyRequests,
	protocol.ReasonNotFound:               http.StatusNotFound,
	protocol.ReasonMalformedFrame:         http.StatusBadRequest,
	protocol.ReasonPersistenceUnavailable: http.StatusServiceUnavailable,
}

// classify maps an error from any layer onto the relay's reason taxonomy.
func classify(err error) protocol.Reason {
	if reason, ok := protocol.ReasonOf(err); ok {
		return reason
	}
	var validationErrors validation.Errors
	switch {
	case errors.Is(err, access.ErrForbidden):
		return protocol.ReasonForbidden
	case errors.Is(err, access.ErrNotFound),
		errors.Is(err, documents.ErrNotFound),
		errors.Is(err, persistence.ErrNotFound):
		return protocol.ReasonNotFound
	case errors.Is(err, access.ErrInvalidGrant),
		errors.Is(err, access.ErrInvalidPermission),
		errors.Is(err, documents.ErrInvalidDocumentID),
		errors.Is(err, crdt.ErrMalformedUpdate),
		errors.Is(err, crdt.ErrUnsupportedValue),
		errors.Is(err, ratelimit.ErrUnknownKind),
		errors.As(err, &validationErrors):
		return protocol.ReasonMalformedFrame
	default:
		return protocol.ReasonPersistenceUnavailable
	}
}

func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	reason := classify(err)
	status := reasonStatus[reason]
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.String("reason", string(reason)), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("operation", operation), zap.String("reason", string(reason)), zap.Error(err))
	}
	body := gin.H{"error": string(reason)}
	if status < http.StatusInternalServerError {
		body["detail"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}
