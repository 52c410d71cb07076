package server

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/protocol"
)

// handleRoomSocket upgrades the request and hands the connection to the
// relay. The room is chosen by the JOIN frame; a JOIN without a document id
// takes the one from the path, and a JOIN naming another document is refused.
func (h *httpHandler) handleRoomSocket(c *gin.Context) {
	pathID := c.Param("id")
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.String("document_id", pathID), zap.Error(err))
		return
	}
	pinned := &pathPinnedConn{Conn: conn, documentID: pathID}
	if err := h.relay.Serve(c.Request.Context(), pinned); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("room connection ended", zap.String("document_id", pathID), zap.Error(err))
	}
}

type pathPinnedConn struct {
	protocol.Conn
	documentID string
	joined     bool
}

func (c *pathPinnedConn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	frame, err := c.Conn.ReadFrame(ctx)
	if err != nil || c.joined {
		return frame, err
	}
	c.joined = true
	if frame.Type == protocol.FrameJoin {
		switch frame.DocumentID {
		case "":
			frame.DocumentID = c.documentID
		case c.documentID:
		default:
			// An empty id is refused by the relay as malformed.
			frame.DocumentID = ""
		}
	}
	return frame, nil
}
