package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/access"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/ratelimit"
)

// ReceiveUpdate applies an update sent by a joined connection, broadcasts it
// verbatim to the other members and queues it for persistence. Editor access
// is checked on every call. Failures are reported to the sender only and
// returned.
func (r *Relay) ReceiveUpdate(ctx context.Context, documentID, connectionID string, update []byte) error {
	target, sender, err := r.lookupMember(documentID, connectionID)
	if err != nil {
		return err
	}
	r.metrics.FrameReceived(string(protocol.FrameUpdate))

	allowed, err := r.access.CheckAccess(ctx, sender.userID, target.documentID, access.PermissionEditor)
	if err != nil {
		return r.reject(sender, protocol.NewError(protocol.ReasonPersistenceUnavailable, "access check failed", err))
	}
	if !allowed {
		return r.reject(sender, protocol.NewError(protocol.ReasonForbidden, "editor access required", access.ErrForbidden))
	}
	if err := r.consume(ctx, sender.userID, ratelimit.KindUpdate); err != nil {
		return r.reject(sender, err)
	}

	var applyErr error
	runErr := target.do(func() {
		if err := target.doc.ApplyUpdate(update); err != nil {
			applyErr = err
			return
		}
		r.broadcast(target, protocol.Frame{
			Type:         protocol.FrameUpdate,
			ConnectionID: sender.connectionID,
			Payload:      update,
		}, sender.connectionID)
		r.metrics.UpdateBroadcast()
		if err := r.persister.Enqueue(target.documentID, update); err != nil {
			r.logger.Error("update not queued for persistence",
				zap.String("document_id", target.documentID.String()),
				zap.String("connection_id", sender.connectionID),
				zap.Error(err))
		}
	})
	if runErr != nil {
		return protocol.NewError(protocol.ReasonNotFound, "room closed", runErr)
	}
	if applyErr != nil {
		r.logger.Warn("malformed update rejected",
			zap.String("document_id", target.documentID.String()),
			zap.String("connection_id", sender.connectionID),
			zap.String("user_id", sender.userID),
			zap.Error(applyErr))
		return r.reject(sender, protocol.NewError(protocol.ReasonMalformedFrame, "update rejected", applyErr))
	}
	return nil
}

// ReceivePresence stores the latest presence bytes of a connection and
// broadcasts them to the other members, stamped with the sender's verified
// identity. Presence is never persisted.
func (r *Relay) ReceivePresence(ctx context.Context, documentID, connectionID string, presence []byte) error {
	target, sender, err := r.lookupMember(documentID, connectionID)
	if err != nil {
		return err
	}
	r.metrics.FrameReceived(string(protocol.FramePresence))

	if len(presence) == 0 {
		return r.reject(sender, protocol.NewError(protocol.ReasonMalformedFrame, "empty presence", nil))
	}
	if err := r.consume(ctx, sender.userID, ratelimit.KindMessage); err != nil {
		return r.reject(sender, err)
	}

	payload := append([]byte(nil), presence...)
	runErr := target.do(func() {
		if target.member(sender.connectionID) == nil {
			return
		}
		sender.presence = payload
		sender.presenceAt = r.clock()
		r.broadcast(target, protocol.Frame{
			Type:         protocol.FramePresence,
			ConnectionID: sender.connectionID,
			UserID:       sender.userID,
			UserName:     sender.userName,
			Payload:      payload,
		}, sender.connectionID)
	})
	if runErr != nil {
		return protocol.NewError(protocol.ReasonNotFound, "room closed", runErr)
	}
	return nil
}

// ApplyServerUpdate broadcasts an update produced outside the live protocol,
// such as a structured import, to every member of an open room. It does not
// persist the update. A document without an open room is left alone.
func (r *Relay) ApplyServerUpdate(documentID documents.DocumentID, update []byte) error {
	if len(update) == 0 {
		return nil
	}
	r.mu.RLock()
	target, ok := r.rooms[documentID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	var applyErr error
	runErr := target.do(func() {
		if target.doc == nil {
			return
		}
		if err := target.doc.ApplyUpdate(update); err != nil {
			applyErr = err
			return
		}
		r.broadcast(target, protocol.Frame{Type: protocol.FrameUpdate, Payload: update}, "")
		r.metrics.UpdateBroadcast()
	})
	if runErr != nil {
		return nil
	}
	return applyErr
}

// reject reports err to the sender and returns it.
func (r *Relay) reject(sender *member, err error) error {
	frame := protocol.ErrorFrame(err)
	if reason, _ := protocol.ReasonOf(err); reason == protocol.ReasonRateLimited {
		frame = protocol.Frame{
			Type:    protocol.FrameRateLimited,
			Kind:    frame.Detail,
			ResetAt: frame.ResetAt,
		}
	}
	if !sender.sink.Send(frame) {
		r.logger.Debug("rejection not delivered",
			zap.String("connection_id", sender.connectionID),
			zap.Error(err))
	}
	return err
}
