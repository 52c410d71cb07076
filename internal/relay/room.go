package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/protocol"
)

var errConnectionClosed = errors.New("relay: connection closed during join")

// member is one joined connection. presence and presenceAt are only touched
// from the room goroutine.
type member struct {
	connectionID string
	userID       string
	userName     string
	sink         Sink

	presence   []byte
	presenceAt time.Time
}

// room serializes every mutation of one document through jobs.
type room struct {
	documentID documents.DocumentID
	jobs       chan func()
	quit       chan struct{}
	stopOnce   sync.Once

	// refs counts members plus joins in progress; guarded by Relay.mu.
	refs int

	// doc is owned by the room goroutine.
	doc crdt.Document

	mu      sync.RWMutex
	members map[string]*member
}

func newRoom(documentID documents.DocumentID, queueSize int) *room {
	return &room{
		documentID: documentID,
		jobs:       make(chan func(), queueSize),
		quit:       make(chan struct{}),
		members:    make(map[string]*member),
	}
}

func (rm *room) run() {
	for {
		select {
		case <-rm.quit:
			return
		case job := <-rm.jobs:
			job()
		}
	}
}

// stop ends the room goroutine and reports whether this call stopped it.
func (rm *room) stop() bool {
	stopped := false
	rm.stopOnce.Do(func() {
		close(rm.quit)
		stopped = true
	})
	return stopped
}

// do runs fn on the room goroutine and waits for it to finish.
func (rm *room) do(fn func()) error {
	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn()
	}
	select {
	case rm.jobs <- job:
	case <-rm.quit:
		return errRoomClosed
	}
	select {
	case <-done:
		return nil
	case <-rm.quit:
		select {
		case <-done:
			return nil
		default:
			return errRoomClosed
		}
	}
}

func (rm *room) member(connectionID string) *member {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.members[connectionID]
}

func (rm *room) add(joining *member) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.members[joining.connectionID] = joining
}

func (rm *room) remove(connectionID string) *member {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	removed, ok := rm.members[connectionID]
	if !ok {
		return nil
	}
	delete(rm.members, connectionID)
	return removed
}

func (rm *room) drain() []*member {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	drained := make([]*member, 0, len(rm.members))
	for id, current := range rm.members {
		drained = append(drained, current)
		delete(rm.members, id)
	}
	return drained
}

func (rm *room) size() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

func (rm *room) snapshot() []*member {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	members := make([]*member, 0, len(rm.members))
	for _, current := range rm.members {
		members = append(members, current)
	}
	return members
}

// presenceEntries must run on the room goroutine.
func (rm *room) presenceEntries() []protocol.PresenceEntry {
	entries := make([]protocol.PresenceEntry, 0)
	for _, current := range rm.snapshot() {
		if current.presence == nil {
			continue
		}
		entries = append(entries, protocol.PresenceEntry{
			ConnectionID: current.connectionID,
			UserID:       current.userID,
			UserName:     current.userName,
			Payload:      append([]byte(nil), current.presence...),
		})
	}
	return entries
}

// ensureDocument loads the room document from persistence on first use.
// It must run on the room goroutine.
func (r *Relay) ensureDocument(ctx context.Context, target *room) error {
	if target.doc != nil {
		return nil
	}
	state, err := r.persister.Load(ctx, target.documentID)
	if err != nil {
		return err
	}
	doc := r.engine.CreateDocument()
	if len(state) > 0 {
		if err := doc.ApplyUpdate(state); err != nil {
			return err
		}
	}
	target.doc = doc
	return nil
}

// admit registers joining in target. It must run on the room goroutine.
func (r *Relay) admit(ctx context.Context, target *room, joining *member, remoteSummary []byte) (JoinResult, error) {
	if err := r.ensureDocument(ctx, target); err != nil {
		r.logger.Error("room document load failed",
			zap.String("document_id", target.documentID.String()),
			zap.Error(err))
		return JoinResult{}, protocol.NewError(protocol.ReasonPersistenceUnavailable, "document state unavailable", err)
	}
	if target.member(joining.connectionID) != nil {
		return JoinResult{}, protocol.NewError(protocol.ReasonMalformedFrame, "connection id already joined", nil)
	}
	diff, err := target.doc.DiffUpdate(remoteSummary)
	if err != nil {
		return JoinResult{}, protocol.NewError(protocol.ReasonMalformedFrame, "invalid state summary", err)
	}
	result := JoinResult{
		ConnectionID: joining.connectionID,
		UserID:       joining.userID,
		UserName:     joining.userName,
		StateSummary: target.doc.EncodeStateSummary(),
		Update:       diff,
		Presence:     target.presenceEntries(),
	}
	ack := protocol.Frame{
		Type:         protocol.FrameJoinAck,
		DocumentID:   target.documentID.String(),
		ConnectionID: result.ConnectionID,
		UserID:       result.UserID,
		UserName:     result.UserName,
		StateSummary: result.StateSummary,
		Payload:      result.Update,
		Presence:     result.Presence,
	}
	if !joining.sink.Send(ack) {
		return JoinResult{}, protocol.NewError(protocol.ReasonNotFound, "connection closed", errConnectionClosed)
	}
	target.add(joining)
	return result, nil
}

// broadcast sends frame to every member except the connection named by
// except. Members whose buffers are full are removed asynchronously. It must
// run on the room goroutine.
func (r *Relay) broadcast(target *room, frame protocol.Frame, except string) int {
	delivered := 0
	for _, recipient := range target.snapshot() {
		if recipient.connectionID == except {
			continue
		}
		if recipient.sink.Send(frame) {
			delivered++
			continue
		}
		r.logger.Warn("dropping unresponsive connection",
			zap.String("document_id", target.documentID.String()),
			zap.String("connection_id", recipient.connectionID),
			zap.String("user_id", recipient.userID))
		go r.Leave(target.documentID.String(), recipient.connectionID)
	}
	return delivered
}
