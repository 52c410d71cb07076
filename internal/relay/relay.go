// Package relay multiplexes replica connections into per-document rooms.
//
// Every room owns one goroutine that drains an ordered job queue: joins,
// updates, presence and removals for a document are applied and broadcast in
// arrival order. Authorization and rate limiting run before a job is queued,
// and persistence is handed to the adapter without waiting on it.
package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/access"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/ratelimit"
)

const (
	defaultPresenceTTL    = 30 * time.Second
	defaultRoomQueueSize  = 256
	defaultSendBufferSize = 256
	defaultWriteTimeout   = 10 * time.Second

	detailTokenExpired = "token_expired"
	detailTokenInvalid = "token_invalid"
)

var (
	// ErrClosed is returned once Shutdown has run.
	ErrClosed = errors.New("relay: closed")

	errMissingVerifier  = errors.New("relay: verifier is required")
	errMissingAccess    = errors.New("relay: access checker is required")
	errMissingLimiter   = errors.New("relay: limiter is required")
	errMissingPersister = errors.New("relay: persister is required")
	errRoomClosed       = errors.New("relay: room closed")
)

// Verifier validates the token presented in a JOIN frame.
type Verifier interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// AccessChecker answers whether a user holds at least a permission on a document.
type AccessChecker interface {
	CheckAccess(ctx context.Context, userID string, documentID documents.DocumentID, required access.Permission) (bool, error)
}

// Limiter consumes rate limit points.
type Limiter interface {
	Consume(ctx context.Context, userID string, kind ratelimit.Kind) (ratelimit.Decision, error)
}

// Persister loads room state and accepts updates for durable merging.
type Persister interface {
	Load(ctx context.Context, documentID documents.DocumentID) ([]byte, error)
	Enqueue(documentID documents.DocumentID, update []byte) error
}

// Sink delivers frames to one connection. Send must not block; it returns
// false when the frame could not be buffered. Close releases the connection.
type Sink interface {
	Send(frame protocol.Frame) bool
	Close()
}

// Config wires the relay's collaborators.
type Config struct {
	Verifier       Verifier
	Access         AccessChecker
	Limiter        Limiter
	Persister      Persister
	Engine         crdt.Engine
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Clock          func() time.Time
	PresenceTTL    time.Duration
	RoomQueueSize  int
	SendBufferSize int
	WriteTimeout   time.Duration
}

// JoinRequest is the content of a JOIN frame.
type JoinRequest struct {
	DocumentID   string
	Token        string
	ConnectionID string
	StateSummary []byte
}

// JoinResult describes an admitted connection. It mirrors the JOIN_ACK frame
// already delivered to the sink.
type JoinResult struct {
	ConnectionID string
	UserID       string
	UserName     string
	StateSummary []byte
	Update       []byte
	Presence     []protocol.PresenceEntry
}

// Stats summarizes live relay state.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

// Relay owns every live room.
type Relay struct {
	verifier       Verifier
	access         AccessChecker
	limiter        Limiter
	persister      Persister
	engine         crdt.Engine
	logger         *zap.Logger
	metrics        *metrics.Metrics
	clock          func() time.Time
	presenceTTL    time.Duration
	roomQueueSize  int
	sendBufferSize int
	writeTimeout   time.Duration

	mu     sync.RWMutex
	rooms  map[documents.DocumentID]*room
	closed bool
}

// New constructs a Relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Access == nil {
		return nil, errMissingAccess
	}
	if cfg.Limiter == nil {
		return nil, errMissingLimiter
	}
	if cfg.Persister == nil {
		return nil, errMissingPersister
	}
	engine := cfg.Engine
	if engine == nil {
		engine = crdt.NewEngine()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	presenceTTL := cfg.PresenceTTL
	if presenceTTL <= 0 {
		presenceTTL = defaultPresenceTTL
	}
	roomQueueSize := cfg.RoomQueueSize
	if roomQueueSize <= 0 {
		roomQueueSize = defaultRoomQueueSize
	}
	sendBufferSize := cfg.SendBufferSize
	if sendBufferSize <= 0 {
		sendBufferSize = defaultSendBufferSize
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Relay{
		verifier:       cfg.Verifier,
		access:         cfg.Access,
		limiter:        cfg.Limiter,
		persister:      cfg.Persister,
		engine:         engine,
		logger:         logger,
		metrics:        cfg.Metrics,
		clock:          clock,
		presenceTTL:    presenceTTL,
		roomQueueSize:  roomQueueSize,
		sendBufferSize: sendBufferSize,
		writeTimeout:   writeTimeout,
		rooms:          make(map[documents.DocumentID]*room),
	}, nil
}

// Join authenticates and authorizes a connection, then registers it in the
// document's room. The JOIN_ACK frame is sent to sink before any broadcast
// can reach it. Rejections are returned as *protocol.Error and nothing is
// sent to sink.
func (r *Relay) Join(ctx context.Context, request JoinRequest, sink Sink) (JoinResult, error) {
	result, err := r.join(ctx, request, sink)
	if err != nil {
		reason, _ := protocol.ReasonOf(err)
		r.metrics.JoinRejected(string(reason))
		r.logger.Info("join rejected",
			zap.String("document_id", request.DocumentID),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return JoinResult{}, err
	}
	r.metrics.ConnectionJoined()
	r.logger.Debug("connection joined",
		zap.String("document_id", request.DocumentID),
		zap.String("connection_id", result.ConnectionID),
		zap.String("user_id", result.UserID))
	return result, nil
}

func (r *Relay) join(ctx context.Context, request JoinRequest, sink Sink) (JoinResult, error) {
	if sink == nil {
		return JoinResult{}, protocol.NewError(protocol.ReasonMalformedFrame, "missing connection sink", nil)
	}
	documentID, err := documents.NewDocumentID(request.DocumentID)
	if err != nil {
		return JoinResult{}, protocol.NewError(protocol.ReasonMalformedFrame, "invalid document id", err)
	}

	claims, err := r.verifier.ValidateToken(request.Token)
	if err != nil {
		detail := detailTokenInvalid
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			detail = detailTokenExpired
		}
		return JoinResult{}, protocol.NewError(protocol.ReasonUnauthenticated, detail, err)
	}
	userName := claims.UserDisplayName
	if strings.TrimSpace(userName) == "" {
		userName = claims.UserID
	}

	allowed, err := r.access.CheckAccess(ctx, claims.UserID, documentID, access.PermissionViewer)
	if err != nil {
		return JoinResult{}, protocol.NewError(protocol.ReasonPersistenceUnavailable, "access check failed", err)
	}
	if !allowed {
		return JoinResult{}, protocol.NewError(protocol.ReasonForbidden, "viewer access required", access.ErrForbidden)
	}

	if err := r.consume(ctx, claims.UserID, ratelimit.KindConnect); err != nil {
		return JoinResult{}, err
	}

	connectionID := strings.TrimSpace(request.ConnectionID)
	if connectionID == "" {
		connectionID = ksuid.New().String()
	}
	joining := &member{
		connectionID: connectionID,
		userID:       claims.UserID,
		userName:     userName,
		sink:         sink,
	}

	target, err := r.acquire(documentID)
	if err != nil {
		return JoinResult{}, err
	}
	var result JoinResult
	var joinErr error
	runErr := target.do(func() {
		result, joinErr = r.admit(ctx, target, joining, request.StateSummary)
	})
	if runErr != nil {
		joinErr = protocol.NewError(protocol.ReasonNotFound, "room closed", runErr)
	}
	if joinErr != nil {
		r.release(target)
		return JoinResult{}, joinErr
	}
	return result, nil
}

// consume takes one point of kind and maps exhaustion to a RATE_LIMITED error.
func (r *Relay) consume(ctx context.Context, userID string, kind ratelimit.Kind) error {
	decision, err := r.limiter.Consume(ctx, userID, kind)
	if err != nil {
		// Only malformed input fails here; the limiter itself fails open.
		r.logger.Warn("rate limit check failed, allowing request",
			zap.String("user_id", userID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return nil
	}
	if decision.Allowed {
		return nil
	}
	rateErr := protocol.NewError(protocol.ReasonRateLimited, string(kind), nil)
	rateErr.ResetAt = decision.ResetAt
	return rateErr
}

// acquire returns the room for documentID, creating it if needed, and counts
// the caller as a pending member so the room cannot stop underneath it.
func (r *Relay) acquire(documentID documents.DocumentID) (*room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, protocol.NewError(protocol.ReasonPersistenceUnavailable, "relay shutting down", ErrClosed)
	}
	target, ok := r.rooms[documentID]
	if !ok {
		target = newRoom(documentID, r.roomQueueSize)
		r.rooms[documentID] = target
		go target.run()
		r.metrics.RoomOpened()
	}
	target.refs++
	return target, nil
}

// release drops one reference and stops the room when nothing holds it.
func (r *Relay) release(target *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(target)
}

func (r *Relay) releaseLocked(target *room) {
	target.refs--
	if target.refs > 0 {
		return
	}
	if current, ok := r.rooms[target.documentID]; ok && current == target {
		delete(r.rooms, target.documentID)
	}
	if target.stop() {
		r.metrics.RoomClosed()
	}
}

func (r *Relay) lookupMember(documentID, connectionID string) (*room, *member, error) {
	id, err := documents.NewDocumentID(documentID)
	if err != nil {
		return nil, nil, protocol.NewError(protocol.ReasonNotFound, "unknown document", err)
	}
	r.mu.RLock()
	target, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, protocol.NewError(protocol.ReasonNotFound, "room is not open", nil)
	}
	current := target.member(connectionID)
	if current == nil {
		return nil, nil, protocol.NewError(protocol.ReasonNotFound, "connection is not joined", nil)
	}
	return target, current, nil
}

// Leave removes a connection from its room. It is idempotent and never blocks
// on the room queue; remaining members learn about it through PRESENCE_REMOVED.
func (r *Relay) Leave(documentID, connectionID string) {
	id, err := documents.NewDocumentID(documentID)
	if err != nil {
		return
	}
	r.mu.Lock()
	target, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	removed := target.remove(connectionID)
	if removed == nil {
		r.mu.Unlock()
		return
	}
	r.releaseLocked(target)
	r.mu.Unlock()

	removed.sink.Close()
	r.metrics.ConnectionLeft()
	r.logger.Debug("connection left",
		zap.String("document_id", documentID),
		zap.String("connection_id", connectionID),
		zap.String("user_id", removed.userID))

	frame := protocol.Frame{Type: protocol.FramePresenceRemoved, ConnectionID: connectionID}
	go func() {
		// errRoomClosed means nobody is left to tell.
		_ = target.do(func() {
			r.broadcast(target, frame, "")
		})
	}()
}

// Stats reports the number of open rooms and joined connections.
func (r *Relay) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{Rooms: len(r.rooms)}
	for _, target := range r.rooms {
		stats.Connections += target.size()
	}
	return stats
}

// Shutdown closes every connection and stops every room. Joins after
// Shutdown are rejected.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	r.closed = true
	rooms := r.rooms
	r.rooms = make(map[documents.DocumentID]*room)
	r.mu.Unlock()

	for _, target := range rooms {
		for _, removed := range target.drain() {
			removed.sink.Close()
			r.metrics.ConnectionLeft()
		}
		if target.stop() {
			r.metrics.RoomClosed()
		}
	}
	r.logger.Info("relay shut down", zap.Int("rooms", len(rooms)))
}
