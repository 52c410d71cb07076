// Package replica is the client side of a document room: a local CRDT
// document kept in sync with the relay, plus the presence of every
// collaborator.
package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/protocol"
)

const (
	defaultWriteTimeout = 10 * time.Second
	localConnectionID   = "local"
)

var (
	// ErrDestroyed is returned by operations on a destroyed replica.
	ErrDestroyed = errors.New("replica: destroyed")
	// ErrDisconnected is reported to error observers when the live connection drops.
	ErrDisconnected = errors.New("replica: disconnected")

	errMissingDocumentID = errors.New("replica: document id is required")
	errMissingDialer     = errors.New("replica: dialer is required")
)

// RejectedError is returned when the relay refuses the join.
type RejectedError struct {
	Reason  protocol.Reason
	Detail  string
	ResetAt time.Time
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("replica: join rejected: %s", e.Reason)
	}
	return fmt.Sprintf("replica: join rejected: %s (%s)", e.Reason, e.Detail)
}

// RateLimitedError is reported to error observers when the relay drops a frame.
type RateLimitedError struct {
	Kind    string
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("replica: rate limited: %s until %s", e.Kind, e.ResetAt.Format(time.RFC3339))
}

// Options configures a Replica.
type Options struct {
	DocumentID string
	Token      string
	// UserID and UserName seed the local presence until the relay confirms
	// the authenticated identity.
	UserID   string
	UserName string
	Dialer   Dialer
	Cache    Cache
	Logger   *zap.Logger
	// ClientID fixes the CRDT client id; zero picks a random one.
	ClientID     uint64
	WriteTimeout time.Duration
}

// Replica is one editing session of a document.
type Replica struct {
	documentID   string
	token        string
	dialer       Dialer
	cache        Cache
	logger       *zap.Logger
	writeTimeout time.Duration
	doc          *crdt.Doc
	unsubscribe  func()

	mu            sync.Mutex
	conn          protocol.Conn
	loopDone      chan struct{}
	connectionID  string
	unsynced      [][]byte
	localPresence Presence
	peers         map[string]Presence
	destroyed     bool

	observerMu        sync.Mutex
	nextObserver      int
	changeObservers   map[int]func()
	presenceObservers map[int]func()
	errorObservers    map[int]func(error)

	destroyOnce sync.Once
}

// New restores the cached state, connects to the relay and completes the
// JOIN handshake. A refused join is returned as *RejectedError.
func New(ctx context.Context, options Options) (*Replica, error) {
	documentID := strings.TrimSpace(options.DocumentID)
	if documentID == "" {
		return nil, errMissingDocumentID
	}
	if options.Dialer == nil {
		return nil, errMissingDialer
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	writeTimeout := options.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	doc := crdt.NewDoc()
	if options.ClientID != 0 {
		doc = crdt.NewDocWithClient(options.ClientID)
	}

	r := &Replica{
		documentID:        documentID,
		token:             options.Token,
		dialer:            options.Dialer,
		cache:             options.Cache,
		logger:            logger.With(zap.String("document_id", documentID)),
		writeTimeout:      writeTimeout,
		doc:               doc,
		localPresence:     Presence{UserID: options.UserID, UserName: options.UserName, Color: ColorFor(options.UserID)},
		peers:             make(map[string]Presence),
		changeObservers:   make(map[int]func()),
		presenceObservers: make(map[int]func()),
		errorObservers:    make(map[int]func(error)),
	}

	if r.cache != nil {
		state, err := r.cache.Load(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if len(state) > 0 {
			if err := doc.ApplyUpdate(state); err != nil {
				r.logger.Warn("discarding unreadable cached state", zap.Error(err))
			}
		}
	}
	r.unsubscribe = doc.OnUpdate(func(update []byte, origin crdt.Origin) {
		if origin == crdt.OriginLocal {
			r.sendLocal(update)
		}
	})

	if err := r.connect(ctx); err != nil {
		r.Destroy()
		return nil, err
	}
	return r, nil
}

func (r *Replica) connect(ctx context.Context) error {
	conn, err := r.dialer.Dial(ctx, r.documentID)
	if err != nil {
		return fmt.Errorf("replica: dial: %w", err)
	}
	join := protocol.Frame{
		Type:         protocol.FrameJoin,
		DocumentID:   r.documentID,
		Token:        r.token,
		StateSummary: r.doc.EncodeStateSummary(),
	}
	if err := conn.WriteFrame(ctx, join); err != nil {
		_ = conn.Close()
		return fmt.Errorf("replica: send join: %w", err)
	}
	ack, err := conn.ReadFrame(ctx)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("replica: read join reply: %w", err)
	}
	switch ack.Type {
	case protocol.FrameJoinAck:
	case protocol.FrameJoinReject:
		_ = conn.Close()
		rejected := &RejectedError{Reason: ack.Reason, Detail: ack.Detail}
		if ack.ResetAt != nil {
			rejected.ResetAt = *ack.ResetAt
		}
		return rejected
	default:
		_ = conn.Close()
		return fmt.Errorf("replica: unexpected join reply %s", ack.Type)
	}

	if len(ack.Payload) > 0 {
		if err := r.applyRemote(ack.Payload); err != nil {
			_ = conn.Close()
			return fmt.Errorf("replica: apply catch-up: %w", err)
		}
	}
	r.mu.Lock()
	covered := len(r.unsynced)
	r.mu.Unlock()
	missing, err := r.doc.DiffUpdate(ack.StateSummary)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("replica: diff against relay: %w", err)
	}
	if !bytes.Equal(missing, crdt.EmptyUpdate()) {
		if err := conn.WriteFrame(ctx, protocol.Frame{Type: protocol.FrameUpdate, Payload: missing}); err != nil {
			_ = conn.Close()
			return fmt.Errorf("replica: send missing state: %w", err)
		}
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrDestroyed
	}
	r.conn = conn
	r.connectionID = ack.ConnectionID
	// Edits buffered while the diff was sent are not part of it.
	late := append([][]byte(nil), r.unsynced[min(covered, len(r.unsynced)):]...)
	r.unsynced = nil
	if ack.UserID != "" {
		r.localPresence.UserID = ack.UserID
		r.localPresence.Color = ColorFor(ack.UserID)
	}
	if ack.UserName != "" {
		r.localPresence.UserName = ack.UserName
	}
	r.peers = make(map[string]Presence)
	for _, entry := range ack.Presence {
		presence, err := decodePresence(entry.Payload)
		if err != nil {
			continue
		}
		r.peers[entry.ConnectionID] = presence.stamped(entry.UserID, entry.UserName)
	}
	presence := r.localPresence
	done := make(chan struct{})
	r.loopDone = done
	r.mu.Unlock()

	for _, update := range late {
		if err := r.write(conn, protocol.Frame{Type: protocol.FrameUpdate, Payload: update}); err != nil {
			r.logger.Warn("buffered update not sent", zap.Error(err))
		}
	}
	if err := r.writePresence(conn, presence); err != nil {
		r.logger.Warn("presence announcement failed", zap.Error(err))
	}
	go r.receive(conn, done)
	r.notifyPresence()
	return nil
}

func (r *Replica) receive(conn protocol.Conn, done chan struct{}) {
	defer close(done)
	for {
		frame, err := conn.ReadFrame(context.Background())
		if err != nil {
			r.disconnected(conn, err)
			return
		}
		switch frame.Type {
		case protocol.FrameUpdate:
			if err := r.applyRemote(frame.Payload); err != nil {
				r.logger.Warn("dropping unreadable remote update", zap.Error(err))
				r.notifyError(err)
			}
		case protocol.FramePresence:
			presence, err := decodePresence(frame.Payload)
			if err != nil {
				r.logger.Debug("dropping unreadable presence", zap.Error(err))
				continue
			}
			r.mu.Lock()
			r.peers[frame.ConnectionID] = presence.stamped(frame.UserID, frame.UserName)
			r.mu.Unlock()
			r.notifyPresence()
		case protocol.FramePresenceRemoved:
			r.mu.Lock()
			delete(r.peers, frame.ConnectionID)
			r.mu.Unlock()
			r.notifyPresence()
		case protocol.FrameRateLimited:
			limited := &RateLimitedError{Kind: frame.Kind}
			if frame.ResetAt != nil {
				limited.ResetAt = *frame.ResetAt
			}
			r.notifyError(limited)
		case protocol.FrameError:
			r.notifyError(&protocol.Error{Reason: frame.Reason, Detail: frame.Detail})
		}
	}
}

func (r *Replica) disconnected(conn protocol.Conn, err error) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.peers = make(map[string]Presence)
	destroyed := r.destroyed
	r.mu.Unlock()
	if destroyed {
		return
	}
	r.logger.Info("replica disconnected", zap.Error(err))
	r.notifyPresence()
	r.notifyError(fmt.Errorf("%w: %v", ErrDisconnected, err))
}

func (r *Replica) applyRemote(update []byte) error {
	added, err := r.doc.Apply(update, crdt.OriginRemote)
	if err != nil {
		return err
	}
	if added > 0 {
		r.saveCache()
		r.notifyChange()
	}
	return nil
}

// sendLocal forwards a local edit, or buffers it while disconnected.
func (r *Replica) sendLocal(update []byte) {
	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.unsynced = append(r.unsynced, update)
		r.mu.Unlock()
		r.saveCache()
		return
	}
	r.mu.Unlock()

	if err := r.write(conn, protocol.Frame{Type: protocol.FrameUpdate, Payload: update}); err != nil {
		r.logger.Warn("buffering update after failed send", zap.Error(err))
		r.mu.Lock()
		r.unsynced = append(r.unsynced, update)
		r.mu.Unlock()
	}
	r.saveCache()
}

func (r *Replica) write(conn protocol.Conn, frame protocol.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	return conn.WriteFrame(ctx, frame)
}

func (r *Replica) writePresence(conn protocol.Conn, presence Presence) error {
	payload, err := json.Marshal(presence)
	if err != nil {
		return err
	}
	return r.write(conn, protocol.Frame{Type: protocol.FramePresence, Payload: payload})
}

func (r *Replica) saveCache() {
	r.mu.Lock()
	cache := r.cache
	destroyed := r.destroyed
	r.mu.Unlock()
	if cache == nil || destroyed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	if err := cache.Store(ctx, r.documentID, r.doc.EncodeUpdate()); err != nil {
		r.logger.Warn("offline cache write failed", zap.Error(err))
	}
}

// Text returns the named text root.
func (r *Replica) Text(name string) *crdt.Text {
	return r.doc.Text(name)
}

// Array returns the named array root.
func (r *Replica) Array(name string) *crdt.Array {
	return r.doc.Array(name)
}

// Map returns the named map root.
func (r *Replica) Map(name string) *crdt.Map {
	return r.doc.Map(name)
}

// ConnectionID returns the id the relay assigned to the live connection, or
// an empty string while disconnected.
func (r *Replica) ConnectionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return ""
	}
	return r.connectionID
}

// Connected reports whether a live connection is open.
func (r *Replica) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Pending returns the number of local updates not yet sent to the relay.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unsynced)
}

// UpdatePresence changes the local presence and shares it with the room.
func (r *Replica) UpdatePresence(patch PresencePatch) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	r.localPresence = r.localPresence.apply(patch)
	presence := r.localPresence
	conn := r.conn
	r.mu.Unlock()

	r.notifyPresence()
	if conn == nil {
		return nil
	}
	return r.writePresence(conn, presence)
}

// Presence returns every known presence keyed by connection id, including
// the local one.
func (r *Replica) Presence() map[string]Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[string]Presence, len(r.peers)+1)
	for connectionID, presence := range r.peers {
		result[connectionID] = presence
	}
	self := r.connectionID
	if r.conn == nil || self == "" {
		self = localConnectionID
	}
	result[self] = r.localPresence
	return result
}

// OnChange registers callback for remote updates that changed the document.
func (r *Replica) OnChange(callback func()) func() {
	return r.register(r.changeObservers, callback)
}

// OnPresenceChange registers callback for presence changes.
func (r *Replica) OnPresenceChange(callback func()) func() {
	return r.register(r.presenceObservers, callback)
}

// OnError registers callback for failures reported by the relay to this
// connection only, and for disconnects.
func (r *Replica) OnError(callback func(error)) func() {
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	r.nextObserver++
	id := r.nextObserver
	r.errorObservers[id] = callback
	return func() {
		r.observerMu.Lock()
		delete(r.errorObservers, id)
		r.observerMu.Unlock()
	}
}

func (r *Replica) register(observers map[int]func(), callback func()) func() {
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	r.nextObserver++
	id := r.nextObserver
	observers[id] = callback
	return func() {
		r.observerMu.Lock()
		delete(observers, id)
		r.observerMu.Unlock()
	}
}

func (r *Replica) snapshotObservers(observers map[int]func()) []func() {
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	callbacks := make([]func(), 0, len(observers))
	for _, callback := range observers {
		callbacks = append(callbacks, callback)
	}
	return callbacks
}

func (r *Replica) notifyChange() {
	for _, callback := range r.snapshotObservers(r.changeObservers) {
		callback()
	}
}

func (r *Replica) notifyPresence() {
	for _, callback := range r.snapshotObservers(r.presenceObservers) {
		callback()
	}
}

func (r *Replica) notifyError(err error) {
	r.observerMu.Lock()
	callbacks := make([]func(error), 0, len(r.errorObservers))
	for _, callback := range r.errorObservers {
		callbacks = append(callbacks, callback)
	}
	r.observerMu.Unlock()
	for _, callback := range callbacks {
		callback(err)
	}
}

// ToStructured decodes the document into plain values.
func (r *Replica) ToStructured() map[string]any {
	return r.doc.ToStructured()
}

// FromStructured rewrites the document to read as value. The resulting
// operations are sent like any local edit.
func (r *Replica) FromStructured(value map[string]any) error {
	_, err := r.doc.FromStructured(value)
	return err
}

// ToJSON encodes the structured document as JSON.
func (r *Replica) ToJSON() ([]byte, error) {
	return json.Marshal(r.doc.ToStructured())
}

// FromJSON applies a JSON object through FromStructured.
func (r *Replica) FromJSON(data []byte) error {
	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("replica: decode json: %w", err)
	}
	return r.FromStructured(value)
}

// Reconnect drops the current connection, if any, and joins the room again.
// Edits made while disconnected are sent as part of the handshake.
func (r *Replica) Reconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	conn := r.conn
	done := r.loopDone
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	return r.connect(ctx)
}

// Destroy closes the connection, writes the final state to the cache and
// detaches it. It is safe to call more than once.
func (r *Replica) Destroy() {
	r.destroyOnce.Do(func() {
		r.saveCache()

		r.mu.Lock()
		r.destroyed = true
		conn := r.conn
		done := r.loopDone
		r.conn = nil
		r.cache = nil
		r.peers = make(map[string]Presence)
		r.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if done != nil {
			<-done
		}
		if r.unsubscribe != nil {
			r.unsubscribe()
		}

		r.observerMu.Lock()
		r.changeObservers = make(map[int]func())
		r.presenceObservers = make(map[int]func())
		r.errorObservers = make(map[int]func(error))
		r.observerMu.Unlock()
	})
}
