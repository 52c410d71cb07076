package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/access"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/relay"
)

const testSigningSecret = "replica-test-secret"

func TestReplicasConvergeAndSharePresence(t *testing.T) {
	env := newEnvironment(t, nil)
	env.createDocument(t, "doc-1", "alice")
	env.grant(t, "doc-1", "alice", "bob", access.PermissionEditor)

	alice := env.replica(t, "doc-1", "alice", nil)
	bob := env.replica(t, "doc-1", "bob", nil)

	changes := make(chan struct{}, 16)
	unsubscribe := bob.OnChange(func() { changes <- struct{}{} })
	defer unsubscribe()

	if err := alice.Text("body").Insert(0, "hello"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := alice.Map("meta").Set("title", "Draft"); err != nil {
		t.Fatalf("map set failed: %v", err)
	}
	waitFor(t, changes)
	eventually(t, func() bool { return bob.Text("body").String() == "hello" })

	if err := bob.Text("body").Insert(5, " world"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	eventually(t, func() bool { return alice.Text("body").String() == "hello world" })
	eventually(t, func() bool {
		title, ok := bob.Map("meta").Get("title")
		return ok && title == "Draft"
	})

	if err := alice.UpdatePresence(PresencePatch{Cursor: &Cursor{Root: "body", Index: 3}}); err != nil {
		t.Fatalf("update presence failed: %v", err)
	}
	aliceID := alice.ConnectionID()
	eventually(t, func() bool {
		presence, ok := bob.Presence()[aliceID]
		return ok && presence.Cursor != nil && presence.Cursor.Index == 3
	})
	seen := bob.Presence()[aliceID]
	if seen.UserID != "alice" || seen.UserName != "Alice" || seen.Color != ColorFor("alice") {
		t.Fatalf("unexpected presence for alice: %+v", seen)
	}
	if own, ok := alice.Presence()[aliceID]; !ok || own.Color != ColorFor("alice") {
		t.Fatalf("expected own presence under the connection id, got %+v", alice.Presence())
	}

	alice.Destroy()
	alice.Destroy()
	eventually(t, func() bool {
		_, ok := bob.Presence()[aliceID]
		return !ok
	})
}

func TestPresenceColorIsDeterministic(t *testing.T) {
	if ColorFor("alice") != ColorFor("alice") {
		t.Fatalf("color must be stable for one user")
	}
	seen := make(map[string]struct{})
	for index := 0; index < 64; index++ {
		seen[ColorFor(fmt.Sprintf("user-%d", index))] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatalf("expected users to spread over the palette, got %d colors", len(seen))
	}
}

func TestPeerPresencePrefersRelayIdentity(t *testing.T) {
	claimed := Presence{UserID: "alice", UserName: "Alice", Color: ColorFor("alice"), Cursor: &Cursor{Root: "body", Index: 2}}

	seen := claimed.stamped("mallory", "Mallory")
	if seen.UserID != "mallory" || seen.UserName != "Mallory" || seen.Color != ColorFor("mallory") {
		t.Fatalf("relay identity must replace the claimed one, got %+v", seen)
	}
	if seen.Cursor == nil || seen.Cursor.Index != 2 {
		t.Fatalf("cursor must survive stamping, got %+v", seen.Cursor)
	}
	if unstamped := claimed.stamped("", ""); unstamped.UserID != "alice" || unstamped.UserName != "Alice" {
		t.Fatalf("frames without identity keep the payload, got %+v", unstamped)
	}
}

func TestJoinRejectionIsReturned(t *testing.T) {
	env := newEnvironment(t, nil)
	env.createDocument(t, "doc-1", "alice")

	_, err := New(context.Background(), Options{
		DocumentID: "doc-1",
		Token:      env.token(t, "mallory"),
		Dialer:     env.dialer(),
	})
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Reason != protocol.ReasonForbidden {
		t.Fatalf("expected FORBIDDEN rejection, got %v", err)
	}

	expiredIssuer, issuerErr := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "manuscript-test",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return time.Now().Add(-time.Hour) },
	})
	if issuerErr != nil {
		t.Fatalf("issuer failed: %v", issuerErr)
	}
	expired, _, issueErr := expiredIssuer.IssueSessionToken(context.Background(), auth.Identity{UserID: "alice"})
	if issueErr != nil {
		t.Fatalf("issue failed: %v", issueErr)
	}
	_, err = New(context.Background(), Options{DocumentID: "doc-1", Token: expired, Dialer: env.dialer()})
	if !errors.As(err, &rejected) || rejected.Reason != protocol.ReasonUnauthenticated || rejected.Detail != "token_expired" {
		t.Fatalf("expected token_expired rejection, got %v", err)
	}
}

func TestOfflineEditsSyncOnReconnect(t *testing.T) {
	env := newEnvironment(t, nil)
	env.createDocument(t, "doc-1", "alice")
	env.grant(t, "doc-1", "alice", "bob", access.PermissionEditor)

	dialer := &trackingDialer{inner: env.dialer()}
	alice := env.replicaWithDialer(t, "doc-1", "alice", dialer, nil)
	bob := env.replica(t, "doc-1", "bob", nil)

	disconnects := make(chan error, 4)
	alice.OnError(func(err error) {
		if errors.Is(err, ErrDisconnected) {
			disconnects <- err
		}
	})
	_ = dialer.Last().Close()
	_ = waitForError(t, disconnects)
	if alice.Connected() {
		t.Fatalf("expected alice to notice the dropped connection")
	}

	if err := alice.Text("body").Insert(0, "offline"); err != nil {
		t.Fatalf("offline insert failed: %v", err)
	}
	if alice.Pending() != 1 {
		t.Fatalf("expected one buffered update, got %d", alice.Pending())
	}
	if err := bob.Text("notes").Insert(0, "online"); err != nil {
		t.Fatalf("online insert failed: %v", err)
	}

	if err := alice.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if alice.Pending() != 0 {
		t.Fatalf("reconnect must flush the buffer, got %d", alice.Pending())
	}
	if alice.Text("notes").String() != "online" {
		t.Fatalf("catch-up missing bob's edit: %q", alice.Text("notes").String())
	}
	eventually(t, func() bool { return bob.Text("body").String() == "offline" })
}

func TestCacheRestoresStateBeforeSync(t *testing.T) {
	env := newEnvironment(t, nil)
	env.createDocument(t, "doc-1", "alice")
	cache := mustCache(t)

	first := env.replica(t, "doc-1", "alice", cache)
	if err := first.Text("body").Insert(0, "cached"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	first.Destroy()

	state, err := cache.Load(context.Background(), "doc-1")
	if err != nil || len(state) == 0 {
		t.Fatalf("expected cached state after destroy, got %v (%d bytes)", err, len(state))
	}

	offline := crdt.NewDocWithClient(99)
	if err := offline.ApplyUpdate(state); err != nil {
		t.Fatalf("cached state unreadable: %v", err)
	}
	if err := offline.Text("draft").Insert(0, "local only"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := cache.Store(context.Background(), "doc-1", offline.EncodeUpdate()); err != nil {
		t.Fatalf("cache store failed: %v", err)
	}

	second := env.replica(t, "doc-1", "alice", cache)
	if second.Text("draft").String() != "local only" {
		t.Fatalf("expected cached edits to be restored, got %q", second.Text("draft").String())
	}
	observer := env.replica(t, "doc-1", "alice", nil)
	eventually(t, func() bool { return observer.Text("draft").String() == "local only" })
	if observer.Text("body").String() != "cached" {
		t.Fatalf("unexpected body %q", observer.Text("body").String())
	}
}

func TestDestroyWhileRemoteUpdatesArrive(t *testing.T) {
	env := newEnvironment(t, nil)
	env.createDocument(t, "doc-1", "alice")
	env.grant(t, "doc-1", "alice", "bob", access.PermissionEditor)
	cache := mustCache(t)

	alice := env.replica(t, "doc-1", "alice", cache)
	bob := env.replica(t, "doc-1", "bob", nil)

	stop := make(chan struct{})
	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := bob.Text("body").Insert(0, "x"); err != nil {
				return
			}
			if err := bob.Map("meta").Set("counter", i); err != nil {
				return
			}
		}
	}()

	eventually(t, func() bool { return alice.Text("body").Len() > 0 })
	alice.Destroy()
	alice.Destroy()
	close(stop)
	writers.Wait()

	state, err := cache.Load(context.Background(), "doc-1")
	if err != nil || len(state) == 0 {
		t.Fatalf("expected cached state after destroy, got %v (%d bytes)", err, len(state))
	}
	restored := crdt.NewDocWithClient(42)
	if err := restored.ApplyUpdate(state); err != nil {
		t.Fatalf("cached state unreadable: %v", err)
	}
	if restored.Text("body").Len() == 0 {
		t.Fatalf("expected cached body to hold remote edits")
	}
	eventually(t, func() bool { return env.relay.Stats().Connections == 1 })
}

func TestRateLimitedUpdatesReachErrorObservers(t *testing.T) {
	policy := ratelimit.DefaultPolicy()
	policy[ratelimit.KindUpdate] = ratelimit.Quota{Points: 1, Window: time.Minute}
	env := newEnvironment(t, policy)
	env.createDocument(t, "doc-1", "alice")

	alice := env.replica(t, "doc-1", "alice", nil)
	limited := make(chan error, 4)
	alice.OnError(func(err error) {
		var rateErr *RateLimitedError
		if errors.As(err, &rateErr) {
			limited <- err
		}
	})
	if err := alice.Text("body").Insert(0, "a"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := alice.Text("body").Insert(1, "b"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	err := waitForError(t, limited)
	var rateErr *RateLimitedError
	if !errors.As(err, &rateErr) || rateErr.Kind != string(ratelimit.KindUpdate) || rateErr.ResetAt.IsZero() {
		t.Fatalf("unexpected rate limit error %v", err)
	}
}

func TestStructuredAndJSONRoundTrip(t *testing.T) {
	env := newEnvironment(t, nil)
	env.createDocument(t, "doc-1", "alice")
	alice := env.replica(t, "doc-1", "alice", nil)
	bob := env.replica(t, "doc-1", "alice", nil)

	if err := alice.FromJSON([]byte(`{"body":"text","refs":["a","b"],"meta":{"lang":"en"}}`)); err != nil {
		t.Fatalf("from json failed: %v", err)
	}
	encoded, err := alice.ToJSON()
	if err != nil {
		t.Fatalf("to json failed: %v", err)
	}
	if string(encoded) != `{"body":"text","meta":{"lang":"en"},"refs":["a","b"]}` {
		t.Fatalf("unexpected json %s", encoded)
	}
	if err := alice.FromJSON([]byte(`[1,2]`)); err == nil {
		t.Fatalf("expected a non-object to be rejected")
	}
	eventually(t, func() bool {
		refs, ok := bob.ToStructured()["refs"].([]any)
		return ok && len(refs) == 2
	})
	if err := bob.FromStructured(map[string]any{"body": "text!"}); err != nil {
		t.Fatalf("from structured failed: %v", err)
	}
	eventually(t, func() bool { return alice.Text("body").String() == "text!" })
}

func TestDestroyIsIdempotentAndReleasesConnection(t *testing.T) {
	env := newEnvironment(t, nil)
	env.createDocument(t, "doc-1", "alice")
	alice := env.replica(t, "doc-1", "alice", nil)
	eventually(t, func() bool { return env.relay.Stats().Connections == 1 })

	alice.Destroy()
	alice.Destroy()
	eventually(t, func() bool { return env.relay.Stats().Connections == 0 })
	if err := alice.UpdatePresence(PresencePatch{ClearCursor: true}); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if err := alice.Reconnect(context.Background()); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed on reconnect, got %v", err)
	}
}

func TestPresencePatchKeepsUntouchedFields(t *testing.T) {
	base := Presence{UserID: "alice", Cursor: &Cursor{Root: "body", Index: 1}}
	patched := base.apply(PresencePatch{Selection: &Selection{Root: "body", Anchor: 1, Head: 4}})
	if patched.Cursor == nil || patched.Selection == nil || patched.Selection.Head != 4 {
		t.Fatalf("unexpected patched presence %+v", patched)
	}
	cleared := patched.apply(PresencePatch{ClearCursor: true})
	if cleared.Cursor != nil || cleared.Selection == nil {
		t.Fatalf("clear must only drop the cursor, got %+v", cleared)
	}
}

type trackingDialer struct {
	inner Dialer
	mu    sync.Mutex
	last  protocol.Conn
}

func (d *trackingDialer) Dial(ctx context.Context, documentID string) (protocol.Conn, error) {
	conn, err := d.inner.Dial(ctx, documentID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.last = conn
	d.mu.Unlock()
	return conn, nil
}

func (d *trackingDialer) Last() protocol.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

type environment struct {
	relay   *relay.Relay
	store   *documents.Store
	access  *access.Service
	issuer  *auth.TokenIssuer
	adapter *persistence.Adapter
}

func newEnvironment(t *testing.T, policy ratelimit.Policy) *environment {
	t.Helper()
	database := openDatabase(t)
	if err := database.AutoMigrate(&documents.Document{}, &access.Grant{}, &access.AuditEntry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := documents.NewStore(documents.StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	accessService, err := access.NewService(access.ServiceConfig{Database: database, Owners: store})
	if err != nil {
		t.Fatalf("failed to create access service: %v", err)
	}
	adapter, err := persistence.New(persistence.Config{Store: store, Engine: crdt.NewEngine()})
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}
	if policy == nil {
		policy = ratelimit.DefaultPolicy()
	}
	limiter, err := ratelimit.New(ratelimit.Config{Policy: policy})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "manuscript-test",
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "manuscript-test",
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	roomRelay, err := relay.New(relay.Config{
		Verifier:  validator,
		Access:    accessService,
		Limiter:   limiter,
		Persister: adapter,
		Engine:    crdt.NewEngine(),
	})
	if err != nil {
		t.Fatalf("failed to create relay: %v", err)
	}
	t.Cleanup(func() {
		roomRelay.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adapter.Close(ctx)
	})
	return &environment{relay: roomRelay, store: store, access: accessService, issuer: issuer, adapter: adapter}
}

func openDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return database
}

func mustCache(t *testing.T) *SQLiteCache {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s-cache?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open cache database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	cache, err := NewSQLiteCache(database)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return cache
}

func (e *environment) createDocument(t *testing.T, id, owner string) {
	t.Helper()
	documentID, err := documents.NewDocumentID(id)
	if err != nil {
		t.Fatalf("invalid document id: %v", err)
	}
	if _, err := e.store.Create(context.Background(), documentID, owner); err != nil {
		t.Fatalf("create document failed: %v", err)
	}
}

func (e *environment) grant(t *testing.T, id, owner, userID string, permission access.Permission) {
	t.Helper()
	documentID, err := documents.NewDocumentID(id)
	if err != nil {
		t.Fatalf("invalid document id: %v", err)
	}
	_, err = e.access.Grant(context.Background(), access.GrantRequest{
		DocumentID: documentID,
		UserID:     userID,
		Permission: permission,
		GrantedBy:  owner,
	})
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
}

func (e *environment) token(t *testing.T, userID string) string {
	t.Helper()
	displayName := map[string]string{"alice": "Alice", "bob": "Bob"}[userID]
	token, _, err := e.issuer.IssueSessionToken(context.Background(), auth.Identity{UserID: userID, DisplayName: displayName})
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	return token
}

func (e *environment) dialer() Dialer {
	return PipeDialer{Relay: e.relay}
}

func (e *environment) replica(t *testing.T, documentID, userID string, cache Cache) *Replica {
	t.Helper()
	return e.replicaWithDialer(t, documentID, userID, e.dialer(), cache)
}

func (e *environment) replicaWithDialer(t *testing.T, documentID, userID string, dialer Dialer, cache Cache) *Replica {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	created, err := New(ctx, Options{
		DocumentID: documentID,
		Token:      e.token(t, userID),
		UserID:     userID,
		Dialer:     dialer,
		Cache:      cache,
	})
	if err != nil {
		t.Fatalf("replica for %s failed: %v", userID, err)
	}
	t.Cleanup(created.Destroy)
	return created
}

func waitFor(t *testing.T, signal <-chan struct{}) {
	t.Helper()
	select {
	case <-signal:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for signal")
	}
}

func waitForError(t *testing.T, errs <-chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error")
		return nil
	}
}

func eventually(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
