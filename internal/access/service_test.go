package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	ownerUserID  = "owner-ada"
	editorUserID = "editor-grace"
	viewerUserID = "viewer-linus"
)

func TestHasLevelHierarchy(t *testing.T) {
	cases := []struct {
		held     Permission
		required Permission
		allowed  bool
	}{
		{PermissionOwner, PermissionOwner, true},
		{PermissionOwner, PermissionEditor, true},
		{PermissionOwner, PermissionViewer, true},
		{PermissionEditor, PermissionOwner, false},
		{PermissionEditor, PermissionEditor, true},
		{PermissionEditor, PermissionViewer, true},
		{PermissionViewer, PermissionOwner, false},
		{PermissionViewer, PermissionEditor, false},
		{PermissionViewer, PermissionViewer, true},
		{Permission("ADMIN"), PermissionViewer, false},
		{PermissionOwner, Permission(""), false},
	}
	for _, testCase := range cases {
		if got := HasLevel(testCase.held, testCase.required); got != testCase.allowed {
			t.Fatalf("HasLevel(%s, %s) = %v, want %v", testCase.held, testCase.required, got, testCase.allowed)
		}
	}
	if _, err := ParsePermission(" editor "); err != nil {
		t.Fatalf("expected case-insensitive parse, got %v", err)
	}
	if _, err := ParsePermission("admin"); !errors.Is(err, ErrInvalidPermission) {
		t.Fatalf("expected invalid permission, got %v", err)
	}
}

func TestOwnerHoldsOwnerWithoutGrantRow(t *testing.T) {
	fixture := newFixture(t)
	documentID := fixture.createDocument(t, "thesis", ownerUserID)

	allowed, err := fixture.service.CheckAccess(context.Background(), ownerUserID, documentID, PermissionOwner)
	if err != nil || !allowed {
		t.Fatalf("expected owner access, got %v (%v)", allowed, err)
	}
	var count int64
	fixture.db.Model(&Grant{}).Count(&count)
	if count != 0 {
		t.Fatalf("owner must not have a grant row, found %d", count)
	}

	allowed, err = fixture.service.CheckAccess(context.Background(), "stranger", documentID, PermissionViewer)
	if err != nil || allowed {
		t.Fatalf("expected stranger to be denied, got %v (%v)", allowed, err)
	}
	allowed, err = fixture.service.CheckAccess(context.Background(), ownerUserID, mustDocumentID(t, "unknown"), PermissionViewer)
	if err != nil || allowed {
		t.Fatalf("expected unknown document to grant nothing, got %v (%v)", allowed, err)
	}
}

func TestGrantAndRevokeTakeEffectImmediately(t *testing.T) {
	fixture := newFixture(t)
	documentID := fixture.createDocument(t, "paper", ownerUserID)
	ctx := context.Background()

	if _, err := fixture.service.Grant(ctx, GrantRequest{DocumentID: documentID, UserID: editorUserID, Permission: PermissionEditor, GrantedBy: ownerUserID}); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	assertAccess(t, fixture.service, editorUserID, documentID, PermissionEditor, true)
	assertAccess(t, fixture.service, editorUserID, documentID, PermissionViewer, true)
	assertAccess(t, fixture.service, editorUserID, documentID, PermissionOwner, false)

	// downgrade replaces the single grant row
	if _, err := fixture.service.Grant(ctx, GrantRequest{DocumentID: documentID, UserID: editorUserID, Permission: PermissionViewer, GrantedBy: ownerUserID}); err != nil {
		t.Fatalf("regrant failed: %v", err)
	}
	assertAccess(t, fixture.service, editorUserID, documentID, PermissionEditor, false)
	var count int64
	fixture.db.Model(&Grant{}).Where(queryDocumentUser, documentID.String(), editorUserID).Count(&count)
	if count != 1 {
		t.Fatalf("expected one grant row per user, got %d", count)
	}

	if err := fixture.service.Revoke(ctx, documentID, editorUserID, ownerUserID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	assertAccess(t, fixture.service, editorUserID, documentID, PermissionViewer, false)
	if err := fixture.service.Revoke(ctx, documentID, editorUserID, ownerUserID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for a missing grant, got %v", err)
	}
}

func TestGrantRejectsInvalidRequests(t *testing.T) {
	fixture := newFixture(t)
	documentID := fixture.createDocument(t, "rules", ownerUserID)
	ctx := context.Background()

	if _, err := fixture.service.Grant(ctx, GrantRequest{DocumentID: documentID, UserID: viewerUserID, Permission: PermissionViewer, GrantedBy: "stranger"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for non-owner granter, got %v", err)
	}
	if _, err := fixture.service.Grant(ctx, GrantRequest{DocumentID: documentID, UserID: ownerUserID, Permission: PermissionViewer, GrantedBy: ownerUserID}); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected invalid grant for the owner, got %v", err)
	}
	if _, err := fixture.service.Grant(ctx, GrantRequest{DocumentID: documentID, UserID: viewerUserID, Permission: "ADMIN", GrantedBy: ownerUserID}); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected invalid grant for unknown permission, got %v", err)
	}
	if _, err := fixture.service.Grant(ctx, GrantRequest{DocumentID: mustDocumentID(t, "nope"), UserID: viewerUserID, Permission: PermissionViewer, GrantedBy: ownerUserID}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown document, got %v", err)
	}
	if err := fixture.service.Revoke(ctx, documentID, ownerUserID, ownerUserID); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected owner revoke to be invalid, got %v", err)
	}
}

func TestCoOwnerMayGrantAndGranteeMayLeave(t *testing.T) {
	fixture := newFixture(t)
	documentID := fixture.createDocument(t, "book", ownerUserID)
	ctx := context.Background()

	if _, err := fixture.service.Grant(ctx, GrantRequest{DocumentID: documentID, UserID: editorUserID, Permission: PermissionOwner, GrantedBy: ownerUserID}); err != nil {
		t.Fatalf("grant co-owner failed: %v", err)
	}
	if _, err := fixture.service.Grant(ctx, GrantRequest{DocumentID: documentID, UserID: viewerUserID, Permission: PermissionViewer, GrantedBy: editorUserID}); err != nil {
		t.Fatalf("co-owner grant failed: %v", err)
	}
	if err := fixture.service.Revoke(ctx, documentID, viewerUserID, viewerUserID); err != nil {
		t.Fatalf("self revoke failed: %v", err)
	}
	if err := fixture.service.Revoke(ctx, documentID, editorUserID, viewerUserID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden when revoking others without OWNER, got %v", err)
	}
}

func TestAuditTrailAndMembers(t *testing.T) {
	fixture := newFixture(t)
	documentID := fixture.createDocument(t, "audited", ownerUserID)
	ctx := context.Background()

	grants := []GrantRequest{
		{DocumentID: documentID, UserID: viewerUserID, Permission: PermissionViewer, GrantedBy: ownerUserID},
		{DocumentID: documentID, UserID: editorUserID, Permission: PermissionEditor, GrantedBy: ownerUserID},
	}
	for _, request := range grants {
		fixture.advance()
		if _, err := fixture.service.Grant(ctx, request); err != nil {
			t.Fatalf("grant failed: %v", err)
		}
	}
	fixture.advance()
	if err := fixture.service.Revoke(ctx, documentID, viewerUserID, ownerUserID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	entries, err := fixture.service.ListAudit(ctx, documentID, 10)
	if err != nil {
		t.Fatalf("list audit failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}
	if entries[0].Action != actionRevoke || entries[2].Action != actionGrant {
		t.Fatalf("expected newest first, got %s ... %s", entries[0].Action, entries[2].Action)
	}
	if entries[0].Actor != ownerUserID || entries[0].ResourceID != documentID.String() {
		t.Fatalf("unexpected audit entry %+v", entries[0])
	}

	members, err := fixture.service.ListMembers(ctx, documentID)
	if err != nil {
		t.Fatalf("list members failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected owner and editor, got %+v", members)
	}
	if members[0].UserID != ownerUserID || members[0].Permission != PermissionOwner {
		t.Fatalf("expected owner first, got %+v", members[0])
	}
	if members[0].DisplayName != "Ada" || members[1].DisplayName != "Grace" {
		t.Fatalf("expected display names from the directory, got %+v", members)
	}
}

func TestOwnerLookupsAreCachedAndCoalesced(t *testing.T) {
	fixture := newFixture(t)
	documentID := fixture.createDocument(t, "cached", ownerUserID)
	counting := &countingOwners{inner: fixture.store}
	service, err := NewService(ServiceConfig{Database: fixture.db, Owners: counting})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}

	var wg sync.WaitGroup
	for index := 0; index < 16; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.CheckAccess(context.Background(), ownerUserID, documentID, PermissionOwner); err != nil {
				t.Errorf("check access failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, err := service.CheckAccess(context.Background(), ownerUserID, documentID, PermissionOwner); err != nil {
		t.Fatalf("check access failed: %v", err)
	}
	if calls := counting.calls.Load(); calls < 1 || calls > 16 {
		t.Fatalf("unexpected owner lookup count %d", calls)
	}
	before := counting.calls.Load()
	for index := 0; index < 5; index++ {
		if _, err := service.CheckAccess(context.Background(), ownerUserID, documentID, PermissionViewer); err != nil {
			t.Fatalf("check access failed: %v", err)
		}
	}
	if counting.calls.Load() != before {
		t.Fatalf("expected cached owner to avoid further lookups")
	}
}

type countingOwners struct {
	inner OwnerLookup
	calls atomic.Int64
}

func (c *countingOwners) OwnerOf(ctx context.Context, documentID documents.DocumentID) (string, error) {
	c.calls.Add(1)
	return c.inner.OwnerOf(ctx, documentID)
}

type staticDirectory map[string]string

func (d staticDirectory) DisplayNames(_ context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	for _, userID := range userIDs {
		if name, ok := d[userID]; ok {
			names[userID] = name
		}
	}
	return names, nil
}

type fixture struct {
	db      *gorm.DB
	store   *documents.Store
	service *Service
	now     time.Time
	mu      sync.Mutex
}

func newFixture(t *testing.T) *fixture {
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
	if err := database.AutoMigrate(&documents.Document{}, &Grant{}, &AuditEntry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := documents.NewStore(documents.StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	f := &fixture{db: database, store: store, now: time.Unix(1700000000, 0).UTC()}
	service, err := NewService(ServiceConfig{
		Database:  database,
		Owners:    store,
		Directory: staticDirectory{ownerUserID: "Ada", editorUserID: "Grace"},
		Clock:     f.clock,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	f.service = service
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance() {
	f.mu.Lock()
	f.now = f.now.Add(time.Second)
	f.mu.Unlock()
}

func (f *fixture) createDocument(t *testing.T, id, owner string) documents.DocumentID {
	t.Helper()
	documentID := mustDocumentID(t, id)
	if _, err := f.store.Create(context.Background(), documentID, owner); err != nil {
		t.Fatalf("create document failed: %v", err)
	}
	return documentID
}

func assertAccess(t *testing.T, service *Service, userID string, documentID documents.DocumentID, required Permission, want bool) {
	t.Helper()
	allowed, err := service.CheckAccess(context.Background(), userID, documentID, required)
	if err != nil {
		t.Fatalf("check access failed: %v", err)
	}
	if allowed != want {
		t.Fatalf("CheckAccess(%s, %s) = %v, want %v", userID, required, allowed, want)
	}
}

func mustDocumentID(t *testing.T, value string) documents.DocumentID {
	t.Helper()
	id, err := documents.NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}
