package documents

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestCreateRejectsDuplicateDocuments(testContext *testing.T) {
	store := mustStore(testContext)
	documentID := mustDocumentID(testContext, "doc-create")

	created, err := store.Create(context.Background(), documentID, "owner-1")
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	if created.OwnerID != "owner-1" || created.CreatedAtSeconds != 1700000000 {
		testContext.Fatalf("unexpected created record %+v", created)
	}

	_, err = store.Create(context.Background(), documentID, "owner-2")
	if !errors.Is(err, ErrAlreadyExists) {
		testContext.Fatalf("expected already exists error, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "documents.create.already_exists" {
		testContext.Fatalf("expected documents.create.already_exists code, got %v", err)
	}

	owner, err := store.OwnerOf(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("owner lookup failed: %v", err)
	}
	if owner != "owner-1" {
		testContext.Fatalf("expected the first owner to persist, got %q", owner)
	}
}

func TestMergeSnapshotCreatesMissingDocument(testContext *testing.T) {
	store := mustStore(testContext)
	documentID := mustDocumentID(testContext, "doc-implicit")

	err := store.MergeSnapshot(context.Background(), documentID, func(current []byte) ([]byte, error) {
		if len(current) != 0 {
			testContext.Fatalf("expected an empty snapshot for a new document")
		}
		return []byte("first"), nil
	})
	if err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}
	err = store.MergeSnapshot(context.Background(), documentID, func(current []byte) ([]byte, error) {
		return append(append([]byte{}, current...), []byte("+second")...), nil
	})
	if err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}

	record, err := store.Get(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if string(record.Snapshot) != "first+second" {
		testContext.Fatalf("unexpected snapshot %q", record.Snapshot)
	}
	if record.OwnerID != "" {
		testContext.Fatalf("implicitly created documents have no owner, got %q", record.OwnerID)
	}
}

func TestMergeSnapshotKeepsStateWhenMergeFails(testContext *testing.T) {
	store := mustStore(testContext)
	documentID := mustDocumentID(testContext, "doc-merge-fail")
	if _, err := store.Create(context.Background(), documentID, "owner"); err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	if err := store.MergeSnapshot(context.Background(), documentID, func([]byte) ([]byte, error) {
		return []byte("kept"), nil
	}); err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}

	mergeErr := errors.New("corrupt")
	err := store.MergeSnapshot(context.Background(), documentID, func([]byte) ([]byte, error) {
		return nil, mergeErr
	})
	if !errors.Is(err, mergeErr) {
		testContext.Fatalf("expected merge error to surface, got %v", err)
	}

	record, err := store.Get(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if string(record.Snapshot) != "kept" {
		testContext.Fatalf("expected snapshot to be unchanged, got %q", record.Snapshot)
	}
}

func TestClearSnapshotKeepsRecord(testContext *testing.T) {
	store := mustStore(testContext)
	documentID := mustDocumentID(testContext, "doc-clear")
	if err := store.ClearSnapshot(context.Background(), documentID); !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected not found for missing document, got %v", err)
	}
	if _, err := store.Create(context.Background(), documentID, "owner"); err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	if err := store.MergeSnapshot(context.Background(), documentID, func([]byte) ([]byte, error) {
		return []byte("state"), nil
	}); err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}
	if err := store.ClearSnapshot(context.Background(), documentID); err != nil {
		testContext.Fatalf("clear failed: %v", err)
	}
	record, err := store.Get(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("expected record to survive purge: %v", err)
	}
	if len(record.Snapshot) != 0 || record.OwnerID != "owner" {
		testContext.Fatalf("unexpected record after purge %+v", record)
	}
}

func TestNewDocumentIDValidatesInput(testContext *testing.T) {
	if _, err := NewDocumentID("   "); !errors.Is(err, ErrInvalidDocumentID) {
		testContext.Fatalf("expected invalid id for blank input, got %v", err)
	}
	if _, err := NewDocumentID(strings.Repeat("d", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidDocumentID) {
		testContext.Fatalf("expected invalid id for long input, got %v", err)
	}
	id, err := NewDocumentID("  thesis  ")
	if err != nil || id.String() != "thesis" {
		testContext.Fatalf("expected trimmed id, got %q (%v)", id, err)
	}
}

func mustDocumentID(testContext *testing.T, value string) DocumentID {
	testContext.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		testContext.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustStore(testContext *testing.T) *Store {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open("file:"+testContext.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&Document{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
	})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	return store
}
