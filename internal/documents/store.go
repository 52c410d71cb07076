package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingOwnerID  = errors.New("owner identifier is required")
	errMissingMerge    = errors.New("merge function is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew            = "documents.store.new"
	opCreate              = "documents.create"
	opGet                 = "documents.get"
	opMergeSnapshot       = "documents.merge_snapshot"
	opClearSnapshot       = "documents.clear_snapshot"
	fieldDocumentID       = "document_id"
	queryDocumentID       = "document_id = ?"
	reasonMissingDatabase = "missing_database"
	reasonMissingOwner    = "missing_owner"
	reasonMissingMerge    = "missing_merge"
	reasonAlreadyExists   = "already_exists"
	reasonNotFound        = "not_found"
	reasonInsertFailed    = "insert_failed"
	reasonQueryFailed     = "query_failed"
	reasonMergeFailed     = "merge_failed"
	reasonSaveFailed      = "save_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes document records.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Create inserts an empty document owned by ownerID.
func (s *Store) Create(ctx context.Context, documentID DocumentID, ownerID string) (Document, error) {
	if ownerID == "" {
		return Document{}, newServiceError(opCreate, reasonMissingOwner, errMissingOwnerID)
	}
	now := s.clock().UTC().Unix()
	record := Document{
		DocumentID:       documentID.String(),
		OwnerID:          ownerID,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		s.logError(opCreate, reasonInsertFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, newServiceError(opCreate, reasonInsertFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Document{}, newServiceError(opCreate, reasonAlreadyExists, ErrAlreadyExists)
	}
	return record, nil
}

// Get returns the document record.
func (s *Store) Get(ctx context.Context, documentID DocumentID) (Document, error) {
	var record Document
	err := s.db.WithContext(ctx).Where(queryDocumentID, documentID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, newServiceError(opGet, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, newServiceError(opGet, reasonQueryFailed, err)
	}
	return record, nil
}

// OwnerOf returns the owner of the document, which is empty for documents
// created implicitly by a persisted update.
func (s *Store) OwnerOf(ctx context.Context, documentID DocumentID) (string, error) {
	record, err := s.Get(ctx, documentID)
	if err != nil {
		return "", err
	}
	return record.OwnerID, nil
}

// MergeSnapshot replaces the stored snapshot with merge(current) while holding
// the row lock. A missing record is created with an empty owner first.
func (s *Store) MergeSnapshot(ctx context.Context, documentID DocumentID, merge func(current []byte) ([]byte, error)) error {
	if merge == nil {
		return newServiceError(opMergeSnapshot, reasonMissingMerge, errMissingMerge)
	}
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		record, err := s.lockForUpdate(transaction, documentID)
		if err != nil {
			s.logError(opMergeSnapshot, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opMergeSnapshot, reasonQueryFailed, err)
		}
		merged, err := merge(record.Snapshot)
		if err != nil {
			s.logError(opMergeSnapshot, reasonMergeFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opMergeSnapshot, reasonMergeFailed, err)
		}
		record.Snapshot = merged
		record.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := transaction.Save(&record).Error; err != nil {
			s.logError(opMergeSnapshot, reasonSaveFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opMergeSnapshot, reasonSaveFailed, err)
		}
		return nil
	})
}

func (s *Store) lockForUpdate(transaction *gorm.DB, documentID DocumentID) (Document, error) {
	var record Document
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryDocumentID, documentID.String()).
		Take(&record).Error
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, err
	}
	now := s.clock().UTC().Unix()
	placeholder := Document{DocumentID: documentID.String(), CreatedAtSeconds: now, UpdatedAtSeconds: now}
	if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&placeholder).Error; err != nil {
		return Document{}, err
	}
	err = transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryDocumentID, documentID.String()).
		Take(&record).Error
	return record, err
}

// ClearSnapshot drops the stored snapshot but keeps the record.
func (s *Store) ClearSnapshot(ctx context.Context, documentID DocumentID) error {
	result := s.db.WithContext(ctx).Model(&Document{}).
		Where(queryDocumentID, documentID.String()).
		Updates(map[string]any{
			"snapshot":     nil,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opClearSnapshot, reasonSaveFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
		return newServiceError(opClearSnapshot, reasonSaveFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opClearSnapshot, reasonNotFound, ErrNotFound)
	}
	return nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents store error", attrs...)
}
