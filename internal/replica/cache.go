package replica

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Cache keeps the encoded document state between sessions.
type Cache interface {
	// Load returns the cached state, or nil when nothing is cached.
	Load(ctx context.Context, documentID string) ([]byte, error)
	Store(ctx context.Context, documentID string, state []byte) error
}

type cacheEntry struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190"`
	State            []byte `gorm:"column:state"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (cacheEntry) TableName() string {
	return "replica_cache"
}

// SQLiteCache stores replica state in a local sqlite database.
type SQLiteCache struct {
	db    *gorm.DB
	owned bool
	clock func() time.Time
}

// OpenSQLiteCache opens (creating if needed) a cache database at path.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("replica: cache path is required")
	}
	db, err := gorm.Open(sqlite.Open(trimmed), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("replica: open cache: %w", err)
	}
	cache, err := NewSQLiteCache(db)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	cache.owned = true
	return cache, nil
}

// NewSQLiteCache uses an existing gorm handle and migrates the cache table.
func NewSQLiteCache(db *gorm.DB) (*SQLiteCache, error) {
	if db == nil {
		return nil, errors.New("replica: cache database is required")
	}
	if err := db.AutoMigrate(&cacheEntry{}); err != nil {
		return nil, fmt.Errorf("replica: migrate cache: %w", err)
	}
	return &SQLiteCache{db: db, clock: time.Now}, nil
}

func (c *SQLiteCache) Load(ctx context.Context, documentID string) ([]byte, error) {
	var entry cacheEntry
	err := c.db.WithContext(ctx).Where("document_id = ?", documentID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("replica: load cache: %w", err)
	}
	return entry.State, nil
}

func (c *SQLiteCache) Store(ctx context.Context, documentID string, state []byte) error {
	entry := cacheEntry{
		DocumentID:       documentID,
		State:            state,
		UpdatedAtSeconds: c.clock().UTC().Unix(),
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at_s"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("replica: store cache: %w", err)
	}
	return nil
}

// Close releases the database when the cache opened it itself.
func (c *SQLiteCache) Close() error {
	if !c.owned {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
