package documents

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrNotFound indicates that the document record does not exist.
	ErrNotFound = errors.New("documents: not found")
	// ErrAlreadyExists indicates that a document record with the same identifier exists.
	ErrAlreadyExists = errors.New("documents: already exists")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the identifier as a string.
func (id DocumentID) String() string {
	return string(id)
}

// Document is the persisted record of a shared document. Snapshot holds the
// encoded CRDT state as written by the persistence adapter and may be empty.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;default:'';index:idx_documents_owner"`
	Snapshot         []byte `gorm:"column:snapshot"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}
