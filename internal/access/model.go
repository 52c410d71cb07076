package access

import (
	"errors"
	"fmt"
	"strings"
)

// Permission is a room access level. Higher levels include lower ones.
type Permission string

const (
	PermissionOwner  Permission = "OWNER"
	PermissionEditor Permission = "EDITOR"
	PermissionViewer Permission = "VIEWER"
)

var (
	// ErrForbidden indicates that the acting user lacks the required permission.
	ErrForbidden = errors.New("access: forbidden")
	// ErrNotFound indicates a missing document or grant.
	ErrNotFound = errors.New("access: not found")
	// ErrInvalidGrant indicates a grant or revoke request that can never succeed.
	ErrInvalidGrant = errors.New("access: invalid grant")
	// ErrInvalidPermission indicates an unknown permission name.
	ErrInvalidPermission = errors.New("access: invalid permission")
)

// ParsePermission converts a case-insensitive permission name.
func ParsePermission(raw string) (Permission, error) {
	permission := Permission(strings.ToUpper(strings.TrimSpace(raw)))
	if permission.level() == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, raw)
	}
	return permission, nil
}

func (p Permission) level() int {
	switch p {
	case PermissionOwner:
		return 3
	case PermissionEditor:
		return 2
	case PermissionViewer:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p names a known permission.
func (p Permission) Valid() bool {
	return p.level() > 0
}

func (p Permission) String() string {
	return string(p)
}

// HasLevel reports whether held satisfies required. Unknown permissions satisfy nothing.
func HasLevel(held, required Permission) bool {
	if !held.Valid() || !required.Valid() {
		return false
	}
	return held.level() >= required.level()
}

// Grant stores the permission of one non-owner user on one document.
type Grant struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_document_grants_user"`
	Permission       string `gorm:"column:permission;size:16;not null"`
	InvitedBy        string `gorm:"column:invited_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Grant) TableName() string {
	return "document_grants"
}

// AuditEntry is an append-only record of an access control change.
type AuditEntry struct {
	ID               string `gorm:"column:audit_id;primaryKey;size:64;not null"`
	Actor            string `gorm:"column:actor;size:190;not null"`
	Action           string `gorm:"column:action;size:64;not null"`
	Resource         string `gorm:"column:resource;size:64;not null"`
	ResourceID       string `gorm:"column:resource_id;size:190;not null;index:idx_audit_entries_resource,priority:1"`
	Details          string `gorm:"column:details;type:text;not null"`
	Severity         string `gorm:"column:severity;size:16;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_audit_entries_resource,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (AuditEntry) TableName() string {
	return "audit_entries"
}

// Member is one entry of a document's member listing.
type Member struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName,omitempty"`
	Permission  Permission `json:"permission"`
	InvitedBy   string     `json:"invitedBy,omitempty"`
	GrantedAt   int64      `json:"grantedAt,omitempty"`
}
