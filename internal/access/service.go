// Package access decides who may read and edit a document room and records
// every change to those decisions.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultOwnerCacheSize = 4096
	defaultAuditLimit     = 50
	maxAuditLimit         = 500

	actionGrant      = "acl.grant"
	actionRevoke     = "acl.revoke"
	resourceDocument = "document"
	severityInfo     = "info"
	severityWarning  = "warning"

	opServiceNew  = "access.service.new"
	opCheckAccess = "access.check_access"
	opGrant       = "access.grant"
	opRevoke      = "access.revoke"
	opListMembers = "access.list_members"
	opListAudit   = "access.list_audit"

	queryDocumentUser = "document_id = ? AND user_id = ?"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingOwners   = errors.New("owner lookup is required")
)

// OwnerLookup resolves the immutable owner of a document.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, documentID documents.DocumentID) (string, error)
}

// Directory resolves display names for member listings.
type Directory interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Database       *gorm.DB
	Owners         OwnerLookup
	Directory      Directory
	IDProvider     IDProvider
	Clock          func() time.Time
	Logger         *zap.Logger
	OwnerCacheSize int
}

// Service evaluates and mutates room access control lists.
type Service struct {
	db         *gorm.DB
	owners     OwnerLookup
	directory  Directory
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	ownerCache *lru.Cache[string, string]
	lookups    singleflight.Group
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingDatabase)
	}
	if cfg.Owners == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingOwners)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.OwnerCacheSize
	if size <= 0 {
		size = defaultOwnerCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, err)
	}
	return &Service{
		db:         cfg.Database,
		owners:     cfg.Owners,
		directory:  cfg.Directory,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		ownerCache: cache,
	}, nil
}

// ownerOf returns the document owner. Concurrent misses for one document
// share a single lookup; owners never change once recorded.
func (s *Service) ownerOf(ctx context.Context, documentID documents.DocumentID) (string, error) {
	key := documentID.String()
	if owner, ok := s.ownerCache.Get(key); ok {
		return owner, nil
	}
	value, err, _ := s.lookups.Do(key, func() (any, error) {
		owner, err := s.owners.OwnerOf(ctx, documentID)
		if err != nil {
			return "", err
		}
		s.ownerCache.Add(key, owner)
		return owner, nil
	})
	if err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			return "", fmt.Errorf("%w: document %s", ErrNotFound, documentID)
		}
		return "", err
	}
	return value.(string), nil
}

// PermissionOf returns the permission userID holds on documentID. The second
// result is false when the user holds none.
func (s *Service) PermissionOf(ctx context.Context, userID string, documentID documents.DocumentID) (Permission, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return "", false, nil
	}
	owner, err := s.ownerOf(ctx, documentID)
	if err != nil {
		return "", false, err
	}
	if owner != "" && owner == userID {
		return PermissionOwner, true, nil
	}
	var grant Grant
	err = s.db.WithContext(ctx).Where(queryDocumentUser, documentID.String(), userID).Take(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opCheckAccess, "grant_lookup_failed", err,
			zap.String("document_id", documentID.String()),
			zap.String("user_id", userID))
		return "", false, err
	}
	permission := Permission(grant.Permission)
	if !permission.Valid() {
		return "", false, nil
	}
	return permission, true, nil
}

// CheckAccess reports whether userID holds at least required on documentID.
// Grants are read fresh on every call so revocations apply immediately.
// Unknown documents grant nothing.
func (s *Service) CheckAccess(ctx context.Context, userID string, documentID documents.DocumentID, required Permission) (bool, error) {
	permission, ok, err := s.PermissionOf(ctx, userID, documentID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil || !ok {
		return false, err
	}
	return HasLevel(permission, required), nil
}

// GrantRequest describes a permission change for one user.
type GrantRequest struct {
	DocumentID documents.DocumentID
	UserID     string
	Permission Permission
	GrantedBy  string
}

// Validate checks the request shape.
func (r GrantRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DocumentID, validation.Required),
		validation.Field(&r.UserID, validation.Required, validation.Length(1, 190)),
		validation.Field(&r.Permission, validation.Required,
			validation.In(PermissionOwner, PermissionEditor, PermissionViewer)),
		validation.Field(&r.GrantedBy, validation.Required),
	)
}

// Grant upserts the permission of a non-owner user. Only users holding OWNER
// may grant.
func (s *Service) Grant(ctx context.Context, request GrantRequest) (Grant, error) {
	request.UserID = strings.TrimSpace(request.UserID)
	if err := request.Validate(); err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	owner, err := s.requireOwnerPermission(ctx, request.GrantedBy, request.DocumentID)
	if err != nil {
		return Grant{}, err
	}
	if request.UserID == owner {
		return Grant{}, fmt.Errorf("%w: the document owner cannot be granted a permission", ErrInvalidGrant)
	}

	var stored Grant
	txErr := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		now := s.clock().UTC().Unix()
		previous := ""
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocumentUser, request.DocumentID.String(), request.UserID).
			Take(&stored).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			stored = Grant{
				DocumentID:       request.DocumentID.String(),
				UserID:           request.UserID,
				CreatedAtSeconds: now,
			}
		case err != nil:
			s.logError(opGrant, "grant_select_failed", err, zap.String("document_id", request.DocumentID.String()))
			return err
		default:
			previous = stored.Permission
		}
		stored.Permission = request.Permission.String()
		stored.InvitedBy = request.GrantedBy
		stored.UpdatedAtSeconds = now
		if err := transaction.Save(&stored).Error; err != nil {
			s.logError(opGrant, "grant_save_failed", err, zap.String("document_id", request.DocumentID.String()))
			return err
		}
		severity := severityInfo
		if request.Permission == PermissionOwner {
			severity = severityWarning
		}
		return s.appendAudit(transaction, request.GrantedBy, actionGrant, request.DocumentID, severity, map[string]string{
			"userId":     request.UserID,
			"permission": request.Permission.String(),
			"previous":   previous,
		})
	})
	if txErr != nil {
		return Grant{}, txErr
	}
	s.logger.Info("permission granted",
		zap.String("document_id", request.DocumentID.String()),
		zap.String("user_id", request.UserID),
		zap.String("permission", request.Permission.String()),
		zap.String("granted_by", request.GrantedBy))
	return stored, nil
}

// Revoke deletes the grant of userID. Users holding OWNER may revoke anyone
// except the owner; any user may revoke their own grant.
func (s *Service) Revoke(ctx context.Context, documentID documents.DocumentID, userID, revokedBy string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(revokedBy) == "" {
		return fmt.Errorf("%w: user and revoker are required", ErrInvalidGrant)
	}
	var owner string
	var err error
	if userID == revokedBy {
		owner, err = s.ownerOf(ctx, documentID)
	} else {
		owner, err = s.requireOwnerPermission(ctx, revokedBy, documentID)
	}
	if err != nil {
		return err
	}
	if userID == owner {
		return fmt.Errorf("%w: the document owner cannot be revoked", ErrInvalidGrant)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing Grant
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocumentUser, documentID.String(), userID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: no grant for %s", ErrNotFound, userID)
		}
		if err != nil {
			s.logError(opRevoke, "grant_select_failed", err, zap.String("document_id", documentID.String()))
			return err
		}
		if err := transaction.Delete(&existing).Error; err != nil {
			s.logError(opRevoke, "grant_delete_failed", err, zap.String("document_id", documentID.String()))
			return err
		}
		severity := severityInfo
		if existing.Permission == PermissionOwner.String() {
			severity = severityWarning
		}
		return s.appendAudit(transaction, revokedBy, actionRevoke, documentID, severity, map[string]string{
			"userId":   userID,
			"previous": existing.Permission,
		})
	})
	if txErr != nil {
		return txErr
	}
	s.logger.Info("permission revoked",
		zap.String("document_id", documentID.String()),
		zap.String("user_id", userID),
		zap.String("revoked_by", revokedBy))
	return nil
}

func (s *Service) requireOwnerPermission(ctx context.Context, actor string, documentID documents.DocumentID) (string, error) {
	owner, err := s.ownerOf(ctx, documentID)
	if err != nil {
		return "", err
	}
	if actor != "" && actor == owner {
		return owner, nil
	}
	permission, ok, err := s.PermissionOf(ctx, actor, documentID)
	if err != nil {
		return "", err
	}
	if !ok || !HasLevel(permission, PermissionOwner) {
		return "", fmt.Errorf("%w: %s requires OWNER on %s", ErrForbidden, actor, documentID)
	}
	return owner, nil
}

func (s *Service) appendAudit(transaction *gorm.DB, actor, action string, documentID documents.DocumentID, severity string, details map[string]string) error {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(action, "id_generation_failed", err)
		return err
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return err
	}
	entry := AuditEntry{
		ID:               id,
		Actor:            actor,
		Action:           action,
		Resource:         resourceDocument,
		ResourceID:       documentID.String(),
		Details:          string(encoded),
		Severity:         severity,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := transaction.Create(&entry).Error; err != nil {
		s.logError(action, "audit_insert_failed", err, zap.String("document_id", documentID.String()))
		return err
	}
	return nil
}

// ListMembers returns the owner followed by every grantee ordered by user id.
func (s *Service) ListMembers(ctx context.Context, documentID documents.DocumentID) ([]Member, error) {
	owner, err := s.ownerOf(ctx, documentID)
	if err != nil {
		return nil, err
	}
	var grants []Grant
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("user_id ASC").
		Find(&grants).Error; err != nil {
		s.logError(opListMembers, "query_failed", err, zap.String("document_id", documentID.String()))
		return nil, err
	}

	members := make([]Member, 0, len(grants)+1)
	if owner != "" {
		members = append(members, Member{UserID: owner, Permission: PermissionOwner})
	}
	for _, grant := range grants {
		members = append(members, Member{
			UserID:     grant.UserID,
			Permission: Permission(grant.Permission),
			InvitedBy:  grant.InvitedBy,
			GrantedAt:  grant.UpdatedAtSeconds,
		})
	}
	s.attachDisplayNames(ctx, members)
	return members, nil
}

func (s *Service) attachDisplayNames(ctx context.Context, members []Member) {
	if s.directory == nil || len(members) == 0 {
		return
	}
	userIDs := make([]string, 0, len(members))
	for _, member := range members {
		userIDs = append(userIDs, member.UserID)
	}
	sort.Strings(userIDs)
	names, err := s.directory.DisplayNames(ctx, userIDs)
	if err != nil {
		s.logger.Warn("display name lookup failed", zap.Error(err))
		return
	}
	for index := range members {
		members[index].DisplayName = names[members[index].UserID]
	}
}

// ListAudit returns the newest audit entries of a document first.
func (s *Service) ListAudit(ctx context.Context, documentID documents.DocumentID, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	var entries []AuditEntry
	if err := s.db.WithContext(ctx).
		Where("resource = ? AND resource_id = ?", resourceDocument, documentID.String()).
		Order("created_at_s DESC").
		Order("audit_id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		s.logError(opListAudit, "query_failed", err, zap.String("document_id", documentID.String()))
		return nil, err
	}
	return entries, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("access service error", attrs...)
}
