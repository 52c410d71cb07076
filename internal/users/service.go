package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/auth"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ErrUnknownUser is returned by Get for users never seen.
var ErrUnknownUser = errors.New("users: unknown user")

// ServiceConfig describes the dependencies required for the profile directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service records who has connected and resolves display names.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	// names caches display names already written, so Touch only writes when
	// a token presents a new name.
	names sync.Map
}

// NewService constructs the profile directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// Touch records the identity carried by session claims. The display name is
// only overwritten when the claims carry a non-empty one.
func (s *Service) Touch(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	displayName := normalize(claims.UserDisplayName)
	nowSeconds := s.now().UTC().Unix()

	profile := Profile{
		UserID:            userID,
		DisplayName:       displayName,
		LastSeenAtSeconds: nowSeconds,
		CreatedAtSeconds:  nowSeconds,
	}
	updates := []string{"last_seen_at_s"}
	if displayName != "" {
		updates = append(updates, "user_display_name")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&profile).Error
	if err != nil {
		s.logger.Error("profile upsert failed", zap.String("user_id", userID), zap.Error(err))
		return Profile{}, err
	}
	if displayName != "" {
		s.names.Store(userID, displayName)
	}
	return s.Get(ctx, userID)
}

// Get returns the stored profile of userID.
func (s *Service) Get(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrUnknownUser
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// DisplayNames resolves the known display names of userIDs. Unknown users and
// users without a name are absent from the result.
func (s *Service) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	result := make(map[string]string, len(userIDs))
	missing := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		if cached, ok := s.names.Load(userID); ok {
			if name, ok := cached.(string); ok {
				result[userID] = name
				continue
			}
		}
		missing = append(missing, userID)
	}
	if len(missing) == 0 {
		return result, nil
	}

	var profiles []Profile
	err := s.db.WithContext(ctx).
		Where("user_id IN ? AND user_display_name <> ''", missing).
		Find(&profiles).
		Error
	if err != nil {
		return nil, err
	}
	for _, profile := range profiles {
		result[profile.UserID] = profile.DisplayName
		s.names.Store(profile.UserID, profile.DisplayName)
	}
	return result, nil
}
