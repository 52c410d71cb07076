package users

import (
	"strings"
)

// Profile is what the relay knows about a user beyond the token: the display
// name last presented and when the user was last seen.
type Profile struct {
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName       string `gorm:"column:user_display_name;size:320"`
	LastSeenAtSeconds int64  `gorm:"column:last_seen_at_s;not null"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
