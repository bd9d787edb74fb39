package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PresenceStatus reflects whether a user has at least one live socket connection.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "ONLINE"
	PresenceOffline PresenceStatus = "OFFLINE"
)

// User represents an account in the system.
type User struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	Email        string         `gorm:"size:255;unique;not null" json:"email"`
	Username     string         `gorm:"size:64;unique;not null" json:"username"`
	DisplayName  string         `gorm:"size:255;not null" json:"display_name"`
	PasswordHash string         `gorm:"size:255;not null" json:"-"`
	FriendCode   string         `gorm:"size:80;unique;not null" json:"friend_code"`
	AvatarURL    string         `gorm:"size:512" json:"avatar_url,omitempty"`
	Status       PresenceStatus `gorm:"size:16;not null;default:'OFFLINE'" json:"status"`
	LastSeen     *time.Time     `json:"last_seen,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
