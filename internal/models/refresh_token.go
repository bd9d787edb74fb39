package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RefreshToken is one link in a rotation chain. ReplacedByID points at the
// token issued when this one was rotated; a rotation that finds its token
// already revoked or replaced is treated as reuse and revokes the whole chain.
type RefreshToken struct {
	ID           string    `gorm:"primaryKey;size:36"`
	UserID       string    `gorm:"size:36;not null;index"`
	TokenHash    string    `gorm:"size:64;unique;not null"`
	ExpiresAt    time.Time `gorm:"not null"`
	Revoked      bool      `gorm:"not null;default:false"`
	ReplacedByID *string   `gorm:"size:36"`
	DeviceID     string    `gorm:"size:128"`
	UserAgent    string    `gorm:"size:255"`
	CreatedAt    time.Time
}

func (t *RefreshToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
