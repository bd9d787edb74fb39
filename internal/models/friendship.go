package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FriendshipStatus defines the state of a relationship between two users.
type FriendshipStatus string

const (
	// FriendshipPending means a friend request has been sent but not yet answered.
	FriendshipPending FriendshipStatus = "PENDING"

	// FriendshipAccepted means the request was accepted and the users are friends.
	FriendshipAccepted FriendshipStatus = "ACCEPTED"

	FriendshipDeclined  FriendshipStatus = "DECLINED"
	FriendshipBlocked   FriendshipStatus = "BLOCKED"
	FriendshipCancelled FriendshipStatus = "CANCELLED"
)

// Friendship represents the relationship between two users. At most one row
// exists per user pair; symmetric lookups OR across both column orderings.
type Friendship struct {
	ID          string           `gorm:"primaryKey;size:36" json:"id"`
	RequesterID string           `gorm:"size:36;not null;uniqueIndex:uq_friendship_pair,priority:1" json:"requester_id"`
	AddresseeID string           `gorm:"size:36;not null;uniqueIndex:uq_friendship_pair,priority:2" json:"addressee_id"`
	Status      FriendshipStatus `gorm:"size:20;not null" json:"status"`
	AcceptedAt  *time.Time       `json:"accepted_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`

	Requester User `gorm:"foreignKey:RequesterID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"requester,omitempty"`
	Addressee User `gorm:"foreignKey:AddresseeID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"addressee,omitempty"`
}

func (f *Friendship) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return nil
}
