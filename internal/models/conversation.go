package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationType distinguishes two-party chats from groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

// ParticipantRole defines a member's privileges inside a conversation.
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "ADMIN"
	RoleMember ParticipantRole = "MEMBER"
)

// Conversation is either a DIRECT chat, identified by its canonically ordered
// user pair (ParticipantAID < ParticipantBID so both request orders map to
// one row), or a GROUP chat carrying a title. UpdatedAt is bumped on every
// non-control message so conversation listings sort by activity.
type Conversation struct {
	ID             string           `gorm:"primaryKey;size:36" json:"id"`
	Type           ConversationType `gorm:"size:10;not null;index" json:"type"`
	ParticipantAID *string          `gorm:"size:36;uniqueIndex:uq_direct_pair,priority:1" json:"participant_a_id,omitempty"`
	ParticipantBID *string          `gorm:"size:36;uniqueIndex:uq_direct_pair,priority:2" json:"participant_b_id,omitempty"`
	Title          string           `gorm:"size:255" json:"title,omitempty"`
	AvatarURL      string           `gorm:"size:512" json:"avatar_url,omitempty"`
	LastMessageID  *string          `gorm:"size:36" json:"last_message_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `gorm:"index" json:"updated_at"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Participant is a user's membership record in a conversation.
// The primary key is a composite of (ConversationID, UserID) to ensure uniqueness.
//
// UnreadCount equals the number of non-control messages in the conversation
// authored by someone else with no receipt for this user. It is maintained
// incrementally on send and mark-read, never by full recount.
type Participant struct {
	ConversationID string          `gorm:"primaryKey;size:36" json:"conversation_id"`
	UserID         string          `gorm:"primaryKey;size:36;index" json:"user_id"`
	Role           ParticipantRole `gorm:"size:10;not null;default:'MEMBER'" json:"role"`
	UnreadCount    int             `gorm:"not null;default:0" json:"unread_count"`
	JoinedAt       time.Time       `json:"joined_at"`
	MutedUntil     *time.Time      `json:"muted_until,omitempty"`

	User User `gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"user,omitempty"`
}

func (p *Participant) BeforeCreate(tx *gorm.DB) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	return nil
}

// CanonicalPair sorts two user ids so (A,B) and (B,A) map to one stored row.
func CanonicalPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}
