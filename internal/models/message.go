package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ContentType describes how a message body should be interpreted.
type ContentType string

const (
	ContentTypeText      ContentType = "TEXT"
	ContentTypeEncrypted ContentType = "SIGNAL_ENCRYPTED"

	// ContentTypeKeyDistribution marks a control message carrying session key
	// material. Control messages are persisted and delivered but excluded
	// from unread counts and the conversation's last-message pointer.
	ContentTypeKeyDistribution ContentType = "SIGNAL_KEY_DISTRIBUTION"
)

// Message is a chat message within a conversation. Content is opaque: either
// plaintext or base64 ciphertext depending on ContentType.
type Message struct {
	ID             string      `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string      `gorm:"size:36;not null;index:idx_messages_conv_created,priority:1" json:"conversation_id"`
	SenderID       string      `gorm:"size:36;not null" json:"sender_id"`
	Content        string      `gorm:"type:text" json:"content,omitempty"`
	ContentType    ContentType `gorm:"size:30;not null;default:'TEXT'" json:"content_type"`
	AttachmentURL  string      `gorm:"size:512" json:"attachment_url,omitempty"`
	ReplyToID      *string     `gorm:"size:36" json:"reply_to_id,omitempty"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	CreatedAt      time.Time   `gorm:"index:idx_messages_conv_created,priority:2" json:"created_at"`

	Sender  User     `gorm:"foreignKey:SenderID;references:ID" json:"sender,omitempty"`
	ReplyTo *Message `gorm:"foreignKey:ReplyToID;references:ID" json:"reply_to,omitempty"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// IsControl reports whether the message is protocol metadata rather than
// user-visible chat content.
func (m *Message) IsControl() bool {
	return m.ContentType == ContentTypeKeyDistribution
}

// MessageReceipt records that UserID has read MessageID.
// The primary key is a composite of (MessageID, UserID); inserts are
// duplicate-safe so concurrent mark-read calls cannot double count.
type MessageReceipt struct {
	MessageID string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"primaryKey;size:36;index"`
	ReadAt    time.Time `gorm:"not null"`
}
