package service

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"ciphertalk/backend/internal/metrics"
	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/internal/pagination"
	"ciphertalk/backend/pkg/apperr"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageService is the delivery and unread-count consistency engine. Every
// multi-step mutation runs in one transaction so message rows, per-recipient
// unread counters, the conversation's last-message pointer and receipt
// bookkeeping are never observed partially applied.
type MessageService struct {
	db          *gorm.DB
	friendships *FriendshipService
	log         zerolog.Logger
}

func NewMessageService(db *gorm.DB, friendships *FriendshipService, log zerolog.Logger) *MessageService {
	return &MessageService{
		db:          db,
		friendships: friendships,
		log:         log.With().Str("component", "message").Logger(),
	}
}

// SendMessageInput carries everything needed to create a message.
type SendMessageInput struct {
	SenderID       string
	ConversationID string
	Content        string
	ContentType    models.ContentType
	AttachmentURL  string
	ReplyToID      string
}

// SendResult returns the created message plus the post-update unread count of
// every recipient, so callers can fan out accurate notifications without a
// second read.
type SendResult struct {
	Message         *models.Message
	ParticipantIDs  []string
	RecipientUnread map[string]int
}

// MarkReadResult reports how many messages were newly marked and the
// participant's resulting unread count.
type MarkReadResult struct {
	Marked         int      `json:"marked"`
	NewUnreadCount int      `json:"new_unread_count"`
	MessageIDs     []string `json:"-"`
}

// MessagePage is a keyset page of messages, newest first.
type MessagePage struct {
	Messages   []models.Message `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// EditResult and DeleteResult carry the participant ids for fan-out.
type EditResult struct {
	Message        *models.Message
	ParticipantIDs []string
}

type DeleteResult struct {
	MessageID      string
	ConversationID string
	ParticipantIDs []string
}

func validateSendInput(in *SendMessageInput) error {
	switch in.ContentType {
	case "":
		in.ContentType = models.ContentTypeText
	case models.ContentTypeText, models.ContentTypeEncrypted, models.ContentTypeKeyDistribution:
	default:
		return apperr.InvalidArg("unknown content type")
	}

	control := in.ContentType == models.ContentTypeKeyDistribution
	if !control {
		hasContent := in.Content != ""
		hasAttachment := in.AttachmentURL != ""
		if hasContent == hasAttachment {
			return apperr.InvalidArg("a message needs either content or an attachment")
		}
	}

	// Ciphertext payloads are opaque but must at least be valid base64.
	if in.Content != "" && in.ContentType != models.ContentTypeText {
		if _, err := base64.StdEncoding.DecodeString(in.Content); err != nil {
			return apperr.SecurityViolation("ciphertext payload is not valid base64")
		}
	}
	return nil
}

// Send creates a message and, unless it is a control message, increments
// every recipient's unread count in one batched update and advances the
// conversation's last-message pointer. Control messages are persisted and
// delivered but invisible to the conversation summary.
func (s *MessageService) Send(ctx context.Context, in SendMessageInput) (*SendResult, error) {
	if err := validateSendInput(&in); err != nil {
		return nil, err
	}

	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", in.ConversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load conversation", err)
	}

	var membership int64
	err := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ?", in.ConversationID, in.SenderID).
		Count(&membership).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to check membership", err)
	}
	if membership == 0 {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}

	if conv.Type == models.ConversationDirect {
		other := *conv.ParticipantAID
		if other == in.SenderID {
			other = *conv.ParticipantBID
		}
		blocked, err := s.friendships.IsBlocked(ctx, in.SenderID, other)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, apperr.Forbidden("messaging is blocked between these users")
		}
	}

	if in.ReplyToID != "" {
		var replied models.Message
		if err := s.db.WithContext(ctx).First(&replied, "id = ?", in.ReplyToID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.InvalidArg("replied-to message not found")
			}
			return nil, apperr.Wrap(apperr.KindInternal, "failed to load replied-to message", err)
		}
		if replied.ConversationID != in.ConversationID {
			return nil, apperr.InvalidArg("replied-to message belongs to another conversation")
		}
	}

	msg := models.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		ContentType:    in.ContentType,
		AttachmentURL:  in.AttachmentURL,
	}
	if in.ReplyToID != "" {
		msg.ReplyToID = &in.ReplyToID
	}

	result := SendResult{RecipientUnread: make(map[string]int)}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to create message", err)
		}

		var participants []models.Participant
		if err := tx.Where("conversation_id = ?", in.ConversationID).Find(&participants).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to load participants", err)
		}

		recipientIDs := make([]string, 0, len(participants))
		for _, p := range participants {
			result.ParticipantIDs = append(result.ParticipantIDs, p.UserID)
			if p.UserID != in.SenderID {
				recipientIDs = append(recipientIDs, p.UserID)
			}
		}

		if !msg.IsControl() {
			if len(recipientIDs) > 0 {
				err := tx.Model(&models.Participant{}).
					Where("conversation_id = ? AND user_id IN ?", in.ConversationID, recipientIDs).
					UpdateColumn("unread_count", gorm.Expr("unread_count + 1")).Error
				if err != nil {
					return apperr.Wrap(apperr.KindInternal, "failed to increment unread counts", err)
				}
			}

			err := tx.Model(&models.Conversation{}).
				Where("id = ?", in.ConversationID).
				Updates(map[string]interface{}{
					"last_message_id": msg.ID,
					"updated_at":      msg.CreatedAt,
				}).Error
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to advance last message", err)
			}

			var updated []models.Participant
			if err := tx.Where("conversation_id = ? AND user_id IN ?", in.ConversationID, recipientIDs).Find(&updated).Error; err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to read back unread counts", err)
			}
			for _, p := range updated {
				result.RecipientUnread[p.UserID] = p.UnreadCount
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Preload("Sender").Preload("ReplyTo").First(&msg, "id = ?", msg.ID).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to reload message", err)
	}

	result.Message = &msg
	metrics.MessagesCreated.WithLabelValues(string(msg.ContentType)).Inc()
	s.log.Debug().Str("conversation", in.ConversationID).Str("message", msg.ID).Msg("message created")
	return &result, nil
}

// MarkRead inserts receipts for every non-control message in the conversation
// authored by someone else, at or before the optional boundary, that has no
// receipt yet for the user. Receipt inserts are duplicate-safe, so re-marking
// already-read messages is a no-op. The participant's unread count is
// decremented by the number newly marked, clamped at zero.
func (s *MessageService) MarkRead(ctx context.Context, userID, conversationID, lastReadMessageID string) (*MarkReadResult, error) {
	var member models.Participant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Forbidden("not a participant of this conversation")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load membership", err)
	}

	var boundary *models.Message
	if lastReadMessageID != "" {
		var b models.Message
		if err := s.db.WithContext(ctx).First(&b, "id = ?", lastReadMessageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.InvalidArg("last read message not found")
			}
			return nil, apperr.Wrap(apperr.KindInternal, "failed to load boundary message", err)
		}
		if b.ConversationID != conversationID {
			return nil, apperr.InvalidArg("last read message belongs to another conversation")
		}
		boundary = &b
	}

	result := &MarkReadResult{}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&models.Message{}).
			Where("conversation_id = ?", conversationID).
			Where("sender_id <> ?", userID).
			Where("content_type <> ?", models.ContentTypeKeyDistribution).
			Where("NOT EXISTS (SELECT 1 FROM message_receipts r WHERE r.message_id = messages.id AND r.user_id = ?)", userID)
		if boundary != nil {
			// Inclusive boundary under the descending (created_at, id) order.
			query = query.Where(
				"created_at < ? OR (created_at = ? AND id <= ?)",
				boundary.CreatedAt, boundary.CreatedAt, boundary.ID,
			)
		}

		var ids []string
		if err := query.Pluck("messages.id", &ids).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to select unread messages", err)
		}

		marked := 0
		if len(ids) > 0 {
			now := time.Now()
			receipts := make([]models.MessageReceipt, 0, len(ids))
			for _, id := range ids {
				receipts = append(receipts, models.MessageReceipt{MessageID: id, UserID: userID, ReadAt: now})
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&receipts)
			if res.Error != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to insert receipts", res.Error)
			}
			// A concurrent mark-read may have inserted some of these first;
			// only rows we actually created count toward the decrement.
			marked = int(res.RowsAffected)
		}

		if marked > 0 {
			err := tx.Model(&models.Participant{}).
				Where("conversation_id = ? AND user_id = ?", conversationID, userID).
				UpdateColumn("unread_count", gorm.Expr(
					"CASE WHEN unread_count >= ? THEN unread_count - ? ELSE 0 END", marked, marked,
				)).Error
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to decrement unread count", err)
			}
		}

		var after models.Participant
		if err := tx.Where("conversation_id = ? AND user_id = ?", conversationID, userID).First(&after).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to read back unread count", err)
		}

		result.Marked = marked
		result.NewUnreadCount = after.UnreadCount
		result.MessageIDs = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Edit updates a message's content. Sender only; unread counts are untouched.
func (s *MessageService) Edit(ctx context.Context, messageID, userID, newContent string) (*EditResult, error) {
	if newContent == "" {
		return nil, apperr.InvalidArg("message content cannot be empty")
	}

	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load message", err)
	}
	if msg.SenderID != userID {
		return nil, apperr.Forbidden("only the sender can edit a message")
	}

	if msg.ContentType != models.ContentTypeText {
		if _, err := base64.StdEncoding.DecodeString(newContent); err != nil {
			return nil, apperr.SecurityViolation("ciphertext payload is not valid base64")
		}
	}

	now := time.Now()
	err := s.db.WithContext(ctx).Model(&msg).Updates(map[string]interface{}{
		"content":   newContent,
		"edited_at": now,
	}).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to edit message", err)
	}
	msg.Content = newContent
	msg.EditedAt = &now

	ids, err := s.participantIDs(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	return &EditResult{Message: &msg, ParticipantIDs: ids}, nil
}

// Delete hard-deletes a message. Sender only. Recipients who had not read the
// message get their unread count decremented so the count stays equal to
// their actual unread backlog; the conversation's last-message pointer is
// repaired if it referenced the deleted row.
func (s *MessageService) Delete(ctx context.Context, messageID, userID string) (*DeleteResult, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load message", err)
	}
	if msg.SenderID != userID {
		return nil, apperr.Forbidden("only the sender can delete a message")
	}

	result := &DeleteResult{MessageID: msg.ID, ConversationID: msg.ConversationID}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !msg.IsControl() {
			// Anyone without a receipt still counted this message as unread.
			err := tx.Model(&models.Participant{}).
				Where("conversation_id = ? AND user_id <> ?", msg.ConversationID, msg.SenderID).
				Where("NOT EXISTS (SELECT 1 FROM message_receipts r WHERE r.message_id = ? AND r.user_id = participants.user_id)", msg.ID).
				UpdateColumn("unread_count", gorm.Expr("CASE WHEN unread_count > 0 THEN unread_count - 1 ELSE 0 END")).Error
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to adjust unread counts", err)
			}
		}

		if err := tx.Where("message_id = ?", msg.ID).Delete(&models.MessageReceipt{}).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to delete receipts", err)
		}
		if err := tx.Delete(&models.Message{}, "id = ?", msg.ID).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to delete message", err)
		}

		var conv models.Conversation
		if err := tx.First(&conv, "id = ?", msg.ConversationID).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to load conversation", err)
		}
		if conv.LastMessageID != nil && *conv.LastMessageID == msg.ID {
			var prev models.Message
			err := tx.Where("conversation_id = ? AND content_type <> ?", msg.ConversationID, models.ContentTypeKeyDistribution).
				Order("created_at DESC, id DESC").
				First(&prev).Error
			switch {
			case err == nil:
				err = tx.Model(&conv).UpdateColumn("last_message_id", prev.ID).Error
			case errors.Is(err, gorm.ErrRecordNotFound):
				err = tx.Model(&conv).UpdateColumn("last_message_id", nil).Error
			}
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to repair last message pointer", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids, err := s.participantIDs(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	result.ParticipantIDs = ids
	return result, nil
}

// List returns a keyset page of a conversation's messages, newest first.
func (s *MessageService) List(ctx context.Context, conversationID, userID string, limit int, cursorToken string) (*MessagePage, error) {
	var membership int64
	err := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&membership).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to check membership", err)
	}
	if membership == 0 {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	cursor := pagination.Decode(cursorToken)
	if cursor.NeedsResolve() {
		var ref models.Message
		if err := s.db.WithContext(ctx).First(&ref, "id = ?", cursor.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.InvalidArg("cursor references an unknown message")
			}
			return nil, apperr.Wrap(apperr.KindInternal, "failed to resolve cursor", err)
		}
		if ref.ConversationID != conversationID {
			return nil, apperr.InvalidArg("cursor references a message outside this conversation")
		}
		cursor.Timestamp = ref.CreatedAt
	}

	query := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Preload("Sender").Preload("ReplyTo")
	query = pagination.Apply(query, cursor, "created_at", "id")

	var msgs []models.Message
	if err := query.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&msgs).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list messages", err)
	}

	page := &MessagePage{}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		tail := msgs[len(msgs)-1]
		page.NextCursor = pagination.Encode(pagination.Cursor{ID: tail.ID, Timestamp: tail.CreatedAt})
	}
	page.Messages = msgs
	return page, nil
}

func (s *MessageService) participantIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("conversation_id = ?", conversationID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list participants", err)
	}
	return ids, nil
}
