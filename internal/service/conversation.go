package service

import (
	"context"
	"errors"

	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/internal/pagination"
	"ciphertalk/backend/pkg/apperr"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxGroupSize caps group membership, owner included.
const MaxGroupSize = 100

// ConversationService manages direct-conversation materialization, group
// lifecycle and the enriched conversation listing.
type ConversationService struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewConversationService(db *gorm.DB, log zerolog.Logger) *ConversationService {
	return &ConversationService{db: db, log: log.With().Str("component", "conversation").Logger()}
}

// ConversationSummary is one row of the conversation listing, enriched with
// the most recent message and the caller's unread count.
type ConversationSummary struct {
	Conversation models.Conversation `json:"conversation"`
	LastMessage  *models.Message     `json:"last_message,omitempty"`
	UnreadCount  int64               `json:"unread_count"`
}

// ConversationPage is a keyset page of summaries.
type ConversationPage struct {
	Conversations []ConversationSummary `json:"conversations"`
	NextCursor    string                `json:"next_cursor,omitempty"`
}

// getOrCreateDirectTx finds or creates the canonical DIRECT conversation for
// a user pair, plus both participant rows. The bool reports whether the row
// was created. A losing racer re-fetches the winner's row and succeeds.
func getOrCreateDirectTx(tx *gorm.DB, userA, userB string) (*models.Conversation, bool, error) {
	a, b := models.CanonicalPair(userA, userB)

	var conv models.Conversation
	err := tx.Where("type = ? AND participant_a_id = ? AND participant_b_id = ?", models.ConversationDirect, a, b).
		First(&conv).Error
	if err == nil {
		if err := ensureParticipantsTx(tx, conv.ID, []string{a, b}); err != nil {
			return nil, false, err
		}
		return &conv, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, apperr.Wrap(apperr.KindInternal, "failed to look up conversation", err)
	}

	conv = models.Conversation{
		Type:           models.ConversationDirect,
		ParticipantAID: &a,
		ParticipantBID: &b,
	}
	if err := tx.Create(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var winner models.Conversation
			if err := tx.Where("type = ? AND participant_a_id = ? AND participant_b_id = ?", models.ConversationDirect, a, b).
				First(&winner).Error; err != nil {
				return nil, false, apperr.Wrap(apperr.KindInternal, "failed to re-fetch conversation after race", err)
			}
			if err := ensureParticipantsTx(tx, winner.ID, []string{a, b}); err != nil {
				return nil, false, err
			}
			return &winner, false, nil
		}
		return nil, false, apperr.Wrap(apperr.KindInternal, "failed to create conversation", err)
	}

	if err := ensureParticipantsTx(tx, conv.ID, []string{a, b}); err != nil {
		return nil, false, err
	}
	return &conv, true, nil
}

// ensureParticipantsTx inserts membership rows, ignoring ones that exist.
func ensureParticipantsTx(tx *gorm.DB, conversationID string, userIDs []string) error {
	rows := make([]models.Participant, 0, len(userIDs))
	for _, id := range userIDs {
		rows = append(rows, models.Participant{
			ConversationID: conversationID,
			UserID:         id,
			Role:           models.RoleMember,
		})
	}
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to ensure participants", err)
	}
	return nil
}

// GetOrCreateDirect returns the canonical direct conversation between the
// caller and another user, creating it when absent. Concurrent creation races
// resolve to the winner's row for both callers.
func (s *ConversationService) GetOrCreateDirect(ctx context.Context, userID, otherID string) (*models.Conversation, bool, error) {
	if otherID == "" {
		return nil, false, apperr.InvalidArg("other user id is required")
	}
	if userID == otherID {
		return nil, false, apperr.InvalidArg("cannot start a conversation with yourself")
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", otherID).Count(&count).Error; err != nil {
		return nil, false, apperr.Wrap(apperr.KindInternal, "failed to look up user", err)
	}
	if count == 0 {
		return nil, false, apperr.NotFound("user not found")
	}

	var (
		conv    *models.Conversation
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		conv, created, err = getOrCreateDirectTx(tx, userID, otherID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// Get returns a conversation the caller participates in.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, _, err := s.requireMembership(ctx, conversationID, userID)
	return conv, err
}

func (s *ConversationService) requireMembership(ctx context.Context, conversationID, userID string) (*models.Conversation, *models.Participant, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperr.NotFound("conversation not found")
		}
		return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to load conversation", err)
	}

	var member models.Participant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperr.Forbidden("not a participant of this conversation")
		}
		return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to load membership", err)
	}
	return &conv, &member, nil
}

// List returns a keyset page of the user's conversations, direct and group,
// ordered by (updated_at, id) descending, each enriched with its most recent
// message and the caller's unread count. Aggregates are computed in bulk for
// the page, not per row.
func (s *ConversationService) List(ctx context.Context, userID string, limit int, cursorToken string) (*ConversationPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	cursor := pagination.Decode(cursorToken)
	if cursor.NeedsResolve() {
		// Bare-id cursor from an older client: recover the sort key.
		var ref models.Conversation
		if err := s.db.WithContext(ctx).First(&ref, "id = ?", cursor.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.InvalidArg("cursor references an unknown conversation")
			}
			return nil, apperr.Wrap(apperr.KindInternal, "failed to resolve cursor", err)
		}
		cursor.Timestamp = ref.UpdatedAt
	}

	query := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where(
			"participant_a_id = ? OR participant_b_id = ? OR id IN (?)",
			userID, userID,
			s.db.Model(&models.Participant{}).Select("conversation_id").Where("user_id = ?", userID),
		)
	query = pagination.Apply(query, cursor, "updated_at", "id")

	var convs []models.Conversation
	if err := query.Order("updated_at DESC, id DESC").Limit(limit + 1).Find(&convs).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list conversations", err)
	}

	page := &ConversationPage{}
	hasMore := len(convs) > limit
	if hasMore {
		convs = convs[:limit]
	}
	if len(convs) == 0 {
		return page, nil
	}

	convIDs := make([]string, 0, len(convs))
	lastMessageIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		convIDs = append(convIDs, c.ID)
		if c.LastMessageID != nil {
			lastMessageIDs = append(lastMessageIDs, *c.LastMessageID)
		}
	}

	lastByID := make(map[string]*models.Message, len(lastMessageIDs))
	if len(lastMessageIDs) > 0 {
		var lasts []models.Message
		if err := s.db.WithContext(ctx).Preload("Sender").Where("id IN ?", lastMessageIDs).Find(&lasts).Error; err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to load last messages", err)
		}
		for i := range lasts {
			lastByID[lasts[i].ID] = &lasts[i]
		}
	}

	unread, err := s.bulkUnreadCounts(ctx, convIDs, userID)
	if err != nil {
		return nil, err
	}

	for _, c := range convs {
		summary := ConversationSummary{Conversation: c, UnreadCount: unread[c.ID]}
		if c.LastMessageID != nil {
			summary.LastMessage = lastByID[*c.LastMessageID]
		}
		page.Conversations = append(page.Conversations, summary)
	}

	if hasMore {
		tail := convs[len(convs)-1]
		page.NextCursor = pagination.Encode(pagination.Cursor{ID: tail.ID, Timestamp: tail.UpdatedAt})
	}
	return page, nil
}

// bulkUnreadCounts counts, per conversation, the non-control messages sent by
// others that carry no receipt for the user. One grouped query for the page.
func (s *ConversationService) bulkUnreadCounts(ctx context.Context, conversationIDs []string, userID string) (map[string]int64, error) {
	type row struct {
		ConversationID string
		N              int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Select("conversation_id, COUNT(*) AS n").
		Where("conversation_id IN ?", conversationIDs).
		Where("sender_id <> ?", userID).
		Where("content_type <> ?", models.ContentTypeKeyDistribution).
		Where("NOT EXISTS (SELECT 1 FROM message_receipts r WHERE r.message_id = messages.id AND r.user_id = ?)", userID).
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to compute unread counts", err)
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.ConversationID] = r.N
	}
	return out, nil
}

// CreateGroup creates a GROUP conversation. The owner is force-included as
// ADMIN, ids are deduplicated, membership is capped, and every member must
// already hold an identity key.
func (s *ConversationService) CreateGroup(ctx context.Context, ownerID, title string, participantIDs []string, avatarURL string) (*models.Conversation, error) {
	seen := map[string]bool{ownerID: true}
	members := []string{ownerID}
	for _, id := range participantIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}

	if len(members) < 2 {
		return nil, apperr.InvalidArg("a group needs at least one other participant")
	}
	if len(members) > MaxGroupSize {
		return nil, apperr.InvalidArg("group size limit exceeded")
	}

	var keyCount int64
	if err := s.db.WithContext(ctx).Model(&models.IdentityKey{}).Where("user_id IN ?", members).Count(&keyCount).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to check key material", err)
	}
	if keyCount != int64(len(members)) {
		return nil, apperr.Forbidden("every group member must have completed key setup")
	}

	conv := models.Conversation{
		Type:      models.ConversationGroup,
		Title:     title,
		AvatarURL: avatarURL,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to create group", err)
		}
		rows := make([]models.Participant, 0, len(members))
		for _, id := range members {
			role := models.RoleMember
			if id == ownerID {
				role = models.RoleAdmin
			}
			rows = append(rows, models.Participant{ConversationID: conv.ID, UserID: id, Role: role})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to add group members", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("conversation", conv.ID).Int("members", len(members)).Msg("group created")
	return &conv, nil
}

// AddParticipant adds a user to a group. Admin only; the new member must
// already hold key material.
func (s *ConversationService) AddParticipant(ctx context.Context, conversationID, actorID, newUserID string) error {
	conv, actor, err := s.requireMembership(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if conv.Type != models.ConversationGroup {
		return apperr.InvalidArg("participants can only be managed on group conversations")
	}
	if actor.Role != models.RoleAdmin {
		return apperr.Forbidden("only admins can add participants")
	}

	var memberCount int64
	if err := s.db.WithContext(ctx).Model(&models.Participant{}).Where("conversation_id = ?", conversationID).Count(&memberCount).Error; err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to count members", err)
	}
	if memberCount >= MaxGroupSize {
		return apperr.InvalidArg("group size limit exceeded")
	}

	var keyCount int64
	if err := s.db.WithContext(ctx).Model(&models.IdentityKey{}).Where("user_id = ?", newUserID).Count(&keyCount).Error; err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to check key material", err)
	}
	if keyCount == 0 {
		return apperr.Forbidden("user has not completed key setup")
	}

	row := models.Participant{ConversationID: conversationID, UserID: newUserID, Role: models.RoleMember}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to add participant", err)
	}
	return nil
}

// RemoveParticipant removes a member. Admins can remove anyone; a member can
// remove only themselves. When the last participant leaves, the conversation
// is deleted.
func (s *ConversationService) RemoveParticipant(ctx context.Context, conversationID, actorID, targetID string) error {
	conv, actor, err := s.requireMembership(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if conv.Type != models.ConversationGroup {
		return apperr.InvalidArg("participants can only be managed on group conversations")
	}
	if actorID != targetID && actor.Role != models.RoleAdmin {
		return apperr.Forbidden("only admins can remove other participants")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("conversation_id = ? AND user_id = ?", conversationID, targetID).Delete(&models.Participant{})
		if res.Error != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to remove participant", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("participant not found")
		}

		var remaining int64
		if err := tx.Model(&models.Participant{}).Where("conversation_id = ?", conversationID).Count(&remaining).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to count members", err)
		}
		if remaining == 0 {
			if err := tx.Delete(&models.Conversation{}, "id = ?", conversationID).Error; err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to delete empty conversation", err)
			}
		}
		return nil
	})
}

// ListParticipants returns the membership of a conversation the caller is in.
func (s *ConversationService) ListParticipants(ctx context.Context, conversationID, userID string) ([]models.Participant, error) {
	if _, _, err := s.requireMembership(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	var rows []models.Participant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Preload("User").
		Order("joined_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list participants", err)
	}
	return rows, nil
}

// ParticipantIDs returns the member ids of a conversation without an access
// check; callers gate access themselves.
func (s *ConversationService) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("conversation_id = ?", conversationID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list participant ids", err)
	}
	return ids, nil
}
