package service

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newMessageService(db *gorm.DB) *MessageService {
	return NewMessageService(db, NewFriendshipService(db, nopLogger()), nopLogger())
}

func TestSendIncrementsRecipientUnread(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	conv := seedDirectConversation(t, db, alice, bob)

	for i := 0; i < 3; i++ {
		res, err := svc.Send(ctx, SendMessageInput{
			SenderID:       bob.ID,
			ConversationID: conv.ID,
			Content:        "hello",
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, res.RecipientUnread[alice.ID])
	}

	assert.Equal(t, 3, unreadCountOf(t, db, conv.ID, alice.ID))
	assert.Equal(t, 0, unreadCountOf(t, db, conv.ID, bob.ID))

	var reloaded models.Conversation
	require.NoError(t, db.First(&reloaded, "id = ?", conv.ID).Error)
	require.NotNil(t, reloaded.LastMessageID)
}

func TestSendValidation(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	conv := seedDirectConversation(t, db, alice, bob)

	// Neither content nor attachment.
	_, err := svc.Send(ctx, SendMessageInput{SenderID: alice.ID, ConversationID: conv.ID})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	// Both content and attachment.
	_, err = svc.Send(ctx, SendMessageInput{
		SenderID: alice.ID, ConversationID: conv.ID,
		Content: "hi", AttachmentURL: "https://cdn/x.png",
	})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	// Ciphertext that is not base64.
	_, err = svc.Send(ctx, SendMessageInput{
		SenderID: alice.ID, ConversationID: conv.ID,
		Content: "not base64!!!", ContentType: models.ContentTypeEncrypted,
	})
	assert.Equal(t, apperr.KindSecurityViolation, apperr.KindOf(err))

	// Non-member.
	carol := seedUser(t, db, "carol")
	_, err = svc.Send(ctx, SendMessageInput{SenderID: carol.ID, ConversationID: conv.ID, Content: "hi"})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	// Unknown conversation.
	_, err = svc.Send(ctx, SendMessageInput{SenderID: alice.ID, ConversationID: "missing", Content: "hi"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSendBlockedInDirectConversation(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	conv := seedDirectConversation(t, db, alice, bob)

	friendships := NewFriendshipService(db, nopLogger())
	require.NoError(t, friendships.Block(ctx, alice.ID, bob.ID))

	// The block cuts messaging in both directions.
	_, err := svc.Send(ctx, SendMessageInput{SenderID: bob.ID, ConversationID: conv.ID, Content: "hi"})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = svc.Send(ctx, SendMessageInput{SenderID: alice.ID, ConversationID: conv.ID, Content: "hi"})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestReplyMustStayInConversation(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	carol := seedUser(t, db, "carol")
	conv1 := seedDirectConversation(t, db, alice, bob)
	conv2 := seedDirectConversation(t, db, alice, carol)

	first, err := svc.Send(ctx, SendMessageInput{SenderID: alice.ID, ConversationID: conv1.ID, Content: "hi"})
	require.NoError(t, err)

	_, err = svc.Send(ctx, SendMessageInput{
		SenderID: alice.ID, ConversationID: conv2.ID,
		Content: "cross-reply", ReplyToID: first.Message.ID,
	})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	res, err := svc.Send(ctx, SendMessageInput{
		SenderID: bob.ID, ConversationID: conv1.ID,
		Content: "reply", ReplyToID: first.Message.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Message.ReplyTo)
	assert.Equal(t, first.Message.ID, res.Message.ReplyTo.ID)
}

func TestControlMessagesAreInvisibleToAggregates(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	conv := seedDirectConversation(t, db, alice, bob)

	normal, err := svc.Send(ctx, SendMessageInput{SenderID: bob.ID, ConversationID: conv.ID, Content: "visible"})
	require.NoError(t, err)

	payload := base64.StdEncoding.EncodeToString([]byte("key material"))
	_, err = svc.Send(ctx, SendMessageInput{
		SenderID:       bob.ID,
		ConversationID: conv.ID,
		Content:        payload,
		ContentType:    models.ContentTypeKeyDistribution,
	})
	require.NoError(t, err)

	// The control message neither counts as unread nor advances the pointer.
	assert.Equal(t, 1, unreadCountOf(t, db, conv.ID, alice.ID))
	var reloaded models.Conversation
	require.NoError(t, db.First(&reloaded, "id = ?", conv.ID).Error)
	require.NotNil(t, reloaded.LastMessageID)
	assert.Equal(t, normal.Message.ID, *reloaded.LastMessageID)

	// But it is still delivered through the history listing.
	page, err := svc.List(ctx, conv.ID, alice.ID, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)
}

func TestMarkReadIsIdempotentAndClamped(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	conv := seedDirectConversation(t, db, alice, bob)

	var last *models.Message
	for i := 0; i < 3; i++ {
		res, err := svc.Send(ctx, SendMessageInput{SenderID: bob.ID, ConversationID: conv.ID, Content: "msg"})
		require.NoError(t, err)
		last = res.Message
	}

	res, err := svc.MarkRead(ctx, alice.ID, conv.ID, last.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Marked)
	assert.Equal(t, 0, res.NewUnreadCount)

	// Re-marking the same boundary marks nothing and stays at zero.
	res, err = svc.MarkRead(ctx, alice.ID, conv.ID, last.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Marked)
	assert.Equal(t, 0, res.NewUnreadCount)

	// Readers never mark their own messages; the sender's count stays zero.
	res, err = svc.MarkRead(ctx, bob.ID, conv.ID, last.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Marked)
}

func TestMarkReadBoundaryChecks(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	carol := seedUser(t, db, "carol")
	conv := seedDirectConversation(t, db, alice, bob)
	other := seedDirectConversation(t, db, alice, carol)

	res, err := svc.Send(ctx, SendMessageInput{SenderID: carol.ID, ConversationID: other.ID, Content: "elsewhere"})
	require.NoError(t, err)

	_, err = svc.MarkRead(ctx, alice.ID, conv.ID, res.Message.ID)
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	_, err = svc.MarkRead(ctx, carol.ID, conv.ID, "")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestPartialMarkRead(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	conv := seedDirectConversation(t, db, alice, bob)

	var msgs []*models.Message
	for i := 0; i < 4; i++ {
		res, err := svc.Send(ctx, SendMessageInput{SenderID: bob.ID, ConversationID: conv.ID, Content: "msg"})
		require.NoError(t, err)
		msgs = append(msgs, res.Message)
	}

	// Reading up to the second message leaves the newer two unread.
	res, err := svc.MarkRead(ctx, alice.ID, conv.ID, msgs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Marked)
	assert.Equal(t, 2, res.NewUnreadCount)
}

func TestEditMessage(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	conv := seedDirectConversation(t, db, alice, bob)

	sent, err := svc.Send(ctx, SendMessageInput{SenderID: alice.ID, ConversationID: conv.ID, Content: "first"})
	require.NoError(t, err)

	_, err = svc.Edit(ctx, sent.Message.ID, bob.ID, "hijack")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = svc.Edit(ctx, sent.Message.ID, alice.ID, "")
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	res, err := svc.Edit(ctx, sent.Message.ID, alice.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, "second", res.Message.Content)
	assert.NotNil(t, res.Message.EditedAt)

	// Editing does not disturb the recipient's unread count.
	assert.Equal(t, 1, unreadCountOf(t, db, conv.ID, bob.ID))
}

func TestDeleteAdjustsUnreadAndRepairsPointer(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	conv := seedDirectConversation(t, db, alice, bob)

	first, err := svc.Send(ctx, SendMessageInput{SenderID: bob.ID, ConversationID: conv.ID, Content: "one"})
	require.NoError(t, err)
	second, err := svc.Send(ctx, SendMessageInput{SenderID: bob.ID, ConversationID: conv.ID, Content: "two"})
	require.NoError(t, err)

	_, err = svc.Delete(ctx, second.Message.ID, alice.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = svc.Delete(ctx, second.Message.ID, bob.ID)
	require.NoError(t, err)

	// Alice never read it, so her count drops with it.
	assert.Equal(t, 1, unreadCountOf(t, db, conv.ID, alice.ID))

	var reloaded models.Conversation
	require.NoError(t, db.First(&reloaded, "id = ?", conv.ID).Error)
	require.NotNil(t, reloaded.LastMessageID)
	assert.Equal(t, first.Message.ID, *reloaded.LastMessageID)

	// Deleting the last remaining message clears the pointer.
	_, err = svc.Delete(ctx, first.Message.ID, bob.ID)
	require.NoError(t, err)
	require.NoError(t, db.First(&reloaded, "id = ?", conv.ID).Error)
	assert.Nil(t, reloaded.LastMessageID)
	assert.Equal(t, 0, unreadCountOf(t, db, conv.ID, alice.ID))
}

func TestDeleteReadMessageKeepsUnreadCount(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	conv := seedDirectConversation(t, db, alice, bob)

	first, err := svc.Send(ctx, SendMessageInput{SenderID: bob.ID, ConversationID: conv.ID, Content: "one"})
	require.NoError(t, err)
	_, err = svc.Send(ctx, SendMessageInput{SenderID: bob.ID, ConversationID: conv.ID, Content: "two"})
	require.NoError(t, err)

	// Alice reads only the first message, then Bob deletes it.
	_, err = svc.MarkRead(ctx, alice.ID, conv.ID, first.Message.ID)
	require.NoError(t, err)
	_, err = svc.Delete(ctx, first.Message.ID, bob.ID)
	require.NoError(t, err)

	// The second message is still unread.
	assert.Equal(t, 1, unreadCountOf(t, db, conv.ID, alice.ID))
}

func TestListMessagesPaginatesWithoutGapsOrDuplicates(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	conv := seedDirectConversation(t, db, alice, bob)

	sent := make(map[string]bool)
	for i := 0; i < 7; i++ {
		res, err := svc.Send(ctx, SendMessageInput{SenderID: bob.ID, ConversationID: conv.ID, Content: "msg"})
		require.NoError(t, err)
		sent[res.Message.ID] = true
	}

	collected := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		page, err := svc.List(ctx, conv.ID, alice.ID, 3, cursor)
		require.NoError(t, err)
		for _, m := range page.Messages {
			assert.False(t, collected[m.ID], "message %s returned twice", m.ID)
			collected[m.ID] = true
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, sent, collected)
	assert.Equal(t, 3, pages)
}

func TestListMessagesPageBoundaryInsideOneMillisecond(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	conv := seedDirectConversation(t, db, alice, bob)

	// Two messages 500µs apart, sharing the same millisecond.
	base := time.Date(2025, 6, 1, 12, 0, 0, 1_000_000, time.UTC)
	sent := make(map[string]bool)
	for i := 0; i < 2; i++ {
		res, err := svc.Send(ctx, SendMessageInput{SenderID: bob.ID, ConversationID: conv.ID, Content: "msg"})
		require.NoError(t, err)
		sent[res.Message.ID] = true
		require.NoError(t, db.Model(&models.Message{}).
			Where("id = ?", res.Message.ID).
			UpdateColumn("created_at", base.Add(time.Duration(i)*500*time.Microsecond)).Error)
	}

	// Page size one forces the cursor boundary between the two rows.
	collected := make(map[string]bool)
	cursor := ""
	for {
		page, err := svc.List(ctx, conv.ID, alice.ID, 1, cursor)
		require.NoError(t, err)
		for _, m := range page.Messages {
			assert.False(t, collected[m.ID], "message %s returned twice", m.ID)
			collected[m.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, sent, collected)
}

func TestListMessagesCursorValidation(t *testing.T) {
	db := newTestDB(t)
	svc := newMessageService(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	carol := seedUser(t, db, "carol")
	conv := seedDirectConversation(t, db, alice, bob)
	other := seedDirectConversation(t, db, alice, carol)

	res, err := svc.Send(ctx, SendMessageInput{SenderID: carol.ID, ConversationID: other.ID, Content: "elsewhere"})
	require.NoError(t, err)

	// A bare message id from another conversation is rejected.
	_, err = svc.List(ctx, conv.ID, alice.ID, 10, res.Message.ID)
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	// Garbage cursors degrade to the first page.
	page, err := svc.List(ctx, conv.ID, alice.ID, 10, "!!!not-a-cursor!!!")
	require.NoError(t, err)
	assert.Empty(t, page.Messages)

	_, err = svc.List(ctx, conv.ID, carol.ID, 10, "")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}
