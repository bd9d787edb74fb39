package service

import (
	"context"
	"fmt"
	"testing"

	"ciphertalk/backend/internal/database"
	"ciphertalk/backend/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestDB opens an isolated in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// A pooled second connection would see a different :memory: database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func seedUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	user := &models.User{
		Email:        username + "@example.com",
		Username:     username,
		DisplayName:  username,
		PasswordHash: "x",
		FriendCode:   fmt.Sprintf("%s#0001", username),
		Status:       models.PresenceOffline,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

// seedDirectConversation creates an accepted friendship and its materialized
// direct conversation between two users.
func seedDirectConversation(t *testing.T, db *gorm.DB, a, b *models.User) *models.Conversation {
	t.Helper()

	friendships := NewFriendshipService(db, nopLogger())
	f, _, err := friendships.AddFriend(context.Background(), a.ID, b.FriendCode)
	require.NoError(t, err)

	res, err := friendships.Accept(context.Background(), f.ID, b.ID)
	require.NoError(t, err)
	return res.Conversation
}

func unreadCountOf(t *testing.T, db *gorm.DB, conversationID, userID string) int {
	t.Helper()
	var p models.Participant
	require.NoError(t, db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).First(&p).Error)
	return p.UnreadCount
}
