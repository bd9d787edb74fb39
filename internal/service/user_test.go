package service

import (
	"context"
	"testing"
	"time"

	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsFriendCode(t *testing.T) {
	db := newTestDB(t)
	svc := NewUserService(db, nopLogger())
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice@example.com", "alice", "Alice", "hash")
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Regexp(t, `^alice#\d{4}$`, user.FriendCode)
	assert.Equal(t, models.PresenceOffline, user.Status)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	db := newTestDB(t)
	svc := NewUserService(db, nopLogger())
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "alice", "Alice", "hash")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "alice@example.com", "other", "Other", "hash")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = svc.Register(ctx, "other@example.com", "alice", "Other", "hash")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestGetByLogin(t *testing.T) {
	db := newTestDB(t)
	svc := NewUserService(db, nopLogger())
	ctx := context.Background()

	seedUser(t, db, "alice")

	byUsername, err := svc.GetByLogin(ctx, "alice")
	require.NoError(t, err)
	byEmail, err := svc.GetByLogin(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, byUsername.ID, byEmail.ID)

	_, err = svc.GetByLogin(ctx, "nobody")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSetPresenceTouchesLastSeenOnlyOffline(t *testing.T) {
	db := newTestDB(t)
	svc := NewUserService(db, nopLogger())
	ctx := context.Background()

	alice := seedUser(t, db, "alice")

	_, err := svc.SetPresence(ctx, alice.ID, models.PresenceOnline)
	require.NoError(t, err)
	var online models.User
	require.NoError(t, db.First(&online, "id = ?", alice.ID).Error)
	assert.Equal(t, models.PresenceOnline, online.Status)
	assert.Nil(t, online.LastSeen)

	at, err := svc.SetPresence(ctx, alice.ID, models.PresenceOffline)
	require.NoError(t, err)
	var offline models.User
	require.NoError(t, db.First(&offline, "id = ?", alice.ID).Error)
	assert.Equal(t, models.PresenceOffline, offline.Status)
	require.NotNil(t, offline.LastSeen)
	assert.WithinDuration(t, at, *offline.LastSeen, time.Second)
}

func TestSearchMatchesPrefixes(t *testing.T) {
	db := newTestDB(t)
	svc := NewUserService(db, nopLogger())
	ctx := context.Background()

	seedUser(t, db, "alice")
	seedUser(t, db, "alina")
	seedUser(t, db, "bob")

	users, err := svc.Search(ctx, "ali", 10)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	users, err = svc.Search(ctx, "zzz", 10)
	require.NoError(t, err)
	assert.Empty(t, users)
}
