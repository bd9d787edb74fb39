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

func TestIssueAndVerify(t *testing.T) {
	db := newTestDB(t)
	svc := NewTokenService(db, time.Hour, nopLogger())
	ctx := context.Background()

	alice := seedUser(t, db, "alice")

	plaintext, record, err := svc.Issue(ctx, alice.ID, "device-1", "test-agent")
	require.NoError(t, err)
	assert.NotEmpty(t, plaintext)
	assert.NotEqual(t, plaintext, record.TokenHash)

	verified, err := svc.Verify(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, verified.UserID)

	_, err = svc.Verify(ctx, "never-issued")
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestRotateChainsTokens(t *testing.T) {
	db := newTestDB(t)
	svc := NewTokenService(db, time.Hour, nopLogger())
	ctx := context.Background()

	alice := seedUser(t, db, "alice")

	first, firstRecord, err := svc.Issue(ctx, alice.ID, "device-1", "")
	require.NoError(t, err)

	second, _, err := svc.Rotate(ctx, first)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// The old token is revoked and linked to its replacement.
	var old models.RefreshToken
	require.NoError(t, db.First(&old, "id = ?", firstRecord.ID).Error)
	assert.True(t, old.Revoked)
	require.NotNil(t, old.ReplacedByID)

	// The new token verifies; the old one does not.
	_, err = svc.Verify(ctx, second)
	require.NoError(t, err)
	_, err = svc.Verify(ctx, first)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestRotateReuseRevokesEverything(t *testing.T) {
	db := newTestDB(t)
	svc := NewTokenService(db, time.Hour, nopLogger())
	ctx := context.Background()

	alice := seedUser(t, db, "alice")

	first, _, err := svc.Issue(ctx, alice.ID, "device-1", "")
	require.NoError(t, err)
	otherDevice, _, err := svc.Issue(ctx, alice.ID, "device-2", "")
	require.NoError(t, err)

	second, _, err := svc.Rotate(ctx, first)
	require.NoError(t, err)

	// Presenting the already-rotated token marks the account compromised.
	_, _, err = svc.Rotate(ctx, first)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	// Every session of the user is dead, including unrelated devices.
	_, err = svc.Verify(ctx, second)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
	_, err = svc.Verify(ctx, otherDevice)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestRotateExpiredToken(t *testing.T) {
	db := newTestDB(t)
	svc := NewTokenService(db, -time.Minute, nopLogger())
	ctx := context.Background()

	alice := seedUser(t, db, "alice")

	plaintext, _, err := svc.Issue(ctx, alice.ID, "", "")
	require.NoError(t, err)

	_, _, err = svc.Rotate(ctx, plaintext)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestRevokeAndPrune(t *testing.T) {
	db := newTestDB(t)
	svc := NewTokenService(db, -time.Minute, nopLogger())
	ctx := context.Background()

	alice := seedUser(t, db, "alice")

	plaintext, _, err := svc.Issue(ctx, alice.ID, "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, plaintext))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(svc.Revoke(ctx, "never-issued")))

	pruned, err := svc.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}
