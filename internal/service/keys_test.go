package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"ciphertalk/backend/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keyFixture bundles a user's generated key material for upload tests.
type keyFixture struct {
	signingPriv ed25519.PrivateKey
	input       UploadKeysInput
}

func newKeyFixture(t *testing.T, otpkCount int) keyFixture {
	t.Helper()

	signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	encryptionPub := make([]byte, 32)
	_, err = rand.Read(encryptionPub)
	require.NoError(t, err)

	signedPreKey := make([]byte, 32)
	_, err = rand.Read(signedPreKey)
	require.NoError(t, err)
	signature := ed25519.Sign(signingPriv, signedPreKey)

	input := UploadKeysInput{
		SigningPublicKey:    base64.StdEncoding.EncodeToString(signingPub),
		EncryptionPublicKey: base64.StdEncoding.EncodeToString(encryptionPub),
		SignedPreKey: &SignedPreKeyUpload{
			KeyID:     1,
			PublicKey: base64.StdEncoding.EncodeToString(signedPreKey),
			Signature: base64.StdEncoding.EncodeToString(signature),
		},
	}
	for i := 0; i < otpkCount; i++ {
		otpk := make([]byte, 32)
		_, err = rand.Read(otpk)
		require.NoError(t, err)
		input.OneTimePreKeys = append(input.OneTimePreKeys, OneTimePreKeyUpload{
			KeyID:     uint32(i + 1),
			PublicKey: base64.StdEncoding.EncodeToString(otpk),
		})
	}

	return keyFixture{signingPriv: signingPriv, input: input}
}

func TestUploadKeysAndBundleConsumption(t *testing.T) {
	db := newTestDB(t)
	svc := NewKeyService(db, nopLogger())
	ctx := context.Background()

	bob := seedUser(t, db, "bob")
	fix := newKeyFixture(t, 2)
	require.NoError(t, svc.UploadKeys(ctx, bob.ID, fix.input))

	count, err := svc.CountOneTimePreKeys(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Bundles consume one-time keys oldest first.
	first, err := svc.GetBundle(ctx, bob.ID)
	require.NoError(t, err)
	require.NotNil(t, first.OneTimePreKeyID)
	assert.Equal(t, uint32(1), *first.OneTimePreKeyID)

	second, err := svc.GetBundle(ctx, bob.ID)
	require.NoError(t, err)
	require.NotNil(t, second.OneTimePreKeyID)
	assert.Equal(t, uint32(2), *second.OneTimePreKeyID)

	// An exhausted pool still yields a usable bundle.
	third, err := svc.GetBundle(ctx, bob.ID)
	require.NoError(t, err)
	assert.Nil(t, third.OneTimePreKeyID)
	assert.Nil(t, third.OneTimePreKey)
	assert.NotEmpty(t, third.IdentityKey)
	assert.NotEmpty(t, third.SignedPreKey)

	count, err = svc.CountOneTimePreKeys(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestUploadKeysRejectsBadSignature(t *testing.T) {
	db := newTestDB(t)
	svc := NewKeyService(db, nopLogger())
	ctx := context.Background()

	bob := seedUser(t, db, "bob")
	fix := newKeyFixture(t, 0)

	// A signature from a different signing key must not verify.
	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub, err := base64.StdEncoding.DecodeString(fix.input.SignedPreKey.PublicKey)
	require.NoError(t, err)
	fix.input.SignedPreKey.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(wrongPriv, pub))

	err = svc.UploadKeys(ctx, bob.ID, fix.input)
	assert.Equal(t, apperr.KindSecurityViolation, apperr.KindOf(err))
}

func TestUploadKeysValidation(t *testing.T) {
	db := newTestDB(t)
	svc := NewKeyService(db, nopLogger())
	ctx := context.Background()

	bob := seedUser(t, db, "bob")

	// Empty payload.
	err := svc.UploadKeys(ctx, bob.ID, UploadKeysInput{})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	// Wrong key length.
	fix := newKeyFixture(t, 0)
	fix.input.EncryptionPublicKey = base64.StdEncoding.EncodeToString(make([]byte, 16))
	err = svc.UploadKeys(ctx, bob.ID, fix.input)
	assert.Equal(t, apperr.KindSecurityViolation, apperr.KindOf(err))

	// One-time keys without a registered identity are fine; duplicates are not.
	fix = newKeyFixture(t, 2)
	require.NoError(t, svc.UploadKeys(ctx, bob.ID, fix.input))
	topUp := UploadKeysInput{OneTimePreKeys: []OneTimePreKeyUpload{
		{KeyID: 7, PublicKey: fix.input.OneTimePreKeys[0].PublicKey},
		{KeyID: 7, PublicKey: fix.input.OneTimePreKeys[1].PublicKey},
	}}
	err = svc.UploadKeys(ctx, bob.ID, topUp)
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestSignedPreKeyRotationNeedsStoredIdentity(t *testing.T) {
	db := newTestDB(t)
	svc := NewKeyService(db, nopLogger())
	ctx := context.Background()

	bob := seedUser(t, db, "bob")
	fix := newKeyFixture(t, 0)

	// Rotating a signed pre-key before any identity upload is forbidden.
	rotation := UploadKeysInput{SignedPreKey: fix.input.SignedPreKey}
	err := svc.UploadKeys(ctx, bob.ID, rotation)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	require.NoError(t, svc.UploadKeys(ctx, bob.ID, fix.input))

	// After the identity is stored, a rotation signed by it verifies.
	newPreKey := make([]byte, 32)
	_, err = rand.Read(newPreKey)
	require.NoError(t, err)
	rotation = UploadKeysInput{SignedPreKey: &SignedPreKeyUpload{
		KeyID:     2,
		PublicKey: base64.StdEncoding.EncodeToString(newPreKey),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(fix.signingPriv, newPreKey)),
	}}
	require.NoError(t, svc.UploadKeys(ctx, bob.ID, rotation))

	bundle, err := svc.GetBundle(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), bundle.SignedPreKeyID)
}

func TestGetBundleWithoutKeys(t *testing.T) {
	db := newTestDB(t)
	svc := NewKeyService(db, nopLogger())

	stranger := seedUser(t, db, "stranger")
	_, err := svc.GetBundle(context.Background(), stranger.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
