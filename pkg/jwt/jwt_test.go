package jwt

import (
	"testing"

	"ciphertalk/backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	config.AppConfig = &config.Config{
		JWTSecret:      "test-secret",
		AccessTokenTTL: 15,
	}
	m.Run()
}

func TestGenerateAndVerify(t *testing.T) {
	token, err := GenerateToken("user-123")
	require.NoError(t, err)

	userID, err := VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", userID)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	token, err := GenerateToken("user-123")
	require.NoError(t, err)

	_, err = VerifyToken(token + "x")
	assert.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("user-123")
	require.NoError(t, err)

	config.AppConfig.JWTSecret = "other-secret"
	defer func() { config.AppConfig.JWTSecret = "test-secret" }()

	_, err = VerifyToken(token)
	assert.Error(t, err)
}
