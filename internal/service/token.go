package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/pkg/apperr"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// TokenService issues and rotates refresh tokens. Each rotation links the old
// token to its replacement; presenting a token that was already rotated or
// revoked is treated as a reuse compromise and revokes every token the user
// holds.
type TokenService struct {
	db  *gorm.DB
	ttl time.Duration
	log zerolog.Logger
}

func NewTokenService(db *gorm.DB, ttl time.Duration, log zerolog.Logger) *TokenService {
	return &TokenService{db: db, ttl: ttl, log: log.With().Str("component", "token").Logger()}
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Issue creates a fresh refresh token and returns its plaintext. Only the
// hash is stored.
func (s *TokenService) Issue(ctx context.Context, userID, deviceID, userAgent string) (string, *models.RefreshToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, apperr.Wrap(apperr.KindInternal, "failed to generate token", err)
	}
	plaintext := base64.RawURLEncoding.EncodeToString(raw)

	token := models.RefreshToken{
		UserID:    userID,
		TokenHash: hashToken(plaintext),
		ExpiresAt: time.Now().Add(s.ttl),
		DeviceID:  deviceID,
		UserAgent: userAgent,
	}
	if err := s.db.WithContext(ctx).Create(&token).Error; err != nil {
		return "", nil, apperr.Wrap(apperr.KindInternal, "failed to store refresh token", err)
	}
	return plaintext, &token, nil
}

// Rotate exchanges a refresh token for a new one. The old token is revoked
// with an update conditional on it being unrevoked and unreplaced; when that
// update hits zero rows a concurrent rotation already spent the token, so the
// replacement is rolled back and every token of the user is revoked.
func (s *TokenService) Rotate(ctx context.Context, plaintext string) (string, *models.RefreshToken, error) {
	var old models.RefreshToken
	err := s.db.WithContext(ctx).Where("token_hash = ?", hashToken(plaintext)).First(&old).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, apperr.Unauthorized("unknown refresh token")
		}
		return "", nil, apperr.Wrap(apperr.KindInternal, "failed to look up refresh token", err)
	}

	if time.Now().After(old.ExpiresAt) {
		return "", nil, apperr.Unauthorized("refresh token expired")
	}
	if old.Revoked || old.ReplacedByID != nil {
		// Token was already spent: reuse means the chain is compromised.
		s.compromise(ctx, old.UserID)
		return "", nil, apperr.Unauthorized("refresh token reuse detected")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, apperr.Wrap(apperr.KindInternal, "failed to generate token", err)
	}
	newPlaintext := base64.RawURLEncoding.EncodeToString(raw)

	replacement := models.RefreshToken{
		UserID:    old.UserID,
		TokenHash: hashToken(newPlaintext),
		ExpiresAt: time.Now().Add(s.ttl),
		DeviceID:  old.DeviceID,
		UserAgent: old.UserAgent,
	}

	var lost bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&replacement).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to store replacement token", err)
		}

		res := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND revoked = ? AND replaced_by_id IS NULL", old.ID, false).
			Updates(map[string]interface{}{
				"revoked":        true,
				"replaced_by_id": replacement.ID,
			})
		if res.Error != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to revoke rotated token", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the rotation race; abort so the replacement is discarded.
			lost = true
			return apperr.Unauthorized("refresh token reuse detected")
		}
		return nil
	})
	if err != nil {
		if lost {
			s.compromise(ctx, old.UserID)
		}
		return "", nil, err
	}

	return newPlaintext, &replacement, nil
}

// compromise revokes every refresh token of a user in response to detected
// token reuse.
func (s *TokenService) compromise(ctx context.Context, userID string) {
	err := s.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("user_id = ?", userID).
		Update("revoked", true).Error
	if err != nil {
		s.log.Error().Err(err).Str("user", userID).Msg("failed to revoke tokens after reuse detection")
		return
	}
	s.log.Warn().Str("user", userID).Msg("refresh token reuse detected, all sessions revoked")
}

// Verify resolves a refresh token to its owning user without rotating it.
func (s *TokenService) Verify(ctx context.Context, plaintext string) (*models.RefreshToken, error) {
	var token models.RefreshToken
	err := s.db.WithContext(ctx).Where("token_hash = ?", hashToken(plaintext)).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Unauthorized("unknown refresh token")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to look up refresh token", err)
	}
	if token.Revoked || time.Now().After(token.ExpiresAt) {
		return nil, apperr.Unauthorized("refresh token is no longer valid")
	}
	return &token, nil
}

// Revoke invalidates a single token, e.g. on logout.
func (s *TokenService) Revoke(ctx context.Context, plaintext string) error {
	res := s.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("token_hash = ?", hashToken(plaintext)).
		Update("revoked", true)
	if res.Error != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to revoke token", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("refresh token not found")
	}
	return nil
}

// Prune removes expired tokens. Meant for a periodic background sweep.
func (s *TokenService) Prune(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&models.RefreshToken{})
	if res.Error != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "failed to prune tokens", res.Error)
	}
	return res.RowsAffected, nil
}
