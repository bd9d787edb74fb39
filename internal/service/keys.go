package service

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/pkg/apperr"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KeyService stores per-user key material for the encryption handshake and
// serves pre-key bundles. One-time pre-keys are a single-use pool consumed
// oldest first.
type KeyService struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewKeyService(db *gorm.DB, log zerolog.Logger) *KeyService {
	return &KeyService{db: db, log: log.With().Str("component", "keys").Logger()}
}

// SignedPreKeyUpload and OneTimePreKeyUpload carry base64-encoded key material.
type SignedPreKeyUpload struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type OneTimePreKeyUpload struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey string `json:"public_key"`
}

// UploadKeysInput is the full key-setup payload. IdentityKey fields are
// required on first upload; later calls may rotate the signed pre-key or top
// up one-time pre-keys only.
type UploadKeysInput struct {
	SigningPublicKey    string                `json:"signing_public_key"`
	EncryptionPublicKey string                `json:"encryption_public_key"`
	SignedPreKey        *SignedPreKeyUpload   `json:"signed_pre_key"`
	OneTimePreKeys      []OneTimePreKeyUpload `json:"one_time_pre_keys"`
}

func decodeKey(b64 string, expectedLen int) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(data) != expectedLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", expectedLen, len(data))
	}
	return data, nil
}

// UploadKeys validates and stores key material. Malformed material is a
// security violation, not a plain validation error: encryption is mandatory
// for anything that claims to be key material.
func (s *KeyService) UploadKeys(ctx context.Context, userID string, in UploadKeysInput) error {
	var identity *models.IdentityKey
	if in.SigningPublicKey != "" || in.EncryptionPublicKey != "" {
		signingPub, err := decodeKey(in.SigningPublicKey, ed25519.PublicKeySize)
		if err != nil {
			return apperr.SecurityViolation("invalid signing public key")
		}
		encryptionPub, err := decodeKey(in.EncryptionPublicKey, 32)
		if err != nil {
			return apperr.SecurityViolation("invalid encryption public key")
		}
		identity = &models.IdentityKey{
			UserID:              userID,
			SigningPublicKey:    signingPub,
			EncryptionPublicKey: encryptionPub,
		}
	}

	var signed *models.SignedPreKey
	if in.SignedPreKey != nil {
		pub, err := decodeKey(in.SignedPreKey.PublicKey, 32)
		if err != nil {
			return apperr.SecurityViolation("invalid signed pre-key")
		}
		sig, err := base64.StdEncoding.DecodeString(in.SignedPreKey.Signature)
		if err != nil || len(sig) != ed25519.SignatureSize {
			return apperr.SecurityViolation("invalid signed pre-key signature")
		}

		signingPub, err := s.signingKeyFor(ctx, userID, identity)
		if err != nil {
			return err
		}
		if !ed25519.Verify(signingPub, pub, sig) {
			return apperr.SecurityViolation("signed pre-key signature does not verify")
		}

		signed = &models.SignedPreKey{
			UserID:    userID,
			KeyID:     in.SignedPreKey.KeyID,
			PublicKey: pub,
			Signature: sig,
		}
	}

	otpks := make([]models.OneTimePreKey, 0, len(in.OneTimePreKeys))
	seen := make(map[uint32]bool, len(in.OneTimePreKeys))
	for _, k := range in.OneTimePreKeys {
		if seen[k.KeyID] {
			return apperr.InvalidArg("duplicate one-time pre-key id")
		}
		seen[k.KeyID] = true

		pub, err := decodeKey(k.PublicKey, 32)
		if err != nil {
			return apperr.SecurityViolation("invalid one-time pre-key")
		}
		otpks = append(otpks, models.OneTimePreKey{UserID: userID, KeyID: k.KeyID, PublicKey: pub})
	}

	if identity == nil && signed == nil && len(otpks) == 0 {
		return apperr.InvalidArg("no key material supplied")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if identity != nil {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"signing_public_key", "encryption_public_key"}),
			}).Create(identity).Error
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to save identity key", err)
			}
		}
		if signed != nil {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"key_id", "public_key", "signature"}),
			}).Create(signed).Error
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to save signed pre-key", err)
			}
		}
		if len(otpks) > 0 {
			if err := tx.Create(&otpks).Error; err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to save one-time pre-keys", err)
			}
		}
		return nil
	})
}

func (s *KeyService) signingKeyFor(ctx context.Context, userID string, pending *models.IdentityKey) (ed25519.PublicKey, error) {
	if pending != nil {
		return pending.SigningPublicKey, nil
	}
	var ik models.IdentityKey
	if err := s.db.WithContext(ctx).First(&ik, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Forbidden("identity key not registered")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load identity key", err)
	}
	return ik.SigningPublicKey, nil
}

// GetBundle assembles a pre-key bundle for the target user, consuming
// (deleting) the oldest one-time pre-key in the same transaction. When the
// pool is exhausted the bundle's one-time fields are nil.
func (s *KeyService) GetBundle(ctx context.Context, targetUserID string) (*models.PreKeyBundle, error) {
	var bundle models.PreKeyBundle

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ik models.IdentityKey
		if err := tx.First(&ik, "user_id = ?", targetUserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("user has no registered keys")
			}
			return apperr.Wrap(apperr.KindInternal, "failed to load identity key", err)
		}

		var spk models.SignedPreKey
		if err := tx.First(&spk, "user_id = ?", targetUserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("user has no signed pre-key")
			}
			return apperr.Wrap(apperr.KindInternal, "failed to load signed pre-key", err)
		}

		bundle = models.PreKeyBundle{
			UserID:                targetUserID,
			IdentityKey:           ik.EncryptionPublicKey,
			SignedPreKeyID:        spk.KeyID,
			SignedPreKey:          spk.PublicKey,
			SignedPreKeySignature: spk.Signature,
		}

		// Claim the oldest one-time key compare-and-swap style: select, then
		// delete by primary key. A zero-row delete means a concurrent fetch
		// consumed it first, so move on to the next oldest.
		for {
			var otpk models.OneTimePreKey
			err := tx.Where("user_id = ?", targetUserID).Order("id ASC").First(&otpk).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Pool exhausted; the bundle still works without a one-time key.
				return nil
			}
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to claim one-time pre-key", err)
			}

			res := tx.Delete(&models.OneTimePreKey{}, "id = ?", otpk.ID)
			if res.Error != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to consume one-time pre-key", res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}

			keyID := otpk.KeyID
			bundle.OneTimePreKeyID = &keyID
			bundle.OneTimePreKey = otpk.PublicKey
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

// HasIdentityKey reports whether the user completed key setup.
func (s *KeyService) HasIdentityKey(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.IdentityKey{}).Where("user_id = ?", userID).Count(&count).Error
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "failed to check identity key", err)
	}
	return count > 0, nil
}

// CountOneTimePreKeys lets clients decide when to top up the pool.
func (s *KeyService) CountOneTimePreKeys(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.OneTimePreKey{}).Where("user_id = ?", userID).Count(&count).Error
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "failed to count one-time pre-keys", err)
	}
	return count, nil
}
