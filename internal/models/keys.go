package models

import "time"

// IdentityKey is a user's long-term public key material. Its existence marks
// the user as encryption-capable; group membership requires it.
type IdentityKey struct {
	UserID string `gorm:"primaryKey;size:36"`

	// Ed25519, used to sign the signed prekey.
	SigningPublicKey []byte `gorm:"not null"`

	// Curve25519, static key for the X3DH handshake.
	EncryptionPublicKey []byte `gorm:"not null"`

	RegisteredAt time.Time

	User User `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE;"`
}

// SignedPreKey is the medium-term prekey, one per user, replaced on rotation.
type SignedPreKey struct {
	UserID    string `gorm:"primaryKey;size:36"`
	KeyID     uint32 `gorm:"not null"`
	PublicKey []byte `gorm:"not null"`
	Signature []byte `gorm:"not null"`

	UploadedAt time.Time

	User User `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE;"`
}

// OneTimePreKey is single-use key material. Bundle fetches consume (delete)
// the oldest remaining row; the auto-increment ID gives upload order.
type OneTimePreKey struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"size:36;not null;index"`
	KeyID     uint32 `gorm:"not null"`
	PublicKey []byte `gorm:"not null"`

	UploadedAt time.Time

	User User `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE;"`
}

// PreKeyBundle is the projection returned to a sender starting a session.
// OneTimePreKey fields are nil when the pool is exhausted.
type PreKeyBundle struct {
	UserID                string  `json:"user_id"`
	IdentityKey           []byte  `json:"identity_key"`
	SignedPreKeyID        uint32  `json:"signed_pre_key_id"`
	SignedPreKey          []byte  `json:"signed_pre_key"`
	SignedPreKeySignature []byte  `json:"signed_pre_key_signature"`
	OneTimePreKeyID       *uint32 `json:"one_time_pre_key_id,omitempty"`
	OneTimePreKey         []byte  `json:"one_time_pre_key,omitempty"`
}
