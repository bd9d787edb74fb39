package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/pkg/apperr"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// UserService covers account creation and the presence fields the gateway
// persists on connect/disconnect.
type UserService struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewUserService(db *gorm.DB, log zerolog.Logger) *UserService {
	return &UserService{db: db, log: log.With().Str("component", "user").Logger()}
}

// friendCodeFor derives a shareable code from the username plus a random
// digit suffix, e.g. "alice#4821".
func friendCodeFor(username string) string {
	return fmt.Sprintf("%s#%04d", username, rand.Intn(10000))
}

// Register creates an account. Friend codes collide rarely; on a duplicate we
// redraw the suffix a few times before giving up.
func (s *UserService) Register(ctx context.Context, email, username, displayName, passwordHash string) (*models.User, error) {
	var existing int64
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ? OR username = ?", email, username).
		Count(&existing).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to check existing users", err)
	}
	if existing > 0 {
		return nil, apperr.Conflict("email or username already taken")
	}

	user := models.User{
		Email:        email,
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		Status:       models.PresenceOffline,
	}

	for attempt := 0; attempt < 5; attempt++ {
		user.FriendCode = friendCodeFor(username)
		err := s.db.WithContext(ctx).Create(&user).Error
		if err == nil {
			return &user, nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			user.ID = ""
			continue
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to create user", err)
	}
	return nil, apperr.Conflict("could not allocate a unique friend code")
}

// GetByID returns a user or NotFound.
func (s *UserService) GetByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load user", err)
	}
	return &user, nil
}

// GetByLogin resolves an email or username for authentication.
func (s *UserService) GetByLogin(ctx context.Context, login string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ? OR username = ?", login, login).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load user", err)
	}
	return &user, nil
}

// SetPresence persists a presence transition. LastSeen only changes when
// going offline.
func (s *UserService) SetPresence(ctx context.Context, userID string, status models.PresenceStatus) (time.Time, error) {
	now := time.Now()
	updates := map[string]interface{}{"status": status}
	if status == models.PresenceOffline {
		updates["last_seen"] = now
	}
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error
	if err != nil {
		return now, apperr.Wrap(apperr.KindInternal, "failed to persist presence", err)
	}
	return now, nil
}

// UpdateAvatar stores the object URL produced by a completed avatar upload.
func (s *UserService) UpdateAvatar(ctx context.Context, userID, avatarURL string) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update("avatar_url", avatarURL).Error
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to update avatar", err)
	}
	return nil
}

// Search finds users by username or display-name prefix.
func (s *UserService) Search(ctx context.Context, query string, limit int) ([]models.User, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	var users []models.User
	err := s.db.WithContext(ctx).
		Where("username LIKE ? OR display_name LIKE ?", query+"%", query+"%").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to search users", err)
	}
	return users, nil
}
