package handler

import (
	"net/http"
	"time"

	"ciphertalk/backend/internal/config"
	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/pkg/apperr"
	"ciphertalk/backend/pkg/jwt"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// RegisterRequest represents the request body for user registration.
type RegisterRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Username    string `json:"username" binding:"required,min=3,max=32"`
	DisplayName string `json:"display_name" binding:"required,max=64"`
	Password    string `json:"password" binding:"required,min=8"`
}

// LoginRequest represents the request body for user login.
type LoginRequest struct {
	Login    string `json:"login" binding:"required"`
	Password string `json:"password" binding:"required"`
	DeviceID string `json:"device_id"`
}

// TokenPairResponse carries a fresh access/refresh token pair.
type TokenPairResponse struct {
	AccessToken      string       `json:"access_token"`
	RefreshToken     string       `json:"refresh_token"`
	ExpiresAt        time.Time    `json:"expires_at"`
	RefreshExpiresAt time.Time    `json:"refresh_expires_at"`
	User             *models.User `json:"user,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Register creates a new account and returns it with a token pair.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(c, err)
		return
	}

	user, err := h.Users.Register(c.Request.Context(), req.Email, req.Username, req.DisplayName, string(hash))
	if err != nil {
		respondError(c, err)
		return
	}

	pair, err := h.issueTokens(c, user, "")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pair)
}

// Login verifies credentials and returns a token pair.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	user, err := h.Users.GetByLogin(c.Request.Context(), req.Login)
	if err != nil {
		// Do not reveal whether the account exists.
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials", Code: string(apperr.KindUnauthenticated)})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials", Code: string(apperr.KindUnauthenticated)})
		return
	}

	pair, err := h.issueTokens(c, user, req.DeviceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Refresh rotates a refresh token. A token presented twice revokes the whole
// family, forcing re-login.
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	plaintext, record, err := h.Tokens.Rotate(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(c, err)
		return
	}

	access, expiresAt, err := accessTokenFor(record.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, TokenPairResponse{
		AccessToken:      access,
		RefreshToken:     plaintext,
		ExpiresAt:        expiresAt,
		RefreshExpiresAt: record.ExpiresAt,
	})
}

// Logout revokes the presented refresh token. Idempotent.
func (h *Handler) Logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	if err := h.Tokens.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) issueTokens(c *gin.Context, user *models.User, deviceID string) (*TokenPairResponse, error) {
	access, expiresAt, err := accessTokenFor(user.ID)
	if err != nil {
		return nil, err
	}

	refresh, record, err := h.Tokens.Issue(c.Request.Context(), user.ID, deviceID, c.Request.UserAgent())
	if err != nil {
		return nil, err
	}

	return &TokenPairResponse{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        expiresAt,
		RefreshExpiresAt: record.ExpiresAt,
		User:             user,
	}, nil
}

func accessTokenFor(userID string) (string, time.Time, error) {
	token, err := jwt.GenerateToken(userID)
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindInternal, "failed to sign access token", err)
	}
	expiresAt := time.Now().Add(time.Duration(config.AppConfig.AccessTokenTTL) * time.Minute)
	return token, expiresAt, nil
}
