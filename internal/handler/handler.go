package handler

import (
	"errors"
	"net/http"

	"ciphertalk/backend/internal/hub"
	"ciphertalk/backend/internal/service"
	"ciphertalk/backend/internal/storage"
	"ciphertalk/backend/pkg/apperr"

	"github.com/gin-gonic/gin"
)

// Handler bundles the services behind the REST surface.
type Handler struct {
	Users         *service.UserService
	Friendships   *service.FriendshipService
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Keys          *service.KeyService
	Tokens        *service.TokenService
	Presigner     storage.Presigner
	Hub           *hub.Hub
}

func New(
	users *service.UserService,
	friendships *service.FriendshipService,
	conversations *service.ConversationService,
	messages *service.MessageService,
	keys *service.KeyService,
	tokens *service.TokenService,
	presigner storage.Presigner,
	h *hub.Hub,
) *Handler {
	return &Handler{
		Users:         users,
		Friendships:   friendships,
		Conversations: conversations,
		Messages:      messages,
		Keys:          keys,
		Tokens:        tokens,
		Presigner:     presigner,
		Hub:           h,
	}
}

// ErrorResponse represents a generic error response.
type ErrorResponse struct {
	Error string `json:"error" example:"An error message"`
	Code  string `json:"code,omitempty" example:"NOT_FOUND"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindSecurityViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondError maps a tagged error to a status-coded JSON body.
func respondError(c *gin.Context, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		c.JSON(statusFor(ae.Kind), ErrorResponse{Error: ae.Message, Code: string(ae.Kind)})
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: string(apperr.KindInternal)})
}

func currentUserID(c *gin.Context) string {
	userID, _ := c.Get("userID")
	id, _ := userID.(string)
	return id
}
