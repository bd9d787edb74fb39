package handler

import (
	"fmt"
	"net/http"
	"strings"

	"ciphertalk/backend/pkg/apperr"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxAvatarBytes = 5 * 1024 * 1024

var avatarContentTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// GetMe returns the authenticated user's own profile.
func (h *Handler) GetMe(c *gin.Context) {
	user, err := h.Users.GetByID(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// GetUser returns a user's public profile by id.
func (h *Handler) GetUser(c *gin.Context) {
	user, err := h.Users.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	// Strip the email from profiles other than the caller's own.
	if user.ID != currentUserID(c) {
		user.Email = ""
	}
	c.JSON(http.StatusOK, user)
}

// SearchUsers returns users whose username or display name starts with the
// query string.
func (h *Handler) SearchUsers(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusOK, gin.H{"users": []struct{}{}})
		return
	}

	users, err := h.Users.Search(c.Request.Context(), query, 20)
	if err != nil {
		respondError(c, err)
		return
	}
	for i := range users {
		users[i].Email = ""
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

type presignAvatarRequest struct {
	ContentType string `json:"content_type" binding:"required"`
}

// PresignAvatar hands the client a one-shot upload URL for a new avatar. The
// object key is server-chosen so clients cannot overwrite each other.
func (h *Handler) PresignAvatar(c *gin.Context) {
	var req presignAvatarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	ext, ok := avatarContentTypes[req.ContentType]
	if !ok {
		respondError(c, apperr.InvalidArg("unsupported avatar content type"))
		return
	}

	key := fmt.Sprintf("avatars/%s/%s%s", currentUserID(c), uuid.NewString(), ext)
	url, err := h.Presigner.PresignPut(c.Request.Context(), key, req.ContentType)
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindInternal, "failed to presign upload", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"upload_url": url, "key": key})
}

type confirmAvatarRequest struct {
	Key string `json:"key" binding:"required"`
}

// ConfirmAvatar verifies the uploaded object and points the profile at it.
func (h *Handler) ConfirmAvatar(c *gin.Context) {
	var req confirmAvatarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	userID := currentUserID(c)
	if !strings.HasPrefix(req.Key, "avatars/"+userID+"/") {
		respondError(c, apperr.Forbidden("avatar key belongs to another user"))
		return
	}

	info, err := h.Presigner.Head(c.Request.Context(), req.Key)
	if err != nil {
		respondError(c, apperr.NotFound("uploaded avatar not found"))
		return
	}
	if _, ok := avatarContentTypes[info.ContentType]; !ok || info.ContentLength > maxAvatarBytes {
		// Reject and clean up anything the client smuggled past the presign.
		_ = h.Presigner.Delete(c.Request.Context(), req.Key)
		respondError(c, apperr.InvalidArg("uploaded object is not a valid avatar"))
		return
	}

	if err := h.Users.UpdateAvatar(c.Request.Context(), userID, req.Key); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"avatar_url": req.Key})
}
