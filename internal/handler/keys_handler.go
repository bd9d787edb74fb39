package handler

import (
	"net/http"

	"ciphertalk/backend/internal/service"
	"ciphertalk/backend/pkg/apperr"

	"github.com/gin-gonic/gin"
)

// UploadKeys registers or tops up the caller's key material: identity key,
// signed pre-key and a batch of one-time pre-keys.
func (h *Handler) UploadKeys(c *gin.Context) {
	var req service.UploadKeysInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	if err := h.Keys.UploadKeys(c.Request.Context(), currentUserID(c), req); err != nil {
		respondError(c, err)
		return
	}

	count, err := h.Keys.CountOneTimePreKeys(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"one_time_pre_keys_remaining": count})
}

// GetKeyBundle hands out a pre-key bundle for the target user, consuming one
// of their one-time pre-keys when the pool is not empty.
func (h *Handler) GetKeyBundle(c *gin.Context) {
	bundle, err := h.Keys.GetBundle(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// CountPreKeys reports how many one-time pre-keys the caller still has
// server-side, so clients know when to top up.
func (h *Handler) CountPreKeys(c *gin.Context) {
	count, err := h.Keys.CountOneTimePreKeys(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"one_time_pre_keys_remaining": count})
}
