package handler

import (
	"net/http"
	"strconv"

	"ciphertalk/backend/internal/hub"
	"ciphertalk/backend/pkg/apperr"

	"github.com/gin-gonic/gin"
)

// ListConversations returns a keyset page of the caller's conversations,
// most recently active first.
func (h *Handler) ListConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.Conversations.List(c.Request.Context(), currentUserID(c), limit, c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetConversation returns one conversation the caller belongs to.
func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.Conversations.Get(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

type createDirectRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// CreateDirect finds or creates the direct conversation with another user.
func (h *Handler) CreateDirect(c *gin.Context) {
	var req createDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	meID := currentUserID(c)
	conv, created, err := h.Conversations.GetOrCreateDirect(c.Request.Context(), meID, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.Hub.NotifyConversation(hub.EventConversationCreated, conv, []string{meID, req.UserID})
	}
	c.JSON(status, conv)
}

type createGroupRequest struct {
	Title          string   `json:"title" binding:"required,max=255"`
	ParticipantIDs []string `json:"participant_ids" binding:"required"`
	AvatarURL      string   `json:"avatar_url"`
}

// CreateGroup creates a group conversation with the caller as admin.
func (h *Handler) CreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	meID := currentUserID(c)
	conv, err := h.Conversations.CreateGroup(c.Request.Context(), meID, req.Title, req.ParticipantIDs, req.AvatarURL)
	if err != nil {
		respondError(c, err)
		return
	}

	invited, err := h.Conversations.ParticipantIDs(c.Request.Context(), conv.ID)
	if err == nil {
		h.Hub.NotifyConversation(hub.EventConversationInvite, conv, invited)
	}
	c.JSON(http.StatusCreated, conv)
}

// ListParticipants returns the membership of a conversation.
func (h *Handler) ListParticipants(c *gin.Context) {
	participants, err := h.Conversations.ListParticipants(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

type addParticipantRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// AddParticipant invites a user into a group conversation. Admin only.
func (h *Handler) AddParticipant(c *gin.Context) {
	var req addParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	conversationID := c.Param("id")
	if err := h.Conversations.AddParticipant(c.Request.Context(), conversationID, currentUserID(c), req.UserID); err != nil {
		respondError(c, err)
		return
	}

	payload := gin.H{"conversation_id": conversationID, "user_id": req.UserID}
	if members, err := h.Conversations.ParticipantIDs(c.Request.Context(), conversationID); err == nil {
		h.Hub.NotifyConversation(hub.EventParticipantAdded, payload, members)
	}
	if conv, err := h.Conversations.Get(c.Request.Context(), conversationID, req.UserID); err == nil {
		h.Hub.NotifyConversation(hub.EventConversationInvite, conv, []string{req.UserID})
	}
	c.Status(http.StatusNoContent)
}

// RemoveParticipant removes a member from a group conversation. Admins can
// remove anyone; members can remove themselves (leave).
func (h *Handler) RemoveParticipant(c *gin.Context) {
	conversationID := c.Param("id")
	targetID := c.Param("userId")

	if err := h.Conversations.RemoveParticipant(c.Request.Context(), conversationID, currentUserID(c), targetID); err != nil {
		respondError(c, err)
		return
	}

	payload := gin.H{"conversation_id": conversationID, "user_id": targetID}
	h.Hub.NotifyConversation(hub.EventConversationRemoved, payload, []string{targetID})
	if members, err := h.Conversations.ParticipantIDs(c.Request.Context(), conversationID); err == nil {
		h.Hub.NotifyConversation(hub.EventParticipantRemoved, payload, members)
	}
	c.Status(http.StatusNoContent)
}
