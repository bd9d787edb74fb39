package handler

import (
	"net/http"
	"strings"

	"ciphertalk/backend/internal/hub"
	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/pkg/apperr"

	"github.com/gin-gonic/gin"
)

type addFriendRequest struct {
	FriendCode string `json:"friend_code" binding:"required"`
}

// AddFriend sends a friend request addressed by friend code. Crossing
// requests collapse into an immediate acceptance.
func (h *Handler) AddFriend(c *gin.Context) {
	var req addFriendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	meID := currentUserID(c)
	friendship, conversation, err := h.Friendships.AddFriend(c.Request.Context(), meID, req.FriendCode)
	if err != nil {
		respondError(c, err)
		return
	}

	if conversation != nil {
		// The crossing-request path accepted on the spot.
		h.Hub.NotifyConversation(hub.EventConversationCreated, conversation, []string{friendship.RequesterID, friendship.AddresseeID})
	} else {
		h.Hub.NotifyConversation("friend.request", friendship, []string{friendship.AddresseeID})
	}

	c.JSON(http.StatusCreated, gin.H{"friendship": friendship, "conversation": conversation})
}

// AcceptFriend accepts a pending request and returns the materialized direct
// conversation.
func (h *Handler) AcceptFriend(c *gin.Context) {
	meID := currentUserID(c)
	res, err := h.Friendships.Accept(c.Request.Context(), c.Param("id"), meID)
	if err != nil {
		respondError(c, err)
		return
	}

	h.Hub.NotifyConversation(hub.EventConversationCreated, res.Conversation,
		[]string{res.Friendship.RequesterID, res.Friendship.AddresseeID})

	c.JSON(http.StatusOK, gin.H{"friendship": res.Friendship, "conversation": res.Conversation})
}

// DeclineFriend declines a pending request addressed to the caller.
func (h *Handler) DeclineFriend(c *gin.Context) {
	if err := h.Friendships.Decline(c.Request.Context(), c.Param("id"), currentUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CancelFriend withdraws a pending request the caller sent.
func (h *Handler) CancelFriend(c *gin.Context) {
	if err := h.Friendships.Cancel(c.Request.Context(), c.Param("id"), currentUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// BlockUser blocks another user, severing any existing relationship.
func (h *Handler) BlockUser(c *gin.Context) {
	if err := h.Friendships.Block(c.Request.Context(), currentUserID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UnblockUser lifts a block the caller placed.
func (h *Handler) UnblockUser(c *gin.Context) {
	if err := h.Friendships.Unblock(c.Request.Context(), currentUserID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListFriendships lists the caller's relationships, optionally filtered by
// status (?status=PENDING etc).
func (h *Handler) ListFriendships(c *gin.Context) {
	status := models.FriendshipStatus(strings.ToUpper(c.Query("status")))
	switch status {
	case "", models.FriendshipPending, models.FriendshipAccepted, models.FriendshipBlocked:
	default:
		respondError(c, apperr.InvalidArg("unknown friendship status filter"))
		return
	}

	friendships, err := h.Friendships.ListRelations(c.Request.Context(), currentUserID(c), status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friendships": friendships})
}
