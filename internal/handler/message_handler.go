package handler

import (
	"net/http"
	"strconv"

	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/internal/service"
	"ciphertalk/backend/pkg/apperr"

	"github.com/gin-gonic/gin"
)

type sendMessageRequest struct {
	Content       string `json:"content"`
	ContentType   string `json:"content_type"`
	AttachmentURL string `json:"attachment_url"`
	ReplyToID     string `json:"reply_to_id"`
}

// SendMessage persists a message over REST and fans it out exactly like the
// socket path does.
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	res, err := h.Messages.Send(c.Request.Context(), service.SendMessageInput{
		SenderID:       currentUserID(c),
		ConversationID: c.Param("id"),
		Content:        req.Content,
		ContentType:    models.ContentType(req.ContentType),
		AttachmentURL:  req.AttachmentURL,
		ReplyToID:      req.ReplyToID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.Hub.NotifyMessage(res)
	c.JSON(http.StatusCreated, res.Message)
}

// ListMessages returns a keyset page of a conversation's messages, newest
// first.
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.Messages.List(c.Request.Context(), c.Param("id"), currentUserID(c), limit, c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type editMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// EditMessage replaces a message's content. Sender only.
func (h *Handler) EditMessage(c *gin.Context) {
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	res, err := h.Messages.Edit(c.Request.Context(), c.Param("messageId"), currentUserID(c), req.Content)
	if err != nil {
		respondError(c, err)
		return
	}

	h.Hub.NotifyEdited(res)
	c.JSON(http.StatusOK, res.Message)
}

// DeleteMessage removes a message. Sender only.
func (h *Handler) DeleteMessage(c *gin.Context) {
	res, err := h.Messages.Delete(c.Request.Context(), c.Param("messageId"), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	h.Hub.NotifyDeleted(res)
	c.Status(http.StatusNoContent)
}

type markReadRequest struct {
	LastReadMessageID string `json:"last_read_message_id" binding:"required"`
}

// MarkRead marks everything up to a boundary message as read and returns the
// caller's new unread count. Idempotent.
func (h *Handler) MarkRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(apperr.KindInvalidArgument)})
		return
	}

	meID := currentUserID(c)
	conversationID := c.Param("id")
	res, err := h.Messages.MarkRead(c.Request.Context(), meID, conversationID, req.LastReadMessageID)
	if err != nil {
		respondError(c, err)
		return
	}

	h.Hub.NotifyRead(meID, conversationID, res)
	c.JSON(http.StatusOK, res)
}
