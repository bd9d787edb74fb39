package hub

import (
	"context"
	"encoding/json"
	"sync"

	"ciphertalk/backend/internal/metrics"
	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/internal/service"

	"github.com/rs/zerolog"
)

// Hub tracks every live connection, aggregates multi-device presence and
// fans events out to conversation rooms and per-user private channels.
//
// The connection and room maps are mutated only by the register/unregister
// and join/leave handlers; everything else takes the read lock.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Client]bool // userID -> live connections
	rooms       map[string]map[*Client]bool // conversationID -> subscribed connections

	users         *service.UserService
	friendships   *service.FriendshipService
	conversations *service.ConversationService
	messages      *service.MessageService

	log zerolog.Logger
}

func New(
	users *service.UserService,
	friendships *service.FriendshipService,
	conversations *service.ConversationService,
	messages *service.MessageService,
	log zerolog.Logger,
) *Hub {
	return &Hub{
		connections:   make(map[string]map[*Client]bool),
		rooms:         make(map[string]map[*Client]bool),
		users:         users,
		friendships:   friendships,
		conversations: conversations,
		messages:      messages,
		log:           log.With().Str("component", "hub").Logger(),
	}
}

// Register adds a connection. The user's first connection flips them ONLINE
// and announces presence to their friends and their own other devices.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	conns, ok := h.connections[c.userID]
	if !ok {
		conns = make(map[*Client]bool)
		h.connections[c.userID] = conns
	}
	conns[c] = true
	first := len(conns) == 1
	h.mu.Unlock()

	metrics.SocketConnections.Inc()

	if first {
		h.announcePresence(c.userID, true)
	}
}

// Unregister drops a connection. Closing the user's last connection flips
// them OFFLINE with a last-seen timestamp and announces it.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	removed := false
	if conns, ok := h.connections[c.userID]; ok {
		if _, present := conns[c]; present {
			delete(conns, c)
			close(c.send)
			removed = true
			if len(conns) == 0 {
				delete(h.connections, c.userID)
			}
		}
	}
	for room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	_, stillOnline := h.connections[c.userID]
	h.mu.Unlock()

	if !removed {
		return
	}
	metrics.SocketConnections.Dec()

	if !stillOnline {
		h.announcePresence(c.userID, false)
	}
}

// announcePresence persists the transition and notifies every ACCEPTED
// friend's private channel plus the user's own devices.
func (h *Hub) announcePresence(userID string, online bool) {
	ctx := context.Background()

	status := models.PresenceOnline
	if !online {
		status = models.PresenceOffline
	}
	at, err := h.users.SetPresence(ctx, userID, status)
	if err != nil {
		h.log.Error().Err(err).Str("user", userID).Msg("failed to persist presence")
	}

	payload := presencePayload{UserID: userID, Online: online}
	if !online {
		ts := at.UnixMilli()
		payload.LastSeen = &ts
	}
	event := Event{Type: EventPresence, Payload: payload}

	friends, err := h.friendships.FriendIDs(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Str("user", userID).Msg("failed to resolve friends for presence fan-out")
		friends = nil
	}
	for _, friendID := range friends {
		h.SendToUser(friendID, event)
	}
	h.SendToUser(userID, event)
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID]) > 0
}

// SendToUser pushes an event to every connection of a user.
func (h *Hub) SendToUser(userID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Str("event", event.Type).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.connections[userID] {
		c.enqueue(data)
	}
	metrics.EventsBroadcast.WithLabelValues(event.Type).Inc()
}

// BroadcastToRoom pushes an event to every connection subscribed to a
// conversation, optionally excluding one user's connections.
func (h *Hub) BroadcastToRoom(conversationID string, event Event, excludeUserID string) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Str("event", event.Type).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[conversationID] {
		if excludeUserID != "" && c.userID == excludeUserID {
			continue
		}
		c.enqueue(data)
	}
	metrics.EventsBroadcast.WithLabelValues(event.Type).Inc()
}

func (h *Hub) joinRoom(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[conversationID] = members
	}
	members[c] = true
	c.rooms[conversationID] = true
}

func (h *Hub) leaveRoom(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[conversationID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	delete(c.rooms, conversationID)
}

// NotifyMessage fans out a freshly created message: the room gets the message
// event, and every recipient's private channel gets it too (covering devices
// without the conversation open) along with their updated unread count.
func (h *Hub) NotifyMessage(res *service.SendResult) {
	msg := res.Message
	event := Event{Type: EventMessage, Payload: msg}

	h.BroadcastToRoom(msg.ConversationID, event, "")

	for _, userID := range res.ParticipantIDs {
		if userID == msg.SenderID {
			continue
		}
		h.SendToUser(userID, event)
		if unread, ok := res.RecipientUnread[userID]; ok {
			h.SendToUser(userID, Event{Type: EventConversationUpdated, Payload: map[string]interface{}{
				"conversation_id": msg.ConversationID,
				"last_message_id": msg.ID,
				"unread_count":    unread,
			}})
		}
	}
}

// NotifyEdited and NotifyDeleted push message mutations to all participants.
func (h *Hub) NotifyEdited(res *service.EditResult) {
	event := Event{Type: EventMessageEdited, Payload: res.Message}
	h.BroadcastToRoom(res.Message.ConversationID, event, "")
	for _, userID := range res.ParticipantIDs {
		h.SendToUser(userID, event)
	}
}

func (h *Hub) NotifyDeleted(res *service.DeleteResult) {
	event := Event{Type: EventMessageDeleted, Payload: map[string]string{
		"message_id":      res.MessageID,
		"conversation_id": res.ConversationID,
	}}
	h.BroadcastToRoom(res.ConversationID, event, "")
	for _, userID := range res.ParticipantIDs {
		h.SendToUser(userID, event)
	}
}

// NotifyRead pushes the reader's new unread count to their own devices and a
// read receipt to the conversation room.
func (h *Hub) NotifyRead(readerID, conversationID string, res *service.MarkReadResult) {
	h.SendToUser(readerID, Event{Type: EventConversationUpdated, Payload: map[string]interface{}{
		"conversation_id": conversationID,
		"unread_count":    res.NewUnreadCount,
	}})
	if res.Marked > 0 {
		h.BroadcastToRoom(conversationID, Event{Type: EventReadReceipt, Payload: map[string]interface{}{
			"conversation_id": conversationID,
			"user_id":         readerID,
			"message_ids":     res.MessageIDs,
		}}, readerID)
	}
}

// NotifyConversation pushes a conversation lifecycle event to a set of users.
func (h *Hub) NotifyConversation(eventType string, payload interface{}, userIDs []string) {
	event := Event{Type: eventType, Payload: payload}
	for _, userID := range userIDs {
		h.SendToUser(userID, event)
	}
}
