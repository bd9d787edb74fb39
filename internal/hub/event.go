package hub

import "encoding/json"

// Event is the envelope for everything pushed over the socket.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Push event types.
const (
	EventMessage             = "message"
	EventMessageEdited       = "message:edited"
	EventMessageDeleted      = "message:deleted"
	EventConversationUpdated = "conversation.updated"
	EventConversationCreated = "conversation.created"
	EventConversationInvite  = "conversation.invite"
	EventConversationRemoved = "conversation.removed"
	EventParticipantAdded    = "participant.added"
	EventParticipantRemoved  = "participant.removed"
	EventTyping              = "typing"
	EventReadReceipt         = "read_receipt"
	EventPresence            = "presence"
	EventError               = "error"
)

// Inbound event types handled per connection.
const (
	actionSendMessage   = "message:send"
	actionEditMessage   = "message:edit"
	actionDeleteMessage = "message:delete"
	actionMarkRead      = "read"
	actionTyping        = "typing"
	actionJoinRoom      = "conversation:join"
	actionLeaveRoom     = "conversation:leave"
)

// inboundEvent defers payload decoding until the type is known.
type inboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ContentType    string `json:"content_type"`
	AttachmentURL  string `json:"attachment_url"`
	ReplyToID      string `json:"reply_to_id"`
}

type editMessagePayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type deleteMessagePayload struct {
	MessageID string `json:"message_id"`
}

type markReadPayload struct {
	ConversationID    string `json:"conversation_id"`
	LastReadMessageID string `json:"last_read_message_id"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

type roomPayload struct {
	ConversationID string `json:"conversation_id"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type presencePayload struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen *int64 `json:"last_seen,omitempty"`
}
