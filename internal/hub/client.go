package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"ciphertalk/backend/internal/metrics"
	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/internal/service"
	"ciphertalk/backend/pkg/apperr"
	"ciphertalk/backend/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256

	// Inbound events per connection are throttled; bursts cover a user
	// catching up after a reconnect.
	eventsPerSecond = 20
	eventBurst      = 40
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection of one authenticated user.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	userID  string
	send    chan []byte
	rooms   map[string]bool
	limiter *rate.Limiter
}

// ServeWS upgrades the request, authenticates it and starts the pumps. The
// token travels as a query parameter because browsers cannot set headers on
// websocket dials.
func (h *Hub) ServeWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	userID, err := jwt.VerifyToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		userID:  userID,
		send:    make(chan []byte, sendBufferSize),
		rooms:   make(map[string]bool),
		limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), eventBurst),
	}

	h.Register(client)

	go client.writePump()
	go client.readPump()
}

// enqueue is a non-blocking send so one slow client cannot stall fan-out.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		// Buffer full; the read/write pumps will tear the connection down.
		metrics.EventsDropped.Inc()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("user", c.userID).Msg("websocket closed unexpectedly")
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError(apperr.KindInvalidArgument, "too many events, slow down")
			continue
		}

		c.handleEvent(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// sendError maps a failure to an error event; failed operations are never
// silently dropped.
func (c *Client) sendError(kind apperr.Kind, message string) {
	c.sendEvent(Event{Type: EventError, Payload: errorPayload{Code: string(kind), Message: message}})
}

func (c *Client) fail(err error) {
	if ae, ok := err.(*apperr.Error); ok {
		c.sendError(ae.Kind, ae.Message)
		return
	}
	c.sendError(apperr.KindInternal, "operation failed")
}

func (c *Client) handleEvent(raw []byte) {
	var in inboundEvent
	if err := json.Unmarshal(raw, &in); err != nil {
		c.sendError(apperr.KindInvalidArgument, "malformed event")
		return
	}

	ctx := context.Background()

	switch in.Type {
	case actionSendMessage:
		var p sendMessagePayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			c.sendError(apperr.KindInvalidArgument, "malformed payload")
			return
		}
		res, err := c.hub.messages.Send(ctx, service.SendMessageInput{
			SenderID:       c.userID,
			ConversationID: p.ConversationID,
			Content:        p.Content,
			ContentType:    models.ContentType(p.ContentType),
			AttachmentURL:  p.AttachmentURL,
			ReplyToID:      p.ReplyToID,
		})
		if err != nil {
			c.fail(err)
			return
		}
		c.sendEvent(Event{Type: EventMessage, Payload: res.Message})
		c.hub.NotifyMessage(res)

	case actionEditMessage:
		var p editMessagePayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			c.sendError(apperr.KindInvalidArgument, "malformed payload")
			return
		}
		res, err := c.hub.messages.Edit(ctx, p.MessageID, c.userID, p.Content)
		if err != nil {
			c.fail(err)
			return
		}
		c.hub.NotifyEdited(res)

	case actionDeleteMessage:
		var p deleteMessagePayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			c.sendError(apperr.KindInvalidArgument, "malformed payload")
			return
		}
		res, err := c.hub.messages.Delete(ctx, p.MessageID, c.userID)
		if err != nil {
			c.fail(err)
			return
		}
		c.hub.NotifyDeleted(res)

	case actionMarkRead:
		var p markReadPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			c.sendError(apperr.KindInvalidArgument, "malformed payload")
			return
		}
		res, err := c.hub.messages.MarkRead(ctx, c.userID, p.ConversationID, p.LastReadMessageID)
		if err != nil {
			c.fail(err)
			return
		}
		c.hub.NotifyRead(c.userID, p.ConversationID, res)

	case actionTyping:
		var p typingPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			c.sendError(apperr.KindInvalidArgument, "malformed payload")
			return
		}
		// Ephemeral: no persistence, membership implied by room subscription.
		if !c.rooms[p.ConversationID] {
			c.sendError(apperr.KindForbidden, "join the conversation before typing")
			return
		}
		c.hub.BroadcastToRoom(p.ConversationID, Event{Type: EventTyping, Payload: map[string]interface{}{
			"conversation_id": p.ConversationID,
			"user_id":         c.userID,
			"typing":          p.Typing,
		}}, c.userID)

	case actionJoinRoom:
		var p roomPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			c.sendError(apperr.KindInvalidArgument, "malformed payload")
			return
		}
		if _, err := c.hub.conversations.Get(ctx, p.ConversationID, c.userID); err != nil {
			c.fail(err)
			return
		}
		c.hub.joinRoom(c, p.ConversationID)

	case actionLeaveRoom:
		var p roomPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			c.sendError(apperr.KindInvalidArgument, "malformed payload")
			return
		}
		c.hub.leaveRoom(c, p.ConversationID)

	default:
		c.sendError(apperr.KindInvalidArgument, "unknown event type")
	}
}
