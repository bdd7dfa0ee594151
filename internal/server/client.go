package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 256
	requestTimeout = 5 * time.Second
)

// ChatService is the part of the conversation service a connection uses.
type ChatService interface {
	GetConversation(ctx context.Context, userId int, conversationId string) (types.Conversation, error)
	SendMessage(ctx context.Context, senderId int, conversationId, content string) (types.Message, error)
	MarkConversationRead(ctx context.Context, userId int, conversationId string) (int64, error)
}

type Client struct {
	id       string
	conn     *websocket.Conn
	hub      *Hub
	svc      ChatService
	log      zerolog.Logger
	user     types.User
	send     chan *ServerMessage
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, hub *Hub, svc ChatService, logger zerolog.Logger) *Client {
	id := uuid.NewString()

	return &Client{
		id:   id,
		conn: conn,
		hub:  hub,
		svc:  svc,
		log: logger.With().
			Str("client_id", id).
			Int("user_id", user.Id).
			Logger(),
		user: user,
		send: make(chan *ServerMessage, sendQueueSize),
		stop: make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) User() types.User {
	return c.user
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("parse message")
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}
		msg.Timestamp = Now()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		resp := c.handleMessage(ctx, &msg)
		cancel()

		c.queueMessage(resp)
	}
}

// handleMessage runs a single request and returns its acknowledgement.
func (c *Client) handleMessage(ctx context.Context, msg *ClientMessage) *ServerMessage {
	c.log.Debug().
		Int("id", msg.Id).
		Str("event", msg.Event).
		Str("conversation_id", msg.ConversationId).
		Msg("received message")

	switch msg.Event {
	case EventChatJoin:
		return c.joinConversation(ctx, msg)
	case EventChatLeave:
		c.hub.Leave(c, ConversationRoom(msg.ConversationId))
		return NoErrOK(msg.Id, map[string]any{"conversation_id": msg.ConversationId})
	case EventMessageSend:
		stored, err := c.svc.SendMessage(ctx, c.user.Id, msg.ConversationId, msg.Content)
		if err != nil {
			c.log.Debug().Err(err).Msg("send message")
			return ErrResponse(msg.Id, err)
		}
		return NoErrOK(msg.Id, stored)
	case EventMessageRead:
		n, err := c.svc.MarkConversationRead(ctx, c.user.Id, msg.ConversationId)
		if err != nil {
			return ErrResponse(msg.Id, err)
		}
		return NoErrOK(msg.Id, map[string]any{"conversation_id": msg.ConversationId, "marked": n})
	case EventTypingStart, EventTypingStop:
		return c.typing(msg)
	case "":
		return ErrInvalidMessage(msg.Id)
	default:
		return ErrUnknownEvent(msg.Id, msg.Event)
	}
}

// joinConversation checks membership against the store before the
// connection may receive the conversation's room traffic.
func (c *Client) joinConversation(ctx context.Context, msg *ClientMessage) *ServerMessage {
	conv, err := c.svc.GetConversation(ctx, c.user.Id, msg.ConversationId)
	if err != nil {
		return ErrResponse(msg.Id, err)
	}

	c.hub.Join(c, ConversationRoom(conv.Id))
	return NoErrOK(msg.Id, map[string]any{"conversation_id": conv.Id})
}

func (c *Client) typing(msg *ClientMessage) *ServerMessage {
	room := ConversationRoom(msg.ConversationId)
	if !c.hub.InRoom(c, room) {
		return ErrNotInConversation(msg.Id)
	}

	c.hub.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       msg.Event,
		Typing:      &types.Typing{ConversationId: msg.ConversationId, UserId: c.user.Id},
		Rooms:       []string{room},
		SkipUserId:  c.user.Id,
	})

	return NoErrOK(msg.Id, nil)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("event", msg.Event).Msg("send queue full, dropping message")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.hub.Unregister(c)
	c.stopClient()
}
