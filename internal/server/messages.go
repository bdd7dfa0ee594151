package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/go-chatsync/internal/chat"
	"github.com/npezzotti/go-chatsync/internal/types"
)

const (
	EventResponse        = "response"
	EventUserOnline      = "user:online"
	EventUserOffline     = "user:offline"
	EventChatJoin        = "chat:join"
	EventChatLeave       = "chat:leave"
	EventMessageSend     = "message:send"
	EventMessageReceived = "message:received"
	EventMessageRead     = "message:read"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a request sent by a connection. Identity always comes from
// the authenticated connection, never from the payload.
type ClientMessage struct {
	BaseMessage
	Event          string `json:"event"`
	ConversationId string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Event    string          `json:"event"`
	Response *Response       `json:"response,omitempty"`
	Message  *types.Message  `json:"message,omitempty"`
	Presence *types.Presence `json:"presence,omitempty"`
	Typing   *types.Typing   `json:"typing,omitempty"`
	// Rooms limits delivery to connections in any of the rooms. Empty means
	// every connection.
	Rooms []string `json:"-"`
	// SkipUserId excludes every connection of that user.
	SkipUserId int `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

func newResponse(id, code int, errMsg string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Event: EventResponse,
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return newResponse(id, http.StatusOK, "", data)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, "invalid message format", nil)
}

func ErrUnknownEvent(id int, event string) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, "unknown event "+event, nil)
}

func ErrNotInConversation(id int) *ServerMessage {
	return newResponse(id, http.StatusForbidden, "conversation not joined", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

// ErrResponse maps a chat service error onto a response. Errors outside the
// chat taxonomy are reported as internal errors.
func ErrResponse(id int, err error) *ServerMessage {
	var verr *chat.ValidationError

	switch {
	case errors.As(err, &verr):
		return newResponse(id, http.StatusBadRequest, verr.Reason, nil)
	case errors.Is(err, chat.ErrForbidden):
		return newResponse(id, http.StatusForbidden, "forbidden", nil)
	case errors.Is(err, chat.ErrNotFound):
		return newResponse(id, http.StatusNotFound, "conversation not found", nil)
	default:
		return ErrInternalError(id)
	}
}

func presenceMessage(userId int, online bool) *ServerMessage {
	event := EventUserOffline
	if online {
		event = EventUserOnline
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       event,
		Presence:    &types.Presence{UserId: userId, Online: online},
		SkipUserId:  userId,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
