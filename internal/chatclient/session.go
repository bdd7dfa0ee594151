package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/reconciler"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

const (
	fetchTimeout = 10 * time.Second
	eventBacklog = 64
	writeWait    = 10 * time.Second
)

var ErrSessionClosed = errors.New("session closed")

// transition is applied by the event loop to produce the next state.
type transition func(reconciler.State) reconciler.State

// Session owns the client view of one user. Every state change runs on the
// goroutine started by Run; readers get immutable snapshots.
type Session struct {
	client *Client
	log    zerolog.Logger

	events  chan transition
	updates chan reconciler.State
	done    chan struct{}
	ready   chan struct{}

	state      atomic.Pointer[reconciler.State]
	refreshing bool
	loopCtx    context.Context
	conn       *websocket.Conn
}

func NewSession(client *Client, self int, logger zerolog.Logger) *Session {
	s := &Session{
		client:  client,
		log:     logger.With().Str("component", "session").Int("user_id", self).Logger(),
		events:  make(chan transition, eventBacklog),
		updates: make(chan reconciler.State, 1),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
	}

	initial := reconciler.New(self)
	s.state.Store(&initial)

	return s
}

// State returns the latest snapshot.
func (s *Session) State() reconciler.State {
	return *s.state.Load()
}

// Updates signals state changes. Only the most recent pending state is kept.
func (s *Session) Updates() <-chan reconciler.State {
	return s.updates
}

// Ready is closed once the push stream is connected and the first
// conversations fetch has been issued.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Run dials the push stream and processes transitions until ctx is done or
// the stream fails.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	conn, err := s.client.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect push stream: %w", err)
	}
	defer conn.Close()

	s.conn = conn
	s.loopCtx = ctx

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readPushes(conn)
	}()

	s.refresh(ctx)
	close(s.ready)

	for {
		select {
		case <-ctx.Done():
			s.closeStream(conn)
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("push stream: %w", err)
		case t := <-s.events:
			s.apply(ctx, t)
		}
	}
}

func (s *Session) apply(ctx context.Context, t transition) {
	next := t(s.State())
	s.state.Store(&next)

	if next.NeedsRefresh && !s.refreshing {
		s.refresh(ctx)
	}

	select {
	case <-s.updates:
	default:
	}
	s.updates <- next
}

// post hands a transition to the event loop.
func (s *Session) post(t transition) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.events <- t:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// refresh must only be called from the event loop.
func (s *Session) refresh(ctx context.Context) {
	s.refreshing = true

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		views, err := s.client.Conversations(fetchCtx)
		s.post(func(st reconciler.State) reconciler.State {
			s.refreshing = false
			if err != nil {
				s.log.Error().Err(err).Msg("fetch conversations")
				return reconciler.ApplyFetchError(st, err)
			}
			return reconciler.ApplyConversationsSnapshot(st, views)
		})
	}()
}

// Refresh requests a new conversations snapshot.
func (s *Session) Refresh() error {
	return s.post(func(st reconciler.State) reconciler.State {
		if !s.refreshing {
			s.refresh(s.loopCtx)
		}
		return st
	})
}

// Select opens a conversation and loads its history. The fetch marks the
// conversation read on the server. A response that arrives after another
// conversation was selected is dropped.
func (s *Session) Select(conversationId string) error {
	return s.post(func(st reconciler.State) reconciler.State {
		next := reconciler.Select(st, conversationId)
		s.fetchMessages(s.loopCtx, conversationId, next.Selection)
		s.joinRoom(conversationId)
		return next
	})
}

// Close leaves the open conversation.
func (s *Session) Close() error {
	return s.post(reconciler.Close)
}

func (s *Session) fetchMessages(ctx context.Context, conversationId string, selection uint64) {
	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		msgs, err := s.client.Messages(fetchCtx, conversationId)
		s.post(func(st reconciler.State) reconciler.State {
			if err != nil {
				if st.OpenConversation != conversationId || st.Selection != selection {
					return st
				}
				s.log.Error().Err(err).Str("conversation_id", conversationId).Msg("fetch messages")
				return reconciler.ApplyFetchError(st, err)
			}
			next := reconciler.ApplyMessagesSnapshot(st, conversationId, selection, msgs)
			return reconciler.ApplyMarkedRead(next, conversationId)
		})
	}()
}

// joinRoom subscribes the push stream to typing events of the conversation.
// Messages are delivered without it.
func (s *Session) joinRoom(conversationId string) {
	if s.conn == nil {
		return
	}

	req := server.ClientMessage{
		Event:          server.EventChatJoin,
		ConversationId: conversationId,
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(req); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationId).Msg("join conversation room")
	}
}

// Send stores a message and applies it locally, since the server does not
// push a sender's own messages back to it.
func (s *Session) Send(ctx context.Context, conversationId, content string) (types.Message, error) {
	msg, err := s.client.Send(ctx, conversationId, content)
	if err != nil {
		return types.Message{}, err
	}

	if err := s.post(func(st reconciler.State) reconciler.State {
		return reconciler.ApplyPushedMessage(st, msg)
	}); err != nil {
		return msg, err
	}

	return msg, nil
}

// CreateDirect opens or reuses the direct conversation with userId and adds
// it to the list.
func (s *Session) CreateDirect(ctx context.Context, userId int) (types.Conversation, error) {
	conv, err := s.client.CreateDirect(ctx, userId)
	if err != nil {
		return types.Conversation{}, err
	}

	return conv, s.post(func(st reconciler.State) reconciler.State {
		return reconciler.ApplyUpsertConversation(st, conv)
	})
}

// MarkRead marks a conversation read on the server and locally.
func (s *Session) MarkRead(ctx context.Context, conversationId string) error {
	if _, err := s.client.MarkRead(ctx, conversationId); err != nil {
		return err
	}

	return s.post(func(st reconciler.State) reconciler.State {
		return reconciler.ApplyMarkedRead(st, conversationId)
	})
}

func (s *Session) readPushes(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg server.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Warn().Err(err).Msg("decode push")
			continue
		}

		switch msg.Event {
		case server.EventMessageReceived:
			if msg.Message == nil {
				continue
			}
			pushed := *msg.Message
			if err := s.post(func(st reconciler.State) reconciler.State {
				return reconciler.ApplyPushedMessage(st, pushed)
			}); err != nil {
				return err
			}
		case server.EventUserOnline, server.EventUserOffline:
			if msg.Presence != nil {
				s.log.Debug().
					Int("peer_id", msg.Presence.UserId).
					Bool("online", msg.Presence.Online).
					Msg("presence changed")
			}
		case server.EventTypingStart, server.EventTypingStop:
			if msg.Typing != nil {
				s.log.Debug().
					Str("conversation_id", msg.Typing.ConversationId).
					Int("peer_id", msg.Typing.UserId).
					Msg(msg.Event)
			}
		case server.EventResponse:
			if msg.Response != nil && msg.Response.Error != "" {
				s.log.Warn().
					Int("code", msg.Response.ResponseCode).
					Str("error", msg.Response.Error).
					Msg("request rejected")
			}
		}
	}
}

func (s *Session) closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		s.log.Debug().Err(err).Msg("write close frame")
	}
}
