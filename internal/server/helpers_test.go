package server

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/mock"
)

type mockChatService struct {
	mock.Mock
}

func (m *mockChatService) GetConversation(ctx context.Context, userId int, conversationId string) (types.Conversation, error) {
	args := m.Called(userId, conversationId)
	return args.Get(0).(types.Conversation), args.Error(1)
}
func (m *mockChatService) SendMessage(ctx context.Context, senderId int, conversationId, content string) (types.Message, error) {
	args := m.Called(senderId, conversationId, content)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *mockChatService) MarkConversationRead(ctx context.Context, userId int, conversationId string) (int64, error) {
	args := m.Called(userId, conversationId)
	return args.Get(0).(int64), args.Error(1)
}

func newTestHub(t *testing.T) (*Hub, *stats.MockStatsUpdater) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(5)
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()

	return NewHub(testutil.TestLogger(t), su), su
}

func newTestClient(t *testing.T, h *Hub, userId int) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  h,
		log:  testutil.TestLogger(t),
		user: types.User{Id: userId},
		send: make(chan *ServerMessage, 16),
		stop: make(chan struct{}),
	}
}

// flush delivers everything queued on the hub without running Run.
func flush(h *Hub) {
	for {
		select {
		case msg := <-h.broadcastChan:
			h.deliver(msg)
		default:
			return
		}
	}
}

// drain returns everything queued for c.
func drain(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func eventsOf(msgs []*ServerMessage) []string {
	events := make([]string, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, m.Event)
	}
	return events
}
