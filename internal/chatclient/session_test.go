package chatclient

import (
	"context"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/reconciler"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 10 * time.Millisecond

func conversationIds(s reconciler.State) []string {
	ids := make([]string, 0, len(s.Conversations))
	for _, c := range s.Conversations {
		ids = append(ids, c.Id)
	}
	return ids
}

func messageIds(s reconciler.State) []string {
	ids := make([]string, 0, len(s.Messages))
	for _, m := range s.Messages {
		ids = append(ids, m.Id)
	}
	return ids
}

func unreadOf(s reconciler.State, id string) int {
	v, _ := s.Conversation(id)
	return v.UnreadCount
}

func TestSessionLoadsConversations(t *testing.T) {
	f := newFakeServer(t)
	s := startSession(t, f)

	st := s.State()
	assert.Equal(t, []string{"a", "b"}, conversationIds(st))
	assert.Equal(t, 1, st.TotalUnread())
	assert.Equal(t, alice, st.Self)
}

func TestSessionSelectAndPush(t *testing.T) {
	f := newFakeServer(t)
	s := startSession(t, f)

	require.NoError(t, s.Select("b"))
	require.Eventually(t, func() bool {
		return slices.Equal(messageIds(s.State()), []string{"b1"})
	}, waitFor, tick)

	st := s.State()
	assert.Equal(t, "b", st.OpenConversation)
	assert.Equal(t, 0, unreadOf(st, "b"))
	assert.Equal(t, []int{alice, carol}, st.Messages[0].ReadBy)

	select {
	case id := <-f.joins:
		assert.Equal(t, "b", id)
	case <-time.After(waitFor):
		t.Fatal("conversation room was not joined")
	}

	// open conversation: appended, stays read
	f.push(message("b2", "b", carol, at(50)))
	require.Eventually(t, func() bool {
		return slices.Equal(messageIds(s.State()), []string{"b1", "b2"})
	}, waitFor, tick)
	assert.Equal(t, 0, unreadOf(s.State(), "b"))

	// other conversation: counted and moved to the head
	f.push(message("a3", "a", bob, at(60)))
	require.Eventually(t, func() bool {
		return unreadOf(s.State(), "a") == 1
	}, waitFor, tick)
	st = s.State()
	assert.Equal(t, []string{"a", "b"}, conversationIds(st))
	assert.Equal(t, []string{"b1", "b2"}, messageIds(st))
}

func TestSessionDiscardsAbandonedSelection(t *testing.T) {
	f := newFakeServer(t)
	release := f.gate("a")
	s := startSession(t, f)

	require.NoError(t, s.Select("a"))
	require.NoError(t, s.Select("b"))
	require.Eventually(t, func() bool {
		return slices.Equal(messageIds(s.State()), []string{"b1"})
	}, waitFor, tick)

	close(release)

	assert.Never(t, func() bool {
		st := s.State()
		return st.OpenConversation != "b" || !slices.Equal(messageIds(st), []string{"b1"})
	}, 200*time.Millisecond, tick)
}

func TestSessionFetchError(t *testing.T) {
	f := newFakeServer(t)
	s := startSession(t, f)
	before := s.State().Conversations

	require.NoError(t, s.Select("missing"))
	require.Eventually(t, func() bool {
		return s.State().Err != nil
	}, waitFor, tick)

	st := s.State()
	assert.Equal(t, "missing", st.OpenConversation)
	assert.Empty(t, st.Messages)
	assert.Equal(t, before, st.Conversations)
}

func TestSessionSend(t *testing.T) {
	f := newFakeServer(t)
	s := startSession(t, f)

	require.NoError(t, s.Select("b"))
	require.Eventually(t, func() bool {
		return len(s.State().Messages) == 1
	}, waitFor, tick)

	msg, err := s.Send(context.Background(), "b", "hello")
	require.NoError(t, err)
	assert.Equal(t, "sent-1", msg.Id)

	require.Eventually(t, func() bool {
		return slices.Equal(messageIds(s.State()), []string{"b1", "sent-1"})
	}, waitFor, tick)

	st := s.State()
	assert.Equal(t, []string{"b", "a"}, conversationIds(st))
	b, _ := st.Conversation("b")
	assert.Equal(t, "sent-1", b.LatestMessage.Id)
	assert.Equal(t, 0, b.UnreadCount)
}

func TestSessionMarkRead(t *testing.T) {
	f := newFakeServer(t)
	s := startSession(t, f)

	require.NoError(t, s.MarkRead(context.Background(), "b"))
	require.Eventually(t, func() bool {
		return unreadOf(s.State(), "b") == 0
	}, waitFor, tick)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"b"}, f.marked)
}

func TestSessionCreateDirect(t *testing.T) {
	f := newFakeServer(t)
	s := startSession(t, f)

	conv, err := s.CreateDirect(context.Background(), carol)
	require.NoError(t, err)
	assert.Equal(t, "d1", conv.Id)

	require.Eventually(t, func() bool {
		return slices.Equal(conversationIds(s.State()), []string{"d1", "a", "b"})
	}, waitFor, tick)
}

func TestSessionRefreshesUnknownConversation(t *testing.T) {
	f := newFakeServer(t)
	s := startSession(t, f)

	f.mu.Lock()
	f.conversations = append(f.conversations, view("new", at(70), 1))
	f.mu.Unlock()

	f.push(message("new-latest", "new", bob, at(70)))

	require.Eventually(t, func() bool {
		st := s.State()
		return slices.Equal(conversationIds(st), []string{"new", "a", "b"}) && !st.NeedsRefresh
	}, waitFor, tick)
	assert.Equal(t, 1, unreadOf(s.State(), "new"))
}

func TestSessionRunUnauthorized(t *testing.T) {
	f := newFakeServer(t)
	s := NewSession(NewClient(f.srv.URL, nil), alice, testutil.TestLogger(t))

	err := s.Run(context.Background())
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusUnauthorized, respErr.StatusCode)

	assert.ErrorIs(t, s.Select("a"), ErrSessionClosed)
	assert.Equal(t, reconciler.New(alice), s.State())
}

func TestSessionStopsOnCancel(t *testing.T) {
	f := newFakeServer(t)
	s := NewSession(f.client(), alice, testutil.TestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()

	<-s.Ready()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
	}

	_, err := s.CreateDirect(context.Background(), carol)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
