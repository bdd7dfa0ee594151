package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "tok"
	alice     = 1
	bob       = 2
	carol     = 3
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

// fakeServer serves the REST routes and push stream the client uses.
type fakeServer struct {
	srv *httptest.Server

	mu            sync.Mutex
	conversations []types.ConversationView
	messages      map[string][]types.Message
	gates         map[string]chan struct{}
	marked        []string

	pushes chan server.ServerMessage
	joins  chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	f := &fakeServer{
		conversations: []types.ConversationView{
			view("a", at(20), 0),
			view("b", at(10), 1),
		},
		messages: map[string][]types.Message{
			"a": {message("a1", "a", bob, at(19)), message("a2", "a", alice, at(20))},
			"b": {message("b1", "b", carol, at(10))},
		},
		gates:  map[string]chan struct{}{},
		pushes: make(chan server.ServerMessage, 16),
		joins:  make(chan string, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", f.login)
	mux.HandleFunc("GET /api/conversations", f.authed(f.listConversations))
	mux.HandleFunc("POST /api/conversations", f.authed(f.createDirect))
	mux.HandleFunc("GET /api/conversations/{id}/messages", f.authed(f.listMessages))
	mux.HandleFunc("PUT /api/conversations/{id}/read", f.authed(f.markRead))
	mux.HandleFunc("POST /api/messages", f.authed(f.sendMessage))
	mux.HandleFunc("GET /ws", f.authed(f.serveWs))

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func view(id string, latest time.Time, unread int) types.ConversationView {
	m := message(id+"-latest", id, bob, latest)
	return types.ConversationView{
		Conversation: types.Conversation{
			Id:            id,
			Kind:          types.KindDirect,
			Members:       []int{alice, bob},
			LatestMessage: &m,
			CreatedAt:     t0,
		},
		UnreadCount: unread,
	}
}

func message(id, conversationId string, sender int, createdAt time.Time) types.Message {
	return types.Message{
		Id:             id,
		ConversationId: conversationId,
		SenderId:       sender,
		Content:        "hi from " + id,
		CreatedAt:      createdAt,
		ReadBy:         []int{sender},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (f *fakeServer) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"status_code": http.StatusUnauthorized,
				"message":     "unauthorized",
			})
			return
		}
		next(w, r)
	}
}

func (f *fakeServer) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	if req.Password != "secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"status_code": http.StatusUnauthorized,
			"message":     "invalid credentials",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":  types.User{Id: alice, Username: "alice", EmailAddress: req.Email},
		"token": testToken,
	})
}

func (f *fakeServer) listConversations(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, f.conversations)
}

func (f *fakeServer) createDirect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserId int `json:"user_id"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	writeJSON(w, http.StatusCreated, types.Conversation{
		Id:        "d1",
		Kind:      types.KindDirect,
		Members:   []int{alice, req.UserId},
		CreatedAt: at(30),
	})
}

func (f *fakeServer) listMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	f.mu.Lock()
	gate := f.gates[id]
	msgs, ok := f.messages[id]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status_code": http.StatusInternalServerError,
			"message":     "internal server error",
		})
		return
	}

	writeJSON(w, http.StatusOK, msgs)
}

func (f *fakeServer) markRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	f.mu.Lock()
	f.marked = append(f.marked, id)
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "marked": 2})
}

func (f *fakeServer) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationId string `json:"conversation_id"`
		Content        string `json:"content"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	msg := types.Message{
		Id:             "sent-1",
		ConversationId: req.ConversationId,
		SenderId:       alice,
		Content:        req.Content,
		CreatedAt:      at(40),
		ReadBy:         []int{alice},
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (f *fakeServer) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var req server.ClientMessage
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Event == server.EventChatJoin {
				f.joins <- req.ConversationId
			}
		}
	}()

	for {
		select {
		case msg := <-f.pushes:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (f *fakeServer) gate(conversationId string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	g := make(chan struct{})
	f.gates[conversationId] = g
	return g
}

func (f *fakeServer) push(m types.Message) {
	f.pushes <- server.ServerMessage{
		Event:   server.EventMessageReceived,
		Message: &m,
	}
}

func (f *fakeServer) client() *Client {
	c := NewClient(f.srv.URL, f.srv.Client())
	c.SetToken(testToken)
	return c
}

// startSession runs a session for alice until the test ends.
func startSession(t *testing.T, f *fakeServer) *Session {
	t.Helper()

	s := NewSession(f.client(), alice, testutil.TestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	select {
	case <-s.Ready():
	case err := <-errCh:
		require.FailNow(t, "session stopped early", err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "session not ready")
	}

	require.Eventually(t, func() bool {
		return len(s.State().Conversations) > 0
	}, time.Second, 10*time.Millisecond)

	return s
}
