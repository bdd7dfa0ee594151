package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/auth"
	"github.com/npezzotti/go-chatsync/internal/chat"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

type testApp struct {
	app    *GoChatApp
	repo   *database.MockChatRepository
	hub    *server.Hub
	tokens *auth.TokenManager
}

func newTestApp(t *testing.T) *testApp {
	repo := &database.MockChatRepository{}
	su := stats.NewPermissiveMock()

	logger := testutil.TestLogger(t)
	hub := server.NewHub(logger, su)
	svc := chat.NewService(logger, repo, hub, su)
	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		DatabaseDSN:    "dsn",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	}

	return &testApp{
		app:    NewGoChatApp(http.NewServeMux(), logger, hub, svc, repo, cfg),
		repo:   repo,
		hub:    hub,
		tokens: auth.NewTokenManager(testSigningKey),
	}
}

func (ta *testApp) token(t *testing.T, userId int) string {
	token, err := ta.tokens.Issue(userId, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a request through the full handler chain. A userId above zero
// authenticates the request with a bearer token.
func (ta *testApp) do(t *testing.T, method, path string, body any, userId int) *httptest.ResponseRecorder {
	buf := &bytes.Buffer{}
	if body != nil {
		require.NoError(t, json.NewEncoder(buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, buf)
	if userId > 0 {
		req.Header.Set("Authorization", "Bearer "+ta.token(t, userId))
	}

	rr := httptest.NewRecorder()
	ta.app.Handler().ServeHTTP(rr, req)

	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

// findCookie returns the named cookie set on the response, or nil.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}
