package api

import (
	"net/http"
	"testing"

	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewGoChatApp(t *testing.T) {
	su := stats.NewPermissiveMock()

	logger := testutil.TestLogger(t)
	hub := server.NewHub(logger, su)
	db := &database.MockChatRepository{}
	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		DatabaseDSN:    "dsn",
		SigningKey:     []byte("secret"),
		AllowedOrigins: []string{"http://localhost:3000"},
	}

	app := NewGoChatApp(http.NewServeMux(), logger, hub, nil, db, cfg)

	assert.NotNil(t, app.srv, "expected http server to be initialized")
	assert.Equal(t, db, app.db, "expected db to be set")
	assert.Equal(t, hub, app.hub, "expected hub to be set")
	assert.NotNil(t, app.tokens, "expected token manager to be set")
	assert.Equal(t, cfg.AllowedOrigins, app.allowedOrigins)
	assert.Equal(t, cfg.ServerAddr, app.srv.Addr, "expected server address to match config")
	assert.NotNil(t, app.Handler())
}
