package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chatsync/internal/auth"
	"github.com/npezzotti/go-chatsync/internal/chat"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/rs/zerolog"
)

type GoChatApp struct {
	log            zerolog.Logger
	db             database.ChatRepository
	hub            *server.Hub
	chat           *chat.Service
	tokens         *auth.TokenManager
	allowedOrigins []string
	srv            *http.Server
}

func NewGoChatApp(mux *http.ServeMux, logger zerolog.Logger, hub *server.Hub, svc *chat.Service, db database.ChatRepository, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger.With().Str("component", "api").Logger(),
		db:             db,
		hub:            hub,
		chat:           svc,
		tokens:         auth.NewTokenManager(cfg.SigningKey),
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /api/account", s.authMiddleware(s.getAccount))
	mux.HandleFunc("PUT /api/account", s.authMiddleware(s.updateAccount))
	mux.HandleFunc("GET /api/conversations", s.authMiddleware(s.listConversations))
	mux.HandleFunc("POST /api/conversations", s.authMiddleware(s.createDirectConversation))
	mux.HandleFunc("POST /api/conversations/group", s.authMiddleware(s.createGroupConversation))
	mux.HandleFunc("PUT /api/conversations/{id}/name", s.authMiddleware(s.renameGroup))
	mux.HandleFunc("POST /api/conversations/{id}/members", s.authMiddleware(s.addMember))
	mux.HandleFunc("DELETE /api/conversations/{id}/members/{userId}", s.authMiddleware(s.removeMember))
	mux.HandleFunc("PUT /api/conversations/{id}/read", s.authMiddleware(s.markRead))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.authMiddleware(s.listMessages))
	mux.HandleFunc("POST /api/messages", s.authMiddleware(s.sendMessage))
	mux.HandleFunc("GET /api/presence", s.authMiddleware(s.presence))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = s.logRequest(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *GoChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *GoChatApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
