package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/auth"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/types"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	User  types.User `json:"user"`
	Token string     `json:"token"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type UpdateAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type PresenceResponse struct {
	Online []int `json:"online"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.Error().Err(errResp.Err).Msg(errResp.Message)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// accountError maps account lookups, which surface sql.ErrNoRows directly.
func accountError(err error) *ApiError {
	if errors.Is(err, sql.ErrNoRows) {
		return NewNotFoundError()
	}
	return NewInternalServerError(err)
}

func toUser(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		s.writeError(w, NewValidationError("username, email and password are required"))
		return
	}

	pwdHash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	newUser, err := s.db.CreateAccount(r.Context(), database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if errors.Is(err, database.ErrEmailTaken) {
		s.writeError(w, NewConflictError(err.Error()))
		return
	}
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toUser(newUser))
}

func (s *GoChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if lr.Email == "" || lr.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	dbUser, err := s.db.GetAccountByEmail(r.Context(), lr.Email)
	if err != nil {
		s.writeError(w, accountError(err))
		return
	}

	if !auth.VerifyPassword(dbUser.PasswordHash, lr.Password) {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	token, err := s.tokens.Issue(dbUser.Id, auth.DefaultTokenExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, auth.NewTokenCookie(token, auth.DefaultTokenExpiration))

	s.writeJson(w, http.StatusOK, LoginResponse{User: toUser(dbUser), Token: token})
}

func (s *GoChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired one so the browser drops it
	http.SetCookie(w, auth.NewTokenCookie("", -auth.DefaultTokenExpiration))
	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) session(w http.ResponseWriter, r *http.Request) {
	s.getAccount(w, r)
}

func (s *GoChatApp) getAccount(w http.ResponseWriter, r *http.Request) {
	userId, ok := auth.UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetAccountById(r.Context(), userId)
	if err != nil {
		s.writeError(w, accountError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *GoChatApp) updateAccount(w http.ResponseWriter, r *http.Request) {
	userId, ok := auth.UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req UpdateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		s.writeError(w, NewValidationError("username and password are required"))
		return
	}

	pwdHash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	dbUser, err := s.db.UpdateAccount(r.Context(), database.UpdateAccountParams{
		UserId:       userId,
		Username:     strings.TrimSpace(req.Username),
		PasswordHash: pwdHash,
	})
	if err != nil {
		s.writeError(w, accountError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toUser(dbUser))
}

func (s *GoChatApp) presence(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, PresenceResponse{Online: s.hub.OnlineUsers()})
}

func (s *GoChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients send no origin
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs upgrades an authenticated request and joins the new connection to
// the rooms of every group the user belongs to. Groups are looked up after the
// connection is registered, so a group created in between reaches it either
// through the lookup or through the membership hook.
func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := auth.UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	dbUser, err := s.db.GetAccountById(r.Context(), userId)
	if err != nil {
		s.writeError(w, accountError(err))
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade connection")
		return
	}

	client := server.NewClient(toUser(dbUser), conn, s.hub, s.chat, s.log)
	s.hub.Register(client)

	groupIds, err := s.chat.GroupConversationIds(r.Context(), userId)
	if err != nil {
		s.log.Error().Err(err).Int("user_id", userId).Msg("load group rooms")
		s.hub.Unregister(client)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal server error"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	for _, id := range groupIds {
		s.hub.Join(client, server.ConversationRoom(id))
	}

	s.log.Debug().
		Str("client_id", client.Id()).
		Int("user_id", client.User().Id).
		Int("groups", len(groupIds)).
		Msg("websocket connected")

	go client.Write()
	go client.Read()
}
