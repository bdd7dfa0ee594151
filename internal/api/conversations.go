package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/npezzotti/go-chatsync/internal/auth"
)

type CreateDirectRequest struct {
	UserId int `json:"user_id"`
}

type CreateGroupRequest struct {
	Name    string `json:"name"`
	Members []int  `json:"members"`
}

type RenameGroupRequest struct {
	Name string `json:"name"`
}

type AddMemberRequest struct {
	UserId int `json:"user_id"`
}

type SendMessageRequest struct {
	ConversationId string `json:"conversation_id"`
	Content        string `json:"content"`
}

type MarkReadResponse struct {
	ConversationId string `json:"conversation_id"`
	Marked         int64  `json:"marked"`
}

// decode reads a JSON body and reports a bad request on failure.
func (s *GoChatApp) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, NewBadRequestError())
		return false
	}
	return true
}

func (s *GoChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())

	views, err := s.chat.ListConversations(r.Context(), userId)
	if err != nil {
		s.writeError(w, errorFromChat(err))
		return
	}

	s.writeJson(w, http.StatusOK, views)
}

func (s *GoChatApp) createDirectConversation(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())

	var req CreateDirectRequest
	if !s.decode(w, r, &req) {
		return
	}

	conv, created, err := s.chat.CreateDirectConversation(r.Context(), userId, req.UserId)
	if err != nil {
		s.writeError(w, errorFromChat(err))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	s.writeJson(w, status, conv)
}

func (s *GoChatApp) createGroupConversation(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())

	var req CreateGroupRequest
	if !s.decode(w, r, &req) {
		return
	}

	conv, err := s.chat.CreateGroupConversation(r.Context(), userId, req.Name, req.Members)
	if err != nil {
		s.writeError(w, errorFromChat(err))
		return
	}

	s.writeJson(w, http.StatusCreated, conv)
}

func (s *GoChatApp) renameGroup(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())

	var req RenameGroupRequest
	if !s.decode(w, r, &req) {
		return
	}

	conv, err := s.chat.RenameGroup(r.Context(), userId, r.PathValue("id"), req.Name)
	if err != nil {
		s.writeError(w, errorFromChat(err))
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *GoChatApp) addMember(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())

	var req AddMemberRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.UserId <= 0 {
		s.writeError(w, NewValidationError("user_id is required"))
		return
	}

	conv, err := s.chat.AddMember(r.Context(), userId, r.PathValue("id"), req.UserId)
	if err != nil {
		s.writeError(w, errorFromChat(err))
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *GoChatApp) removeMember(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())

	memberId, err := strconv.Atoi(r.PathValue("userId"))
	if err != nil || memberId <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	conv, err := s.chat.RemoveMember(r.Context(), userId, r.PathValue("id"), memberId)
	if err != nil {
		s.writeError(w, errorFromChat(err))
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *GoChatApp) markRead(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())
	conversationId := r.PathValue("id")

	n, err := s.chat.MarkConversationRead(r.Context(), userId, conversationId)
	if err != nil {
		s.writeError(w, errorFromChat(err))
		return
	}

	s.writeJson(w, http.StatusOK, MarkReadResponse{ConversationId: conversationId, Marked: n})
}

func (s *GoChatApp) listMessages(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())

	msgs, err := s.chat.ListMessages(r.Context(), userId, r.PathValue("id"))
	if err != nil {
		s.writeError(w, errorFromChat(err))
		return
	}

	s.writeJson(w, http.StatusOK, msgs)
}

func (s *GoChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())

	var req SendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	msg, err := s.chat.SendMessage(r.Context(), userId, req.ConversationId, req.Content)
	if err != nil {
		s.writeError(w, errorFromChat(err))
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}
