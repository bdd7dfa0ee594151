// Package chat stores conversations and messages and hands stored messages to
// the realtime layer for delivery.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	MetricMessagesStored = "messages_stored"

	minGroupOthers = 2
)

// Notifier is the realtime side of the service. Calls never block on
// recipients.
type Notifier interface {
	RouteMessage(conv types.Conversation, msg types.Message) []string
	AddUserToRoom(userId int, conversationId string)
	RemoveUserFromRoom(userId int, conversationId string)
}

type Service struct {
	repo     database.ChatRepository
	notifier Notifier
	log      zerolog.Logger
	stats    stats.StatsProvider

	newConversationId func() (string, error)
	newMessageId      func(t time.Time) string
	now               func() time.Time
}

func NewService(logger zerolog.Logger, repo database.ChatRepository, notifier Notifier, su stats.StatsProvider) *Service {
	su.RegisterMetric(MetricMessagesStored)

	return &Service{
		repo:              repo,
		notifier:          notifier,
		log:               logger.With().Str("component", "chat").Logger(),
		stats:             su,
		newConversationId: shortid.Generate,
		newMessageId: func(t time.Time) string {
			return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
		},
		now: func() time.Time {
			return time.Now().UTC().Round(time.Millisecond)
		},
	}
}

// SendMessage durably stores a message from senderId, moves the conversation's
// latest message pointer to it and only then routes it to recipients.
func (s *Service) SendMessage(ctx context.Context, senderId int, conversationId, content string) (types.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return types.Message{}, invalid("content is required")
	}
	if conversationId == "" {
		return types.Message{}, invalid("conversation id is required")
	}

	conv, err := s.memberConversation(ctx, senderId, conversationId)
	if err != nil {
		return types.Message{}, err
	}

	createdAt := s.now()
	dbMsg, err := s.repo.CreateMessage(ctx, database.Message{
		Id:             s.newMessageId(createdAt),
		ConversationId: conv.Id,
		SenderId:       senderId,
		Content:        content,
		CreatedAt:      createdAt,
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("store message: %w", err)
	}
	s.stats.Incr(MetricMessagesStored)

	// the message is already the newest one on read, a failed pointer
	// update is repaired by the next message
	if err := s.repo.UpdateLatestMessage(ctx, conv.Id, dbMsg.Id); err != nil {
		s.log.Error().Err(err).
			Str("conversation_id", conv.Id).
			Str("message_id", dbMsg.Id).
			Msg("update latest message")
	}

	msg := toMessage(dbMsg)
	conv.LatestMessage = &msg

	targets := s.notifier.RouteMessage(conv, msg)
	s.log.Debug().
		Str("conversation_id", conv.Id).
		Str("message_id", msg.Id).
		Strs("targets", targets).
		Msg("message routed")

	return msg, nil
}

// MarkConversationRead adds userId to the read receipts of every message in
// the conversation it has not read. Repeated calls are no-ops.
func (s *Service) MarkConversationRead(ctx context.Context, userId int, conversationId string) (int64, error) {
	if _, err := s.memberConversation(ctx, userId, conversationId); err != nil {
		return 0, err
	}

	n, err := s.repo.MarkRead(ctx, conversationId, userId)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}

	return n, nil
}

// ListConversations returns the user's conversations, most recent activity first.
func (s *Service) ListConversations(ctx context.Context, userId int) ([]types.ConversationView, error) {
	dbConvs, err := s.repo.FindConversationsByMember(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("find conversations: %w", err)
	}

	views := make([]types.ConversationView, 0, len(dbConvs))
	for _, dbConv := range dbConvs {
		unread, err := s.repo.CountUnread(ctx, dbConv.Id, userId)
		if err != nil {
			return nil, fmt.Errorf("count unread: %w", err)
		}

		views = append(views, types.ConversationView{
			Conversation: toConversation(dbConv),
			UnreadCount:  unread,
		})
	}

	slices.SortStableFunc(views, func(a, b types.ConversationView) int {
		return b.LastActivity().Compare(a.LastActivity())
	})

	return views, nil
}

// ListMessages returns the conversation history in creation order and marks
// it read for userId.
func (s *Service) ListMessages(ctx context.Context, userId int, conversationId string) ([]types.Message, error) {
	if _, err := s.memberConversation(ctx, userId, conversationId); err != nil {
		return nil, err
	}

	dbMsgs, err := s.repo.FindMessagesByConversation(ctx, conversationId)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}

	if _, err := s.repo.MarkRead(ctx, conversationId, userId); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	msgs := make([]types.Message, 0, len(dbMsgs))
	for _, dbMsg := range dbMsgs {
		msg := toMessage(dbMsg)
		if msg.SenderId != userId && !msg.IsReadBy(userId) {
			msg.ReadBy = append(msg.ReadBy, userId)
			slices.Sort(msg.ReadBy)
		}
		msgs = append(msgs, msg)
	}

	return msgs, nil
}

func (s *Service) GetConversation(ctx context.Context, userId int, conversationId string) (types.Conversation, error) {
	return s.memberConversation(ctx, userId, conversationId)
}

// CreateDirectConversation returns the direct conversation between userId and
// otherId, creating it on first contact.
func (s *Service) CreateDirectConversation(ctx context.Context, userId, otherId int) (types.Conversation, bool, error) {
	if otherId == 0 {
		return types.Conversation{}, false, invalid("user id is required")
	}
	if otherId == userId {
		return types.Conversation{}, false, invalid("cannot start a conversation with yourself")
	}

	if _, err := s.repo.GetAccountById(ctx, otherId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Conversation{}, false, fmt.Errorf("user %d: %w", otherId, ErrNotFound)
		}
		return types.Conversation{}, false, fmt.Errorf("get account: %w", err)
	}

	id, err := s.newConversationId()
	if err != nil {
		return types.Conversation{}, false, fmt.Errorf("generate conversation id: %w", err)
	}

	dbConv, created, err := s.repo.FindOrCreateDirectConversation(ctx, id, userId, otherId)
	if err != nil {
		return types.Conversation{}, false, err
	}

	return toConversation(dbConv), created, nil
}

// CreateGroupConversation creates a named group administered by adminId.
func (s *Service) CreateGroupConversation(ctx context.Context, adminId int, name string, memberIds []int) (types.Conversation, error) {
	others := make([]int, 0, len(memberIds))
	for _, id := range memberIds {
		if id != adminId && id > 0 && !slices.Contains(others, id) {
			others = append(others, id)
		}
	}

	if strings.TrimSpace(name) == "" {
		return types.Conversation{}, invalid("group name is required")
	}
	if len(others) < minGroupOthers {
		return types.Conversation{}, invalid("a group needs at least 2 other members")
	}

	id, err := s.newConversationId()
	if err != nil {
		return types.Conversation{}, fmt.Errorf("generate conversation id: %w", err)
	}

	conv, err := types.NewGroupConversation(id, name, adminId, others)
	if err != nil {
		return types.Conversation{}, invalid(err.Error())
	}

	dbConv, err := s.repo.CreateGroupConversation(ctx, database.CreateGroupParams{
		Id:      conv.Id,
		Name:    conv.Group.Name,
		AdminId: adminId,
		Members: conv.Members,
	})
	if err != nil {
		return types.Conversation{}, err
	}

	conv = toConversation(dbConv)
	for _, m := range conv.Members {
		s.notifier.AddUserToRoom(m, conv.Id)
	}

	return conv, nil
}

func (s *Service) RenameGroup(ctx context.Context, userId int, conversationId, name string) (types.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Conversation{}, invalid("group name is required")
	}

	if _, err := s.adminConversation(ctx, userId, conversationId); err != nil {
		return types.Conversation{}, err
	}

	dbConv, err := s.repo.RenameConversation(ctx, conversationId, name)
	if err != nil {
		return types.Conversation{}, s.lookupErr(err, conversationId)
	}

	return toConversation(dbConv), nil
}

// AddMember adds memberId to a group. Adding an existing member is a no-op.
func (s *Service) AddMember(ctx context.Context, userId int, conversationId string, memberId int) (types.Conversation, error) {
	conv, err := s.adminConversation(ctx, userId, conversationId)
	if err != nil {
		return types.Conversation{}, err
	}

	if conv.HasMember(memberId) {
		return conv, nil
	}

	if _, err := s.repo.GetAccountById(ctx, memberId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Conversation{}, fmt.Errorf("user %d: %w", memberId, ErrNotFound)
		}
		return types.Conversation{}, fmt.Errorf("get account: %w", err)
	}

	members := append(slices.Clone(conv.Members), memberId)
	dbConv, err := s.repo.UpdateConversationMembers(ctx, conversationId, members)
	if err != nil {
		return types.Conversation{}, err
	}

	s.notifier.AddUserToRoom(memberId, conversationId)
	return toConversation(dbConv), nil
}

// RemoveMember removes memberId from a group. The admin cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, userId int, conversationId string, memberId int) (types.Conversation, error) {
	conv, err := s.adminConversation(ctx, userId, conversationId)
	if err != nil {
		return types.Conversation{}, err
	}

	if conv.IsAdmin(memberId) {
		return types.Conversation{}, invalid("the group admin cannot be removed")
	}
	if !conv.HasMember(memberId) {
		return conv, nil
	}

	members := slices.DeleteFunc(slices.Clone(conv.Members), func(m int) bool { return m == memberId })
	dbConv, err := s.repo.UpdateConversationMembers(ctx, conversationId, members)
	if err != nil {
		return types.Conversation{}, err
	}

	s.notifier.RemoveUserFromRoom(memberId, conversationId)
	return toConversation(dbConv), nil
}

// GroupConversationIds lists the group conversations userId belongs to.
func (s *Service) GroupConversationIds(ctx context.Context, userId int) ([]string, error) {
	dbConvs, err := s.repo.FindConversationsByMember(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("find conversations: %w", err)
	}

	var ids []string
	for _, c := range dbConvs {
		if c.IsGroup {
			ids = append(ids, c.Id)
		}
	}

	return ids, nil
}

// memberConversation loads a conversation and checks userId against its
// durable member set.
func (s *Service) memberConversation(ctx context.Context, userId int, conversationId string) (types.Conversation, error) {
	dbConv, err := s.repo.GetConversation(ctx, conversationId)
	if err != nil {
		return types.Conversation{}, s.lookupErr(err, conversationId)
	}

	conv := toConversation(dbConv)
	if !conv.HasMember(userId) {
		return types.Conversation{}, fmt.Errorf("user %d is not a member of %q: %w", userId, conversationId, ErrForbidden)
	}

	return conv, nil
}

func (s *Service) adminConversation(ctx context.Context, userId int, conversationId string) (types.Conversation, error) {
	dbConv, err := s.repo.GetConversation(ctx, conversationId)
	if err != nil {
		return types.Conversation{}, s.lookupErr(err, conversationId)
	}

	conv := toConversation(dbConv)
	if !conv.IsGroup() {
		return types.Conversation{}, invalid("not a group conversation")
	}
	if !conv.IsAdmin(userId) {
		return types.Conversation{}, fmt.Errorf("user %d is not the admin of %q: %w", userId, conversationId, ErrForbidden)
	}

	return conv, nil
}

func (s *Service) lookupErr(err error, conversationId string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %q: %w", conversationId, ErrNotFound)
	}
	return fmt.Errorf("get conversation: %w", err)
}

func toConversation(c database.Conversation) types.Conversation {
	conv := types.Conversation{
		Id:        c.Id,
		Kind:      types.KindDirect,
		Members:   c.Members,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}

	if c.IsGroup {
		conv.Kind = types.KindGroup
		conv.Group = &types.GroupInfo{
			Name:    c.Name.String,
			AdminId: int(c.AdminId.Int64),
		}
	}

	if c.LatestMessage != nil {
		msg := toMessage(*c.LatestMessage)
		conv.LatestMessage = &msg
	}

	return conv
}

func toMessage(m database.Message) types.Message {
	return types.Message{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		SenderId:       m.SenderId,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		ReadBy:         m.ReadBy,
	}
}
