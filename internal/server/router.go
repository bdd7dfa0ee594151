package server

import (
	"strconv"

	"github.com/npezzotti/go-chatsync/internal/types"
)

const (
	userRoomPrefix         = "user:"
	conversationRoomPrefix = "chat:"
)

// UserRoom is the private room every connection of a user joins on connect.
func UserRoom(userId int) string {
	return userRoomPrefix + strconv.Itoa(userId)
}

func ConversationRoom(conversationId string) string {
	return conversationRoomPrefix + conversationId
}

// ResolveTargets returns the rooms a message from senderId is delivered to.
// Group messages go to the conversation room, direct messages to the private
// room of the other member. Conversations with fewer than two members have no
// targets.
func ResolveTargets(conv types.Conversation, senderId int) []string {
	if len(conv.Members) < 2 {
		return nil
	}

	if conv.IsGroup() {
		return []string{ConversationRoom(conv.Id)}
	}

	other, ok := conv.OtherMember(senderId)
	if !ok {
		return nil
	}

	return []string{UserRoom(other)}
}

// RouteMessage queues msg for every target room, never for the sender's own
// connections, and returns the targets.
func (h *Hub) RouteMessage(conv types.Conversation, msg types.Message) []string {
	targets := ResolveTargets(conv, msg.SenderId)
	if len(targets) == 0 {
		h.log.Debug().
			Str("conversation_id", conv.Id).
			Msg("no route targets")
		return targets
	}

	if h.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       EventMessageReceived,
		Message:     &msg,
		Rooms:       targets,
		SkipUserId:  msg.SenderId,
	}) {
		h.stats.Incr(MetricMessagesRouted)
	}

	return targets
}

func (h *Hub) AddUserToRoom(userId int, conversationId string) {
	h.JoinUser(userId, ConversationRoom(conversationId))
}

func (h *Hub) RemoveUserFromRoom(userId int, conversationId string) {
	h.LeaveUser(userId, ConversationRoom(conversationId))
}
