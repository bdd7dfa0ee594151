// Package reconciler merges REST snapshots and pushed events into the client's
// view of its conversations. Every transition is a pure function from one
// State to the next; inputs are never mutated.
package reconciler

import (
	"slices"

	"github.com/npezzotti/go-chatsync/internal/types"
)

// State is the client view: the conversation list, most recent activity
// first, and the message list of the open conversation.
type State struct {
	Self             int
	Conversations    []types.ConversationView
	OpenConversation string
	Messages         []types.Message
	// Selection changes every time a conversation is opened. Message
	// snapshots carry the selection they were requested for.
	Selection uint64
	// Err is the last fetch failure. Prior state is left intact.
	Err error
	// NeedsRefresh is set when a push names a conversation missing from the
	// list. The next conversations snapshot clears it.
	NeedsRefresh bool
}

func New(self int) State {
	return State{Self: self}
}

func (s State) indexOf(conversationId string) int {
	return slices.IndexFunc(s.Conversations, func(v types.ConversationView) bool {
		return v.Id == conversationId
	})
}

func (s State) Conversation(conversationId string) (types.ConversationView, bool) {
	if i := s.indexOf(conversationId); i >= 0 {
		return s.Conversations[i], true
	}
	return types.ConversationView{}, false
}

func (s State) TotalUnread() int {
	total := 0
	for _, v := range s.Conversations {
		total += v.UnreadCount
	}
	return total
}

// Select opens a conversation. The previous message list is dropped and any
// snapshot requested for an earlier selection will be discarded.
func Select(s State, conversationId string) State {
	s.Selection++
	s.OpenConversation = conversationId
	s.Messages = nil
	s.Err = nil
	s.Conversations = setUnread(s.Conversations, conversationId, 0)

	return s
}

// Close leaves the open conversation.
func Close(s State) State {
	s.Selection++
	s.OpenConversation = ""
	s.Messages = nil

	return s
}

// ApplyPushedMessage applies a message delivered by the push stream.
func ApplyPushedMessage(s State, m types.Message) State {
	m.ReadBy = slices.Clone(m.ReadBy)
	open := m.ConversationId == s.OpenConversation && s.OpenConversation != ""

	seen := false
	if open {
		s.Messages, seen = mergeMessage(s.Messages, m)
	}

	idx := s.indexOf(m.ConversationId)
	if idx < 0 {
		s.NeedsRefresh = true
		return s
	}

	view := s.Conversations[idx]
	if view.LatestMessage != nil && view.LatestMessage.Id == m.Id {
		seen = true
	}

	if view.LatestMessage == nil || !isOlder(m, *view.LatestMessage) {
		latest := m
		view.LatestMessage = &latest
	}

	switch {
	case open:
		view.UnreadCount = 0
	case !seen && m.SenderId != s.Self && !m.IsReadBy(s.Self):
		view.UnreadCount++
	}

	s.Conversations = moveToHead(s.Conversations, idx, view)
	return s
}

// ApplyConversationsSnapshot replaces the conversation list. Server unread
// counts win except for the open conversation, which is always read.
func ApplyConversationsSnapshot(s State, views []types.ConversationView) State {
	convs := slices.Clone(views)
	for i := range convs {
		if convs[i].Id == s.OpenConversation {
			convs[i].UnreadCount = 0
		}
	}

	slices.SortStableFunc(convs, func(a, b types.ConversationView) int {
		return b.LastActivity().Compare(a.LastActivity())
	})

	s.Conversations = convs
	s.NeedsRefresh = false
	s.Err = nil

	return s
}

// ApplyMessagesSnapshot replaces the open message list with a fetched
// history. Snapshots for a conversation that is no longer open, or for an
// earlier selection of it, are discarded. Pushed messages absent from the
// snapshot are kept, so the result does not depend on whether a push arrived
// before or after the fetch.
func ApplyMessagesSnapshot(s State, conversationId string, selection uint64, msgs []types.Message) State {
	if conversationId != s.OpenConversation || selection != s.Selection {
		return s
	}

	merged := make([]types.Message, 0, len(msgs)+len(s.Messages))
	index := make(map[string]int, len(msgs))
	for _, m := range msgs {
		m.ReadBy = slices.Clone(m.ReadBy)
		if i, ok := index[m.Id]; ok {
			merged[i] = m
			continue
		}
		index[m.Id] = len(merged)
		merged = append(merged, m)
	}

	for _, m := range s.Messages {
		if _, ok := index[m.Id]; !ok {
			merged = append(merged, m)
		}
	}
	slices.SortStableFunc(merged, compareMessages)

	s.Messages = merged
	s.Conversations = setUnread(s.Conversations, conversationId, 0)
	s.Err = nil

	return s
}

// ApplyUpsertConversation adds a conversation returned by a create or admin
// call. Known conversations keep their unread count and position.
func ApplyUpsertConversation(s State, conv types.Conversation) State {
	idx := s.indexOf(conv.Id)
	if idx < 0 {
		s.Conversations = slices.Insert(slices.Clone(s.Conversations), 0, types.ConversationView{Conversation: conv})
		return s
	}

	convs := slices.Clone(s.Conversations)
	view := convs[idx]
	if conv.LatestMessage == nil {
		conv.LatestMessage = view.LatestMessage
	}
	view.Conversation = conv
	convs[idx] = view
	s.Conversations = convs

	return s
}

// ApplyMarkedRead records that the viewer read everything in a conversation.
func ApplyMarkedRead(s State, conversationId string) State {
	s.Conversations = setUnread(s.Conversations, conversationId, 0)
	if conversationId != s.OpenConversation {
		return s
	}

	msgs := slices.Clone(s.Messages)
	for i, m := range msgs {
		if m.SenderId == s.Self || m.IsReadBy(s.Self) {
			continue
		}
		readBy := append(slices.Clone(m.ReadBy), s.Self)
		slices.Sort(readBy)
		msgs[i].ReadBy = readBy
	}
	s.Messages = msgs

	return s
}

// ApplyFetchError surfaces a failed fetch without touching the data.
func ApplyFetchError(s State, err error) State {
	s.Err = err
	return s
}

// mergeMessage replaces the entry with the same id, taking the incoming read
// receipts, or inserts m in creation order. It reports whether the id was
// already present.
func mergeMessage(msgs []types.Message, m types.Message) ([]types.Message, bool) {
	if i := slices.IndexFunc(msgs, func(x types.Message) bool { return x.Id == m.Id }); i >= 0 {
		out := slices.Clone(msgs)
		out[i] = m
		return out, true
	}

	pos := len(msgs)
	for pos > 0 && isOlder(m, msgs[pos-1]) {
		pos--
	}

	return slices.Insert(slices.Clip(msgs), pos, m), false
}

// isOlder orders messages by creation time, then id.
func isOlder(a, b types.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Id < b.Id
}

func compareMessages(a, b types.Message) int {
	switch {
	case isOlder(a, b):
		return -1
	case isOlder(b, a):
		return 1
	default:
		return 0
	}
}

// moveToHead returns a copy of convs with view at index 0 and every other
// entry in its previous relative order.
func moveToHead(convs []types.ConversationView, idx int, view types.ConversationView) []types.ConversationView {
	out := make([]types.ConversationView, 0, len(convs))
	out = append(out, view)
	out = append(out, convs[:idx]...)
	return append(out, convs[idx+1:]...)
}

func setUnread(convs []types.ConversationView, conversationId string, n int) []types.ConversationView {
	i := slices.IndexFunc(convs, func(v types.ConversationView) bool { return v.Id == conversationId })
	if i < 0 || convs[i].UnreadCount == n {
		return convs
	}

	out := slices.Clone(convs)
	out[i].UnreadCount = n
	return out
}
