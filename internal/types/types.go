package types

import (
	"errors"
	"slices"
	"strings"
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// GroupInfo is only present on group conversations.
type GroupInfo struct {
	Name    string `json:"name"`
	AdminId int    `json:"admin_id"`
}

type Conversation struct {
	Id            string           `json:"id"`
	Kind          ConversationKind `json:"kind"`
	Group         *GroupInfo       `json:"group,omitempty"`
	Members       []int            `json:"members"`
	LatestMessage *Message         `json:"latest_message,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

var (
	errDirectMembers = errors.New("direct conversation requires two distinct members")
	errGroupName     = errors.New("group conversation requires a name")
	errGroupAdmin    = errors.New("group admin must be a member")
)

// NewDirectConversation builds a two member conversation between a and b.
func NewDirectConversation(id string, a, b int) (Conversation, error) {
	if a == b {
		return Conversation{}, errDirectMembers
	}

	return Conversation{
		Id:      id,
		Kind:    KindDirect,
		Members: normalizeMembers([]int{a, b}),
	}, nil
}

// NewGroupConversation builds a named conversation administered by admin.
// The admin is always included in the member set.
func NewGroupConversation(id, name string, admin int, members []int) (Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Conversation{}, errGroupName
	}
	if admin == 0 {
		return Conversation{}, errGroupAdmin
	}

	return Conversation{
		Id:      id,
		Kind:    KindGroup,
		Group:   &GroupInfo{Name: name, AdminId: admin},
		Members: normalizeMembers(append(slices.Clone(members), admin)),
	}, nil
}

func (c Conversation) IsGroup() bool {
	return c.Kind == KindGroup && c.Group != nil
}

func (c Conversation) HasMember(userId int) bool {
	return slices.Contains(c.Members, userId)
}

func (c Conversation) IsAdmin(userId int) bool {
	return c.IsGroup() && c.Group.AdminId == userId
}

// OtherMember returns the member of a direct conversation that is not userId.
func (c Conversation) OtherMember(userId int) (int, bool) {
	if c.IsGroup() || len(c.Members) != 2 {
		return 0, false
	}

	for _, m := range c.Members {
		if m != userId {
			return m, true
		}
	}

	return 0, false
}

// LastActivity is the ordering key for conversation lists.
func (c Conversation) LastActivity() time.Time {
	if c.LatestMessage != nil {
		return c.LatestMessage.CreatedAt
	}
	return c.CreatedAt
}

type Message struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversation_id"`
	SenderId       int       `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	ReadBy         []int     `json:"read_by,omitempty"`
}

func (m Message) IsReadBy(userId int) bool {
	return slices.Contains(m.ReadBy, userId)
}

// ConversationView is a conversation as seen by a single user.
type ConversationView struct {
	Conversation
	UnreadCount int `json:"unread_count"`
}

type Presence struct {
	UserId int  `json:"user_id"`
	Online bool `json:"online"`
}

type Typing struct {
	ConversationId string `json:"conversation_id"`
	UserId         int    `json:"user_id"`
}

func normalizeMembers(members []int) []int {
	out := slices.Clone(members)
	slices.Sort(out)
	return slices.Compact(out)
}
