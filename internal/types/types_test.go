package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDirectConversation(t *testing.T) {
	conv, err := NewDirectConversation("d1", 7, 3)
	require.NoError(t, err)
	assert.Equal(t, KindDirect, conv.Kind)
	assert.Equal(t, []int{3, 7}, conv.Members)
	assert.False(t, conv.IsGroup())

	_, err = NewDirectConversation("d2", 3, 3)
	assert.ErrorIs(t, err, errDirectMembers)
}

func TestNewGroupConversation(t *testing.T) {
	tcs := []struct {
		name    string
		title   string
		admin   int
		members []int
		want    []int
		wantErr error
	}{
		{"admin added and deduplicated", " team ", 1, []int{3, 2, 3}, []int{1, 2, 3}, nil},
		{"admin already member", "team", 2, []int{2, 3}, []int{2, 3}, nil},
		{"blank name", "  ", 1, []int{2, 3}, nil, errGroupName},
		{"no admin", "team", 0, []int{2, 3}, nil, errGroupAdmin},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			members := append([]int(nil), tc.members...)
			conv, err := NewGroupConversation("g1", tc.title, tc.admin, members)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, conv.Members)
			assert.Equal(t, "team", conv.Group.Name)
			assert.True(t, conv.IsGroup())
			assert.True(t, conv.IsAdmin(tc.admin))
			assert.Equal(t, tc.members, members, "input must not be modified")
		})
	}
}

func TestConversationMembers(t *testing.T) {
	direct, err := NewDirectConversation("d1", 1, 2)
	require.NoError(t, err)

	other, ok := direct.OtherMember(1)
	assert.True(t, ok)
	assert.Equal(t, 2, other)
	assert.True(t, direct.HasMember(2))
	assert.False(t, direct.HasMember(3))
	assert.False(t, direct.IsAdmin(1))

	group, err := NewGroupConversation("g1", "team", 1, []int{2, 3})
	require.NoError(t, err)
	_, ok = group.OtherMember(1)
	assert.False(t, ok)
	assert.False(t, group.IsAdmin(2))
}

func TestLastActivity(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	conv := Conversation{Id: "c", CreatedAt: created}
	assert.Equal(t, created, conv.LastActivity())

	conv.LatestMessage = &Message{Id: "m", CreatedAt: created.Add(time.Hour)}
	assert.Equal(t, created.Add(time.Hour), conv.LastActivity())
}

func TestMessageIsReadBy(t *testing.T) {
	m := Message{ReadBy: []int{1, 4}}
	assert.True(t, m.IsReadBy(4))
	assert.False(t, m.IsReadBy(2))
}
