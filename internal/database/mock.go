package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(ctx context.Context, accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) FindConversationsByMember(ctx context.Context, accountId int) ([]Conversation, error) {
	args := m.Called(accountId)
	if convs, ok := args.Get(0).([]Conversation); ok {
		return convs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) GetConversation(ctx context.Context, id string) (Conversation, error) {
	args := m.Called(id)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) FindOrCreateDirectConversation(ctx context.Context, id string, a, b int) (Conversation, bool, error) {
	args := m.Called(id, a, b)
	return args.Get(0).(Conversation), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) CreateGroupConversation(ctx context.Context, params CreateGroupParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) RenameConversation(ctx context.Context, id, name string) (Conversation, error) {
	args := m.Called(id, name)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) UpdateConversationMembers(ctx context.Context, id string, members []int) (Conversation, error) {
	args := m.Called(id, members)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) UpdateLatestMessage(ctx context.Context, conversationId, messageId string) error {
	args := m.Called(conversationId, messageId)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	args := m.Called(msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) FindMessagesByConversation(ctx context.Context, conversationId string) ([]Message, error) {
	args := m.Called(conversationId)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) MarkRead(ctx context.Context, conversationId string, accountId int) (int64, error) {
	args := m.Called(conversationId, accountId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockChatRepository) CountUnread(ctx context.Context, conversationId string, accountId int) (int, error) {
	args := m.Called(conversationId, accountId)
	return args.Int(0), args.Error(1)
}
