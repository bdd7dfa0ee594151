package database

import "context"

type ChatRepository interface {
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error)
	GetAccountById(ctx context.Context, accountId int) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	FindConversationsByMember(ctx context.Context, accountId int) ([]Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	FindOrCreateDirectConversation(ctx context.Context, id string, a, b int) (Conversation, bool, error)
	CreateGroupConversation(ctx context.Context, params CreateGroupParams) (Conversation, error)
	RenameConversation(ctx context.Context, id, name string) (Conversation, error)
	UpdateConversationMembers(ctx context.Context, id string, members []int) (Conversation, error)
	UpdateLatestMessage(ctx context.Context, conversationId, messageId string) error
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	FindMessagesByConversation(ctx context.Context, conversationId string) ([]Message, error)
	MarkRead(ctx context.Context, conversationId string, accountId int) (int64, error)
	CountUnread(ctx context.Context, conversationId string, accountId int) (int, error)
}
