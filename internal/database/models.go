package database

import (
	"database/sql"
	"time"
)

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Conversation struct {
	Id        string
	IsGroup   bool
	Name      sql.NullString
	AdminId   sql.NullInt64
	Members   []int
	CreatedAt time.Time
	UpdatedAt time.Time
	// LatestMessage is nil until the first message is stored.
	LatestMessage *Message
}

type Message struct {
	Id             string
	ConversationId string
	SenderId       int
	Content        string
	CreatedAt      time.Time
	ReadBy         []int
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PasswordHash string
}

type CreateGroupParams struct {
	Id      string
	Name    string
	AdminId int
	Members []int
}
