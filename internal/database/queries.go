package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

const (
	conversationSelect = `
		SELECT
				c.id,
				c.is_group,
				c.name,
				c.admin_id,
				c.created_at,
				c.updated_at,
				ARRAY(
					SELECT cm.account_id FROM conversation_members cm
					WHERE cm.conversation_id = c.id ORDER BY cm.account_id
				) AS members,
				m.id,
				m.sender_id,
				m.content,
				m.created_at
		FROM conversations c
		LEFT JOIN messages m ON m.id = c.latest_message_id`

	createMessageQuery = "INSERT INTO messages (id, conversation_id, sender_id, content, created_at) " +
		"VALUES ($1, $2, $3, $4, $5)"
	createReadQuery = "INSERT INTO message_reads (message_id, account_id, read_at) VALUES ($1, $2, $3) " +
		"ON CONFLICT DO NOTHING"

	uniqueViolation = "23505"
)

var ErrEmailTaken = errors.New("email address already registered")

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *PgChatRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (db *PgChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		now,
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return User{}, ErrEmailTaken
	}

	return u, err
}

func (db *PgChatRepository) UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRowContext(ctx,
		"UPDATE accounts SET username = $2, password_hash = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING id, username, email, created_at, updated_at",
		params.UserId,
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgChatRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		conv       Conversation
		members    pq.Int64Array
		msgId      sql.NullString
		msgSender  sql.NullInt64
		msgContent sql.NullString
		msgCreated sql.NullTime
	)

	err := row.Scan(
		&conv.Id,
		&conv.IsGroup,
		&conv.Name,
		&conv.AdminId,
		&conv.CreatedAt,
		&conv.UpdatedAt,
		&members,
		&msgId,
		&msgSender,
		&msgContent,
		&msgCreated,
	)
	if err != nil {
		return Conversation{}, err
	}

	conv.Members = toInts(members)
	if msgId.Valid {
		conv.LatestMessage = &Message{
			Id:             msgId.String,
			ConversationId: conv.Id,
			SenderId:       int(msgSender.Int64),
			Content:        msgContent.String,
			CreatedAt:      msgCreated.Time,
		}
	}

	return conv, nil
}

func (db *PgChatRepository) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := db.conn.QueryRowContext(ctx, conversationSelect+" WHERE c.id = $1", id)
	return scanConversation(row)
}

func (db *PgChatRepository) FindConversationsByMember(ctx context.Context, accountId int) ([]Conversation, error) {
	rows, err := db.conn.QueryContext(ctx,
		conversationSelect+
			" JOIN conversation_members me ON me.conversation_id = c.id AND me.account_id = $1"+
			" ORDER BY COALESCE(m.created_at, c.created_at) DESC, c.id",
		accountId,
	)
	if err != nil {
		return nil, fmt.Errorf("find conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}

	return convs, rows.Err()
}

// directKey identifies the unordered member pair of a direct conversation.
func directKey(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return strconv.Itoa(a) + ":" + strconv.Itoa(b)
}

// FindOrCreateDirectConversation returns the direct conversation between a and b,
// creating it with id when none exists. The unique direct key makes concurrent
// callers converge on a single row.
func (db *PgChatRepository) FindOrCreateDirectConversation(ctx context.Context, id string, a, b int) (Conversation, bool, error) {
	key := directKey(a, b)
	created := true

	var convId string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		err := tx.QueryRowContext(ctx,
			"INSERT INTO conversations (id, is_group, direct_key, created_at, updated_at) "+
				"VALUES ($1, FALSE, $2, $3, $3) ON CONFLICT (direct_key) DO NOTHING RETURNING id",
			id, key, now,
		).Scan(&convId)
		if errors.Is(err, sql.ErrNoRows) {
			created = false
			return tx.QueryRowContext(ctx,
				"SELECT id FROM conversations WHERE direct_key = $1", key,
			).Scan(&convId)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO conversation_members (conversation_id, account_id, created_at) "+
				"SELECT $1, unnest($2::int[]), $3",
			convId, pq.Int64Array{int64(a), int64(b)}, now,
		)
		return err
	})
	if err != nil {
		return Conversation{}, false, fmt.Errorf("find or create direct conversation: %w", err)
	}

	conv, err := db.GetConversation(ctx, convId)
	return conv, created, err
}

func (db *PgChatRepository) CreateGroupConversation(ctx context.Context, params CreateGroupParams) (Conversation, error) {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx,
			"INSERT INTO conversations (id, is_group, name, admin_id, created_at, updated_at) "+
				"VALUES ($1, TRUE, $2, $3, $4, $4)",
			params.Id, params.Name, params.AdminId, now,
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO conversation_members (conversation_id, account_id, created_at) "+
				"SELECT $1, unnest($2::int[]), $3 ON CONFLICT DO NOTHING",
			params.Id, toInt64s(params.Members), now,
		)
		return err
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("create group conversation: %w", err)
	}

	return db.GetConversation(ctx, params.Id)
}

func (db *PgChatRepository) RenameConversation(ctx context.Context, id, name string) (Conversation, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE conversations SET name = $2, updated_at = $3 WHERE id = $1 AND is_group",
		id, name, time.Now().UTC(),
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("rename conversation: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Conversation{}, sql.ErrNoRows
	}

	return db.GetConversation(ctx, id)
}

// UpdateConversationMembers replaces the member set of a conversation. Read
// receipts of removed members are dropped with them.
func (db *PgChatRepository) UpdateConversationMembers(ctx context.Context, id string, members []int) (Conversation, error) {
	ids := toInt64s(members)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM message_reads r USING messages m "+
				"WHERE r.message_id = m.id AND m.conversation_id = $1 AND NOT (r.account_id = ANY($2::int[]))",
			id, ids,
		); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM conversation_members WHERE conversation_id = $1 AND NOT (account_id = ANY($2::int[]))",
			id, ids,
		); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO conversation_members (conversation_id, account_id, created_at) "+
				"SELECT $1, unnest($2::int[]), $3 ON CONFLICT DO NOTHING",
			id, ids, now,
		); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = $2 WHERE id = $1", id, now)
		return err
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("update conversation members: %w", err)
	}

	return db.GetConversation(ctx, id)
}

// UpdateLatestMessage points the conversation at messageId. Message ids sort by
// creation time, so a late or repeated update never moves the pointer backwards.
func (db *PgChatRepository) UpdateLatestMessage(ctx context.Context, conversationId, messageId string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE conversations SET latest_message_id = $2, updated_at = $3 "+
			"WHERE id = $1 AND (latest_message_id IS NULL OR latest_message_id COLLATE \"C\" <= $2) "+
			"AND EXISTS (SELECT 1 FROM messages WHERE id = $2 AND conversation_id = $1)",
		conversationId,
		messageId,
		time.Now().UTC(),
	)

	return err
}

// CreateMessage stores msg together with the sender's read receipt.
func (db *PgChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, createMessageQuery,
			msg.Id,
			msg.ConversationId,
			msg.SenderId,
			msg.Content,
			msg.CreatedAt,
		); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, createReadQuery, msg.Id, msg.SenderId, msg.CreatedAt)
		return err
	})
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}

	msg.ReadBy = []int{msg.SenderId}
	return msg, nil
}

func (db *PgChatRepository) FindMessagesByConversation(ctx context.Context, conversationId string) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT
				m.id,
				m.conversation_id,
				m.sender_id,
				m.content,
				m.created_at,
				COALESCE(
					array_agg(r.account_id ORDER BY r.account_id) FILTER (WHERE r.account_id IS NOT NULL),
					'{}'
				) AS read_by
		FROM messages m
		LEFT JOIN message_reads r ON r.message_id = m.id
		WHERE m.conversation_id = $1
		GROUP BY m.id
		ORDER BY m.created_at ASC, m.id ASC`,
		conversationId,
	)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			msg    Message
			readBy pq.Int64Array
		)
		if err := rows.Scan(&msg.Id, &msg.ConversationId, &msg.SenderId, &msg.Content, &msg.CreatedAt, &readBy); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		msg.ReadBy = toInts(readBy)
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkRead adds a receipt for accountId to every message in the conversation it
// did not send and has not read yet. It returns the number of new receipts.
func (db *PgChatRepository) MarkRead(ctx context.Context, conversationId string, accountId int) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO message_reads (message_id, account_id, read_at) "+
			"SELECT m.id, $2, $3 FROM messages m WHERE m.conversation_id = $1 AND m.sender_id <> $2 "+
			"ON CONFLICT DO NOTHING",
		conversationId,
		accountId,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}

	return res.RowsAffected()
}

func (db *PgChatRepository) CountUnread(ctx context.Context, conversationId string, accountId int) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT count(*) FROM messages m "+
			"WHERE m.conversation_id = $1 AND m.sender_id <> $2 AND NOT EXISTS ("+
			"SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.account_id = $2)",
		conversationId,
		accountId,
	).Scan(&count)

	return count, err
}

func toInts(a pq.Int64Array) []int {
	out := make([]int, len(a))
	for i, v := range a {
		out[i] = int(v)
	}
	return out
}

func toInt64s(a []int) pq.Int64Array {
	out := make(pq.Int64Array, len(a))
	for i, v := range a {
		out[i] = int64(v)
	}
	return out
}
