package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"metachat/chatroom-service/internal/models"
)

const chatColumns = `id, name, is_group_chat, participants, admin, last_message_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

type chatRepository struct {
	db *sql.DB
}

func NewChatRepository(db *sql.DB) ChatRepository {
	return &chatRepository{
		db: db,
	}
}

func (r *chatRepository) InitializeTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL,
		avatar TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS chats (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		is_group_chat BOOLEAN NOT NULL DEFAULT FALSE,
		participants TEXT[] NOT NULL,
		admin TEXT NOT NULL,
		direct_key TEXT UNIQUE,
		last_message_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		chat_id UUID NOT NULL REFERENCES chats(id),
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		attachments JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_chats_participants ON chats USING GIN (participants);
	CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at DESC);
	`

	_, err := r.db.Exec(query)
	return err
}

func scanChat(row scanner) (*models.Chat, error) {
	var chat models.Chat
	var lastMessageID sql.NullString
	err := row.Scan(
		&chat.ID, &chat.Name, &chat.IsGroupChat, pq.Array(&chat.Participants),
		&chat.Admin, &lastMessageID, &chat.CreatedAt, &chat.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastMessageID.Valid {
		chat.LastMessageID = &lastMessageID.String
	}
	return &chat, nil
}

func (r *chatRepository) CreateChat(ctx context.Context, chat *models.Chat) error {
	query := `
	INSERT INTO chats (id, name, is_group_chat, participants, admin, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	RETURNING ` + chatColumns

	created, err := scanChat(r.db.QueryRowContext(ctx, query,
		chat.ID, chat.Name, chat.IsGroupChat, pq.Array(chat.Participants), chat.Admin,
	))
	if err != nil {
		return err
	}

	*chat = *created
	return nil
}

func (r *chatRepository) CreateDirectChat(ctx context.Context, chat *models.Chat) (bool, error) {
	if len(chat.Participants) != 2 {
		return false, fmt.Errorf("direct chat needs 2 participants, got %d", len(chat.Participants))
	}

	query := `
	INSERT INTO chats (id, name, is_group_chat, participants, admin, direct_key, created_at, updated_at)
	VALUES ($1, $2, FALSE, $3, $4, $5, NOW(), NOW())
	ON CONFLICT (direct_key) DO NOTHING
	RETURNING ` + chatColumns

	key := DirectKey(chat.Participants[0], chat.Participants[1])
	created, err := scanChat(r.db.QueryRowContext(ctx, query,
		chat.ID, chat.Name, pq.Array(chat.Participants), chat.Admin, key,
	))
	if errors.Is(err, ErrNotFound) {
		existing, err := r.GetDirectChat(ctx, chat.Participants[0], chat.Participants[1])
		if err != nil {
			return false, err
		}
		*chat = *existing
		return false, nil
	}
	if err != nil {
		return false, err
	}

	*chat = *created
	return true, nil
}

func (r *chatRepository) GetChatByID(ctx context.Context, id string) (*models.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE id = $1`
	return scanChat(r.db.QueryRowContext(ctx, query, id))
}

func (r *chatRepository) GetDirectChat(ctx context.Context, userID1, userID2 string) (*models.Chat, error) {
	query := `
	SELECT ` + chatColumns + `
	FROM chats
	WHERE direct_key = $1 AND is_group_chat = FALSE
	`
	return scanChat(r.db.QueryRowContext(ctx, query, DirectKey(userID1, userID2)))
}

func (r *chatRepository) GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	query := `
	SELECT ` + chatColumns + `
	FROM chats
	WHERE $1 = ANY(participants)
	ORDER BY updated_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*models.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}

	return chats, rows.Err()
}

func (r *chatRepository) UpdateChatName(ctx context.Context, id, name string) (*models.Chat, error) {
	query := `
	UPDATE chats
	SET name = $2, updated_at = NOW()
	WHERE id = $1 AND is_group_chat = TRUE
	RETURNING ` + chatColumns

	return scanChat(r.db.QueryRowContext(ctx, query, id, name))
}

func (r *chatRepository) AddParticipant(ctx context.Context, id, userID string) (*models.Chat, error) {
	query := `
	UPDATE chats
	SET participants = array_append(participants, $2), updated_at = NOW()
	WHERE id = $1 AND NOT ($2 = ANY(participants))
	RETURNING ` + chatColumns

	chat, err := scanChat(r.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, ErrNotFound) {
		return nil, r.classifyMiss(ctx, id)
	}
	return chat, err
}

func (r *chatRepository) RemoveParticipant(ctx context.Context, id, userID string) (*models.Chat, error) {
	query := `
	UPDATE chats
	SET participants = array_remove(participants, $2),
		admin = CASE
			WHEN admin = $2 THEN COALESCE((array_remove(participants, $2))[1], admin)
			ELSE admin
		END,
		updated_at = NOW()
	WHERE id = $1 AND $2 = ANY(participants)
	RETURNING ` + chatColumns

	chat, err := scanChat(r.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, ErrNotFound) {
		return nil, r.classifyMiss(ctx, id)
	}
	return chat, err
}

// classifyMiss tells a vanished chat apart from a failed membership condition.
func (r *chatRepository) classifyMiss(ctx context.Context, id string) error {
	if _, err := r.GetChatByID(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (r *chatRepository) DeleteChat(ctx context.Context, id string) ([]*models.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM chats WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
	DELETE FROM messages
	WHERE chat_id = $1
	RETURNING `+messageColumns, id)
	if err != nil {
		return nil, err
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return messages, nil
}

func marshalAttachments(attachments []models.Attachment) ([]byte, error) {
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	return json.Marshal(attachments)
}
