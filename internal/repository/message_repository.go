package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"metachat/chatroom-service/internal/models"
)

const messageColumns = `id, chat_id, sender_id, content, attachments, created_at`

// foreign_key_violation
const pqForeignKeyViolation = "23503"

type messageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *sql.DB) MessageRepository {
	return &messageRepository{
		db: db,
	}
}

func scanMessage(row scanner) (*models.Message, error) {
	var msg models.Message
	var attachments []byte
	err := row.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &attachments, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
		return nil, err
	}
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *messageRepository) AppendMessage(ctx context.Context, msg *models.Message) error {
	attachments, err := marshalAttachments(msg.Attachments)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM chats WHERE id = $1 FOR UPDATE`, msg.ChatID).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	query := `
	INSERT INTO messages (id, chat_id, sender_id, content, attachments)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING ` + messageColumns

	stored, err := scanMessage(tx.QueryRowContext(ctx, query,
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, attachments,
	))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return ErrNotFound
		}
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE chats SET last_message_id = $1, updated_at = NOW() WHERE id = $2`,
		stored.ID, stored.ChatID,
	)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	*msg = *stored
	return nil
}

func (r *messageRepository) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return scanMessage(r.db.QueryRowContext(ctx, query, id))
}

func (r *messageRepository) GetChatMessages(ctx context.Context, chatID string, page models.MessagePage) ([]*models.Message, error) {
	var query string
	var args []interface{}

	limit := clampLimit(page.Limit)
	if page.Before != "" {
		query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1
			AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $2 AND chat_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
		`
		args = []interface{}{chatID, page.Before, limit}
	} else {
		query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
		`
		args = []interface{}{chatID, limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (r *messageRepository) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastMessageID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT last_message_id FROM chats WHERE id = $1 FOR UPDATE`, chatID,
	).Scan(&lastMessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1 AND chat_id = $2`, messageID, chatID)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if lastMessageID.Valid && lastMessageID.String == messageID {
		var latest sql.NullString
		err = tx.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE chat_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		`, chatID).Scan(&latest)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE chats SET last_message_id = $2 WHERE id = $1`, chatID, latest)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}
