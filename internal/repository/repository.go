package repository

import (
	"context"
	"errors"
	"sort"
	"strings"

	"metachat/chatroom-service/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record state conflict")
)

type ChatRepository interface {
	CreateChat(ctx context.Context, chat *models.Chat) error
	// CreateDirectChat inserts a one-on-one chat unless the pair already has
	// one, in which case chat is overwritten with the stored record and
	// created is false.
	CreateDirectChat(ctx context.Context, chat *models.Chat) (created bool, err error)
	GetChatByID(ctx context.Context, id string) (*models.Chat, error)
	GetDirectChat(ctx context.Context, userID1, userID2 string) (*models.Chat, error)
	GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error)
	UpdateChatName(ctx context.Context, id, name string) (*models.Chat, error)
	// AddParticipant appends userID when absent. ErrConflict if already present.
	AddParticipant(ctx context.Context, id, userID string) (*models.Chat, error)
	// RemoveParticipant drops userID when present, promoting the earliest
	// remaining participant if userID was the admin. ErrConflict if absent.
	RemoveParticipant(ctx context.Context, id, userID string) (*models.Chat, error)
	// DeleteChat removes the chat together with every message it owns and
	// returns the removed messages.
	DeleteChat(ctx context.Context, id string) ([]*models.Message, error)
	InitializeTables() error
}

type MessageRepository interface {
	// AppendMessage stores msg and points the owning chat's last message at it.
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessageByID(ctx context.Context, id string) (*models.Message, error)
	GetChatMessages(ctx context.Context, chatID string, page models.MessagePage) ([]*models.Message, error)
	// DeleteMessage removes the message and recomputes the chat's last
	// message when it pointed at the removed one.
	DeleteMessage(ctx context.Context, chatID, messageID string) error
}

type UserRepository interface {
	GetProfiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error)
	SearchProfiles(ctx context.Context, excludeID, query string, limit int) ([]models.UserProfile, error)
}

// DirectKey is the canonical identity of an unordered user pair.
func DirectKey(userID1, userID2 string) string {
	pair := []string{userID1, userID2}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 100
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}
