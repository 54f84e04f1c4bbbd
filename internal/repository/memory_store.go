package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"metachat/chatroom-service/internal/models"
)

// MemoryStore keeps chats, messages and profiles in process memory. It
// implements ChatRepository, MessageRepository and UserRepository with the
// same semantics as the Postgres repositories and backs the "memory"
// database driver.
type MemoryStore struct {
	mu sync.RWMutex

	chats      map[string]*models.Chat
	directKeys map[string]string
	// messages per chat, in append order
	messages map[string][]*models.Message
	// message id -> chat id
	messageChats map[string]string
	users        map[string]models.UserProfile

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:        make(map[string]*models.Chat),
		directKeys:   make(map[string]string),
		messages:     make(map[string][]*models.Message),
		messageChats: make(map[string]string),
		users:        make(map[string]models.UserProfile),
		now:          time.Now,
	}
}

func (s *MemoryStore) InitializeTables() error { return nil }

// PutUser registers or replaces a profile.
func (s *MemoryStore) PutUser(profile models.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[profile.ID] = profile
}

func cloneChat(c *models.Chat) *models.Chat {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	if c.LastMessageID != nil {
		id := *c.LastMessageID
		cp.LastMessageID = &id
	}
	return &cp
}

func cloneMessage(m *models.Message) *models.Message {
	cp := *m
	cp.Attachments = append([]models.Attachment(nil), m.Attachments...)
	return &cp
}

func (s *MemoryStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chat.ID]; ok {
		return ErrConflict
	}
	now := s.now()
	chat.CreatedAt, chat.UpdatedAt = now, now
	chat.LastMessageID = nil
	s.chats[chat.ID] = cloneChat(chat)
	return nil
}

func (s *MemoryStore) CreateDirectChat(ctx context.Context, chat *models.Chat) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := DirectKey(chat.Participants[0], chat.Participants[1])
	if id, ok := s.directKeys[key]; ok {
		*chat = *cloneChat(s.chats[id])
		return false, nil
	}

	now := s.now()
	chat.IsGroupChat = false
	chat.CreatedAt, chat.UpdatedAt = now, now
	chat.LastMessageID = nil
	s.chats[chat.ID] = cloneChat(chat)
	s.directKeys[key] = chat.ID
	return true, nil
}

func (s *MemoryStore) GetChatByID(ctx context.Context, id string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, ok := s.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChat(chat), nil
}

func (s *MemoryStore) GetDirectChat(ctx context.Context, userID1, userID2 string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.directKeys[DirectKey(userID1, userID2)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChat(s.chats[id]), nil
}

func (s *MemoryStore) GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chats []*models.Chat
	for _, chat := range s.chats {
		if lo.Contains(chat.Participants, userID) {
			chats = append(chats, cloneChat(chat))
		}
	}
	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].ID < chats[j].ID
		}
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	return chats, nil
}

func (s *MemoryStore) UpdateChatName(ctx context.Context, id, name string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[id]
	if !ok || !chat.IsGroupChat {
		return nil, ErrNotFound
	}
	chat.Name = name
	chat.UpdatedAt = s.now()
	return cloneChat(chat), nil
}

func (s *MemoryStore) AddParticipant(ctx context.Context, id, userID string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	if lo.Contains(chat.Participants, userID) {
		return nil, ErrConflict
	}
	chat.Participants = append(chat.Participants, userID)
	chat.UpdatedAt = s.now()
	return cloneChat(chat), nil
}

func (s *MemoryStore) RemoveParticipant(ctx context.Context, id, userID string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !lo.Contains(chat.Participants, userID) {
		return nil, ErrConflict
	}
	chat.Participants = lo.Without(chat.Participants, userID)
	if chat.Admin == userID && len(chat.Participants) > 0 {
		chat.Admin = chat.Participants[0]
	}
	chat.UpdatedAt = s.now()
	return cloneChat(chat), nil
}

func (s *MemoryStore) DeleteChat(ctx context.Context, id string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[id]
	if !ok {
		return nil, ErrNotFound
	}

	removed := s.messages[id]
	for _, msg := range removed {
		delete(s.messageChats, msg.ID)
	}
	delete(s.messages, id)

	if !chat.IsGroupChat && len(chat.Participants) == 2 {
		delete(s.directKeys, DirectKey(chat.Participants[0], chat.Participants[1]))
	}
	delete(s.chats, id)
	return removed, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[msg.ChatID]
	if !ok {
		return ErrNotFound
	}

	msg.CreatedAt = s.now()
	stored := cloneMessage(msg)
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], stored)
	s.messageChats[msg.ID] = msg.ChatID

	id := msg.ID
	chat.LastMessageID = &id
	chat.UpdatedAt = msg.CreatedAt
	return nil
}

func (s *MemoryStore) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chatID, ok := s.messageChats[id]
	if !ok {
		return nil, ErrNotFound
	}
	for _, msg := range s.messages[chatID] {
		if msg.ID == id {
			return cloneMessage(msg), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetChatMessages(ctx context.Context, chatID string, page models.MessagePage) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.messages[chatID]
	end := len(log)
	if page.Before != "" {
		_, idx, found := lo.FindIndexOf(log, func(m *models.Message) bool { return m.ID == page.Before })
		if !found {
			return nil, nil
		}
		end = idx
	}

	limit := clampLimit(page.Limit)
	result := make([]*models.Message, 0, lo.Min([]int{limit, end}))
	for i := end - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, cloneMessage(log[i]))
	}
	return result, nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return ErrNotFound
	}

	log := s.messages[chatID]
	_, idx, found := lo.FindIndexOf(log, func(m *models.Message) bool { return m.ID == messageID })
	if !found {
		return ErrNotFound
	}
	log = append(log[:idx], log[idx+1:]...)
	s.messages[chatID] = log
	delete(s.messageChats, messageID)

	if chat.LastMessageID != nil && *chat.LastMessageID == messageID {
		if len(log) == 0 {
			chat.LastMessageID = nil
		} else {
			id := log[len(log)-1].ID
			chat.LastMessageID = &id
		}
	}
	return nil
}

func (s *MemoryStore) GetProfiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles := make(map[string]models.UserProfile, len(ids))
	for _, id := range ids {
		if p, ok := s.users[id]; ok {
			profiles[id] = p
		}
	}
	return profiles, nil
}

func (s *MemoryStore) SearchProfiles(ctx context.Context, excludeID, query string, limit int) ([]models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(query)
	profiles := lo.Filter(lo.Values(s.users), func(p models.UserProfile, _ int) bool {
		if p.ID == excludeID {
			return false
		}
		return query == "" ||
			strings.Contains(strings.ToLower(p.Username), query) ||
			strings.Contains(strings.ToLower(p.Email), query)
	})
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Username < profiles[j].Username })
	if limit > 0 && len(profiles) > limit {
		profiles = profiles[:limit]
	}
	return profiles, nil
}
