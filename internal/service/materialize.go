package service

import (
	"context"
	"errors"

	"github.com/samber/lo"

	"metachat/chatroom-service/internal/models"
	"metachat/chatroom-service/internal/repository"
)

// buildMessageView joins a message with its sender's public profile.
func buildMessageView(msg *models.Message, profiles map[string]models.UserProfile) *models.MessageView {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	return &models.MessageView{
		ID:          msg.ID,
		ChatID:      msg.ChatID,
		Sender:      profileOf(msg.SenderID, profiles),
		Content:     msg.Content,
		Attachments: attachments,
		CreatedAt:   msg.CreatedAt,
	}
}

// buildChatView joins a chat with its participants' public profiles.
func buildChatView(chat *models.Chat, profiles map[string]models.UserProfile, last *models.MessageView) *models.ChatView {
	return &models.ChatView{
		ID:          chat.ID,
		Name:        chat.Name,
		IsGroupChat: chat.IsGroupChat,
		Admin:       chat.Admin,
		Participants: lo.Map(chat.Participants, func(id string, _ int) models.UserProfile {
			return profileOf(id, profiles)
		}),
		LastMessage: last,
		CreatedAt:   chat.CreatedAt,
		UpdatedAt:   chat.UpdatedAt,
	}
}

// profileOf falls back to an id-only profile when the identity subsystem no
// longer knows the user.
func profileOf(id string, profiles map[string]models.UserProfile) models.UserProfile {
	if p, ok := profiles[id]; ok {
		return p
	}
	return models.UserProfile{ID: id}
}

func (s *chatService) materializeChats(ctx context.Context, chats []*models.Chat) ([]*models.ChatView, error) {
	lastMessages := make(map[string]*models.Message, len(chats))
	var userIDs []string
	for _, chat := range chats {
		userIDs = append(userIDs, chat.Participants...)
		if chat.LastMessageID == nil {
			continue
		}
		msg, err := s.messages.GetMessageByID(ctx, *chat.LastMessageID)
		if errors.Is(err, repository.ErrNotFound) {
			// deleted between the two reads; the next read will see the recomputed pointer
			continue
		}
		if err != nil {
			return nil, err
		}
		lastMessages[chat.ID] = msg
		userIDs = append(userIDs, msg.SenderID)
	}

	profiles, err := s.users.GetProfiles(ctx, lo.Uniq(userIDs))
	if err != nil {
		return nil, err
	}

	views := make([]*models.ChatView, 0, len(chats))
	for _, chat := range chats {
		var last *models.MessageView
		if msg, ok := lastMessages[chat.ID]; ok {
			last = buildMessageView(msg, profiles)
		}
		views = append(views, buildChatView(chat, profiles, last))
	}
	return views, nil
}

func (s *chatService) materializeChat(ctx context.Context, chat *models.Chat) (*models.ChatView, error) {
	views, err := s.materializeChats(ctx, []*models.Chat{chat})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

// rematerializeChat re-reads a just-mutated chat. Any failure here happens
// after a committed write and is reported as ErrInternal.
func (s *chatService) rematerializeChat(ctx context.Context, chatID string) (*models.Chat, *models.ChatView, error) {
	chat, err := s.chats.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, nil, internal(err)
	}
	view, err := s.materializeChat(ctx, chat)
	if err != nil {
		return nil, nil, internal(err)
	}
	return chat, view, nil
}

func (s *chatService) materializeMessages(ctx context.Context, messages []*models.Message) ([]*models.MessageView, error) {
	senders := lo.Uniq(lo.Map(messages, func(m *models.Message, _ int) string { return m.SenderID }))
	profiles, err := s.users.GetProfiles(ctx, senders)
	if err != nil {
		return nil, err
	}
	return lo.Map(messages, func(m *models.Message, _ int) *models.MessageView {
		return buildMessageView(m, profiles)
	}), nil
}

func (s *chatService) materializeMessage(ctx context.Context, msg *models.Message) (*models.MessageView, error) {
	views, err := s.materializeMessages(ctx, []*models.Message{msg})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}
