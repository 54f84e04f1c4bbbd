package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"metachat/chatroom-service/internal/fanout"
	"metachat/chatroom-service/internal/models"
	"metachat/chatroom-service/internal/repository"
)

type ChatService interface {
	SearchCandidates(ctx context.Context, actor, query string, limit int) ([]models.UserProfile, error)
	GetOrCreateDirectChat(ctx context.Context, actor, peerID string) (view *models.ChatView, created bool, err error)
	CreateGroup(ctx context.Context, actor, name string, memberIDs []string) (*models.ChatView, error)
	GetGroup(ctx context.Context, actor, chatID string) (*models.ChatView, error)
	GetChat(ctx context.Context, actor, chatID string) (*models.ChatView, error)
	RenameGroup(ctx context.Context, actor, chatID, name string) (*models.ChatView, error)
	DeleteGroup(ctx context.Context, actor, chatID string) error
	AddParticipant(ctx context.Context, actor, chatID, userID string) (*models.ChatView, error)
	RemoveParticipant(ctx context.Context, actor, chatID, userID string) (*models.ChatView, error)
	LeaveGroup(ctx context.Context, actor, chatID string) (*models.ChatView, error)
	DeleteDirectChat(ctx context.Context, actor, chatID string) error
	ListChats(ctx context.Context, actor string) ([]*models.ChatView, error)

	ListMessages(ctx context.Context, actor, chatID string, page models.MessagePage) ([]*models.MessageView, error)
	SendMessage(ctx context.Context, actor, chatID string, input MessageInput) (*models.MessageView, error)
	DeleteMessage(ctx context.Context, actor, chatID, messageID string) (*models.MessageView, error)
}

// Notifier fans a chat state change out to live participants.
type Notifier interface {
	NotifyParticipants(ctx context.Context, kind fanout.EventKind, chatID string, payload interface{}, participants []string, actor string)
}

type Repositories struct {
	Chats    repository.ChatRepository
	Messages repository.MessageRepository
	Users    repository.UserRepository
}

type Options struct {
	MaxGroupSize int
	SearchLimit  int
}

type chatService struct {
	chats    repository.ChatRepository
	messages repository.MessageRepository
	users    repository.UserRepository
	cascader *Cascader
	notifier Notifier
	locks    *chatLocks
	opts     Options
	logger   *logrus.Logger
}

func NewChatService(repos Repositories, cascader *Cascader, notifier Notifier, opts Options, logger *logrus.Logger) ChatService {
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 20
	}
	return &chatService{
		chats:    repos.Chats,
		messages: repos.Messages,
		users:    repos.Users,
		cascader: cascader,
		notifier: notifier,
		locks:    newChatLocks(),
		opts:     opts,
		logger:   logger,
	}
}

func (s *chatService) SearchCandidates(ctx context.Context, actor, query string, limit int) ([]models.UserProfile, error) {
	if limit <= 0 || limit > s.opts.SearchLimit {
		limit = s.opts.SearchLimit
	}
	profiles, err := s.users.SearchProfiles(ctx, actor, query, limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to search users")
		return nil, internal(err)
	}
	return profiles, nil
}

// requireUsers fails with ErrNotFound unless every id has a profile.
func (s *chatService) requireUsers(ctx context.Context, ids ...string) error {
	profiles, err := s.users.GetProfiles(ctx, ids)
	if err != nil {
		return internal(err)
	}
	for _, id := range ids {
		if _, ok := profiles[id]; !ok {
			return notFound(fmt.Sprintf("user %s does not exist", id))
		}
	}
	return nil
}

// loadChat reads a chat for validation.
func (s *chatService) loadChat(ctx context.Context, chatID string) (*models.Chat, error) {
	if err := validateID("chat id", chatID); err != nil {
		return nil, err
	}
	chat, err := s.chats.GetChatByID(ctx, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("chat does not exist")
	}
	if err != nil {
		s.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to get chat")
		return nil, internal(err)
	}
	return chat, nil
}

func (s *chatService) GetOrCreateDirectChat(ctx context.Context, actor, peerID string) (*models.ChatView, bool, error) {
	chat, err := newDirectChat(actor, peerID)
	if err != nil {
		return nil, false, err
	}
	if err := s.requireUsers(ctx, peerID); err != nil {
		return nil, false, err
	}

	existing, err := s.chats.GetDirectChat(ctx, actor, peerID)
	if err == nil {
		view, err := s.materializeChat(ctx, existing)
		if err != nil {
			return nil, false, internal(err)
		}
		return view, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		s.logger.WithError(err).Error("Failed to resolve direct chat")
		return nil, false, internal(err)
	}

	created, err := s.chats.CreateDirectChat(ctx, chat)
	if err != nil {
		s.logger.WithError(err).Error("Failed to create direct chat")
		return nil, false, internal(err)
	}

	unlock := s.locks.lock(chat.ID)
	defer unlock()

	chat, view, err := s.rematerializeChat(ctx, chat.ID)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return view, false, nil
	}

	s.logger.WithFields(logrus.Fields{
		"chat_id": chat.ID,
		"user_id": actor,
		"peer_id": peerID,
	}).Info("Direct chat created")

	s.notifier.NotifyParticipants(ctx, fanout.EventNewChat, chat.ID, view, chat.Participants, actor)
	return view, true, nil
}

func (s *chatService) CreateGroup(ctx context.Context, actor, name string, memberIDs []string) (*models.ChatView, error) {
	chat, err := newGroupChat(actor, name, memberIDs, s.opts.MaxGroupSize)
	if err != nil {
		return nil, err
	}
	if err := s.requireUsers(ctx, lo.Without(chat.Participants, actor)...); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(chat.ID)
	defer unlock()

	if err := s.chats.CreateChat(ctx, chat); err != nil {
		s.logger.WithError(err).Error("Failed to create group chat")
		return nil, internal(err)
	}

	chat, view, err := s.rematerializeChat(ctx, chat.ID)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"chat_id":      chat.ID,
		"admin":        actor,
		"participants": len(chat.Participants),
	}).Info("Group chat created")

	s.notifier.NotifyParticipants(ctx, fanout.EventNewChat, chat.ID, view, chat.Participants, actor)
	return view, nil
}

func (s *chatService) GetGroup(ctx context.Context, actor, chatID string) (*models.ChatView, error) {
	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := requireGroup(chat); err != nil {
		return nil, err
	}
	if err := requireParticipant(chat, actor); err != nil {
		return nil, err
	}

	view, err := s.materializeChat(ctx, chat)
	if err != nil {
		return nil, internal(err)
	}
	return view, nil
}

func (s *chatService) GetChat(ctx context.Context, actor, chatID string) (*models.ChatView, error) {
	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(chat, actor); err != nil {
		return nil, err
	}

	view, err := s.materializeChat(ctx, chat)
	if err != nil {
		return nil, internal(err)
	}
	return view, nil
}

func (s *chatService) RenameGroup(ctx context.Context, actor, chatID, name string) (*models.ChatView, error) {
	name, err := validateGroupName(name)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := requireGroup(chat); err != nil {
		return nil, err
	}
	if err := requireAdmin(chat, actor); err != nil {
		return nil, err
	}

	if _, err := s.chats.UpdateChatName(ctx, chatID, name); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("group chat does not exist")
		}
		s.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to rename group chat")
		return nil, internal(err)
	}

	chat, view, err := s.rematerializeChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"chat_id": chatID,
		"name":    name,
	}).Info("Group chat renamed")

	s.notifier.NotifyParticipants(ctx, fanout.EventUpdateGroupName, chatID, view, chat.Participants, actor)
	return view, nil
}

func (s *chatService) DeleteGroup(ctx context.Context, actor, chatID string) error {
	unlock := s.locks.lock(chatID)
	defer unlock()

	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return err
	}
	if err := requireGroup(chat); err != nil {
		return err
	}
	if err := requireAdmin(chat, actor); err != nil {
		return err
	}

	_, err = s.deleteChat(ctx, chat, actor)
	return err
}

func (s *chatService) DeleteDirectChat(ctx context.Context, actor, chatID string) error {
	unlock := s.locks.lock(chatID)
	defer unlock()

	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return err
	}
	if err := requireDirect(chat); err != nil {
		return err
	}
	if err := requireParticipant(chat, actor); err != nil {
		return err
	}

	_, err = s.deleteChat(ctx, chat, actor)
	return err
}

// deleteChat snapshots the chat before the cascade since it cannot be re-read
// afterwards, and returns that snapshot. Callers hold the chat lock.
func (s *chatService) deleteChat(ctx context.Context, chat *models.Chat, actor string) (*models.ChatView, error) {
	view, err := s.materializeChat(ctx, chat)
	if err != nil {
		return nil, internal(err)
	}

	removed, err := s.cascader.DeleteChat(ctx, chat.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("chat does not exist")
		}
		s.logger.WithError(err).WithField("chat_id", chat.ID).Error("Failed to delete chat")
		return nil, internal(err)
	}

	s.logger.WithFields(logrus.Fields{
		"chat_id":  chat.ID,
		"actor":    actor,
		"group":    chat.IsGroupChat,
		"messages": removed,
	}).Info("Chat deleted")

	s.notifier.NotifyParticipants(ctx, fanout.EventLeaveChat, chat.ID, view, chat.Participants, actor)
	return view, nil
}

func (s *chatService) AddParticipant(ctx context.Context, actor, chatID, userID string) (*models.ChatView, error) {
	if userID == "" {
		return nil, invalidInput("participant id is required")
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := validateAddParticipant(chat, actor, userID, s.opts.MaxGroupSize); err != nil {
		return nil, err
	}
	if err := s.requireUsers(ctx, userID); err != nil {
		return nil, err
	}

	if _, err := s.chats.AddParticipant(ctx, chatID, userID); err != nil {
		return nil, s.membershipError(err, ErrAlreadyMember, chatID)
	}

	chat, view, err := s.rematerializeChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"chat_id": chatID,
		"user_id": userID,
	}).Info("Participant added")

	s.notifier.NotifyParticipants(ctx, fanout.EventParticipantAdded, chatID, view, chat.Participants, actor)
	return view, nil
}

func (s *chatService) RemoveParticipant(ctx context.Context, actor, chatID, userID string) (*models.ChatView, error) {
	if userID == "" {
		return nil, invalidInput("participant id is required")
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := validateRemoveParticipant(chat, actor, userID); err != nil {
		return nil, err
	}
	before := chat.Participants

	if _, err := s.chats.RemoveParticipant(ctx, chatID, userID); err != nil {
		return nil, s.membershipError(err, ErrNotAMember, chatID)
	}

	_, view, err := s.rematerializeChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"chat_id": chatID,
		"user_id": userID,
	}).Info("Participant removed")

	s.notifier.NotifyParticipants(ctx, fanout.EventParticipantRemoved, chatID, view, before, actor)
	return view, nil
}

// LeaveGroup removes actor from the group. A leaving admin hands the role to
// the earliest remaining participant; the last participant leaving deletes
// the group.
func (s *chatService) LeaveGroup(ctx context.Context, actor, chatID string) (*models.ChatView, error) {
	unlock := s.locks.lock(chatID)
	defer unlock()

	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := requireGroup(chat); err != nil {
		return nil, err
	}
	if !chat.HasParticipant(actor) {
		return nil, fmt.Errorf("%w: you already left the group", ErrNotAMember)
	}

	if len(chat.Participants) == 1 {
		return s.deleteChat(ctx, chat, actor)
	}

	if _, err := s.chats.RemoveParticipant(ctx, chatID, actor); err != nil {
		return nil, s.membershipError(err, ErrNotAMember, chatID)
	}

	updated, view, err := s.rematerializeChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"chat_id": chatID,
		"user_id": actor,
	}
	if updated.Admin != chat.Admin {
		fields["new_admin"] = updated.Admin
	}
	s.logger.WithFields(fields).Info("Participant left group")

	s.notifier.NotifyParticipants(ctx, fanout.EventLeaveChat, chatID, view, updated.Participants, actor)
	return view, nil
}

func (s *chatService) membershipError(err, conflict error, chatID string) error {
	switch {
	case errors.Is(err, repository.ErrConflict):
		return conflict
	case errors.Is(err, repository.ErrNotFound):
		return notFound("chat does not exist")
	default:
		s.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to update participants")
		return internal(err)
	}
}

func (s *chatService) ListChats(ctx context.Context, actor string) ([]*models.ChatView, error) {
	chats, err := s.chats.GetUserChats(ctx, actor)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get user chats")
		return nil, internal(err)
	}

	views, err := s.materializeChats(ctx, chats)
	if err != nil {
		s.logger.WithError(err).Error("Failed to materialize user chats")
		return nil, internal(err)
	}
	return views, nil
}
