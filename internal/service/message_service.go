package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"metachat/chatroom-service/internal/fanout"
	"metachat/chatroom-service/internal/models"
	"metachat/chatroom-service/internal/repository"
)

type MessageInput struct {
	Content     string
	Attachments []models.Attachment
}

func (s *chatService) ListMessages(ctx context.Context, actor, chatID string, page models.MessagePage) ([]*models.MessageView, error) {
	if page.Before != "" {
		if err := validateID("message id", page.Before); err != nil {
			return nil, err
		}
	}

	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(chat, actor); err != nil {
		return nil, err
	}

	messages, err := s.messages.GetChatMessages(ctx, chatID, page)
	if err != nil {
		s.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to get chat messages")
		return nil, internal(err)
	}

	views, err := s.materializeMessages(ctx, messages)
	if err != nil {
		return nil, internal(err)
	}
	return views, nil
}

func (s *chatService) SendMessage(ctx context.Context, actor, chatID string, input MessageInput) (*models.MessageView, error) {
	if strings.TrimSpace(input.Content) == "" && len(input.Attachments) == 0 {
		return nil, invalidInput("message content or attachments are required")
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(chat, actor); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		SenderID:    actor,
		Content:     input.Content,
		Attachments: input.Attachments,
	}

	if err := s.messages.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("chat does not exist")
		}
		s.logger.WithError(err).Error("Failed to send message")
		return nil, internal(err)
	}

	stored, err := s.messages.GetMessageByID(ctx, msg.ID)
	if err != nil {
		return nil, internal(err)
	}
	view, err := s.materializeMessage(ctx, stored)
	if err != nil {
		return nil, internal(err)
	}

	s.logger.WithFields(logrus.Fields{
		"message_id":  msg.ID,
		"chat_id":     chatID,
		"sender_id":   actor,
		"attachments": len(msg.Attachments),
	}).Info("Message sent")

	s.notifier.NotifyParticipants(ctx, fanout.EventMessageReceived, chatID, view, chat.Participants, actor)
	return view, nil
}

func (s *chatService) DeleteMessage(ctx context.Context, actor, chatID, messageID string) (*models.MessageView, error) {
	if err := validateID("message id", messageID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(chat, actor); err != nil {
		return nil, err
	}

	msg, err := s.messages.GetMessageByID(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && msg.ChatID != chatID) {
		return nil, notFound("message does not exist")
	}
	if err != nil {
		return nil, internal(err)
	}
	if msg.SenderID != actor {
		return nil, forbidden("only the sender can delete a message")
	}

	view, err := s.materializeMessage(ctx, msg)
	if err != nil {
		return nil, internal(err)
	}

	if err := s.messages.DeleteMessage(ctx, chatID, messageID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("message does not exist")
		}
		s.logger.WithError(err).WithField("message_id", messageID).Error("Failed to delete message")
		return nil, internal(err)
	}
	s.cascader.RemoveAttachments(ctx, msg.Attachments)

	s.logger.WithFields(logrus.Fields{
		"message_id": messageID,
		"chat_id":    chatID,
	}).Info("Message deleted")

	s.notifier.NotifyParticipants(ctx, fanout.EventMessageDeleted, chatID, view, chat.Participants, actor)
	return view, nil
}
