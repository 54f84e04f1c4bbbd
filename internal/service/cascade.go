package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"metachat/chatroom-service/internal/models"
	"metachat/chatroom-service/internal/repository"
)

// AttachmentRemover releases the physical storage behind an attachment.
type AttachmentRemover interface {
	Remove(ctx context.Context, path string) error
}

// Cascader deletes a chat together with its messages and attachment files.
type Cascader struct {
	chats  repository.ChatRepository
	blobs  AttachmentRemover
	logger *logrus.Logger
}

func NewCascader(chats repository.ChatRepository, blobs AttachmentRemover, logger *logrus.Logger) *Cascader {
	return &Cascader{
		chats:  chats,
		blobs:  blobs,
		logger: logger,
	}
}

// DeleteChat removes every message of the chat and the chat record in one
// store transaction, then removes each attachment file of the removed
// messages. Readers never observe a message whose chat is gone; a failed
// file removal leaves an orphaned blob which is logged.
func (c *Cascader) DeleteChat(ctx context.Context, chatID string) (int, error) {
	messages, err := c.chats.DeleteChat(ctx, chatID)
	if err != nil {
		return 0, err
	}

	var attachments []models.Attachment
	for _, msg := range messages {
		attachments = append(attachments, msg.Attachments...)
	}
	failed := c.RemoveAttachments(ctx, attachments)

	c.logger.WithFields(logrus.Fields{
		"chat_id":            chatID,
		"messages":           len(messages),
		"attachments":        len(attachments),
		"attachments_failed": failed,
	}).Info("Chat cascade deleted")

	return len(messages), nil
}

// RemoveAttachments issues one removal per attachment and returns the number
// of failures.
func (c *Cascader) RemoveAttachments(ctx context.Context, attachments []models.Attachment) int {
	failed := 0
	for _, a := range attachments {
		if a.LocalPath == "" {
			continue
		}
		if err := c.blobs.Remove(ctx, a.LocalPath); err != nil {
			failed++
			c.logger.WithError(err).WithField("path", a.LocalPath).Warn("Failed to remove attachment")
		}
	}
	return failed
}
