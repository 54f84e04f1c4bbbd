package models

import (
	"time"
)

const (
	DirectChatName = "One on one chat"
	MinGroupSize   = 3
)

type Chat struct {
	ID            string
	Name          string
	IsGroupChat   bool
	Participants  []string
	Admin         string
	LastMessageID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasParticipant reports whether userID is a current member of the chat.
func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

type Attachment struct {
	URL       string `json:"url"`
	LocalPath string `json:"localPath"`
}

type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	Content     string
	Attachments []Attachment
	CreatedAt   time.Time
}

// UserProfile is the public projection of a user record.
type UserProfile struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar"`
}

type ChatView struct {
	ID           string        `json:"_id"`
	Name         string        `json:"name"`
	IsGroupChat  bool          `json:"isGroupChat"`
	Admin        string        `json:"admin"`
	Participants []UserProfile `json:"participants"`
	LastMessage  *MessageView  `json:"lastMessage,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

type MessageView struct {
	ID          string       `json:"_id"`
	ChatID      string       `json:"chat"`
	Sender      UserProfile  `json:"sender"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// MessagePage selects a window of a chat's messages, newest first.
// Before is the id of the last message of the previous page.
type MessagePage struct {
	Limit  int
	Before string
}
