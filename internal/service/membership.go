package service

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"metachat/chatroom-service/internal/models"
)

func newDirectChat(actor, peerID string) (*models.Chat, error) {
	if actor == "" || peerID == "" {
		return nil, invalidInput("user id is required")
	}
	if actor == peerID {
		return nil, fmt.Errorf("%w: cannot chat with yourself", ErrInvalidParticipant)
	}
	return &models.Chat{
		ID:           uuid.New().String(),
		Name:         models.DirectChatName,
		IsGroupChat:  false,
		Participants: []string{actor, peerID},
		Admin:        actor,
	}, nil
}

// newGroupChat builds a group with the creator as admin. memberIDs must not
// contain the creator; duplicates collapse.
func newGroupChat(creator, name string, memberIDs []string, maxSize int) (*models.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidInput("group name is required")
	}
	if lo.Contains(memberIDs, creator) {
		return nil, fmt.Errorf("%w: participants must not contain the group creator", ErrInvalidParticipant)
	}
	if lo.Contains(memberIDs, "") {
		return nil, invalidInput("participant id is required")
	}

	participants := lo.Uniq(append([]string{creator}, memberIDs...))
	if len(participants) < models.MinGroupSize {
		return nil, ErrInsufficientMembers
	}
	if maxSize > 0 && len(participants) > maxSize {
		return nil, fmt.Errorf("%w: at most %d participants", ErrGroupFull, maxSize)
	}

	return &models.Chat{
		ID:           uuid.New().String(),
		Name:         name,
		IsGroupChat:  true,
		Participants: participants,
		Admin:        creator,
	}, nil
}

func validateGroupName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalidInput("group name is required")
	}
	return name, nil
}

func validateID(kind, id string) error {
	if id == "" {
		return invalidInput("%s is required", kind)
	}
	if _, err := uuid.Parse(id); err != nil {
		return invalidInput("malformed %s %q", kind, id)
	}
	return nil
}

func requireGroup(chat *models.Chat) error {
	if !chat.IsGroupChat {
		return notFound("group chat does not exist")
	}
	return nil
}

func requireDirect(chat *models.Chat) error {
	if chat.IsGroupChat {
		return notFound("one on one chat does not exist")
	}
	return nil
}

func requireAdmin(chat *models.Chat, actor string) error {
	if chat.Admin != actor {
		return forbidden("only the group admin can do this")
	}
	return nil
}

func requireParticipant(chat *models.Chat, actor string) error {
	if !chat.HasParticipant(actor) {
		return forbidden("you are not a participant of this chat")
	}
	return nil
}

func validateAddParticipant(chat *models.Chat, actor, userID string, maxSize int) error {
	if err := requireGroup(chat); err != nil {
		return err
	}
	if err := requireAdmin(chat, actor); err != nil {
		return err
	}
	if chat.HasParticipant(userID) {
		return ErrAlreadyMember
	}
	if maxSize > 0 && len(chat.Participants) >= maxSize {
		return fmt.Errorf("%w: at most %d participants", ErrGroupFull, maxSize)
	}
	return nil
}

func validateRemoveParticipant(chat *models.Chat, actor, userID string) error {
	if err := requireGroup(chat); err != nil {
		return err
	}
	if err := requireAdmin(chat, actor); err != nil {
		return err
	}
	if userID == actor {
		return fmt.Errorf("%w: admin cannot remove themself, leave the group instead", ErrInvalidParticipant)
	}
	if !chat.HasParticipant(userID) {
		return ErrNotAMember
	}
	return nil
}
