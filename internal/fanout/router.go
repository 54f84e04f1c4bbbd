package fanout

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry maps a user to its live connections.
type Registry interface {
	Send(ctx context.Context, userID string, evt Event) error
}

// Router delivers chat state changes to the participants of a chat.
//
// Delivery is best effort and at most once: a participant without a live
// connection simply misses the event, and per-recipient failures are logged
// and swallowed.
type Router struct {
	registry Registry
	logger   *logrus.Logger
	now      func() time.Time
}

func NewRouter(registry Registry, logger *logrus.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// NotifyParticipants sends one event to every participant except actor.
// Duplicate ids in participants are delivered once.
func (r *Router) NotifyParticipants(ctx context.Context, kind EventKind, chatID string, payload interface{}, participants []string, actor string) {
	evt := Event{
		Kind:    kind,
		ChatID:  chatID,
		Payload: payload,
		SentAt:  r.now(),
	}

	seen := make(map[string]struct{}, len(participants))
	delivered := 0
	for _, userID := range participants {
		if userID == actor {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		if err := r.registry.Send(ctx, userID, evt); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"event":   kind,
				"chat_id": chatID,
				"user_id": userID,
			}).Warn("Failed to deliver event")
			continue
		}
		delivered++
	}

	r.logger.WithFields(logrus.Fields{
		"event":      kind,
		"chat_id":    chatID,
		"actor":      actor,
		"recipients": len(seen),
		"delivered":  delivered,
	}).Debug("Event fanned out")
}
