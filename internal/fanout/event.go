package fanout

import "time"

type EventKind string

const (
	EventConnected          EventKind = "connected"
	EventNewChat            EventKind = "newChat"
	EventUpdateGroupName    EventKind = "updateGroupName"
	EventParticipantAdded   EventKind = "participantAdded"
	EventParticipantRemoved EventKind = "participantRemoved"
	EventLeaveChat          EventKind = "leaveChat"
	EventMessageReceived    EventKind = "messageReceived"
	EventMessageDeleted     EventKind = "messageDeleted"
)

// Event is what a live connection receives. Payload is always a fully
// materialized chat or message.
type Event struct {
	Kind    EventKind   `json:"event"`
	ChatID  string      `json:"chatId,omitempty"`
	Payload interface{} `json:"data"`
	SentAt  time.Time   `json:"sentAt"`
}
