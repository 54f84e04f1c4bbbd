package service_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"metachat/chatroom-service/internal/fanout"
	"metachat/chatroom-service/internal/models"
	"metachat/chatroom-service/internal/repository"
	"metachat/chatroom-service/internal/service"
)

type delivery struct {
	UserID string
	Event  fanout.Event
}

type recordingRegistry struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (r *recordingRegistry) Send(ctx context.Context, userID string, evt fanout.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, delivery{UserID: userID, Event: evt})
	return nil
}

func (r *recordingRegistry) forUser(userID string) []fanout.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []fanout.Event
	for _, d := range r.deliveries {
		if d.UserID == userID {
			events = append(events, d.Event)
		}
	}
	return events
}

func (r *recordingRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}

type countingRemover struct {
	mu    sync.Mutex
	paths []string
}

func (c *countingRemover) Remove(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, path)
	return nil
}

func (c *countingRemover) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

type fixture struct {
	ctx      context.Context
	svc      service.ChatService
	store    *repository.MemoryStore
	registry *recordingRegistry
	blobs    *countingRemover
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test swap in repositories that wrap the store.
func newFixtureWith(t *testing.T, wrap func(store *repository.MemoryStore) service.Repositories) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := repository.NewMemoryStore()
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		store.PutUser(models.UserProfile{ID: id, Username: "user-" + id, Email: id + "@example.com"})
	}

	repos := service.Repositories{Chats: store, Messages: store, Users: store}
	if wrap != nil {
		repos = wrap(store)
	}

	registry := &recordingRegistry{}
	blobs := &countingRemover{}
	svc := service.NewChatService(
		repos,
		service.NewCascader(store, blobs, logger),
		fanout.NewRouter(registry, logger),
		service.Options{MaxGroupSize: 4},
		logger,
	)

	return &fixture{
		ctx:      context.Background(),
		svc:      svc,
		store:    store,
		registry: registry,
		blobs:    blobs,
	}
}

func (f *fixture) group(t *testing.T, admin string, members ...string) *models.ChatView {
	t.Helper()
	chat, err := f.svc.CreateGroup(f.ctx, admin, "group", members)
	require.NoError(t, err)
	f.registry.reset()
	return chat
}

func (f *fixture) send(t *testing.T, sender, chatID, content string, attachments ...models.Attachment) *models.MessageView {
	t.Helper()
	msg, err := f.svc.SendMessage(f.ctx, sender, chatID, service.MessageInput{Content: content, Attachments: attachments})
	require.NoError(t, err)
	return msg
}

func (f *fixture) chat(t *testing.T, chatID string) *models.Chat {
	t.Helper()
	chat, err := f.store.GetChatByID(f.ctx, chatID)
	require.NoError(t, err)
	return chat
}

func participantIDs(view *models.ChatView) []string {
	ids := make([]string, 0, len(view.Participants))
	for _, p := range view.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}
