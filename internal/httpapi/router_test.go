package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metachat/chatroom-service/internal/fanout"
	"metachat/chatroom-service/internal/models"
	"metachat/chatroom-service/internal/realtime"
	"metachat/chatroom-service/internal/repository"
	"metachat/chatroom-service/internal/service"
	"metachat/chatroom-service/internal/storage"
)

var testSecret = []byte("test-secret")

type apiFixture struct {
	router *gin.Engine
	fs     afero.Fs
	store  *repository.MemoryStore
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	return newAPIWith(t, nil)
}

// newAPIWith lets a test replace the profile repository backed by the store.
func newAPIWith(t *testing.T, users func(store *repository.MemoryStore) repository.UserRepository) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := repository.NewMemoryStore()
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		store.PutUser(models.UserProfile{ID: id, Username: "user-" + id, Email: id + "@example.com"})
	}

	fs := afero.NewMemMapFs()
	blobs, err := storage.NewLocal(fs, "/images", "http://localhost/images")
	require.NoError(t, err)

	repos := service.Repositories{Chats: store, Messages: store, Users: store}
	if users != nil {
		repos.Users = users(store)
	}

	hub := realtime.NewHub(8, logger)
	svc := service.NewChatService(
		repos,
		service.NewCascader(store, blobs, logger),
		fanout.NewRouter(hub, logger),
		service.Options{MaxGroupSize: 10},
		logger,
	)
	handler := NewHandler(svc, blobs, hub, HandlerOptions{MaxFiles: 2, MaxBytes: 1 << 10}, logger)

	return &apiFixture{
		router: NewRouter(handler, RouterOptions{JWTSecret: testSecret, Static: blobs.FileSystem()}, logger),
		fs:     fs,
		store:  store,
	}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
	Success    bool            `json:"success"`
}

func (a *apiFixture) do(t *testing.T, method, path, userID string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	return a.serve(t, req)
}

func (a *apiFixture) serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestAuthMiddleware(t *testing.T) {
	api := newAPI(t)

	w, _ := api.do(t, http.MethodGet, "/api/v1/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w, _ = api.serve(t, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "u1"}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w, _ = api.serve(t, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/chats?token="+token(t, "u1"), nil)
	w, env := api.serve(t, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(env.Data))

	w, _ = api.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGroupLifecycle(t *testing.T) {
	api := newAPI(t)

	w, env := api.do(t, http.MethodPost, "/api/v1/chats/group", "u1", gin.H{
		"name":         "Trip",
		"participants": []string{"u2", "u3"},
	})
	require.Equal(t, http.StatusCreated, w.Code, env.Message)
	assert.True(t, env.Success)
	group := decode[models.ChatView](t, env.Data)
	assert.Equal(t, "Trip", group.Name)
	assert.Equal(t, "u1", group.Admin)
	assert.Len(t, group.Participants, 3)

	w, env = api.do(t, http.MethodPatch, "/api/v1/chats/group/"+group.ID, "u2", gin.H{"name": "Mine"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, env.Success)

	w, env = api.do(t, http.MethodPatch, "/api/v1/chats/group/"+group.ID, "u1", gin.H{"name": "Trip 2024"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Trip 2024", decode[models.ChatView](t, env.Data).Name)

	w, _ = api.do(t, http.MethodPost, "/api/v1/chats/group/"+group.ID+"/u4", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = api.do(t, http.MethodPost, "/api/v1/chats/group/"+group.ID+"/u4", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = api.do(t, http.MethodDelete, "/api/v1/chats/group/"+group.ID+"/u4", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, env = api.do(t, http.MethodDelete, "/api/v1/chats/leave/group/"+group.ID, "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u2", decode[models.ChatView](t, env.Data).Admin)

	w, _ = api.do(t, http.MethodGet, "/api/v1/chats/group/"+group.ID, "u1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = api.do(t, http.MethodDelete, "/api/v1/chats/group/"+group.ID, "u2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = api.do(t, http.MethodGet, "/api/v1/chats/group/"+group.ID, "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateGroup_BadRequests(t *testing.T) {
	api := newAPI(t)

	ts := []struct {
		name string
		body interface{}
	}{
		{name: "missing participants", body: gin.H{"name": "Trip"}},
		{name: "creator listed", body: gin.H{"name": "Trip", "participants": []string{"u1", "u2"}}},
		{name: "too small", body: gin.H{"name": "Trip", "participants": []string{"u2"}}},
	}

	for _, tt := range ts {
		t.Run(tt.name, func(t *testing.T) {
			w, env := api.do(t, http.MethodPost, "/api/v1/chats/group", "u1", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.False(t, env.Success)
		})
	}
}

func TestDirectChat(t *testing.T) {
	api := newAPI(t)

	w, env := api.do(t, http.MethodPost, "/api/v1/chats/c/u2", "u1", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	chat := decode[models.ChatView](t, env.Data)
	assert.Equal(t, models.DirectChatName, chat.Name)

	w, env = api.do(t, http.MethodPost, "/api/v1/chats/c/u1", "u2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, chat.ID, decode[models.ChatView](t, env.Data).ID)

	w, _ = api.do(t, http.MethodPost, "/api/v1/chats/c/u1", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = api.do(t, http.MethodPost, "/api/v1/chats/c/ghost", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = api.do(t, http.MethodDelete, "/api/v1/chats/remove/"+chat.ID, "u3", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = api.do(t, http.MethodDelete, "/api/v1/chats/remove/"+chat.ID, "u2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, env = api.do(t, http.MethodGet, "/api/v1/chats", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestMessages(t *testing.T) {
	api := newAPI(t)
	_, env := api.do(t, http.MethodPost, "/api/v1/chats/c/u2", "u1", nil)
	chat := decode[models.ChatView](t, env.Data)

	w, _ := api.do(t, http.MethodPost, "/api/v1/messages/"+chat.ID, "u1", gin.H{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = api.do(t, http.MethodPost, "/api/v1/messages/"+chat.ID, "u1", gin.H{"content": "hello"})
	require.Equal(t, http.StatusCreated, w.Code)
	msg := decode[models.MessageView](t, env.Data)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "u1", msg.Sender.ID)

	w, _ = api.do(t, http.MethodPost, "/api/v1/messages/"+chat.ID, "u3", gin.H{"content": "intruder"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, env = api.do(t, http.MethodGet, "/api/v1/messages/"+chat.ID+"?limit=10", "u2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.MessageView](t, env.Data), 1)

	w, _ = api.do(t, http.MethodDelete, "/api/v1/messages/"+chat.ID+"/"+msg.ID, "u2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = api.do(t, http.MethodDelete, "/api/v1/messages/"+chat.ID+"/"+msg.ID, "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = api.do(t, http.MethodDelete, "/api/v1/messages/"+chat.ID+"/"+uuid.New().String(), "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = api.do(t, http.MethodGet, "/api/v1/messages/not-a-uuid", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func multipartRequest(t *testing.T, path, userID, content string, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("content", content))
	for name, data := range files {
		part, err := mw.CreateFormFile("attachments", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token(t, userID))
	return req
}

func TestSendMessage_Attachments(t *testing.T) {
	api := newAPI(t)
	_, env := api.do(t, http.MethodPost, "/api/v1/chats/c/u2", "u1", nil)
	chat := decode[models.ChatView](t, env.Data)
	path := "/api/v1/messages/" + chat.ID

	w, env := api.serve(t, multipartRequest(t, path, "u1", "", map[string][]byte{"cat.png": []byte("meow")}))
	require.Equal(t, http.StatusCreated, w.Code, env.Message)
	msg := decode[models.MessageView](t, env.Data)
	require.Len(t, msg.Attachments, 1)
	stored := msg.Attachments[0]
	assert.True(t, strings.HasSuffix(stored.URL, ".png"))

	exists, err := afero.Exists(api.fs, stored.LocalPath)
	require.NoError(t, err)
	assert.True(t, exists)

	// served back under /images
	req := httptest.NewRequest(http.MethodGet, "/images/"+stored.LocalPath[len("/images/"):], nil)
	w = httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "meow", w.Body.String())

	// too many files
	w, _ = api.serve(t, multipartRequest(t, path, "u1", "x", map[string][]byte{"a.png": {1}, "b.png": {2}, "c.png": {3}}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// uploads of a rejected message are discarded
	w, _ = api.serve(t, multipartRequest(t, path, "u3", "x", map[string][]byte{"d.png": {4}}))
	assert.Equal(t, http.StatusForbidden, w.Code)
	entries, err := afero.ReadDir(api.fs, "/images")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// deleting the message removes the file
	w, _ = api.do(t, http.MethodDelete, fmt.Sprintf("%s/%s", path, msg.ID), "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exists, err = afero.Exists(api.fs, stored.LocalPath)
	require.NoError(t, err)
	assert.False(t, exists)
}

// outageUsers starts failing profile lookups once down is set.
type outageUsers struct {
	repository.UserRepository
	down atomic.Bool
}

func (u *outageUsers) GetProfiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error) {
	if u.down.Load() {
		return nil, errors.New("profile lookup unavailable")
	}
	return u.UserRepository.GetProfiles(ctx, ids)
}

func TestSendMessage_InternalErrorKeepsCommittedUploads(t *testing.T) {
	users := &outageUsers{}
	api := newAPIWith(t, func(store *repository.MemoryStore) repository.UserRepository {
		users.UserRepository = store
		return users
	})
	_, env := api.do(t, http.MethodPost, "/api/v1/chats/c/u2", "u1", nil)
	chat := decode[models.ChatView](t, env.Data)

	users.down.Store(true)
	w, _ := api.serve(t, multipartRequest(t, "/api/v1/messages/"+chat.ID, "u1", "", map[string][]byte{"cat.png": []byte("meow")}))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	messages, err := api.store.GetChatMessages(context.Background(), chat.ID, models.MessagePage{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Len(t, messages[0].Attachments, 1)

	exists, err := afero.Exists(api.fs, messages[0].Attachments[0].LocalPath)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSendMessage_MalformedMultipart(t *testing.T) {
	api := newAPI(t)
	_, env := api.do(t, http.MethodPost, "/api/v1/chats/c/u2", "u1", nil)
	chat := decode[models.ChatView](t, env.Data)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages/"+chat.ID, strings.NewReader("content=hello"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=missing")
	req.Header.Set("Authorization", "Bearer "+token(t, "u1"))
	w, _ := api.serve(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	messages, err := api.store.GetChatMessages(context.Background(), chat.ID, models.MessagePage{})
	require.NoError(t, err)
	assert.Empty(t, messages)

	entries, err := afero.ReadDir(api.fs, "/images")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSearchUsers(t *testing.T) {
	api := newAPI(t)

	w, env := api.do(t, http.MethodGet, "/api/v1/chats/users?q=u2", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	users := decode[[]models.UserProfile](t, env.Data)
	require.Len(t, users, 1)
	assert.Equal(t, "u2", users[0].ID)
}

func TestStatusFor(t *testing.T) {
	ts := []struct {
		err  error
		want int
	}{
		{err: service.ErrNotFound, want: http.StatusNotFound},
		{err: fmt.Errorf("wrapped: %w", service.ErrForbidden), want: http.StatusForbidden},
		{err: service.ErrInsufficientMembers, want: http.StatusBadRequest},
		{err: service.ErrAlreadyMember, want: http.StatusBadRequest},
		{err: service.ErrInternal, want: http.StatusInternalServerError},
		{err: io.EOF, want: http.StatusInternalServerError},
	}
	for _, tt := range ts {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
