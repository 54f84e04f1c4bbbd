package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"metachat/chatroom-service/internal/models"
	"metachat/chatroom-service/internal/realtime"
	"metachat/chatroom-service/internal/service"
	"metachat/chatroom-service/internal/storage"
)

type Handler struct {
	service  service.ChatService
	blobs    storage.Storage
	hub      *realtime.Hub
	maxFiles int
	maxBytes int64
	logger   *logrus.Logger
}

type HandlerOptions struct {
	MaxFiles int
	MaxBytes int64
}

func NewHandler(svc service.ChatService, blobs storage.Storage, hub *realtime.Hub, opts HandlerOptions, logger *logrus.Logger) *Handler {
	return &Handler{
		service:  svc,
		blobs:    blobs,
		hub:      hub,
		maxFiles: opts.MaxFiles,
		maxBytes: opts.MaxBytes,
		logger:   logger,
	}
}

type createGroupRequest struct {
	Name         string   `json:"name" binding:"required"`
	Participants []string `json:"participants" binding:"required"`
}

type renameGroupRequest struct {
	Name string `json:"name" binding:"required"`
}

type sendMessageRequest struct {
	Content string `json:"content" form:"content"`
}

// actor resolves the authenticated user or aborts with 401.
func (h *Handler) actor(c *gin.Context) (string, bool) {
	id, err := currentUser(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return "", false
	}
	return id, true
}

func (h *Handler) SearchUsers(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	users, err := h.service.SearchCandidates(c.Request.Context(), actor, c.Query("q"), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, users, "Users fetched successfully")
}

func (h *Handler) GetOrCreateDirectChat(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	chat, created, err := h.service.GetOrCreateDirectChat(c.Request.Context(), actor, c.Param("receiverId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if created {
		respond(c, http.StatusCreated, chat, "Chat created successfully")
		return
	}
	respond(c, http.StatusOK, chat, "Chat retrieved successfully")
}

func (h *Handler) CreateGroup(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, nil, err.Error())
		return
	}

	chat, err := h.service.CreateGroup(c.Request.Context(), actor, req.Name, req.Participants)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, chat, "Group chat created successfully")
}

func (h *Handler) GetGroup(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	chat, err := h.service.GetGroup(c.Request.Context(), actor, c.Param("chatId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, chat, "Group chat fetched successfully")
}

func (h *Handler) RenameGroup(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req renameGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, nil, err.Error())
		return
	}

	chat, err := h.service.RenameGroup(c.Request.Context(), actor, c.Param("chatId"), req.Name)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, chat, "Group chat name updated successfully")
}

func (h *Handler) DeleteGroup(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	if err := h.service.DeleteGroup(c.Request.Context(), actor, c.Param("chatId")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, gin.H{}, "Group chat deleted successfully")
}

func (h *Handler) AddParticipant(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	chat, err := h.service.AddParticipant(c.Request.Context(), actor, c.Param("chatId"), c.Param("participantId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, chat, "Participant added successfully")
}

func (h *Handler) RemoveParticipant(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	chat, err := h.service.RemoveParticipant(c.Request.Context(), actor, c.Param("chatId"), c.Param("participantId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, chat, "Participant removed successfully")
}

func (h *Handler) LeaveGroup(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	chat, err := h.service.LeaveGroup(c.Request.Context(), actor, c.Param("chatId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, chat, "Left a group successfully")
}

func (h *Handler) DeleteDirectChat(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	if err := h.service.DeleteDirectChat(c.Request.Context(), actor, c.Param("chatId")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, gin.H{}, "Chat deleted successfully")
}

func (h *Handler) ListChats(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	chats, err := h.service.ListChats(c.Request.Context(), actor)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if chats == nil {
		chats = []*models.ChatView{}
	}
	respond(c, http.StatusOK, chats, "User chats fetched successfully")
}

func (h *Handler) ListMessages(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	messages, err := h.service.ListMessages(c.Request.Context(), actor, c.Param("chatId"), models.MessagePage{
		Limit:  limit,
		Before: c.Query("before"),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if messages == nil {
		messages = []*models.MessageView{}
	}
	respond(c, http.StatusOK, messages, "Messages fetched successfully")
}

func (h *Handler) SendMessage(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBind(&req); err != nil {
		respond(c, http.StatusBadRequest, nil, err.Error())
		return
	}

	ctx := c.Request.Context()
	attachments, err := h.storeUploads(ctx, c)
	if err != nil {
		respond(c, http.StatusBadRequest, nil, err.Error())
		return
	}

	msg, err := h.service.SendMessage(ctx, actor, c.Param("chatId"), service.MessageInput{
		Content:     req.Content,
		Attachments: attachments,
	})
	if err != nil {
		// an internal error may follow a committed append that references the uploads
		if !errors.Is(err, service.ErrInternal) {
			h.discard(ctx, attachments)
		}
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, msg, "Message saved successfully")
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	msg, err := h.service.DeleteMessage(c.Request.Context(), actor, c.Param("chatId"), c.Param("messageId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, msg, "Message deleted successfully")
}

func (h *Handler) ServeWS(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	if err := h.hub.ServeWS(c.Writer, c.Request, actor); err != nil {
		h.logger.WithError(err).WithField("user_id", actor).Warn("Websocket connection failed")
	}
}

// storeUploads persists the "attachments" files of a multipart request.
func (h *Handler) storeUploads(ctx context.Context, c *gin.Context) ([]models.Attachment, error) {
	form, err := c.MultipartForm()
	if errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	files := form.File["attachments"]
	if h.maxFiles > 0 && len(files) > h.maxFiles {
		return nil, fmt.Errorf("at most %d attachments are allowed", h.maxFiles)
	}

	var stored []models.Attachment
	for _, fh := range files {
		data, err := h.readUpload(fh)
		if err != nil {
			h.discard(ctx, stored)
			return nil, err
		}
		a, err := h.blobs.Store(ctx, fh.Filename, data)
		if err != nil {
			h.discard(ctx, stored)
			return nil, err
		}
		stored = append(stored, a)
	}
	return stored, nil
}

func (h *Handler) readUpload(fh *multipart.FileHeader) ([]byte, error) {
	if h.maxBytes > 0 && fh.Size > h.maxBytes {
		return nil, fmt.Errorf("attachment %s exceeds %d bytes", fh.Filename, h.maxBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *Handler) discard(ctx context.Context, attachments []models.Attachment) {
	for _, a := range attachments {
		if err := h.blobs.Remove(ctx, a.LocalPath); err != nil {
			h.logger.WithError(err).WithField("path", a.LocalPath).Warn("Failed to discard upload")
		}
	}
}
