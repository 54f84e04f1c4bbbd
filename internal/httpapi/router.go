package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type RouterOptions struct {
	JWTSecret []byte
	// Static serves stored attachments under /images when set.
	Static http.FileSystem
}

func NewRouter(h *Handler, opts RouterOptions, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Static != nil {
		r.StaticFS("/images", opts.Static)
	}

	auth := AuthMiddleware(opts.JWTSecret)
	r.GET("/ws", auth, h.ServeWS)

	api := r.Group("/api/v1", auth)

	chats := api.Group("/chats")
	chats.GET("", h.ListChats)
	chats.GET("/users", h.SearchUsers)
	chats.POST("/c/:receiverId", h.GetOrCreateDirectChat)
	chats.POST("/group", h.CreateGroup)
	chats.GET("/group/:chatId", h.GetGroup)
	chats.PATCH("/group/:chatId", h.RenameGroup)
	chats.DELETE("/group/:chatId", h.DeleteGroup)
	chats.POST("/group/:chatId/:participantId", h.AddParticipant)
	chats.DELETE("/group/:chatId/:participantId", h.RemoveParticipant)
	chats.DELETE("/leave/group/:chatId", h.LeaveGroup)
	chats.DELETE("/remove/:chatId", h.DeleteDirectChat)

	messages := api.Group("/messages")
	messages.GET("/:chatId", h.ListMessages)
	messages.POST("/:chatId", h.SendMessage)
	messages.DELETE("/:chatId/:messageId", h.DeleteMessage)

	return r
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}
		if id, ok := c.Get(userIDKey); ok {
			fields["user_id"] = id
		}
		logger.WithFields(fields).Debug("HTTP request")
	}
}
