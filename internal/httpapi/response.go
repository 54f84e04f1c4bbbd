package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"metachat/chatroom-service/internal/service"
)

func respond(c *gin.Context, status int, data interface{}, message string) {
	c.JSON(status, gin.H{
		"statusCode": status,
		"data":       data,
		"message":    message,
		"success":    status < http.StatusBadRequest,
	})
}

// statusFor maps service errors onto the response status classes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidParticipant),
		errors.Is(err, service.ErrInsufficientMembers),
		errors.Is(err, service.ErrGroupFull),
		errors.Is(err, service.ErrAlreadyMember),
		errors.Is(err, service.ErrNotAMember):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		message = "Internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{
		"statusCode": status,
		"message":    message,
		"success":    false,
	})
}
