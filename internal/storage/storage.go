package storage

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"metachat/chatroom-service/internal/models"
)

// Storage holds attachment bytes. LocalPath of a stored attachment is the
// handle later passed to Remove.
type Storage interface {
	Store(ctx context.Context, filename string, data []byte) (models.Attachment, error)
	Remove(ctx context.Context, path string) error
}

// objectName keeps the client's extension and nothing else of its filename.
func objectName(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	return uuid.New().String() + ext
}

func joinURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + name
}
