package storage

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"metachat/chatroom-service/internal/models"
)

type Local struct {
	fs        afero.Fs
	dir       string
	publicURL string
}

func NewLocal(fs afero.Fs, dir, publicURL string) (*Local, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &Local{fs: fs, dir: filepath.Clean(dir), publicURL: publicURL}, nil
}

func (l *Local) Store(ctx context.Context, filename string, data []byte) (models.Attachment, error) {
	name := objectName(filename)
	path := filepath.Join(l.dir, name)
	if err := afero.WriteFile(l.fs, path, data, 0o644); err != nil {
		return models.Attachment{}, err
	}
	return models.Attachment{
		URL:       joinURL(l.publicURL, name),
		LocalPath: path,
	}, nil
}

// Remove deletes a stored file. A file that is already gone is not an error.
func (l *Local) Remove(ctx context.Context, path string) error {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, l.dir+string(filepath.Separator)) {
		return fmt.Errorf("path %q is outside the attachment dir", path)
	}
	if err := l.fs.Remove(clean); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FileSystem exposes the attachment dir for static serving.
func (l *Local) FileSystem() http.FileSystem {
	return afero.NewHttpFs(l.fs).Dir(l.dir)
}
