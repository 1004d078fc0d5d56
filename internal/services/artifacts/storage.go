package artifacts

import (
	"fmt"
	"strings"

	"github.com/dreamforge/dream-server/internal/config"
)

type FileInfo struct {
	Name      string
	Extension string
	Content   []byte
	IsTemp    bool
}

// Storage persists generated artifacts and hands back a URL a client
// can fetch them from.
type Storage interface {
	Upload(file FileInfo) (string, error)
	GetFile(filename string) (*FileInfo, error)
}

func NewFileInfo(name, extension string, content []byte, isTemp bool) FileInfo {
	return FileInfo{
		Name:      name,
		Extension: extension,
		Content:   content,
		IsTemp:    isTemp,
	}
}

func NewStorage(cfg *config.Config) (Storage, error) {
	switch strings.ToLower(cfg.Filesystem) {
	case config.FilesystemLocal:
		return NewLocalStorage(cfg)
	case config.FilesystemS3:
		return NewS3Storage(cfg)
	}

	return nil, fmt.Errorf("invalid filesystem type %s", cfg.Filesystem)
}
