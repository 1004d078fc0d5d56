package artifacts

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dreamforge/dream-server/internal/config"
)

type LocalStorage struct {
	assetsDir string
	tempDir   string
	baseURL   string
}

func NewLocalStorage(cfg *config.Config) (*LocalStorage, error) {
	if cfg.AssetsDir == "" {
		return nil, fmt.Errorf("assets directory is not set")
	}

	return &LocalStorage{
		assetsDir: cfg.AssetsDir,
		tempDir:   cfg.TempDir,
		baseURL:   fmt.Sprintf("http://%s:%d/file", cfg.Host, cfg.Port),
	}, nil
}

func (s *LocalStorage) Upload(file FileInfo) (string, error) {
	dir := s.assetsDir
	if file.IsTemp {
		dir = s.tempDir
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s%s", file.Name, file.Extension))

	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, file.Content, os.FileMode(0644)); err != nil {
		return "", err
	}

	return fmt.Sprintf("%s/%s%s", s.baseURL, file.Name, file.Extension), nil
}

func (s *LocalStorage) GetFile(filename string) (*FileInfo, error) {
	content, err := os.ReadFile(filepath.Join(s.assetsDir, filepath.Base(filename)))
	if err != nil {
		return nil, err
	}

	ext := filepath.Ext(filename)
	return &FileInfo{
		Name:      filename[:len(filename)-len(ext)],
		Extension: ext,
		Content:   content,
	}, nil
}
