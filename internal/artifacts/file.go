package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// FileStore writes screenshots under <dir>/<run id>/<uuid>.png.
type FileStore struct {
	dir   string
	runID string
	log   *zap.Logger
}

// NewFileStore expands a leading ~ in dir. The run folder is created lazily on first save.
func NewFileStore(dir, runID string, logger *zap.Logger) (*FileStore, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand artifacts dir %q: %w", dir, err)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	return &FileStore{dir: expanded, runID: runID, log: logger.Named("artifacts.file")}, nil
}

// RunFolder is the absolute folder screenshots of this run are written to.
func (s *FileStore) RunFolder() string {
	return filepath.Join(s.dir, s.runID)
}

// Save writes png and returns its reference, /test_results/<run id>/<file>.
func (s *FileStore) Save(ctx context.Context, png []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.RunFolder(), 0o755); err != nil {
		return "", fmt.Errorf("failed to create run folder: %w", err)
	}

	name := uuid.NewString() + ".png"
	if err := os.WriteFile(filepath.Join(s.RunFolder(), name), png, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}

	ref := fmt.Sprintf("/test_results/%s/%s", s.runID, name)
	s.log.Debug("Screenshot saved", zap.String("ref", ref))
	return ref, nil
}
