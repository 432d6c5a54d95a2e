// Package filesource abstracts where uploaded spreadsheets live: the local
// upload directory or an S3-compatible object store.
package filesource

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/timecard-processor/internal/common"
	"github.com/joseph-ayodele/timecard-processor/internal/repository"
)

// Source opens the file a job's metadata points at.
type Source interface {
	Open(ctx context.Context, meta *repository.JobMetadata) (io.ReadCloser, error)
}

// LocalSource serves files from directories on disk. Paths are confined to
// the configured roots so job metadata cannot reach outside them.
type LocalSource struct {
	roots []string
}

func NewLocalSource(roots ...string) *LocalSource {
	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		if r != "" {
			clean = append(clean, filepath.Clean(r))
		}
	}
	return &LocalSource{roots: clean}
}

func (s *LocalSource) Open(ctx context.Context, meta *repository.JobMetadata) (io.ReadCloser, error) {
	if meta == nil || meta.FilePath == "" {
		return nil, common.WrapError(common.ErrInvalidInput, "job has no file path")
	}
	path := filepath.Clean(meta.FilePath)
	if !s.allowed(path) {
		return nil, common.WrapError(common.ErrInvalidInput,
			fmt.Sprintf("file path %q is outside the allowed directories", meta.FilePath))
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.WrapError(common.ErrNotFound, fmt.Sprintf("file %s", path))
		}
		return nil, common.NewAppError("FILE_OPEN", fmt.Sprintf("open %s", path), err)
	}
	return f, nil
}

func (s *LocalSource) allowed(path string) bool {
	if len(s.roots) == 0 {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range s.roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
