package staging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/flowdeploy-go/internal/domain/execution"
	"github.com/flowdeploy-go/pkg/logger"
	"github.com/flowdeploy-go/pkg/metrics"
)

// LocalStore stages files on a filesystem shared with the engine, at
// <root>/<workflowID>/<executionID>/<file name>.
type LocalStore struct {
	root   string
	logger logger.Logger
}

func NewLocalStore(root string, log logger.Logger) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("staging root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve staging root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging root: %w", err)
	}
	return &LocalStore{root: abs, logger: log}, nil
}

func (s *LocalStore) dir(workflowID, executionID string) (string, error) {
	if err := checkKeys(workflowID, executionID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, workflowID, executionID), nil
}

func (s *LocalStore) Stage(ctx context.Context, workflowID, executionID string, files []File) (map[string]execution.FileHash, error) {
	dir, err := s.dir(workflowID, executionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}

	hashes := make(map[string]execution.FileHash, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("staging interrupted: %w", err)
		}
		fh, err := s.stageOne(ctx, dir, f)
		if err != nil {
			return nil, err
		}
		hashes[fh.FileName] = fh
	}

	s.logger.Debug("Staged execution inputs", "workflow_id", workflowID, "execution_id", executionID, "files", len(hashes))
	return hashes, nil
}

func (s *LocalStore) stageOne(ctx context.Context, dir string, f File) (execution.FileHash, error) {
	name, err := CleanName(f.Name)
	if err != nil {
		return execution.FileHash{}, err
	}

	src, err := f.Open()
	if err != nil {
		return execution.FileHash{}, fmt.Errorf("failed to open upload %s: %w", name, err)
	}
	defer src.Close()

	dest := filepath.Join(dir, name)
	out, err := os.Create(dest)
	if err != nil {
		return execution.FileHash{}, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	hr := newHashingReader(ctx, src, f.ContentType)
	if _, err := io.Copy(out, hr); err != nil {
		out.Close()
		return execution.FileHash{}, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return execution.FileHash{}, fmt.Errorf("failed to flush %s: %w", name, err)
	}
	metrics.StagedBytesTotal.Add(float64(hr.n))

	return execution.FileHash{
		FilePath: dest,
		FileName: name,
		FileHash: hr.Sum(),
		MimeType: hr.mime,
		FileSize: hr.n,
		Source:   SourceAPI,
	}, nil
}

func (s *LocalStore) DeleteStagingDir(ctx context.Context, workflowID, executionID string) error {
	dir, err := s.dir(workflowID, executionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove staging dir: %w", err)
	}
	return nil
}
