// Package workspace keeps the per-workflow progress file that workers append
// notes to while a run is active.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/snarktank/antfarm/pkg/api"
)

const (
	progressFile = "progress.txt"
	archiveDir   = "archive"
)

// FS is an api.Sidecar rooted at a directory. Each workflow gets
// <root>/<workflow>/progress.txt.
type FS struct {
	root string
}

var _ api.Sidecar = (*FS)(nil)

func New(root string) *FS {
	return &FS{root: root}
}

// Root returns the directory the sidecar writes under.
func (w *FS) Root() string { return w.root }

// ProgressPath returns the progress file of a workflow.
func (w *FS) ProgressPath(workflowID string) string {
	return filepath.Join(w.root, workflowID, progressFile)
}

// ArchivePath returns where the progress of a finished run is kept.
func (w *FS) ArchivePath(workflowID, runID string) string {
	return filepath.Join(w.root, workflowID, archiveDir, runID+"-"+progressFile)
}

// ReadProgress returns the progress text, or "" when the file is missing.
func (w *FS) ReadProgress(ctx context.Context, run *api.Run) (string, error) {
	data, err := os.ReadFile(w.ProgressPath(run.WorkflowID))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read progress: %w", err)
	}
	return string(data), nil
}

// Append adds text to the progress file, creating it when needed.
func (w *FS) Append(ctx context.Context, workflowID, text string) error {
	path := w.ProgressPath(workflowID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open progress: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		_ = f.Close()
		return fmt.Errorf("append progress: %w", err)
	}
	return f.Close()
}

// Archive copies the progress text next to the workflow under the run id and
// truncates the live file. A missing or empty progress file is not archived.
func (w *FS) Archive(ctx context.Context, run *api.Run) error {
	path := w.ProgressPath(run.WorkflowID)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read progress: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	dst := w.ArchivePath(run.WorkflowID, run.ID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := os.Truncate(path, 0); err != nil {
		return fmt.Errorf("truncate progress: %w", err)
	}
	return nil
}
