package soxfarm

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataDirManager manages per-worker data directories under a configured
// root: created before spawn, removed on final shutdown, preserved across
// restarts of the same id.
type DataDirManager struct {
	root string
}

// NewDataDirManager creates a manager rooted at root.
func NewDataDirManager(root string) *DataDirManager {
	return &DataDirManager{root: root}
}

// PathFor returns the data directory path for a given worker id. It does
// not create the directory.
func (m *DataDirManager) PathFor(workerID int) string {
	return filepath.Join(m.root, fmt.Sprintf("worker-%d", workerID))
}

// EnsureRoot ensures the data-directory root exists.
func (m *DataDirManager) EnsureRoot() error {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory root: %w", err)
	}
	return nil
}

// Create creates (or reuses) a worker's data directory with owner-only
// permissions, returning its path.
func (m *DataDirManager) Create(workerID int) (string, error) {
	path := m.PathFor(workerID)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data directory %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes a worker's data directory. It is a no-op if the directory
// does not exist.
func (m *DataDirManager) Remove(workerID int) error {
	path := m.PathFor(workerID)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove data directory %s: %w", path, err)
	}
	return nil
}
