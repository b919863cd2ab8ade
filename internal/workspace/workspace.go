package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/centrixsystems/centrix-ci/internal/logfields"
)

// Manager hands out per-build directories under a fixed root.
type Manager struct {
	root string
}

// NewManager creates a workspace manager rooted at root. An empty root
// falls back to a directory under the system temp dir.
func NewManager(root string) *Manager {
	if root == "" {
		root = filepath.Join(os.TempDir(), "centrix-ci")
	}
	return &Manager{root: root}
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// Ensure creates the workspace root if it does not exist yet.
func (m *Manager) Ensure() error {
	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return fmt.Errorf("failed to create workspace root: %w", err)
	}
	slog.Info("Workspace ready", logfields.Path(m.root))
	return nil
}

// BuildDir returns the directory a build checks out into.
func (m *Manager) BuildDir(buildID int64) string {
	return filepath.Join(m.root, strconv.FormatInt(buildID, 10))
}

// Prepare returns a clean directory path for a build. A leftover
// directory from an interrupted run is removed first. The directory
// itself is not created; the clone creates it.
func (m *Manager) Prepare(buildID int64) (string, error) {
	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return "", fmt.Errorf("failed to create workspace root: %w", err)
	}
	dir := m.BuildDir(buildID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to remove stale build directory: %w", err)
	}
	return dir, nil
}

// Cleanup removes a build directory. Failure is logged rather than
// returned; the next Prepare for the same id removes leftovers.
func (m *Manager) Cleanup(buildID int64) {
	dir := m.BuildDir(buildID)
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("Failed to clean up build directory", logfields.Path(dir), logfields.Error(err))
		return
	}
	slog.Debug("Cleaned up build directory", logfields.Path(dir))
}
