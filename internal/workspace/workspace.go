package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// Manager handles one build's working directory (ephemeral or persistent).
type Manager struct {
	baseDir    string
	name       string
	dir        string
	persistent bool // If true, the directory survives Cleanup
}

// NewManager creates a manager for an ephemeral directory named after the build.
func NewManager(baseDir, buildID string) *Manager {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Manager{
		baseDir: baseDir,
		name:    "build-" + buildID,
	}
}

// NewPersistentManager creates a manager for a fixed directory
// (baseDir/subdirName) that is kept across builds.
func NewPersistentManager(baseDir, subdirName string) *Manager {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if subdirName == "" {
		subdirName = "working"
	}
	return &Manager{
		baseDir:    baseDir,
		name:       subdirName,
		persistent: true,
	}
}

// ForBuild picks the workspace mode from the build class: temporary builds
// get a throwaway directory, persistent builds reuse one per configuration.
func ForBuild(baseDir string, class model.BuildClass, configurationID int, buildID string) *Manager {
	if class == model.ClassPersistent {
		return NewPersistentManager(baseDir, fmt.Sprintf("config-%d", configurationID))
	}
	return NewManager(baseDir, buildID)
}

// Create creates the workspace directory.
func (m *Manager) Create() error {
	dir := filepath.Join(m.baseDir, m.name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.FileSystemError("failed to create workspace directory").
			WithCause(err).
			WithContext("path", dir).
			Build()
	}
	m.dir = dir
	if m.persistent {
		slog.Debug("Using persistent workspace", logfields.Path(dir))
	} else {
		slog.Debug("Created workspace", logfields.Path(dir))
	}
	return nil
}

// Path returns the workspace directory, empty before Create.
func (m *Manager) Path() string {
	return m.dir
}

// Persistent reports whether the directory is kept after Cleanup.
func (m *Manager) Persistent() bool {
	return m.persistent
}

// Cleanup removes an ephemeral workspace. Persistent workspaces are kept.
func (m *Manager) Cleanup() error {
	if m.dir == "" {
		return nil
	}
	if m.persistent {
		slog.Debug("Skipping cleanup for persistent workspace", logfields.Path(m.dir))
		return nil
	}
	if err := os.RemoveAll(m.dir); err != nil {
		return errors.FileSystemError("failed to clean up workspace").
			WithCause(err).
			WithContext("path", m.dir).
			Build()
	}
	slog.Debug("Cleaned up workspace", logfields.Path(m.dir))
	m.dir = ""
	return nil
}

// CreateSubdir creates a subdirectory within the workspace.
func (m *Manager) CreateSubdir(name string) (string, error) {
	if m.dir == "" {
		return "", errors.InternalError("workspace not created").Build()
	}
	subdir := filepath.Join(m.dir, name)
	if err := os.MkdirAll(subdir, 0o750); err != nil {
		return "", errors.FileSystemError("failed to create subdirectory").
			WithCause(err).
			WithContext("path", subdir).
			Build()
	}
	return subdir, nil
}
