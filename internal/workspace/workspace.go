// Package workspace manages the sandboxd runtime directory structure.
// All runtime state (database, audit log, execution working directories,
// the managed file area) is consolidated under a single workspace root,
// making the gateway portable.
//
// Default workspace: ~/.sandboxd/workspace (configurable via config or
// the SANDBOXD_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".sandboxd/workspace"

// Workspace manages all sandboxd runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root
// directory if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.sandboxd/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// FilesDir returns <root>/files/. The managed file area served by the
// file endpoints; typically the first entry in the allowed-path list.
func (w *Workspace) FilesDir() string {
	return w.dir("files")
}

// ExecDir returns <root>/exec/. Holds per-execution working directories.
func (w *Workspace) ExecDir() string {
	return w.dir("exec")
}

// DataDir returns <root>/data/. Database files.
func (w *Workspace) DataDir() string {
	return w.dir("data")
}

// LogsDir returns <root>/logs/. Application and audit log files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// --- Derived paths ---

// DatabasePath returns <root>/data/sandboxd.db.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.DataDir(), "sandboxd.db")
}

// AuditLogPath returns <root>/logs/audit.jsonl.
func (w *Workspace) AuditLogPath() string {
	return filepath.Join(w.LogsDir(), "audit.jsonl")
}

// --- Execution working directories ---

// NewExecWorkdir creates and returns a fresh working directory under
// <root>/exec/ for a single execution.
func (w *Workspace) NewExecWorkdir() (string, error) {
	p := filepath.Join(w.ExecDir(), uuid.NewString())
	if err := os.MkdirAll(p, 0750); err != nil {
		return "", fmt.Errorf("creating execution workdir: %w", err)
	}
	return p, nil
}

// PruneExecDirs removes execution working directories whose modification
// time is older than maxAge. Returns the number of directories removed.
func (w *Workspace) PruneExecDirs(maxAge time.Duration) (int, error) {
	dir := filepath.Join(w.Root, "exec")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading exec dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("removing exec entry %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// EnsureAll creates all standard workspace directories.
// Call this during first startup.
func (w *Workspace) EnsureAll() error {
	dirs := []string{
		w.FilesDir(),
		w.ExecDir(),
		w.DataDir(),
		w.LogsDir(),
	}
	for _, d := range dirs {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the
// directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an
// absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
