// Package files implements the managed file endpoints: write, read, list,
// and delete, each gated by the path policy before any I/O occurs.
package files

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sandboxd/sandboxd/internal/policy"
)

// Service performs policy-gated file operations.
type Service struct {
	policy *policy.PathPolicy
	logger *slog.Logger
}

// NewService creates a file service gated by the given path policy.
func NewService(pathPolicy *policy.PathPolicy, logger *slog.Logger) *Service {
	return &Service{policy: pathPolicy, logger: logger}
}

// FileInfo describes a written or read file.
type FileInfo struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// Entry is one row of a directory listing.
type Entry struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	Mode      string    `json:"mode"`
	IsDir     bool      `json:"is_dir"`
	ModTime   time.Time `json:"mod_time"`
}

// Write stores content at path. The path, extension, and content size are
// all validated before anything touches the filesystem.
func (s *Service) Write(ctx context.Context, path, content string) (*FileInfo, error) {
	if path == "" {
		return nil, fmt.Errorf("path must not be empty")
	}
	if !s.policy.IsAllowed(path) {
		return nil, fmt.Errorf("%w: path %q", policy.ErrDenied, path)
	}
	if !s.policy.IsExtensionAllowed(path) {
		return nil, fmt.Errorf("%w: extension of %q", policy.ErrDenied, filepath.Base(path))
	}
	if !s.policy.IsSizeAllowed(int64(len(content))) {
		return nil, fmt.Errorf("%w: content size %d bytes", policy.ErrDenied, len(content))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}

	s.logger.InfoContext(ctx, "file written",
		slog.String("path", path),
		slog.Int("size_bytes", len(content)),
	)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &FileInfo{Path: path, SizeBytes: info.Size(), ModTime: info.ModTime()}, nil
}

// Read returns the contents of the file at path.
func (s *Service) Read(ctx context.Context, path string) (string, *FileInfo, error) {
	if path == "" {
		return "", nil, fmt.Errorf("path must not be empty")
	}
	if !s.policy.IsAllowed(path) {
		return "", nil, fmt.Errorf("%w: path %q", policy.ErrDenied, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", nil, fmt.Errorf("%s is a directory", path)
	}
	if !s.policy.IsSizeAllowed(info.Size()) {
		return "", nil, fmt.Errorf("%w: file size %d bytes", policy.ErrDenied, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("reading %s: %w", path, err)
	}

	s.logger.InfoContext(ctx, "file read",
		slog.String("path", path),
		slog.Int64("size_bytes", info.Size()),
	)

	return string(data), &FileInfo{Path: path, SizeBytes: info.Size(), ModTime: info.ModTime()}, nil
}

// List returns the entries of the directory at path.
func (s *Service) List(ctx context.Context, path string) ([]Entry, error) {
	if path == "" {
		return nil, fmt.Errorf("path must not be empty")
	}
	if !s.policy.IsAllowed(path) {
		return nil, fmt.Errorf("%w: path %q", policy.ErrDenied, path)
	}

	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, e := range dirEntries {
		entry := Entry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			entry.SizeBytes = info.Size()
			entry.Mode = info.Mode().String()
			entry.ModTime = info.ModTime()
		}
		entries = append(entries, entry)
	}

	s.logger.InfoContext(ctx, "directory listed",
		slog.String("path", path),
		slog.Int("count", len(entries)),
	)

	return entries, nil
}

// Delete removes the file at path. Directories are refused.
func (s *Service) Delete(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("path must not be empty")
	}
	if !s.policy.IsAllowed(path) {
		return fmt.Errorf("%w: path %q", policy.ErrDenied, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, refusing to delete", path)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}

	s.logger.InfoContext(ctx, "file deleted", slog.String("path", path))
	return nil
}
