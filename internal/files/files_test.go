package files

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/policy"
)

func newTestService(t *testing.T, cfg config.PolicyConfig) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	if len(cfg.AllowedPaths) == 0 {
		cfg.AllowedPaths = []string{root}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(policy.NewPathPolicy(cfg, logger), logger), root
}

func TestWriteReadRoundTrip(t *testing.T) {
	svc, root := newTestService(t, config.PolicyConfig{})
	ctx := context.Background()
	path := filepath.Join(root, "notes", "hello.txt")

	info, err := svc.Write(ctx, path, "hello world")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if info.SizeBytes != 11 {
		t.Errorf("size = %d, want 11", info.SizeBytes)
	}

	content, rinfo, err := svc.Read(ctx, path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if content != "hello world" {
		t.Errorf("content = %q", content)
	}
	if rinfo.Path != path {
		t.Errorf("path = %q, want %q", rinfo.Path, path)
	}
}

func TestWriteOutsideAllowedPaths(t *testing.T) {
	svc, _ := newTestService(t, config.PolicyConfig{})

	outside := filepath.Join(t.TempDir(), "escape.txt")
	if _, err := svc.Write(context.Background(), outside, "x"); !errors.Is(err, policy.ErrDenied) {
		t.Errorf("err = %v, want ErrDenied", err)
	}
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Error("file was created despite policy denial")
	}
}

func TestWriteTraversalDenied(t *testing.T) {
	svc, root := newTestService(t, config.PolicyConfig{})

	path := filepath.Join(root, "..", "escape.txt")
	if _, err := svc.Write(context.Background(), path, "x"); !errors.Is(err, policy.ErrDenied) {
		t.Errorf("err = %v, want ErrDenied", err)
	}
}

func TestWriteExtensionDenied(t *testing.T) {
	svc, root := newTestService(t, config.PolicyConfig{
		AllowedExtensions: []string{".txt", ".md"},
	})

	if _, err := svc.Write(context.Background(), filepath.Join(root, "run.sh"), "#!/bin/sh"); !errors.Is(err, policy.ErrDenied) {
		t.Errorf("err = %v, want ErrDenied", err)
	}
	if _, err := svc.Write(context.Background(), filepath.Join(root, "ok.txt"), "fine"); err != nil {
		t.Errorf("allowed extension rejected: %v", err)
	}
}

func TestWriteSizeDenied(t *testing.T) {
	svc, root := newTestService(t, config.PolicyConfig{MaxFileSizeBytes: 4})

	if _, err := svc.Write(context.Background(), filepath.Join(root, "big.txt"), "too large"); !errors.Is(err, policy.ErrDenied) {
		t.Errorf("err = %v, want ErrDenied", err)
	}
}

func TestReadMissingFile(t *testing.T) {
	svc, root := newTestService(t, config.PolicyConfig{})

	_, _, err := svc.Read(context.Background(), filepath.Join(root, "nope.txt"))
	if err == nil || errors.Is(err, policy.ErrDenied) {
		t.Errorf("err = %v, want a not-found error", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestList(t *testing.T) {
	svc, root := newTestService(t, config.PolicyConfig{})
	ctx := context.Background()

	if _, err := svc.Write(ctx, filepath.Join(root, "a.txt"), "a"); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0750); err != nil {
		t.Fatal(err)
	}

	entries, err := svc.List(ctx, root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	byName := make(map[string]Entry)
	for _, e := range entries {
		byName[e.Name] = e
	}
	if e, ok := byName["a.txt"]; !ok || e.IsDir || e.SizeBytes != 1 {
		t.Errorf("a.txt entry = %+v", e)
	}
	if e, ok := byName["sub"]; !ok || !e.IsDir {
		t.Errorf("sub entry = %+v", e)
	}
}

func TestDelete(t *testing.T) {
	svc, root := newTestService(t, config.PolicyConfig{})
	ctx := context.Background()
	path := filepath.Join(root, "gone.txt")

	if _, err := svc.Write(ctx, path, "bye"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still exists after delete")
	}
}

func TestDeleteRefusesDirectory(t *testing.T) {
	svc, root := newTestService(t, config.PolicyConfig{})

	if err := svc.Delete(context.Background(), root); err == nil {
		t.Error("expected error deleting a directory")
	}
}

func TestDeleteForbiddenPath(t *testing.T) {
	root := t.TempDir()
	svc, _ := func() (*Service, string) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		cfg := config.PolicyConfig{
			AllowedPaths:   []string{root},
			ForbiddenPaths: []string{filepath.Join(root, "protected")},
		}
		return NewService(policy.NewPathPolicy(cfg, logger), logger), root
	}()

	protected := filepath.Join(root, "protected", "keep.txt")
	if err := os.MkdirAll(filepath.Dir(protected), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(protected, []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(context.Background(), protected); !errors.Is(err, policy.ErrDenied) {
		t.Errorf("err = %v, want ErrDenied", err)
	}
}
