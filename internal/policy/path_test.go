package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sandboxd/sandboxd/internal/config"
)

func newTestPathPolicy(t *testing.T, cfg config.PolicyConfig) *PathPolicy {
	t.Helper()
	return NewPathPolicy(cfg, testLogger())
}

func TestPathPolicy_ForbiddenPrefixes(t *testing.T) {
	p := newTestPathPolicy(t, config.PolicyConfig{
		AllowedPaths:   []string{"/app/workdir", "/tmp/sandboxd"},
		ForbiddenPaths: []string{"/etc", "/root", "/var", ".."},
	})

	denied := []string{
		"/etc/passwd",
		"/etc",
		"/root/.ssh/id_rsa",
		"/var/log/syslog",
		"/app/workdir/../../etc/passwd",
		"../../../etc/shadow",
	}
	for _, path := range denied {
		if p.IsAllowed(path) {
			t.Errorf("IsAllowed(%q) = true, want false", path)
		}
	}
}

func TestPathPolicy_AllowedRoot(t *testing.T) {
	workdir := t.TempDir()
	p := newTestPathPolicy(t, config.PolicyConfig{
		AllowedPaths:   []string{workdir},
		ForbiddenPaths: []string{"/etc", "/root"},
	})

	sub := filepath.Join(workdir, "sub")
	if err := os.MkdirAll(sub, 0o750); err != nil {
		t.Fatal(err)
	}
	existing := filepath.Join(sub, "file.txt")
	if err := os.WriteFile(existing, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if !p.IsAllowed(existing) {
		t.Errorf("IsAllowed(%q) = false, want true", existing)
	}
	// Not-yet-existing file under an existing directory.
	if !p.IsAllowed(filepath.Join(sub, "new.txt")) {
		t.Error("new file under allowed root rejected")
	}
	// Sibling of the allowed root must not match by string prefix.
	if p.IsAllowed(workdir + "evil/file.txt") {
		t.Error("prefix-collision path accepted")
	}
}

func TestPathPolicy_SymlinkEscape(t *testing.T) {
	workdir := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(workdir, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	p := newTestPathPolicy(t, config.PolicyConfig{
		AllowedPaths: []string{workdir},
	})

	if p.IsAllowed(filepath.Join(link, "file.txt")) {
		t.Error("symlink pointing outside the allowed root accepted")
	}
}

func TestPathPolicy_LiteralFallback(t *testing.T) {
	// A path whose parent does not exist cannot be canonicalized; it is
	// accepted only when the literal form sits under an allowed prefix.
	p := newTestPathPolicy(t, config.PolicyConfig{
		AllowedPaths: []string{"/nonexistent-sandbox-root"},
	})

	if !p.IsAllowed("/nonexistent-sandbox-root/deep/tree/file.txt") {
		t.Error("literal-prefix fallback rejected a path under the allowed root")
	}
	if p.IsAllowed("/other-nonexistent-root/file.txt") {
		t.Error("unresolvable path outside allowed roots accepted")
	}
}

func TestPathPolicy_ForbiddenWinsOverAllowed(t *testing.T) {
	p := newTestPathPolicy(t, config.PolicyConfig{
		AllowedPaths:   []string{"/srv/data"},
		ForbiddenPaths: []string{"/srv/data/secrets"},
	})

	if p.IsAllowed("/srv/data/secrets/key.pem") {
		t.Error("forbidden subtree inside allowed root accepted")
	}
}

func TestPathPolicy_Extensions(t *testing.T) {
	p := newTestPathPolicy(t, config.PolicyConfig{
		AllowedExtensions: []string{".txt", "json"},
	})

	tests := []struct {
		name    string
		allowed bool
	}{
		{"notes.txt", true},
		{"data.JSON", true},
		{"payload.sh", false},
		{"noext", false},
	}
	for _, tt := range tests {
		if got := p.IsExtensionAllowed(tt.name); got != tt.allowed {
			t.Errorf("IsExtensionAllowed(%q) = %v, want %v", tt.name, got, tt.allowed)
		}
	}

	open := newTestPathPolicy(t, config.PolicyConfig{})
	if !open.IsExtensionAllowed("anything.bin") {
		t.Error("empty extension allowlist should permit any extension")
	}
}

func TestPathPolicy_Size(t *testing.T) {
	p := newTestPathPolicy(t, config.PolicyConfig{MaxFileSizeBytes: 100})

	if !p.IsSizeAllowed(100) {
		t.Error("size at the cap rejected")
	}
	if p.IsSizeAllowed(101) {
		t.Error("size over the cap accepted")
	}
}
