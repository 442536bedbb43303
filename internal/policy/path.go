package policy

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/sandboxd/sandboxd/internal/config"
)

// PathPolicy decides whether a filesystem path may be touched.
//
// Paths are resolved to their absolute, symlink-free form before
// comparison; naive substring checks on unresolved paths are bypassable
// via ../ segments and symlinks. For paths that do not exist yet (the
// write-new-file case) the parent directory is resolved and the leaf
// re-appended; if even that fails, the literal path is still accepted when
// it already sits under an allowed prefix, so genuinely new trees can be
// created inside the sandbox root.
type PathPolicy struct {
	cfg      config.PolicyConfig
	allowed  []string // Canonicalized allowed prefixes (literal kept when unresolvable).
	logger   *slog.Logger
	onDenied func(Violation)
}

// NewPathPolicy creates a path policy over the given config snapshot.
// Allowed prefixes are themselves canonicalized so that a symlinked
// workspace root still matches; prefixes that do not exist yet keep their
// literal form.
func NewPathPolicy(cfg config.PolicyConfig, logger *slog.Logger) *PathPolicy {
	allowed := make([]string, 0, len(cfg.AllowedPaths))
	for _, a := range cfg.AllowedPaths {
		if resolved, err := canonicalize(a); err == nil {
			allowed = append(allowed, resolved)
			continue
		}
		allowed = append(allowed, a)
	}
	return &PathPolicy{cfg: cfg, allowed: allowed, logger: logger}
}

// OnDenied registers a hook invoked for every rejection, after logging.
func (p *PathPolicy) OnDenied(fn func(Violation)) {
	p.onDenied = fn
}

// IsAllowed reports whether the path may be accessed. The forbidden list
// wins over the allowed list on conflict.
func (p *PathPolicy) IsAllowed(path string) bool {
	if path == "" {
		return p.deny(path, "empty")
	}

	resolved, resolveErr := canonicalize(path)

	// Forbidden check runs against both the resolved and the literal form.
	for _, forbidden := range p.cfg.ForbiddenPaths {
		if resolveErr == nil && pathMatches(resolved, forbidden) {
			return p.deny(path, "forbidden:"+forbidden)
		}
		if pathMatches(path, forbidden) || containsSegment(path, forbidden) {
			return p.deny(path, "forbidden:"+forbidden)
		}
	}

	if resolveErr != nil {
		// No resolvable parent. Permit only when the literal, unresolved
		// path already starts with an allowed prefix (new file under a
		// sandboxed root before realpath can succeed).
		for _, allowed := range p.cfg.AllowedPaths {
			if pathMatches(path, allowed) {
				return true
			}
		}
		return p.deny(path, "unresolvable")
	}

	for _, allowed := range p.allowed {
		if pathMatches(resolved, allowed) {
			return true
		}
	}
	return p.deny(path, "outside_allowed")
}

// IsExtensionAllowed checks the filename extension against the allowlist.
// An empty allowlist permits any extension.
func (p *PathPolicy) IsExtensionAllowed(filename string) bool {
	if len(p.cfg.AllowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range p.cfg.AllowedExtensions {
		if !strings.HasPrefix(allowed, ".") {
			allowed = "." + allowed
		}
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return p.deny(filename, "extension")
}

// IsSizeAllowed checks a content size against the configured cap.
func (p *PathPolicy) IsSizeAllowed(size int64) bool {
	if size <= p.cfg.MaxFileSize() {
		return true
	}
	p.logger.Warn("file size rejected by policy",
		slog.Int64("size", size),
		slog.Int64("max", p.cfg.MaxFileSize()),
	)
	if p.onDenied != nil {
		p.onDenied(Violation{Kind: "path", Rule: "max_file_size"})
	}
	return false
}

// canonicalize resolves ., .., and symlinks to an absolute real path.
// For not-yet-existing paths the deepest existing ancestor is resolved and
// the remaining components are re-appended.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

// pathMatches reports whether path equals prefix or sits beneath it.
// "/tmp" matches "/tmp/foo" but not "/tmpevil".
func pathMatches(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, string(filepath.Separator))
	if prefix == "" {
		// A bare "/" forbids everything outside the allow list.
		return strings.HasPrefix(path, "/")
	}
	return path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// containsSegment reports whether the literal path contains the entry as a
// path segment (catches ".." traversal attempts before resolution).
func containsSegment(path, entry string) bool {
	if strings.ContainsAny(entry, "/\\") {
		return false
	}
	for _, seg := range strings.Split(path, string(filepath.Separator)) {
		if seg == entry {
			return true
		}
	}
	return false
}

func (p *PathPolicy) deny(path, rule string) bool {
	p.logger.Warn("path rejected by policy",
		slog.String("rule", rule),
		slog.String("path", truncate(path)),
	)
	if p.onDenied != nil {
		p.onDenied(Violation{Kind: "path", Rule: rule, Input: truncate(path)})
	}
	return false
}
