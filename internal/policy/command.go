package policy

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/sandboxd/sandboxd/internal/config"
)

// dangerousPatterns are always checked, independent of the configured
// blacklist. They target shell constructs that smuggle a second command
// past prefix/substring matching.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\|\s*(sh|bash)\s*$`),      // pipe-to-shell
	regexp.MustCompile(`\$\([^)]*\)`),             // $(...) command substitution
	regexp.MustCompile("`[^`]*`"),                 // backtick substitution
	regexp.MustCompile(`;\s*(rm|shutdown|mkfs)`),  // chained destructive call
	regexp.MustCompile(`&&\s*(rm|shutdown|mkfs)`), // chained destructive call
	regexp.MustCompile(`>\s*/dev/`),               // raw device redirection
	regexp.MustCompile(`\|\s*(nc|netcat)\b`),      // piping to netcat
}

// CommandPolicy decides whether a shell command string may run.
type CommandPolicy struct {
	cfg      config.PolicyConfig
	extra    []*regexp.Regexp // Compiled from cfg.DangerousPatterns.
	logger   *slog.Logger
	onDenied func(Violation) // Optional audit hook.
}

// NewCommandPolicy compiles the configured dangerous patterns and returns a
// ready policy. Invalid extra patterns are rejected at startup rather than
// silently skipped.
func NewCommandPolicy(cfg config.PolicyConfig, logger *slog.Logger) (*CommandPolicy, error) {
	extra := make([]*regexp.Regexp, 0, len(cfg.DangerousPatterns))
	for _, p := range cfg.DangerousPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		extra = append(extra, re)
	}
	return &CommandPolicy{cfg: cfg, extra: extra, logger: logger}, nil
}

// OnDenied registers a hook invoked for every rejection, after logging.
// Used to feed the audit trail and metrics.
func (p *CommandPolicy) OnDenied(fn func(Violation)) {
	p.onDenied = fn
}

// IsAllowed reports whether the command passes every configured check.
// Rejections are logged with the rule that fired; the command itself is
// truncated in log output.
func (p *CommandPolicy) IsAllowed(command string) bool {
	if len(command) > p.cfg.MaxLength() {
		return p.deny(command, "max_length")
	}

	if p.cfg.WhitelistEnabled {
		// First-match on literal prefixes, case-sensitive, no normalization.
		matched := false
		for _, prefix := range p.cfg.CommandWhitelist {
			if strings.HasPrefix(command, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return p.deny(command, "whitelist")
		}
	}

	if p.cfg.BlacklistEnabled {
		for _, pattern := range p.cfg.CommandBlacklist {
			if strings.Contains(command, pattern) {
				return p.deny(command, "blacklist:"+pattern)
			}
		}
	}

	for _, re := range dangerousPatterns {
		if re.MatchString(command) {
			return p.deny(command, "dangerous:"+re.String())
		}
	}
	for _, re := range p.extra {
		if re.MatchString(command) {
			return p.deny(command, "dangerous:"+re.String())
		}
	}

	return true
}

// Sanitize strips NUL and control characters (tab and newline survive) and
// trims surrounding whitespace. It deliberately does not escape shell
// metacharacters; sanitization and the allow/deny checks are independent
// layers and both must pass.
func (p *CommandPolicy) Sanitize(command string) string {
	var b strings.Builder
	b.Grow(len(command))
	for _, r := range command {
		if r == '\t' || r == '\n' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func (p *CommandPolicy) deny(command, rule string) bool {
	p.logger.Warn("command rejected by policy",
		slog.String("rule", rule),
		slog.String("command", truncate(command)),
	)
	if p.onDenied != nil {
		p.onDenied(Violation{Kind: "command", Rule: rule, Input: truncate(command)})
	}
	return false
}
