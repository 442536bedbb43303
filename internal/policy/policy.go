// Package policy implements the decision layer that gates every operation
// sandboxd performs on behalf of a caller: shell commands, filesystem
// paths, and outbound network targets.
//
// Policies are pure decision functions over an immutable config snapshot;
// they are stateless and safe for unsynchronized concurrent reads. A deny
// is data (a false return plus a recorded violation), never an error value
// or a panic; the API layer turns denies into authorization failures.
//
// The command blacklist is substring-based and therefore best-effort: case
// variation, whitespace insertion, and encoding tricks can slip past it.
// This is a documented limitation, not a formal sandbox; the isolation
// layer (package sandbox) is the second line of defense.
package policy

import "errors"

// ErrDenied is the sentinel wrapped by every policy violation.
var ErrDenied = errors.New("denied by policy")

// Violation records why a candidate operation was rejected.
// It is logged and audited with the offending input truncated.
type Violation struct {
	Kind  string // "command", "path", or "network"
	Rule  string // The rule that triggered, e.g. "blacklist:rm -rf".
	Input string // Offending input, truncated for logging.
}

// maxLoggedInput caps how much of a rejected input reaches logs and audit
// records.
const maxLoggedInput = 200

func truncate(s string) string {
	if len(s) > maxLoggedInput {
		return s[:maxLoggedInput] + "..."
	}
	return s
}
