package sandbox

// BwrapStrategy wraps commands with bubblewrap.
//
// Isolation applied:
//   - Root filesystem read-only; only the working directory bound writable
//   - Fresh /dev and /proc, tmpfs over /tmp
//   - All capabilities dropped; bwrap sets no-new-privs unconditionally
//   - Own PID namespace, own session, dies with the parent
//   - Network namespace unshared unless network is explicitly allowed
type BwrapStrategy struct {
	networkAllowed bool
}

// NewBwrapStrategy creates a bubblewrap strategy.
func NewBwrapStrategy(networkAllowed bool) *BwrapStrategy {
	return &BwrapStrategy{networkAllowed: networkAllowed}
}

func (*BwrapStrategy) Name() string { return "bwrap" }

// Wrap prefixes the argv with bwrap and its hardening flags.
func (s *BwrapStrategy) Wrap(argv []string, workdir string) []string {
	args := []string{
		"bwrap",
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--unshare-pid",
		"--die-with-parent",
		"--new-session",
		"--cap-drop", "ALL",
	}

	if workdir != "" {
		args = append(args, "--bind", workdir, workdir, "--chdir", workdir)
	}

	if !s.networkAllowed {
		args = append(args, "--unshare-net")
	}

	return append(args, argv...)
}
