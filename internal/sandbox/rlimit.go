package sandbox

import (
	"fmt"
	"strings"
)

// RlimitStrategy is the weakest fallback: it bounds CPU time, virtual
// memory, file size, open files, and process count via the shell's own
// ulimit mechanism, but confines neither the filesystem nor the network.
// Selected only when neither bwrap nor docker is installed.
type RlimitStrategy struct {
	limits Limits
}

// NewRlimitStrategy creates a ulimit-based fallback strategy.
func NewRlimitStrategy(limits Limits) *RlimitStrategy {
	return &RlimitStrategy{limits: limits}
}

func (*RlimitStrategy) Name() string { return "rlimit" }

// Wrap runs the argv under a subshell that applies ulimits and then execs
// the original command via positional parameters. The caller's argv is
// never interpolated into the shell string, so no quoting issues arise.
func (s *RlimitStrategy) Wrap(argv []string, _ string) []string {
	limits := []string{
		fmt.Sprintf("ulimit -t %d 2>/dev/null", s.limits.MaxCPUSeconds),
		fmt.Sprintf("ulimit -v %d 2>/dev/null", s.limits.MaxMemoryMB*1024),
		fmt.Sprintf("ulimit -f %d 2>/dev/null", s.limits.MaxFileSizeMB*1024*2), // 512-byte blocks
		fmt.Sprintf("ulimit -n %d 2>/dev/null", s.limits.MaxOpenFiles),
		fmt.Sprintf("ulimit -u %d 2>/dev/null", s.limits.MaxProcesses),
	}
	script := strings.Join(limits, "; ") + `; exec "$@"`

	args := make([]string, 0, 4+len(argv))
	args = append(args, "/bin/sh", "-c", script, "_") // "_" is the $0 placeholder
	return append(args, argv...)
}
