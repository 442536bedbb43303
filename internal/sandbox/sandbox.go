// Package sandbox wraps an already-approved command with OS-level
// isolation. A Strategy is a pure argv transformation; it has no side
// effects of its own; enforcement happens when the wrapped argv is spawned
// by the execution gateway.
//
// Strategy selection is probed once per process, in priority order:
// bubblewrap (namespace/capability isolation), Docker (ephemeral hardened
// container), then a ulimit-based fallback that bounds resources but
// confines neither filesystem nor network. When sandboxing is disabled the
// command passes through unchanged.
package sandbox

import (
	"log/slog"
	"os/exec"
	"sync"

	"github.com/sandboxd/sandboxd/internal/config"
)

// Strategy transforms an argv into an isolated equivalent.
type Strategy interface {
	// Name identifies the variant: "none", "bwrap", "docker", "rlimit".
	Name() string

	// Wrap returns a new argv that runs the original under isolation,
	// with workdir as the only writable host directory.
	Wrap(argv []string, workdir string) []string
}

// Limits bounds the resources available to a wrapped command.
type Limits struct {
	MaxMemoryMB   int
	MaxCPUSeconds int
	MaxProcesses  int
	MaxOpenFiles  int
	MaxFileSizeMB int
}

const (
	defaultMemoryMB   = 512
	defaultCPUSeconds = 60
	defaultProcesses  = 64
	defaultOpenFiles  = 256
	defaultFileSizeMB = 64
)

// limitsFromConfig applies defaults for zero values.
func limitsFromConfig(cfg config.SandboxConfig) Limits {
	l := Limits{
		MaxMemoryMB:   cfg.MaxMemoryMB,
		MaxCPUSeconds: cfg.MaxCPUSeconds,
		MaxProcesses:  cfg.MaxProcesses,
		MaxOpenFiles:  cfg.MaxOpenFiles,
		MaxFileSizeMB: cfg.MaxFileSizeMB,
	}
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = defaultMemoryMB
	}
	if l.MaxCPUSeconds <= 0 {
		l.MaxCPUSeconds = defaultCPUSeconds
	}
	if l.MaxProcesses <= 0 {
		l.MaxProcesses = defaultProcesses
	}
	if l.MaxOpenFiles <= 0 {
		l.MaxOpenFiles = defaultOpenFiles
	}
	if l.MaxFileSizeMB <= 0 {
		l.MaxFileSizeMB = defaultFileSizeMB
	}
	return l
}

// toolCache memoizes PATH lookups for the process lifetime; strategy
// selection must not re-probe per call.
var toolCache sync.Map

func toolAvailable(name string) bool {
	if v, ok := toolCache.Load(name); ok {
		return v.(bool)
	}
	_, err := exec.LookPath(name)
	available := err == nil
	toolCache.Store(name, available)
	return available
}

// Select picks the isolation strategy for this process. An explicit
// strategy in the config is honored (falling back when its tool is
// missing); "auto" probes in priority order.
func Select(cfg config.SandboxConfig, logger *slog.Logger) Strategy {
	return selectStrategy(cfg, toolAvailable, logger)
}

func selectStrategy(cfg config.SandboxConfig, have func(string) bool, logger *slog.Logger) Strategy {
	if !cfg.Enabled || cfg.Strategy == "none" {
		logger.Info("sandbox disabled, commands run unconfined")
		return &NoneStrategy{}
	}

	limits := limitsFromConfig(cfg)

	pick := func(name string) Strategy {
		switch name {
		case "bwrap":
			if have("bwrap") {
				return NewBwrapStrategy(cfg.NetworkAllowed)
			}
		case "docker":
			if have("docker") {
				return NewDockerStrategy(DockerOptions{
					Image:          cfg.Image,
					NetworkAllowed: cfg.NetworkAllowed,
					MemoryMB:       limits.MaxMemoryMB,
					CPUCores:       cfg.CPUCores,
					PIDsLimit:      limits.MaxProcesses,
				})
			}
		case "rlimit":
			return NewRlimitStrategy(limits)
		}
		return nil
	}

	order := []string{"bwrap", "docker", "rlimit"}
	if cfg.Strategy != "" && cfg.Strategy != "auto" {
		order = append([]string{cfg.Strategy}, order...)
	}

	for _, name := range order {
		if s := pick(name); s != nil {
			logger.Info("sandbox strategy selected", slog.String("strategy", s.Name()))
			return s
		}
	}

	// rlimit never fails selection; this is unreachable in practice.
	return NewRlimitStrategy(limits)
}

// NoneStrategy passes commands through untouched.
type NoneStrategy struct{}

func (*NoneStrategy) Name() string { return "none" }

func (*NoneStrategy) Wrap(argv []string, _ string) []string { return argv }
