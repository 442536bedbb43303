package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
)

const (
	defaultImage     = "sandboxd-runtime:latest"
	defaultPIDsLimit = 64
	defaultCPUCores  = 1.0
)

// DockerOptions tunes the container strategy.
type DockerOptions struct {
	Image          string  // Container image. Default: "sandboxd-runtime:latest".
	NetworkAllowed bool    // false = --network=none (no network stack at all).
	MemoryMB       int     // --memory hard limit, swap disabled.
	CPUCores       float64 // --cpus rate limit.
	PIDsLimit      int     // --pids-limit (fork bomb protection).
}

// DockerStrategy wraps commands in ephemeral hardened containers.
//
// Hardening applied to every container:
//   - --rm: removed on exit
//   - --cap-drop=ALL, --security-opt=no-new-privileges
//   - --read-only root filesystem, tmpfs for /tmp
//   - --user=65534:65534 (nobody)
//   - Memory hard limit with swap disabled, CPU rate limit, PIDs limit
//   - --network=none unless network is explicitly allowed
//   - Only the working directory bind-mounted, read-write
type DockerStrategy struct {
	opts DockerOptions
}

// NewDockerStrategy creates a Docker strategy, applying defaults for zero
// option values.
func NewDockerStrategy(opts DockerOptions) *DockerStrategy {
	if opts.Image == "" {
		opts.Image = defaultImage
	}
	if opts.MemoryMB <= 0 {
		opts.MemoryMB = defaultMemoryMB
	}
	if opts.CPUCores <= 0 {
		opts.CPUCores = defaultCPUCores
	}
	if opts.PIDsLimit <= 0 {
		opts.PIDsLimit = defaultPIDsLimit
	}
	return &DockerStrategy{opts: opts}
}

func (*DockerStrategy) Name() string { return "docker" }

// Wrap builds the docker run argv. The container name carries a random
// suffix so concurrent executions never collide.
func (s *DockerStrategy) Wrap(argv []string, workdir string) []string {
	memory := strconv.Itoa(s.opts.MemoryMB) + "m"

	args := []string{
		"docker", "run", "--rm",
		"--name", containerName(),

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memory,
		"--memory-swap=" + memory,
		"--cpus=" + strconv.FormatFloat(s.opts.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(s.opts.PIDsLimit),

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",

		"--env", "HOME=/tmp",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	if s.opts.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	if workdir != "" {
		args = append(args, "--volume", workdir+":"+workdir, "--workdir", workdir)
	} else {
		args = append(args, "--workdir", "/tmp")
	}

	args = append(args, s.opts.Image)
	return append(args, argv...)
}

// containerName returns sandboxd-exec-<16 hex chars>.
func containerName() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "sandboxd-exec-" + hex.EncodeToString(b)
}
