// Package containers runs ephemeral hardened Docker containers and lists
// the ones this process manages. Every container is constrained the same
// way the docker sandbox strategy constrains command execution: no
// capabilities, no privilege escalation, read-only root, nobody user,
// resource limits, and no network unless configured.
package containers

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/policy"
)

// ErrDisabled is returned when no images are allowlisted in the
// configuration. The endpoints stay registered but refuse work.
var ErrDisabled = errors.New("container execution is not enabled")

const (
	namePrefix = "sandboxd-run-"

	defaultMemoryMB  = 512
	defaultCPUCores  = 1.0
	defaultPIDsLimit = 64
	defaultTimeout   = 60 * time.Second

	// timedOutExitCode mirrors the timeout(1) convention used by the
	// command runner so clients see one code for all timeouts.
	timedOutExitCode = 124

	maxOutputBytes = 1 << 20
)

// RunRequest describes a single container run.
type RunRequest struct {
	Image          string            `json:"image"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// RunResult is the outcome of a completed container run.
type RunResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	Success    bool   `json:"success"`
	TimedOut   bool   `json:"timed_out"`
	DurationMS int64  `json:"duration_ms"`
	Container  string `json:"container"`
}

// Info is one row of the managed-container listing.
type Info struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Image     string `json:"image"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Service executes container runs via the docker CLI.
type Service struct {
	cfg    config.DockerConfig
	logger *slog.Logger
}

// New creates a container service. The service is disabled until at least
// one image is allowlisted in the configuration.
func New(cfg config.DockerConfig, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, logger: logger}
}

// Enabled reports whether any image is allowlisted.
func (s *Service) Enabled() bool {
	return len(s.cfg.AllowedImages) > 0
}

func (s *Service) imageAllowed(image string) bool {
	for _, allowed := range s.cfg.AllowedImages {
		if image == allowed {
			return true
		}
	}
	return false
}

// Run starts an ephemeral hardened container, waits for it to finish, and
// returns its output. A non-zero exit code is data, not an error.
func (s *Service) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if req.Image == "" {
		return nil, errors.New("image is required")
	}
	if len(req.Command) == 0 {
		return nil, errors.New("command is required")
	}
	if !s.imageAllowed(req.Image) {
		return nil, fmt.Errorf("%w: image %q is not in the allowed list", policy.ErrDenied, req.Image)
	}

	timeout := s.resolveTimeout(req.TimeoutSeconds)
	name := containerName()

	args := s.buildRunArgs(name, req)
	args = append(args, req.Command...)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "docker", args...)
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Safety net in case --rm does not fire (OOM kill, daemon restart,
	// context cancel race).
	defer s.forceRemove(name)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	timedOut := false
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case runCtx.Err() != nil:
			exitCode = timedOutExitCode
			timedOut = true
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("starting container: %w", err)
		}
	}

	s.logger.InfoContext(ctx, "container run finished",
		slog.String("container", name),
		slog.String("image", req.Image),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &RunResult{
		Stdout:     truncateOutput(stdout.Bytes()),
		Stderr:     truncateOutput(stderr.Bytes()),
		ExitCode:   exitCode,
		Success:    exitCode == 0,
		TimedOut:   timedOut,
		DurationMS: duration.Milliseconds(),
		Container:  name,
	}, nil
}

// List returns the containers this service manages, identified by the
// name prefix. Stopped containers that have not been reaped yet are
// included.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}

	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(listCtx, "docker", "ps", "--all",
		"--filter", "name="+namePrefix,
		"--format", "{{json .}}",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	var infos []Info
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		info, err := parseContainerLine(line)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unparseable container row",
				slog.String("error", err.Error()))
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Service) resolveTimeout(requested int) time.Duration {
	limit := defaultTimeout
	if s.cfg.TimeoutSeconds > 0 {
		limit = time.Duration(s.cfg.TimeoutSeconds) * time.Second
	}
	if requested <= 0 {
		return limit
	}
	timeout := time.Duration(requested) * time.Second
	if timeout > limit {
		return limit
	}
	return timeout
}

// buildRunArgs constructs the docker run argument list up to and including
// the image. The command itself is appended by the caller.
func (s *Service) buildRunArgs(name string, req RunRequest) []string {
	memoryMB := s.cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = defaultMemoryMB
	}
	cpuCores := s.cfg.CPUCores
	if cpuCores <= 0 {
		cpuCores = defaultCPUCores
	}
	pidsLimit := s.cfg.PIDsLimit
	if pidsLimit <= 0 {
		pidsLimit = defaultPIDsLimit
	}
	memory := strconv.Itoa(memoryMB) + "m"

	args := []string{
		"run", "--rm",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memory,
		"--memory-swap=" + memory,
		"--cpus=" + strconv.FormatFloat(cpuCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(pidsLimit),

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",

		"--env", "HOME=/tmp",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",

		"--workdir", "/tmp",
	}

	if s.cfg.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}

	return append(args, req.Image)
}

// forceRemove removes a container by name, best effort. "No such
// container" is the expected outcome when --rm already cleaned up.
func (s *Service) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		s.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", strings.TrimSpace(string(out))),
		)
	}
}

// psRow matches the fields of docker ps --format '{{json .}}'.
type psRow struct {
	ID        string `json:"ID"`
	Names     string `json:"Names"`
	Image     string `json:"Image"`
	Status    string `json:"Status"`
	CreatedAt string `json:"CreatedAt"`
}

func parseContainerLine(line string) (Info, error) {
	var row psRow
	if err := json.Unmarshal([]byte(line), &row); err != nil {
		return Info{}, fmt.Errorf("parsing container row: %w", err)
	}
	return Info{
		ID:        row.ID,
		Name:      row.Names,
		Image:     row.Image,
		Status:    row.Status,
		CreatedAt: row.CreatedAt,
	}, nil
}

func containerName() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return namePrefix + hex.EncodeToString(b)
}

func truncateOutput(b []byte) string {
	if len(b) > maxOutputBytes {
		b = b[:maxOutputBytes]
	}
	return string(b)
}
