// Package runner spawns policy-approved commands and supervises their
// lifecycle: timeout enforcement, process group isolation, output capping,
// and exit code interpretation.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/sandbox"
)

// timeoutExitCode is what coreutils timeout(1) returns when the deadline
// fires. Commands killed by the context backstop are normalized to it too.
const timeoutExitCode = 124

// Request describes a single command execution.
type Request struct {
	Command    string
	Timeout    time.Duration     // 0 = gateway default.
	WorkingDir string            // "" = gateway default.
	Env        map[string]string // Merged over the minimal base environment.
}

// Result is the outcome of a completed execution. A non-zero exit code is
// data, not an error: errors are reserved for failures to launch.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Command  string        `json:"command"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Runner executes shell commands through a sandbox strategy.
//
// Guarantees:
//   - Each child runs in its own process group (Setpgid); cancellation
//     kills the whole group, including grandchildren.
//   - Stdin is closed. The command never reads from the gateway.
//   - The parent's environment is never inherited.
//   - stdout/stderr are capped to prevent OOM from chatty commands.
type Runner struct {
	cfg      config.ExecConfig
	strategy sandbox.Strategy
	logger   *slog.Logger
}

// New creates a Runner. The strategy must not be nil; callers that want no
// isolation pass a NoneStrategy.
func New(cfg config.ExecConfig, strategy sandbox.Strategy, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, strategy: strategy, logger: logger}
}

// StrategyName reports which isolation strategy this runner uses.
func (r *Runner) StrategyName() string {
	return r.strategy.Name()
}

// Execute runs req.Command under /bin/sh with a timeout(1) wrapper, routed
// through the configured sandbox strategy. It blocks until the command
// finishes or ctx is cancelled.
func (r *Runner) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("empty command")
	}

	timeout := r.resolveTimeout(req.Timeout)

	workdir := req.WorkingDir
	if workdir == "" {
		workdir = r.cfg.WorkingDirectory
	}
	if workdir == "" {
		workdir = os.TempDir()
	}
	if err := os.MkdirAll(workdir, 0o750); err != nil {
		return nil, fmt.Errorf("creating working directory %s: %w", workdir, err)
	}

	// timeout(1) enforces the deadline inside the sandbox, where the
	// context backstop cannot reach (e.g. a container's PID namespace).
	// The command string is a single sh -c argument, never interpolated
	// into another shell layer.
	seconds := int(timeout.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	argv := []string{"timeout", strconv.Itoa(seconds), "/bin/sh", "-c", req.Command}
	argv = r.strategy.Wrap(argv, workdir)

	// The backstop context runs slightly past timeout(1) so the in-sandbox
	// kill gets first shot and the 124 exit code survives.
	ctx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Stdin = nil
	cmd.Env = buildEnv(workdir, req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID kills the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	maxOutput := r.cfg.MaxOutput()
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutput}

	r.logger.Info("executing command",
		slog.String("command", req.Command),
		slog.String("strategy", r.strategy.Name()),
		slog.String("workdir", workdir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
			if exitCode < 0 {
				// Killed by signal (context backstop). Treat as timeout.
				exitCode = timeoutExitCode
			}
		case ctx.Err() != nil:
			exitCode = timeoutExitCode
		default:
			return nil, fmt.Errorf("launching command: %w", runErr)
		}
	}

	timedOut := exitCode == timeoutExitCode

	r.logger.Info("execution completed",
		slog.Int("exit_code", exitCode),
		slog.Bool("timed_out", timedOut),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Success:  exitCode == 0,
		Duration: duration,
		Command:  req.Command,
		TimedOut: timedOut,
	}, nil
}

// resolveTimeout clamps the request timeout to the configured ceiling.
func (r *Runner) resolveTimeout(requested time.Duration) time.Duration {
	timeout := requested
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout()
	}
	if max := r.cfg.MaxTimeout(); timeout > max {
		timeout = max
	}
	return timeout
}

// buildEnv constructs a minimal environment. The parent's environment is
// never inherited, so API keys and credentials cannot leak into commands.
func buildEnv(workdir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workdir,
		"TMPDIR=" + workdir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter stops writing after a byte budget. Excess output is
// silently discarded rather than failing the command.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		n, err := lw.w.Write(p[:lw.remaining])
		lw.remaining -= n
		if err != nil {
			return n, err
		}
		return len(p), nil
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
