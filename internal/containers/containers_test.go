package containers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/policy"
)

func testService(t *testing.T, cfg config.DockerConfig) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, logger)
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker binary not available")
	}
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker daemon not reachable")
	}
}

func TestRunDisabledWithoutAllowedImages(t *testing.T) {
	svc := testService(t, config.DockerConfig{})

	if svc.Enabled() {
		t.Fatal("service should be disabled with no allowed images")
	}
	_, err := svc.Run(context.Background(), RunRequest{Image: "alpine", Command: []string{"true"}})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("Run error = %v, want ErrDisabled", err)
	}
	_, err = svc.List(context.Background())
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("List error = %v, want ErrDisabled", err)
	}
}

func TestRunValidatesRequest(t *testing.T) {
	svc := testService(t, config.DockerConfig{AllowedImages: []string{"alpine:3.20"}})

	if _, err := svc.Run(context.Background(), RunRequest{Command: []string{"true"}}); err == nil {
		t.Fatal("expected error for missing image")
	}
	if _, err := svc.Run(context.Background(), RunRequest{Image: "alpine:3.20"}); err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestRunRejectsUnlistedImage(t *testing.T) {
	svc := testService(t, config.DockerConfig{AllowedImages: []string{"alpine:3.20"}})

	_, err := svc.Run(context.Background(), RunRequest{
		Image:   "evil/image:latest",
		Command: []string{"true"},
	})
	if !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("Run error = %v, want policy denial", err)
	}
}

func TestResolveTimeout(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		requested int
		want      time.Duration
	}{
		{"default when unset", 0, 0, 60 * time.Second},
		{"configured limit", 30, 0, 30 * time.Second},
		{"request below limit", 30, 10, 10 * time.Second},
		{"request clamped to limit", 30, 300, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := testService(t, config.DockerConfig{
				AllowedImages:  []string{"alpine:3.20"},
				TimeoutSeconds: tt.limit,
			})
			if got := svc.resolveTimeout(tt.requested); got != tt.want {
				t.Errorf("resolveTimeout(%d) = %v, want %v", tt.requested, got, tt.want)
			}
		})
	}
}

func TestBuildRunArgsHardening(t *testing.T) {
	svc := testService(t, config.DockerConfig{AllowedImages: []string{"alpine:3.20"}})

	args := svc.buildRunArgs("sandboxd-run-test", RunRequest{
		Image: "alpine:3.20",
		Env:   map[string]string{"FOO": "bar"},
	})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--rm",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--memory=512m",
		"--memory-swap=512m",
		"--pids-limit=64",
		"--network=none",
		"FOO=bar",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("run args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "alpine:3.20" {
		t.Errorf("image must be the last argument, got %q", args[len(args)-1])
	}
}

func TestBuildRunArgsNetworkAllowed(t *testing.T) {
	svc := testService(t, config.DockerConfig{
		AllowedImages:  []string{"alpine:3.20"},
		NetworkAllowed: true,
	})

	joined := strings.Join(svc.buildRunArgs("sandboxd-run-test", RunRequest{Image: "alpine:3.20"}), " ")
	if !strings.Contains(joined, "--network=bridge") {
		t.Errorf("expected bridge network, got %s", joined)
	}
	if strings.Contains(joined, "--network=none") {
		t.Errorf("unexpected --network=none: %s", joined)
	}
}

func TestParseContainerLine(t *testing.T) {
	line := `{"ID":"abc123","Names":"sandboxd-run-deadbeef","Image":"alpine:3.20","Status":"Up 2 seconds","CreatedAt":"2026-08-30 10:00:00 +0000 UTC"}`

	info, err := parseContainerLine(line)
	if err != nil {
		t.Fatalf("parseContainerLine: %v", err)
	}
	if info.ID != "abc123" || info.Name != "sandboxd-run-deadbeef" || info.Image != "alpine:3.20" {
		t.Errorf("unexpected info: %+v", info)
	}

	if _, err := parseContainerLine("not json"); err == nil {
		t.Fatal("expected error for malformed row")
	}
}

func TestContainerNameUnique(t *testing.T) {
	a, b := containerName(), containerName()
	if !strings.HasPrefix(a, namePrefix) {
		t.Errorf("name %q missing prefix", a)
	}
	if a == b {
		t.Errorf("consecutive names collided: %q", a)
	}
}

func TestTruncateOutput(t *testing.T) {
	big := make([]byte, maxOutputBytes+100)
	if got := truncateOutput(big); len(got) != maxOutputBytes {
		t.Errorf("len = %d, want %d", len(got), maxOutputBytes)
	}
	if got := truncateOutput([]byte("short")); got != "short" {
		t.Errorf("got %q", got)
	}
}

func TestRunEchoInContainer(t *testing.T) {
	requireDocker(t)

	svc := testService(t, config.DockerConfig{AllowedImages: []string{"alpine:3.20"}})
	res, err := svc.Run(context.Background(), RunRequest{
		Image:   "alpine:3.20",
		Command: []string{"echo", "hello"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Errorf("exit code = %d, stderr = %q", res.ExitCode, res.Stderr)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q, want hello", res.Stdout)
	}
}
