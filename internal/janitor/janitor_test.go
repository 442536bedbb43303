package janitor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/storage"
	"github.com/sandboxd/sandboxd/internal/workspace"
)

type fakeAuditStore struct {
	purged int64
	cutoff time.Time
}

func (f *fakeAuditStore) Append(context.Context, audit.Event) error { return nil }
func (f *fakeAuditStore) Query(context.Context, string, int) ([]audit.Event, error) {
	return nil, nil
}
func (f *fakeAuditStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.purged, nil
}

type fakeExecStore struct {
	purged int64
}

func (f *fakeExecStore) Insert(context.Context, storage.ExecutionRecord) error { return nil }
func (f *fakeExecStore) ListRecent(context.Context, string, int) ([]storage.ExecutionRecord, error) {
	return nil, nil
}
func (f *fakeExecStore) PurgeOlderThan(context.Context, time.Time) (int64, error) {
	return f.purged, nil
}

type fakeStore struct {
	audit *fakeAuditStore
	exec  *fakeExecStore
}

func (f *fakeStore) Audit() audit.Store { return f.audit }
func (f *fakeStore) Executions() storage.ExecutionStore { return f.exec }
func (f *fakeStore) Migrate(context.Context) error { return nil }
func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close() error { return nil }
func (f *fakeStore) Driver() string { return "fake" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepPrunesStaleWorkdirs(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}

	stale, err := ws.NewExecWorkdir()
	if err != nil {
		t.Fatalf("NewExecWorkdir: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	fresh, err := ws.NewExecWorkdir()
	if err != nil {
		t.Fatalf("NewExecWorkdir: %v", err)
	}

	j := New(&config.JanitorConfig{Enabled: true, ExecDirMaxAgeHours: 24}, ws, nil, testLogger())
	j.Sweep(context.Background())

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale dir %s should have been removed", filepath.Base(stale))
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh dir %s should have survived: %v", filepath.Base(fresh), err)
	}
}

func TestSweepEnforcesRetention(t *testing.T) {
	store := &fakeStore{
		audit: &fakeAuditStore{purged: 3},
		exec:  &fakeExecStore{purged: 2},
	}
	j := New(&config.JanitorConfig{Enabled: true, AuditRetentionDays: 30}, nil, store, testLogger())

	before := time.Now().UTC().AddDate(0, 0, -30)
	j.Sweep(context.Background())

	if store.audit.cutoff.IsZero() {
		t.Fatal("audit purge was not invoked")
	}
	// The cutoff should be roughly 30 days ago.
	if diff := store.audit.cutoff.Sub(before); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want ~%v", store.audit.cutoff, before)
	}
}

func TestSweepSkipsRetentionWhenDisabled(t *testing.T) {
	store := &fakeStore{audit: &fakeAuditStore{}, exec: &fakeExecStore{}}
	j := New(&config.JanitorConfig{Enabled: true}, nil, store, testLogger())

	j.Sweep(context.Background())

	if !store.audit.cutoff.IsZero() {
		t.Error("retention purge should not run with zero retention days")
	}
}

func TestStartDisabled(t *testing.T) {
	j := New(&config.JanitorConfig{Enabled: false}, nil, nil, testLogger())
	if err := j.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j.Stop()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	j := New(&config.JanitorConfig{Enabled: true, Schedule: "not a schedule"}, nil, nil, testLogger())
	if err := j.Start(); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	j := New(&config.JanitorConfig{Enabled: true, Schedule: "@hourly"}, ws, nil, testLogger())
	if err := j.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j.Stop()
}
