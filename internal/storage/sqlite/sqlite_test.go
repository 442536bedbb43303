package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "sandboxd.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestAuditAppendAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := audit.NewEvent("alice", audit.OpExecute, "echo hi", audit.ResultSuccess)
	ev.Parameters = map[string]any{"timeout": 30}
	ev.DurationMS = 12
	if err := s.Audit().Append(ctx, ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Audit().Append(ctx, audit.NewEvent("bob", audit.OpFileWrite, "/tmp/x", audit.ResultDenied)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	all, err := s.Audit().Query(ctx, "", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d events, want 2", len(all))
	}

	alice, err := s.Audit().Query(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("Query alice: %v", err)
	}
	if len(alice) != 1 {
		t.Fatalf("got %d events for alice, want 1", len(alice))
	}
	got := alice[0]
	if got.ID != ev.ID || got.Operation != audit.OpExecute || got.Target != "echo hi" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.DurationMS != 12 {
		t.Errorf("duration = %d, want 12", got.DurationMS)
	}
	if v, ok := got.Parameters["timeout"]; !ok || v != float64(30) {
		t.Errorf("parameters = %v", got.Parameters)
	}
}

func TestAuditPurgeOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := audit.NewEvent("u", audit.OpExecute, "true", audit.ResultSuccess)
	old.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	recent := audit.NewEvent("u", audit.OpExecute, "true", audit.ResultSuccess)
	for _, ev := range []audit.Event{old, recent} {
		if err := s.Audit().Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := s.Audit().PurgeOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}

	left, err := s.Audit().Query(ctx, "", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(left) != 1 || left[0].ID != recent.ID {
		t.Errorf("remaining events = %+v", left)
	}
}

func TestExecutionHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := []storage.ExecutionRecord{
		{ID: uuid.New(), UserID: "alice", Command: "ls", ExitCode: 0, Success: true, Strategy: "bwrap", DurationMS: 5, CreatedAt: time.Now().UTC().Add(-time.Minute)},
		{ID: uuid.New(), UserID: "alice", Command: "sleep 99", ExitCode: 124, TimedOut: true, Strategy: "bwrap", DurationMS: 30000, CreatedAt: time.Now().UTC()},
		{ID: uuid.New(), UserID: "bob", Command: "pwd", ExitCode: 0, Success: true, Strategy: "none", DurationMS: 3, CreatedAt: time.Now().UTC()},
	}
	for _, rec := range recs {
		if err := s.Executions().Insert(ctx, rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	alice, err := s.Executions().ListRecent(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(alice) != 2 {
		t.Fatalf("got %d records for alice, want 2", len(alice))
	}
	// Newest first.
	if alice[0].Command != "sleep 99" || !alice[0].TimedOut {
		t.Errorf("first record = %+v, want the timed-out execution", alice[0])
	}

	limited, err := s.Executions().ListRecent(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListRecent all: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit ignored: got %d records", len(limited))
	}

	n, err := s.Executions().PurgeOlderThan(ctx, time.Now().UTC().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}
}

func TestDriverName(t *testing.T) {
	s := openTestStore(t)
	if got := s.Driver(); got != storage.DriverSQLite {
		t.Errorf("Driver() = %q, want %q", got, storage.DriverSQLite)
	}
}
