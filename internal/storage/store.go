// Package storage defines the Store interface that abstracts persistence
// for audit events and execution history. Two backends are provided:
// SQLite (default, zero-config) and PostgreSQL (production).
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxd/sandboxd/internal/audit"
)

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// Store is the unified persistence interface.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// Audit returns the append-only audit event store.
	Audit() audit.Store
	// Executions returns the execution history store.
	Executions() ExecutionStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the driver name ("sqlite" or "postgres").
	Driver() string
}

// ExecutionRecord is one row of execution history.
type ExecutionRecord struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	Success    bool      `json:"success"`
	TimedOut   bool      `json:"timed_out"`
	Strategy   string    `json:"strategy"`
	WorkingDir string    `json:"working_dir,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExecutionStore persists execution history.
// Implementations must be safe for concurrent use.
type ExecutionStore interface {
	// Insert writes a single execution record.
	Insert(ctx context.Context, rec ExecutionRecord) error
	// ListRecent returns records newest first. If userID is non-empty,
	// filters to that user. Limit defaults to 100.
	ListRecent(ctx context.Context, userID string, limit int) ([]ExecutionRecord, error)
	// PurgeOlderThan deletes records created before cutoff and reports
	// how many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
