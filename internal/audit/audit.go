// Package audit implements the append-only audit trail for gateway
// operations: policy denials, executions, file access, and outbound
// requests.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Result values for audit events.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// Operation names recorded in the audit trail.
const (
	OpExecute        = "execute"
	OpFileWrite      = "file_write"
	OpFileRead       = "file_read"
	OpFileList       = "file_list"
	OpFileDelete     = "file_delete"
	OpNetworkRequest = "network_request"
	OpDatabaseQuery  = "database_query"
	OpDockerRun      = "docker_run"
	OpAuth           = "auth"
)

// Event is a single entry in the append-only audit trail.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	UserID     string         `json:"user_id"`
	Operation  string         `json:"operation"`
	Target     string         `json:"target,omitempty"` // Command, path, URL: whatever the operation acted on.
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     string         `json:"result"`
	Violation  string         `json:"violation,omitempty"` // Policy rule that fired, for denied events.
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// NewEvent stamps a fresh event with an ID and the current time.
func NewEvent(userID, operation, target, result string) Event {
	return Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Operation: operation,
		Target:    target,
		Result:    result,
	}
}

// Recorder appends audit events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, event Event) error
	Close() error
}

// Store is an append-only persistence backend for audit events.
// No update method exists; immutability is enforced at the interface
// level. PurgeOlderThan is the single, retention-driven exception.
type Store interface {
	Append(ctx context.Context, event Event) error
	Query(ctx context.Context, userID string, limit int) ([]Event, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) error { return nil }
func (NopRecorder) Close() error                        { return nil }
