package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a jsonb column (TEXT under the
// SQLite dialect).
type JSONB json.RawMessage

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt; the audit trail is append-only.
type AuditEventModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     string    `gorm:"not null;index"`
	Operation  string    `gorm:"not null;index"`
	Target     string    `gorm:"type:text"`
	Parameters JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	Result     string    `gorm:"not null"`
	Violation  string
	Error      string    `gorm:"type:text"`
	DurationMS int64
	CreatedAt  time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// ExecutionModel maps to the "executions" table.
type ExecutionModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     string    `gorm:"not null;index"`
	Command    string    `gorm:"type:text;not null"`
	ExitCode   int       `gorm:"not null"`
	Success    bool      `gorm:"not null"`
	TimedOut   bool      `gorm:"not null"`
	Strategy   string    `gorm:"not null"`
	WorkingDir string    `gorm:"type:text"`
	DurationMS int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"index"`
}

func (ExecutionModel) TableName() string { return "executions" }
