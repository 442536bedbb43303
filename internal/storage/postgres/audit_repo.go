package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sandboxd/sandboxd/internal/audit"
)

// AuditRepository implements audit.Store.
// Append-only: no update methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event.
func (r *AuditRepository) Append(ctx context.Context, event audit.Event) error {
	model, err := toAuditModel(event)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns audit events newest first. If userID is non-empty,
// filters to that user. Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, userID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]audit.Event, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

// PurgeOlderThan deletes events created before cutoff.
func (r *AuditRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&AuditEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func toAuditModel(event audit.Event) (AuditEventModel, error) {
	params := []byte("{}")
	if len(event.Parameters) > 0 {
		var err error
		params, err = json.Marshal(event.Parameters)
		if err != nil {
			return AuditEventModel{}, fmt.Errorf("marshaling audit parameters: %w", err)
		}
	}
	return AuditEventModel{
		ID:         event.ID,
		UserID:     event.UserID,
		Operation:  event.Operation,
		Target:     event.Target,
		Parameters: JSONB(params),
		Result:     event.Result,
		Violation:  event.Violation,
		Error:      event.Error,
		DurationMS: event.DurationMS,
		CreatedAt:  event.Timestamp,
	}, nil
}

func toAuditDomain(m *AuditEventModel) audit.Event {
	var params map[string]any
	if len(m.Parameters) > 0 {
		_ = json.Unmarshal([]byte(m.Parameters), &params)
	}
	return audit.Event{
		ID:         m.ID,
		Timestamp:  m.CreatedAt,
		UserID:     m.UserID,
		Operation:  m.Operation,
		Target:     m.Target,
		Parameters: params,
		Result:     m.Result,
		Violation:  m.Violation,
		Error:      m.Error,
		DurationMS: m.DurationMS,
	}
}

var _ audit.Store = (*AuditRepository)(nil)
