package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sandboxd/sandboxd/internal/storage"
)

// ExecutionRepository implements storage.ExecutionStore.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Insert writes a single execution record.
func (r *ExecutionRepository) Insert(ctx context.Context, rec storage.ExecutionRecord) error {
	model := ExecutionModel{
		ID:         rec.ID,
		UserID:     rec.UserID,
		Command:    rec.Command,
		ExitCode:   rec.ExitCode,
		Success:    rec.Success,
		TimedOut:   rec.TimedOut,
		Strategy:   rec.Strategy,
		WorkingDir: rec.WorkingDir,
		DurationMS: rec.DurationMS,
		CreatedAt:  rec.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("inserting execution record: %w", err)
	}
	return nil
}

// ListRecent returns execution records newest first.
func (r *ExecutionRepository) ListRecent(ctx context.Context, userID string, limit int) ([]storage.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}

	var models []ExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	recs := make([]storage.ExecutionRecord, len(models))
	for i, m := range models {
		recs[i] = storage.ExecutionRecord{
			ID:         m.ID,
			UserID:     m.UserID,
			Command:    m.Command,
			ExitCode:   m.ExitCode,
			Success:    m.Success,
			TimedOut:   m.TimedOut,
			Strategy:   m.Strategy,
			WorkingDir: m.WorkingDir,
			DurationMS: m.DurationMS,
			CreatedAt:  m.CreatedAt,
		}
	}
	return recs, nil
}

// PurgeOlderThan deletes records created before cutoff.
func (r *ExecutionRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&ExecutionModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging executions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ storage.ExecutionStore = (*ExecutionRepository)(nil)
