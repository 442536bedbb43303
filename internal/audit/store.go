package audit

import (
	"context"
	"errors"
	"log/slog"
)

// StoreRecorder adapts an append-only Store to the Recorder interface.
type StoreRecorder struct {
	store  Store
	logger *slog.Logger
}

// NewStoreRecorder creates a database-backed audit recorder.
func NewStoreRecorder(store Store, logger *slog.Logger) *StoreRecorder {
	return &StoreRecorder{store: store, logger: logger}
}

// Record appends the event to the backing store.
func (r *StoreRecorder) Record(ctx context.Context, event Event) error {
	if err := r.store.Append(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to record audit event",
			slog.String("operation", event.Operation),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Close is a no-op. The database connection is owned by the storage layer
// and closed separately.
func (r *StoreRecorder) Close() error { return nil }

// MultiRecorder fans a single event out to several recorders. Record
// returns the joined errors but always attempts every recorder.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) Close() error {
	var errs []error
	for _, r := range m {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
