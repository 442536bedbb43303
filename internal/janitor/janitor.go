// Package janitor runs scheduled housekeeping: pruning stale execution
// working directories and enforcing audit/history retention.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/storage"
	"github.com/sandboxd/sandboxd/internal/workspace"
)

// Janitor schedules periodic cleanup sweeps. The store is optional; when
// nil only the workspace sweep runs.
type Janitor struct {
	cfg       *config.JanitorConfig
	workspace *workspace.Workspace
	store     storage.Store
	logger    *slog.Logger
	cron      *cron.Cron
}

// New creates a Janitor. Call Start to begin scheduled sweeps.
func New(cfg *config.JanitorConfig, ws *workspace.Workspace, store storage.Store, logger *slog.Logger) *Janitor {
	return &Janitor{
		cfg:       cfg,
		workspace: ws,
		store:     store,
		logger:    logger,
	}
}

// Start registers the sweep on the configured cron schedule and starts
// the scheduler. A disabled janitor starts nothing and returns nil.
func (j *Janitor) Start() error {
	if j.cfg == nil || !j.cfg.Enabled {
		j.logger.Info("janitor disabled")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(j.cfg.CronSchedule(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		j.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.cfg.CronSchedule(), err)
	}
	c.Start()
	j.cron = c

	j.logger.Info("janitor started",
		slog.String("schedule", j.cfg.CronSchedule()),
		slog.String("exec_dir_max_age", j.cfg.ExecDirMaxAge().String()),
		slog.Int("audit_retention_days", j.cfg.AuditRetentionDays),
	)
	return nil
}

// Stop halts the scheduler and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}

// Sweep runs one cleanup pass. Failures in one step do not stop the
// others; everything is logged.
func (j *Janitor) Sweep(ctx context.Context) {
	j.pruneWorkdirs(ctx)
	j.enforceRetention(ctx)
}

func (j *Janitor) pruneWorkdirs(ctx context.Context) {
	if j.workspace == nil {
		return
	}
	removed, err := j.workspace.PruneExecDirs(j.cfg.ExecDirMaxAge())
	if err != nil {
		j.logger.ErrorContext(ctx, "workdir prune failed",
			slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		j.logger.InfoContext(ctx, "pruned stale workdirs",
			slog.Int("removed", removed))
	}
}

func (j *Janitor) enforceRetention(ctx context.Context) {
	if j.store == nil || j.cfg.AuditRetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -j.cfg.AuditRetentionDays)

	auditPurged, err := j.store.Audit().PurgeOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.ErrorContext(ctx, "audit retention purge failed",
			slog.String("error", err.Error()))
	}

	execPurged, err := j.store.Executions().PurgeOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.ErrorContext(ctx, "execution retention purge failed",
			slog.String("error", err.Error()))
	}

	if auditPurged > 0 || execPurged > 0 {
		j.logger.InfoContext(ctx, "retention purge complete",
			slog.Time("cutoff", cutoff),
			slog.Int64("audit_events", auditPurged),
			slog.Int64("executions", execPurged),
		)
	}
}
