// Package maintenance runs the daily housekeeping window: store compaction
// and an optional on-device backup, scheduled by a standard 5-field cron
// expression so operators can steer it into the quiet hours.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/outfield/companion/internal/store"
)

// Options configure the maintenance window.
type Options struct {
	Schedule   string        // 5-field cron expression, e.g. "0 3 * * *"
	Grace      time.Duration // DELIVERED retention before compaction
	BackupDir  string        // empty disables backups
	BackupKeep int           // reserved for future pruning
}

// Runner executes compaction on the parsed schedule.
type Runner struct {
	store    *store.Store
	schedule cron.Schedule
	opts     Options
	logger   *slog.Logger
}

func New(st *store.Store, opts Options, logger *slog.Logger) (*Runner, error) {
	if opts.Schedule == "" {
		opts.Schedule = "0 3 * * *"
	}
	if opts.Grace <= 0 {
		opts.Grace = 72 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance schedule %q: %w", opts.Schedule, err)
	}
	return &Runner{store: st, schedule: schedule, opts: opts, logger: logger}, nil
}

// NextRun returns the next maintenance window after now.
func (r *Runner) NextRun(now time.Time) time.Time {
	return r.schedule.Next(now)
}

// Run sleeps until each scheduled window and performs one maintenance pass.
func (r *Runner) Run(ctx context.Context) error {
	for {
		next := r.NextRun(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("maintenance pass failed", "error", err.Error())
		}
	}
}

// RunOnce compacts the store and, when configured, snapshots it.
func (r *Runner) RunOnce(ctx context.Context) error {
	res, err := r.store.Compact(ctx, time.Now(), r.opts.Grace)
	if err != nil {
		return fmt.Errorf("compact store: %w", err)
	}
	r.logger.Info("store compacted",
		"records_deleted", res.RecordsDeleted,
		"spools_removed", res.SpoolsRemoved,
		"orphans_swept", res.OrphansSwept)

	if r.opts.BackupDir == "" {
		return nil
	}
	dest := filepath.Join(r.opts.BackupDir,
		fmt.Sprintf("records-%s.db", time.Now().UTC().Format("20060102-150405")))
	if err := r.store.Backup(ctx, dest); err != nil {
		return fmt.Errorf("backup store: %w", err)
	}
	r.logger.Info("store backed up", "path", dest)
	return nil
}
