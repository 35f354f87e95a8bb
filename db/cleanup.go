package db

import (
	"context"
	"fmt"
	"time"
)

// CleanupResult reports a retention pass.
type CleanupResult struct {
	HistoryDeleted int64
	Duration       time.Duration
}

// Cleanup deletes history older than retentionDays. Ledger entries are
// never deleted.
func (d *Database) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	start := time.Now()
	result := CleanupResult{}
	if retentionDays < 0 {
		return result, fmt.Errorf("db: retentionDays must be non-negative, got %d", retentionDays)
	}
	conn, err := d.conn()
	if err != nil {
		return result, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(sqliteTimeLayout)
	res, err := conn.ExecContext(ctx, `DELETE FROM generation_history WHERE created_at < ?`, cutoff)
	if err != nil {
		return result, fmt.Errorf("db: delete history: %w", err)
	}
	result.HistoryDeleted, _ = res.RowsAffected()
	result.Duration = time.Since(start)
	return result, nil
}

// CleanupSchedulerConfig configures StartCleanupScheduler.
type CleanupSchedulerConfig struct {
	RetentionDays int
	Interval      time.Duration
	// OnCleanup is called after each run.
	OnCleanup func(result CleanupResult, err error)
}

// DefaultCleanupSchedulerConfig keeps 90 days and runs daily.
func DefaultCleanupSchedulerConfig() CleanupSchedulerConfig {
	return CleanupSchedulerConfig{RetentionDays: 90, Interval: 24 * time.Hour}
}

// StartCleanupScheduler runs Cleanup immediately and then every interval
// until ctx is cancelled.
func (d *Database) StartCleanupScheduler(ctx context.Context, config CleanupSchedulerConfig) {
	run := func() {
		result, err := d.Cleanup(ctx, config.RetentionDays)
		if config.OnCleanup != nil {
			config.OnCleanup(result, err)
		}
	}
	go func() {
		run()
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}
