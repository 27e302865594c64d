// Package maintenance runs periodic background tasks as Go tickers.
// The API process is already long-running for LISTEN/NOTIFY, so scheduled
// work lives here rather than in pg_cron.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/albapepper/gig-dispatch/internal/metrics"
)

// Execer is the subset of pgxpool.Pool the tasks use.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	CleanupInterval time.Duration // Inactive device registration purge
	RetentionDays   int           // How long a deactivated registration is kept
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 6 * time.Hour,
		RetentionDays:   90,
	}
}

// Start launches all configured maintenance tickers. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, db Execer, cfg Config, logger *slog.Logger) {
	logger.Info("Maintenance tickers started",
		"cleanup", cfg.CleanupInterval,
		"retention_days", cfg.RetentionDays)

	if cfg.CleanupInterval > 0 {
		t := time.NewTicker(cfg.CleanupInterval)
		defer t.Stop()
		go runLoop(ctx, t.C, func() { cleanup(ctx, db, cfg.RetentionDays, logger) })
	}

	<-ctx.Done()
	logger.Info("Maintenance tickers stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// --------------------------------------------------------------------------
// Task implementations
// --------------------------------------------------------------------------

func cleanup(ctx context.Context, db Execer, retentionDays int, logger *slog.Logger) {
	n, err := PurgeInactiveRegistrations(ctx, db, retentionDays)
	if err != nil {
		logger.Warn("Cleanup: failed to purge inactive registrations", "error", err)
		return
	}
	if n > 0 {
		logger.Info("Cleanup: purged inactive registrations", "count", n)
	}
}

// PurgeInactiveRegistrations deletes device registrations that were
// deactivated more than retentionDays ago and returns how many went.
// Active registrations are never touched.
func PurgeInactiveRegistrations(ctx context.Context, db Execer, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	tag, err := db.Exec(ctx, "purge_inactive_registrations", retentionDays)
	if err != nil {
		return 0, fmt.Errorf("purge inactive registrations: %w", err)
	}
	n := tag.RowsAffected()
	metrics.RegistrationsPurged.Add(float64(n))
	return n, nil
}
