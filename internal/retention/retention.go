// Package retention prunes threads whose last activity is older than the
// configured period. Runs are scheduled by cron expression; a dry-run mode
// logs what would be deleted without touching the store.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"loom/pkg/config"
	"loom/pkg/logger"
	"loom/pkg/thread"
)

// Start launches the retention scheduler if enabled and returns a cancel
// func for shutdown.
func Start(ctx context.Context, cfg config.RetentionConfig, svc *thread.Service) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("retention period must be positive, got %s", time.Duration(cfg.Period))
	}

	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", time.Duration(cfg.Period).String(), "dry_run", cfg.DryRun)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, cronExpr, svc)
	return cancel, nil
}

// runScheduler sleeps until the next cron tick and triggers a run. gronx
// computes exact tick times, so full cron syntax is supported.
func runScheduler(ctx context.Context, cfg config.RetentionConfig, cronExpr string, svc *thread.Service) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := RunOnce(ctx, cfg, svc); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce deletes every thread idle for longer than the configured period.
// Deletion cascades to messages and branch state. Exported so an admin
// trigger or test can force a run outside the schedule.
func RunOnce(ctx context.Context, cfg config.RetentionConfig, svc *thread.Service) error {
	cutoff := time.Now().UTC().Add(-time.Duration(cfg.Period)).UnixNano()
	threads, err := svc.Threads(ctx)
	if err != nil {
		return err
	}
	var purged int
	for _, th := range threads {
		last := th.UpdatedTS
		if last == 0 {
			last = th.CreatedTS
		}
		if last >= cutoff {
			continue
		}
		if cfg.DryRun {
			logger.Info("retention_would_delete", "thread", th.ID, "idle_since", time.Unix(0, last).UTC().Format(time.RFC3339))
			continue
		}
		if err := svc.DeleteThread(ctx, th.ID); err != nil {
			logger.Error("retention_delete_failed", "thread", th.ID, "error", err)
			continue
		}
		purged++
	}
	logger.Info("retention_run_complete", "scanned", len(threads), "purged", purged, "dry_run", cfg.DryRun)
	return nil
}
