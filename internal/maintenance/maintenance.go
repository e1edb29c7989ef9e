package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"caselog/pkg/config"
	"caselog/pkg/ingest"
	"caselog/pkg/logger"
)

// defaultCron rebuilds derived state nightly at 03:00.
const defaultCron = "0 3 * * *"

// Start launches the scheduled reindex runner when maintenance is enabled.
// Rebuilding from the log heals any projection or index drift accumulated
// by partial failures. Returns a cancel func.
func Start(ctx context.Context, cfg config.MaintenanceConfig, proc *ingest.Processor) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("maintenance_disabled")
		return func() {}, nil
	}
	cronExpr := cfg.ReindexCron
	if cronExpr == "" {
		cronExpr = defaultCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid reindex cron %q", cronExpr)
	}

	cctx, cancel := context.WithCancel(ctx)
	go runScheduler(cctx, cronExpr, proc)
	logger.Info("maintenance_started", "cron", cronExpr)
	return cancel, nil
}

// runScheduler computes the next tick for the cron expression and sleeps
// until then.
func runScheduler(ctx context.Context, cronExpr string, proc *ingest.Processor) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("maintenance_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("maintenance_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			runOnce(proc)
		case <-ctx.Done():
			logger.Info("maintenance_scheduler_stopping")
			return
		}
	}
}

func runOnce(proc *ingest.Processor) {
	start := time.Now()
	if err := proc.Rebuild(); err != nil {
		logger.Error("scheduled_reindex_failed", "error", err)
		return
	}
	logger.Info("scheduled_reindex_done", "took", time.Since(start).String())
}
