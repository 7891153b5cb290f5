package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
	"github.com/sirupsen/logrus"
)

// RunAll reconciles every business that has active catalog items. A business
// whose lease is held elsewhere is skipped; other failures are logged and the
// loop moves on.
func (s *Scheduler) RunAll(ctx context.Context) ([]*RunSummary, error) {
	var ids []string
	err := s.db.WithContext(appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true)).
		Model(&models.CatalogItem{}).
		Where("is_active = ?", true).
		Distinct("business_id").
		Order("business_id asc").
		Pluck("business_id", &ids).Error
	if err != nil {
		return nil, err
	}

	summaries := make([]*RunSummary, 0, len(ids))
	for _, businessId := range ids {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}
		summary, err := s.RunDailyBatchSync(appctx.WithBusinessId(ctx, businessId), businessId)
		switch {
		case err == nil:
			summaries = append(summaries, summary)
		case errors.Is(err, syncerr.ErrConcurrency):
			s.logger.WithFields(logrus.Fields{
				"field":       "reconcile",
				"business_id": businessId,
			}).Info("reconciliation skipped: " + err.Error())
		default:
			config.LogError(s.logger, "reconcile", "RunAll", "run business", businessId, err)
		}
	}
	return summaries, nil
}

// Start runs RunAll every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.settings.ReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.RunAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			config.LogError(s.logger, "reconcile", "Start", "scheduled run", nil, err)
		}
	}
}
