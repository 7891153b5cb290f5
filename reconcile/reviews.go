package reconcile

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
)

func (s *Scheduler) ListOpenReviews(ctx context.Context, businessId string) ([]models.DivergenceReview, error) {
	var rows []models.DivergenceReview
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND is_open = ?", businessId, true).
		Order("id asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("reconcile.ListOpenReviews: %w", err)
	}
	return rows, nil
}

// CloseReview records that a human has looked at a divergence. Stock is not
// touched; a correction, if any, goes through a restock.
func (s *Scheduler) CloseReview(ctx context.Context, businessId string, reviewId int) error {
	res := s.db.WithContext(ctx).Model(&models.DivergenceReview{}).
		Where("id = ? AND business_id = ? AND is_open = ?", reviewId, businessId, true).
		Updates(map[string]interface{}{
			"is_open":   false,
			"closed_by": appctx.Actor(ctx),
			"closed_at": s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("reconcile.CloseReview: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return syncerr.NotFound("reconcile.CloseReview", "open review %d not found", reviewId)
	}
	return nil
}
