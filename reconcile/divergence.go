package reconcile

import (
	"context"

	"github.com/mmdatafocus/vendsync/inventory"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/synclog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type itemCheck struct {
	report     ItemReport
	hasOpen    bool
	snapshotOk bool
}

// checkItems compares, for every item with a confirmed mapping, the counter as
// of the movement marker with the trajectory expected from its last snapshot.
// It reads inside one transaction so counter and ledger agree.
func (s *Scheduler) checkItems(ctx context.Context, businessId string, checkpoint models.ReconciliationCheckpoint, summary *RunSummary) ([]itemCheck, error) {
	var checks []itemCheck
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		marker, err := inventory.LatestMovementId(tx, businessId)
		if err != nil {
			return err
		}
		summary.MovementMarker = marker
		summary.WindowMovements, err = inventory.CountBetween(tx, businessId, checkpoint.MovementMarker, marker)
		if err != nil {
			return err
		}

		ids, err := confirmedItemIds(tx, businessId)
		if err != nil {
			return err
		}
		for _, id := range ids {
			var item models.CatalogItem
			if err := tx.Where("id = ? AND business_id = ?", id, businessId).First(&item).Error; err != nil {
				return err
			}
			var snap models.ItemSnapshot
			if err := tx.Where("catalog_item_id = ?", id).Limit(1).Find(&snap).Error; err != nil {
				return err
			}
			from, base := 0, 0
			if snap.ID != 0 {
				from, base = snap.MovementMarker, snap.InventoryCount
			}
			window, err := inventory.Window(tx, businessId, id, from, marker)
			if err != nil {
				return err
			}
			after, err := inventory.AppliedAfter(tx, businessId, id, marker)
			if err != nil {
				return err
			}

			observed := item.InventoryCount - after
			expected := base + window.Requested
			divergence := observed - expected
			report := ItemReport{
				CatalogItemId: id,
				TelemetrySold: window.TelemetrySold,
				ManualSold:    window.ManualSold,
				Restocked:     window.Restocked,
				Expected:      expected,
				Observed:      observed,
				Divergence:    divergence,
				Flagged:       abs(divergence) > s.settings.DivergenceTolerance,
			}

			var open int64
			if err := tx.Model(&models.DivergenceReview{}).
				Where("business_id = ? AND catalog_item_id = ? AND is_open = ?", businessId, id, true).
				Count(&open).Error; err != nil {
				return err
			}
			if report.Flagged {
				summary.Flagged++
			}
			summary.Items = append(summary.Items, report)
			checks = append(checks, itemCheck{
				report:     report,
				hasOpen:    open > 0,
				snapshotOk: snap.ID != 0 && snap.InventoryCount == observed && snap.MovementMarker == marker,
			})
		}
		return nil
	})
	return checks, err
}

// finalize opens reviews, moves snapshots and the checkpoint, and logs the run,
// all in one transaction. Stock is never corrected here.
func (s *Scheduler) finalize(ctx context.Context, businessId string, checkpoint models.ReconciliationCheckpoint, checks []itemCheck, summary *RunSummary) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		for _, c := range checks {
			r := c.report
			if r.Flagged {
				reviewOpened := false
				if !c.hasOpen {
					review := models.DivergenceReview{
						BusinessId:     businessId,
						CatalogItemId:  r.CatalogItemId,
						ExpectedCount:  r.Expected,
						ObservedCount:  r.Observed,
						Divergence:     r.Divergence,
						MovementMarker: summary.MovementMarker,
						IsOpen:         true,
					}
					if err := tx.Create(&review).Error; err != nil {
						return err
					}
					reviewOpened = true
				}
				if _, err := s.log.AppendTx(ctx, tx, synclog.Entry{
					BusinessId: businessId,
					EventType:  models.SyncEventDivergenceFlagged,
					Outcome:    models.OutcomeFlagged,
					Payload: map[string]interface{}{
						"item":          r,
						"tolerance":     s.settings.DivergenceTolerance,
						"review_opened": reviewOpened,
					},
				}); err != nil {
					return err
				}
			}
			if c.snapshotOk {
				continue
			}
			snap := models.ItemSnapshot{
				BusinessId:     businessId,
				CatalogItemId:  r.CatalogItemId,
				InventoryCount: r.Observed,
				MovementMarker: summary.MovementMarker,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "catalog_item_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"inventory_count", "movement_marker", "updated_at"}),
			}).Create(&snap).Error; err != nil {
				return err
			}
		}

		if checkpoint.ID == 0 {
			cp := models.ReconciliationCheckpoint{
				BusinessId:     businessId,
				SaleMarker:     summary.SaleMarker,
				MovementMarker: summary.MovementMarker,
				RunCount:       1,
				LastRunAt:      &now,
			}
			if err := tx.Create(&cp).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Model(&models.ReconciliationCheckpoint{}).Where("id = ?", checkpoint.ID).
				Updates(map[string]interface{}{
					"sale_marker":     summary.SaleMarker,
					"movement_marker": summary.MovementMarker,
					"run_count":       gorm.Expr("run_count + 1"),
					"last_run_at":     now,
				}).Error; err != nil {
				return err
			}
		}

		_, err := s.log.AppendTx(ctx, tx, synclog.Entry{
			BusinessId: businessId,
			EventType:  models.SyncEventReconciliationRun,
			Outcome:    models.OutcomeSuccess,
			Payload:    summary,
		})
		return err
	})
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
