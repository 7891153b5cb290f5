package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/inventory"
	"github.com/mmdatafocus/vendsync/mappingstore"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
	"github.com/mmdatafocus/vendsync/synclog"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// backfill resolves unresolved telemetry sales up to the sale marker whose code
// now has a confirmed mapping. Sales are applied in (occurred_at, id) order,
// each in its own transaction.
func (s *Scheduler) backfill(ctx context.Context, businessId string, summary *RunSummary) error {
	db := s.db.WithContext(ctx)
	var cursorAt time.Time
	cursorId := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		q := db.Where("sale_events.business_id = ? AND sale_events.source = ? AND sale_events.status = ? AND sale_events.id <= ?",
			businessId, models.SaleSourceTelemetry, models.SaleStatusUnresolved, summary.SaleMarker).
			Where("EXISTS (SELECT 1 FROM item_mappings m WHERE m.active_code_id = sale_events.machine_item_code_id AND m.status = ?)",
				models.MappingStatusConfirmed)
		if cursorId > 0 {
			q = q.Where("(sale_events.occurred_at > ? OR (sale_events.occurred_at = ? AND sale_events.id > ?))", cursorAt, cursorAt, cursorId)
		}
		var batch []models.SaleEvent
		if err := q.Order("sale_events.occurred_at asc").Order("sale_events.id asc").
			Limit(s.settings.BackfillBatchSize).Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for _, sale := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			cursorAt, cursorId = sale.OccurredAt, sale.ID

			done, err := s.backfillOne(ctx, businessId, sale)
			switch {
			case err == nil && done:
				summary.Backfilled++
			case err == nil:
				summary.BackfillSkipped++
			case errors.Is(err, syncerr.ErrConcurrency):
				// the next run picks it up again
				summary.BackfillSkipped++
				s.logger.WithFields(logrus.Fields{
					"field":         "reconcile",
					"business_id":   businessId,
					"sale_event_id": sale.ID,
				}).Warn("backfill skipped on contention: " + err.Error())
			default:
				return err
			}
		}
	}
}

func (s *Scheduler) backfillOne(ctx context.Context, businessId string, sale models.SaleEvent) (bool, error) {
	if sale.MachineItemCodeId == nil {
		return false, nil
	}
	done := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mapping, err := mappingstore.ActiveForCode(tx, businessId, *sale.MachineItemCodeId)
		if err != nil {
			return err
		}
		if mapping == nil || mapping.Status != models.MappingStatusConfirmed {
			return nil
		}

		now := s.now()
		res := tx.Model(&models.SaleEvent{}).
			Where("id = ? AND business_id = ? AND status = ?", sale.ID, businessId, models.SaleStatusUnresolved).
			Updates(map[string]interface{}{
				"status":          models.SaleStatusResolved,
				"mapping_id":      mapping.ID,
				"catalog_item_id": mapping.CatalogItemId,
				"resolved_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		saleId := sale.ID
		applied, err := inventory.Apply(tx, inventory.Change{
			BusinessId:    businessId,
			CatalogItemId: mapping.CatalogItemId,
			Delta:         -sale.Quantity,
			Source:        models.MovementSourceBackfill,
			SaleEventId:   &saleId,
			CorrelationId: appctx.CorrelationId(ctx),
		})
		if err != nil {
			return err
		}
		_, err = s.log.AppendTx(ctx, tx, synclog.Entry{
			BusinessId: businessId,
			EventType:  models.SyncEventBackfill,
			Outcome:    models.OutcomeResolved,
			Payload: map[string]interface{}{
				"sale_event_id":   sale.ID,
				"transaction_id":  sale.ExternalTxnId,
				"mapping_id":      mapping.ID,
				"catalog_item_id": mapping.CatalogItemId,
				"quantity":        sale.Quantity,
				"occurred_at":     sale.OccurredAt,
				"balance_after":   applied.Item.InventoryCount,
				"oversold":        applied.Oversold,
			},
		})
		if err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}
