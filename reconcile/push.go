package reconcile

import (
	"context"

	"github.com/mmdatafocus/vendsync/mappingstore"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
	"github.com/mmdatafocus/vendsync/synclog"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm/clause"
)

// push sends catalog price and availability to registered machines whose last
// sent state differs. A failed push stays pending for the next cycle and never
// fails the run.
func (s *Scheduler) push(ctx context.Context, businessId string, summary *RunSummary) error {
	if s.pusher == nil {
		return nil
	}
	db := s.db.WithContext(ctx)
	mappings, err := mappingstore.ListConfirmed(db, businessId)
	if err != nil {
		return err
	}

	for _, m := range mappings {
		machine := m.MachineItemCode.Machine
		if !machine.IsRegistered {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var item models.CatalogItem
		if err := db.Where("id = ? AND business_id = ?", m.CatalogItemId, businessId).First(&item).Error; err != nil {
			return err
		}
		desired := PushRequest{
			MachineId: machine.ExternalId,
			ItemCode:  m.MachineItemCode.ItemCode,
			Price:     item.UnitPrice,
			Available: item.IsActive && item.InventoryCount > 0,
		}

		var last models.PushUpdate
		if err := db.Where("mapping_id = ?", m.ID).Limit(1).Find(&last).Error; err != nil {
			return err
		}
		if last.ID != 0 && last.Status == models.PushStatusSent &&
			last.Price.Equal(desired.Price) && last.Available == desired.Available {
			continue
		}

		attempts := 0
		pushErr := s.pushPolicy.Do(ctx, func(ctx context.Context) error {
			attempts++
			return s.pusher.Push(ctx, desired)
		})

		now := s.now()
		row := models.PushUpdate{
			BusinessId:  businessId,
			MappingId:   m.ID,
			Price:       desired.Price,
			Available:   desired.Available,
			Status:      models.PushStatusSent,
			Attempts:    last.Attempts + attempts,
			LastTriedAt: &now,
		}
		payload := map[string]interface{}{
			"mapping_id": m.ID,
			"machine_id": desired.MachineId,
			"item_code":  desired.ItemCode,
			"price":      desired.Price.String(),
			"available":  desired.Available,
			"attempts":   attempts,
		}
		outcome := models.OutcomeSuccess
		if pushErr != nil {
			ext := syncerr.External("reconcile.push", pushErr)
			msg := ext.Error()
			row.Status = models.PushStatusPending
			row.LastError = &msg
			row.SentAt = last.SentAt
			payload["status"] = "push_failed"
			payload["error"] = msg
			outcome = models.OutcomeFailed
			summary.PushesFailed++
			s.logger.WithFields(logrus.Fields{
				"field":       "reconcile",
				"business_id": businessId,
				"mapping_id":  m.ID,
			}).Warn("push update deferred: " + msg)
		} else {
			row.SentAt = &now
			summary.PushesSent++
		}

		// the attempt is recorded even when the lease deadline cut the push short
		recordCtx := context.WithoutCancel(ctx)
		if err := s.db.WithContext(recordCtx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "mapping_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"price", "available", "status", "attempts", "last_error", "last_tried_at", "sent_at", "updated_at",
			}),
		}).Create(&row).Error; err != nil {
			return err
		}
		if _, err := s.log.Append(recordCtx, synclog.Entry{
			BusinessId: businessId,
			EventType:  models.SyncEventPushUpdate,
			Outcome:    outcome,
			Payload:    payload,
		}); err != nil {
			return err
		}
	}
	return nil
}
