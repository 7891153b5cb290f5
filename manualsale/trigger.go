// Package manualsale records staff-entered sales synchronously. Each call is
// one sale; callers own deduplication of retries.
package manualsale

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/inventory"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
	"github.com/mmdatafocus/vendsync/synclog"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Trigger struct {
	db     *gorm.DB
	log    *synclog.Log
	logger *logrus.Logger
	now    func() time.Time
}

func NewTrigger(db *gorm.DB, log *synclog.Log, logger *logrus.Logger, now func() time.Time) *Trigger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Trigger{db: db, log: log, logger: logger, now: now}
}

type Receipt struct {
	SaleEvent models.SaleEvent `json:"sale_event"`
	Inventory int              `json:"inventory_count"`
	Oversold  int              `json:"oversold"`
}

func (t *Trigger) RecordManualSale(ctx context.Context, businessId string, catalogItemId, quantity int, unitPrice decimal.Decimal) (*Receipt, error) {
	const op = "manualsale.RecordManualSale"
	request := map[string]interface{}{
		"catalog_item_id": catalogItemId,
		"quantity":        quantity,
		"unit_price":      unitPrice.String(),
		"actor":           appctx.Actor(ctx),
	}
	if quantity <= 0 {
		return nil, t.reject(ctx, businessId, request, syncerr.Validation(op, "quantity must be positive, got %d", quantity))
	}
	if unitPrice.IsNegative() {
		return nil, t.reject(ctx, businessId, request, syncerr.Validation(op, "unit price must not be negative"))
	}

	var receipt Receipt
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := inventory.LockItem(tx, businessId, catalogItemId)
		if err != nil {
			return err
		}
		if !item.IsActive {
			return syncerr.NotFound(op, "catalog item %d is inactive", catalogItemId)
		}

		now := t.now()
		itemId := item.ID
		sale := models.SaleEvent{
			BusinessId:    businessId,
			Source:        models.SaleSourceManual,
			Status:        models.SaleStatusResolved,
			CatalogItemId: &itemId,
			Quantity:      quantity,
			Amount:        unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
			OccurredAt:    now,
			ResolvedAt:    &now,
		}
		if err := tx.Create(&sale).Error; err != nil {
			return err
		}

		saleId := sale.ID
		applied, err := inventory.Apply(tx, inventory.Change{
			BusinessId:    businessId,
			CatalogItemId: item.ID,
			Delta:         -quantity,
			Source:        models.MovementSourceManualSale,
			SaleEventId:   &saleId,
			CorrelationId: appctx.CorrelationId(ctx),
		})
		if err != nil {
			return err
		}
		if applied.Oversold > 0 {
			t.logger.WithFields(logrus.Fields{
				"field":           "manualsale",
				"business_id":     businessId,
				"catalog_item_id": item.ID,
				"quantity":        quantity,
				"oversold":        applied.Oversold,
			}).Warn("manual sale exceeds inventory, count floored at zero")
		}

		_, err = t.log.AppendTx(ctx, tx, synclog.Entry{
			BusinessId: businessId,
			EventType:  models.SyncEventManualSale,
			Outcome:    models.OutcomeSuccess,
			Payload: map[string]interface{}{
				"sale_event_id":   sale.ID,
				"catalog_item_id": item.ID,
				"quantity":        quantity,
				"unit_price":      unitPrice.String(),
				"amount":          sale.Amount.String(),
				"balance_after":   applied.Item.InventoryCount,
				"oversold":        applied.Oversold,
				"actor":           appctx.Actor(ctx),
			},
		})
		if err != nil {
			return err
		}
		receipt = Receipt{SaleEvent: sale, Inventory: applied.Item.InventoryCount, Oversold: applied.Oversold}
		return nil
	})
	if err != nil {
		if syncerr.KindOf(err) == "" {
			config.LogError(t.logger, "manualsale", "RecordManualSale", "record sale", request, err)
			err = fmt.Errorf("%s: %w", op, err)
		}
		return nil, t.reject(ctx, businessId, request, err)
	}
	return &receipt, nil
}

// reject logs a sale that did not commit so every call leaves an audit entry.
func (t *Trigger) reject(ctx context.Context, businessId string, request map[string]interface{}, cause error) error {
	outcome := models.OutcomeFailed
	switch syncerr.KindOf(cause) {
	case syncerr.KindValidation, syncerr.KindNotFound:
		outcome = models.OutcomeRejected
	}
	request["error"] = cause.Error()
	if _, err := t.log.Append(context.WithoutCancel(ctx), synclog.Entry{
		BusinessId: businessId,
		EventType:  models.SyncEventManualSale,
		Outcome:    outcome,
		Payload:    request,
	}); err != nil {
		config.LogError(t.logger, "manualsale", "reject", "append sync log", request, err)
	}
	return cause
}
