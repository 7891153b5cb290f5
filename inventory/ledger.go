// Package inventory owns every write to CatalogItem.InventoryCount. Each change
// locks the item row, applies a compare-and-swap on the previous count and
// records an InventoryMovement in the same transaction.
package inventory

import (
	"errors"
	"fmt"

	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
	"gorm.io/gorm"
)

type Change struct {
	BusinessId    string
	CatalogItemId int
	Delta         int
	Source        models.MovementSource
	SaleEventId   *int
	CorrelationId string
}

type Result struct {
	Item     models.CatalogItem
	Movement models.InventoryMovement
	// Oversold is the part of a debit that could not be applied because the
	// count would have gone below zero.
	Oversold int
}

// Apply must run inside a transaction.
func Apply(tx *gorm.DB, ch Change) (*Result, error) {
	const op = "inventory.Apply"
	if ch.Delta == 0 {
		return nil, syncerr.Validation(op, "delta must not be zero")
	}

	item, err := LockItem(tx, ch.BusinessId, ch.CatalogItemId)
	if err != nil {
		return nil, err
	}

	previous := item.InventoryCount
	next := previous + ch.Delta
	oversold := 0
	if next < 0 {
		oversold = -next
		next = 0
	}

	res := tx.Model(&models.CatalogItem{}).
		Where("id = ? AND business_id = ? AND inventory_count = ?", item.ID, ch.BusinessId, previous).
		Update("inventory_count", next)
	if res.Error != nil {
		if models.IsLockContentionErr(res.Error) {
			return nil, syncerr.Concurrency(op, res.Error)
		}
		return nil, fmt.Errorf("%s: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, syncerr.Concurrency(op, fmt.Errorf("catalog item %d changed concurrently", item.ID))
	}
	item.InventoryCount = next

	movement := models.InventoryMovement{
		BusinessId:     ch.BusinessId,
		CatalogItemId:  item.ID,
		SaleEventId:    ch.SaleEventId,
		Source:         ch.Source,
		RequestedDelta: ch.Delta,
		AppliedDelta:   next - previous,
		BalanceAfter:   next,
		CorrelationId:  ch.CorrelationId,
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, fmt.Errorf("%s: record movement: %w", op, err)
	}
	return &Result{Item: *item, Movement: movement, Oversold: oversold}, nil
}

// LockItem loads an item of the business with a row lock. Missing items are
// NotFound.
func LockItem(tx *gorm.DB, businessId string, catalogItemId int) (*models.CatalogItem, error) {
	var item models.CatalogItem
	err := models.ForUpdate(tx).
		Where("id = ? AND business_id = ?", catalogItemId, businessId).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerr.NotFound("inventory.LockItem", "catalog item %d not found", catalogItemId)
	}
	if err != nil {
		if models.IsLockContentionErr(err) {
			return nil, syncerr.Concurrency("inventory.LockItem", err)
		}
		return nil, fmt.Errorf("inventory.LockItem: %w", err)
	}
	return &item, nil
}

// RecordOpening writes the opening movement of a freshly created item so the
// ledger accounts for its starting count.
func RecordOpening(tx *gorm.DB, item *models.CatalogItem, correlationId string) (*models.InventoryMovement, error) {
	movement := models.InventoryMovement{
		BusinessId:     item.BusinessId,
		CatalogItemId:  item.ID,
		Source:         models.MovementSourceOpening,
		RequestedDelta: item.InventoryCount,
		AppliedDelta:   item.InventoryCount,
		BalanceAfter:   item.InventoryCount,
		CorrelationId:  correlationId,
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, fmt.Errorf("inventory.RecordOpening: %w", err)
	}
	return &movement, nil
}
