package inventory

import (
	"github.com/mmdatafocus/vendsync/models"
	"gorm.io/gorm"
)

// LatestMovementId returns the highest movement id of the business, 0 if none.
func LatestMovementId(tx *gorm.DB, businessId string) (int, error) {
	var max int
	err := tx.Model(&models.InventoryMovement{}).
		Where("business_id = ?", businessId).
		Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	return max, err
}

// CountBetween counts movements of the business with id in (from, to].
func CountBetween(tx *gorm.DB, businessId string, from, to int) (int64, error) {
	var n int64
	err := tx.Model(&models.InventoryMovement{}).
		Where("business_id = ? AND id > ? AND id <= ?", businessId, from, to).
		Count(&n).Error
	return n, err
}

// WindowTotals aggregates one item's movements with id in (from, to].
type WindowTotals struct {
	Requested     int
	Applied       int
	ManualSold    int
	TelemetrySold int
	Restocked     int
	Movements     int
}

func Window(tx *gorm.DB, businessId string, catalogItemId, from, to int) (WindowTotals, error) {
	var rows []models.InventoryMovement
	err := tx.Where("business_id = ? AND catalog_item_id = ? AND id > ? AND id <= ?", businessId, catalogItemId, from, to).
		Order("id asc").Find(&rows).Error
	if err != nil {
		return WindowTotals{}, err
	}
	var w WindowTotals
	for _, m := range rows {
		w.Movements++
		w.Requested += m.RequestedDelta
		w.Applied += m.AppliedDelta
		switch m.Source {
		case models.MovementSourceManualSale:
			w.ManualSold -= m.RequestedDelta
		case models.MovementSourceTelemetrySale, models.MovementSourceBackfill:
			w.TelemetrySold -= m.RequestedDelta
		case models.MovementSourceRestock:
			w.Restocked += m.RequestedDelta
		}
	}
	return w, nil
}

// AppliedAfter sums applied deltas of one item with id > marker. Subtracting it
// from the live counter gives the counter as of the marker.
func AppliedAfter(tx *gorm.DB, businessId string, catalogItemId, marker int) (int, error) {
	var sum int
	err := tx.Model(&models.InventoryMovement{}).
		Where("business_id = ? AND catalog_item_id = ? AND id > ?", businessId, catalogItemId, marker).
		Select("COALESCE(SUM(applied_delta), 0)").Scan(&sum).Error
	return sum, err
}
