package reconcile

import (
	"github.com/mmdatafocus/vendsync/models"
	"gorm.io/gorm"
)

// loadCheckpoint returns the business checkpoint, zero-valued before the first run.
func loadCheckpoint(tx *gorm.DB, businessId string) (models.ReconciliationCheckpoint, error) {
	var cp models.ReconciliationCheckpoint
	err := tx.Where("business_id = ?", businessId).Limit(1).Find(&cp).Error
	return cp, err
}

func latestSaleId(tx *gorm.DB, businessId string) (int, error) {
	var id int
	err := tx.Model(&models.SaleEvent{}).
		Where("business_id = ?", businessId).
		Select("COALESCE(MAX(id), 0)").Scan(&id).Error
	return id, err
}

func confirmedItemIds(tx *gorm.DB, businessId string) ([]int, error) {
	var ids []int
	err := tx.Model(&models.ItemMapping{}).
		Where("business_id = ? AND status = ?", businessId, models.MappingStatusConfirmed).
		Distinct("catalog_item_id").
		Order("catalog_item_id asc").
		Pluck("catalog_item_id", &ids).Error
	return ids, err
}
