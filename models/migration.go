package models

import "gorm.io/gorm"

// SyncTables lists every table owned by the sync engine, in creation order.
func SyncTables() []interface{} {
	return []interface{}{
		&CatalogItem{}, &Machine{}, &MachineItemCode{}, &ItemMapping{},
		&SaleEvent{}, &InventoryMovement{}, &SyncLogEntry{},
		&ReconciliationCheckpoint{}, &ItemSnapshot{}, &DivergenceReview{},
		&PushUpdate{}, &SyncLease{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(SyncTables()...)
}
