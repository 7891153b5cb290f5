package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CatalogItem is a staff-defined sellable item. Rows are never deleted, only deactivated.
type CatalogItem struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"size:64;index;not null" json:"business_id"`
	Name           string          `gorm:"size:255;not null" json:"name"`
	Category       string          `gorm:"size:100" json:"category"`
	UnitPrice      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	UnitCost       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	InventoryCount int             `gorm:"not null;default:0" json:"inventory_count"`
	IsActive       bool            `gorm:"not null" json:"is_active"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Machine is a telemetry-enabled terminal. Unknown machines reported by
// telemetry are created as unregistered placeholders.
type Machine struct {
	ID           int       `gorm:"primary_key" json:"id"`
	BusinessId   string    `gorm:"size:64;uniqueIndex:uniq_machine_ext,priority:1;not null" json:"business_id"`
	ExternalId   string    `gorm:"size:128;uniqueIndex:uniq_machine_ext,priority:2;not null" json:"external_id"`
	Name         string    `gorm:"size:255" json:"name"`
	IsRegistered bool      `gorm:"not null" json:"is_registered"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// MachineItemCode is a vendor selection code on one machine.
type MachineItemCode struct {
	ID            int              `gorm:"primary_key" json:"id"`
	BusinessId    string           `gorm:"size:64;uniqueIndex:uniq_machine_code,priority:1;not null" json:"business_id"`
	MachineId     int              `gorm:"uniqueIndex:uniq_machine_code,priority:2;not null" json:"machine_id"`
	ItemCode      string           `gorm:"size:64;uniqueIndex:uniq_machine_code,priority:3;not null" json:"item_code"`
	ReportedName  string           `gorm:"size:255" json:"reported_name"`
	LastSeenPrice *decimal.Decimal `gorm:"type:decimal(20,4)" json:"last_seen_price"`
	LastSeenAt    *time.Time       `json:"last_seen_at"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`

	Machine Machine `gorm:"foreignKey:MachineId" json:"machine"`
}
