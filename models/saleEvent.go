package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleEvent is one sale from either source. After insert only the
// unresolved -> resolved transition is ever written.
type SaleEvent struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"size:64;index:idx_sale_biz_status,priority:1;uniqueIndex:uniq_sale_ext_txn,priority:1;not null" json:"business_id"`
	Source            SaleSource      `gorm:"size:20;not null" json:"source"`
	Status            SaleStatus      `gorm:"size:20;index:idx_sale_biz_status,priority:2;not null" json:"status"`
	MappingId         *int            `gorm:"index" json:"mapping_id"`
	CatalogItemId     *int            `gorm:"index" json:"catalog_item_id"`
	MachineItemCodeId *int            `gorm:"index" json:"machine_item_code_id"`
	RawMachineId      string          `gorm:"size:128" json:"raw_machine_id"`
	RawItemCode       string          `gorm:"size:64" json:"raw_item_code"`
	Quantity          int             `gorm:"not null" json:"quantity"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	ExternalTxnId     *string         `gorm:"size:128;uniqueIndex:uniq_sale_ext_txn,priority:2" json:"external_txn_id"`
	OccurredAt        time.Time       `gorm:"index;not null" json:"occurred_at"`
	ResolvedAt        *time.Time      `json:"resolved_at"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// InventoryMovement records one change of CatalogItem.InventoryCount.
// AppliedDelta differs from RequestedDelta when a sale was floored at zero.
type InventoryMovement struct {
	ID             int            `gorm:"primary_key" json:"id"`
	BusinessId     string         `gorm:"size:64;index:idx_movement_biz_item,priority:1;not null" json:"business_id"`
	CatalogItemId  int            `gorm:"index:idx_movement_biz_item,priority:2;not null" json:"catalog_item_id"`
	SaleEventId    *int           `gorm:"index" json:"sale_event_id"`
	Source         MovementSource `gorm:"size:20;not null" json:"source"`
	RequestedDelta int            `gorm:"not null" json:"requested_delta"`
	AppliedDelta   int            `gorm:"not null" json:"applied_delta"`
	BalanceAfter   int            `gorm:"not null" json:"balance_after"`
	CorrelationId  string         `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
}
