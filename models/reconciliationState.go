package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationCheckpoint is the per-business high-water mark of the scheduler.
type ReconciliationCheckpoint struct {
	ID             int        `gorm:"primary_key" json:"id"`
	BusinessId     string     `gorm:"size:64;uniqueIndex;not null" json:"business_id"`
	SaleMarker     int        `gorm:"not null;default:0" json:"sale_marker"`
	MovementMarker int        `gorm:"not null;default:0" json:"movement_marker"`
	RunCount       int        `gorm:"not null;default:0" json:"run_count"`
	LastRunAt      *time.Time `json:"last_run_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ItemSnapshot is the observed inventory of one catalog item at a checkpoint.
type ItemSnapshot struct {
	ID             int       `gorm:"primary_key" json:"id"`
	BusinessId     string    `gorm:"size:64;index;not null" json:"business_id"`
	CatalogItemId  int       `gorm:"uniqueIndex;not null" json:"catalog_item_id"`
	InventoryCount int       `gorm:"not null" json:"inventory_count"`
	MovementMarker int       `gorm:"not null" json:"movement_marker"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ItemSnapshot) TableName() string {
	return "reconciliation_item_snapshots"
}

// DivergenceReview flags an item whose counter drifted beyond tolerance. Stock
// is never corrected automatically; a human closes the review.
type DivergenceReview struct {
	ID             int        `gorm:"primary_key" json:"id"`
	BusinessId     string     `gorm:"size:64;index:idx_review_biz_open,priority:1;not null" json:"business_id"`
	CatalogItemId  int        `gorm:"index;not null" json:"catalog_item_id"`
	ExpectedCount  int        `gorm:"not null" json:"expected_count"`
	ObservedCount  int        `gorm:"not null" json:"observed_count"`
	Divergence     int        `gorm:"not null" json:"divergence"`
	MovementMarker int        `gorm:"not null" json:"movement_marker"`
	IsOpen         bool       `gorm:"index:idx_review_biz_open,priority:2;not null" json:"is_open"`
	ClosedBy       string     `gorm:"size:100" json:"closed_by"`
	ClosedAt       *time.Time `json:"closed_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// PushUpdate tracks the last price/availability requested for a mapping.
type PushUpdate struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BusinessId  string          `gorm:"size:64;index;not null" json:"business_id"`
	MappingId   int             `gorm:"uniqueIndex;not null" json:"mapping_id"`
	Price       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"price"`
	Available   bool            `gorm:"not null" json:"available"`
	Status      PushStatus      `gorm:"size:20;index;not null" json:"status"`
	Attempts    int             `gorm:"not null;default:0" json:"attempts"`
	LastError   *string         `gorm:"type:text" json:"last_error"`
	LastTriedAt *time.Time      `json:"last_tried_at"`
	SentAt      *time.Time      `json:"sent_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncLease is the DB-backed lease used when redis is not the lock backend.
type SyncLease struct {
	ID        int       `gorm:"primary_key" json:"id"`
	LeaseKey  string    `gorm:"size:191;uniqueIndex;not null" json:"lease_key"`
	Holder    string    `gorm:"size:64;not null" json:"holder"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
