package models

import "time"

// ItemMapping links a catalog item to a machine item code.
//
// ActiveCodeId carries MachineItemCodeId while the mapping is active and is
// NULL once superseded; its unique index is what keeps a code to one active mapping.
type ItemMapping struct {
	ID                int           `gorm:"primary_key" json:"id"`
	BusinessId        string        `gorm:"size:64;index:idx_mapping_biz_item,priority:1;not null" json:"business_id"`
	CatalogItemId     int           `gorm:"index:idx_mapping_biz_item,priority:2;not null" json:"catalog_item_id"`
	MachineItemCodeId int           `gorm:"index;not null" json:"machine_item_code_id"`
	ActiveCodeId      *int          `gorm:"uniqueIndex" json:"-"`
	Confidence        float64       `gorm:"not null;default:0" json:"confidence"`
	Status            MappingStatus `gorm:"size:20;index;not null" json:"status"`
	CreatedBy         string        `gorm:"size:100" json:"created_by"`
	ConfirmedBy       string        `gorm:"size:100" json:"confirmed_by"`
	ConfirmedAt       *time.Time    `json:"confirmed_at"`
	SupersededAt      *time.Time    `json:"superseded_at"`
	SupersededById    *int          `json:"superseded_by_id"`
	CreatedAt         time.Time     `gorm:"autoCreateTime" json:"created_at"`

	MachineItemCode MachineItemCode `gorm:"foreignKey:MachineItemCodeId" json:"machine_item_code"`
}

func (m ItemMapping) IsActive() bool {
	return m.Status != MappingStatusSuperseded
}
