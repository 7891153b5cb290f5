package models

import "time"

// SyncLogEntry is append-only; no code path updates or deletes it.
type SyncLogEntry struct {
	ID            int           `gorm:"primary_key" json:"id"`
	BusinessId    string        `gorm:"size:64;index:idx_synclog_biz_time,priority:1;not null" json:"business_id"`
	EventType     SyncEventType `gorm:"size:40;index;not null" json:"event_type"`
	Outcome       SyncOutcome   `gorm:"size:20;not null" json:"outcome"`
	PayloadJSON   []byte        `gorm:"type:json" json:"payload"`
	CorrelationId string        `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time     `gorm:"index:idx_synclog_biz_time,priority:2;not null" json:"created_at"`
}
