// Package synclog is the append-only audit of every ingestion, mapping and
// reconciliation action. It has no update or delete operation.
package synclog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
	"gorm.io/gorm"
)

type Log struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB, now func() time.Time) *Log {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Log{db: db, now: now}
}

// Entry is what callers hand to Append; Payload is snapshotted as JSON.
type Entry struct {
	BusinessId string
	EventType  models.SyncEventType
	Outcome    models.SyncOutcome
	Payload    any
}

func (l *Log) Append(ctx context.Context, e Entry) (*models.SyncLogEntry, error) {
	return l.AppendTx(ctx, l.db.WithContext(ctx), e)
}

// AppendTx writes inside the caller's transaction so the entry commits or rolls
// back with the change it describes.
func (l *Log) AppendTx(ctx context.Context, tx *gorm.DB, e Entry) (*models.SyncLogEntry, error) {
	if e.BusinessId == "" || e.EventType == "" || e.Outcome == "" {
		return nil, syncerr.Validation("synclog.Append", "business id, event type and outcome are required")
	}
	payload, err := snapshot(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("synclog.Append: encode payload: %w", err)
	}
	row := models.SyncLogEntry{
		BusinessId:    e.BusinessId,
		EventType:     e.EventType,
		Outcome:       e.Outcome,
		PayloadJSON:   payload,
		CorrelationId: appctx.CorrelationId(ctx),
		CreatedAt:     l.now(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("synclog.Append: %w", err)
	}
	return &row, nil
}

func snapshot(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if json.Valid(p) {
			return p, nil
		}
		return json.Marshal(map[string]string{"raw": string(p)})
	case []byte:
		if json.Valid(p) {
			return p, nil
		}
		return json.Marshal(map[string]string{"raw": string(p)})
	default:
		return json.Marshal(p)
	}
}

// Query selects entries of one business. From is inclusive, To exclusive.
type Query struct {
	BusinessId string
	EventTypes []models.SyncEventType
	Outcome    models.SyncOutcome
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

const maxListLimit = 500

// List returns matching entries newest first.
func (l *Log) List(ctx context.Context, q Query) ([]models.SyncLogEntry, error) {
	if q.BusinessId == "" {
		return nil, syncerr.Validation("synclog.List", "business id is required")
	}
	if q.From != nil && q.To != nil && !q.From.Before(*q.To) {
		return nil, syncerr.Validation("synclog.List", "from must be before to")
	}
	limit := q.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	db := l.db.WithContext(ctx).Where("business_id = ?", q.BusinessId)
	if len(q.EventTypes) > 0 {
		db = db.Where("event_type IN ?", q.EventTypes)
	}
	if q.Outcome != "" {
		db = db.Where("outcome = ?", q.Outcome)
	}
	if q.From != nil {
		db = db.Where("created_at >= ?", q.From.UTC())
	}
	if q.To != nil {
		db = db.Where("created_at < ?", q.To.UTC())
	}

	var rows []models.SyncLogEntry
	if err := db.Order("created_at desc").Order("id desc").Limit(limit).Offset(q.Offset).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("synclog.List: %w", err)
	}
	return rows, nil
}

func (l *Log) Recent(ctx context.Context, businessId string, limit int) ([]models.SyncLogEntry, error) {
	return l.List(ctx, Query{BusinessId: businessId, Limit: limit})
}

// Count returns the number of entries of one type, used by health and tests.
func (l *Log) Count(ctx context.Context, businessId string, eventType models.SyncEventType) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.SyncLogEntry{}).
		Where("business_id = ? AND event_type = ?", businessId, eventType).
		Count(&n).Error
	return n, err
}

// Decode unmarshals an entry payload into out.
func Decode(entry models.SyncLogEntry, out any) error {
	if len(entry.PayloadJSON) == 0 {
		return nil
	}
	return json.Unmarshal(entry.PayloadJSON, out)
}
