// Package health aggregates the mapping store and the sync log into a
// read-only status report per business.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/synclog"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ItemStatus string

const (
	StatusSynced   ItemStatus = "synced"
	StatusPartial  ItemStatus = "partial"
	StatusUnsynced ItemStatus = "unsynced"
)

type Label string

const (
	LabelHealthy  Label = "healthy"
	LabelDegraded Label = "degraded"
	LabelCritical Label = "critical"
)

type ItemHealth struct {
	CatalogItemId     int        `json:"catalog_item_id"`
	Name              string     `json:"name"`
	InventoryCount    int        `json:"inventory_count"`
	ConfirmedMappings int        `json:"confirmed_mappings"`
	SuggestedMappings int        `json:"suggested_mappings"`
	OpenReview        bool       `json:"open_review"`
	Status            ItemStatus `json:"status"`
}

type LogLine struct {
	ID            int                  `json:"id"`
	EventType     models.SyncEventType `json:"event_type"`
	Outcome       models.SyncOutcome   `json:"outcome"`
	CorrelationId string               `json:"correlation_id,omitempty"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

type Report struct {
	BusinessId       string       `json:"business_id"`
	GeneratedAt      time.Time    `json:"generated_at"`
	Label            Label        `json:"label"`
	SyncedRatio      float64      `json:"synced_ratio"`
	TotalItems       int          `json:"total_items"`
	Synced           int          `json:"synced"`
	Partial          int          `json:"partial"`
	Unsynced         int          `json:"unsynced"`
	UnmappedCodes    int64        `json:"unmapped_codes"`
	UnresolvedEvents int64        `json:"unresolved_events"`
	OpenReviews      int64        `json:"open_reviews"`
	LastReconciledAt *time.Time   `json:"last_reconciled_at"`
	Items            []ItemHealth `json:"items"`
	Recent           []LogLine    `json:"recent"`
}

// Reporter never writes to the database. With a redis client and a positive
// HealthCacheTTL, reports are served from cache until they expire.
type Reporter struct {
	db       *gorm.DB
	log      *synclog.Log
	logger   *logrus.Logger
	settings config.SyncSettings
	cache    *redis.Client
	now      func() time.Time
}

func NewReporter(db *gorm.DB, log *synclog.Log, logger *logrus.Logger, settings config.SyncSettings, cache *redis.Client, now func() time.Time) *Reporter {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reporter{db: db, log: log, logger: logger, settings: settings, cache: cache, now: now}
}

func cacheKey(businessId string) string {
	return "vendsync:health:" + businessId
}

func (r *Reporter) Report(ctx context.Context, businessId string) (*Report, error) {
	if r.cacheEnabled() {
		var cached Report
		ok, err := config.GetRedisObject(ctx, r.cache, cacheKey(businessId), &cached)
		if err != nil {
			config.LogError(r.logger, "health", "Report", "read cache", businessId, err)
		} else if ok {
			return &cached, nil
		}
	}

	report, err := r.build(ctx, businessId)
	if err != nil {
		return nil, fmt.Errorf("health.Report: %w", err)
	}

	if r.cacheEnabled() {
		if err := config.SetRedisObject(ctx, r.cache, cacheKey(businessId), report, r.settings.HealthCacheTTL); err != nil {
			config.LogError(r.logger, "health", "Report", "write cache", businessId, err)
		}
	}
	return report, nil
}

// Invalidate drops the cached report so the next call rebuilds it.
func (r *Reporter) Invalidate(ctx context.Context, businessId string) error {
	if !r.cacheEnabled() {
		return nil
	}
	return config.RemoveRedisKey(ctx, r.cache, cacheKey(businessId))
}

func (r *Reporter) cacheEnabled() bool {
	return r.cache != nil && r.settings.HealthCacheTTL > 0
}

type mappingCount struct {
	CatalogItemId int
	Status        models.MappingStatus
	Total         int
}

func (r *Reporter) build(ctx context.Context, businessId string) (*Report, error) {
	db := r.db.WithContext(ctx)
	report := &Report{BusinessId: businessId, GeneratedAt: r.now(), Items: []ItemHealth{}}

	var items []models.CatalogItem
	if err := db.Where("business_id = ? AND is_active = ?", businessId, true).
		Order("name asc").Order("id asc").Find(&items).Error; err != nil {
		return nil, err
	}

	var counts []mappingCount
	if err := db.Model(&models.ItemMapping{}).
		Select("catalog_item_id, status, COUNT(*) AS total").
		Where("business_id = ? AND status <> ?", businessId, models.MappingStatusSuperseded).
		Group("catalog_item_id, status").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	confirmed := map[int]int{}
	suggested := map[int]int{}
	for _, c := range counts {
		switch c.Status {
		case models.MappingStatusConfirmed:
			confirmed[c.CatalogItemId] = c.Total
		case models.MappingStatusSuggested:
			suggested[c.CatalogItemId] = c.Total
		}
	}

	var reviewed []int
	if err := db.Model(&models.DivergenceReview{}).
		Where("business_id = ? AND is_open = ?", businessId, true).
		Distinct("catalog_item_id").
		Pluck("catalog_item_id", &reviewed).Error; err != nil {
		return nil, err
	}
	openReview := map[int]bool{}
	for _, id := range reviewed {
		openReview[id] = true
	}

	for _, item := range items {
		h := ItemHealth{
			CatalogItemId:     item.ID,
			Name:              item.Name,
			InventoryCount:    item.InventoryCount,
			ConfirmedMappings: confirmed[item.ID],
			SuggestedMappings: suggested[item.ID],
			OpenReview:        openReview[item.ID],
		}
		h.Status = classify(h)
		switch h.Status {
		case StatusSynced:
			report.Synced++
		case StatusPartial:
			report.Partial++
		default:
			report.Unsynced++
		}
		report.Items = append(report.Items, h)
	}
	report.TotalItems = len(items)
	report.SyncedRatio, report.Label = r.label(report.Synced, report.TotalItems)

	if err := db.Model(&models.MachineItemCode{}).
		Where("business_id = ?", businessId).
		Where("NOT EXISTS (SELECT 1 FROM item_mappings m WHERE m.active_code_id = machine_item_codes.id)").
		Count(&report.UnmappedCodes).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.SaleEvent{}).
		Where("business_id = ? AND status = ?", businessId, models.SaleStatusUnresolved).
		Count(&report.UnresolvedEvents).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.DivergenceReview{}).
		Where("business_id = ? AND is_open = ?", businessId, true).
		Count(&report.OpenReviews).Error; err != nil {
		return nil, err
	}

	var cp models.ReconciliationCheckpoint
	if err := db.Where("business_id = ?", businessId).Limit(1).Find(&cp).Error; err != nil {
		return nil, err
	}
	if cp.ID != 0 {
		report.LastReconciledAt = cp.LastRunAt
	}

	entries, err := r.log.Recent(ctx, businessId, r.settings.RecentLogLimit)
	if err != nil {
		return nil, err
	}
	report.Recent = LogLines(entries)
	return report, nil
}

// LogLines renders log entries with their payload as inline JSON.
func LogLines(entries []models.SyncLogEntry) []LogLine {
	lines := make([]LogLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, LogLine{
			ID:            e.ID,
			EventType:     e.EventType,
			Outcome:       e.Outcome,
			CorrelationId: e.CorrelationId,
			Payload:       json.RawMessage(e.PayloadJSON),
			CreatedAt:     e.CreatedAt,
		})
	}
	return lines
}

// classify: an open review or a suggestion-only link is partial, no active
// link at all is unsynced.
func classify(h ItemHealth) ItemStatus {
	switch {
	case h.ConfirmedMappings == 0 && h.SuggestedMappings == 0:
		return StatusUnsynced
	case h.ConfirmedMappings > 0 && !h.OpenReview:
		return StatusSynced
	default:
		return StatusPartial
	}
}

// label treats an empty catalog as healthy.
func (r *Reporter) label(synced, total int) (float64, Label) {
	if total == 0 {
		return 1, LabelHealthy
	}
	ratio := float64(synced) / float64(total)
	switch {
	case ratio >= r.settings.HealthyRatio:
		return ratio, LabelHealthy
	case ratio >= r.settings.DegradedRatio:
		return ratio, LabelDegraded
	default:
		return ratio, LabelCritical
	}
}
