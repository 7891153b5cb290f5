// Package mappingstore is the durable correspondence between catalog items and
// machine item codes. At most one active mapping exists per code; confirmed
// mappings are never edited, only superseded.
package mappingstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
	"github.com/mmdatafocus/vendsync/synclog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db  *gorm.DB
	log *synclog.Log
	now func() time.Time
}

func New(db *gorm.DB, log *synclog.Log, now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{db: db, log: log, now: now}
}

type NewMapping struct {
	CatalogItemId     int
	MachineItemCodeId int
	Confidence        float64
	// Confirmed creates the mapping directly as confirmed; otherwise it is a suggestion.
	Confirmed bool
}

// Replacement describes the mapping that takes over from a superseded one.
// A zero MachineItemCodeId keeps the old code.
type Replacement struct {
	CatalogItemId     int
	MachineItemCodeId int
	Confidence        float64
}

func (s *Store) Get(ctx context.Context, businessId string, id int) (*models.ItemMapping, error) {
	return getMapping(s.db.WithContext(ctx), businessId, id)
}

func (s *Store) ByCatalogItem(ctx context.Context, businessId string, catalogItemId int, includeSuperseded bool) ([]models.ItemMapping, error) {
	db := s.db.WithContext(ctx).Preload("MachineItemCode.Machine").
		Where("business_id = ? AND catalog_item_id = ?", businessId, catalogItemId)
	if !includeSuperseded {
		db = db.Where("status <> ?", models.MappingStatusSuperseded)
	}
	var rows []models.ItemMapping
	if err := db.Order("id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("mappingstore.ByCatalogItem: %w", err)
	}
	return rows, nil
}

// ByCode returns the full mapping history of a code, newest first.
func (s *Store) ByCode(ctx context.Context, businessId, machineExternalId, itemCode string) ([]models.ItemMapping, error) {
	db := s.db.WithContext(ctx)
	code, err := FindCode(db, businessId, machineExternalId, itemCode)
	if err != nil {
		return nil, err
	}
	var rows []models.ItemMapping
	err = db.Preload("MachineItemCode.Machine").
		Where("business_id = ? AND machine_item_code_id = ?", businessId, code.ID).
		Order("id desc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("mappingstore.ByCode: %w", err)
	}
	return rows, nil
}

// ActiveForCode returns the active mapping of a code, or nil when the code is unmapped.
func ActiveForCode(tx *gorm.DB, businessId string, codeId int) (*models.ItemMapping, error) {
	var m models.ItemMapping
	err := tx.Where("business_id = ? AND active_code_id = ?", businessId, codeId).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mappingstore.ActiveForCode: %w", err)
	}
	return &m, nil
}

func (s *Store) CreateMapping(ctx context.Context, businessId string, in NewMapping) (*models.ItemMapping, error) {
	const op = "mappingstore.CreateMapping"
	if in.Confidence < 0 || in.Confidence > 1 {
		return nil, syncerr.Validation(op, "confidence %v outside [0,1]", in.Confidence)
	}

	var created *models.ItemMapping
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireActiveItem(tx, op, businessId, in.CatalogItemId); err != nil {
			return err
		}
		code, err := getCode(tx, businessId, in.MachineItemCodeId)
		if err != nil {
			return err
		}
		created, err = s.insertActive(ctx, tx, op, businessId, in.CatalogItemId, code, in.Confidence, in.Confirmed)
		if err != nil {
			return err
		}
		_, err = s.log.AppendTx(ctx, tx, synclog.Entry{
			BusinessId: businessId,
			EventType:  models.SyncEventMappingCreated,
			Outcome:    models.OutcomeSuccess,
			Payload:    mappingPayload(created, code),
		})
		return err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return created, nil
}

// ConfirmMapping moves a suggested mapping to confirmed. Confirmed rows are
// immutable, so confirming twice is a conflict.
func (s *Store) ConfirmMapping(ctx context.Context, businessId string, id int) (*models.ItemMapping, error) {
	const op = "mappingstore.ConfirmMapping"
	var confirmed *models.ItemMapping
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := getMapping(tx, businessId, id)
		if err != nil {
			return err
		}
		if m.Status != models.MappingStatusSuggested {
			return syncerr.Conflict(op, "mapping %d is %s", id, m.Status)
		}
		if err := requireActiveItem(tx, op, businessId, m.CatalogItemId); err != nil {
			return err
		}
		now := s.now()
		actor := appctx.Actor(ctx)
		res := tx.Model(&models.ItemMapping{}).
			Where("id = ? AND business_id = ? AND status = ?", id, businessId, models.MappingStatusSuggested).
			Updates(map[string]interface{}{
				"status":       models.MappingStatusConfirmed,
				"confirmed_by": actor,
				"confirmed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return syncerr.Conflict(op, "mapping %d changed concurrently", id)
		}
		m.Status = models.MappingStatusConfirmed
		m.ConfirmedBy = actor
		m.ConfirmedAt = &now
		confirmed = m
		_, err = s.log.AppendTx(ctx, tx, synclog.Entry{
			BusinessId: businessId,
			EventType:  models.SyncEventMappingConfirmed,
			Outcome:    models.OutcomeSuccess,
			Payload:    mappingPayload(m, &m.MachineItemCode),
		})
		return err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return confirmed, nil
}

// SupersedeMapping archives an active mapping and inserts its confirmed
// replacement in one transaction.
func (s *Store) SupersedeMapping(ctx context.Context, businessId string, id int, r Replacement) (*models.ItemMapping, error) {
	const op = "mappingstore.SupersedeMapping"
	if r.Confidence == 0 {
		r.Confidence = 1
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return nil, syncerr.Validation(op, "confidence %v outside [0,1]", r.Confidence)
	}

	var replacement *models.ItemMapping
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old, err := getMapping(tx, businessId, id)
		if err != nil {
			return err
		}
		if old.Status == models.MappingStatusSuperseded {
			return syncerr.Conflict(op, "mapping %d is already superseded", id)
		}
		if err := requireActiveItem(tx, op, businessId, r.CatalogItemId); err != nil {
			return err
		}
		codeId := r.MachineItemCodeId
		if codeId == 0 {
			codeId = old.MachineItemCodeId
		}
		code, err := getCode(tx, businessId, codeId)
		if err != nil {
			return err
		}

		now := s.now()
		res := tx.Model(&models.ItemMapping{}).
			Where("id = ? AND business_id = ? AND status <> ?", id, businessId, models.MappingStatusSuperseded).
			Updates(map[string]interface{}{
				"status":         models.MappingStatusSuperseded,
				"active_code_id": nil,
				"superseded_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return syncerr.Conflict(op, "mapping %d changed concurrently", id)
		}

		replacement, err = s.insertActive(ctx, tx, op, businessId, r.CatalogItemId, code, r.Confidence, true)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.ItemMapping{}).Where("id = ?", id).
			Update("superseded_by_id", replacement.ID).Error; err != nil {
			return err
		}
		_, err = s.log.AppendTx(ctx, tx, synclog.Entry{
			BusinessId: businessId,
			EventType:  models.SyncEventMappingSuperseded,
			Outcome:    models.OutcomeSuccess,
			Payload: map[string]interface{}{
				"superseded_mapping_id": id,
				"previous":              mappingPayload(old, &old.MachineItemCode),
				"replacement":           mappingPayload(replacement, code),
			},
		})
		return err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return replacement, nil
}

// ListUnmappedCatalogItems returns active catalog items with no active mapping.
func (s *Store) ListUnmappedCatalogItems(ctx context.Context, businessId string) ([]models.CatalogItem, error) {
	var items []models.CatalogItem
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND is_active = ?", businessId, true).
		Where("NOT EXISTS (SELECT 1 FROM item_mappings m WHERE m.catalog_item_id = catalog_items.id AND m.business_id = catalog_items.business_id AND m.status <> ?)", models.MappingStatusSuperseded).
		Order("name asc").Order("id asc").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("mappingstore.ListUnmappedCatalogItems: %w", err)
	}
	return items, nil
}

// ListUnmappedCodes returns codes with no active mapping, machine preloaded.
func (s *Store) ListUnmappedCodes(ctx context.Context, businessId string) ([]models.MachineItemCode, error) {
	var codes []models.MachineItemCode
	err := s.db.WithContext(ctx).Joins("Machine").
		Where("machine_item_codes.business_id = ?", businessId).
		Where("NOT EXISTS (SELECT 1 FROM item_mappings m WHERE m.active_code_id = machine_item_codes.id)").
		Order("machine_item_codes.id asc").
		Find(&codes).Error
	if err != nil {
		return nil, fmt.Errorf("mappingstore.ListUnmappedCodes: %w", err)
	}
	return codes, nil
}

// ListConfirmed returns every confirmed mapping with code and machine preloaded.
func (s *Store) ListConfirmed(ctx context.Context, businessId string) ([]models.ItemMapping, error) {
	return ListConfirmed(s.db.WithContext(ctx), businessId)
}

func ListConfirmed(tx *gorm.DB, businessId string) ([]models.ItemMapping, error) {
	var rows []models.ItemMapping
	err := tx.Preload("MachineItemCode.Machine").
		Where("business_id = ? AND status = ?", businessId, models.MappingStatusConfirmed).
		Order("catalog_item_id asc").Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("mappingstore.ListConfirmed: %w", err)
	}
	return rows, nil
}

// ListActive returns suggested and confirmed mappings.
func (s *Store) ListActive(ctx context.Context, businessId string) ([]models.ItemMapping, error) {
	var rows []models.ItemMapping
	err := s.db.WithContext(ctx).Preload("MachineItemCode.Machine").
		Where("business_id = ? AND status <> ?", businessId, models.MappingStatusSuperseded).
		Order("id asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("mappingstore.ListActive: %w", err)
	}
	return rows, nil
}

func (s *Store) RegisterMachine(ctx context.Context, businessId, externalId, name string) (*models.Machine, error) {
	var machine *models.Machine
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		machine, err = RegisterMachine(tx, businessId, externalId, name)
		return err
	})
	return machine, err
}

func (s *Store) insertActive(ctx context.Context, tx *gorm.DB, op, businessId string, catalogItemId int, code *models.MachineItemCode, confidence float64, confirmed bool) (*models.ItemMapping, error) {
	existing, err := ActiveForCode(tx, businessId, code.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, syncerr.Conflict(op, "code %s on machine %s already has active mapping %d",
			code.ItemCode, code.Machine.ExternalId, existing.ID)
	}

	codeId := code.ID
	m := models.ItemMapping{
		BusinessId:        businessId,
		CatalogItemId:     catalogItemId,
		MachineItemCodeId: code.ID,
		ActiveCodeId:      &codeId,
		Confidence:        confidence,
		Status:            models.MappingStatusSuggested,
		CreatedBy:         appctx.Actor(ctx),
		CreatedAt:         s.now(),
	}
	if confirmed {
		now := s.now()
		m.Status = models.MappingStatusConfirmed
		m.ConfirmedBy = m.CreatedBy
		m.ConfirmedAt = &now
	}
	if err := tx.Omit(clause.Associations).Create(&m).Error; err != nil {
		if models.IsDuplicateKeyErr(err) {
			return nil, syncerr.Conflict(op, "code %s on machine %s already has an active mapping",
				code.ItemCode, code.Machine.ExternalId)
		}
		return nil, err
	}
	m.MachineItemCode = *code
	return &m, nil
}

func getMapping(tx *gorm.DB, businessId string, id int) (*models.ItemMapping, error) {
	var m models.ItemMapping
	err := tx.Preload("MachineItemCode.Machine").
		Where("business_id = ? AND id = ?", businessId, id).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerr.NotFound("mappingstore.Get", "mapping %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("mappingstore.Get: %w", err)
	}
	return &m, nil
}

func requireActiveItem(tx *gorm.DB, op, businessId string, catalogItemId int) error {
	var n int64
	err := tx.Model(&models.CatalogItem{}).
		Where("id = ? AND business_id = ? AND is_active = ?", catalogItemId, businessId, true).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n == 0 {
		return syncerr.NotFound(op, "active catalog item %d not found", catalogItemId)
	}
	return nil
}

func mappingPayload(m *models.ItemMapping, code *models.MachineItemCode) map[string]interface{} {
	return map[string]interface{}{
		"mapping_id":      m.ID,
		"catalog_item_id": m.CatalogItemId,
		"machine_id":      code.Machine.ExternalId,
		"item_code":       code.ItemCode,
		"confidence":      m.Confidence,
		"status":          m.Status,
		"created_by":      m.CreatedBy,
		"confirmed_by":    m.ConfirmedBy,
	}
}

func wrap(op string, err error) error {
	if syncerr.KindOf(err) != "" {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
