// Package catalog manages the staff-entered catalog: creation with an opening
// stock movement, lookup, deactivation and restocking.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/inventory"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
	"github.com/mmdatafocus/vendsync/synclog"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	log      *synclog.Log
	logger   *logrus.Logger
	validate *validator.Validate
}

func NewService(db *gorm.DB, log *synclog.Log, logger *logrus.Logger) *Service {
	return &Service{db: db, log: log, logger: logger, validate: validator.New()}
}

type NewItem struct {
	Name         string          `json:"name" validate:"required,max=255"`
	Category     string          `json:"category" validate:"max=100"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	OpeningCount int             `json:"opening_count" validate:"gte=0"`
}

func (s *Service) CreateItem(ctx context.Context, businessId string, in NewItem) (*models.CatalogItem, error) {
	const op = "catalog.CreateItem"
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validate.Struct(in); err != nil {
		return nil, syncerr.Validation(op, "%v", err)
	}
	if in.UnitPrice.IsNegative() || in.UnitCost.IsNegative() {
		return nil, syncerr.Validation(op, "price and cost must not be negative")
	}

	item := models.CatalogItem{
		BusinessId:     businessId,
		Name:           in.Name,
		Category:       strings.TrimSpace(in.Category),
		UnitPrice:      in.UnitPrice,
		UnitCost:       in.UnitCost,
		InventoryCount: in.OpeningCount,
		IsActive:       true,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		if _, err := inventory.RecordOpening(tx, &item, appctx.CorrelationId(ctx)); err != nil {
			return err
		}
		_, err := s.log.AppendTx(ctx, tx, synclog.Entry{
			BusinessId: businessId,
			EventType:  models.SyncEventCatalogItemCreated,
			Outcome:    models.OutcomeSuccess,
			Payload: map[string]interface{}{
				"catalog_item_id": item.ID,
				"name":            item.Name,
				"opening_count":   item.InventoryCount,
				"actor":           appctx.Actor(ctx),
			},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &item, nil
}

func (s *Service) Get(ctx context.Context, businessId string, id int) (*models.CatalogItem, error) {
	var item models.CatalogItem
	err := s.db.WithContext(ctx).Where("id = ? AND business_id = ?", id, businessId).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerr.NotFound("catalog.Get", "catalog item %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog.Get: %w", err)
	}
	return &item, nil
}

func (s *Service) List(ctx context.Context, businessId string, includeInactive bool) ([]models.CatalogItem, error) {
	db := s.db.WithContext(ctx).Where("business_id = ?", businessId)
	if !includeInactive {
		db = db.Where("is_active = ?", true)
	}
	var items []models.CatalogItem
	if err := db.Order("name asc").Order("id asc").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("catalog.List: %w", err)
	}
	return items, nil
}

// Deactivate hides an item from ingestion and suggestions. Rows are kept.
func (s *Service) Deactivate(ctx context.Context, businessId string, id int) error {
	res := s.db.WithContext(ctx).Model(&models.CatalogItem{}).
		Where("id = ? AND business_id = ? AND is_active = ?", id, businessId, true).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("catalog.Deactivate: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return syncerr.NotFound("catalog.Deactivate", "active catalog item %d not found", id)
	}
	s.logger.WithFields(logrus.Fields{
		"field":           "catalog",
		"business_id":     businessId,
		"catalog_item_id": id,
	}).Info("catalog item deactivated")
	return nil
}

func (s *Service) Restock(ctx context.Context, businessId string, id int, quantity int) (*models.CatalogItem, error) {
	const op = "catalog.Restock"
	if quantity <= 0 {
		return nil, syncerr.Validation(op, "quantity must be positive")
	}
	var result *inventory.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := inventory.LockItem(tx, businessId, id)
		if err != nil {
			return err
		}
		if !item.IsActive {
			return syncerr.NotFound(op, "catalog item %d is inactive", id)
		}
		result, err = inventory.Apply(tx, inventory.Change{
			BusinessId:    businessId,
			CatalogItemId: id,
			Delta:         quantity,
			Source:        models.MovementSourceRestock,
			CorrelationId: appctx.CorrelationId(ctx),
		})
		if err != nil {
			return err
		}
		_, err = s.log.AppendTx(ctx, tx, synclog.Entry{
			BusinessId: businessId,
			EventType:  models.SyncEventRestock,
			Outcome:    models.OutcomeSuccess,
			Payload: map[string]interface{}{
				"catalog_item_id": id,
				"quantity":        quantity,
				"balance_after":   result.Item.InventoryCount,
				"actor":           appctx.Actor(ctx),
			},
		})
		return err
	})
	if err != nil {
		if syncerr.KindOf(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &result.Item, nil
}

// BusinessIds lists every business with at least one active catalog item.
func (s *Service) BusinessIds(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true)).
		Model(&models.CatalogItem{}).
		Where("is_active = ?", true).
		Distinct("business_id").
		Order("business_id asc").
		Pluck("business_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("catalog.BusinessIds: %w", err)
	}
	return ids, nil
}
