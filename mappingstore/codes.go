package mappingstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sighting is what a telemetry event tells us about a machine item code.
type Sighting struct {
	BusinessId        string
	MachineExternalId string
	ItemCode          string
	ReportedName      string
	Price             *decimal.Decimal
	SeenAt            time.Time
}

// EnsureCode resolves or creates the machine and the code of a sighting and
// refreshes the code's reported name and last-seen price. Unknown machines are
// created unregistered.
func EnsureCode(tx *gorm.DB, s Sighting) (*models.MachineItemCode, bool, error) {
	machine, err := ensureMachine(tx, s.BusinessId, s.MachineExternalId)
	if err != nil {
		return nil, false, err
	}

	code := models.MachineItemCode{
		BusinessId:   s.BusinessId,
		MachineId:    machine.ID,
		ItemCode:     s.ItemCode,
		ReportedName: strings.TrimSpace(s.ReportedName),
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&code)
	if res.Error != nil {
		return nil, false, fmt.Errorf("mappingstore.EnsureCode: %w", res.Error)
	}
	created := res.RowsAffected == 1

	code = models.MachineItemCode{}
	if err := tx.Where("business_id = ? AND machine_id = ? AND item_code = ?", s.BusinessId, machine.ID, s.ItemCode).
		First(&code).Error; err != nil {
		return nil, false, fmt.Errorf("mappingstore.EnsureCode: reload: %w", err)
	}

	updates := map[string]interface{}{"last_seen_at": s.SeenAt}
	if name := strings.TrimSpace(s.ReportedName); name != "" && name != code.ReportedName {
		updates["reported_name"] = name
	}
	if s.Price != nil {
		updates["last_seen_price"] = *s.Price
	}
	if err := tx.Model(&models.MachineItemCode{}).Where("id = ?", code.ID).Updates(updates).Error; err != nil {
		return nil, false, fmt.Errorf("mappingstore.EnsureCode: refresh: %w", err)
	}
	if name, ok := updates["reported_name"].(string); ok {
		code.ReportedName = name
	}
	if s.Price != nil {
		p := *s.Price
		code.LastSeenPrice = &p
	}
	seen := s.SeenAt
	code.LastSeenAt = &seen
	code.Machine = *machine
	return &code, created, nil
}

func ensureMachine(tx *gorm.DB, businessId, externalId string) (*models.Machine, error) {
	placeholder := models.Machine{BusinessId: businessId, ExternalId: externalId, Name: externalId}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&placeholder).Error; err != nil {
		return nil, fmt.Errorf("mappingstore.ensureMachine: %w", err)
	}
	var machine models.Machine
	if err := tx.Where("business_id = ? AND external_id = ?", businessId, externalId).First(&machine).Error; err != nil {
		return nil, fmt.Errorf("mappingstore.ensureMachine: reload: %w", err)
	}
	return &machine, nil
}

// RegisterMachine marks a machine as registered, creating it when unknown.
func RegisterMachine(tx *gorm.DB, businessId, externalId, name string) (*models.Machine, error) {
	machine, err := ensureMachine(tx, businessId, externalId)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{"is_registered": true}
	if name = strings.TrimSpace(name); name != "" {
		updates["name"] = name
		machine.Name = name
	}
	if err := tx.Model(&models.Machine{}).Where("id = ?", machine.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("mappingstore.RegisterMachine: %w", err)
	}
	machine.IsRegistered = true
	return machine, nil
}

// FindCode looks a code up by machine external id and item code.
func FindCode(tx *gorm.DB, businessId, machineExternalId, itemCode string) (*models.MachineItemCode, error) {
	var code models.MachineItemCode
	err := tx.Joins("Machine").
		Where("machine_item_codes.business_id = ? AND Machine.external_id = ? AND machine_item_codes.item_code = ?",
			businessId, machineExternalId, itemCode).
		First(&code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerr.NotFound("mappingstore.FindCode", "code %s on machine %s not found", itemCode, machineExternalId)
	}
	if err != nil {
		return nil, fmt.Errorf("mappingstore.FindCode: %w", err)
	}
	return &code, nil
}

func getCode(tx *gorm.DB, businessId string, codeId int) (*models.MachineItemCode, error) {
	var code models.MachineItemCode
	err := tx.Joins("Machine").
		Where("machine_item_codes.business_id = ? AND machine_item_codes.id = ?", businessId, codeId).
		First(&code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerr.NotFound("mappingstore.getCode", "machine item code %d not found", codeId)
	}
	if err != nil {
		return nil, fmt.Errorf("mappingstore.getCode: %w", err)
	}
	return &code, nil
}
