package mappingstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/internal/testutil"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
	"github.com/mmdatafocus/vendsync/synclog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	store *Store
	log   *synclog.Log
}

func newFixture(t *testing.T) fixture {
	db := testutil.NewTestDB(t)
	clock := testutil.NewClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	log := synclog.New(db, clock.Now)
	return fixture{db: db, store: New(db, log, clock.Now), log: log}
}

func (f fixture) item(t *testing.T, business, name string) models.CatalogItem {
	item := models.CatalogItem{BusinessId: business, Name: name, InventoryCount: 10, IsActive: true}
	require.NoError(t, f.db.Create(&item).Error)
	return item
}

func (f fixture) code(t *testing.T, business, machine, code, name string) *models.MachineItemCode {
	c, _, err := EnsureCode(f.db, Sighting{
		BusinessId:        business,
		MachineExternalId: machine,
		ItemCode:          code,
		ReportedName:      name,
		SeenAt:            time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return c
}

func TestEnsureCode_CreatesPlaceholderMachineOnce(t *testing.T) {
	f := newFixture(t)
	price := decimal.NewFromFloat(1.5)

	first, created, err := EnsureCode(f.db, Sighting{BusinessId: "biz-1", MachineExternalId: "M1", ItemCode: "A3", ReportedName: "Cola", SeenAt: time.Now()})
	require.NoError(t, err)
	require.True(t, created)
	require.False(t, first.Machine.IsRegistered)

	second, created, err := EnsureCode(f.db, Sighting{BusinessId: "biz-1", MachineExternalId: "M1", ItemCode: "A3", ReportedName: "Cola Zero", Price: &price, SeenAt: time.Now()})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "Cola Zero", second.ReportedName)

	var machines int64
	require.NoError(t, f.db.Model(&models.Machine{}).Count(&machines).Error)
	require.EqualValues(t, 1, machines)

	var stored models.MachineItemCode
	require.NoError(t, f.db.First(&stored, second.ID).Error)
	require.True(t, stored.LastSeenPrice.Equal(price))
}

func TestCreateMapping_CodeSideIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cola := f.item(t, "biz-1", "Cola")
	pepsi := f.item(t, "biz-1", "Pepsi")
	a3 := f.code(t, "biz-1", "M1", "A3", "Cola")
	b1 := f.code(t, "biz-1", "M2", "B1", "Cola")

	_, err := f.store.CreateMapping(ctx, "biz-1", NewMapping{CatalogItemId: cola.ID, MachineItemCodeId: a3.ID, Confidence: 1, Confirmed: true})
	require.NoError(t, err)

	_, err = f.store.CreateMapping(ctx, "biz-1", NewMapping{CatalogItemId: pepsi.ID, MachineItemCodeId: a3.ID, Confidence: 0.6})
	require.True(t, errors.Is(err, syncerr.ErrConflict), "got %v", err)

	// the catalog side may map to several machines
	_, err = f.store.CreateMapping(ctx, "biz-1", NewMapping{CatalogItemId: cola.ID, MachineItemCodeId: b1.ID, Confidence: 1})
	require.NoError(t, err)

	active, err := f.store.ByCatalogItem(ctx, "biz-1", cola.ID, false)
	require.NoError(t, err)
	require.Len(t, active, 2)

	n, err := f.log.Count(ctx, "biz-1", models.SyncEventMappingCreated)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestCreateMapping_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cola := f.item(t, "biz-1", "Cola")
	a3 := f.code(t, "biz-1", "M1", "A3", "Cola")
	foreign := f.code(t, "biz-2", "M9", "Z1", "Other")

	_, err := f.store.CreateMapping(ctx, "biz-1", NewMapping{CatalogItemId: cola.ID, MachineItemCodeId: a3.ID, Confidence: 1.2})
	require.True(t, errors.Is(err, syncerr.ErrValidation))

	_, err = f.store.CreateMapping(ctx, "biz-1", NewMapping{CatalogItemId: cola.ID, MachineItemCodeId: foreign.ID, Confidence: 1})
	require.True(t, errors.Is(err, syncerr.ErrNotFound))

	_, err = f.store.CreateMapping(ctx, "biz-2", NewMapping{CatalogItemId: cola.ID, MachineItemCodeId: foreign.ID, Confidence: 1})
	require.True(t, errors.Is(err, syncerr.ErrNotFound))
}

func TestConfirmMapping_OnlyFromSuggested(t *testing.T) {
	f := newFixture(t)
	ctx := appctx.WithActor(context.Background(), "operator@example.com")
	cola := f.item(t, "biz-1", "Cola")
	a3 := f.code(t, "biz-1", "M1", "A3", "Cola")

	m, err := f.store.CreateMapping(ctx, "biz-1", NewMapping{CatalogItemId: cola.ID, MachineItemCodeId: a3.ID, Confidence: 0.6})
	require.NoError(t, err)
	require.Equal(t, models.MappingStatusSuggested, m.Status)

	confirmed, err := f.store.ConfirmMapping(ctx, "biz-1", m.ID)
	require.NoError(t, err)
	require.Equal(t, models.MappingStatusConfirmed, confirmed.Status)
	require.Equal(t, "operator@example.com", confirmed.ConfirmedBy)

	_, err = f.store.ConfirmMapping(ctx, "biz-1", m.ID)
	require.True(t, errors.Is(err, syncerr.ErrConflict))

	_, err = f.store.ConfirmMapping(ctx, "biz-1", 9999)
	require.True(t, errors.Is(err, syncerr.ErrNotFound))
}

func TestSupersedeMapping_KeepsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cola := f.item(t, "biz-1", "Cola")
	pepsi := f.item(t, "biz-1", "Pepsi")
	a3 := f.code(t, "biz-1", "M1", "A3", "Cola")

	old, err := f.store.CreateMapping(ctx, "biz-1", NewMapping{CatalogItemId: cola.ID, MachineItemCodeId: a3.ID, Confidence: 1, Confirmed: true})
	require.NoError(t, err)

	replacement, err := f.store.SupersedeMapping(ctx, "biz-1", old.ID, Replacement{CatalogItemId: pepsi.ID})
	require.NoError(t, err)
	require.Equal(t, models.MappingStatusConfirmed, replacement.Status)
	require.Equal(t, a3.ID, replacement.MachineItemCodeId)

	history, err := f.store.ByCode(ctx, "biz-1", "M1", "A3")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, replacement.ID, history[0].ID)
	require.Equal(t, models.MappingStatusSuperseded, history[1].Status)
	require.Nil(t, history[1].ActiveCodeId)
	require.NotNil(t, history[1].SupersededById)
	require.Equal(t, replacement.ID, *history[1].SupersededById)

	active, err := ActiveForCode(f.db, "biz-1", a3.ID)
	require.NoError(t, err)
	require.Equal(t, replacement.ID, active.ID)

	_, err = f.store.SupersedeMapping(ctx, "biz-1", old.ID, Replacement{CatalogItemId: cola.ID})
	require.True(t, errors.Is(err, syncerr.ErrConflict))
}

func TestSupersedeMapping_RollsBackOnConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cola := f.item(t, "biz-1", "Cola")
	a3 := f.code(t, "biz-1", "M1", "A3", "Cola")
	a4 := f.code(t, "biz-1", "M1", "A4", "Cola Zero")

	first, err := f.store.CreateMapping(ctx, "biz-1", NewMapping{CatalogItemId: cola.ID, MachineItemCodeId: a3.ID, Confidence: 1, Confirmed: true})
	require.NoError(t, err)
	_, err = f.store.CreateMapping(ctx, "biz-1", NewMapping{CatalogItemId: cola.ID, MachineItemCodeId: a4.ID, Confidence: 1, Confirmed: true})
	require.NoError(t, err)

	_, err = f.store.SupersedeMapping(ctx, "biz-1", first.ID, Replacement{CatalogItemId: cola.ID, MachineItemCodeId: a4.ID})
	require.True(t, errors.Is(err, syncerr.ErrConflict))

	still, err := f.store.Get(ctx, "biz-1", first.ID)
	require.NoError(t, err)
	require.Equal(t, models.MappingStatusConfirmed, still.Status)
	require.NotNil(t, still.ActiveCodeId)
}

func TestListUnmapped_BothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cola := f.item(t, "biz-1", "Cola")
	f.item(t, "biz-1", "Chips")
	a3 := f.code(t, "biz-1", "M1", "A3", "Cola")
	f.code(t, "biz-1", "M1", "B2", "Chipz")

	_, err := f.store.CreateMapping(ctx, "biz-1", NewMapping{CatalogItemId: cola.ID, MachineItemCodeId: a3.ID, Confidence: 1})
	require.NoError(t, err)

	items, err := f.store.ListUnmappedCatalogItems(ctx, "biz-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Chips", items[0].Name)

	codes, err := f.store.ListUnmappedCodes(ctx, "biz-1")
	require.NoError(t, err)
	require.Len(t, codes, 1)
	require.Equal(t, "B2", codes[0].ItemCode)
	require.Equal(t, "M1", codes[0].Machine.ExternalId)

	confirmed, err := f.store.ListConfirmed(ctx, "biz-1")
	require.NoError(t, err)
	require.Empty(t, confirmed)
}
