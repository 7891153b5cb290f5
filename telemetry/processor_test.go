package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/internal/testutil"
	"github.com/mmdatafocus/vendsync/mappingstore"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
	"github.com/mmdatafocus/vendsync/synclog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeArchive struct {
	raw [][]byte
}

func (f *fakeArchive) ArchiveRejected(_ context.Context, businessId string, raw []byte) (string, error) {
	f.raw = append(f.raw, raw)
	return fmt.Sprintf("gs://bucket/%s/%d.json", businessId, len(f.raw)), nil
}

type fixture struct {
	db        *gorm.DB
	log       *synclog.Log
	store     *mappingstore.Store
	processor *Processor
	archive   *fakeArchive
	cola      models.CatalogItem
}

func newFixture(t *testing.T) fixture {
	db := testutil.NewTestDB(t)
	clock := testutil.NewClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	log := synclog.New(db, clock.Now)
	archive := &fakeArchive{}
	processor := NewProcessor(db, log, testutil.DiscardLogger(), config.DefaultSyncSettings(), Options{Archive: archive, Now: clock.Now})

	cola := models.CatalogItem{BusinessId: "biz-1", Name: "Cola", InventoryCount: 50, IsActive: true, UnitPrice: decimal.NewFromInt(2)}
	require.NoError(t, db.Create(&cola).Error)
	return fixture{db: db, log: log, store: mappingstore.New(db, log, clock.Now), processor: processor, archive: archive, cola: cola}
}

func webhook(txn string, qty int) []byte {
	return []byte(fmt.Sprintf(`{"machine_id":"M1","item_code":"A3","item_name":"Cola","quantity":%d,"amount":%d,"transaction_id":%q,"occurred_at":"2024-03-01T10:00:00Z"}`, qty, qty*200, txn))
}

func (f fixture) inventory(t *testing.T) int {
	var item models.CatalogItem
	require.NoError(t, f.db.First(&item, f.cola.ID).Error)
	return item.InventoryCount
}

func (f fixture) countSales(t *testing.T, status models.SaleStatus) int64 {
	var n int64
	require.NoError(t, f.db.Model(&models.SaleEvent{}).Where("status = ?", status).Count(&n).Error)
	return n
}

func TestProcessWebhook_UnknownCodeStaysUnresolved(t *testing.T) {
	f := newFixture(t)

	ack, err := f.processor.ProcessWebhook(context.Background(), "biz-1", webhook("tx-1", 2))
	require.NoError(t, err)
	require.Equal(t, AckUnresolved, ack.Status)
	require.Equal(t, 50, f.inventory(t))
	require.EqualValues(t, 1, f.countSales(t, models.SaleStatusUnresolved))

	code, err := mappingstore.FindCode(f.db, "biz-1", "M1", "A3")
	require.NoError(t, err)
	require.Equal(t, "Cola", code.ReportedName)
	require.False(t, code.Machine.IsRegistered)

	var sale models.SaleEvent
	require.NoError(t, f.db.First(&sale, ack.SaleEventId).Error)
	require.True(t, sale.Amount.Equal(decimal.NewFromInt(4)))
	require.Equal(t, "A3", sale.RawItemCode)
	require.Nil(t, sale.MappingId)
}

func TestProcessWebhook_ConfirmedMappingDebitsInventory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code, _, err := mappingstore.EnsureCode(f.db, mappingstore.Sighting{BusinessId: "biz-1", MachineExternalId: "M1", ItemCode: "A3", SeenAt: time.Now()})
	require.NoError(t, err)
	_, err = f.store.CreateMapping(ctx, "biz-1", mappingstore.NewMapping{CatalogItemId: f.cola.ID, MachineItemCodeId: code.ID, Confidence: 1, Confirmed: true})
	require.NoError(t, err)

	ack, err := f.processor.ProcessWebhook(ctx, "biz-1", webhook("tx-1", 2))
	require.NoError(t, err)
	require.Equal(t, AckResolved, ack.Status)
	require.Equal(t, 48, f.inventory(t))

	var movement models.InventoryMovement
	require.NoError(t, f.db.Where("sale_event_id = ?", ack.SaleEventId).First(&movement).Error)
	require.Equal(t, models.MovementSourceTelemetrySale, movement.Source)
}

func TestProcessWebhook_SuggestedMappingDoesNotTouchInventory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code, _, err := mappingstore.EnsureCode(f.db, mappingstore.Sighting{BusinessId: "biz-1", MachineExternalId: "M1", ItemCode: "A3", SeenAt: time.Now()})
	require.NoError(t, err)
	_, err = f.store.CreateMapping(ctx, "biz-1", mappingstore.NewMapping{CatalogItemId: f.cola.ID, MachineItemCodeId: code.ID, Confidence: 0.6})
	require.NoError(t, err)

	ack, err := f.processor.ProcessWebhook(ctx, "biz-1", webhook("tx-1", 2))
	require.NoError(t, err)
	require.Equal(t, AckUnresolved, ack.Status)
	require.Equal(t, 50, f.inventory(t))
}

func TestProcessWebhook_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code, _, err := mappingstore.EnsureCode(f.db, mappingstore.Sighting{BusinessId: "biz-1", MachineExternalId: "M1", ItemCode: "A3", SeenAt: time.Now()})
	require.NoError(t, err)
	_, err = f.store.CreateMapping(ctx, "biz-1", mappingstore.NewMapping{CatalogItemId: f.cola.ID, MachineItemCodeId: code.ID, Confidence: 1, Confirmed: true})
	require.NoError(t, err)

	first, err := f.processor.ProcessWebhook(ctx, "biz-1", webhook("tx-1", 2))
	require.NoError(t, err)
	second, err := f.processor.ProcessWebhook(ctx, "biz-1", webhook("tx-1", 2))
	require.NoError(t, err)

	require.Equal(t, AckDuplicate, second.Status)
	require.Equal(t, first.SaleEventId, second.SaleEventId)
	require.Equal(t, 48, f.inventory(t))
	require.EqualValues(t, 1, f.countSales(t, models.SaleStatusResolved))

	dups, err := f.log.List(ctx, synclog.Query{BusinessId: "biz-1", Outcome: models.OutcomeDuplicate})
	require.NoError(t, err)
	require.Len(t, dups, 1)

	// the same transaction id in another business is a different sale
	other, err := f.processor.ProcessWebhook(ctx, "biz-2", webhook("tx-1", 2))
	require.NoError(t, err)
	require.Equal(t, AckUnresolved, other.Status)
}

// missFirstSaleLookup empties the first sale_events read, as when a concurrent
// delivery commits between the dedupe read and the insert. Later reads fail
// when failLater is set.
func missFirstSaleLookup(t *testing.T, db *gorm.DB, failLater bool) {
	var calls int32
	require.NoError(t, db.Callback().Query().After("gorm:query").Register("test:miss_sale_lookup", func(tx *gorm.DB) {
		if tx.Statement.Table != "sale_events" {
			return
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			if sale, ok := tx.Statement.Dest.(*models.SaleEvent); ok {
				*sale = models.SaleEvent{}
			}
			return
		}
		if failLater {
			_ = tx.AddError(errors.New("connection reset"))
		}
	}))
}

func TestProcessWebhook_LostInsertRaceIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.processor.ProcessWebhook(ctx, "biz-1", webhook("tx-1", 2))
	require.NoError(t, err)

	missFirstSaleLookup(t, f.db, false)
	second, err := f.processor.ProcessWebhook(ctx, "biz-1", webhook("tx-1", 2))
	require.NoError(t, err)
	require.Equal(t, AckDuplicate, second.Status)
	require.NotZero(t, second.SaleEventId)
	require.Equal(t, first.SaleEventId, second.SaleEventId)
	require.EqualValues(t, 1, f.countSales(t, models.SaleStatusUnresolved))
}

func TestProcessWebhook_LostInsertRaceLookupFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.processor.ProcessWebhook(ctx, "biz-1", webhook("tx-1", 2))
	require.NoError(t, err)

	missFirstSaleLookup(t, f.db, true)
	ack, err := f.processor.ProcessWebhook(ctx, "biz-1", webhook("tx-1", 2))
	require.Error(t, err)
	require.Equal(t, AckFailed, ack.Status)
	require.Zero(t, ack.SaleEventId)

	failed, err := f.log.List(ctx, synclog.Query{BusinessId: "biz-1", Outcome: models.OutcomeFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestProcessWebhook_OversizePayloadIsRejected(t *testing.T) {
	f := newFixture(t)
	raw := append(webhook("tx-1", 1), make([]byte, MaxPayloadBytes)...)

	ack, err := f.processor.ProcessWebhook(context.Background(), "biz-1", raw)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	require.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))
	require.Equal(t, AckRejected, ack.Status)
	require.Len(t, f.archive.raw, 1)
	require.Len(t, f.archive.raw[0], len(raw))
	require.EqualValues(t, 0, f.countSales(t, models.SaleStatusUnresolved))
}

func TestProcessWebhook_MalformedIsRejectedAndArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := []byte(`{"machine_id":"M1","quantity":"two"}`)

	ack, err := f.processor.ProcessWebhook(ctx, "biz-1", raw)
	require.True(t, errors.Is(err, syncerr.ErrValidation))
	require.Equal(t, AckRejected, ack.Status)
	require.Equal(t, "gs://bucket/biz-1/1.json", ack.ArchiveRef)
	require.Equal(t, [][]byte{raw}, f.archive.raw)

	entries, err := f.log.List(ctx, synclog.Query{BusinessId: "biz-1", Outcome: models.OutcomeRejected})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var payload map[string]string
	require.NoError(t, synclog.Decode(entries[0], &payload))
	require.Equal(t, string(raw), payload["raw"])

	var sales int64
	require.NoError(t, f.db.Model(&models.SaleEvent{}).Count(&sales).Error)
	require.Zero(t, sales)
}

func TestProcessWebhook_EveryWellFormedEventIsPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.processor.ProcessWebhook(ctx, "biz-1", webhook(fmt.Sprintf("tx-%d", i), 1))
		require.NoError(t, err)
	}
	require.EqualValues(t, 5, f.countSales(t, models.SaleStatusUnresolved))

	n, err := f.log.Count(ctx, "biz-1", models.SyncEventWebhookReceived)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
}
