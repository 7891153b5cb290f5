package engine

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/vendsync/catalog"
	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/internal/testutil"
	"github.com/mmdatafocus/vendsync/mappingstore"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/suggest"
	"github.com/mmdatafocus/vendsync/telemetry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const biz = "biz-1"

func newEngine(t *testing.T) *Engine {
	clock := testutil.NewClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	e, err := New(testutil.NewTestDB(t), testutil.DiscardLogger(), config.DefaultSyncSettings(),
		WithClock(clock.Now),
		WithLockBackoff(func(int) time.Duration { return time.Millisecond }))
	require.NoError(t, err)
	return e
}

func inventory(t *testing.T, e *Engine, id int) int {
	item, err := e.Catalog.Get(context.Background(), biz, id)
	require.NoError(t, err)
	return item.InventoryCount
}

func TestNew_RejectsInvalidSettings(t *testing.T) {
	settings := config.DefaultSyncSettings()
	settings.SuggestionStrategy = "metaphone"
	_, err := New(testutil.NewTestDB(t), testutil.DiscardLogger(), settings)
	require.Error(t, err)
}

func TestScenarios(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	cola, err := e.Catalog.CreateItem(ctx, biz, catalog.NewItem{Name: "Cola", UnitPrice: decimal.NewFromInt(2), OpeningCount: 50})
	require.NoError(t, err)

	webhook := []byte(`{"machine_id":"M1","item_code":"A3","item_name":"Cola Can","quantity":2,"amount":400,"transaction_id":"tx-1","occurred_at":"2024-03-01T10:00:00Z"}`)

	// 1. unknown code: code created, event unresolved, stock untouched
	ack, err := e.Webhooks.ProcessWebhook(ctx, biz, webhook)
	require.NoError(t, err)
	require.Equal(t, telemetry.AckUnresolved, ack.Status)
	code, err := mappingstore.FindCode(e.DB, biz, "M1", "A3")
	require.NoError(t, err)
	require.Equal(t, "Cola Can", code.ReportedName)
	require.Equal(t, 50, inventory(t, e, cola.ID))

	// 2. operator confirms, reconciliation backfills
	_, err = e.Mappings.CreateMapping(ctx, biz, mappingstore.NewMapping{
		CatalogItemId: cola.ID, MachineItemCodeId: code.ID, Confidence: 1, Confirmed: true,
	})
	require.NoError(t, err)
	summary, err := e.Scheduler.RunDailyBatchSync(ctx, biz)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Backfilled)
	require.Equal(t, 48, inventory(t, e, cola.ID))

	// 3. redelivery
	ack, err = e.Webhooks.ProcessWebhook(ctx, biz, webhook)
	require.NoError(t, err)
	require.Equal(t, telemetry.AckDuplicate, ack.Status)
	require.Equal(t, 48, inventory(t, e, cola.ID))
	var resolved int64
	require.NoError(t, e.DB.Model(&models.SaleEvent{}).
		Where("business_id = ? AND status = ?", biz, models.SaleStatusResolved).Count(&resolved).Error)
	require.EqualValues(t, 1, resolved)

	// 4. manual sale
	receipt, err := e.Sales.RecordManualSale(ctx, biz, cola.ID, 3, decimal.NewFromInt(2))
	require.NoError(t, err)
	require.Equal(t, 45, receipt.Inventory)
	n, err := e.Log.Count(ctx, biz, models.SyncEventManualSale)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// 5. sound-alike suggestion ranks below exact ones
	_, err = e.Catalog.CreateItem(ctx, biz, catalog.NewItem{Name: "Chips", OpeningCount: 10})
	require.NoError(t, err)
	_, err = e.Catalog.CreateItem(ctx, biz, catalog.NewItem{Name: "Water", OpeningCount: 10})
	require.NoError(t, err)
	for _, raw := range []string{
		`{"machine_id":"M1","item_code":"B2","item_name":"Chipz","quantity":1,"amount":150,"transaction_id":"tx-2","occurred_at":"2024-03-01T11:00:00Z"}`,
		`{"machine_id":"M1","item_code":"C1","item_name":"WATER","quantity":1,"amount":100,"transaction_id":"tx-3","occurred_at":"2024-03-01T11:05:00Z"}`,
	} {
		_, err := e.Webhooks.ProcessWebhook(ctx, biz, []byte(raw))
		require.NoError(t, err)
	}
	result, err := e.Suggest.Suggest(ctx, biz)
	require.NoError(t, err)
	require.Len(t, result.Suggestions, 2)
	require.Equal(t, "Water", result.Suggestions[0].CatalogItemName)
	require.Equal(t, 1.0, result.Suggestions[0].Confidence)
	require.Equal(t, suggest.MatchExact, result.Suggestions[0].Match)
	require.Equal(t, "Chips", result.Suggestions[1].CatalogItemName)
	require.Equal(t, "B2", result.Suggestions[1].ItemCode)
	require.Equal(t, 0.6, result.Suggestions[1].Confidence)

	report, err := e.Health.Report(ctx, biz)
	require.NoError(t, err)
	require.Equal(t, 3, report.TotalItems)
	require.Equal(t, 1, report.Synced)
	require.EqualValues(t, 2, report.UnresolvedEvents)
	require.NotNil(t, report.LastReconciledAt)
}
