package models

type SaleSource string

const (
	SaleSourceManual    SaleSource = "manual"
	SaleSourceTelemetry SaleSource = "telemetry"
)

type SaleStatus string

const (
	SaleStatusResolved   SaleStatus = "resolved"
	SaleStatusUnresolved SaleStatus = "unresolved"
)

type MappingStatus string

const (
	MappingStatusSuggested  MappingStatus = "suggested"
	MappingStatusConfirmed  MappingStatus = "confirmed"
	MappingStatusSuperseded MappingStatus = "superseded"
)

type MovementSource string

const (
	MovementSourceOpening       MovementSource = "opening"
	MovementSourceManualSale    MovementSource = "manual_sale"
	MovementSourceTelemetrySale MovementSource = "telemetry_sale"
	MovementSourceBackfill      MovementSource = "backfill"
	MovementSourceRestock       MovementSource = "restock"
)

type SyncEventType string

const (
	SyncEventManualSale         SyncEventType = "manual_sale"
	SyncEventWebhookReceived    SyncEventType = "webhook_received"
	SyncEventBackfill           SyncEventType = "backfill"
	SyncEventReconciliationRun  SyncEventType = "reconciliation_run"
	SyncEventReconciliationNoop SyncEventType = "reconciliation_noop"
	SyncEventDivergenceFlagged  SyncEventType = "divergence_flagged"
	SyncEventPushUpdate         SyncEventType = "push_update"
	SyncEventMappingCreated     SyncEventType = "mapping_created"
	SyncEventMappingConfirmed   SyncEventType = "mapping_confirmed"
	SyncEventMappingSuperseded  SyncEventType = "mapping_superseded"
	SyncEventCatalogItemCreated SyncEventType = "catalog_item_created"
	SyncEventRestock            SyncEventType = "restock"
)

type SyncOutcome string

const (
	OutcomeSuccess    SyncOutcome = "success"
	OutcomeResolved   SyncOutcome = "resolved"
	OutcomeUnresolved SyncOutcome = "unresolved"
	OutcomeDuplicate  SyncOutcome = "duplicate"
	OutcomeRejected   SyncOutcome = "rejected"
	OutcomeFailed     SyncOutcome = "failed"
	OutcomeNoop       SyncOutcome = "noop"
	OutcomeFlagged    SyncOutcome = "flagged"
	OutcomeDeferred   SyncOutcome = "deferred"
)

type PushStatus string

const (
	PushStatusPending PushStatus = "pending"
	PushStatusSent    PushStatus = "sent"
)
