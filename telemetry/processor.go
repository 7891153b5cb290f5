// Package telemetry ingests sales pushed by cashless payment terminals. It is
// bounded in time and never calls reconciliation or push-back.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/inventory"
	"github.com/mmdatafocus/vendsync/mappingstore"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/retry"
	"github.com/mmdatafocus/vendsync/syncerr"
	"github.com/mmdatafocus/vendsync/synclog"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type AckStatus string

const (
	AckResolved   AckStatus = "resolved"
	AckUnresolved AckStatus = "unresolved"
	AckDuplicate  AckStatus = "duplicate"
	AckRejected   AckStatus = "rejected"
	AckFailed     AckStatus = "failed"
)

// MaxPayloadBytes bounds the webhook body that is parsed. Larger bodies are
// archived as received and rejected with ErrPayloadTooLarge.
const MaxPayloadBytes = 64 << 10

var ErrPayloadTooLarge = errors.New("webhook payload too large")

type Ack struct {
	Status        AckStatus `json:"status"`
	SaleEventId   int       `json:"sale_event_id,omitempty"`
	TransactionId string    `json:"transaction_id,omitempty"`
	ArchiveRef    string    `json:"archive_ref,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Archiver keeps rejected raw payloads for replay.
type Archiver interface {
	ArchiveRejected(ctx context.Context, businessId string, raw []byte) (string, error)
}

type Processor struct {
	db               *gorm.DB
	log              *synclog.Log
	logger           *logrus.Logger
	archive          Archiver
	budget           time.Duration
	currencyExponent int32
	policy           retry.Policy
	now              func() time.Time
	tracer           trace.Tracer
}

type Options struct {
	Archive Archiver
	Now     func() time.Time
	Policy  *retry.Policy
}

func NewProcessor(db *gorm.DB, log *synclog.Log, logger *logrus.Logger, settings config.SyncSettings, opts Options) *Processor {
	p := &Processor{
		db:               db,
		log:              log,
		logger:           logger,
		archive:          opts.Archive,
		budget:           settings.WebhookBudget,
		currencyExponent: settings.CurrencyExponent,
		now:              opts.Now,
		tracer:           otel.Tracer("vendsync/telemetry"),
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Policy != nil {
		p.policy = *opts.Policy
	} else {
		p.policy = retry.Policy{
			MaxAttempts: 3,
			Backoff:     retry.Exponential(25*time.Millisecond, 200*time.Millisecond),
			Retryable:   retryable,
		}
	}
	return p
}

func retryable(err error) bool {
	return errors.Is(err, syncerr.ErrConcurrency) || models.IsLockContentionErr(err)
}

type duplicateDelivery struct {
	saleEventId int
}

func (d *duplicateDelivery) Error() string {
	return fmt.Sprintf("transaction already recorded as sale event %d", d.saleEventId)
}

// ProcessWebhook validates, deduplicates and records one telemetry sale. A
// rejected payload returns a validation error with Ack{rejected}; storage
// failures return Ack{failed} and the vendor may redeliver safely.
func (p *Processor) ProcessWebhook(ctx context.Context, businessId string, raw []byte) (Ack, error) {
	ctx, span := p.tracer.Start(ctx, "telemetry.ProcessWebhook", trace.WithAttributes(
		attribute.String("vendsync.business_id", businessId),
	))
	defer span.End()

	if len(raw) > MaxPayloadBytes {
		return p.RejectOversize(ctx, businessId, raw, false)
	}
	ev, err := Parse(raw)
	if err != nil {
		ack := p.reject(ctx, businessId, raw, err)
		span.SetAttributes(attribute.String("vendsync.ack", string(ack.Status)))
		return ack, err
	}
	span.SetAttributes(
		attribute.String("vendsync.machine_id", ev.MachineID),
		attribute.String("vendsync.transaction_id", ev.TransactionID),
	)

	budgetCtx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	var ack Ack
	err = p.policy.Do(budgetCtx, func(ctx context.Context) error {
		var err error
		ack, err = p.persist(ctx, businessId, ev)
		return err
	})

	var dup *duplicateDelivery
	if errors.As(err, &dup) && dup.saleEventId == 0 {
		if dup.saleEventId, err = p.recordedSaleId(ctx, businessId, ev.TransactionID); err == nil {
			err = dup
		}
	}
	switch {
	case errors.As(err, &dup):
		ack = Ack{Status: AckDuplicate, SaleEventId: dup.saleEventId, TransactionId: ev.TransactionID}
		p.appendOutcome(ctx, businessId, models.OutcomeDuplicate, map[string]interface{}{
			"event":         ev,
			"sale_event_id": dup.saleEventId,
		})
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		config.LogError(p.logger, "telemetry", "ProcessWebhook", "persist sale", map[string]interface{}{
			"business_id":    businessId,
			"transaction_id": ev.TransactionID,
		}, err)
		p.appendOutcome(ctx, businessId, models.OutcomeFailed, map[string]interface{}{
			"event": ev,
			"error": err.Error(),
		})
		if syncerr.KindOf(err) == "" {
			err = fmt.Errorf("telemetry.ProcessWebhook: %w", err)
		}
		return Ack{Status: AckFailed, TransactionId: ev.TransactionID}, err
	}
	span.SetAttributes(attribute.String("vendsync.ack", string(ack.Status)))
	return ack, nil
}

func (p *Processor) persist(ctx context.Context, businessId string, ev *Event) (Ack, error) {
	var ack Ack
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.SaleEvent
		err := tx.Select("id").
			Where("business_id = ? AND external_txn_id = ?", businessId, ev.TransactionID).
			Limit(1).Find(&existing).Error
		if err != nil {
			return err
		}
		if existing.ID != 0 {
			return &duplicateDelivery{saleEventId: existing.ID}
		}

		var price *decimal.Decimal
		if ev.UnitPriceMinor != nil {
			v := FromMinor(*ev.UnitPriceMinor, p.currencyExponent)
			price = &v
		}
		code, _, err := mappingstore.EnsureCode(tx, mappingstore.Sighting{
			BusinessId:        businessId,
			MachineExternalId: ev.MachineID,
			ItemCode:          ev.ItemCode,
			ReportedName:      ev.ItemName,
			Price:             price,
			SeenAt:            p.now(),
		})
		if err != nil {
			return err
		}
		mapping, err := mappingstore.ActiveForCode(tx, businessId, code.ID)
		if err != nil {
			return err
		}

		txnId := ev.TransactionID
		codeId := code.ID
		sale := models.SaleEvent{
			BusinessId:        businessId,
			Source:            models.SaleSourceTelemetry,
			Status:            models.SaleStatusUnresolved,
			MachineItemCodeId: &codeId,
			RawMachineId:      ev.MachineID,
			RawItemCode:       ev.ItemCode,
			Quantity:          ev.Quantity,
			Amount:            FromMinor(ev.AmountMinor, p.currencyExponent),
			ExternalTxnId:     &txnId,
			OccurredAt:        ev.OccurredAt,
		}
		confirmed := mapping != nil && mapping.Status == models.MappingStatusConfirmed
		if confirmed {
			now := p.now()
			mappingId, itemId := mapping.ID, mapping.CatalogItemId
			sale.Status = models.SaleStatusResolved
			sale.MappingId = &mappingId
			sale.CatalogItemId = &itemId
			sale.ResolvedAt = &now
		}
		if err := tx.Create(&sale).Error; err != nil {
			if models.IsDuplicateKeyErr(err) {
				// a concurrent delivery won the insert; its row is looked up
				// after this transaction rolls back
				return &duplicateDelivery{}
			}
			return err
		}

		entry := map[string]interface{}{
			"event":                ev,
			"sale_event_id":        sale.ID,
			"machine_item_code_id": code.ID,
			"machine_registered":   code.Machine.IsRegistered,
		}
		outcome := models.OutcomeUnresolved
		ack = Ack{Status: AckUnresolved, SaleEventId: sale.ID, TransactionId: ev.TransactionID}
		if mapping != nil {
			entry["mapping_id"] = mapping.ID
			entry["mapping_status"] = mapping.Status
		}

		if confirmed {
			saleId := sale.ID
			applied, err := inventory.Apply(tx, inventory.Change{
				BusinessId:    businessId,
				CatalogItemId: mapping.CatalogItemId,
				Delta:         -ev.Quantity,
				Source:        models.MovementSourceTelemetrySale,
				SaleEventId:   &saleId,
				CorrelationId: appctx.CorrelationId(ctx),
			})
			if err != nil {
				return err
			}
			if applied.Oversold > 0 {
				p.logger.WithFields(logrus.Fields{
					"field":           "telemetry",
					"business_id":     businessId,
					"catalog_item_id": mapping.CatalogItemId,
					"oversold":        applied.Oversold,
				}).Warn("telemetry sale exceeds inventory, count floored at zero")
			}
			entry["catalog_item_id"] = mapping.CatalogItemId
			entry["balance_after"] = applied.Item.InventoryCount
			entry["oversold"] = applied.Oversold
			outcome = models.OutcomeResolved
			ack.Status = AckResolved
		}

		_, err = p.log.AppendTx(ctx, tx, synclog.Entry{
			BusinessId: businessId,
			EventType:  models.SyncEventWebhookReceived,
			Outcome:    outcome,
			Payload:    entry,
		})
		return err
	})
	return ack, err
}

// recordedSaleId finds the sale event that already holds txnId.
func (p *Processor) recordedSaleId(ctx context.Context, businessId, txnId string) (int, error) {
	var sale models.SaleEvent
	err := p.db.WithContext(ctx).Select("id").
		Where("business_id = ? AND external_txn_id = ?", businessId, txnId).
		Limit(1).Find(&sale).Error
	if err != nil {
		return 0, fmt.Errorf("look up duplicate transaction %q: %w", txnId, err)
	}
	if sale.ID == 0 {
		return 0, fmt.Errorf("duplicate transaction %q has no recorded sale event", txnId)
	}
	return sale.ID, nil
}

// RejectOversize records a body over MaxPayloadBytes. The body is archived
// as given; truncated marks a body the transport cut at its read ceiling. The
// log entry keeps the size instead of the body.
func (p *Processor) RejectOversize(ctx context.Context, businessId string, raw []byte, truncated bool) (Ack, error) {
	cause := syncerr.Validation("telemetry.ProcessWebhook", "payload of %d bytes exceeds %d", len(raw), MaxPayloadBytes)
	err := fmt.Errorf("%w: %w", ErrPayloadTooLarge, cause)
	ack := p.rejectWith(ctx, businessId, raw, err, map[string]interface{}{
		"oversize":   true,
		"size_bytes": len(raw),
		"truncated":  truncated,
	})
	return ack, err
}

func (p *Processor) reject(ctx context.Context, businessId string, raw []byte, cause error) Ack {
	return p.rejectWith(ctx, businessId, raw, cause, map[string]interface{}{"raw": string(raw)})
}

func (p *Processor) rejectWith(ctx context.Context, businessId string, raw []byte, cause error, payload map[string]interface{}) Ack {
	ack := Ack{Status: AckRejected, Error: cause.Error()}
	if p.archive != nil {
		ref, err := p.archive.ArchiveRejected(ctx, businessId, raw)
		if err != nil {
			config.LogError(p.logger, "telemetry", "reject", "archive rejected payload", map[string]interface{}{
				"business_id": businessId,
			}, err)
		} else {
			ack.ArchiveRef = ref
		}
	}
	p.logger.WithFields(logrus.Fields{
		"field":       "telemetry",
		"business_id": businessId,
		"error":       cause.Error(),
	}).Warn("webhook payload rejected")
	payload["error"] = cause.Error()
	payload["archive_ref"] = ack.ArchiveRef
	p.appendOutcome(ctx, businessId, models.OutcomeRejected, payload)
	return ack
}

// appendOutcome writes outcomes that have no transaction of their own. It
// ignores cancellation so an expired budget still leaves an audit entry.
func (p *Processor) appendOutcome(ctx context.Context, businessId string, outcome models.SyncOutcome, payload map[string]interface{}) {
	if _, err := p.log.Append(context.WithoutCancel(ctx), synclog.Entry{
		BusinessId: businessId,
		EventType:  models.SyncEventWebhookReceived,
		Outcome:    outcome,
		Payload:    payload,
	}); err != nil {
		config.LogError(p.logger, "telemetry", "appendOutcome", "append sync log", payload, err)
	}
}
