// Package reconcile runs the checkpoint-based batch sync of one business:
// backfill of newly mappable telemetry sales, divergence checks against the
// movement ledger and price/availability push-back.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/vendsync/config"
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

// PushRequest asks the terminal vendor to show a price and availability for
// one code.
type PushRequest struct {
	MachineId string
	ItemCode  string
	Price     decimal.Decimal
	Available bool
}

// Pusher is the outbound push-update collaborator.
type Pusher interface {
	Push(ctx context.Context, req PushRequest) error
}

type Scheduler struct {
	db         *gorm.DB
	log        *synclog.Log
	logger     *logrus.Logger
	settings   config.SyncSettings
	locker     Locker
	pusher     Pusher
	now        func() time.Time
	tracer     trace.Tracer
	lockPolicy retry.Policy
	pushPolicy retry.Policy
}

type Options struct {
	Pusher Pusher
	Now    func() time.Time
	// LockBackoff overrides the wait between lease attempts.
	LockBackoff func(int) time.Duration
}

func NewScheduler(db *gorm.DB, log *synclog.Log, logger *logrus.Logger, settings config.SyncSettings, locker Locker, opts Options) *Scheduler {
	s := &Scheduler{
		db:       db,
		log:      log,
		logger:   logger,
		settings: settings,
		locker:   locker,
		pusher:   opts.Pusher,
		now:      opts.Now,
		tracer:   otel.Tracer("vendsync/reconcile"),
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	lockBackoff := opts.LockBackoff
	if lockBackoff == nil {
		lockBackoff = retry.Exponential(500*time.Millisecond, 10*time.Second)
	}
	s.lockPolicy = retry.Policy{
		MaxAttempts: settings.LockAttempts,
		Backoff:     lockBackoff,
		Retryable:   func(err error) bool { return errors.Is(err, syncerr.ErrConcurrency) },
	}
	s.pushPolicy = retry.Policy{
		MaxAttempts: settings.PushMaxAttempts,
		Backoff:     retry.Exponential(200*time.Millisecond, 2*time.Second),
	}
	return s
}

type ItemReport struct {
	CatalogItemId int  `json:"catalog_item_id"`
	TelemetrySold int  `json:"telemetry_sold"`
	ManualSold    int  `json:"manual_sold"`
	Restocked     int  `json:"restocked"`
	Expected      int  `json:"expected"`
	Observed      int  `json:"observed"`
	Divergence    int  `json:"divergence"`
	Flagged       bool `json:"flagged"`
}

type RunSummary struct {
	BusinessId      string       `json:"business_id"`
	SaleMarker      int          `json:"sale_marker"`
	MovementMarker  int          `json:"movement_marker"`
	WindowMovements int64        `json:"window_movements"`
	Backfilled      int          `json:"backfilled"`
	BackfillSkipped int          `json:"backfill_skipped"`
	Items           []ItemReport `json:"items"`
	Flagged         int          `json:"flagged"`
	PushesSent      int          `json:"pushes_sent"`
	PushesFailed    int          `json:"pushes_failed"`
	Noop            bool         `json:"noop"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
}

// RunDailyBatchSync reconciles one business under its lease. Running it again
// over an unchanged window changes nothing and only logs a no-op marker.
func (s *Scheduler) RunDailyBatchSync(ctx context.Context, businessId string) (*RunSummary, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.RunDailyBatchSync", trace.WithAttributes(
		attribute.String("vendsync.business_id", businessId),
	))
	defer span.End()

	var lease Lease
	err := s.lockPolicy.Do(ctx, func(ctx context.Context) error {
		var err error
		lease, err = s.locker.Acquire(ctx, leaseKey(businessId), s.settings.LeaseTTL)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, "lease not acquired")
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithFields(logrus.Fields{
				"field":       "reconcile",
				"business_id": businessId,
			}).Warn("failed to release reconcile lease: " + err.Error())
		}
	}()

	runCtx, cancel := context.WithDeadline(ctx, lease.ExpiresAt())
	defer cancel()

	summary, err := s.run(runCtx, businessId)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconciliation failed")
		return summary, err
	}
	span.SetAttributes(
		attribute.Int("vendsync.backfilled", summary.Backfilled),
		attribute.Int("vendsync.flagged", summary.Flagged),
		attribute.Bool("vendsync.noop", summary.Noop),
	)
	return summary, nil
}

func (s *Scheduler) run(ctx context.Context, businessId string) (*RunSummary, error) {
	const op = "reconcile.RunDailyBatchSync"
	summary := &RunSummary{BusinessId: businessId, StartedAt: s.now(), Items: []ItemReport{}}

	db := s.db.WithContext(ctx)
	checkpoint, err := loadCheckpoint(db, businessId)
	if err != nil {
		return s.abort(ctx, summary, fmt.Errorf("checkpoint: %w", err))
	}
	summary.SaleMarker, err = latestSaleId(db, businessId)
	if err != nil {
		return s.abort(ctx, summary, fmt.Errorf("sale marker: %w", err))
	}

	if err := s.backfill(ctx, businessId, summary); err != nil {
		return s.abort(ctx, summary, err)
	}

	checks, err := s.checkItems(ctx, businessId, checkpoint, summary)
	if err != nil {
		return s.abort(ctx, summary, err)
	}

	if err := s.push(ctx, businessId, summary); err != nil {
		return s.abort(ctx, summary, err)
	}

	summary.FinishedAt = s.now()
	if summary.Backfilled == 0 && summary.WindowMovements == 0 && summary.Flagged == 0 &&
		summary.PushesSent == 0 && summary.PushesFailed == 0 {
		summary.Noop = true
		_, err := s.log.Append(ctx, synclog.Entry{
			BusinessId: businessId,
			EventType:  models.SyncEventReconciliationNoop,
			Outcome:    models.OutcomeNoop,
			Payload: map[string]interface{}{
				"sale_marker":     summary.SaleMarker,
				"movement_marker": summary.MovementMarker,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return summary, nil
	}

	if err := s.finalize(ctx, businessId, checkpoint, checks, summary); err != nil {
		return s.abort(ctx, summary, err)
	}
	return summary, nil
}

// abort logs a run that stopped early. Backfills already committed stay, and
// the checkpoint does not move, so the next run resumes from the same window.
func (s *Scheduler) abort(ctx context.Context, summary *RunSummary, cause error) (*RunSummary, error) {
	outcome := models.OutcomeFailed
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled) {
		outcome = models.OutcomeDeferred
		cause = syncerr.Concurrency("reconcile.RunDailyBatchSync", cause)
	}
	summary.FinishedAt = s.now()
	config.LogError(s.logger, "reconcile", "RunDailyBatchSync", "reconciliation stopped", map[string]interface{}{
		"business_id": summary.BusinessId,
		"backfilled":  summary.Backfilled,
	}, cause)
	if _, err := s.log.Append(context.WithoutCancel(ctx), synclog.Entry{
		BusinessId: summary.BusinessId,
		EventType:  models.SyncEventReconciliationRun,
		Outcome:    outcome,
		Payload: map[string]interface{}{
			"summary": summary,
			"error":   cause.Error(),
		},
	}); err != nil {
		config.LogError(s.logger, "reconcile", "abort", "append sync log", summary.BusinessId, err)
	}
	return summary, cause
}
