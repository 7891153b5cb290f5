// Package engine wires the sync components around one database handle. It is
// built once at startup and handed to the transports; nothing here is global.
package engine

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/vendsync/catalog"
	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/health"
	"github.com/mmdatafocus/vendsync/manualsale"
	"github.com/mmdatafocus/vendsync/mappingstore"
	"github.com/mmdatafocus/vendsync/reconcile"
	"github.com/mmdatafocus/vendsync/suggest"
	"github.com/mmdatafocus/vendsync/synclog"
	"github.com/mmdatafocus/vendsync/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Engine struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Settings  config.SyncSettings
	Log       *synclog.Log
	Catalog   *catalog.Service
	Mappings  *mappingstore.Store
	Suggest   *suggest.Engine
	Sales     *manualsale.Trigger
	Webhooks  *telemetry.Processor
	Scheduler *reconcile.Scheduler
	Health    *health.Reporter
	// Publisher is nil when reconcile runs can only be triggered inline.
	Publisher reconcile.Publisher
	// Cache backs the health report cache and the API rate limit; may be nil.
	Cache *redis.Client
}

type options struct {
	locker      reconcile.Locker
	pusher      reconcile.Pusher
	archive     telemetry.Archiver
	cache       *redis.Client
	now         func() time.Time
	publisher   reconcile.Publisher
	lockBackoff func(int) time.Duration
}

type Option func(*options)

// WithLocker replaces the default database lease table.
func WithLocker(l reconcile.Locker) Option { return func(o *options) { o.locker = l } }

func WithPusher(p reconcile.Pusher) Option { return func(o *options) { o.pusher = p } }

func WithArchive(a telemetry.Archiver) Option { return func(o *options) { o.archive = a } }

// WithCache enables the health report cache.
func WithCache(c *redis.Client) Option { return func(o *options) { o.cache = c } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithPublisher(p reconcile.Publisher) Option { return func(o *options) { o.publisher = p } }

func WithLockBackoff(b func(int) time.Duration) Option {
	return func(o *options) { o.lockBackoff = b }
}

func New(db *gorm.DB, logger *logrus.Logger, settings config.SyncSettings, opts ...Option) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("engine.New: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.locker == nil {
		o.locker = reconcile.NewDBLocker(db, nil)
	}

	log := synclog.New(db, o.now)
	mappings := mappingstore.New(db, log, o.now)
	return &Engine{
		DB:       db,
		Logger:   logger,
		Settings: settings,
		Log:      log,
		Catalog:  catalog.NewService(db, log, logger),
		Mappings: mappings,
		Suggest: suggest.NewEngine(mappings, suggest.StrategyFor(settings.SuggestionStrategy),
			settings.ExactMatchConfidence, settings.PhoneticMatchConfidence),
		Sales: manualsale.NewTrigger(db, log, logger, o.now),
		Webhooks: telemetry.NewProcessor(db, log, logger, settings, telemetry.Options{
			Archive: o.archive,
			Now:     o.now,
		}),
		Scheduler: reconcile.NewScheduler(db, log, logger, settings, o.locker, reconcile.Options{
			Pusher:      o.pusher,
			Now:         o.now,
			LockBackoff: o.lockBackoff,
		}),
		Health:    health.NewReporter(db, log, logger, settings, o.cache, o.now),
		Publisher: o.publisher,
		Cache:     o.cache,
	}, nil
}
