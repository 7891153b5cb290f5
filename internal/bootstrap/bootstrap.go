// Package bootstrap connects the infrastructure named by the environment and
// builds the engine for the service and the ops CLI.
package bootstrap

import (
	"context"
	"os"
	"strings"

	"github.com/mmdatafocus/vendsync/archive"
	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/engine"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/pushclient"
	"github.com/mmdatafocus/vendsync/reconcile"
	"github.com/sirupsen/logrus"
)

type Options struct {
	// Migrate runs AutoMigrate unless SKIP_MIGRATIONS=true.
	Migrate bool
	// PubSub enables the reconcile publisher when VENDSYNC_PUBSUB_ENABLED is set.
	PubSub bool
}

// Connect opens MySQL, and redis when LEASE_BACKEND is redis. GCS_BUCKET turns
// on the rejected payload archive and VENDOR_API_BASE_URL the push client.
// The returned func closes every connection.
func Connect(ctx context.Context, logger *logrus.Logger, settings config.SyncSettings, opts Options) (*engine.Engine, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	db, err := config.ConnectDatabaseWithRetry(ctx, logger)
	if err != nil {
		return nil, closeAll, err
	}
	if sqlDB, err := db.DB(); err == nil {
		closers = append(closers, func() { _ = sqlDB.Close() })
	}

	if opts.Migrate {
		if strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		} else if err := models.MigrateTable(db); err != nil {
			return nil, closeAll, err
		}
	}

	var engineOpts []engine.Option
	if settings.LeaseBackend == config.LeaseBackendRedis {
		rdb, locker, err := config.ConnectRedisWithRetry(ctx, logger)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		engineOpts = append(engineOpts, engine.WithLocker(reconcile.NewRedisLocker(locker)), engine.WithCache(rdb))
	}

	if opts.PubSub && config.EnvBoolDefault("VENDSYNC_PUBSUB_ENABLED", false) {
		psCfg := config.PubSubConfigFromEnv()
		client, err := config.NewPubSubClient(ctx, logger, psCfg)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, func() { _ = client.Close() })
		publisher, err := reconcile.NewPubSubPublisher(ctx, client, psCfg)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, publisher.Stop)
		engineOpts = append(engineOpts, engine.WithPublisher(publisher))
	}

	if bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET")); bucket != "" {
		client, err := archive.NewStorageClient(ctx)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, func() { _ = client.Close() })
		engineOpts = append(engineOpts, engine.WithArchive(archive.NewGCSArchive(client, bucket, os.Getenv("GCS_ARCHIVE_PREFIX"))))
	}

	if pushCfg := pushclient.ConfigFromEnv(); pushCfg.BaseURL != "" {
		pusher, err := pushclient.New(pushCfg)
		if err != nil {
			return nil, closeAll, err
		}
		engineOpts = append(engineOpts, engine.WithPusher(pusher))
	} else {
		logger.WithFields(logrus.Fields{"field": "push"}).Warn("VENDOR_API_BASE_URL not set; push-back disabled")
	}

	e, err := engine.New(db, logger, settings, engineOpts...)
	if err != nil {
		return nil, closeAll, err
	}
	return e, closeAll, nil
}
