package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/vendsync/models"
	"github.com/mmdatafocus/vendsync/syncerr"
	"gorm.io/gorm"
)

// Lease is an expiring exclusive hold on a key. A crashed holder blocks the
// key only until ExpiresAt.
type Lease interface {
	ExpiresAt() time.Time
	Release(ctx context.Context) error
}

// Locker hands out leases. A held key yields a ConcurrencyError.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

func leaseKey(businessId string) string {
	return "vendsync:reconcile:" + businessId
}

type RedisLocker struct {
	client *redislock.Client
	now    func() time.Time
}

func NewRedisLocker(client *redislock.Client) *RedisLocker {
	return &RedisLocker{client: client, now: time.Now}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, syncerr.Concurrency("reconcile.RedisLocker.Acquire", fmt.Errorf("lease %s is held", key))
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile.RedisLocker.Acquire: %w", err)
	}
	return &redisLease{lock: lock, expiresAt: l.now().Add(ttl)}, nil
}

type redisLease struct {
	lock      *redislock.Lock
	expiresAt time.Time
}

func (l *redisLease) ExpiresAt() time.Time { return l.expiresAt }

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// DBLocker keeps leases in sync_leases for deployments without redis.
type DBLocker struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDBLocker(db *gorm.DB, now func() time.Time) *DBLocker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &DBLocker{db: db, now: now}
}

func (l *DBLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	const op = "reconcile.DBLocker.Acquire"
	now := l.now()
	lease := &dbLease{db: l.db, key: key, holder: uuid.NewString(), expiresAt: now.Add(ttl)}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.SyncLease{LeaseKey: key, Holder: lease.holder, ExpiresAt: lease.expiresAt}
		err := tx.Create(&row).Error
		if err == nil {
			return nil
		}
		if !models.IsDuplicateKeyErr(err) {
			return err
		}
		// take over an expired lease
		res := tx.Model(&models.SyncLease{}).
			Where("lease_key = ? AND expires_at <= ?", key, now).
			Updates(map[string]interface{}{"holder": lease.holder, "expires_at": lease.expiresAt})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return syncerr.Concurrency(op, fmt.Errorf("lease %s is held", key))
		}
		return nil
	})
	if err != nil {
		if syncerr.KindOf(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return lease, nil
}

type dbLease struct {
	db        *gorm.DB
	key       string
	holder    string
	expiresAt time.Time
}

func (l *dbLease) ExpiresAt() time.Time { return l.expiresAt }

func (l *dbLease) Release(ctx context.Context) error {
	return l.db.WithContext(ctx).
		Where("lease_key = ? AND holder = ?", l.key, l.holder).
		Delete(&models.SyncLease{}).Error
}
