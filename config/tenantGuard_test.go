package config

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type scopedRow struct {
	ID         uint64 `gorm:"primaryKey"`
	BusinessId string `gorm:"index"`
	Name       string
}

type globalRow struct {
	ID   uint64 `gorm:"primaryKey"`
	Name string
}

func newScopedDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := GormConfig()
	cfg.Logger = logger.Discard
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), cfg)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Use(NewBusinessScopePlugin()))
	require.NoError(t, db.AutoMigrate(&scopedRow{}, &globalRow{}))
	return db
}

func TestBusinessScope_FiltersReadsAndWrites(t *testing.T) {
	db := newScopedDB(t)
	require.NoError(t, db.Create(&[]scopedRow{
		{BusinessId: "biz-1", Name: "cola"},
		{BusinessId: "biz-2", Name: "cola"},
		{BusinessId: "biz-2", Name: "chips"},
	}).Error)

	ctx := appctx.WithBusinessId(context.Background(), "biz-2")
	var rows []scopedRow
	require.NoError(t, db.WithContext(ctx).Where("name = ?", "cola").Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, "biz-2", rows[0].BusinessId)

	res := db.WithContext(ctx).Model(&scopedRow{}).Where("name = ?", "cola").Update("name", "soda")
	require.NoError(t, res.Error)
	require.EqualValues(t, 1, res.RowsAffected)

	var untouched scopedRow
	require.NoError(t, db.Where("business_id = ?", "biz-1").First(&untouched).Error)
	require.Equal(t, "cola", untouched.Name)

	// an explicit business filter wins
	var other []scopedRow
	require.NoError(t, db.WithContext(ctx).Where("business_id = ?", "biz-1").Find(&other).Error)
	require.Len(t, other, 1)

	skip := appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true)
	var count int64
	require.NoError(t, db.WithContext(skip).Model(&scopedRow{}).Count(&count).Error)
	require.EqualValues(t, 3, count)
}

func TestBusinessScope_StampsCreates(t *testing.T) {
	db := newScopedDB(t)
	ctx := appctx.WithBusinessId(context.Background(), "biz-9")

	row := scopedRow{Name: "water"}
	require.NoError(t, db.WithContext(ctx).Create(&row).Error)
	require.Equal(t, "biz-9", row.BusinessId)

	batch := []scopedRow{{Name: "gum"}, {BusinessId: "biz-1", Name: "mints"}}
	require.NoError(t, db.WithContext(ctx).Create(&batch).Error)
	require.Equal(t, "biz-9", batch[0].BusinessId)
	require.Equal(t, "biz-1", batch[1].BusinessId)

	// tables without business_id are left alone
	g := globalRow{Name: "shared"}
	require.NoError(t, db.WithContext(ctx).Create(&g).Error)
	var n int64
	require.NoError(t, db.WithContext(ctx).Model(&globalRow{}).Count(&n).Error)
	require.EqualValues(t, 1, n)
}
