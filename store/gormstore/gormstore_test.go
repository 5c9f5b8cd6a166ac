package gormstore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/warp/stamp-ledger/loyalty"
	"github.com/warp/stamp-ledger/store/gormstore"
	"github.com/warp/stamp-ledger/store/storetest"
)

func newTestStore(t *testing.T) *gormstore.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := gormstore.Open(sqlite.Open(dsn), gormstore.Options{})
	require.NoError(t, err)

	// SQLite has one writer; a single pooled connection keeps writers
	// queued in Go instead of failing with SQLITE_BUSY.
	sqlDB, err := s.DB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestGormConformance(t *testing.T) {
	storetest.Run(t, storetest.Harness{
		New:         func(t *testing.T) loyalty.LedgerStore { return newTestStore(t) },
		Concurrency: 20,
	})
}

func TestGorm_SchemaConstraints(t *testing.T) {
	// GIVEN: a registered account
	s := newTestStore(t)
	ctx := context.Background()
	acct, err := s.Register(ctx, loyalty.Customer{MemberCode: "MEM-1"})
	require.NoError(t, err)

	// WHEN: counters outside the cycle are written directly
	err = s.DB().Model(&gormstore.Account{}).Where("id = ?", string(acct.ID)).
		Update("current_stamps", loyalty.CycleLength).Error

	// THEN: the CHECK constraint rejects them
	require.Error(t, err)

	got, err := s.Account(ctx, "MEM-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStamps)
}

func TestGorm_ResetClearsEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := storetest.NewEngine(s)
	storetest.Seed(t, s, e, "MEM-1", 3, 1)

	require.NoError(t, s.Reset(ctx))

	var count int64
	for _, model := range []any{&gormstore.Customer{}, &gormstore.Account{}, &gormstore.StampEvent{}, &gormstore.RewardRecord{}} {
		require.NoError(t, s.DB().Model(model).Count(&count).Error)
		assert.Zero(t, count, "%T", model)
	}
}

func TestGorm_ReusesExistingHandle(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	s, err := gormstore.New(db, gormstore.Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Register(context.Background(), loyalty.Customer{MemberCode: "MEM-1"})
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&gormstore.StampEvent{}))
}
