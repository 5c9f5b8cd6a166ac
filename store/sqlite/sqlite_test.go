package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stamp-ledger/loyalty"
	"github.com/warp/stamp-ledger/store/sqlite"
	"github.com/warp/stamp-ledger/store/storetest"
)

const testLockTimeout = time.Second

func newFileStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := sqlite.New(path, testLockTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, storetest.Harness{
		New:         func(t *testing.T) loyalty.LedgerStore { return newFileStore(t) },
		LockTimeout: testLockTimeout,
		Concurrency: 20,
	})
}

func TestSQLite_InMemoryDatabase(t *testing.T) {
	// GIVEN: a :memory: store (single connection)
	s, err := sqlite.New(":memory:", testLockTimeout)
	require.NoError(t, err)
	defer s.Close()

	// WHEN: a member completes a cycle
	e := storetest.NewEngine(s)
	storetest.Seed(t, s, e, "MEM-1", 0, 1)

	// THEN: the ledger is consistent
	acct := storetest.AssertLedgerConsistent(t, s, "MEM-1")
	assert.Equal(t, 1, acct.TotalRewards)
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	_, err := s.Register(ctx, loyalty.Customer{MemberCode: "MEM-1"})
	require.NoError(t, err)

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	_, err = s.Account(ctx, "MEM-1")
	require.NoError(t, err)
}

func TestSQLite_ReopenKeepsLedger(t *testing.T) {
	// GIVEN: a ledger written through one handle
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := sqlite.New(path, testLockTimeout)
	require.NoError(t, err)
	e := storetest.NewEngine(s)
	storetest.Seed(t, s, e, "MEM-1", 7, 2)
	require.NoError(t, s.Close())

	// WHEN: the file is reopened
	s, err = sqlite.New(path, testLockTimeout)
	require.NoError(t, err)
	defer s.Close()

	// THEN: counters and history survived, in order
	acct := storetest.AssertLedgerConsistent(t, s, "MEM-1")
	assert.Equal(t, 7, acct.CurrentStamps)
	assert.Equal(t, 2, acct.TotalRewards)

	events, err := s.StampEvents(context.Background(), acct.ID)
	require.NoError(t, err)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].OccurredAt.Before(events[i-1].OccurredAt))
	}
}
