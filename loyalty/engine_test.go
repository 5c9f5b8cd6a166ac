package loyalty_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stamp-ledger/loyalty"
	"github.com/warp/stamp-ledger/loyalty/store"
	"github.com/warp/stamp-ledger/store/storetest"
)

var christmasNoon = time.Date(2025, time.December, 25, 6, 30, 0, 0, time.UTC)

// countingStore records how often a unit of work was opened and can inject
// failures into individual port calls.
type countingStore struct {
	loyalty.LedgerStore
	opened int

	failAppend bool
	failIssue  bool
	failSave   bool
}

func (s *countingStore) WithinUnitOfWork(ctx context.Context, fn func(context.Context, loyalty.UnitOfWork) error) error {
	s.opened++
	return s.LedgerStore.WithinUnitOfWork(ctx, func(ctx context.Context, uow loyalty.UnitOfWork) error {
		return fn(ctx, &faultyUnit{UnitOfWork: uow, s: s})
	})
}

var errDisk = errors.New("disk I/O error")

type faultyUnit struct {
	loyalty.UnitOfWork
	s *countingStore
}

func (u *faultyUnit) Append(ctx context.Context, ev loyalty.StampEvent) (loyalty.StampEvent, error) {
	if u.s.failAppend {
		return ev, errDisk
	}
	return u.UnitOfWork.Append(ctx, ev)
}

func (u *faultyUnit) Issue(ctx context.Context, id loyalty.AccountID, at time.Time) (loyalty.RewardRecord, error) {
	if u.s.failIssue {
		return loyalty.RewardRecord{}, errDisk
	}
	return u.UnitOfWork.Issue(ctx, id, at)
}

func (u *faultyUnit) SaveCounters(ctx context.Context, id loyalty.AccountID, stamps, rewards int, at time.Time) error {
	if u.s.failSave {
		return errDisk
	}
	return u.UnitOfWork.SaveCounters(ctx, id, stamps, rewards, at)
}

type recordedOp struct {
	op      loyalty.Operation
	outcome string
	reward  bool
}

type recordingObserver struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (o *recordingObserver) ObserveLedgerOperation(op loyalty.Operation, outcome string, rewardIssued bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, recordedOp{op, outcome, rewardIssued})
}

func newSeeded(t *testing.T, stamps, rewards int) (*store.Memory, *countingStore) {
	t.Helper()
	mem := store.NewMemory(time.Second)
	storetest.Seed(t, mem, storetest.NewEngine(mem), "MEM-1", stamps, rewards)
	return mem, &countingStore{LedgerStore: mem}
}

func TestEngine_BlackoutTouchesNothing(t *testing.T) {
	days := []struct {
		name   string
		now    time.Time
		reason string
	}{
		{"christmas", christmasNoon, "christmas_day"},
		{"new years eve", time.Date(2025, time.December, 31, 10, 0, 0, 0, time.UTC), "new_years_eve"},
		// Midnight UTC+05:30 on Jan 1 is still Dec 31 in UTC.
		{"new years day", time.Date(2025, time.December, 31, 18, 30, 0, 0, time.UTC), "new_years_day"},
	}
	for _, day := range days {
		for _, op := range []loyalty.Operation{loyalty.OpAdd, loyalty.OpRemove} {
			t.Run(day.name+"/"+string(op), func(t *testing.T) {
				// GIVEN: an account at (5, 1) and a clock on a blackout date
				mem, cs := newSeeded(t, 5, 1)
				e := loyalty.NewEngine(cs, loyalty.Options{Now: func() time.Time { return day.now }})

				// WHEN: a mutation is attempted
				_, err := e.Apply(context.Background(), loyalty.Request{AccountIdentifier: "MEM-1", Operation: op})

				// THEN: it is refused with the reason key and storage was never opened
				var be *loyalty.BlackoutError
				require.ErrorAs(t, err, &be)
				assert.Equal(t, day.reason, be.Status.ReasonKey)
				assert.Zero(t, cs.opened)

				acct := storetest.AssertLedgerConsistent(t, mem, "MEM-1")
				assert.Equal(t, 5, acct.CurrentStamps)
				assert.Equal(t, 1, acct.TotalRewards)
			})
		}
	}
}

func TestEngine_BlackoutIsCheckedBeforeLookup(t *testing.T) {
	e := loyalty.NewEngine(store.NewMemory(0), loyalty.Options{Now: func() time.Time { return christmasNoon }})

	_, err := e.AddStamp(context.Background(), "nobody")
	assert.ErrorIs(t, err, loyalty.ErrBlackout)
}

func TestEngine_Validation(t *testing.T) {
	_, cs := newSeeded(t, 0, 0)
	e := storetest.NewEngine(cs)
	ctx := context.Background()

	tests := []struct {
		name string
		req  loyalty.Request
	}{
		{"empty identifier", loyalty.Request{AccountIdentifier: "   ", Operation: loyalty.OpAdd}},
		{"control characters", loyalty.Request{AccountIdentifier: "MEM\x00-1", Operation: loyalty.OpAdd}},
		{"too long", loyalty.Request{AccountIdentifier: string(bytes.Repeat([]byte("x"), loyalty.MaxIdentifierLength+1)), Operation: loyalty.OpRemove}},
		{"unknown operation", loyalty.Request{AccountIdentifier: "MEM-1", Operation: "double"}},
		{"missing operation", loyalty.Request{AccountIdentifier: "MEM-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Apply(ctx, tt.req)
			var ve *loyalty.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "validation", loyalty.Kind(err))
		})
	}
	assert.Zero(t, cs.opened)
}

func TestEngine_IdentifierIsTrimmed(t *testing.T) {
	_, cs := newSeeded(t, 0, 0)
	e := storetest.NewEngine(cs)

	res, err := e.AddStamp(context.Background(), "  MEM-1\t")
	require.NoError(t, err)
	assert.Equal(t, "MEM-1", res.Account.MemberCode)
	assert.Equal(t, 1, res.Account.CurrentStamps)
	assert.Equal(t, 11, res.Account.StampsToNextReward())
}

func TestEngine_StorageFailureRollsBack(t *testing.T) {
	tests := []struct {
		name   string
		stamps int
		op     loyalty.Operation
		inject func(*countingStore)
	}{
		{"append fails on plain add", 4, loyalty.OpAdd, func(s *countingStore) { s.failAppend = true }},
		{"append fails after reward issued", 11, loyalty.OpAdd, func(s *countingStore) { s.failAppend = true }},
		{"issue fails", 11, loyalty.OpAdd, func(s *countingStore) { s.failIssue = true }},
		{"save fails on remove", 4, loyalty.OpRemove, func(s *countingStore) { s.failSave = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: an account at (stamps, 1) and a store that fails one write
			mem, cs := newSeeded(t, tt.stamps, 1)
			tt.inject(cs)
			obs := &recordingObserver{}
			e := loyalty.NewEngine(cs, loyalty.Options{Now: storetest.NewClock().Now, Observer: obs})

			// WHEN: the operation runs
			_, err := e.Apply(context.Background(), loyalty.Request{AccountIdentifier: "MEM-1", Operation: tt.op})

			// THEN: it is a persistence error and nothing changed
			var pe *loyalty.PersistenceError
			require.ErrorAs(t, err, &pe)
			assert.ErrorIs(t, err, errDisk)
			assert.False(t, loyalty.IsRetryable(err))

			acct := storetest.AssertLedgerConsistent(t, mem, "MEM-1")
			assert.Equal(t, tt.stamps, acct.CurrentStamps)
			assert.Equal(t, 1, acct.TotalRewards)

			require.Len(t, obs.ops, 1)
			assert.Equal(t, "persistence", obs.ops[0].outcome)
			assert.False(t, obs.ops[0].reward)
		})
	}
}

func TestEngine_ObserverSeesEveryOutcome(t *testing.T) {
	_, cs := newSeeded(t, 11, 0)
	obs := &recordingObserver{}
	e := loyalty.NewEngine(cs, loyalty.Options{Now: storetest.NewClock().Now, Observer: obs})
	ctx := context.Background()

	_, _ = e.AddStamp(ctx, "MEM-1")
	_, _ = e.RemoveStamp(ctx, "MEM-1")
	_, _ = e.AddStamp(ctx, "MEM-404")
	_, _ = e.AddStamp(ctx, "")

	assert.Equal(t, []recordedOp{
		{loyalty.OpAdd, "ok", true},
		{loyalty.OpRemove, "ok", false},
		{loyalty.OpAdd, "not_found", false},
		{loyalty.OpAdd, "validation", false},
	}, obs.ops)
}

func TestEngine_LogsPersistenceFailuresAtError(t *testing.T) {
	// GIVEN: an engine logging JSON into a buffer
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	_, cs := newSeeded(t, 2, 0)
	cs.failAppend = true
	e := loyalty.NewEngine(cs, loyalty.Options{Now: storetest.NewClock().Now, Logger: logger})

	// WHEN: a write fails
	_, err := e.AddStamp(context.Background(), "MEM-1")
	require.Error(t, err)

	// THEN: one ERROR record names the member and the kind
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "MEM-1", rec["member_code"])
	assert.Equal(t, "persistence", rec["kind"])
}

func TestEngine_NoOpAtFloorWritesNothing(t *testing.T) {
	mem, cs := newSeeded(t, 0, 0)
	before, err := mem.Account(context.Background(), "MEM-1")
	require.NoError(t, err)

	res, err := storetest.NewEngine(cs).RemoveStamp(context.Background(), "MEM-1")
	require.NoError(t, err)
	assert.True(t, res.NoOp)

	after, err := mem.Account(context.Background(), "MEM-1")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}
