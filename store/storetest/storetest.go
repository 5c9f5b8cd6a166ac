// Package storetest is the conformance suite for loyalty.LedgerStore
// implementations. Every store's tests call Run.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stamp-ledger/loyalty"
)

// Harness describes the store under test.
type Harness struct {
	// New returns an empty store. It is called once per subtest and should
	// register cleanup with t.
	New func(t *testing.T) loyalty.LedgerStore

	// LockTimeout is the lock timeout New configured. Zero skips the
	// lock-timeout test (for stores whose waits cannot be bounded).
	LockTimeout time.Duration

	// Concurrency is the number of goroutines used by the race tests.
	Concurrency int
}

// Clock is a goroutine-safe fake clock that advances one millisecond per
// reading. It starts on a day outside every blackout.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// NewEngine returns an engine over s driven by a fresh Clock.
func NewEngine(s loyalty.Store) *loyalty.Engine {
	return loyalty.NewEngine(s, loyalty.Options{Now: NewClock().Now})
}

// Seed registers code and drives it to (stamps, rewards) through the engine.
func Seed(t *testing.T, s loyalty.LedgerStore, e *loyalty.Engine, code string, stamps, rewards int) loyalty.Account {
	t.Helper()
	ctx := context.Background()
	_, err := s.Register(ctx, loyalty.Customer{MemberCode: code, Name: "Member " + code})
	require.NoError(t, err)

	var acct loyalty.Account
	for i := 0; i < loyalty.CycleLength*rewards+stamps; i++ {
		res, err := e.AddStamp(ctx, code)
		require.NoError(t, err)
		acct = res.Account
	}
	if stamps == 0 && rewards == 0 {
		acct, err = s.Account(ctx, code)
		require.NoError(t, err)
	}
	require.Equal(t, stamps, acct.CurrentStamps)
	require.Equal(t, rewards, acct.TotalRewards)
	return acct
}

// AssertLedgerConsistent checks the count invariants for code.
func AssertLedgerConsistent(t *testing.T, s loyalty.LedgerStore, code string) loyalty.Account {
	t.Helper()
	ctx := context.Background()

	acct, err := s.Account(ctx, code)
	require.NoError(t, err)
	events, err := s.StampEvents(ctx, acct.ID)
	require.NoError(t, err)
	rewards, err := s.RewardRecords(ctx, acct.ID)
	require.NoError(t, err)

	assert.Len(t, events, acct.ExpectedEventCount(), "stamp events for %s", code)
	assert.Len(t, rewards, acct.TotalRewards, "reward records for %s", code)
	assert.GreaterOrEqual(t, acct.CurrentStamps, 0)
	assert.Less(t, acct.CurrentStamps, loyalty.CycleLength)
	return acct
}

// Run executes the conformance suite.
func Run(t *testing.T, h Harness) {
	if h.Concurrency <= 0 {
		h.Concurrency = 25
	}

	t.Run("RegisterAndRead", func(t *testing.T) { testRegisterAndRead(t, h) })
	t.Run("LockUnknownAccount", func(t *testing.T) { testLockUnknown(t, h) })
	t.Run("AddStampWithinCycle", func(t *testing.T) { testAddWithinCycle(t, h) })
	t.Run("TwelveStampsCompleteCycle", func(t *testing.T) { testTwelveStamps(t, h) })
	t.Run("RewardRollbackScenario", func(t *testing.T) { testRewardRollbackScenario(t, h) })
	t.Run("RemoveAtFloorIsNoOp", func(t *testing.T) { testRemoveAtFloor(t, h) })
	t.Run("InverseLaw", func(t *testing.T) { testInverseLaw(t, h) })
	t.Run("DeleteMostRecentBreaksTiesBySequence", func(t *testing.T) { testDeleteTies(t, h) })
	t.Run("MissingAuditTrail", func(t *testing.T) { testMissingAuditTrail(t, h) })
	t.Run("FailedUnitOfWorkRollsBack", func(t *testing.T) { testRollback(t, h) })
	t.Run("PanicRollsBack", func(t *testing.T) { testPanicRollback(t, h) })
	t.Run("ConcurrentAddsSameAccount", func(t *testing.T) { testConcurrentSameAccount(t, h) })
	t.Run("ConcurrentAddsManyAccounts", func(t *testing.T) { testConcurrentManyAccounts(t, h) })
	t.Run("IntegrityAfterMixedOperations", func(t *testing.T) { testIntegrity(t, h) })
	t.Run("VerifyDuringConcurrentAdds", func(t *testing.T) { testVerifyDuringAdds(t, h) })
	if h.LockTimeout > 0 {
		t.Run("LockTimeoutIsConflict", func(t *testing.T) { testLockTimeout(t, h) })
	}
}

func testRegisterAndRead(t *testing.T, h Harness) {
	s := h.New(t)
	ctx := context.Background()

	acct, err := s.Register(ctx, loyalty.Customer{MemberCode: "  MEM-1 ", Name: "Asha", Email: "asha@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "MEM-1", acct.MemberCode)
	assert.Equal(t, 0, acct.CurrentStamps)
	assert.Equal(t, 0, acct.TotalRewards)
	assert.NotEmpty(t, acct.ID)

	got, err := s.Account(ctx, "MEM-1")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)
	assert.Equal(t, acct.CustomerID, got.CustomerID)

	_, err = s.Register(ctx, loyalty.Customer{MemberCode: "MEM-1"})
	assert.ErrorIs(t, err, loyalty.ErrDuplicateMember)

	_, err = s.Account(ctx, "MEM-404")
	assert.True(t, loyalty.IsNotFound(err))

	_, err = s.Register(ctx, loyalty.Customer{MemberCode: "MEM-2"})
	require.NoError(t, err)
	all, err := s.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "MEM-1", all[0].MemberCode)
	assert.Equal(t, "MEM-2", all[1].MemberCode)

	require.NoError(t, s.Reset(ctx))
	all, err = s.Accounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testLockUnknown(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)

	_, err := e.AddStamp(context.Background(), "MEM-404")
	var nf *loyalty.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "MEM-404", nf.Identifier)
	assert.False(t, loyalty.IsRetryable(err))
}

func testAddWithinCycle(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)
	ctx := context.Background()
	Seed(t, s, e, "MEM-1", 0, 1)

	for n := 0; n <= 10; n++ {
		res, err := e.AddStamp(ctx, "MEM-1")
		require.NoError(t, err)
		assert.Equal(t, n+1, res.Account.CurrentStamps)
		assert.Equal(t, 1, res.Account.TotalRewards)
		assert.False(t, res.RewardIssued)
		assert.Nil(t, res.Reward)
	}

	acct := AssertLedgerConsistent(t, s, "MEM-1")
	events, err := s.StampEvents(ctx, acct.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, 11, last.StampIndex)
}

func testTwelveStamps(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)
	ctx := context.Background()
	Seed(t, s, e, "MEM-1", 0, 0)

	var last loyalty.Result
	for i := 0; i < 12; i++ {
		res, err := e.AddStamp(ctx, "MEM-1")
		require.NoError(t, err)
		assert.Equal(t, i == 11, res.RewardIssued, "stamp %d", i+1)
		last = res
	}

	assert.Equal(t, 0, last.Account.CurrentStamps)
	assert.Equal(t, 1, last.Account.TotalRewards)
	require.NotNil(t, last.Reward)
	assert.False(t, last.Reward.IssuedAt.IsZero())

	acct := AssertLedgerConsistent(t, s, "MEM-1")
	events, err := s.StampEvents(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, events, 12)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.StampIndex)
	}
	rewards, err := s.RewardRecords(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, last.Reward.ID, rewards[0].ID)
}

func testRewardRollbackScenario(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)
	ctx := context.Background()
	acct := Seed(t, s, e, "MEM-1", 10, 2)

	res, err := e.AddStamp(ctx, "MEM-1")
	require.NoError(t, err)
	assert.Equal(t, [2]int{11, 2}, pair(res.Account))
	assert.False(t, res.RewardIssued)

	res, err = e.AddStamp(ctx, "MEM-1")
	require.NoError(t, err)
	assert.Equal(t, [2]int{0, 3}, pair(res.Account))
	assert.True(t, res.RewardIssued)
	require.NotNil(t, res.Reward)
	issued := res.Reward.ID

	rewards, err := s.RewardRecords(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, rewards, 3)

	res, err = e.RemoveStamp(ctx, "MEM-1")
	require.NoError(t, err)
	assert.Equal(t, [2]int{11, 2}, pair(res.Account))
	assert.False(t, res.NoOp)

	rewards, err = s.RewardRecords(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, rewards, 2)
	for _, r := range rewards {
		assert.NotEqual(t, issued, r.ID, "retracted reward still present")
	}

	res, err = e.RemoveStamp(ctx, "MEM-1")
	require.NoError(t, err)
	assert.Equal(t, [2]int{10, 2}, pair(res.Account))

	AssertLedgerConsistent(t, s, "MEM-1")
}

func testRemoveAtFloor(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)
	ctx := context.Background()
	Seed(t, s, e, "MEM-1", 0, 0)

	for i := 0; i < 3; i++ {
		res, err := e.RemoveStamp(ctx, "MEM-1")
		require.NoError(t, err)
		assert.True(t, res.NoOp)
		assert.Equal(t, [2]int{0, 0}, pair(res.Account))
	}
	AssertLedgerConsistent(t, s, "MEM-1")
}

// testInverseLaw walks one account from (0,0) to (11,2). At every state it
// applies AddStamp then RemoveStamp and checks the pair and the audit rows
// came back exactly.
func testInverseLaw(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)
	ctx := context.Background()
	acct := Seed(t, s, e, "MEM-1", 0, 0)

	for step := 0; step < 3*loyalty.CycleLength; step++ {
		before, err := s.Account(ctx, "MEM-1")
		require.NoError(t, err)
		eventsBefore, err := s.StampEvents(ctx, acct.ID)
		require.NoError(t, err)
		rewardsBefore, err := s.RewardRecords(ctx, acct.ID)
		require.NoError(t, err)

		_, err = e.AddStamp(ctx, "MEM-1")
		require.NoError(t, err)
		res, err := e.RemoveStamp(ctx, "MEM-1")
		require.NoError(t, err)
		assert.Equal(t, pair(before), pair(res.Account), "state %v", pair(before))

		eventsAfter, err := s.StampEvents(ctx, acct.ID)
		require.NoError(t, err)
		rewardsAfter, err := s.RewardRecords(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, seqs(eventsBefore), seqs(eventsAfter), "state %v", pair(before))
		assert.Equal(t, rewardIDs(rewardsBefore), rewardIDs(rewardsAfter), "state %v", pair(before))

		_, err = e.AddStamp(ctx, "MEM-1")
		require.NoError(t, err)
	}
	final := AssertLedgerConsistent(t, s, "MEM-1")
	assert.Equal(t, [2]int{0, 3}, pair(final))
}

func testDeleteTies(t *testing.T, h Harness) {
	s := h.New(t)
	ctx := context.Background()
	acct, err := s.Register(ctx, loyalty.Customer{MemberCode: "MEM-1"})
	require.NoError(t, err)

	at := time.Date(2025, time.April, 1, 10, 0, 0, 0, time.UTC)
	var first, second loyalty.StampEvent
	err = s.WithinUnitOfWork(ctx, func(ctx context.Context, uow loyalty.UnitOfWork) error {
		if _, err := uow.Lock(ctx, "MEM-1"); err != nil {
			return err
		}
		if first, err = uow.Append(ctx, loyalty.StampEvent{AccountID: acct.ID, StampIndex: 1, OccurredAt: at}); err != nil {
			return err
		}
		second, err = uow.Append(ctx, loyalty.StampEvent{AccountID: acct.ID, StampIndex: 1, OccurredAt: at})
		return err
	})
	require.NoError(t, err)
	require.Greater(t, second.Seq, first.Seq)

	var removed loyalty.StampEvent
	err = s.WithinUnitOfWork(ctx, func(ctx context.Context, uow loyalty.UnitOfWork) error {
		if _, err := uow.Lock(ctx, "MEM-1"); err != nil {
			return err
		}
		removed, err = uow.DeleteMostRecent(ctx, acct.ID, 1)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, second.Seq, removed.Seq)

	events, err := s.StampEvents(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, first.Seq, events[0].Seq)
}

func testMissingAuditTrail(t *testing.T, h Harness) {
	s := h.New(t)
	ctx := context.Background()
	acct, err := s.Register(ctx, loyalty.Customer{MemberCode: "MEM-1"})
	require.NoError(t, err)

	// Counters without history, as left behind by a legacy import.
	err = s.WithinUnitOfWork(ctx, func(ctx context.Context, uow loyalty.UnitOfWork) error {
		if _, err := uow.Lock(ctx, "MEM-1"); err != nil {
			return err
		}
		if _, err := uow.Issue(ctx, acct.ID, time.Now()); err != nil {
			return err
		}
		return uow.SaveCounters(ctx, acct.ID, 0, 1, time.Now())
	})
	require.NoError(t, err)

	strict := NewEngine(s)
	_, err = strict.RemoveStamp(ctx, "MEM-1")
	require.ErrorIs(t, err, loyalty.ErrAuditTrailMissing)
	require.ErrorIs(t, err, loyalty.ErrPersistence)

	got, err := s.Account(ctx, "MEM-1")
	require.NoError(t, err)
	assert.Equal(t, [2]int{0, 1}, pair(got), "failed rollback must not change counters")

	lenient := loyalty.NewEngine(s, loyalty.Options{Now: NewClock().Now, AllowMissingCycleHistory: true})
	res, err := lenient.RemoveStamp(ctx, "MEM-1")
	require.NoError(t, err)
	assert.Equal(t, [2]int{11, 0}, pair(res.Account))

	rewards, err := s.RewardRecords(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, rewards)
}

var errInjected = errors.New("injected failure")

func testRollback(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)
	ctx := context.Background()
	acct := Seed(t, s, e, "MEM-1", 11, 0)

	err := s.WithinUnitOfWork(ctx, func(ctx context.Context, uow loyalty.UnitOfWork) error {
		h, err := uow.Lock(ctx, "MEM-1")
		if err != nil {
			return err
		}
		if _, err := uow.Issue(ctx, h.ID, time.Now()); err != nil {
			return err
		}
		if err := uow.SaveCounters(ctx, h.ID, 0, 1, time.Now()); err != nil {
			return err
		}
		if _, err := uow.Append(ctx, loyalty.StampEvent{AccountID: h.ID, StampIndex: 12, OccurredAt: time.Now()}); err != nil {
			return err
		}
		return errInjected
	})
	require.ErrorIs(t, err, errInjected)

	got := AssertLedgerConsistent(t, s, "MEM-1")
	assert.Equal(t, [2]int{11, 0}, pair(got))
	rewards, err := s.RewardRecords(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, rewards)

	// The lock must have been released.
	res, err := e.AddStamp(ctx, "MEM-1")
	require.NoError(t, err)
	assert.True(t, res.RewardIssued)
}

func testPanicRollback(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)
	ctx := context.Background()
	acct := Seed(t, s, e, "MEM-1", 3, 0)

	assert.Panics(t, func() {
		_ = s.WithinUnitOfWork(ctx, func(ctx context.Context, uow loyalty.UnitOfWork) error {
			if _, err := uow.Lock(ctx, "MEM-1"); err != nil {
				return err
			}
			if err := uow.SaveCounters(ctx, acct.ID, 9, 0, time.Now()); err != nil {
				return err
			}
			panic("boom")
		})
	})

	got := AssertLedgerConsistent(t, s, "MEM-1")
	assert.Equal(t, [2]int{3, 0}, pair(got))

	_, err := e.AddStamp(ctx, "MEM-1")
	require.NoError(t, err)
}

func testConcurrentSameAccount(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)
	ctx := context.Background()
	acct := Seed(t, s, e, "MEM-1", 0, 0)

	n := h.Concurrency
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		issued  int
		errs    []error
		results []loyalty.Result
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.AddStamp(ctx, "MEM-1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			results = append(results, res)
			if res.RewardIssued {
				issued++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, results, n)

	got := AssertLedgerConsistent(t, s, "MEM-1")
	assert.Equal(t, [2]int{n % loyalty.CycleLength, n / loyalty.CycleLength}, pair(got))
	assert.Equal(t, n/loyalty.CycleLength, issued)

	events, err := s.StampEvents(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, events, n)

	// Serializability: every intermediate state was observed exactly once.
	seen := make(map[[2]int]bool)
	for _, r := range results {
		p := pair(r.Account)
		assert.False(t, seen[p], "state %v produced twice", p)
		seen[p] = true
	}
}

func testConcurrentManyAccounts(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)
	ctx := context.Background()

	const accounts = 5
	perAccount := h.Concurrency/accounts + 1
	for i := 0; i < accounts; i++ {
		Seed(t, s, e, fmt.Sprintf("MEM-%d", i), 0, 0)
	}

	var wg sync.WaitGroup
	errs := make(chan error, accounts*perAccount)
	for i := 0; i < accounts; i++ {
		code := fmt.Sprintf("MEM-%d", i)
		for j := 0; j < perAccount; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := e.AddStamp(ctx, code); err != nil {
					errs <- err
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("AddStamp: %v", err)
	}

	for i := 0; i < accounts; i++ {
		got := AssertLedgerConsistent(t, s, fmt.Sprintf("MEM-%d", i))
		assert.Equal(t, [2]int{perAccount % loyalty.CycleLength, perAccount / loyalty.CycleLength}, pair(got))
	}
}

func testIntegrity(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)
	ctx := context.Background()
	Seed(t, s, e, "MEM-1", 5, 1)
	Seed(t, s, e, "MEM-2", 0, 0)
	Seed(t, s, e, "MEM-3", 11, 0)

	for _, op := range []struct {
		code string
		op   loyalty.Operation
	}{
		{"MEM-1", loyalty.OpRemove}, {"MEM-3", loyalty.OpAdd}, {"MEM-3", loyalty.OpRemove},
		{"MEM-2", loyalty.OpRemove}, {"MEM-3", loyalty.OpRemove}, {"MEM-1", loyalty.OpAdd},
	} {
		_, err := e.Apply(ctx, loyalty.Request{AccountIdentifier: op.code, Operation: op.op})
		require.NoError(t, err)
	}

	report, err := loyalty.Verify(ctx, s, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Accounts)
	assert.True(t, report.OK(), "violations: %+v", report.Violations)
}

func testVerifyDuringAdds(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)
	ctx := context.Background()

	// Seeds sit just below a cycle boundary so the adds issue rewards.
	const accounts = 3
	for i := 0; i < accounts; i++ {
		Seed(t, s, e, fmt.Sprintf("MEM-%d", i), 10, 0)
	}

	done := make(chan struct{})
	var writers sync.WaitGroup
	errs := make(chan error, h.Concurrency)
	for i := 0; i < h.Concurrency; i++ {
		code := fmt.Sprintf("MEM-%d", i%accounts)
		writers.Add(1)
		go func() {
			defer writers.Done()
			if _, err := e.AddStamp(ctx, code); err != nil {
				errs <- err
			}
		}()
	}
	go func() {
		writers.Wait()
		close(done)
	}()

	passes := 0
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		report, err := loyalty.Verify(ctx, s, time.Now())
		if loyalty.IsRetryable(err) {
			continue
		}
		require.NoError(t, err)
		require.True(t, report.OK(), "violations mid-flight: %+v", report.Violations)
		passes++
	}
	close(errs)
	for err := range errs {
		t.Errorf("AddStamp: %v", err)
	}
	assert.Positive(t, passes)
}

func testLockTimeout(t *testing.T, h Harness) {
	s := h.New(t)
	e := NewEngine(s)
	ctx := context.Background()
	Seed(t, s, e, "MEM-1", 4, 0)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinUnitOfWork(ctx, func(ctx context.Context, uow loyalty.UnitOfWork) error {
			if _, err := uow.Lock(ctx, "MEM-1"); err != nil {
				close(locked)
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	_, err := e.AddStamp(ctx, "MEM-1")
	close(release)
	require.NoError(t, <-done)

	require.Error(t, err)
	assert.True(t, loyalty.IsRetryable(err), "want conflict, got %v", err)
	assert.Equal(t, "conflict", loyalty.Kind(err))

	got := AssertLedgerConsistent(t, s, "MEM-1")
	assert.Equal(t, [2]int{4, 0}, pair(got))
}

func pair(a loyalty.Account) [2]int {
	return [2]int{a.CurrentStamps, a.TotalRewards}
}

func seqs(events []loyalty.StampEvent) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.Seq
	}
	return out
}

func rewardIDs(records []loyalty.RewardRecord) []loyalty.RewardID {
	out := make([]loyalty.RewardID, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
