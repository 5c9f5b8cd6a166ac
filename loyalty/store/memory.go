// Package store provides an in-memory loyalty.LedgerStore.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/warp/stamp-ledger/loyalty"
)

// DefaultLockTimeout bounds how long Lock waits for a busy account.
const DefaultLockTimeout = 5 * time.Second

var errLockTimeout = errors.New("lock wait timeout")

var _ loyalty.LedgerStore = (*Memory)(nil)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps committed state in maps guarded by mu. Row locks are
// one-slot semaphores keyed by row, so operations on different accounts
// never wait on each other.
type Memory struct {
	mu        sync.RWMutex
	customers map[loyalty.CustomerID]loyalty.Customer
	byCode    map[string]loyalty.CustomerID
	accounts  map[loyalty.AccountID]loyalty.Account
	byOwner   map[loyalty.CustomerID]loyalty.AccountID
	events    map[loyalty.AccountID][]loyalty.StampEvent
	rewards   map[loyalty.AccountID][]loyalty.RewardRecord

	seq atomic.Int64

	lockMu      sync.Mutex
	rowLocks    map[string]*rowLock
	lockTimeout time.Duration
}

// NewMemory returns an empty store. lockTimeout <= 0 selects DefaultLockTimeout.
func NewMemory(lockTimeout time.Duration) *Memory {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	m := &Memory{
		rowLocks:    make(map[string]*rowLock),
		lockTimeout: lockTimeout,
	}
	m.resetLocked()
	return m
}

func (m *Memory) resetLocked() {
	m.customers = make(map[loyalty.CustomerID]loyalty.Customer)
	m.byCode = make(map[string]loyalty.CustomerID)
	m.accounts = make(map[loyalty.AccountID]loyalty.Account)
	m.byOwner = make(map[loyalty.CustomerID]loyalty.AccountID)
	m.events = make(map[loyalty.AccountID][]loyalty.StampEvent)
	m.rewards = make(map[loyalty.AccountID][]loyalty.RewardRecord)
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// =============================================================================
// REGISTRAR
// =============================================================================

// Register stores c and a fresh (0, 0) account.
func (m *Memory) Register(_ context.Context, c loyalty.Customer) (loyalty.Account, error) {
	code, err := loyalty.NormalizeIdentifier(c.MemberCode)
	if err != nil {
		return loyalty.Account{}, err
	}
	c.MemberCode = code
	if c.ID == "" {
		c.ID = loyalty.CustomerID(uuid.NewString())
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byCode[code]; exists {
		return loyalty.Account{}, fmt.Errorf("%w: %s", loyalty.ErrDuplicateMember, code)
	}
	acct := loyalty.Account{
		ID:         loyalty.AccountID(uuid.NewString()),
		CustomerID: c.ID,
		MemberCode: code,
		UpdatedAt:  c.CreatedAt,
	}
	m.customers[c.ID] = c
	m.byCode[code] = c.ID
	m.accounts[acct.ID] = acct
	m.byOwner[c.ID] = acct.ID
	return acct, nil
}

// Reset drops all data. Row locks held by in-flight units of work stay
// valid; each entry is pruned when its last holder or waiter lets go.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	return nil
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) Account(_ context.Context, identifier string) (loyalty.Account, error) {
	code, err := loyalty.NormalizeIdentifier(identifier)
	if err != nil {
		return loyalty.Account{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accountByCodeLocked(code)
	if !ok {
		return loyalty.Account{}, &loyalty.NotFoundError{Identifier: code}
	}
	return acct, nil
}

func (m *Memory) Accounts(_ context.Context) ([]loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]loyalty.Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MemberCode < result[j].MemberCode })
	return result, nil
}

func (m *Memory) StampEvents(_ context.Context, id loyalty.AccountID) ([]loyalty.StampEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]loyalty.StampEvent{}, m.events[id]...), nil
}

func (m *Memory) RewardRecords(_ context.Context, id loyalty.AccountID) ([]loyalty.RewardRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]loyalty.RewardRecord{}, m.rewards[id]...), nil
}

// Ledger copies one account's row, events and rewards under a single read
// lock. commit swaps all three under the write lock, so they always agree.
func (m *Memory) Ledger(_ context.Context, id loyalty.AccountID) (loyalty.LedgerSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return loyalty.LedgerSnapshot{}, &loyalty.NotFoundError{Identifier: string(id)}
	}
	return loyalty.LedgerSnapshot{
		Account: acct,
		Events:  append([]loyalty.StampEvent{}, m.events[id]...),
		Rewards: append([]loyalty.RewardRecord{}, m.rewards[id]...),
	}, nil
}

func (m *Memory) accountByCodeLocked(code string) (loyalty.Account, bool) {
	cid, ok := m.byCode[code]
	if !ok {
		return loyalty.Account{}, false
	}
	acct, ok := m.accounts[m.byOwner[cid]]
	return acct, ok
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithinUnitOfWork runs fn against a private working copy of every account
// it locks. The copies are swapped into committed state only if fn returns
// nil, so a failed or panicking fn leaves nothing behind.
func (m *Memory) WithinUnitOfWork(ctx context.Context, fn func(context.Context, loyalty.UnitOfWork) error) error {
	uow := &memoryUnit{parent: m, working: make(map[loyalty.AccountID]*workingAccount)}
	defer uow.release()

	if err := fn(ctx, uow); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	uow.commit()
	return nil
}

type workingAccount struct {
	account loyalty.Account
	events  []loyalty.StampEvent
	rewards []loyalty.RewardRecord
	dirty   bool
}

type memoryUnit struct {
	parent   *Memory
	working  map[loyalty.AccountID]*workingAccount
	releases []func()
}

func (u *memoryUnit) release() {
	// Reverse order: account lock before customer lock.
	for i := len(u.releases) - 1; i >= 0; i-- {
		u.releases[i]()
	}
	u.releases = nil
}

func (u *memoryUnit) commit() {
	m := u.parent
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, w := range u.working {
		if !w.dirty {
			continue
		}
		// Registration could have been reset underneath us in dev mode.
		if _, ok := m.accounts[id]; !ok {
			continue
		}
		m.accounts[id] = w.account
		m.events[id] = w.events
		m.rewards[id] = w.rewards
	}
}

func (u *memoryUnit) Lock(ctx context.Context, identifier string) (*loyalty.AccountHandle, error) {
	m := u.parent

	m.mu.RLock()
	cid, found := m.byCode[strings.TrimSpace(identifier)]
	aid := m.byOwner[cid]
	m.mu.RUnlock()
	if !found {
		return nil, &loyalty.NotFoundError{Identifier: identifier}
	}
	if w, ok := u.working[aid]; ok {
		return &loyalty.AccountHandle{Account: w.account}, nil
	}

	// Fixed order: customer row, then account row.
	for _, key := range []string{"customer:" + string(cid), "account:" + string(aid)} {
		release, err := m.acquire(ctx, key)
		if err != nil {
			if errors.Is(err, errLockTimeout) {
				return nil, &loyalty.ConflictError{Identifier: identifier, Err: err}
			}
			return nil, err
		}
		u.releases = append(u.releases, release)
	}

	m.mu.RLock()
	acct, ok := m.accounts[aid]
	w := &workingAccount{
		account: acct,
		events:  append([]loyalty.StampEvent{}, m.events[aid]...),
		rewards: append([]loyalty.RewardRecord{}, m.rewards[aid]...),
	}
	m.mu.RUnlock()
	if !ok {
		return nil, &loyalty.NotFoundError{Identifier: identifier}
	}

	u.working[aid] = w
	return &loyalty.AccountHandle{Account: acct}, nil
}

func (u *memoryUnit) locked(id loyalty.AccountID) (*workingAccount, error) {
	w, ok := u.working[id]
	if !ok {
		return nil, fmt.Errorf("account %s is not locked in this unit of work", id)
	}
	return w, nil
}

func (u *memoryUnit) SaveCounters(_ context.Context, id loyalty.AccountID, stamps, rewards int, at time.Time) error {
	w, err := u.locked(id)
	if err != nil {
		return err
	}
	if stamps < 0 || stamps >= loyalty.CycleLength || rewards < 0 {
		return fmt.Errorf("counters out of range: stamps=%d rewards=%d", stamps, rewards)
	}
	w.account.CurrentStamps = stamps
	w.account.TotalRewards = rewards
	w.account.UpdatedAt = at
	w.dirty = true
	return nil
}

func (u *memoryUnit) Append(_ context.Context, ev loyalty.StampEvent) (loyalty.StampEvent, error) {
	w, err := u.locked(ev.AccountID)
	if err != nil {
		return loyalty.StampEvent{}, err
	}
	if ev.StampIndex < 1 || ev.StampIndex > loyalty.CycleLength {
		return loyalty.StampEvent{}, fmt.Errorf("stamp index out of range: %d", ev.StampIndex)
	}
	ev.Seq = u.parent.seq.Add(1)
	w.events = append(w.events, ev)
	w.dirty = true
	return ev, nil
}

func (u *memoryUnit) DeleteMostRecent(_ context.Context, id loyalty.AccountID, expectedStampIndex int) (loyalty.StampEvent, error) {
	w, err := u.locked(id)
	if err != nil {
		return loyalty.StampEvent{}, err
	}

	best := -1
	for i, ev := range w.events {
		if ev.StampIndex != expectedStampIndex {
			continue
		}
		if best < 0 || newerEvent(ev, w.events[best]) {
			best = i
		}
	}
	if best < 0 {
		return loyalty.StampEvent{}, fmt.Errorf("%w: account %s index %d",
			loyalty.ErrAuditTrailMissing, id, expectedStampIndex)
	}

	removed := w.events[best]
	w.events = append(w.events[:best:best], w.events[best+1:]...)
	w.dirty = true
	return removed, nil
}

func newerEvent(a, b loyalty.StampEvent) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.After(b.OccurredAt)
	}
	return a.Seq > b.Seq
}

func (u *memoryUnit) Issue(_ context.Context, id loyalty.AccountID, at time.Time) (loyalty.RewardRecord, error) {
	w, err := u.locked(id)
	if err != nil {
		return loyalty.RewardRecord{}, err
	}
	rec := loyalty.RewardRecord{
		ID:        loyalty.RewardID(uuid.NewString()),
		AccountID: id,
		IssuedAt:  at,
	}
	w.rewards = append(w.rewards, rec)
	w.dirty = true
	return rec, nil
}

func (u *memoryUnit) RetractMostRecent(_ context.Context, id loyalty.AccountID) (loyalty.RewardRecord, error) {
	w, err := u.locked(id)
	if err != nil {
		return loyalty.RewardRecord{}, err
	}
	if len(w.rewards) == 0 {
		return loyalty.RewardRecord{}, fmt.Errorf("%w: account %s", loyalty.ErrRewardMissing, id)
	}
	// Rewards are appended in issue order, so the last one is the newest.
	last := len(w.rewards) - 1
	removed := w.rewards[last]
	w.rewards = w.rewards[:last:last]
	w.dirty = true
	return removed, nil
}

// =============================================================================
// ROW LOCKS
// =============================================================================

// rowLock is a one-slot semaphore plus the number of goroutines holding
// or waiting on it. The entry is removed from rowLocks when refs hits 0.
type rowLock struct {
	sem  chan struct{}
	refs int
}

func (m *Memory) ref(key string) *rowLock {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.rowLocks[key]
	if !ok {
		l = &rowLock{sem: make(chan struct{}, 1)}
		m.rowLocks[key] = l
	}
	l.refs++
	return l
}

func (m *Memory) unref(key string, l *rowLock) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.rowLocks, key)
	}
}

func (m *Memory) acquire(ctx context.Context, key string) (func(), error) {
	l := m.ref(key)
	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			m.unref(key, l)
		}, nil
	case <-timer.C:
		m.unref(key, l)
		return nil, errLockTimeout
	case <-ctx.Done():
		m.unref(key, l)
		return nil, ctx.Err()
	}
}

// lockedRows reports how many row lock entries are live.
func (m *Memory) lockedRows() int {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	return len(m.rowLocks)
}
