/*
Package loyalty provides the stamp ledger engine for the retail loyalty program.

PURPOSE:
  Customers collect one stamp per qualifying purchase. Every 12th stamp
  completes a cycle: the counter resets to zero and a reward is issued.
  This package owns the rules for moving an account's counters forward
  (AddStamp) and back (RemoveStamp), the audit trail that makes the
  backward move possible, and the calendar blackout that freezes both.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account:      The mutable counter pair (CurrentStamps, TotalRewards)
  - StampEvent:   One immutable audit row per granted stamp
  - RewardRecord: One row per completed cycle
  - Request/Result: What callers hand the engine and what they get back

INVARIANTS:
  1. CurrentStamps is always observed in [0, 11]. The 11 -> 12 -> 0
     transition happens inside one unit of work.
  2. count(StampEvent) == CycleLength*TotalRewards + CurrentStamps
  3. TotalRewards == count(RewardRecord)

USAGE:
  engine := loyalty.NewEngine(store, loyalty.Options{})
  res, err := engine.AddStamp(ctx, "MEM-0042")
  if errors.Is(err, loyalty.ErrBlackout) {
      // mutations are paused today
  }

SEE ALSO:
  - engine.go:  Ledger transaction engine
  - store.go:   Storage ports (unit of work, locator, audit log, rewards)
  - holiday.go: Blackout calendar
  - errors.go:  Error taxonomy
*/
package loyalty

import "time"

// CycleLength is the number of stamps that completes one reward cycle.
const CycleLength = 12

// MaxIdentifierLength bounds the member codes the engine will look up.
const MaxIdentifierLength = 64

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	CustomerID string
	AccountID  string
	RewardID   string
)

// =============================================================================
// ACCOUNT - Mutable counters, owned by the engine
// =============================================================================

// Customer is the registration record an account hangs off.
// Registration itself happens outside the ledger.
type Customer struct {
	ID         CustomerID
	MemberCode string
	Name       string
	Email      string
	CreatedAt  time.Time
}

// Account is a point-in-time snapshot of a loyalty account.
type Account struct {
	ID            AccountID
	CustomerID    CustomerID
	MemberCode    string
	CurrentStamps int
	TotalRewards  int
	UpdatedAt     time.Time
}

// StampsToNextReward returns how many stamps are still missing in the current cycle.
func (a Account) StampsToNextReward() int {
	return CycleLength - a.CurrentStamps
}

// ExpectedEventCount is the number of StampEvents the audit log must hold
// for this account when it is quiescent.
func (a Account) ExpectedEventCount() int {
	return CycleLength*a.TotalRewards + a.CurrentStamps
}

// AccountHandle is a locked account inside an open unit of work.
// It must not escape the unit of work it was obtained in.
type AccountHandle struct {
	Account
}

// =============================================================================
// AUDIT AND REWARD RECORDS
// =============================================================================

// StampEvent records one granted stamp. StampIndex is the position of the
// stamp within its cycle; 12 marks the stamp that completed the cycle.
type StampEvent struct {
	Seq        int64 // insertion sequence, assigned by the store
	AccountID  AccountID
	StampIndex int
	OccurredAt time.Time
}

// RewardRecord records one completed cycle.
type RewardRecord struct {
	ID        RewardID
	AccountID AccountID
	IssuedAt  time.Time
}

// =============================================================================
// REQUEST / RESULT
// =============================================================================

type Operation string

const (
	OpAdd    Operation = "add"
	OpRemove Operation = "remove"
)

// Valid reports whether op names a supported ledger operation.
func (op Operation) Valid() bool {
	return op == OpAdd || op == OpRemove
}

// Request is the engine's input shape.
type Request struct {
	AccountIdentifier string
	Operation         Operation
}

// Result is the state of the account after a ledger operation committed.
type Result struct {
	Operation    Operation
	Account      Account
	RewardIssued bool
	Reward       *RewardRecord // set when RewardIssued
	NoOp         bool          // RemoveStamp at (0, 0)
}
