/*
store.go - Storage ports for the stamp ledger

PURPOSE:
  Defines the narrow interface between the engine and durable storage.
  The engine keeps no state between calls; everything it reads or writes
  goes through a UnitOfWork obtained from Store.WithinUnitOfWork.

KEY INTERFACES:
  Store:          Opens one atomic unit of work
  UnitOfWork:     Everything the engine may do inside it
  AccountLocator: Resolve identifier -> locked account
  AuditLog:       Append / delete-most-recent stamp events
  RewardIssuer:   Issue / retract reward records
  Reader:         Read-only queries outside a unit of work; Ledger is the
                  only read that is consistent across tables
  Registrar:      Account creation (registration is external; used by
                  seeding and tests)

LOCKING CONTRACT:
  AccountLocator.Lock takes the customer row first and the account row
  second, and holds both until the unit of work ends. Every store uses
  the same order so two operations can never wait on each other.
  A lock wait longer than the store's lock timeout fails with
  *ConflictError; it never queues forever.

ATOMICITY:
  Counters, the stamp event, and the reward record are committed together
  or not at all. If fn returns an error (or panics) nothing is persisted.

IMPLEMENTATIONS:
  - loyalty/store/memory.go:    In-memory, per-account semaphores
  - store/sqlite/sqlite.go:     database/sql + mattn/go-sqlite3
  - store/gormstore/gormstore.go: gorm (Postgres in production)

SEE ALSO:
  - engine.go: The only caller of UnitOfWork
  - store/storetest: Conformance suite every implementation runs
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// UNIT OF WORK
// =============================================================================

// Store opens units of work.
type Store interface {
	// WithinUnitOfWork runs fn inside one transaction.
	// fn returning nil commits; any error rolls back and is returned as is.
	WithinUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// UnitOfWork is the set of operations available inside one transaction.
type UnitOfWork interface {
	AccountLocator
	AuditLog
	RewardIssuer

	// SaveCounters persists the account's new counter pair.
	SaveCounters(ctx context.Context, id AccountID, stamps, rewards int, at time.Time) error
}

// AccountLocator resolves and locks accounts.
type AccountLocator interface {
	// Lock resolves identifier (a member code) and locks the customer and
	// account rows until the unit of work ends.
	Lock(ctx context.Context, identifier string) (*AccountHandle, error)
}

// AuditLog holds one StampEvent per granted stamp.
type AuditLog interface {
	// Append stores ev and returns it with Seq assigned.
	Append(ctx context.Context, ev StampEvent) (StampEvent, error)

	// DeleteMostRecent removes the newest event for id with the given stamp
	// index (latest OccurredAt, ties broken by highest Seq) and returns it.
	// Returns ErrAuditTrailMissing when there is none.
	DeleteMostRecent(ctx context.Context, id AccountID, expectedStampIndex int) (StampEvent, error)
}

// RewardIssuer holds one RewardRecord per completed cycle.
type RewardIssuer interface {
	Issue(ctx context.Context, id AccountID, at time.Time) (RewardRecord, error)

	// RetractMostRecent removes the newest reward record for id and returns it.
	// Returns ErrRewardMissing when there is none.
	RetractMostRecent(ctx context.Context, id AccountID) (RewardRecord, error)
}

// =============================================================================
// READ SIDE
// =============================================================================

// Reader answers queries outside a unit of work. Results are committed state.
type Reader interface {
	Account(ctx context.Context, identifier string) (Account, error)
	Accounts(ctx context.Context) ([]Account, error)

	// StampEvents returns the account's events oldest first.
	StampEvents(ctx context.Context, id AccountID) ([]StampEvent, error)

	// RewardRecords returns the account's rewards oldest first.
	RewardRecords(ctx context.Context, id AccountID) ([]RewardRecord, error)

	// Ledger reads the account's counters, events and rewards as of one
	// instant, so no unit of work can commit between the three reads.
	Ledger(ctx context.Context, id AccountID) (LedgerSnapshot, error)
}

// LedgerSnapshot is one account's committed state read atomically.
type LedgerSnapshot struct {
	Account Account
	Events  []StampEvent   // oldest first
	Rewards []RewardRecord // oldest first
}

// Registrar creates accounts. Production registration lives in another
// service; this port exists for seeding and tests.
type Registrar interface {
	// Register stores c and its account at (0, 0).
	Register(ctx context.Context, c Customer) (Account, error)

	// Reset deletes everything. Development only.
	Reset(ctx context.Context) error
}

// LedgerStore is what a complete storage backend provides.
type LedgerStore interface {
	Store
	Reader
	Registrar
	Close() error
}
