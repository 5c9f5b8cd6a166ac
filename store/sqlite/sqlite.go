/*
Package sqlite provides a SQLite-backed implementation of loyalty.LedgerStore.

PURPOSE:
  Durable single-node storage for the stamp ledger using database/sql and
  mattn/go-sqlite3. The same schema runs on PostgreSQL through
  store/gormstore; this package is the zero-infrastructure option.

INTERFACES IMPLEMENTED:
  loyalty.Store:     WithinUnitOfWork (one SQL transaction)
  loyalty.Reader:    Account / event / reward queries; Ledger in one tx
  loyalty.Registrar: Customer + account creation, Reset

KEY TABLES:
  customers:      Registration records (member_code is unique)
  accounts:       Counter pair per customer; CHECK keeps stamps in [0,11]
  stamp_events:   Audit trail, one row per granted stamp. id is the
                  insertion sequence used to break occurred_at ties
  reward_records: One row per completed cycle

LOCKING:
  SQLite has no row locks. Transactions are opened with BEGIN IMMEDIATE
  (_txlock=immediate), which takes the database write lock up front, so
  the read-compute-write inside a unit of work can never interleave with
  another writer. The customer row is still read before the account row
  to keep the access order identical to the PostgreSQL store.

  Waiting is bounded twice by the lock timeout: once for a pooled
  connection and once by _busy_timeout inside SQLite. Either expiring
  surfaces as *loyalty.ConflictError.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order is chronological.

USAGE:
  store, err := sqlite.New("./data/ledger.db", 5*time.Second)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := loyalty.NewEngine(store, loyalty.Options{})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/warp/stamp-ledger/loyalty"
)

// DefaultLockTimeout bounds how long a unit of work waits for the write lock.
const DefaultLockTimeout = 5 * time.Second

const timeLayout = "2006-01-02T15:04:05.000000000Z"

var _ loyalty.LedgerStore = (*Store)(nil)

// Store implements loyalty.LedgerStore using SQLite.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database; it is limited to one connection.
func New(dbPath string, lockTimeout time.Duration) (*Store, error) {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_txlock=immediate&_busy_timeout=%d",
		dbPath, lockTimeout.Milliseconds())
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, lockTimeout: lockTimeout}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// DB exposes the underlying handle for maintenance tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the database schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		member_code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL UNIQUE REFERENCES customers(id) ON DELETE CASCADE,
		current_stamps INTEGER NOT NULL DEFAULT 0 CHECK (current_stamps BETWEEN 0 AND 11),
		total_rewards INTEGER NOT NULL DEFAULT 0 CHECK (total_rewards >= 0),
		updated_at TEXT NOT NULL
	);

	-- Audit trail. id doubles as the insertion sequence.
	CREATE TABLE IF NOT EXISTS stamp_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		stamp_index INTEGER NOT NULL CHECK (stamp_index BETWEEN 1 AND 12),
		occurred_at TEXT NOT NULL
	);

	-- Hot path for RemoveStamp: newest event with a given index.
	CREATE INDEX IF NOT EXISTS idx_stamp_events_account_index
		ON stamp_events(account_id, stamp_index, occurred_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS reward_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		issued_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reward_records_account
		ON reward_records(account_id, issued_at DESC, seq DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// UNIT OF WORK (loyalty.Store interface)
// =============================================================================

// WithinUnitOfWork runs fn inside one IMMEDIATE transaction.
func (s *Store) WithinUnitOfWork(ctx context.Context, fn func(context.Context, loyalty.UnitOfWork) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	conn, err := s.db.Conn(acquireCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return &loyalty.ConflictError{Err: fmt.Errorf("waiting for connection: %w", err)}
		}
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapBusy("", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &txUnit{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return wrapBusy("", fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type txUnit struct {
	tx *sql.Tx
}

// Lock reads the customer row, then the account row, under the write lock
// taken by BEGIN IMMEDIATE.
func (u *txUnit) Lock(ctx context.Context, identifier string) (*loyalty.AccountHandle, error) {
	var customerID string
	err := u.tx.QueryRowContext(ctx,
		"SELECT id FROM customers WHERE member_code = ?", identifier,
	).Scan(&customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &loyalty.NotFoundError{Identifier: identifier}
	}
	if err != nil {
		return nil, wrapBusy(identifier, fmt.Errorf("failed to lock customer: %w", err))
	}

	acct, err := scanAccount(u.tx.QueryRowContext(ctx, accountSelect+" WHERE a.customer_id = ?", customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &loyalty.NotFoundError{Identifier: identifier}
	}
	if err != nil {
		return nil, wrapBusy(identifier, fmt.Errorf("failed to lock account: %w", err))
	}
	return &loyalty.AccountHandle{Account: acct}, nil
}

func (u *txUnit) SaveCounters(ctx context.Context, id loyalty.AccountID, stamps, rewards int, at time.Time) error {
	res, err := u.tx.ExecContext(ctx,
		"UPDATE accounts SET current_stamps = ?, total_rewards = ?, updated_at = ? WHERE id = ?",
		stamps, rewards, formatTime(at), id,
	)
	if err != nil {
		return wrapBusy("", fmt.Errorf("failed to save counters: %w", err))
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("failed to save counters: account %s: %d rows updated", id, n)
	}
	return nil
}

func (u *txUnit) Append(ctx context.Context, ev loyalty.StampEvent) (loyalty.StampEvent, error) {
	res, err := u.tx.ExecContext(ctx,
		"INSERT INTO stamp_events (account_id, stamp_index, occurred_at) VALUES (?, ?, ?)",
		ev.AccountID, ev.StampIndex, formatTime(ev.OccurredAt),
	)
	if err != nil {
		return ev, wrapBusy("", fmt.Errorf("failed to append stamp event: %w", err))
	}
	ev.Seq, err = res.LastInsertId()
	if err != nil {
		return ev, fmt.Errorf("failed to read stamp event id: %w", err)
	}
	return ev, nil
}

func (u *txUnit) DeleteMostRecent(ctx context.Context, id loyalty.AccountID, expectedStampIndex int) (loyalty.StampEvent, error) {
	var (
		ev         = loyalty.StampEvent{AccountID: id, StampIndex: expectedStampIndex}
		occurredAt string
	)
	err := u.tx.QueryRowContext(ctx, `
		SELECT id, occurred_at FROM stamp_events
		WHERE account_id = ? AND stamp_index = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1`,
		id, expectedStampIndex,
	).Scan(&ev.Seq, &occurredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ev, fmt.Errorf("%w: account %s index %d", loyalty.ErrAuditTrailMissing, id, expectedStampIndex)
	}
	if err != nil {
		return ev, wrapBusy("", fmt.Errorf("failed to find stamp event: %w", err))
	}
	ev.OccurredAt = parseTime(occurredAt)

	if _, err := u.tx.ExecContext(ctx, "DELETE FROM stamp_events WHERE id = ?", ev.Seq); err != nil {
		return ev, wrapBusy("", fmt.Errorf("failed to delete stamp event: %w", err))
	}
	return ev, nil
}

func (u *txUnit) Issue(ctx context.Context, id loyalty.AccountID, at time.Time) (loyalty.RewardRecord, error) {
	rec := loyalty.RewardRecord{
		ID:        loyalty.RewardID(uuid.NewString()),
		AccountID: id,
		IssuedAt:  at,
	}
	_, err := u.tx.ExecContext(ctx,
		"INSERT INTO reward_records (id, account_id, issued_at) VALUES (?, ?, ?)",
		rec.ID, rec.AccountID, formatTime(rec.IssuedAt),
	)
	if err != nil {
		return rec, wrapBusy("", fmt.Errorf("failed to issue reward: %w", err))
	}
	return rec, nil
}

func (u *txUnit) RetractMostRecent(ctx context.Context, id loyalty.AccountID) (loyalty.RewardRecord, error) {
	var (
		rec      = loyalty.RewardRecord{AccountID: id}
		seq      int64
		issuedAt string
	)
	err := u.tx.QueryRowContext(ctx, `
		SELECT seq, id, issued_at FROM reward_records
		WHERE account_id = ?
		ORDER BY issued_at DESC, seq DESC
		LIMIT 1`,
		id,
	).Scan(&seq, &rec.ID, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: account %s", loyalty.ErrRewardMissing, id)
	}
	if err != nil {
		return rec, wrapBusy("", fmt.Errorf("failed to find reward: %w", err))
	}
	rec.IssuedAt = parseTime(issuedAt)

	if _, err := u.tx.ExecContext(ctx, "DELETE FROM reward_records WHERE seq = ?", seq); err != nil {
		return rec, wrapBusy("", fmt.Errorf("failed to retract reward: %w", err))
	}
	return rec, nil
}

// =============================================================================
// READER (loyalty.Reader interface)
// =============================================================================

const accountSelect = `
	SELECT a.id, a.customer_id, c.member_code, a.current_stamps, a.total_rewards, a.updated_at
	FROM accounts a JOIN customers c ON c.id = a.customer_id`

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanAccount(row rowScanner) (loyalty.Account, error) {
	var (
		acct      loyalty.Account
		updatedAt string
	)
	err := row.Scan(&acct.ID, &acct.CustomerID, &acct.MemberCode,
		&acct.CurrentStamps, &acct.TotalRewards, &updatedAt)
	if err != nil {
		return acct, err
	}
	acct.UpdatedAt = parseTime(updatedAt)
	return acct, nil
}

func (s *Store) Account(ctx context.Context, identifier string) (loyalty.Account, error) {
	code, err := loyalty.NormalizeIdentifier(identifier)
	if err != nil {
		return loyalty.Account{}, err
	}
	acct, err := scanAccount(s.db.QueryRowContext(ctx, accountSelect+" WHERE c.member_code = ?", code))
	if errors.Is(err, sql.ErrNoRows) {
		return acct, &loyalty.NotFoundError{Identifier: code}
	}
	if err != nil {
		return acct, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

func (s *Store) Accounts(ctx context.Context) ([]loyalty.Account, error) {
	rows, err := s.db.QueryContext(ctx, accountSelect+" ORDER BY c.member_code")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []loyalty.Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (s *Store) StampEvents(ctx context.Context, id loyalty.AccountID) ([]loyalty.StampEvent, error) {
	return stampEvents(ctx, s.db, id)
}

func (s *Store) RewardRecords(ctx context.Context, id loyalty.AccountID) ([]loyalty.RewardRecord, error) {
	return rewardRecords(ctx, s.db, id)
}

// Ledger reads the account and its trails inside one transaction, so a
// concurrent unit of work is either fully visible or not at all.
func (s *Store) Ledger(ctx context.Context, id loyalty.AccountID) (loyalty.LedgerSnapshot, error) {
	var snap loyalty.LedgerSnapshot

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return snap, wrapBusy("", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	snap.Account, err = scanAccount(tx.QueryRowContext(ctx, accountSelect+" WHERE a.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return snap, &loyalty.NotFoundError{Identifier: string(id)}
	}
	if err != nil {
		return snap, wrapBusy("", fmt.Errorf("failed to get account: %w", err))
	}
	if snap.Events, err = stampEvents(ctx, tx, id); err != nil {
		return snap, wrapBusy("", err)
	}
	if snap.Rewards, err = rewardRecords(ctx, tx, id); err != nil {
		return snap, wrapBusy("", err)
	}
	if err := tx.Commit(); err != nil {
		return snap, wrapBusy("", fmt.Errorf("failed to commit: %w", err))
	}
	return snap, nil
}

func stampEvents(ctx context.Context, q queryer, id loyalty.AccountID) ([]loyalty.StampEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, stamp_index, occurred_at FROM stamp_events
		WHERE account_id = ?
		ORDER BY occurred_at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query stamp events: %w", err)
	}
	defer rows.Close()

	events := []loyalty.StampEvent{}
	for rows.Next() {
		var (
			ev         loyalty.StampEvent
			occurredAt string
		)
		if err := rows.Scan(&ev.Seq, &ev.AccountID, &ev.StampIndex, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan stamp event: %w", err)
		}
		ev.OccurredAt = parseTime(occurredAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func rewardRecords(ctx context.Context, q queryer, id loyalty.AccountID) ([]loyalty.RewardRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, issued_at FROM reward_records
		WHERE account_id = ?
		ORDER BY issued_at ASC, seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward records: %w", err)
	}
	defer rows.Close()

	records := []loyalty.RewardRecord{}
	for rows.Next() {
		var (
			rec      loyalty.RewardRecord
			issuedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.AccountID, &issuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reward record: %w", err)
		}
		rec.IssuedAt = parseTime(issuedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// REGISTRAR (loyalty.Registrar interface)
// =============================================================================

// Register inserts c and its (0, 0) account in one transaction.
func (s *Store) Register(ctx context.Context, c loyalty.Customer) (loyalty.Account, error) {
	code, err := loyalty.NormalizeIdentifier(c.MemberCode)
	if err != nil {
		return loyalty.Account{}, err
	}
	if c.ID == "" {
		c.ID = loyalty.CustomerID(uuid.NewString())
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	acct := loyalty.Account{
		ID:         loyalty.AccountID(uuid.NewString()),
		CustomerID: c.ID,
		MemberCode: code,
		UpdatedAt:  c.CreatedAt,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return acct, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO customers (id, member_code, name, email, created_at) VALUES (?, ?, ?, ?, ?)",
		c.ID, code, c.Name, c.Email, formatTime(c.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return acct, fmt.Errorf("%w: %s", loyalty.ErrDuplicateMember, code)
		}
		return acct, fmt.Errorf("failed to insert customer: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO accounts (id, customer_id, current_stamps, total_rewards, updated_at) VALUES (?, ?, 0, 0, ?)",
		acct.ID, c.ID, formatTime(acct.UpdatedAt),
	)
	if err != nil {
		return acct, fmt.Errorf("failed to insert account: %w", err)
	}
	return acct, tx.Commit()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"stamp_events", "reward_records", "accounts", "customers"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// wrapBusy turns SQLite lock contention into a retryable conflict.
func wrapBusy(identifier string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return &loyalty.ConflictError{Identifier: identifier, Err: err}
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
