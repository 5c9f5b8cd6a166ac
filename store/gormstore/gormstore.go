/*
Package gormstore provides a gorm-backed implementation of loyalty.LedgerStore.

PURPOSE:
  The production store. On PostgreSQL every unit of work takes real row
  locks (SELECT ... FOR UPDATE) on the customer row and then the account
  row, so operations on one account serialize while different accounts
  proceed in parallel. The same code runs on SQLite (glebarez/sqlite) in
  tests, where the database-wide write lock takes the place of row locks.

LOCK TIMEOUT:
  PostgreSQL: SET LOCAL lock_timeout at the start of every transaction.
  A wait that exceeds it fails with SQLSTATE 55P03, reported as
  *loyalty.ConflictError together with deadlocks (40P01) and
  serialization failures (40001).

USAGE:
  store, err := gormstore.Open(postgres.Open(dsn), gormstore.Options{})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - store/sqlite: database/sql implementation of the same schema
*/
package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/warp/stamp-ledger/loyalty"
)

// DefaultLockTimeout bounds how long a unit of work waits for a row lock.
const DefaultLockTimeout = 5 * time.Second

var _ loyalty.LedgerStore = (*Store)(nil)

// =============================================================================
// MODELS
// =============================================================================

// Customer is the persisted registration record.
type Customer struct {
	ID         string `gorm:"type:varchar(64);primaryKey"`
	MemberCode string `gorm:"type:varchar(64);uniqueIndex;not null"`
	Name       string `gorm:"not null;default:''"`
	Email      string `gorm:"not null;default:''"`
	CreatedAt  time.Time
}

// Account holds the counter pair. ChangedAt maps to updated_at but is
// written explicitly, never by gorm's auto-timestamp.
type Account struct {
	ID            string    `gorm:"type:varchar(64);primaryKey"`
	CustomerID    string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	CurrentStamps int       `gorm:"not null;default:0;check:current_stamps BETWEEN 0 AND 11"`
	TotalRewards  int       `gorm:"not null;default:0;check:total_rewards >= 0"`
	ChangedAt     time.Time `gorm:"column:updated_at;not null"`
}

// StampEvent is one audit row. ID is the insertion sequence.
type StampEvent struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	AccountID  string    `gorm:"type:varchar(64);not null;index:idx_stamp_events_account_index,priority:1"`
	StampIndex int       `gorm:"not null;index:idx_stamp_events_account_index,priority:2;check:stamp_index BETWEEN 1 AND 12"`
	OccurredAt time.Time `gorm:"not null;index:idx_stamp_events_account_index,priority:3"`
}

// RewardRecord is one completed cycle.
type RewardRecord struct {
	Seq       int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	RewardID  string    `gorm:"column:id;type:varchar(64);uniqueIndex;not null"`
	AccountID string    `gorm:"type:varchar(64);not null;index:idx_reward_records_account,priority:1"`
	IssuedAt  time.Time `gorm:"not null;index:idx_reward_records_account,priority:2"`
}

// AutoMigrate creates or updates the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Customer{}, &Account{}, &StampEvent{}, &RewardRecord{})
}

// =============================================================================
// STORE
// =============================================================================

// Options configures Open.
type Options struct {
	LockTimeout time.Duration
	LogLevel    logger.LogLevel // gorm SQL logging; zero means silent
	SkipMigrate bool
}

// Store implements loyalty.LedgerStore on gorm.
type Store struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// Open connects through dialector and migrates the schema.
func Open(dialector gorm.Dialector, opts Options) (*Store, error) {
	level := opts.LogLevel
	if level == 0 {
		level = logger.Silent
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("database connection error: %w", err)
	}
	return New(db, opts)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, opts Options) (*Store, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if !opts.SkipMigrate {
		if err := AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("auto migrate error: %w", err)
		}
	}
	return &Store{db: db, lockTimeout: opts.LockTimeout}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) isPostgres() bool {
	return s.db.Dialector.Name() == "postgres"
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithinUnitOfWork runs fn inside one gorm transaction.
func (s *Store) WithinUnitOfWork(ctx context.Context, fn func(context.Context, loyalty.UnitOfWork) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.isPostgres() {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("set lock timeout: %w", err)
			}
		}
		return fn(ctx, &unit{tx: tx, rowLocks: s.isPostgres()})
	})
}

type unit struct {
	tx       *gorm.DB
	rowLocks bool
}

func (u *unit) forUpdate() *gorm.DB {
	if u.rowLocks {
		return u.tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return u.tx
}

// Lock takes the customer row lock, then the account row lock.
func (u *unit) Lock(ctx context.Context, identifier string) (*loyalty.AccountHandle, error) {
	var customer Customer
	err := u.forUpdate().WithContext(ctx).First(&customer, "member_code = ?", identifier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &loyalty.NotFoundError{Identifier: identifier}
	}
	if err != nil {
		return nil, classify(identifier, fmt.Errorf("lock customer: %w", err))
	}

	var account Account
	err = u.forUpdate().WithContext(ctx).First(&account, "customer_id = ?", customer.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &loyalty.NotFoundError{Identifier: identifier}
	}
	if err != nil {
		return nil, classify(identifier, fmt.Errorf("lock account: %w", err))
	}
	return &loyalty.AccountHandle{Account: toAccount(account, customer.MemberCode)}, nil
}

func (u *unit) SaveCounters(ctx context.Context, id loyalty.AccountID, stamps, rewards int, at time.Time) error {
	res := u.tx.WithContext(ctx).Model(&Account{}).Where("id = ?", string(id)).Updates(map[string]any{
		"current_stamps": stamps,
		"total_rewards":  rewards,
		"updated_at":     at.UTC(),
	})
	if res.Error != nil {
		return classify("", fmt.Errorf("save counters: %w", res.Error))
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("save counters: account %s: %d rows updated", id, res.RowsAffected)
	}
	return nil
}

func (u *unit) Append(ctx context.Context, ev loyalty.StampEvent) (loyalty.StampEvent, error) {
	row := StampEvent{AccountID: string(ev.AccountID), StampIndex: ev.StampIndex, OccurredAt: ev.OccurredAt.UTC()}
	if err := u.tx.WithContext(ctx).Create(&row).Error; err != nil {
		return ev, classify("", fmt.Errorf("append stamp event: %w", err))
	}
	ev.Seq = row.ID
	return ev, nil
}

func (u *unit) DeleteMostRecent(ctx context.Context, id loyalty.AccountID, expectedStampIndex int) (loyalty.StampEvent, error) {
	var row StampEvent
	err := u.tx.WithContext(ctx).
		Where("account_id = ? AND stamp_index = ?", string(id), expectedStampIndex).
		Order("occurred_at DESC").Order("id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.StampEvent{}, fmt.Errorf("%w: account %s index %d", loyalty.ErrAuditTrailMissing, id, expectedStampIndex)
	}
	if err != nil {
		return loyalty.StampEvent{}, classify("", fmt.Errorf("find stamp event: %w", err))
	}
	if err := u.tx.WithContext(ctx).Delete(&StampEvent{}, row.ID).Error; err != nil {
		return loyalty.StampEvent{}, classify("", fmt.Errorf("delete stamp event: %w", err))
	}
	return toStampEvent(row), nil
}

func (u *unit) Issue(ctx context.Context, id loyalty.AccountID, at time.Time) (loyalty.RewardRecord, error) {
	row := RewardRecord{RewardID: uuid.NewString(), AccountID: string(id), IssuedAt: at.UTC()}
	if err := u.tx.WithContext(ctx).Create(&row).Error; err != nil {
		return loyalty.RewardRecord{}, classify("", fmt.Errorf("issue reward: %w", err))
	}
	return toRewardRecord(row), nil
}

func (u *unit) RetractMostRecent(ctx context.Context, id loyalty.AccountID) (loyalty.RewardRecord, error) {
	var row RewardRecord
	err := u.tx.WithContext(ctx).
		Where("account_id = ?", string(id)).
		Order("issued_at DESC").Order("seq DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.RewardRecord{}, fmt.Errorf("%w: account %s", loyalty.ErrRewardMissing, id)
	}
	if err != nil {
		return loyalty.RewardRecord{}, classify("", fmt.Errorf("find reward: %w", err))
	}
	if err := u.tx.WithContext(ctx).Delete(&RewardRecord{}, row.Seq).Error; err != nil {
		return loyalty.RewardRecord{}, classify("", fmt.Errorf("retract reward: %w", err))
	}
	return toRewardRecord(row), nil
}

// =============================================================================
// READER
// =============================================================================

type accountView struct {
	Account
	MemberCode string
}

func accountQuery(db *gorm.DB) *gorm.DB {
	return db.
		Table("accounts").
		Select("accounts.*, customers.member_code").
		Joins("JOIN customers ON customers.id = accounts.customer_id")
}

func (s *Store) Account(ctx context.Context, identifier string) (loyalty.Account, error) {
	code, err := loyalty.NormalizeIdentifier(identifier)
	if err != nil {
		return loyalty.Account{}, err
	}
	var view accountView
	err = accountQuery(s.db.WithContext(ctx)).Where("customers.member_code = ?", code).Take(&view).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.Account{}, &loyalty.NotFoundError{Identifier: code}
	}
	if err != nil {
		return loyalty.Account{}, fmt.Errorf("get account: %w", err)
	}
	return toAccount(view.Account, view.MemberCode), nil
}

func (s *Store) Accounts(ctx context.Context) ([]loyalty.Account, error) {
	var views []accountView
	if err := accountQuery(s.db.WithContext(ctx)).Order("customers.member_code").Find(&views).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	accounts := make([]loyalty.Account, 0, len(views))
	for _, v := range views {
		accounts = append(accounts, toAccount(v.Account, v.MemberCode))
	}
	return accounts, nil
}

func (s *Store) StampEvents(ctx context.Context, id loyalty.AccountID) ([]loyalty.StampEvent, error) {
	return stampEvents(s.db.WithContext(ctx), id)
}

func (s *Store) RewardRecords(ctx context.Context, id loyalty.AccountID) ([]loyalty.RewardRecord, error) {
	return rewardRecords(s.db.WithContext(ctx), id)
}

// Ledger reads the account and its trails in one read-only transaction.
// PostgreSQL runs it at REPEATABLE READ so all three queries share one
// snapshot; SQLite transactions are already serialized.
func (s *Store) Ledger(ctx context.Context, id loyalty.AccountID) (loyalty.LedgerSnapshot, error) {
	var snap loyalty.LedgerSnapshot
	var opts []*sql.TxOptions
	if s.isPostgres() {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var view accountView
		err := accountQuery(tx).Where("accounts.id = ?", string(id)).Take(&view).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &loyalty.NotFoundError{Identifier: string(id)}
		}
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		snap.Account = toAccount(view.Account, view.MemberCode)

		if snap.Events, err = stampEvents(tx, id); err != nil {
			return err
		}
		snap.Rewards, err = rewardRecords(tx, id)
		return err
	}, opts...)
	if err != nil {
		if loyalty.IsNotFound(err) {
			return loyalty.LedgerSnapshot{}, err
		}
		return loyalty.LedgerSnapshot{}, classify("", err)
	}
	return snap, nil
}

func stampEvents(db *gorm.DB, id loyalty.AccountID) ([]loyalty.StampEvent, error) {
	var rows []StampEvent
	err := db.Where("account_id = ?", string(id)).
		Order("occurred_at ASC").Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list stamp events: %w", err)
	}
	events := make([]loyalty.StampEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, toStampEvent(r))
	}
	return events, nil
}

func rewardRecords(db *gorm.DB, id loyalty.AccountID) ([]loyalty.RewardRecord, error) {
	var rows []RewardRecord
	err := db.Where("account_id = ?", string(id)).
		Order("issued_at ASC").Order("seq ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list reward records: %w", err)
	}
	records := make([]loyalty.RewardRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, toRewardRecord(r))
	}
	return records, nil
}

// =============================================================================
// REGISTRAR
// =============================================================================

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

	customer := Customer{ID: string(c.ID), MemberCode: code, Name: c.Name, Email: c.Email, CreatedAt: c.CreatedAt.UTC()}
	account := Account{ID: uuid.NewString(), CustomerID: customer.ID, ChangedAt: customer.CreatedAt}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Customer{}).Where("member_code = ?", code).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: %s", loyalty.ErrDuplicateMember, code)
		}
		if err := tx.Create(&customer).Error; err != nil {
			return err
		}
		return tx.Create(&account).Error
	})
	if err != nil {
		if errors.Is(err, loyalty.ErrDuplicateMember) {
			return loyalty.Account{}, err
		}
		return loyalty.Account{}, fmt.Errorf("register customer: %w", err)
	}
	return toAccount(account, code), nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&StampEvent{}, &RewardRecord{}, &Account{}, &Customer{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func toAccount(a Account, memberCode string) loyalty.Account {
	return loyalty.Account{
		ID:            loyalty.AccountID(a.ID),
		CustomerID:    loyalty.CustomerID(a.CustomerID),
		MemberCode:    memberCode,
		CurrentStamps: a.CurrentStamps,
		TotalRewards:  a.TotalRewards,
		UpdatedAt:     a.ChangedAt,
	}
}

func toStampEvent(r StampEvent) loyalty.StampEvent {
	return loyalty.StampEvent{
		Seq:        r.ID,
		AccountID:  loyalty.AccountID(r.AccountID),
		StampIndex: r.StampIndex,
		OccurredAt: r.OccurredAt,
	}
}

func toRewardRecord(r RewardRecord) loyalty.RewardRecord {
	return loyalty.RewardRecord{
		ID:        loyalty.RewardID(r.RewardID),
		AccountID: loyalty.AccountID(r.AccountID),
		IssuedAt:  r.IssuedAt,
	}
}

// Lock contention SQLSTATEs.
const (
	sqlStateLockNotAvailable     = "55P03"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateSerializationFailure = "40001"
)

// classify turns database contention into a retryable conflict.
func classify(identifier string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateLockNotAvailable, sqlStateDeadlockDetected, sqlStateSerializationFailure:
			return &loyalty.ConflictError{Identifier: identifier, Err: err}
		}
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return &loyalty.ConflictError{Identifier: identifier, Err: err}
	}
	return err
}
