/*
engine.go - Ledger transaction engine

PURPOSE:
  Applies AddStamp and RemoveStamp to one account. Each call is a single
  unit of work guarded by the account lock:

    Holiday Gate -> open unit of work -> Lock -> compute -> audit/reward
    writes -> SaveCounters -> commit -> snapshot

STATE MACHINE:
  state = (CurrentStamps, TotalRewards)

    AddStamp     (n, r)  n < 11   -> (n+1, r)        event index n+1
    AddStamp     (11, r)          -> (0, r+1)        event index 12 + reward
    RemoveStamp  (n, r)  n > 0    -> (n-1, r)        delete event index n
    RemoveStamp  (0, r)  r > 0    -> (11, r-1)       delete event index 12 + reward
    RemoveStamp  (0, 0)           -> (0, 0)          no-op

  AddStamp and RemoveStamp are inverse except at (0, 0), which absorbs
  RemoveStamp.

FAILURES:
  Any error after the unit of work opens rolls everything back. Blackout
  and validation errors are returned before storage is touched. Nothing
  is retried here: see errors.go.

MISSING CYCLE HISTORY:
  Reversing a completed cycle lands on (11, r-1). That is a policy, not a
  derived fact: an account imported with rewards but no event history has
  no index-12 event to delete. By default that is reported as a
  PersistenceError wrapping ErrAuditTrailMissing and nothing changes.
  Options.AllowMissingCycleHistory lets the rollback proceed (and logs a
  warning) for deployments that migrated legacy counters.

SEE ALSO:
  - store.go:   Ports used here
  - holiday.go: Gate
  - errors.go:  Error taxonomy
*/
package loyalty

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"
)

// Observer receives one call per finished engine operation.
type Observer interface {
	ObserveLedgerOperation(op Operation, outcome string, rewardIssued bool, d time.Duration)
}

// Options configures an Engine. The zero value is usable.
type Options struct {
	Now    func() time.Time // defaults to time.Now
	Gate   *HolidayGate     // defaults to NewHolidayGate(nil)
	Logger *slog.Logger     // defaults to slog.Default()

	Observer Observer

	// AllowMissingCycleHistory lets RemoveStamp roll back a reward even when
	// the cycle-completing stamp event cannot be found.
	AllowMissingCycleHistory bool
}

// Engine is the ledger transaction engine. It is safe for concurrent use;
// serialization per account comes from the store's locks.
type Engine struct {
	store    Store
	now      func() time.Time
	gate     *HolidayGate
	logger   *slog.Logger
	observer Observer

	allowMissingCycleHistory bool
}

// NewEngine returns an engine over store.
func NewEngine(store Store, opts Options) *Engine {
	e := &Engine{
		store:                    store,
		now:                      opts.Now,
		gate:                     opts.Gate,
		logger:                   opts.Logger,
		observer:                 opts.Observer,
		allowMissingCycleHistory: opts.AllowMissingCycleHistory,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.gate == nil {
		e.gate = NewHolidayGate(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Gate returns the engine's Holiday Gate.
func (e *Engine) Gate() *HolidayGate { return e.gate }

// Apply dispatches req to AddStamp or RemoveStamp.
func (e *Engine) Apply(ctx context.Context, req Request) (Result, error) {
	if !req.Operation.Valid() {
		err := &ValidationError{Field: "operation", Reason: `must be "add" or "remove"`}
		e.finish(req.Operation, req.AccountIdentifier, e.now(), Result{}, err)
		return Result{}, err
	}
	if req.Operation == OpRemove {
		return e.RemoveStamp(ctx, req.AccountIdentifier)
	}
	return e.AddStamp(ctx, req.AccountIdentifier)
}

// AddStamp grants one stamp. The 12th stamp of a cycle resets the counter
// and issues a reward in the same unit of work.
func (e *Engine) AddStamp(ctx context.Context, identifier string) (Result, error) {
	return e.run(ctx, OpAdd, identifier, e.addStamp)
}

// RemoveStamp reverses the most recent AddStamp. At (0, 0) it is a no-op.
func (e *Engine) RemoveStamp(ctx context.Context, identifier string) (Result, error) {
	return e.run(ctx, OpRemove, identifier, e.removeStamp)
}

type mutation func(ctx context.Context, uow UnitOfWork, h *AccountHandle, at time.Time) (Result, error)

func (e *Engine) run(ctx context.Context, op Operation, identifier string, apply mutation) (Result, error) {
	started := e.now()

	code, err := NormalizeIdentifier(identifier)
	if err == nil {
		err = e.gate.Check(started)
	}
	if err != nil {
		e.finish(op, identifier, started, Result{}, err)
		return Result{}, err
	}
	identifier = code

	var res Result
	err = e.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow UnitOfWork) error {
		h, err := uow.Lock(ctx, identifier)
		if err != nil {
			return err
		}
		res, err = apply(ctx, uow, h, e.now())
		return err
	})
	if err != nil {
		err = classify(string(op)+" stamp", err)
		e.finish(op, identifier, started, Result{}, err)
		return Result{}, err
	}

	e.finish(op, identifier, started, res, nil)
	return res, nil
}

func (e *Engine) addStamp(ctx context.Context, uow UnitOfWork, h *AccountHandle, at time.Time) (Result, error) {
	next := h.CurrentStamps + 1
	res := Result{Operation: OpAdd}

	newStamps, newRewards, index := next, h.TotalRewards, next
	if next >= CycleLength {
		newStamps, newRewards, index = 0, h.TotalRewards+1, CycleLength
		reward, err := uow.Issue(ctx, h.ID, at)
		if err != nil {
			return Result{}, err
		}
		res.RewardIssued = true
		res.Reward = &reward
	}

	if err := uow.SaveCounters(ctx, h.ID, newStamps, newRewards, at); err != nil {
		return Result{}, err
	}
	if _, err := uow.Append(ctx, StampEvent{AccountID: h.ID, StampIndex: index, OccurredAt: at}); err != nil {
		return Result{}, err
	}

	res.Account = snapshot(h, newStamps, newRewards, at)
	return res, nil
}

func (e *Engine) removeStamp(ctx context.Context, uow UnitOfWork, h *AccountHandle, at time.Time) (Result, error) {
	res := Result{Operation: OpRemove}

	var newStamps, newRewards int
	switch {
	case h.CurrentStamps > 0:
		newStamps, newRewards = h.CurrentStamps-1, h.TotalRewards
		if _, err := uow.DeleteMostRecent(ctx, h.ID, h.CurrentStamps); err != nil {
			return Result{}, err
		}

	case h.TotalRewards > 0:
		newStamps, newRewards = CycleLength-1, h.TotalRewards-1
		if _, err := uow.DeleteMostRecent(ctx, h.ID, CycleLength); err != nil {
			if !errors.Is(err, ErrAuditTrailMissing) || !e.allowMissingCycleHistory {
				return Result{}, err
			}
			e.logger.Warn("rolling back reward without cycle history",
				"account_id", h.ID, "member_code", h.MemberCode, "total_rewards", h.TotalRewards)
		}
		if _, err := uow.RetractMostRecent(ctx, h.ID); err != nil {
			return Result{}, err
		}

	default:
		res.NoOp = true
		res.Account = h.Account
		return res, nil
	}

	if err := uow.SaveCounters(ctx, h.ID, newStamps, newRewards, at); err != nil {
		return Result{}, err
	}
	res.Account = snapshot(h, newStamps, newRewards, at)
	return res, nil
}

func (e *Engine) finish(op Operation, identifier string, started time.Time, res Result, err error) {
	elapsed := e.now().Sub(started)
	kind := Kind(err)
	if e.observer != nil {
		e.observer.ObserveLedgerOperation(op, kind, res.RewardIssued, elapsed)
	}

	if err != nil {
		level := slog.LevelInfo
		if kind == "persistence" {
			level = slog.LevelError
		}
		e.logger.Log(context.Background(), level, "stamp operation failed",
			"operation", op, "member_code", identifier, "kind", kind, "error", err)
		return
	}
	e.logger.Debug("stamp operation applied",
		"operation", op,
		"member_code", identifier,
		"current_stamps", res.Account.CurrentStamps,
		"total_rewards", res.Account.TotalRewards,
		"reward_issued", res.RewardIssued,
		"noop", res.NoOp,
		"elapsed", elapsed)
}

func snapshot(h *AccountHandle, stamps, rewards int, at time.Time) Account {
	acct := h.Account
	acct.CurrentStamps = stamps
	acct.TotalRewards = rewards
	acct.UpdatedAt = at
	return acct
}

// NormalizeIdentifier trims and validates a member code.
func NormalizeIdentifier(identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	switch {
	case identifier == "":
		return "", &ValidationError{Field: "account_identifier", Reason: "required"}
	case len(identifier) > MaxIdentifierLength:
		return "", &ValidationError{Field: "account_identifier", Reason: "too long"}
	case strings.IndexFunc(identifier, unicode.IsControl) >= 0:
		return "", &ValidationError{Field: "account_identifier", Reason: "contains control characters"}
	}
	return identifier, nil
}
