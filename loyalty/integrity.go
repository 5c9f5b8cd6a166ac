package loyalty

import (
	"context"
	"fmt"
	"time"
)

// Violation is one broken ledger invariant on one account.
type Violation struct {
	AccountID  AccountID
	MemberCode string
	Rule       string
	Detail     string
}

// IntegrityReport summarizes a Verify pass.
type IntegrityReport struct {
	CheckedAt  time.Time
	Accounts   int
	Violations []Violation
}

// OK reports whether no violations were found.
func (r IntegrityReport) OK() bool { return len(r.Violations) == 0 }

// Verify checks every account's counters against its audit trail and
// reward records. Each account is read as one LedgerSnapshot, so stamps
// committed while Verify runs never show up as violations. It reads
// committed state only and never mutates.
func Verify(ctx context.Context, r Reader, now time.Time) (IntegrityReport, error) {
	report := IntegrityReport{CheckedAt: now}

	accounts, err := r.Accounts(ctx)
	if err != nil {
		return report, fmt.Errorf("list accounts: %w", err)
	}

	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		snap, err := r.Ledger(ctx, acct.ID)
		if IsNotFound(err) {
			// Removed after the listing (dev reset).
			continue
		}
		if err != nil {
			return report, fmt.Errorf("ledger for %s: %w", acct.ID, err)
		}
		report.Accounts++
		report.Violations = append(report.Violations, verifySnapshot(snap)...)
	}
	return report, nil
}

func verifySnapshot(snap LedgerSnapshot) []Violation {
	acct := snap.Account
	var out []Violation
	add := func(rule, format string, args ...any) {
		out = append(out, Violation{
			AccountID:  acct.ID,
			MemberCode: acct.MemberCode,
			Rule:       rule,
			Detail:     fmt.Sprintf(format, args...),
		})
	}

	if acct.CurrentStamps < 0 || acct.CurrentStamps >= CycleLength {
		add("stamp_range", "current_stamps=%d outside [0,%d]", acct.CurrentStamps, CycleLength-1)
	}
	if acct.TotalRewards < 0 {
		add("reward_range", "total_rewards=%d is negative", acct.TotalRewards)
	}
	if want := acct.ExpectedEventCount(); len(snap.Events) != want {
		add("event_count", "have %d stamp events, want %d", len(snap.Events), want)
	}
	if len(snap.Rewards) != acct.TotalRewards {
		add("reward_count", "have %d reward records, want %d", len(snap.Rewards), acct.TotalRewards)
	}

	completions := 0
	for _, ev := range snap.Events {
		if ev.StampIndex == CycleLength {
			completions++
		}
	}
	if completions != len(snap.Rewards) {
		add("cycle_completions", "have %d cycle-completing events, %d reward records", completions, len(snap.Rewards))
	}
	return out
}
