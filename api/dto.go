/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Stamps:
    StampRequest, StampResultDTO

  Accounts:
    AccountDTO, StampEventDTO, RewardDTO, CreateCustomerRequest

  Gate:
    GateStatusDTO

  Integrity:
    IntegrityReportDTO, ViolationDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - loyalty/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/stamp-ledger/loyalty"
)

// =============================================================================
// STAMPS
// =============================================================================

// StampRequest is the body of POST /api/stamps.
type StampRequest struct {
	AccountIdentifier string `json:"account_identifier"`
	Operation         string `json:"operation"` // "add" or "remove"
}

// StampResultDTO is the outcome of one stamp operation. The counter pair is
// repeated at the top level for POS clients that only read those fields.
type StampResultDTO struct {
	Operation     string     `json:"operation"`
	CurrentStamps int        `json:"current_stamps"`
	TotalRewards  int        `json:"total_rewards"`
	RewardIssued  bool       `json:"reward_issued"`
	RewardRecord  *RewardDTO `json:"reward_record,omitempty"`
	NoOp          bool       `json:"noop,omitempty"`
	Account       AccountDTO `json:"account"`
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO represents an account snapshot.
type AccountDTO struct {
	ID                 string `json:"id"`
	CustomerID         string `json:"customer_id"`
	MemberCode         string `json:"member_code"`
	CurrentStamps      int    `json:"current_stamps"`
	TotalRewards       int    `json:"total_rewards"`
	StampsToNextReward int    `json:"stamps_to_next_reward"`
	UpdatedAt          string `json:"updated_at"`
}

// StampEventDTO is one audit row.
type StampEventDTO struct {
	Seq        int64  `json:"seq"`
	StampIndex int    `json:"stamp_index"`
	OccurredAt string `json:"occurred_at"`
}

// RewardDTO is one issued reward.
type RewardDTO struct {
	ID       string `json:"id"`
	IssuedAt string `json:"issued_at"`
}

// CreateCustomerRequest registers a member.
type CreateCustomerRequest struct {
	MemberCode string `json:"member_code"`
	Name       string `json:"name"`
	Email      string `json:"email"`
}

// =============================================================================
// GATE & INTEGRITY
// =============================================================================

// GateStatusDTO is the Holiday Gate verdict.
type GateStatusDTO struct {
	Blocked      bool   `json:"blocked"`
	ReasonKey    string `json:"reason_key,omitempty"`
	Message      string `json:"message,omitempty"`
	BusinessDate string `json:"business_date"` // YYYY-MM-DD in the business zone
	CheckedAt    string `json:"checked_at"`
}

// ViolationDTO is one broken ledger rule.
type ViolationDTO struct {
	AccountID  string `json:"account_id"`
	MemberCode string `json:"member_code"`
	Rule       string `json:"rule"`
	Detail     string `json:"detail"`
}

// IntegrityReportDTO is the result of a Verify pass.
type IntegrityReportDTO struct {
	CheckedAt  string         `json:"checked_at"`
	Accounts   int            `json:"accounts"`
	OK         bool           `json:"ok"`
	Violations []ViolationDTO `json:"violations"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   any    `json:"details,omitempty"`
	ReasonKey string `json:"reason_key,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toAccountDTO(a loyalty.Account) AccountDTO {
	return AccountDTO{
		ID:                 string(a.ID),
		CustomerID:         string(a.CustomerID),
		MemberCode:         a.MemberCode,
		CurrentStamps:      a.CurrentStamps,
		TotalRewards:       a.TotalRewards,
		StampsToNextReward: a.StampsToNextReward(),
		UpdatedAt:          formatTime(a.UpdatedAt),
	}
}

func toRewardDTO(r loyalty.RewardRecord) RewardDTO {
	return RewardDTO{ID: string(r.ID), IssuedAt: formatTime(r.IssuedAt)}
}

func toStampResultDTO(res loyalty.Result) StampResultDTO {
	dto := StampResultDTO{
		Operation:     string(res.Operation),
		CurrentStamps: res.Account.CurrentStamps,
		TotalRewards:  res.Account.TotalRewards,
		RewardIssued:  res.RewardIssued,
		NoOp:          res.NoOp,
		Account:       toAccountDTO(res.Account),
	}
	if res.Reward != nil {
		r := toRewardDTO(*res.Reward)
		dto.RewardRecord = &r
	}
	return dto
}

func toGateStatusDTO(s loyalty.GateStatus, at time.Time) GateStatusDTO {
	return GateStatusDTO{
		Blocked:      s.Blocked,
		ReasonKey:    s.ReasonKey,
		Message:      s.Message,
		BusinessDate: s.BusinessDate.Format("2006-01-02"),
		CheckedAt:    formatTime(at),
	}
}

func toIntegrityReportDTO(r loyalty.IntegrityReport) IntegrityReportDTO {
	dto := IntegrityReportDTO{
		CheckedAt:  formatTime(r.CheckedAt),
		Accounts:   r.Accounts,
		OK:         r.OK(),
		Violations: make([]ViolationDTO, 0, len(r.Violations)),
	}
	for _, v := range r.Violations {
		dto.Violations = append(dto.Violations, ViolationDTO{
			AccountID:  string(v.AccountID),
			MemberCode: v.MemberCode,
			Rule:       v.Rule,
			Detail:     v.Detail,
		})
	}
	return dto
}
