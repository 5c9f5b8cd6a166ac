/*
handlers.go - HTTP API handlers for the stamp ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine and store.

ENDPOINTS:
  Stamps:
    POST   /api/stamps                                {"account_identifier","operation"}
    POST   /api/accounts/{code}/stamps                Grant one stamp
    POST   /api/admin/accounts/{code}/stamps/undo     Reverse the last stamp

  Accounts:
    GET    /api/accounts                              List accounts
    GET    /api/accounts/{code}                       Account snapshot
    GET    /api/accounts/{code}/events                Audit trail
    GET    /api/accounts/{code}/rewards               Issued rewards
    POST   /api/customers                             Register member

  Operations:
    GET    /api/gate                                  Holiday Gate status (?at=RFC3339)
    GET    /api/admin/integrity                       Run an integrity check

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Account not found
  - 409: Lock conflict (retryable) or duplicate member code
  - 423: Blackout date; body carries reason_key and message
  - 500: Persistence failure

SECURITY NOTE:
  Currently NO authentication or authorization. The /api/admin routes are
  expected to sit behind the operator network boundary.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/stamp-ledger/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  loyalty.LedgerStore
	Engine *loyalty.Engine
	Logger *slog.Logger
	Now    func() time.Time

	// Integrity, when set, serves the scheduler's cached report and records
	// on-demand runs there.
	Integrity *IntegrityScheduler

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over store and engine.
func NewHandler(store loyalty.LedgerStore, engine *loyalty.Engine) *Handler {
	return &Handler{
		Store:  store,
		Engine: engine,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

// =============================================================================
// STAMP ENDPOINTS
// =============================================================================

// ApplyStamp handles the generic {account_identifier, operation} request.
func (h *Handler) ApplyStamp(w http.ResponseWriter, r *http.Request) {
	var req StampRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Engine.Apply(r.Context(), loyalty.Request{
		AccountIdentifier: req.AccountIdentifier,
		Operation:         loyalty.Operation(strings.ToLower(strings.TrimSpace(req.Operation))),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStampResultDTO(res))
}

// AddStamp grants one stamp to the account in the path.
func (h *Handler) AddStamp(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.AddStamp(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStampResultDTO(res))
}

// RemoveStamp reverses the most recent stamp on the account in the path.
func (h *Handler) RemoveStamp(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.RemoveStamp(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStampResultDTO(res))
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// ListAccounts returns every account ordered by member code.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.Accounts(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]AccountDTO, 0, len(accounts))
	for _, a := range accounts {
		dtos = append(dtos, toAccountDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAccount returns one account snapshot.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Store.Account(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetStampEvents returns the account's audit trail, oldest first.
func (h *Handler) GetStampEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := h.Store.Account(ctx, chi.URLParam(r, "code"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	events, err := h.Store.StampEvents(ctx, acct.ID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]StampEventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, StampEventDTO{Seq: ev.Seq, StampIndex: ev.StampIndex, OccurredAt: formatTime(ev.OccurredAt)})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRewards returns the account's issued rewards, oldest first.
func (h *Handler) GetRewards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := h.Store.Account(ctx, chi.URLParam(r, "code"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	records, err := h.Store.RewardRecords(ctx, acct.ID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]RewardDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, toRewardDTO(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCustomer registers a member with a fresh (0, 0) account.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acct, err := h.Store.Register(r.Context(), loyalty.Customer{
		MemberCode: req.MemberCode,
		Name:       strings.TrimSpace(req.Name),
		Email:      strings.TrimSpace(req.Email),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// =============================================================================
// OPERATIONS ENDPOINTS
// =============================================================================

// GetGateStatus reports whether mutations are currently blocked. An optional
// ?at=RFC3339 query asks about another instant.
func (h *Handler) GetGateStatus(w http.ResponseWriter, r *http.Request) {
	at := h.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'at' timestamp, want RFC3339", err)
			return
		}
		at = parsed
	}
	writeJSON(w, http.StatusOK, toGateStatusDTO(h.Engine.Gate().Status(at), at))
}

// RunIntegrityCheck verifies every account and returns the report.
// ?cached=true returns the scheduler's last report instead, if any.
func (h *Handler) RunIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	if h.Integrity != nil && r.URL.Query().Get("cached") == "true" {
		if report, ok := h.Integrity.LastReport(); ok {
			writeJSON(w, http.StatusOK, toIntegrityReportDTO(report))
			return
		}
	}

	var (
		report loyalty.IntegrityReport
		err    error
	)
	if h.Integrity != nil {
		report, err = h.Integrity.RunNow(r.Context())
	} else {
		report, err = loyalty.Verify(r.Context(), h.Store, h.Now())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Integrity check failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toIntegrityReportDTO(report))
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps the loyalty error taxonomy onto HTTP.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	kind := loyalty.Kind(err)
	resp := ErrorResponse{Code: kind}

	var (
		status int
		ve     *loyalty.ValidationError
		be     *loyalty.BlackoutError
	)
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		resp.Error = "Invalid request"
		resp.Details = map[string]string{"field": ve.Field, "reason": ve.Reason}
	case errors.As(err, &be):
		status = http.StatusLocked
		resp.Error = be.Status.Message
		resp.ReasonKey = be.Status.ReasonKey
	case kind == "not_found":
		status = http.StatusNotFound
		resp.Error = "Account not found"
		resp.Details = err.Error()
	case kind == "conflict":
		status = http.StatusConflict
		resp.Error = "Account is busy, retry the request"
		resp.Retryable = true
	case kind == "duplicate_member":
		status = http.StatusConflict
		resp.Error = "Member code already registered"
	default:
		status = http.StatusInternalServerError
		resp.Error = "Stamp ledger is unavailable"
		h.logger().Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}

	if status == http.StatusConflict && resp.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) scenarioName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}
