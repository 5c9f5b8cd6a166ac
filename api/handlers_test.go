/*
handlers_test.go - HTTP tests for the stamp ledger API

Tests for:
- Stamp operations through every route
- Error mapping (400/404/409/423)
- Idempotent replay and rate limiting wired through the router
- Gate and integrity endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stamp-ledger/loyalty"
	"github.com/warp/stamp-ledger/loyalty/store"
	"github.com/warp/stamp-ledger/observability/metrics"
)

type testServer struct {
	store   *store.Memory
	handler *Handler
	router  http.Handler
	now     time.Time
	ticks   int
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	mem := store.NewMemory(200 * time.Millisecond)
	ts := &testServer{store: mem, now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}

	engine := loyalty.NewEngine(mem, loyalty.Options{Now: ts.clock})
	ts.handler = NewHandler(mem, engine)
	ts.handler.Now = func() time.Time { return ts.now }

	opts.DevMode = true
	ts.router = NewRouter(ts.handler, opts)
	return ts
}

// clock advances one millisecond per reading so audit rows stay ordered.
func (ts *testServer) clock() time.Time {
	ts.ticks++
	return ts.now.Add(time.Duration(ts.ticks) * time.Millisecond)
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) register(t *testing.T, code string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/customers", CreateCustomerRequest{MemberCode: code, Name: "Member " + code})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCreateCustomer(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	rec := ts.do(t, http.MethodPost, "/api/customers", CreateCustomerRequest{MemberCode: " MEM-1 ", Name: "Asha"})
	require.Equal(t, http.StatusCreated, rec.Code)
	acct := decode[AccountDTO](t, rec)
	assert.Equal(t, "MEM-1", acct.MemberCode)
	assert.Equal(t, 12, acct.StampsToNextReward)

	rec = ts.do(t, http.MethodPost, "/api/customers", CreateCustomerRequest{MemberCode: "MEM-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_member", decode[ErrorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodPost, "/api/customers", CreateCustomerRequest{MemberCode: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyStamp_FullCycleAndRollback(t *testing.T) {
	// GIVEN: a registered member
	ts := newTestServer(t, RouterOptions{})
	ts.register(t, "MEM-1")

	// WHEN: twelve stamps are added
	var last StampResultDTO
	for i := 0; i < 12; i++ {
		rec := ts.do(t, http.MethodPost, "/api/stamps", StampRequest{AccountIdentifier: "MEM-1", Operation: "add"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		last = decode[StampResultDTO](t, rec)
	}

	// THEN: the twelfth completes the cycle
	assert.True(t, last.RewardIssued)
	require.NotNil(t, last.RewardRecord)
	assert.NotEmpty(t, last.RewardRecord.IssuedAt)
	assert.Equal(t, 0, last.CurrentStamps)
	assert.Equal(t, 1, last.TotalRewards)
	assert.Equal(t, last.CurrentStamps, last.Account.CurrentStamps)

	// WHEN: the last stamp is undone
	rec := ts.do(t, http.MethodPost, "/api/stamps", StampRequest{AccountIdentifier: "MEM-1", Operation: "REMOVE"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[StampResultDTO](t, rec)

	// THEN: the reward is rolled back
	assert.Equal(t, 11, res.CurrentStamps)
	assert.Equal(t, 0, res.TotalRewards)
	assert.Nil(t, res.RewardRecord)

	rec = ts.do(t, http.MethodGet, "/api/accounts/MEM-1/rewards", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]RewardDTO](t, rec))

	rec = ts.do(t, http.MethodGet, "/api/accounts/MEM-1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]StampEventDTO](t, rec)
	require.Len(t, events, 11)
	assert.Equal(t, 11, events[10].StampIndex)
}

func TestPathRoutes(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.register(t, "MEM-1")

	rec := ts.do(t, http.MethodPost, "/api/accounts/MEM-1/stamps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[StampResultDTO](t, rec).Account.CurrentStamps)

	rec = ts.do(t, http.MethodPost, "/api/admin/accounts/MEM-1/stamps/undo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[StampResultDTO](t, rec).Account.CurrentStamps)

	rec = ts.do(t, http.MethodPost, "/api/admin/accounts/MEM-1/stamps/undo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[StampResultDTO](t, rec).NoOp)

	rec = ts.do(t, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AccountDTO](t, rec), 1)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.register(t, "MEM-1")

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"unknown account", StampRequest{AccountIdentifier: "MEM-404", Operation: "add"}, http.StatusNotFound, "not_found"},
		{"bad operation", StampRequest{AccountIdentifier: "MEM-1", Operation: "double"}, http.StatusBadRequest, "validation"},
		{"empty identifier", StampRequest{Operation: "add"}, http.StatusBadRequest, "validation"},
		{"malformed json", `{"account_identifier":`, http.StatusBadRequest, ""},
		{"unknown field", `{"account_identifier":"MEM-1","operation":"add","qty":2}`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/stamps", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/accounts/MEM-404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlackoutReturnsLocked(t *testing.T) {
	// GIVEN: the clock on New Year's Eve, business time
	ts := newTestServer(t, RouterOptions{})
	ts.register(t, "MEM-1")
	ts.now = time.Date(2025, time.December, 31, 10, 0, 0, 0, time.UTC)

	// WHEN: a stamp is added
	rec := ts.do(t, http.MethodPost, "/api/stamps", StampRequest{AccountIdentifier: "MEM-1", Operation: "add"})

	// THEN: 423 with the reason key and a user-facing message
	require.Equal(t, http.StatusLocked, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "blackout", resp.Code)
	assert.Equal(t, "new_years_eve", resp.ReasonKey)
	assert.Contains(t, resp.Error, "New Year's Eve")

	rec = ts.do(t, http.MethodGet, "/api/accounts/MEM-1", nil)
	assert.Equal(t, 0, decode[AccountDTO](t, rec).CurrentStamps)
}

func TestConflictIsRetryable(t *testing.T) {
	// GIVEN: the account held by another unit of work
	ts := newTestServer(t, RouterOptions{})
	ts.register(t, "MEM-1")

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- ts.store.WithinUnitOfWork(context.Background(), func(ctx context.Context, uow loyalty.UnitOfWork) error {
			_, err := uow.Lock(ctx, "MEM-1")
			close(locked)
			<-release
			return err
		})
	}()
	<-locked

	// WHEN: a stamp is requested
	rec := ts.do(t, http.MethodPost, "/api/accounts/MEM-1/stamps", nil)
	close(release)
	require.NoError(t, <-done)

	// THEN: 409, retryable, with Retry-After
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "conflict", resp.Code)
	assert.True(t, resp.Retryable)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestIdempotentStampIsGrantedOnce(t *testing.T) {
	m := metrics.New()
	cache := NewIdempotencyCache(time.Hour)
	cache.OnReplay = m.ObserveIdempotentReplay
	ts := newTestServer(t, RouterOptions{Idempotency: cache, Metrics: m})
	ts.register(t, "MEM-1")

	body := StampRequest{AccountIdentifier: "MEM-1", Operation: "add"}
	first := ts.do(t, http.MethodPost, "/api/stamps", body, IdempotencyHeader, "pos-7-txn-1")
	second := ts.do(t, http.MethodPost, "/api/stamps", body, IdempotencyHeader, "pos-7-txn-1")

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	rec := ts.do(t, http.MethodGet, "/api/accounts/MEM-1", nil)
	assert.Equal(t, 1, decode[AccountDTO](t, rec).CurrentStamps)
}

func TestRateLimitedStamps(t *testing.T) {
	m := metrics.New()
	limiter := NewRateLimiter(0.001, 2)
	limiter.OnThrottle = m.ObserveThrottle
	ts := newTestServer(t, RouterOptions{RateLimiter: limiter, Metrics: m})
	ts.register(t, "MEM-1")

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/api/accounts/MEM-1/stamps", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/api/accounts/MEM-1/stamps", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Reads are never throttled.
	rec = ts.do(t, http.MethodGet, "/api/accounts/MEM-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateStatus(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	rec := ts.do(t, http.MethodGet, "/api/gate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[GateStatusDTO](t, rec)
	assert.False(t, status.Blocked)
	assert.Equal(t, "2025-03-10", status.BusinessDate)

	rec = ts.do(t, http.MethodGet, "/api/gate?at=2025-12-24T19:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status = decode[GateStatusDTO](t, rec)
	assert.True(t, status.Blocked)
	assert.Equal(t, "christmas_day", status.ReasonKey)
	assert.Equal(t, "2025-12-25", status.BusinessDate)

	rec = ts.do(t, http.MethodGet, "/api/gate?at=tomorrow", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntegrityEndpoint(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.handler.Integrity = NewIntegrityScheduler(ts.store, nil)
	ts.register(t, "MEM-1")
	ts.do(t, http.MethodPost, "/api/accounts/MEM-1/stamps", nil)

	rec := ts.do(t, http.MethodGet, "/api/admin/integrity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[IntegrityReportDTO](t, rec)
	assert.True(t, report.OK)
	assert.Equal(t, 1, report.Accounts)

	rec = ts.do(t, http.MethodGet, "/api/admin/integrity?cached=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report, decode[IntegrityReportDTO](t, rec))
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, RouterOptions{Metrics: metrics.New()})

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stamp_ledger_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestScenarioRoutesRequireDevMode(t *testing.T) {
	h := NewHandler(store.NewMemory(0), loyalty.NewEngine(store.NewMemory(0), loyalty.Options{}))
	router := NewRouter(h, RouterOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scenarios", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
