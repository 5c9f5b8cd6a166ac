/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario seeds the expected counter pairs and that the
	seeded ledger passes the integrity check, so scenarios double as
	integration tests of the engine.
*/
package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stamp-ledger/loyalty"
	"github.com/warp/stamp-ledger/loyalty/store"
)

func setupTestHandler(t *testing.T, now time.Time) *Handler {
	t.Helper()
	mem := store.NewMemory(0)
	h := NewHandler(mem, loyalty.NewEngine(mem, loyalty.Options{}))
	h.Now = func() time.Time { return now }
	return h
}

func TestScenarios_SeedExpectedState(t *testing.T) {
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	for _, id := range ScenarioIDs() {
		t.Run(id, func(t *testing.T) {
			// GIVEN: a fresh handler
			h := setupTestHandler(t, now)
			ctx := context.Background()

			// WHEN: the scenario is loaded
			require.NoError(t, h.LoadScenarioByID(ctx, id))

			// THEN: every member sits at its configured pair
			for _, m := range scenarioMembers[id] {
				acct, err := h.Store.Account(ctx, m.Code)
				require.NoError(t, err)
				assert.Equal(t, m.Stamps, acct.CurrentStamps, m.Code)
				assert.Equal(t, m.Rewards, acct.TotalRewards, m.Code)
			}

			report, err := loyalty.Verify(ctx, h.Store, now)
			require.NoError(t, err)
			assert.True(t, report.OK(), "%+v", report.Violations)
			assert.Equal(t, id, h.scenarioName())
		})
	}
}

func TestSeedClock_SkipsBlackoutDates(t *testing.T) {
	// GIVEN: a seed clock starting just before Christmas, business time
	gate := loyalty.NewHolidayGate(nil)
	clock := newSeedClock(time.Date(2025, time.December, 24, 12, 0, 0, 0, time.UTC), gate)

	// WHEN: it hands out two weeks of hourly instants
	var prev time.Time
	for i := 0; i < 14*24; i++ {
		now := clock.Now()

		// THEN: none falls on a blackout date and time only moves forward
		require.False(t, gate.Status(now).Blocked, "instant %s", now)
		require.True(t, now.After(prev))
		prev = now
	}
	assert.True(t, prev.After(time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)))
}

func TestScenarios_ReloadReplacesData(t *testing.T) {
	h := setupTestHandler(t, time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	require.NoError(t, h.LoadScenarioByID(ctx, "front-counter"))
	require.NoError(t, h.LoadScenarioByID(ctx, "fresh-member"))

	accounts, err := h.Store.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "MEM-1001", accounts[0].MemberCode)

	assert.ErrorIs(t, h.LoadScenarioByID(ctx, "nope"), ErrUnknownScenario)
}

func TestScenarioRoutes(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	rec := ts.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "near-reward"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "near-reward", decode[ScenarioDTO](t, rec).ID)

	// Two stamps from the reward.
	ts.do(t, http.MethodPost, "/api/accounts/MEM-2001/stamps", nil)
	rec = ts.do(t, http.MethodPost, "/api/accounts/MEM-2001/stamps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[StampResultDTO](t, rec).RewardIssued)

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/accounts", nil)
	assert.Empty(t, decode[[]AccountDTO](t, rec))
}
