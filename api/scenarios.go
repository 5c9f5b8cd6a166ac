/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with members at
	interesting points of the stamp cycle. Every stamp is granted through
	the engine, so the audit trail and reward records are exactly what
	real traffic would have produced.

AVAILABLE SCENARIOS:

	fresh-member:   One member at (0, 0)
	near-reward:    One member at (10, 2): two stamps from a reward
	just-rewarded:  One member at (0, 3): RemoveStamp rolls a reward back
	veteran:        One long-standing member at (7, 9)
	front-counter:  A mixed queue of five members

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register each member
 3. Replay AddStamp through the engine on a historical clock that skips
    blackout dates

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "near-reward"}

ADDING NEW SCENARIOS:
 1. Add a ScenarioDTO to 'scenarios'
 2. Add its members to 'scenarioMembers'

NOTE:

	Scenarios reset the database. Routes are only mounted in dev mode.

SEE ALSO:
  - handlers.go: ResetDatabase
  - server.go: Dev-mode routing
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/warp/stamp-ledger/loyalty"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-member",
		Name:        "Fresh Member",
		Description: "A newly registered member with no stamps",
	},
	{
		ID:          "near-reward",
		Name:        "Near Reward",
		Description: "Ten stamps into the third cycle: two more stamps issue a reward",
	},
	{
		ID:          "just-rewarded",
		Name:        "Just Rewarded",
		Description: "A cycle was just completed: undo rolls the reward back",
	},
	{
		ID:          "veteran",
		Name:        "Veteran",
		Description: "Nine rewards earned, seven stamps into the current cycle",
	},
	{
		ID:          "front-counter",
		Name:        "Front Counter",
		Description: "Five members at different points of the cycle",
	},
}

type scenarioMember struct {
	Code    string
	Name    string
	Email   string
	Stamps  int
	Rewards int
}

var scenarioMembers = map[string][]scenarioMember{
	"fresh-member": {
		{Code: "MEM-1001", Name: "Asha Rao", Email: "asha@example.com"},
	},
	"near-reward": {
		{Code: "MEM-2001", Name: "Vikram Iyer", Email: "vikram@example.com", Stamps: 10, Rewards: 2},
	},
	"just-rewarded": {
		{Code: "MEM-3001", Name: "Meera Das", Email: "meera@example.com", Rewards: 3},
	},
	"veteran": {
		{Code: "MEM-4001", Name: "Rohan Mehta", Email: "rohan@example.com", Stamps: 7, Rewards: 9},
	},
	"front-counter": {
		{Code: "MEM-5001", Name: "Anika Shah", Email: "anika@example.com"},
		{Code: "MEM-5002", Name: "Dev Kapoor", Email: "dev@example.com", Stamps: 3},
		{Code: "MEM-5003", Name: "Priya Nair", Email: "priya@example.com", Stamps: 11, Rewards: 1},
		{Code: "MEM-5004", Name: "Kabir Singh", Email: "kabir@example.com", Rewards: 1},
		{Code: "MEM-5005", Name: "Tara Menon", Email: "tara@example.com", Stamps: 6, Rewards: 4},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenarioName()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if _, ok := scenarioMembers[req.ScenarioID]; !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ErrUnknownScenario is returned by LoadScenarioByID for an unlisted id.
var ErrUnknownScenario = errors.New("unknown scenario")

// LoadScenarioByID resets the store and seeds the scenario's members.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	members, ok := scenarioMembers[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.currentScenario = ""

	clock := newSeedClock(h.Now().AddDate(0, 0, -90), h.Engine.Gate())
	seeder := loyalty.NewEngine(h.Store, loyalty.Options{
		Now:    clock.Now,
		Gate:   h.Engine.Gate(),
		Logger: h.logger(),
	})

	for _, m := range members {
		if _, err := h.Store.Register(ctx, loyalty.Customer{MemberCode: m.Code, Name: m.Name, Email: m.Email}); err != nil {
			return fmt.Errorf("register %s: %w", m.Code, err)
		}
		for i := 0; i < loyalty.CycleLength*m.Rewards+m.Stamps; i++ {
			if _, err := seeder.AddStamp(ctx, m.Code); err != nil {
				return fmt.Errorf("stamp %s: %w", m.Code, err)
			}
		}
	}

	h.currentScenario = id
	h.logger().Info("scenario loaded", "scenario", id, "members", len(members))
	return nil
}

// ScenarioIDs lists the loadable scenario ids.
func ScenarioIDs() []string {
	ids := make([]string, 0, len(scenarios))
	for _, s := range scenarios {
		ids = append(ids, s.ID)
	}
	return ids
}

// =============================================================================
// SEED CLOCK
// =============================================================================

// seedClock hands out historical instants one hour apart, skipping any
// business day the gate would refuse.
type seedClock struct {
	mu   sync.Mutex
	next time.Time
	gate *loyalty.HolidayGate
}

func newSeedClock(start time.Time, gate *loyalty.HolidayGate) *seedClock {
	return &seedClock{next: start.UTC(), gate: gate}
}

func (c *seedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.gate.Status(c.next).Blocked {
		c.next = c.next.Add(24 * time.Hour)
	}
	now := c.next
	c.next = c.next.Add(time.Hour)
	return now
}
