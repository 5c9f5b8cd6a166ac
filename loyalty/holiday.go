/*
holiday.go - Blackout calendar for stamp mutations

PURPOSE:
  Stamps cannot be added or removed on Dec 25, Dec 31, or Jan 1 of the
  business calendar. The gate is a pure function of the instant it is
  given: no clock reads, no I/O. The engine asks it once per request,
  before any lock is taken, so a refused request never touches storage.

BUSINESS DATE:
  The business runs on a fixed UTC+05:30 offset. The offset is applied
  arithmetically (time.FixedZone), not looked up in a timezone database,
  so the answer is the same on every host.

  2025-12-24T18:29:59Z -> 2025-12-24 23:59:59 +05:30 -> open
  2025-12-24T18:30:00Z -> 2025-12-25 00:00:00 +05:30 -> blocked

TESTING:
  Pass any BusinessDateFunc to NewHolidayGate to pin the calendar.

SEE ALSO:
  - engine.go: Calls Check before opening a unit of work
*/
package loyalty

import (
	"fmt"
	"time"
)

// BusinessOffset is the fixed offset of the business calendar from UTC.
const BusinessOffset = 5*time.Hour + 30*time.Minute

var businessZone = time.FixedZone("UTC+05:30", int(BusinessOffset/time.Second))

// BusinessDateFunc maps an instant to the business-local calendar date.
// The returned time is midnight of that date in the business zone.
type BusinessDateFunc func(now time.Time) time.Time

// FixedOffsetDate is the default BusinessDateFunc.
func FixedOffsetDate(now time.Time) time.Time {
	local := now.In(businessZone)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, businessZone)
}

// Blackout is one recurring calendar date on which mutations are refused.
type Blackout struct {
	Month     time.Month
	Day       int
	ReasonKey string
	Name      string
}

// Blackouts is the fixed blackout set.
var Blackouts = []Blackout{
	{Month: time.December, Day: 25, ReasonKey: "christmas_day", Name: "Christmas Day"},
	{Month: time.December, Day: 31, ReasonKey: "new_years_eve", Name: "New Year's Eve"},
	{Month: time.January, Day: 1, ReasonKey: "new_years_day", Name: "New Year's Day"},
}

// GateStatus is the Holiday Gate's verdict for one instant.
type GateStatus struct {
	Blocked      bool
	ReasonKey    string // empty when not blocked
	Message      string // empty when not blocked
	BusinessDate time.Time
}

// HolidayGate decides whether stamp mutations are allowed at a given instant.
type HolidayGate struct {
	businessDate BusinessDateFunc
}

// NewHolidayGate returns a gate using fn to compute the business date.
// A nil fn selects FixedOffsetDate.
func NewHolidayGate(fn BusinessDateFunc) *HolidayGate {
	if fn == nil {
		fn = FixedOffsetDate
	}
	return &HolidayGate{businessDate: fn}
}

// Status reports whether mutations are blocked at now.
func (g *HolidayGate) Status(now time.Time) GateStatus {
	date := g.businessDate(now)
	status := GateStatus{BusinessDate: date}

	for _, b := range Blackouts {
		if date.Month() == b.Month && date.Day() == b.Day {
			status.Blocked = true
			status.ReasonKey = b.ReasonKey
			status.Message = fmt.Sprintf(
				"Stamp updates are paused on %s (%s %d). Please try again tomorrow.",
				b.Name, b.Month.String()[:3], b.Day)
			return status
		}
	}
	return status
}

// Check returns a *BlackoutError when mutations are blocked at now.
func (g *HolidayGate) Check(now time.Time) error {
	if status := g.Status(now); status.Blocked {
		return &BlackoutError{Status: status}
	}
	return nil
}
