package loyalty_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stamp-ledger/loyalty"
)

func TestHolidayGate_FixedOffsetBoundaries(t *testing.T) {
	gate := loyalty.NewHolidayGate(nil)

	tests := []struct {
		name      string
		now       time.Time
		blocked   bool
		reasonKey string
	}{
		{
			name:      "christmas eve late UTC is already christmas locally",
			now:       time.Date(2025, time.December, 24, 18, 30, 0, 0, time.UTC),
			blocked:   true,
			reasonKey: "christmas_day",
		},
		{
			name: "one second before local midnight",
			now:  time.Date(2025, time.December, 24, 18, 29, 59, 0, time.UTC),
		},
		{
			name:      "christmas local end",
			now:       time.Date(2025, time.December, 25, 18, 29, 59, 0, time.UTC),
			blocked:   true,
			reasonKey: "christmas_day",
		},
		{
			name: "boxing day",
			now:  time.Date(2025, time.December, 25, 18, 30, 0, 0, time.UTC),
		},
		{
			name:      "new years eve",
			now:       time.Date(2025, time.December, 31, 12, 0, 0, 0, time.UTC),
			blocked:   true,
			reasonKey: "new_years_eve",
		},
		{
			name:      "new years day starts on dec 31 UTC",
			now:       time.Date(2025, time.December, 31, 18, 30, 0, 0, time.UTC),
			blocked:   true,
			reasonKey: "new_years_day",
		},
		{
			name: "january second",
			now:  time.Date(2026, time.January, 1, 18, 30, 0, 0, time.UTC),
		},
		{
			name: "ordinary day",
			now:  time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "input zone does not matter",
			now:       time.Date(2025, time.December, 24, 14, 0, 0, 0, time.FixedZone("EST", -5*3600)),
			blocked:   true,
			reasonKey: "christmas_day",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := gate.Status(tt.now)
			assert.Equal(t, tt.blocked, status.Blocked)
			assert.Equal(t, tt.reasonKey, status.ReasonKey)

			err := gate.Check(tt.now)
			if !tt.blocked {
				assert.NoError(t, err)
				assert.Empty(t, status.Message)
				return
			}
			var be *loyalty.BlackoutError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.reasonKey, be.Status.ReasonKey)
			assert.NotEmpty(t, be.Status.Message)
			assert.ErrorIs(t, err, loyalty.ErrBlackout)
		})
	}
}

func TestHolidayGate_Message(t *testing.T) {
	status := loyalty.NewHolidayGate(nil).Status(time.Date(2025, time.December, 25, 6, 0, 0, 0, time.UTC))
	assert.Equal(t, "Stamp updates are paused on Christmas Day (Dec 25). Please try again tomorrow.", status.Message)
	assert.Equal(t, 25, status.BusinessDate.Day())
}

func TestHolidayGate_CustomBusinessDate(t *testing.T) {
	// GIVEN: a deployment that computes the business date in UTC
	gate := loyalty.NewHolidayGate(func(now time.Time) time.Time {
		u := now.UTC()
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	})

	// THEN: the boundary moves with it
	assert.False(t, gate.Status(time.Date(2025, time.December, 24, 20, 0, 0, 0, time.UTC)).Blocked)
	assert.True(t, gate.Status(time.Date(2025, time.December, 25, 20, 0, 0, 0, time.UTC)).Blocked)
}
