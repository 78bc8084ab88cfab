package cost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testPricing() PricingTable {
	return PricingTable{
		Default: Rate{PromptCostPer1K: 1.0, CompletionCostPer1K: 2.0},
		Rates: map[string]Rate{
			"claude-3": {PromptCostPer1K: 3.0, CompletionCostPer1K: 6.0},
		},
	}
}

func TestPricingTable_RateFor(t *testing.T) {
	p := testPricing()
	assert.Equal(t, Rate{PromptCostPer1K: 3.0, CompletionCostPer1K: 6.0}, p.RateFor("claude-3"))
	assert.Equal(t, p.Default, p.RateFor("unknown-model"))
}

func TestTracker_RecordComputesCost(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	tr := newWithClock(testPricing(), Limits{}, fixedClock(now))

	delta, decision := tr.Record("claude-3", 1000, 500)

	// 1000 prompt tokens @ $3/1k + 500 completion tokens @ $6/1k = 3 + 3 = 6
	assert.InDelta(t, 6.0, delta, 1e-9)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 6.0, tr.RunTotal())
}

func TestTracker_RunTotalIsMonotonic(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	tr := newWithClock(testPricing(), Limits{}, fixedClock(now))

	tr.Record("claude-3", 100, 0)
	tr.Record("claude-3", 100, 0)
	second := tr.RunTotal()
	tr.Record("claude-3", 100, 0)

	assert.Greater(t, tr.RunTotal(), second)
}

func TestTracker_DailyRolloverAtUTCMidnight(t *testing.T) {
	day1 := time.Date(2026, 1, 15, 23, 59, 0, 0, time.UTC)
	clockTime := day1
	clock := func() time.Time { return clockTime }

	tr := newWithClock(testPricing(), Limits{}, clock)
	tr.Record("claude-3", 1000, 0) // 3.0

	snap := tr.TakeSnapshot()
	assert.InDelta(t, 3.0, snap.DayTotal, 1e-9)

	clockTime = time.Date(2026, 1, 16, 0, 1, 0, 0, time.UTC)
	tr.Record("claude-3", 1000, 0)

	snap2 := tr.TakeSnapshot()
	assert.InDelta(t, 3.0, snap2.DayTotal, 1e-9, "day total should reset after UTC midnight")
	assert.InDelta(t, 6.0, snap2.RunTotal, 1e-9, "run total must never reset")
}

func TestTracker_HistoryPrunedAfter24h(t *testing.T) {
	clockTime := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockTime }
	tr := newWithClock(testPricing(), Limits{}, clock)

	tr.Record("claude-3", 100, 0)
	clockTime = clockTime.Add(25 * time.Hour)
	tr.Record("claude-3", 100, 0)

	snap := tr.TakeSnapshot()
	require.Len(t, snap.History24h, 1, "entries older than 24h must be pruned")
}

func TestTracker_AdmissionDecisions(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	limits := Limits{MaxCostPerRun: 10.0, WarningFraction: 0.8}
	tr := newWithClock(testPricing(), limits, fixedClock(now))

	_, d1 := tr.Record("claude-3", 1000, 0) // run total 3.0 -- below warning
	assert.True(t, d1.Allowed)
	assert.Empty(t, d1.Warning)

	_, d2 := tr.Record("claude-3", 2000, 0) // run total 9.0 -- warning (>= 8.0)
	assert.True(t, d2.Allowed)
	assert.NotEmpty(t, d2.Warning)

	_, d3 := tr.Record("claude-3", 1000, 0) // run total 12.0 -- blocked
	assert.False(t, d3.Allowed)
	assert.NotEmpty(t, d3.Reason)
}

func TestTracker_CheckAdmissionDoesNotRecord(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	limits := Limits{MaxCostPerRun: 1.0}
	tr := newWithClock(testPricing(), limits, fixedClock(now))

	d := tr.CheckAdmission()
	assert.True(t, d.Allowed)
	assert.Equal(t, 0.0, tr.RunTotal())
}
