package credit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iconforge/credit-engine/credit"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 12, 0, 0, 0, time.UTC)
}

// =============================================================================
// CONSUMABLE POLICY
// =============================================================================

func TestConsumable_PurchasesStack(t *testing.T) {
	// GIVEN: A balance with leftover credits from a previous pack
	// WHEN: Another pack is credited
	// THEN: The new credits add on top instead of replacing

	p := credit.Consumable{}

	b := p.Apply(credit.Balance{Current: 5, Max: 15}, 50)

	assert.Equal(t, int64(55), b.Current)
	assert.Equal(t, int64(55), b.Max, "max should track the high-water mark")
}

func TestConsumable_MaxIsHighWaterMark(t *testing.T) {
	// GIVEN: A balance whose historical max exceeds the new total
	// WHEN: A small pack is credited
	// THEN: Max stays at the historical high

	p := credit.Consumable{}

	b := p.Apply(credit.Balance{Current: 2, Max: 120}, 15)

	assert.Equal(t, int64(17), b.Current)
	assert.Equal(t, int64(120), b.Max)
}

func TestConsumable_NeverResets(t *testing.T) {
	b := credit.Balance{Current: 3, Max: 50}
	anchor := date(2025, time.January, 1)

	got, newAnchor, reset := credit.Consumable{}.CheckReset(b, anchor, date(2026, time.June, 1))

	assert.False(t, reset)
	assert.Equal(t, b, got)
	assert.Equal(t, anchor, newAnchor)
}

// =============================================================================
// CYCLE RULES
// =============================================================================

func TestCycleRule_DayCountBoundary(t *testing.T) {
	weekly := credit.CycleRule{Days: 7}
	last := date(2025, time.March, 1)

	// 6 days in: not due.
	assert.False(t, weekly.Due(last, last.AddDate(0, 0, 6)))

	// Exactly 7 days: due.
	assert.True(t, weekly.Due(last, last.AddDate(0, 0, 7)))

	// Well past: still due.
	assert.True(t, weekly.Due(last, last.AddDate(0, 0, 30)))
}

func TestCycleRule_CalendarMonthRollover(t *testing.T) {
	// GIVEN: A monthly cycle anchored on January 31
	// WHEN: Checking through February
	// THEN: The rollover lands at the end of February rather than drifting
	//       into March (AddDate normalization)

	monthly := credit.CycleRule{Months: 1}
	last := date(2025, time.January, 31)

	assert.False(t, monthly.Due(last, date(2025, time.February, 27)))
	assert.True(t, monthly.Due(last, date(2025, time.March, 3)))
}

func TestCycleRule_ZeroAnchorNeverDue(t *testing.T) {
	// A never-reset plan (fresh purchase, no anchor yet) must not trigger.
	weekly := credit.CycleRule{Days: 7}

	assert.False(t, weekly.Due(time.Time{}, date(2025, time.June, 1)))
}

// =============================================================================
// PERIODIC RESET POLICY
// =============================================================================

func TestPeriodicReset_PurchaseReplacesBalance(t *testing.T) {
	// GIVEN: A subscription plan with a fixed maximum of 30
	// WHEN: The plan is purchased with 12 credits remaining
	// THEN: The balance is set to the plan maximum, not 12+30

	p := credit.PeriodicReset{Max: 30, Cycle: credit.CycleRule{Days: 7}}

	b := p.Apply(credit.Balance{Current: 12, Max: 30}, 30)

	assert.Equal(t, int64(30), b.Current)
	assert.Equal(t, int64(30), b.Max)
}

func TestPeriodicReset_RolloverRestoresMaximum(t *testing.T) {
	p := credit.PeriodicReset{Max: 30, Cycle: credit.CycleRule{Days: 7}}
	last := date(2025, time.March, 1)
	now := last.AddDate(0, 0, 9)

	b, anchor, reset := p.CheckReset(credit.Balance{Current: 4, Max: 30}, last, now)

	assert.True(t, reset)
	assert.Equal(t, int64(30), b.Current)
	assert.Equal(t, now, anchor, "anchor re-anchors on the check time, not lastReset+cycle")
}

func TestPeriodicReset_NotDueLeavesBalanceAlone(t *testing.T) {
	p := credit.PeriodicReset{Max: 30, Cycle: credit.CycleRule{Days: 7}}
	last := date(2025, time.March, 1)

	b, anchor, reset := p.CheckReset(credit.Balance{Current: 4, Max: 30}, last, last.AddDate(0, 0, 3))

	assert.False(t, reset)
	assert.Equal(t, int64(4), b.Current)
	assert.Equal(t, last, anchor)
}
