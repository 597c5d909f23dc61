/*
policy.go - Accrual policies: how credits accumulate per plan type

PURPOSE:
  Two incompatible accrual regimes coexist in this system:

  Consumable (current):
    - Every purchase ADDS to the balance ("credit packs stack")
    - Max tracks the largest balance ever held, purely for display
    - Nothing ever resets; credits are spent down until gone

  PeriodicReset (legacy subscription tiers):
    - Purchases do not stack; the plan has a fixed maximum
    - On a cadence determined by the plan (fixed day count for short
      cycles, calendar-month rollover for longer ones) the balance is
      reset to the plan maximum
    - The reset check is computed from LastReset and the current time,
      never from a counter, so it is safe to evaluate on every read

  Rather than duplicating balance logic per regime, a single Account is
  parameterized by a Policy selected per plan at configuration time.

RESET SEMANTICS:
  A 7-day plan checked 6 days after LastReset does not reset. Checked 7 or
  more days after, it resets to the plan maximum and LastReset advances to
  the check time (not LastReset + cycle, matching how billing anniversaries
  re-anchor on renewal).

SEE ALSO:
  - account.go: Where policies are applied during Credit and Get
  - plan/: Catalog entries bind a product ID to a policy
*/
package credit

import "time"

// =============================================================================
// POLICY - Pluggable accrual behavior
// =============================================================================

// Policy defines how crediting and balance refresh behave for a plan.
type Policy interface {
	// Apply returns the balance after crediting amount under this policy.
	Apply(b Balance, amount int64) Balance

	// CheckReset evaluates the cycle rule against the current time. It
	// returns the (possibly reset) balance, the new reset anchor, and
	// whether a reset occurred. Policies without cycles return the inputs
	// unchanged.
	CheckReset(b Balance, lastReset, now time.Time) (Balance, time.Time, bool)
}

// =============================================================================
// CONSUMABLE - Additive credit packs
// =============================================================================

// Consumable is the additive pack policy: credits stack, Max is the
// high-water mark for display, and nothing resets.
type Consumable struct{}

func (Consumable) Apply(b Balance, amount int64) Balance {
	b.Current += amount
	if b.Current > b.Max {
		b.Max = b.Current
	}
	return b
}

func (Consumable) CheckReset(b Balance, lastReset, now time.Time) (Balance, time.Time, bool) {
	return b, lastReset, false
}

// =============================================================================
// PERIODIC RESET - Legacy subscription cycles
// =============================================================================

// CycleRule describes when a periodic-reset plan rolls over.
//
// Short plans use a fixed day count (e.g. weekly = 7 days). Longer plans
// roll over on calendar months so a January 31 purchase renews at the end
// of February rather than drifting.
type CycleRule struct {
	// Days is the fixed cycle length. Ignored when Months > 0.
	Days int

	// Months selects calendar-month rollover with the given month count.
	Months int
}

// Due reports whether a cycle boundary has passed between lastReset and now.
func (c CycleRule) Due(lastReset, now time.Time) bool {
	if lastReset.IsZero() {
		return false
	}
	if c.Months > 0 {
		return !now.Before(lastReset.AddDate(0, c.Months, 0))
	}
	if c.Days <= 0 {
		return false
	}
	return !now.Before(lastReset.AddDate(0, 0, c.Days))
}

// PeriodicReset is the legacy subscription policy: a fixed plan maximum
// restored on every cycle boundary.
type PeriodicReset struct {
	Max   int64
	Cycle CycleRule
}

// Apply under a periodic plan is a replacement, not an addition: buying the
// plan (or renewing it) puts the balance at the plan maximum.
func (p PeriodicReset) Apply(b Balance, amount int64) Balance {
	return Balance{Current: p.Max, Max: p.Max}
}

func (p PeriodicReset) CheckReset(b Balance, lastReset, now time.Time) (Balance, time.Time, bool) {
	if !p.Cycle.Due(lastReset, now) {
		return b, lastReset, false
	}
	return Balance{Current: p.Max, Max: p.Max}, now, true
}
