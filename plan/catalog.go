/*
Package plan defines the product catalog: the mapping from store SKUs to
credit quantities, prices, and accrual policies.

PURPOSE:
  The catalog is immutable, read-only configuration known to both the client
  and the remote authority. The authority recomputes credit quantities from
  the product ID itself and never trusts a client-declared amount; this
  package is where that recomputation happens, on both sides.

TWO PLAN FAMILIES:
  Consumable packs (current model):
    starter  15 credits   $2.99
    value    50 credits   $7.99
    pro     120 credits  $14.99
  Packs stack: buying starter twice yields 30 credits.

  Subscription tiers (legacy model, periodic reset):
    weekly    30 credits /  7-day cycle   $4.99
    monthly  150 credits / calendar month $9.99
    yearly   200 credits / calendar month $59.99 (annual billing, monthly
             credit refresh)
  Tiers do not stack: the balance resets to the tier maximum each cycle.

  Both families are served by one Account parameterized by the plan's
  policy; there is no duplicated balance logic per regime.

SEE ALSO:
  - credit/policy.go: The policy types referenced here
  - factory/: Loads catalog overrides from TOML configuration
*/
package plan

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/iconforge/credit-engine/credit"
)

// =============================================================================
// PLAN - One catalog entry
// =============================================================================

type Kind string

const (
	KindConsumable   Kind = "consumable"
	KindSubscription Kind = "subscription"
)

// Plan binds a store product ID to its credit quantity, price, and accrual
// policy. Immutable configuration.
type Plan struct {
	ProductID credit.ProductID
	Name      string
	Kind      Kind
	Credits   int64
	Price     decimal.Decimal
	Policy    credit.Policy
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is the full set of known plans, keyed by product ID.
type Catalog struct {
	plans map[credit.ProductID]Plan
}

func NewCatalog(plans ...Plan) *Catalog {
	c := &Catalog{plans: make(map[credit.ProductID]Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.ProductID] = p
	}
	return c
}

// Lookup returns the plan for a product ID.
func (c *Catalog) Lookup(id credit.ProductID) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// CreditsFor derives the credit quantity for a product ID. This is the
// server-side recomputation: the remote authority calls this instead of
// trusting any client-declared amount.
func (c *Catalog) CreditsFor(id credit.ProductID) (int64, error) {
	p, ok := c.plans[id]
	if !ok {
		return 0, credit.ErrUnknownProduct
	}
	return p.Credits, nil
}

// PolicyFor returns the accrual policy for a product ID, defaulting to
// Consumable for unknown products (callers should have validated the ID
// against Lookup first; the default keeps display paths total).
func (c *Catalog) PolicyFor(id credit.ProductID) credit.Policy {
	if p, ok := c.plans[id]; ok && p.Policy != nil {
		return p.Policy
	}
	return credit.Consumable{}
}

// ProductIDs returns all known SKUs, sorted. Used to request the store's
// product catalog.
func (c *Catalog) ProductIDs() []credit.ProductID {
	ids := make([]credit.ProductID, 0, len(c.plans))
	for id := range c.plans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Plans returns all plans, sorted by product ID.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, id := range c.ProductIDs() {
		out = append(out, c.plans[id])
	}
	return out
}

// =============================================================================
// BUILT-IN CATALOG
// =============================================================================

// Consumable pack SKUs.
const (
	PackStarter credit.ProductID = "starter"
	PackValue   credit.ProductID = "value"
	PackPro     credit.ProductID = "pro"
)

// Legacy subscription tier SKUs.
const (
	TierWeekly  credit.ProductID = "weekly"
	TierMonthly credit.ProductID = "monthly"
	TierYearly  credit.ProductID = "yearly"
)

func price(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Default returns the built-in catalog: the consumable packs plus the legacy
// subscription tiers kept behind the periodic-reset policy.
func Default() *Catalog {
	return NewCatalog(
		Plan{ProductID: PackStarter, Name: "Starter Pack", Kind: KindConsumable,
			Credits: 15, Price: price("2.99"), Policy: credit.Consumable{}},
		Plan{ProductID: PackValue, Name: "Value Pack", Kind: KindConsumable,
			Credits: 50, Price: price("7.99"), Policy: credit.Consumable{}},
		Plan{ProductID: PackPro, Name: "Pro Pack", Kind: KindConsumable,
			Credits: 120, Price: price("14.99"), Policy: credit.Consumable{}},

		Plan{ProductID: TierWeekly, Name: "Weekly", Kind: KindSubscription,
			Credits: 30, Price: price("4.99"),
			Policy: credit.PeriodicReset{Max: 30, Cycle: credit.CycleRule{Days: 7}}},
		Plan{ProductID: TierMonthly, Name: "Monthly", Kind: KindSubscription,
			Credits: 150, Price: price("9.99"),
			Policy: credit.PeriodicReset{Max: 150, Cycle: credit.CycleRule{Months: 1}}},
		Plan{ProductID: TierYearly, Name: "Yearly", Kind: KindSubscription,
			Credits: 200, Price: price("59.99"),
			Policy: credit.PeriodicReset{Max: 200, Cycle: credit.CycleRule{Months: 1}}},
	)
}
