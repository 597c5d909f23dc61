/*
Package credit provides the consumable credit account engine.

PURPOSE:
  This package contains the core types and operations for managing a
  user's credit balance: reading it, spending it, and crediting it from
  purchases. It is the authority boundary between the always-available
  local cache and the remote counter that owns durable balances.

KEY CONCEPTS IN THIS FILE (types.go):
  - Balance: The consumable counter {Current, Max}
  - AccountID / ProductID / TransactionID: Type-safe identifiers
  - CachedBalance: Local persisted balance plus reset/display metadata
  - RemoteCounter: The remote authority's operation surface
  - Cache: Local persistence, always reachable

DESIGN PRINCIPLES:
  1. Additive mutations: remote credits are deltas applied server-side,
     never client-computed absolute overwrites
  2. Ledger-gated crediting: every credit is checked against the purchase
     ledger before it is applied (see ledger package)
  3. Fail toward the cache: remote reads degrade to the last cached value,
     remote writes degrade explicitly and loudly

SEE ALSO:
  - policy.go: Accrual policies (consumable vs periodic reset)
  - account.go: The Account operations (Get, Deduct, Credit, Reset)
  - ledger/: Idempotency records for purchase transactions
*/
package credit

import (
	"context"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID identifies a durable (authenticated) account at the remote
// authority. Guest identities never have one.
type AccountID string

// ProductID is the store SKU for a credit pack or subscription tier.
type ProductID string

// TransactionID is the store-assigned purchase transaction identifier, or a
// locally generated surrogate when the store does not supply one.
type TransactionID string

// =============================================================================
// BALANCE - The consumable counter
// =============================================================================

// Balance is the consumable credit counter.
//
// Current is the spendable amount and never goes below zero. Max is the
// high-water mark used as the display denominator ("X / Y credits"); it is
// NOT a ceiling on Current. Under the consumable policy Max only grows.
type Balance struct {
	Current int64 `json:"current"`
	Max     int64 `json:"max"`
}

// CanDeduct reports whether amount can be spent from this balance.
func (b Balance) CanDeduct(amount int64) bool {
	return amount > 0 && b.Current >= amount
}

// =============================================================================
// CACHED BALANCE - Local persisted state
// =============================================================================

// CachedBalance is what the local cache stores for an owner: the balance
// plus the metadata needed for periodic-reset evaluation and UI display.
//
// For guest identities the cache is authoritative. For durable identities it
// is a read-through copy refreshed on every successful remote fetch.
type CachedBalance struct {
	Balance Balance

	// PlanID is the last plan credited to this owner, display only.
	PlanID ProductID

	// LastPurchase is when the last purchase was credited, display only.
	LastPurchase time.Time

	// LastReset anchors the periodic-reset cycle check. Zero for accounts
	// that have never been on a periodic plan.
	LastReset time.Time
}

// =============================================================================
// REMOTE COUNTER - The remote authority's operation surface
// =============================================================================

// RemoteCounter is the remote authority for durable account balances.
//
// CONTRACT:
//   - Credit is additive and idempotent by transaction ID: the server derives
//     the credit amount from the product ID (never from the caller) and adds
//     it at most once per transaction ID.
//   - Deduct performs the sufficiency check and the decrement in a single
//     server-side operation; concurrent deductions cannot both observe a
//     pre-decrement balance.
//   - All methods return ErrRemoteUnavailable (wrapped) on transport failure
//     so callers can fall back to the cache.
type RemoteCounter interface {
	// Fetch returns the authoritative balance for the account.
	Fetch(ctx context.Context, id AccountID) (Balance, error)

	// Credit adds the credits for productID to the account, exactly once per
	// transaction ID, and returns the resulting balance.
	Credit(ctx context.Context, id AccountID, productID ProductID, txID TransactionID) (Balance, error)

	// Deduct atomically spends amount. Fails with ErrInsufficientBalance
	// (wrapped) when the balance is short; the balance is left untouched.
	Deduct(ctx context.Context, id AccountID, amount int64) (Balance, error)

	// Reset sets Current = Max = target. Periodic-reset plans only.
	Reset(ctx context.Context, id AccountID, target int64) (Balance, error)
}

// =============================================================================
// CACHE - Local persistence
// =============================================================================

// Cache is the process-local balance store. Owner keys are opaque to the
// cache: a guest's local identifier or a durable account ID.
//
// Cache writes happen only through the Account; no other component mutates
// these keys directly.
type Cache interface {
	// Load returns the cached balance for owner. A missing owner returns a
	// zero CachedBalance and no error.
	Load(ctx context.Context, owner string) (CachedBalance, error)

	// Save overwrites the cached balance for owner.
	Save(ctx context.Context, owner string, cb CachedBalance) error

	// Clear removes all cached state for owner. Used when retiring a guest
	// identity after migration.
	Clear(ctx context.Context, owner string) error
}
