/*
account.go - The Credit Account: Get, Deduct, Credit, Reset

PURPOSE:
  One Account abstraction serves both identity shapes:

  Durable (authenticated):
    - The remote counter is authoritative; every mutation is a server-side
      atomic operation (the server is the lock boundary)
    - The local cache is a read-through copy, used when the network fails

  Guest (anonymous):
    - The local cache is authoritative; the remote counter is absent (or
      best-effort only, see identity package)

CREDITING RULES:
  Credit is gated by the purchase ledger: a transaction ID that is already
  recorded is a no-op. For durable identities the remote authority derives
  the amount from the product ID itself and enforces transaction-ID
  uniqueness, so even a ledger miss (crash between credit and record)
  cannot double-grant. A remote credit failure is surfaced, never absorbed:
  the purchase stays unfinished with the store and is redelivered. For
  guests the cache write IS the durable application, so it is checked and
  ordered strictly before the ledger record; a failed write aborts the
  credit and leaves the transaction pending.

DEDUCTION RULES:
  Deduction fails (does not clamp) when the balance is short. For durable
  identities the check-and-decrement is one server-side operation; only when
  the server is unreachable does a best-effort local decrement apply, and
  the deduction is still refused rather than going negative.

SEE ALSO:
  - policy.go: Accrual policies applied during Credit and Get
  - ledger/: The idempotency gate
*/
package credit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// IdempotencyGate is the slice of the purchase ledger the account needs.
// Satisfied by *ledger.Ledger.
type IdempotencyGate interface {
	// IsProcessed reports whether a granted record exists. Never errors;
	// read failures report false (fail open, see ledger package).
	IsProcessed(ctx context.Context, txID TransactionID) bool

	// Record appends a granted record after the credit is durably applied.
	Record(ctx context.Context, txID TransactionID, productID ProductID, credits int64) error
}

// PlanResolver derives credit amounts and policies from product IDs.
// Satisfied by *plan.Catalog.
type PlanResolver interface {
	CreditsFor(id ProductID) (int64, error)
	PolicyFor(id ProductID) Policy
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is the credit balance for one identity.
type Account struct {
	owner  string // cache key: guest local ID or durable account ID
	id     AccountID
	guest  bool
	remote RemoteCounter // nil for guests
	cache  Cache
	gate   IdempotencyGate
	plans  PlanResolver
	log    zerolog.Logger

	// now is swappable for cycle-boundary tests.
	now func() time.Time
}

// NewGuestAccount builds an account whose cache is authoritative.
func NewGuestAccount(localID string, cache Cache, gate IdempotencyGate, plans PlanResolver, log zerolog.Logger) *Account {
	return &Account{
		owner: localID,
		guest: true,
		cache: cache,
		gate:  gate,
		plans: plans,
		log:   log.With().Str("component", "account").Str("owner", localID).Logger(),
		now:   time.Now,
	}
}

// NewDurableAccount builds an account backed by the remote authority with a
// read-through cache.
func NewDurableAccount(id AccountID, remote RemoteCounter, cache Cache, gate IdempotencyGate, plans PlanResolver, log zerolog.Logger) *Account {
	return &Account{
		owner:  string(id),
		id:     id,
		remote: remote,
		cache:  cache,
		gate:   gate,
		plans:  plans,
		log:    log.With().Str("component", "account").Str("owner", string(id)).Logger(),
		now:    time.Now,
	}
}

// IsGuest reports whether the cache is authoritative for this account.
func (a *Account) IsGuest() bool { return a.guest }

// Owner returns the cache key for this account.
func (a *Account) Owner() string { return a.owner }

// =============================================================================
// GET
// =============================================================================

// Get returns the balance. Durable identities attempt a remote fetch and
// refresh the cache; on network failure the last cached value is returned
// with only a logged warning. Guests always read the cache.
//
// The periodic-reset check runs on every read: it is computed from
// LastReset and the clock, so evaluating it repeatedly is harmless.
func (a *Account) Get(ctx context.Context) (Balance, error) {
	cb, err := a.cache.Load(ctx, a.owner)
	if err != nil {
		return Balance{}, err
	}

	if !a.guest && a.remote != nil {
		if b, ferr := a.remote.Fetch(ctx, a.id); ferr == nil {
			cb.Balance = b
			if serr := a.cache.Save(ctx, a.owner, cb); serr != nil {
				a.log.Warn().Err(serr).Msg("cache refresh failed")
			}
		} else {
			a.log.Warn().Err(ferr).Msg("remote fetch failed, serving cached balance")
		}
	}

	return a.applyResetCheck(ctx, cb)
}

// applyResetCheck evaluates the cached plan's cycle rule and persists the
// reset when one is due.
func (a *Account) applyResetCheck(ctx context.Context, cb CachedBalance) (Balance, error) {
	if cb.PlanID == "" {
		return cb.Balance, nil
	}
	policy := a.plans.PolicyFor(cb.PlanID)
	b, anchor, reset := policy.CheckReset(cb.Balance, cb.LastReset, a.now())
	if !reset {
		return cb.Balance, nil
	}

	a.log.Info().Str("plan", string(cb.PlanID)).Int64("current", b.Current).Msg("cycle rollover, balance reset")

	if !a.guest && a.remote != nil {
		if rb, err := a.remote.Reset(ctx, a.id, b.Max); err == nil {
			b = rb
		} else {
			a.log.Warn().Err(err).Msg("remote reset failed, applying locally")
		}
	}

	cb.Balance = b
	cb.LastReset = anchor
	if err := a.cache.Save(ctx, a.owner, cb); err != nil {
		return b, err
	}
	return b, nil
}

// =============================================================================
// DEDUCT
// =============================================================================

// Deduct spends amount. Fails with ErrInsufficientBalance when the balance
// is short; the balance is left untouched (never clamped).
func (a *Account) Deduct(ctx context.Context, amount int64) (Balance, error) {
	if amount <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	if !a.guest && a.remote != nil {
		b, err := a.remote.Deduct(ctx, a.id, amount)
		switch {
		case err == nil:
			a.refreshCache(ctx, b)
			return b, nil
		case errors.Is(err, ErrInsufficientBalance):
			return Balance{}, err
		case errors.Is(err, ErrRemoteUnavailable):
			// Degraded offline mode: best-effort local decrement, still
			// refusing to go negative.
			a.log.Warn().Err(err).Msg("remote deduct unavailable, degrading to local")
		default:
			return Balance{}, err
		}
	}

	return a.deductLocal(ctx, amount)
}

func (a *Account) deductLocal(ctx context.Context, amount int64) (Balance, error) {
	cb, err := a.cache.Load(ctx, a.owner)
	if err != nil {
		return Balance{}, err
	}
	if !cb.Balance.CanDeduct(amount) {
		return Balance{}, &InsufficientBalanceError{
			Owner:     a.owner,
			Available: cb.Balance.Current,
			Requested: amount,
		}
	}
	cb.Balance.Current -= amount
	if err := a.cache.Save(ctx, a.owner, cb); err != nil {
		return Balance{}, err
	}
	return cb.Balance, nil
}

// =============================================================================
// CREDIT
// =============================================================================

// Credit applies a purchase transaction once. A transaction ID already in
// the ledger is a no-op returning the current balance. The ledger record is
// written strictly after the balance mutation is durable.
func (a *Account) Credit(ctx context.Context, productID ProductID, txID TransactionID) (Balance, error) {
	if a.gate.IsProcessed(ctx, txID) {
		// Re-read through Get so a durable identity reports the remote
		// balance, not whatever the cache last saw.
		a.log.Info().Str("tx", string(txID)).Msg("transaction already credited, skipping")
		return a.Get(ctx)
	}

	amount, err := a.plans.CreditsFor(productID)
	if err != nil {
		return Balance{}, err
	}

	var b Balance
	if !a.guest && a.remote != nil {
		// The server re-derives the amount from productID and enforces
		// transaction-ID uniqueness; a failure here is surfaced so the
		// store transaction stays unfinished and is redelivered.
		b, err = a.remote.Credit(ctx, a.id, productID, txID)
		if err != nil {
			return Balance{}, err
		}
		// The server already holds the balance durably; the local copy is
		// display metadata and degrades to a warning on failure.
		a.saveCreditMetadata(ctx, b, productID)
	} else {
		b, err = a.creditLocal(ctx, productID, amount)
		if err != nil {
			return Balance{}, err
		}
		// The cache is the only durable copy for a guest. A failed save
		// surfaces before any ledger record exists, so the transaction stays
		// unfinished with the store and is redelivered.
		if err := a.persistCredit(ctx, b, productID); err != nil {
			a.log.Error().Err(err).Str("tx", string(txID)).Msg("balance save failed, purchase left unfinished")
			return Balance{}, err
		}
	}

	if err := a.gate.Record(ctx, txID, productID, amount); err != nil {
		// Credits are already applied; a failed record risks one replay on
		// restart. Durable identities absorb the replay through the
		// server-side uniqueness constraint.
		a.log.Error().Err(err).Str("tx", string(txID)).Msg("ledger record failed after credit")
		return b, err
	}

	a.log.Info().Str("tx", string(txID)).Str("product", string(productID)).
		Int64("credits", amount).Int64("current", b.Current).Msg("purchase credited")
	return b, nil
}

func (a *Account) creditLocal(ctx context.Context, productID ProductID, amount int64) (Balance, error) {
	cb, err := a.cache.Load(ctx, a.owner)
	if err != nil {
		return Balance{}, err
	}
	return a.plans.PolicyFor(productID).Apply(cb.Balance, amount), nil
}

func (a *Account) saveCreditMetadata(ctx context.Context, b Balance, productID ProductID) {
	if err := a.persistCredit(ctx, b, productID); err != nil {
		a.log.Warn().Err(err).Msg("cache save failed after credit")
	}
}

func (a *Account) persistCredit(ctx context.Context, b Balance, productID ProductID) error {
	cb, err := a.cache.Load(ctx, a.owner)
	if err != nil {
		a.log.Warn().Err(err).Msg("cache load failed while saving purchase metadata")
		cb = CachedBalance{}
	}
	cb.Balance = b
	cb.PlanID = productID
	cb.LastPurchase = a.now().UTC()
	if cb.LastReset.IsZero() {
		cb.LastReset = cb.LastPurchase
	}
	return a.cache.Save(ctx, a.owner, cb)
}

// =============================================================================
// RESET
// =============================================================================

// Reset sets Current = Max = target. Used by the periodic-reset policy when
// a billing cycle rolls over; the consumable policy never calls it.
func (a *Account) Reset(ctx context.Context, target int64) (Balance, error) {
	b := Balance{Current: target, Max: target}

	if !a.guest && a.remote != nil {
		rb, err := a.remote.Reset(ctx, a.id, target)
		if err != nil {
			return Balance{}, err
		}
		b = rb
	}

	cb, err := a.cache.Load(ctx, a.owner)
	if err != nil {
		return Balance{}, err
	}
	cb.Balance = b
	cb.LastReset = a.now().UTC()
	if err := a.cache.Save(ctx, a.owner, cb); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func (a *Account) refreshCache(ctx context.Context, b Balance) {
	cb, err := a.cache.Load(ctx, a.owner)
	if err != nil {
		a.log.Warn().Err(err).Msg("cache load failed during refresh")
		return
	}
	cb.Balance = b
	if err := a.cache.Save(ctx, a.owner, cb); err != nil {
		a.log.Warn().Err(err).Msg("cache save failed during refresh")
	}
}
