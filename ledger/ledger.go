/*
Package ledger provides the purchase idempotency record.

PURPOSE:
  The Ledger answers one question: "has this store transaction already been
  credited?" It is the client-side guard against double-granting a purchase
  when the platform store redelivers a transaction it never saw finished.

CRITICAL INVARIANTS:
  1. ONE RECORD PER TRANSACTION ID, for the lifetime of the ledger
  2. A record is written only AFTER credits have been durably applied
  3. Records are never mutated; pruning (optional) only drops the oldest
     entries beyond a fixed retention window

FAILURE POSTURE:
  IsProcessed fails OPEN: if the underlying store cannot be read, it reports
  "not processed" so the crediting path re-attempts. This is safe because
  remote crediting is additionally idempotent at the server (keyed by the
  same transaction ID); the ledger is the first gate, not the only one.

CRASH WINDOW:
  If the process dies between crediting and recording, the next run may see
  the transaction as unprocessed and credit again locally. For durable
  identities the server-side uniqueness constraint absorbs the replay; for
  guests the window is accepted in favor of never losing a paid purchase.

SEE ALSO:
  - credit/account.go: The only caller of Record
  - purchase/: Consults IsProcessed before crediting and before finishing
    orphaned transactions
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/iconforge/credit-engine/credit"
)

// DefaultRetention is how many records Prune keeps when no explicit window
// is configured.
const DefaultRetention = 1000

// =============================================================================
// RECORD - One processed purchase transaction
// =============================================================================

// Record marks a transaction as credited. Immutable once written.
type Record struct {
	TransactionID credit.TransactionID
	ProductID     credit.ProductID
	Credits       int64
	ProcessedAt   time.Time
	Granted       bool
}

// =============================================================================
// STORE - Persistence interface
// =============================================================================

// Store persists ledger records. Append-only except for retention pruning.
type Store interface {
	// Append persists a record. Appending an already-present transaction ID
	// returns ErrDuplicateTransaction.
	Append(ctx context.Context, rec Record) error

	// Get returns the record for a transaction ID, or ok=false.
	Get(ctx context.Context, txID credit.TransactionID) (Record, bool, error)

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// PruneOldest removes records beyond the keep newest entries.
	PruneOldest(ctx context.Context, keep int) (int, error)
}

// ErrDuplicateTransaction is returned when appending a transaction ID that
// already has a record. Expected under redelivery; callers treat it as
// "already credited", not a failure.
var ErrDuplicateTransaction = errors.New("transaction already recorded")

// =============================================================================
// LEDGER
// =============================================================================

// Ledger gates crediting on per-transaction idempotency records.
type Ledger struct {
	store Store
	log   zerolog.Logger

	// Retention is the pruning window. Zero means DefaultRetention.
	Retention int
}

func New(store Store, log zerolog.Logger) *Ledger {
	return &Ledger{store: store, log: log.With().Str("component", "ledger").Logger()}
}

// IsProcessed reports whether a granted record exists for txID.
//
// Never returns an error: a read failure logs a warning and reports false,
// failing open toward a re-attempt (the server-side uniqueness constraint
// backstops durable identities).
func (l *Ledger) IsProcessed(ctx context.Context, txID credit.TransactionID) bool {
	rec, ok, err := l.store.Get(ctx, txID)
	if err != nil {
		l.log.Warn().Err(err).Str("tx", string(txID)).Msg("ledger read failed, treating as unprocessed")
		return false
	}
	return ok && rec.Granted
}

// Record appends a granted record for txID. Must be called only after the
// corresponding credit mutation has been durably applied.
//
// A duplicate append is not an error; the existing record already says
// everything this one would.
func (l *Ledger) Record(ctx context.Context, txID credit.TransactionID, productID credit.ProductID, credits int64) error {
	err := l.store.Append(ctx, Record{
		TransactionID: txID,
		ProductID:     productID,
		Credits:       credits,
		ProcessedAt:   time.Now().UTC(),
		Granted:       true,
	})
	if errors.Is(err, ErrDuplicateTransaction) {
		return nil
	}
	return err
}

// History returns up to limit records, newest first. Display and migration
// bookkeeping only; never consulted for crediting decisions.
func (l *Ledger) History(ctx context.Context, limit int) ([]Record, error) {
	return l.store.Recent(ctx, limit)
}

// Prune drops the oldest records past the retention window. Optional; safe
// to call on any cadence. Entries inside the window are never pruned.
func (l *Ledger) Prune(ctx context.Context) error {
	keep := l.Retention
	if keep <= 0 {
		keep = DefaultRetention
	}
	n, err := l.store.PruneOldest(ctx, keep)
	if err != nil {
		return err
	}
	if n > 0 {
		l.log.Debug().Int("pruned", n).Int("keep", keep).Msg("ledger pruned")
	}
	return nil
}
