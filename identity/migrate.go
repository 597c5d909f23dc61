/*
migrate.go - One-shot Guest → Durable migration

PURPOSE:
  When the user signs up, the guest's accrued state moves into the durable
  account: the local balance is applied to the remote counter (additively,
  same rule as purchase crediting), generated-content metadata is copied
  into the durable namespace, and all guest-scoped local state is cleared.

IDEMPOTENCY & RESUMABILITY:
  The balance step uses a transaction ID derived from the guest ID
  ("migrate-<guestID>"), so a replay after a partial failure cannot credit
  twice: the ledger catches it locally and the remote uniqueness constraint
  catches it server-side. Content copying skips items already present in
  the durable namespace. Re-invoking migration after a crash detects what
  is still guest-scoped and finishes only that.

FAILURE ISOLATION:
  Each step's error is captured independently; one failed content upload
  does not abort the remaining steps. The report lists what succeeded and
  guest state is only cleared for the parts that actually moved.
*/
package identity

import (
	"context"

	"github.com/iconforge/credit-engine/credit"
)

// MigrationReport summarizes what a migration pass accomplished.
type MigrationReport struct {
	CreditsMoved int64
	ContentMoved int
	GuestCleared bool
	StepErrors   []error
	AlreadyMoved bool // balance step found nothing left to migrate
}

// Failed reports whether any step errored.
func (r MigrationReport) Failed() bool { return len(r.StepErrors) > 0 }

// MigrationTxID returns the deterministic transaction ID for a guest's
// balance migration. Deterministic so replays are idempotent end to end.
func MigrationTxID(guestID string) credit.TransactionID {
	return credit.TransactionID("migrate-" + guestID)
}

// Migrate moves the guest's state into the durable account identified by
// accountID and retires the guest identity. One-shot per guest: a second
// call after completion returns ErrAlreadyDurable.
func (m *Manager) Migrate(ctx context.Context, accountID credit.AccountID) (MigrationReport, error) {
	m.mu.Lock()
	switch {
	case m.migrating:
		m.mu.Unlock()
		return MigrationReport{}, ErrMigrationInProgress
	case m.ident.State == StateDurable:
		if m.ident.AccountID == accountID && m.ident.GuestID != "" {
			// A prior pass flipped the identity but left guest-scoped
			// leftovers (e.g. one content item failed to copy). Sweep them;
			// the ledger guard keeps the balance from moving twice.
			guestID := m.ident.GuestID
			m.migrating = true
			m.mu.Unlock()
			return m.resumeSweep(ctx, guestID, accountID)
		}
		m.mu.Unlock()
		return MigrationReport{}, ErrAlreadyDurable
	case m.ident.State == StateNone:
		// Nothing to move; adopt the durable identity directly.
		ident := Identity{State: StateDurable, AccountID: accountID}
		err := m.store.SaveIdentity(ctx, ident)
		if err == nil {
			m.ident = ident
		}
		m.mu.Unlock()
		return MigrationReport{AlreadyMoved: true}, err
	}
	m.migrating = true
	guestID := m.ident.GuestID
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.migrating = false
		m.mu.Unlock()
	}()

	var report MigrationReport

	// Step 1: balance. Read the guest cache and apply it to the durable
	// remote counter. On failure the guest cache is kept so a retry can
	// resume; the deterministic transaction ID makes the retry safe.
	balanceMoved := m.migrateBalance(ctx, guestID, accountID, &report)

	// Step 2: content metadata, item by item.
	m.migrateContent(ctx, guestID, accountID, &report)

	// Step 3: retire the guest. The identity flips to durable even when a
	// step failed (the user IS signed in now); unmigrated leftovers are
	// picked up by the next Migrate call through the resumability checks.
	// The retired guest ID is kept on the record so those sweeps know
	// where to look.
	ident := Identity{State: StateDurable, AccountID: accountID, GuestID: guestID}
	if err := m.store.SaveIdentity(ctx, ident); err != nil {
		report.StepErrors = append(report.StepErrors, err)
		return report, err
	}
	m.mu.Lock()
	m.ident = ident
	m.mu.Unlock()

	// Step 4: clear guest-scoped state, only for the parts that moved.
	if balanceMoved {
		if err := m.cache.Clear(ctx, guestID); err != nil {
			report.StepErrors = append(report.StepErrors, err)
		} else {
			report.GuestCleared = true
		}
	}

	m.log.Info().Str("guest", guestID).Str("account", string(accountID)).
		Int64("credits", report.CreditsMoved).Int("content", report.ContentMoved).
		Int("errors", len(report.StepErrors)).Msg("guest migration finished")
	return report, nil
}

// resumeSweep finishes a migration whose identity flip already happened:
// retries the balance move if the ledger shows it never landed, copies
// remaining guest content, and clears the guest cache once the balance is
// accounted for.
func (m *Manager) resumeSweep(ctx context.Context, guestID string, accountID credit.AccountID) (MigrationReport, error) {
	defer func() {
		m.mu.Lock()
		m.migrating = false
		m.mu.Unlock()
	}()

	var report MigrationReport
	balanceMoved := m.migrateBalance(ctx, guestID, accountID, &report)
	m.migrateContent(ctx, guestID, accountID, &report)

	if balanceMoved {
		if err := m.cache.Clear(ctx, guestID); err != nil {
			report.StepErrors = append(report.StepErrors, err)
		} else {
			report.GuestCleared = true
		}
	}
	return report, nil
}

func (m *Manager) migrateBalance(ctx context.Context, guestID string, accountID credit.AccountID, report *MigrationReport) bool {
	cb, err := m.cache.Load(ctx, guestID)
	if err != nil {
		report.StepErrors = append(report.StepErrors, err)
		return false
	}
	if cb.Balance.Current <= 0 {
		report.AlreadyMoved = true
		return true
	}

	txID := MigrationTxID(guestID)
	if m.gate.IsProcessed(ctx, txID) {
		// A previous pass already credited the durable account but failed
		// before clearing the guest cache. Finish the cleanup only.
		report.AlreadyMoved = true
		return true
	}

	if m.migrator == nil {
		report.StepErrors = append(report.StepErrors, credit.ErrNoRemote)
		return false
	}

	b, err := m.migrator.MigrateBalance(ctx, accountID, guestID, cb.Balance.Current, txID)
	if err != nil {
		report.StepErrors = append(report.StepErrors, err)
		return false
	}
	report.CreditsMoved = cb.Balance.Current

	// Record before clearing guest state so a crash here is detected by
	// the IsProcessed check above instead of re-crediting.
	if err := m.gate.Record(ctx, txID, cb.PlanID, cb.Balance.Current); err != nil {
		report.StepErrors = append(report.StepErrors, err)
	}

	// Seed the durable cache with the post-migration balance and carry the
	// purchase display metadata over.
	dcb := credit.CachedBalance{
		Balance:      b,
		PlanID:       cb.PlanID,
		LastPurchase: cb.LastPurchase,
		LastReset:    cb.LastReset,
	}
	if err := m.cache.Save(ctx, string(accountID), dcb); err != nil {
		report.StepErrors = append(report.StepErrors, err)
	}
	return true
}

func (m *Manager) migrateContent(ctx context.Context, guestID string, accountID credit.AccountID, report *MigrationReport) {
	if m.content == nil {
		return
	}
	items, err := m.content.List(ctx, guestID)
	if err != nil {
		report.StepErrors = append(report.StepErrors, err)
		return
	}
	existing, err := m.content.List(ctx, string(accountID))
	if err != nil {
		report.StepErrors = append(report.StepErrors, err)
		return
	}
	moved := make(map[string]bool, len(existing))
	for _, it := range existing {
		moved[it.ID] = true
	}

	for _, it := range items {
		if !moved[it.ID] {
			if err := m.content.Put(ctx, string(accountID), it); err != nil {
				// Keep the item guest-scoped for the next resume pass.
				report.StepErrors = append(report.StepErrors, err)
				continue
			}
			report.ContentMoved++
		}
		if err := m.content.Remove(ctx, guestID, it.ID); err != nil {
			report.StepErrors = append(report.StepErrors, err)
		}
	}
}
