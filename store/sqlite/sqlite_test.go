package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iconforge/credit-engine/credit"
	"github.com/iconforge/credit-engine/identity"
	"github.com/iconforge/credit-engine/ledger"
	"github.com/iconforge/credit-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// PURCHASE LEDGER
// =============================================================================

func TestLedgerStore_AppendAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := ledger.Record{
		TransactionID: "tx-1", ProductID: "starter", Credits: 15,
		ProcessedAt: time.Now().UTC(), Granted: true,
	}
	require.NoError(t, s.Append(ctx, rec))

	got, ok, err := s.Get(ctx, "tx-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.ProductID, got.ProductID)
	assert.Equal(t, rec.Credits, got.Credits)
	assert.True(t, got.Granted)
	assert.WithinDuration(t, rec.ProcessedAt, got.ProcessedAt, time.Second)

	_, ok, err = s.Get(ctx, "tx-missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerStore_DuplicateAppendRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := ledger.Record{TransactionID: "tx-1", ProductID: "starter", Credits: 15, ProcessedAt: time.Now(), Granted: true}
	require.NoError(t, s.Append(ctx, rec))

	err := s.Append(ctx, rec)
	assert.ErrorIs(t, err, ledger.ErrDuplicateTransaction)
}

func TestLedgerStore_RecentAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := []credit.TransactionID{"tx-a", "tx-b", "tx-c", "tx-d"}
	for _, id := range ids {
		require.NoError(t, s.Append(ctx, ledger.Record{
			TransactionID: id, ProductID: "starter", Credits: 15,
			ProcessedAt: time.Now().UTC(), Granted: true,
		}))
	}

	recs, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, credit.TransactionID("tx-d"), recs[0].TransactionID, "newest first")

	n, err := s.PruneOldest(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := s.Get(ctx, "tx-a")
	require.NoError(t, err)
	assert.False(t, ok, "oldest entry pruned")
	_, ok, err = s.Get(ctx, "tx-d")
	require.NoError(t, err)
	assert.True(t, ok)
}

// =============================================================================
// BALANCE CACHE
// =============================================================================

func TestBalanceCache_RoundTripAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cb := credit.CachedBalance{
		Balance:      credit.Balance{Current: 42, Max: 50},
		PlanID:       "value",
		LastPurchase: time.Now().UTC().Truncate(time.Millisecond),
		LastReset:    time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Millisecond),
	}
	require.NoError(t, s.Save(ctx, "guest-1", cb))

	got, err := s.Load(ctx, "guest-1")
	require.NoError(t, err)
	assert.Equal(t, cb.Balance, got.Balance)
	assert.Equal(t, cb.PlanID, got.PlanID)
	assert.WithinDuration(t, cb.LastPurchase, got.LastPurchase, time.Second)
	assert.WithinDuration(t, cb.LastReset, got.LastReset, time.Second)

	// Save is an upsert.
	cb.Balance.Current = 12
	require.NoError(t, s.Save(ctx, "guest-1", cb))
	got, err = s.Load(ctx, "guest-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.Balance.Current)

	require.NoError(t, s.Clear(ctx, "guest-1"))
	got, err = s.Load(ctx, "guest-1")
	require.NoError(t, err)
	assert.Equal(t, credit.Balance{}, got.Balance, "cleared owner reads as zero")
}

// =============================================================================
// IDENTITY & CONTENT
// =============================================================================

func TestIdentity_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ident := identity.Identity{
		State: identity.StateDurable, AccountID: "acct-7",
		GuestID: "guest-old", RemoteGuestID: "anon-guest-old",
	}
	require.NoError(t, s.SaveIdentity(ctx, ident))

	got, ok, err := s.LoadIdentity(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ident, got)
}

func TestContent_PutListRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := identity.ContentItem{ID: "icon-1", Prompt: "a fox", URL: "file://icon-1.png", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Put(ctx, "guest-1", item))
	require.NoError(t, s.Put(ctx, "guest-1", item), "re-put of the same item upserts")

	items, err := s.List(ctx, "guest-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a fox", items[0].Prompt)

	other, err := s.List(ctx, "guest-2")
	require.NoError(t, err)
	assert.Empty(t, other, "owners are isolated")

	require.NoError(t, s.Remove(ctx, "guest-1", "icon-1"))
	items, err = s.List(ctx, "guest-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

// =============================================================================
// REMOTE AUTHORITY COUNTERS
// =============================================================================

func TestAccounts_CreditIsAdditive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.CreditAccount(ctx, "acct-1", "starter", "tx-1", 15, false)
	require.NoError(t, err)
	assert.Equal(t, int64(15), b.Current)

	b, err = s.CreditAccount(ctx, "acct-1", "value", "tx-2", 50, false)
	require.NoError(t, err)
	assert.Equal(t, int64(65), b.Current)
	assert.Equal(t, int64(65), b.Max)
}

func TestAccounts_CreditReplaceForSubscriptionRenewal(t *testing.T) {
	// GIVEN: An account holding a partially spent tier balance
	// WHEN: The tier renews (a fresh transaction with replace semantics)
	// THEN: The balance is set to the plan maximum, not stacked on top

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreditAccount(ctx, "acct-1", "weekly", "tx-w1", 30, true)
	require.NoError(t, err)
	_, err = s.DeductAccount(ctx, "acct-1", 10)
	require.NoError(t, err)

	b, err := s.CreditAccount(ctx, "acct-1", "weekly", "tx-w2", 30, true)
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.Current, "renewals restore the tier maximum")
	assert.Equal(t, int64(30), b.Max)

	b, err = s.CreditAccount(ctx, "acct-1", "weekly", "tx-w2", 30, true)
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.Current, "replayed renewal changes nothing")
}

func TestAccounts_CreditIdempotentPerTransaction(t *testing.T) {
	// GIVEN: A credited transaction ID
	// WHEN: The same transaction is credited again (client retry after a
	//       crash between credit and ledger record)
	// THEN: The balance moves exactly once

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreditAccount(ctx, "acct-1", "starter", "tx-1", 15, false)
	require.NoError(t, err)

	b, err := s.CreditAccount(ctx, "acct-1", "starter", "tx-1", 15, false)
	require.NoError(t, err)
	assert.Equal(t, int64(15), b.Current, "replayed transaction must not double-grant")
}

func TestAccounts_DeductGuardsBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreditAccount(ctx, "acct-1", "starter", "tx-1", 15, false)
	require.NoError(t, err)

	b, err := s.DeductAccount(ctx, "acct-1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Current)

	_, err = s.DeductAccount(ctx, "acct-1", 6)
	assert.ErrorIs(t, err, credit.ErrInsufficientBalance)

	b, err = s.FetchAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Current, "a refused deduction leaves the row untouched")
}

func TestAccounts_FetchMissingIsZero(t *testing.T) {
	s := newTestStore(t)

	b, err := s.FetchAccount(context.Background(), "acct-unknown")
	require.NoError(t, err)
	assert.Equal(t, credit.Balance{}, b)
}

func TestAccounts_Reset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreditAccount(ctx, "acct-1", "weekly", "tx-1", 30, true)
	require.NoError(t, err)
	_, err = s.DeductAccount(ctx, "acct-1", 28)
	require.NoError(t, err)

	b, err := s.ResetAccount(ctx, "acct-1", 30)
	require.NoError(t, err)
	assert.Equal(t, credit.Balance{Current: 30, Max: 30}, b)
}

func TestAccounts_LastPurchase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, ok, err := s.LastPurchase(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.CreditAccount(ctx, "acct-1", "pro", "tx-1", 120, false)
	require.NoError(t, err)

	product, at, ok, err := s.LastPurchase(ctx, "acct-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, credit.ProductID("pro"), product)
	assert.WithinDuration(t, time.Now(), at, time.Minute)
}
