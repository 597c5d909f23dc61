package ledger_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iconforge/credit-engine/credit"
	"github.com/iconforge/credit-engine/ledger"
	"github.com/iconforge/credit-engine/store/memory"
)

func newTestLedger() (*ledger.Ledger, *memory.LedgerStore) {
	store := memory.NewLedgerStore()
	return ledger.New(store, zerolog.Nop()), store
}

// =============================================================================
// IDEMPOTENCY GATE
// =============================================================================

func TestLedger_RecordThenIsProcessed(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	assert.False(t, l.IsProcessed(ctx, "tx-1"))

	require.NoError(t, l.Record(ctx, "tx-1", "starter", 15))

	assert.True(t, l.IsProcessed(ctx, "tx-1"))
	assert.False(t, l.IsProcessed(ctx, "tx-2"))
}

func TestLedger_DuplicateRecordIsNotAnError(t *testing.T) {
	// GIVEN: A recorded transaction
	// WHEN: The same transaction is recorded again (store redelivery)
	// THEN: No error, and a single record remains

	l, store := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "tx-1", "starter", 15))
	require.NoError(t, l.Record(ctx, "tx-1", "starter", 15))

	assert.Equal(t, 1, store.Len())
}

func TestLedger_ReadFailureFailsOpen(t *testing.T) {
	// GIVEN: A ledger whose store cannot be read
	// WHEN: IsProcessed is called
	// THEN: It reports false (re-attempt) rather than blocking the purchase

	l, store := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "tx-1", "starter", 15))

	store.FailReads = fmt.Errorf("disk corrupt")

	assert.False(t, l.IsProcessed(ctx, "tx-1"),
		"an unreadable ledger must not swallow purchases")
}

// =============================================================================
// HISTORY & RETENTION
// =============================================================================

func TestLedger_HistoryNewestFirst(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(ctx, txID(i), "starter", 15))
	}

	recs, err := l.History(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, txID(4), recs[0].TransactionID)
	assert.Equal(t, txID(2), recs[2].TransactionID)
}

func TestLedger_PruneKeepsRetentionWindow(t *testing.T) {
	// GIVEN: More records than the retention window
	// WHEN: Prune runs
	// THEN: Only the newest records survive, and recent transactions are
	//       still recognized as processed

	l, store := newTestLedger()
	l.Retention = 10
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, l.Record(ctx, txID(i), "starter", 15))
	}

	require.NoError(t, l.Prune(ctx))

	assert.Equal(t, 10, store.Len())
	assert.True(t, l.IsProcessed(ctx, txID(24)))
	assert.False(t, l.IsProcessed(ctx, txID(0)), "pruned entries are forgotten")
}

func TestLedger_PruneUnderWindowIsNoOp(t *testing.T) {
	l, store := newTestLedger()
	l.Retention = 10
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, l.Record(ctx, txID(i), "starter", 15))
	}

	require.NoError(t, l.Prune(ctx))
	assert.Equal(t, 4, store.Len())
}

func txID(i int) credit.TransactionID {
	return credit.TransactionID(fmt.Sprintf("tx-%03d", i))
}
