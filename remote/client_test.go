package remote_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iconforge/credit-engine/api"
	"github.com/iconforge/credit-engine/credit"
	"github.com/iconforge/credit-engine/plan"
	"github.com/iconforge/credit-engine/remote"
	"github.com/iconforge/credit-engine/store/memory"
	"github.com/iconforge/credit-engine/store/sqlite"
)

// newTestClient runs the real authority (router + sqlite) behind httptest
// and points a client at it.
func newTestClient(t *testing.T) *remote.Client {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := api.NewHandler(store, plan.Default(), zerolog.Nop())
	srv := httptest.NewServer(api.NewRouter(h, zerolog.Nop()))
	t.Cleanup(srv.Close)

	return remote.New(srv.URL)
}

func TestClient_CreditFetchDeduct(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	b, err := c.Credit(ctx, "acct-1", plan.PackValue, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), b.Current)

	b, err = c.Fetch(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), b.Current)

	b, err = c.Deduct(ctx, "acct-1", 20)
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.Current)
}

func TestClient_CreditReplayIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Credit(ctx, "acct-1", plan.PackStarter, "tx-1")
	require.NoError(t, err)

	b, err := c.Credit(ctx, "acct-1", plan.PackStarter, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), b.Current)
}

func TestClient_CounterImplementationsAgreePerSKU(t *testing.T) {
	// GIVEN: The HTTP authority and the in-memory counter, fed the same
	//        purchase sequence per SKU family
	// THEN: Both report identical balances (packs stack, tiers replace)

	c := newTestClient(t)
	m := memory.NewCounter(plan.Default())
	ctx := context.Background()

	counters := map[string]credit.RemoteCounter{"http": c, "memory": m}
	for name, rc := range counters {
		id := credit.AccountID("acct-" + name)

		b, err := rc.Credit(ctx, id, plan.PackStarter, "tx-p1")
		require.NoError(t, err)
		b, err = rc.Credit(ctx, id, plan.PackStarter, "tx-p2")
		require.NoError(t, err)
		assert.Equal(t, int64(30), b.Current, "%s: packs stack", name)

		b, err = rc.Credit(ctx, id, plan.TierWeekly, "tx-s1")
		require.NoError(t, err)
		assert.Equal(t, int64(30), b.Current, "%s: buying a tier sets the tier maximum", name)

		_, err = rc.Deduct(ctx, id, 10)
		require.NoError(t, err)
		b, err = rc.Credit(ctx, id, plan.TierWeekly, "tx-s2")
		require.NoError(t, err)
		assert.Equal(t, credit.Balance{Current: 30, Max: 30}, b, "%s: renewals replace, never stack", name)
	}
}

func TestClient_ErrorsMapToSentinels(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	// 404 unknown product.
	_, err := c.Credit(ctx, "acct-1", "bogus", "tx-1")
	assert.ErrorIs(t, err, credit.ErrUnknownProduct)

	// 409 insufficient balance.
	_, err = c.Deduct(ctx, "acct-1", 999)
	assert.ErrorIs(t, err, credit.ErrInsufficientBalance)
	assert.False(t, credit.IsRetryable(err), "a short balance is not a network problem")
}

func TestClient_TransportFailureIsRetryable(t *testing.T) {
	// GIVEN: A client pointed at a dead endpoint
	// WHEN: Any call is made
	// THEN: The error unwraps to ErrRemoteUnavailable so the account layer
	//       degrades to its cached paths

	c := remote.New("http://127.0.0.1:1") // nothing listens here
	ctx := context.Background()

	_, err := c.Fetch(ctx, "acct-1")
	assert.ErrorIs(t, err, credit.ErrRemoteUnavailable)
	assert.True(t, credit.IsRetryable(err))

	_, err = c.Credit(ctx, "acct-1", plan.PackStarter, "tx-1")
	assert.ErrorIs(t, err, credit.ErrRemoteUnavailable)

	_, err = c.ProvisionAnonymous(ctx, "guest-1")
	assert.ErrorIs(t, err, credit.ErrRemoteUnavailable)
}

func TestClient_MigrateAndReset(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	b, err := c.MigrateBalance(ctx, "acct-1", "guest-1", 40, "migrate-guest-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), b.Current)

	// Replay: same deterministic transaction ID, no second grant.
	b, err = c.MigrateBalance(ctx, "acct-1", "guest-1", 40, "migrate-guest-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), b.Current)

	b, err = c.Reset(ctx, "acct-1", 30)
	require.NoError(t, err)
	assert.Equal(t, credit.Balance{Current: 30, Max: 30}, b)
}

func TestClient_ProvisionAnonymous(t *testing.T) {
	c := newTestClient(t)

	id, err := c.ProvisionAnonymous(context.Background(), "guest-7")
	require.NoError(t, err)
	assert.Equal(t, credit.AccountID("anon-guest-7"), id)
}
