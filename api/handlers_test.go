package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iconforge/credit-engine/api"
	"github.com/iconforge/credit-engine/plan"
	"github.com/iconforge/credit-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestRouter(t *testing.T) http.Handler {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := api.NewHandler(store, plan.Default(), zerolog.Nop())
	return api.NewRouter(h, zerolog.Nop())
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBalance(t *testing.T, rec *httptest.ResponseRecorder) api.BalanceDTO {
	t.Helper()
	var b api.BalanceDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&b))
	return b
}

// =============================================================================
// PLANS
// =============================================================================

func TestAPI_ListPlans(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/plans", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var plans []api.PlanDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&plans))
	assert.Len(t, plans, 6)

	byID := map[string]api.PlanDTO{}
	for _, p := range plans {
		byID[p.ProductID] = p
	}
	assert.Equal(t, int64(50), byID["value"].Credits)
	assert.Equal(t, "7.99", byID["value"].Price)
	assert.Equal(t, "subscription", byID["weekly"].Kind)
}

// =============================================================================
// CREDITING
// =============================================================================

func TestAPI_CreditDerivesAmountServerSide(t *testing.T) {
	// GIVEN: A credit request naming only product and transaction
	// WHEN: It is applied twice with the same transaction ID
	// THEN: The catalog's amount lands exactly once

	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/credit",
		api.CreditRequest{ProductID: "value", TransactionID: "tx-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(50), decodeBalance(t, rec).Current)

	rec = doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/credit",
		api.CreditRequest{ProductID: "value", TransactionID: "tx-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(50), decodeBalance(t, rec).Current, "replay must not double-grant")
}

func TestAPI_CreditSubscriptionRenewalReplaces(t *testing.T) {
	// GIVEN: An account holding a partially spent weekly tier balance
	// WHEN: The tier renews with a fresh transaction ID
	// THEN: The balance is restored to the tier maximum, not stacked

	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/credit",
		api.CreditRequest{ProductID: "weekly", TransactionID: "tx-w1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(30), decodeBalance(t, rec).Current)

	doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/deduct",
		api.DeductRequest{Amount: 12})

	rec = doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/credit",
		api.CreditRequest{ProductID: "weekly", TransactionID: "tx-w2"})
	require.Equal(t, http.StatusOK, rec.Code)
	b := decodeBalance(t, rec)
	assert.Equal(t, int64(30), b.Current, "renewals do not stack")
	assert.Equal(t, int64(30), b.Max)
}

func TestAPI_CreditUnknownProduct(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/credit",
		api.CreditRequest{ProductID: "bogus", TransactionID: "tx-1"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var e api.ErrorDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.Equal(t, "unknown_product", e.Code)
}

func TestAPI_CreditRequiresTransactionID(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/credit",
		api.CreditRequest{ProductID: "value"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// DEDUCTION
// =============================================================================

func TestAPI_DeductGuarded(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/credit",
		api.CreditRequest{ProductID: "starter", TransactionID: "tx-1"})

	rec := doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/deduct",
		api.DeductRequest{Amount: 10})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), decodeBalance(t, rec).Current)

	rec = doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/deduct",
		api.DeductRequest{Amount: 6})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/accounts/acct-1", nil)
	assert.Equal(t, int64(5), decodeBalance(t, rec).Current)
}

func TestAPI_DeductRejectsNonPositive(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/deduct",
		api.DeductRequest{Amount: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// BALANCE & META
// =============================================================================

func TestAPI_UnknownAccountReadsZero(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/accounts/never-seen", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), decodeBalance(t, rec).Current)
}

func TestAPI_MetaReflectsLastPurchase(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/accounts/acct-1/meta", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var empty api.AccountMetaDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&empty))
	assert.Empty(t, empty.LastPlan)
	assert.Nil(t, empty.LastPurchase)

	doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/credit",
		api.CreditRequest{ProductID: "pro", TransactionID: "tx-1"})

	rec = doJSON(t, router, http.MethodGet, "/api/accounts/acct-1/meta", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var meta api.AccountMetaDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&meta))
	assert.Equal(t, "pro", meta.LastPlan)
	require.NotNil(t, meta.LastPurchase)
}

// =============================================================================
// MIGRATION & PROVISIONING
// =============================================================================

func TestAPI_MigrateOncePerGuest(t *testing.T) {
	// GIVEN: A guest with 40 locally accrued credits
	// WHEN: Migration is replayed with its deterministic transaction ID
	// THEN: The durable account gains the credits exactly once

	router := newTestRouter(t)
	req := api.MigrateRequest{GuestID: "guest-1", Amount: 40, TransactionID: "migrate-guest-1"}

	rec := doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/migrate", req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(40), decodeBalance(t, rec).Current)

	rec = doJSON(t, router, http.MethodPost, "/api/accounts/acct-1/migrate", req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(40), decodeBalance(t, rec).Current)
}

func TestAPI_ProvisionAnonymous(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/accounts/anonymous",
		api.ProvisionRequest{GuestID: "guest-9"})

	require.Equal(t, http.StatusOK, rec.Code)
	var p api.ProvisionDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, "anon-guest-9", p.AccountID)

	// The provisioned account reads as zero balance.
	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/accounts/%s", p.AccountID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), decodeBalance(t, rec).Current)
}

func TestAPI_ProvisionRequiresGuestID(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/accounts/anonymous",
		api.ProvisionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestAPI_Healthz(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
