/*
handlers.go - HTTP handlers for the remote authority

PURPOSE:
  Exposes the remote counter's operations over REST. This is the server the
  device-side credit engine talks to for durable identities; every mutation
  is atomic at the storage layer (see store/sqlite).

ENDPOINTS:
  GET    /api/plans                      Plan catalog
  GET    /api/accounts/{id}              Read balance
  GET    /api/accounts/{id}/meta         Last plan / last purchase (display)
  POST   /api/accounts/{id}/credit       Idempotent policy-aware credit
  POST   /api/accounts/{id}/deduct       Guarded atomic deduction
  POST   /api/accounts/{id}/reset        Periodic-reset rollover
  POST   /api/accounts/{id}/migrate      Guest balance migration
  POST   /api/accounts/anonymous         Provision anonymous guest account
  GET    /healthz                        Liveness + storage ping
  GET    /metrics                        Prometheus

ERROR HANDLING:
  Errors are JSON with a stable code and appropriate status:
  - 400: malformed input
  - 404: unknown product
  - 409: insufficient balance
  - 500: storage errors

SECURITY NOTE:
  No authentication middleware; the deployment fronts this with the managed
  backend's auth proxy.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/iconforge/credit-engine/credit"
	"github.com/iconforge/credit-engine/plan"
)

// =============================================================================
// HANDLER
// =============================================================================

// Authority is the storage surface the handlers drive. Satisfied by
// *sqlite.Store.
type Authority interface {
	FetchAccount(ctx context.Context, id credit.AccountID) (credit.Balance, error)
	CreditAccount(ctx context.Context, id credit.AccountID, productID credit.ProductID, txID credit.TransactionID, delta int64, replace bool) (credit.Balance, error)
	DeductAccount(ctx context.Context, id credit.AccountID, amount int64) (credit.Balance, error)
	ResetAccount(ctx context.Context, id credit.AccountID, target int64) (credit.Balance, error)
	EnsureAccount(ctx context.Context, id credit.AccountID) error
	LastPurchase(ctx context.Context, id credit.AccountID) (credit.ProductID, time.Time, bool, error)
	Ping(ctx context.Context) error
}

// Handler holds the API dependencies.
type Handler struct {
	store   Authority
	catalog *plan.Catalog
	log     zerolog.Logger
}

func NewHandler(store Authority, catalog *plan.Catalog, log zerolog.Logger) *Handler {
	return &Handler{store: store, catalog: catalog, log: log.With().Str("component", "api").Logger()}
}

// =============================================================================
// PLANS
// =============================================================================

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans := h.catalog.Plans()
	out := make([]PlanDTO, 0, len(plans))
	for _, p := range plans {
		out = append(out, PlanDTO{
			ProductID: string(p.ProductID),
			Name:      p.Name,
			Kind:      string(p.Kind),
			Credits:   p.Credits,
			Price:     p.Price.StringFixed(2),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))
	b, err := h.store.FetchAccount(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{Current: b.Current, Max: b.Max})
}

func (h *Handler) GetMeta(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))
	product, at, ok, err := h.store.LastPurchase(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	meta := AccountMetaDTO{}
	if ok {
		meta.LastPlan = string(product)
		meta.LastPurchase = &at
	}
	writeJSON(w, http.StatusOK, meta)
}

// CreditPurchase is the idempotent crediting operation. The credit quantity
// and accrual regime come from the plan catalog keyed by product ID; a
// client cannot declare its own amount. Consumable packs add, subscription
// tiers replace at the plan maximum (renewals do not stack). Repeat
// transaction IDs return the balance without re-applying.
func (h *Handler) CreditPurchase(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "invalid JSON body", Code: "bad_request"})
		return
	}
	if req.TransactionID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "transaction_id is required", Code: "bad_request"})
		return
	}

	p, ok := h.catalog.Lookup(credit.ProductID(req.ProductID))
	if !ok {
		h.writeError(w, credit.ErrUnknownProduct)
		return
	}

	b, err := h.store.CreditAccount(r.Context(), id, p.ProductID,
		credit.TransactionID(req.TransactionID), p.Credits, p.Kind == plan.KindSubscription)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.log.Info().Str("account", string(id)).Str("product", req.ProductID).
		Str("tx", req.TransactionID).Int64("current", b.Current).Msg("credit applied")
	writeJSON(w, http.StatusOK, BalanceDTO{Current: b.Current, Max: b.Max})
}

func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))
	var req DeductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "invalid JSON body", Code: "bad_request"})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "amount must be positive", Code: "bad_request"})
		return
	}

	b, err := h.store.DeductAccount(r.Context(), id, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{Current: b.Current, Max: b.Max})
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "invalid JSON body", Code: "bad_request"})
		return
	}
	if req.Target < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "target must be non-negative", Code: "bad_request"})
		return
	}

	b, err := h.store.ResetAccount(r.Context(), id, req.Target)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{Current: b.Current, Max: b.Max})
}

// Migrate applies a guest's accrued balance to a durable account. The
// explicit amount is the one crediting path that cannot be derived from a
// product ID (the guest's purchases were local); the deterministic
// transaction ID bounds it to one application per guest.
func (h *Handler) Migrate(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))
	var req MigrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "invalid JSON body", Code: "bad_request"})
		return
	}
	if req.TransactionID == "" || req.GuestID == "" || req.Amount < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "guest_id, transaction_id and non-negative amount required", Code: "bad_request"})
		return
	}

	b, err := h.store.CreditAccount(r.Context(), id, "migration",
		credit.TransactionID(req.TransactionID), req.Amount, false)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.log.Info().Str("account", string(id)).Str("guest", req.GuestID).
		Int64("amount", req.Amount).Msg("guest balance migrated")
	writeJSON(w, http.StatusOK, BalanceDTO{Current: b.Current, Max: b.Max})
}

func (h *Handler) ProvisionAnonymous(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GuestID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "guest_id is required", Code: "bad_request"})
		return
	}

	id := credit.AccountID("anon-" + req.GuestID)
	if err := h.store.EnsureAccount(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProvisionDTO{AccountID: string(id)})
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorDTO{Error: err.Error(), Code: "storage_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credit.ErrUnknownProduct):
		writeJSON(w, http.StatusNotFound, ErrorDTO{Error: err.Error(), Code: "unknown_product"})
	case errors.Is(err, credit.ErrInsufficientBalance):
		writeJSON(w, http.StatusConflict, ErrorDTO{Error: err.Error(), Code: "insufficient_balance"})
	default:
		h.log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorDTO{Error: err.Error(), Code: "internal"})
	}
}
