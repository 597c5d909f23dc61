/*
dto.go - Data Transfer Objects for the remote authority API

PURPOSE:
  JSON structures for the counter-update endpoints. These types decouple
  the wire contract from the internal domain model.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *DTO: Response types returned to clients

VALIDATION:
  Done in handlers; DTOs are pure data carriers. Note that CreditRequest
  deliberately has NO credits field: the server derives the amount from
  the product ID and would ignore a client-declared quantity anyway.
*/
package api

import "time"

// =============================================================================
// REQUESTS
// =============================================================================

// CreditRequest credits a purchase to an account. The amount is derived
// server-side from ProductID against the plan catalog.
type CreditRequest struct {
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
}

// DeductRequest spends credits.
type DeductRequest struct {
	Amount int64 `json:"amount"`
}

// ResetRequest restores a periodic plan's balance to its maximum.
type ResetRequest struct {
	Target int64 `json:"target"`
}

// MigrateRequest applies a retiring guest's accrued balance to a durable
// account. TransactionID is the deterministic migration key; replays are
// no-ops.
type MigrateRequest struct {
	GuestID       string `json:"guest_id"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id"`
}

// ProvisionRequest creates a best-effort anonymous account for a guest.
type ProvisionRequest struct {
	GuestID string `json:"guest_id"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// BalanceDTO is the counter state returned by every mutation.
type BalanceDTO struct {
	Current int64 `json:"current"`
	Max     int64 `json:"max"`
}

// AccountMetaDTO is display-only purchase metadata.
type AccountMetaDTO struct {
	LastPlan     string     `json:"last_plan,omitempty"`
	LastPurchase *time.Time `json:"last_purchase,omitempty"`
}

// ProvisionDTO returns the anonymous account created for a guest.
type ProvisionDTO struct {
	AccountID string `json:"account_id"`
}

// PlanDTO is one catalog entry.
type PlanDTO struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Credits   int64  `json:"credits"`
	Price     string `json:"price"`
}

// ErrorDTO is the uniform error envelope.
type ErrorDTO struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
