/*
errors.go - Centralized error types for the credit engine

PURPOSE:
  All credit-level error types in one place. Higher layers (purchase flow,
  identity migration) wrap these with their own context.

ERROR CATEGORIES:
  1. Balance errors - insufficiency, invalid amounts
  2. Remote errors - the authority is unreachable or rejected the call
  3. Catalog errors - unknown product identifiers

USAGE:
  The purchase controller and the HTTP client both map their failures onto
  these sentinels so callers can branch with errors.Is():

    if errors.Is(err, credit.ErrInsufficientBalance) { ... }
*/
package credit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a deduction exceeds the current
	// balance. The balance is never clamped; the deduction simply fails.
	ErrInsufficientBalance = errors.New("insufficient credit balance")

	// ErrInvalidAmount is returned for zero or negative deduction amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrRemoteUnavailable is returned when the remote authority cannot be
	// reached. Reads fall back to the cache; credits stay pending so the
	// store redelivers the transaction.
	ErrRemoteUnavailable = errors.New("remote counter unavailable")

	// ErrUnknownProduct is returned when a product ID is not in the plan
	// catalog. The remote authority refuses to credit amounts it cannot
	// derive itself.
	ErrUnknownProduct = errors.New("unknown product")

	// ErrNoRemote is returned when a durable-identity operation is attempted
	// on an account that was built without a remote counter.
	ErrNoRemote = errors.New("no remote counter configured")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports the shortfall of a rejected deduction.
type InsufficientBalanceError struct {
	Owner     string
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d",
		e.Owner, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// RemoteError wraps a transport or server failure from the remote authority.
type RemoteError struct {
	Op  string // "fetch", "credit", "deduct", "reset"
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s failed: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return ErrRemoteUnavailable }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnknownProduct)
}
