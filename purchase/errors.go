/*
errors.go - Purchase attempt error taxonomy

PURPOSE:
  Classifies every way a purchase attempt can end so the UI layer can react
  uniformly:

  ErrStoreUnavailable  store/connection down; retry later, never fatal
  ErrProductNotFound   SKU unknown to catalog or store; terminal for attempt
  ErrAlreadyOwned      store reports an existing entitlement; terminal
  ErrUserCancelled     expected, SILENT: no alert, flow returns to idle
  ErrNetworkFailure    transient transport failure; retryable
  ErrPurchaseInFlight  re-entrant purchase while one is pending; rejected
                       by the state machine, not an ad-hoc flag

  Anything unclassified surfaces verbatim inside a FlowError with
  ClassUnknown so it can be diagnosed rather than swallowed.
*/
package purchase

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrProductNotFound  = errors.New("product not found")
	ErrAlreadyOwned     = errors.New("product already owned")
	ErrUserCancelled    = errors.New("purchase cancelled by user")
	ErrNetworkFailure   = errors.New("network failure")
	ErrPurchaseInFlight = errors.New("another purchase is in flight")
	ErrNotReady         = errors.New("store connection not established")
)

// =============================================================================
// FLOW ERROR - Classified attempt outcome
// =============================================================================

type Class string

const (
	ClassStoreUnavailable Class = "store_unavailable"
	ClassProductNotFound  Class = "product_not_found"
	ClassAlreadyOwned     Class = "already_owned"
	ClassUserCancelled    Class = "user_cancelled"
	ClassNetworkFailure   Class = "network_failure"
	ClassUnknown          Class = "unknown"
)

// FlowError is a classified purchase failure. Unknown failures keep the raw
// message for diagnosis.
type FlowError struct {
	Class Class
	Err   error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("purchase failed (%s): %v", e.Class, e.Err)
}

func (e *FlowError) Unwrap() error { return e.Err }

// Classify maps an arbitrary gateway or crediting error onto the taxonomy.
func Classify(err error) *FlowError {
	switch {
	case errors.Is(err, ErrUserCancelled):
		return &FlowError{Class: ClassUserCancelled, Err: err}
	case errors.Is(err, ErrAlreadyOwned):
		return &FlowError{Class: ClassAlreadyOwned, Err: err}
	case errors.Is(err, ErrProductNotFound):
		return &FlowError{Class: ClassProductNotFound, Err: err}
	case errors.Is(err, ErrStoreUnavailable):
		return &FlowError{Class: ClassStoreUnavailable, Err: err}
	case errors.Is(err, ErrNetworkFailure):
		return &FlowError{Class: ClassNetworkFailure, Err: err}
	default:
		return &FlowError{Class: ClassUnknown, Err: err}
	}
}

// Silent reports whether the failure should produce no user-visible alert.
// User cancellation is an expected outcome, not an error.
func Silent(err error) bool {
	return errors.Is(err, ErrUserCancelled)
}

// Retryable reports whether the attempt might succeed if repeated.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure) || errors.Is(err, ErrStoreUnavailable)
}
