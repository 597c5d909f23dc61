/*
gateway.go - The platform store boundary

PURPOSE:
  Gateway is everything this system consumes from the platform's in-app
  purchase API: connection lifecycle, catalog fetch, purchase initiation,
  the asynchronous purchase-event stream, transaction finish, and the list
  of unfinished purchases used for orphan recovery.

EVENT MODEL:
  Purchase results are NOT returned by Purchase(); the store delivers them
  asynchronously on Events(), possibly after Purchase() has long returned,
  and possibly for transactions initiated in a previous process run. The
  controller owns the single consumer of that stream.

TRUST MODEL:
  The ProductID echoed in a purchase event is treated as unreliable for
  grouped SKUs. The controller credits the plan the user selected at
  request time; the event's ProductID is only used for orphaned
  transactions where no recorded intent exists.
*/
package purchase

import (
	"context"

	"github.com/iconforge/credit-engine/credit"
)

// =============================================================================
// PRODUCTS & EVENTS
// =============================================================================

// Product is a store catalog entry as the platform reports it. LocalPrice
// is the store-formatted, locale-aware price string, display only; the
// authoritative price lives in the plan catalog.
type Product struct {
	ID         credit.ProductID
	Title      string
	LocalPrice string
}

type EventKind int

const (
	// EventCompleted: the store confirmed payment; the transaction must be
	// credited and then finished.
	EventCompleted EventKind = iota

	// EventCancelled: the user backed out. Terminal non-error; no side
	// effects of any kind.
	EventCancelled

	// EventFailed: the store reported a purchase error.
	EventFailed
)

// Event is one asynchronous purchase update from the store.
type Event struct {
	Kind          EventKind
	TransactionID credit.TransactionID // may be empty; a surrogate is generated
	ProductID     credit.ProductID     // as echoed by the store; see trust model
	Err           error                // set for EventFailed
}

// =============================================================================
// GATEWAY
// =============================================================================

// Gateway is the platform store. Implementations translate the platform
// SDK's callbacks into the Event stream.
type Gateway interface {
	// Connect establishes the store connection. Called once per process;
	// implementations may no-op on repeat calls.
	Connect(ctx context.Context) error

	// Products fetches catalog entries for the given SKUs. An empty result
	// is valid (products not yet approved platform-side).
	Products(ctx context.Context, ids []credit.ProductID) ([]Product, error)

	// Purchase initiates a purchase. The result arrives on Events(), not
	// here; an error here means the request could not even be sent.
	Purchase(ctx context.Context, id credit.ProductID) error

	// Finish acknowledges a completed transaction. A finished transaction
	// is never redelivered, so this must only be called after crediting is
	// durably recorded.
	Finish(ctx context.Context, txID credit.TransactionID) error

	// Pending lists store-confirmed transactions that were never finished
	// (orphans from prior runs).
	Pending(ctx context.Context) ([]Event, error)

	// Events is the asynchronous purchase-update stream. Closed when the
	// gateway shuts down.
	Events() <-chan Event
}
