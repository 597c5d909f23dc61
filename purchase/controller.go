/*
controller.go - The purchase flow state machine

PURPOSE:
  Drives the whole purchase lifecycle against the platform store:

    Idle → Connecting → CatalogReady → Purchasing
                                        ├─ Crediting → Idle   (success)
                                        ├─ Cancelled → Idle   (silent)
                                        └─ Failed    → Idle   (classified)

  and reconciles orphaned transactions from prior runs at startup.

ORDERING INVARIANT (the one that protects money):
  credit balance mutation  →  ledger record  →  store Finish

  A transaction is acknowledged to the store only after the ledger has
  recorded it. Finishing first would mean a crash between finish and credit
  loses the purchase forever, because finished transactions are not
  redelivered. The reverse order merely risks a redelivery, which the
  ledger and the server-side uniqueness constraint absorb.

INTENDED-PLAN RECORDING:
  The plan the user selected is recorded before the purchase request is
  sent, and that record - not the SKU echoed back in the store's event - is
  ground truth for which plan gets credited. Store callbacks are unreliable
  about which SKU within a related group was bought. Orphaned transactions
  have no recorded intent, so only they fall back to the event's SKU.

SERIALIZATION:
  One goroutine consumes the gateway's event stream, and every crediting
  pass (startup reconciliation included) runs under handleMu, so the
  ledger check-then-record sequence for a transaction ID never interleaves
  with another pass for the same ID.
*/
package purchase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iconforge/credit-engine/credit"
	"github.com/iconforge/credit-engine/plan"
)

// DefaultConnectTimeout bounds store initialization. Past it the controller
// proceeds in a degraded "ready but unavailable" state instead of blocking
// the caller indefinitely.
const DefaultConnectTimeout = 10 * time.Second

// =============================================================================
// PHASES
// =============================================================================

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseCatalogReady
	PhasePurchasing
	PhaseCrediting
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseCatalogReady:
		return "catalog_ready"
	case PhasePurchasing:
		return "purchasing"
	case PhaseCrediting:
		return "crediting"
	default:
		return "idle"
	}
}

// =============================================================================
// CONTROLLER
// =============================================================================

// AccountSource yields the credit account for the currently active
// identity. Satisfied by *identity.Manager.
type AccountSource interface {
	Account() (*credit.Account, error)
}

// Controller is the purchase flow state machine.
type Controller struct {
	mu        sync.Mutex // guards phase, connection flags, products, intent
	phase     Phase
	connected bool
	available bool // false while degraded: connected in name only
	products  []Product
	intended  credit.ProductID

	handleMu sync.Mutex // serializes crediting passes per process

	gateway  Gateway
	accounts AccountSource
	gate     credit.IdempotencyGate
	catalog  *plan.Catalog
	hub      *statusHub
	log      zerolog.Logger

	ConnectTimeout time.Duration

	loopOnce sync.Once
	loopDone chan struct{}
}

// Config wires a Controller.
type Config struct {
	Gateway  Gateway
	Accounts AccountSource
	Gate     credit.IdempotencyGate
	Catalog  *plan.Catalog
	Log      zerolog.Logger
}

func NewController(cfg Config) *Controller {
	return &Controller{
		gateway:        cfg.Gateway,
		accounts:       cfg.Accounts,
		gate:           cfg.Gate,
		catalog:        cfg.Catalog,
		hub:            newStatusHub(),
		log:            cfg.Log.With().Str("component", "purchase").Logger(),
		ConnectTimeout: DefaultConnectTimeout,
		loopDone:       make(chan struct{}),
	}
}

// Subscribe returns a stream of Status updates. The current status is
// delivered immediately.
func (c *Controller) Subscribe() <-chan Status { return c.hub.Subscribe() }

// PhaseNow returns the current phase.
func (c *Controller) PhaseNow() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Available reports whether the store connection is usable (false while
// degraded).
func (c *Controller) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.available
}

// Products returns the fetched store catalog. Empty is a valid state.
func (c *Controller) Products() []Product {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Product(nil), c.products...)
}

// =============================================================================
// STARTUP: CONNECT, CATALOG, ORPHAN RECOVERY, EVENT LOOP
// =============================================================================

// Start connects to the store, fetches the catalog, reconciles orphaned
// transactions, and begins consuming the event stream. Safe to call once;
// repeat calls only re-run Connect's no-op path.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.ReconcileOrphans(ctx); err != nil {
		// Reconciliation runs silently; a failure here must not block the
		// user's flow. The orphans stay unfinished and retry next start.
		c.log.Warn().Err(err).Msg("orphan reconciliation incomplete")
	}
	c.loopOnce.Do(func() { go c.eventLoop() })
	return nil
}

// Connect establishes the store connection exactly once per process.
// Subsequent calls return the cached readiness. Initialization is bounded:
// on timeout the controller transitions to a degraded ready state rather
// than hanging.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseConnecting
	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	c.mu.Unlock()
	c.hub.Publish(StatusConnecting)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := c.gateway.Connect(cctx)

	c.mu.Lock()
	c.connected = true
	c.available = err == nil
	c.phase = PhaseCatalogReady
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Dur("timeout", timeout).Msg("store connect failed, proceeding degraded")
		c.hub.Publish(StatusReady)
		return nil
	}

	c.fetchCatalog(ctx)
	c.hub.Publish(StatusReady)
	return nil
}

func (c *Controller) fetchCatalog(ctx context.Context) {
	products, err := c.gateway.Products(ctx, c.catalog.ProductIDs())
	if err != nil {
		c.log.Warn().Err(err).Msg("product fetch failed")
		return
	}
	if len(products) == 0 {
		// Valid, reportable: products not yet approved platform-side.
		c.log.Info().Msg("store returned empty product catalog")
	}
	c.mu.Lock()
	c.products = products
	c.mu.Unlock()
}

func (c *Controller) eventLoop() {
	defer close(c.loopDone)
	for ev := range c.gateway.Events() {
		c.handleEvent(context.Background(), ev)
	}
}

// Close waits for the event loop to drain after the gateway closed its
// stream, then closes the status hub.
func (c *Controller) Close() {
	c.loopOnce.Do(func() { close(c.loopDone) }) // loop never started
	<-c.loopDone
	c.hub.Close()
}

// =============================================================================
// PURCHASE
// =============================================================================

// Purchase initiates a purchase of productID. The outcome arrives
// asynchronously via the event stream and the status stream; an error here
// means the request was rejected before it reached the store.
func (c *Controller) Purchase(ctx context.Context, productID credit.ProductID) error {
	if _, ok := c.catalog.Lookup(productID); !ok {
		return &FlowError{Class: ClassProductNotFound, Err: fmt.Errorf("%w: %s", ErrProductNotFound, productID)}
	}

	c.mu.Lock()
	switch {
	case !c.connected:
		c.mu.Unlock()
		return &FlowError{Class: ClassStoreUnavailable, Err: ErrNotReady}
	case !c.available:
		c.mu.Unlock()
		return &FlowError{Class: ClassStoreUnavailable, Err: ErrStoreUnavailable}
	case c.phase == PhasePurchasing || c.phase == PhaseCrediting:
		c.mu.Unlock()
		return &FlowError{Class: ClassUnknown, Err: ErrPurchaseInFlight}
	}
	if len(c.products) > 0 && !c.storeHasProduct(productID) {
		c.mu.Unlock()
		return &FlowError{Class: ClassProductNotFound, Err: fmt.Errorf("%w: %s not in store catalog", ErrProductNotFound, productID)}
	}

	// Record the user's intent BEFORE sending the request. This record,
	// not the store event's echoed SKU, decides which plan gets credited.
	c.intended = productID
	c.phase = PhasePurchasing
	c.mu.Unlock()
	c.hub.Publish(StatusPurchasing)

	if err := c.gateway.Purchase(ctx, productID); err != nil {
		c.toIdle()
		fe := Classify(err)
		purchasesFailed.WithLabelValues(string(fe.Class)).Inc()
		if !Silent(fe) {
			c.hub.Publish(StatusError)
		} else {
			c.hub.Publish(StatusIdle)
		}
		return fe
	}
	return nil
}

func (c *Controller) storeHasProduct(id credit.ProductID) bool {
	for _, p := range c.products {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (c *Controller) toIdle() {
	c.mu.Lock()
	c.intended = ""
	c.phase = PhaseCatalogReady
	c.mu.Unlock()
}

// =============================================================================
// EVENT HANDLING
// =============================================================================

// handleEvent processes one asynchronous store event. It tolerates events
// arriving after the initiating call returned, and events for transactions
// initiated in a previous process run.
func (c *Controller) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventCancelled:
		// Expected terminal state: no alert, no ledger entry, no credit.
		purchasesCancelled.Inc()
		c.log.Info().Msg("purchase cancelled by user")
		c.toIdle()
		c.hub.Publish(StatusIdle)

	case EventFailed:
		fe := Classify(ev.Err)
		purchasesFailed.WithLabelValues(string(fe.Class)).Inc()
		if fe.Class == ClassUnknown {
			// Unknown failures surface verbatim for diagnosis.
			c.log.Error().Err(ev.Err).Msg("purchase failed with unclassified store error")
		} else {
			c.log.Warn().Str("class", string(fe.Class)).Err(ev.Err).Msg("purchase failed")
		}
		c.toIdle()
		c.hub.Publish(StatusError)

	case EventCompleted:
		if err := c.creditCompleted(ctx, ev, false); err != nil {
			c.toIdle()
			c.hub.Publish(StatusError)
			return
		}
		c.toIdle()
		c.hub.Publish(StatusSuccess)
	}
}

// creditCompleted runs the crediting pass for a store-confirmed purchase:
// ledger check, credit, ledger record (inside Account.Credit), then Finish.
func (c *Controller) creditCompleted(ctx context.Context, ev Event, orphan bool) error {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	txID := ev.TransactionID
	if txID == "" {
		// The store supplied no transaction identifier; a local surrogate
		// keeps the ledger keyed.
		txID = credit.TransactionID("local-" + uuid.NewString())
	}

	productID := c.resolveProduct(ev, orphan)
	if productID == "" {
		err := fmt.Errorf("%w: completed event carries no product and no intent is recorded", ErrProductNotFound)
		c.log.Error().Str("tx", string(txID)).Msg(err.Error())
		return err
	}

	if c.gate.IsProcessed(ctx, txID) {
		// Redelivered transaction: already credited, just acknowledge so
		// the store stops resending it.
		duplicatesSuppressed.Inc()
		c.log.Info().Str("tx", string(txID)).Msg("transaction already credited, finishing only")
		if err := c.gateway.Finish(ctx, txID); err != nil {
			c.log.Warn().Err(err).Str("tx", string(txID)).Msg("finish failed for already-credited transaction")
		}
		return nil
	}

	c.mu.Lock()
	c.phase = PhaseCrediting
	c.mu.Unlock()

	acct, err := c.accounts.Account()
	if err != nil {
		return err
	}

	if _, err := acct.Credit(ctx, productID, txID); err != nil {
		// The transaction stays unfinished with the store so it is
		// redelivered and retried; losing a paid purchase is never an
		// option.
		c.log.Error().Err(err).Str("tx", string(txID)).Str("product", string(productID)).
			Msg("crediting failed, leaving transaction unfinished")
		return err
	}

	// Ledger record happened inside Credit; only now is it safe to finish.
	if err := c.gateway.Finish(ctx, txID); err != nil {
		// Credited but unacknowledged: the redelivery will hit the ledger
		// gate and finish without re-crediting.
		c.log.Warn().Err(err).Str("tx", string(txID)).Msg("finish failed after crediting")
	}

	purchasesCompleted.WithLabelValues(string(productID)).Inc()
	if orphan {
		orphansReconciled.Inc()
	}
	return nil
}

// resolveProduct picks which plan to credit: the recorded user intent for
// an in-flight purchase, the event's SKU only for orphans with no intent.
func (c *Controller) resolveProduct(ev Event, orphan bool) credit.ProductID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !orphan && c.phase == PhasePurchasing && c.intended != "" {
		return c.intended
	}
	return ev.ProductID
}

// =============================================================================
// ORPHAN RECOVERY & RESTORE
// =============================================================================

// ReconcileOrphans credits and finishes store-confirmed purchases that were
// never finished (app crash or network loss between purchase and credit).
// Runs silently at startup; each orphan is credited exactly once across any
// number of restarts thanks to the ledger gate.
func (c *Controller) ReconcileOrphans(ctx context.Context) error {
	pending, err := c.gateway.Pending(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, ev := range pending {
		if ev.Kind != EventCompleted {
			continue
		}
		if err := c.creditCompleted(ctx, ev, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RestorePurchases is the user-facing re-check of unfinished transactions.
// Same mechanics as startup reconciliation, surfaced through the status
// stream.
func (c *Controller) RestorePurchases(ctx context.Context) error {
	if err := c.ReconcileOrphans(ctx); err != nil {
		c.hub.Publish(StatusError)
		return err
	}
	c.hub.Publish(StatusIdle)
	return nil
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance returns the active identity's balance via the account's cached /
// remote read rules.
func (c *Controller) Balance(ctx context.Context) (credit.Balance, error) {
	acct, err := c.accounts.Account()
	if err != nil {
		return credit.Balance{}, err
	}
	return acct.Get(ctx)
}
