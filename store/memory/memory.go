// Package memory provides in-memory implementations of every persistence
// interface (for testing/dev), mirroring the sqlite store's behavior.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/iconforge/credit-engine/credit"
	"github.com/iconforge/credit-engine/identity"
	"github.com/iconforge/credit-engine/ledger"
)

// =============================================================================
// LEDGER STORE
// =============================================================================

type LedgerStore struct {
	mu      sync.RWMutex
	records []ledger.Record
	byTx    map[credit.TransactionID]int

	// FailReads simulates storage read failures (fail-open testing).
	FailReads error
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{byTx: make(map[credit.TransactionID]int)}
}

func (s *LedgerStore) Append(_ context.Context, rec ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byTx[rec.TransactionID]; ok {
		return ledger.ErrDuplicateTransaction
	}
	s.byTx[rec.TransactionID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

func (s *LedgerStore) Get(_ context.Context, txID credit.TransactionID) (ledger.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailReads != nil {
		return ledger.Record{}, false, s.FailReads
	}
	i, ok := s.byTx[txID]
	if !ok {
		return ledger.Record{}, false, nil
	}
	return s.records[i], true, nil
}

func (s *LedgerStore) Recent(_ context.Context, limit int) ([]ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *LedgerStore) PruneOldest(_ context.Context, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) <= keep {
		return 0, nil
	}
	drop := len(s.records) - keep
	s.records = append([]ledger.Record(nil), s.records[drop:]...)
	s.byTx = make(map[credit.TransactionID]int, len(s.records))
	for i, rec := range s.records {
		s.byTx[rec.TransactionID] = i
	}
	return drop, nil
}

// Len returns the record count. Test helper.
func (s *LedgerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// =============================================================================
// CACHE
// =============================================================================

type Cache struct {
	mu       sync.RWMutex
	balances map[string]credit.CachedBalance
}

func NewCache() *Cache {
	return &Cache{balances: make(map[string]credit.CachedBalance)}
}

func (c *Cache) Load(_ context.Context, owner string) (credit.CachedBalance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balances[owner], nil
}

func (c *Cache) Save(_ context.Context, owner string, cb credit.CachedBalance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[owner] = cb
	return nil
}

func (c *Cache) Clear(_ context.Context, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.balances, owner)
	return nil
}

// Has reports whether owner has any cached state. Test helper.
func (c *Cache) Has(owner string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.balances[owner]
	return ok
}

// =============================================================================
// IDENTITY STORE
// =============================================================================

type IdentityStore struct {
	mu    sync.RWMutex
	ident identity.Identity
	saved bool
}

func NewIdentityStore() *IdentityStore { return &IdentityStore{} }

func (s *IdentityStore) LoadIdentity(_ context.Context) (identity.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ident, s.saved, nil
}

func (s *IdentityStore) SaveIdentity(_ context.Context, id identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ident = id
	s.saved = true
	return nil
}

// =============================================================================
// CONTENT STORE
// =============================================================================

type ContentStore struct {
	mu    sync.RWMutex
	items map[string][]identity.ContentItem
}

func NewContentStore() *ContentStore {
	return &ContentStore{items: make(map[string][]identity.ContentItem)}
}

func (s *ContentStore) List(_ context.Context, owner string) ([]identity.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]identity.ContentItem(nil), s.items[owner]...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *ContentStore) Put(_ context.Context, owner string, item identity.ContentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items[owner] {
		if it.ID == item.ID {
			s.items[owner][i] = item
			return nil
		}
	}
	s.items[owner] = append(s.items[owner], item)
	return nil
}

func (s *ContentStore) Remove(_ context.Context, owner, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items[owner]
	for i, it := range items {
		if it.ID == itemID {
			s.items[owner] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

// Count returns the item count for owner. Test helper.
func (s *ContentStore) Count(owner string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items[owner])
}

// =============================================================================
// COUNTER - In-memory remote authority
// =============================================================================

// Counter implements credit.RemoteCounter, identity.RemoteMigrator, and
// identity.Provisioner with the same contract as the HTTP authority:
// server-side arithmetic under the plan's accrual policy (packs add, tiers
// replace), amounts derived from product IDs, and transaction-ID
// uniqueness.
type Counter struct {
	mu        sync.Mutex
	balances  map[credit.AccountID]credit.Balance
	processed map[credit.TransactionID]bool
	plans     credit.PlanResolver

	// Unavailable simulates network failure: every call returns it wrapped
	// in credit.ErrRemoteUnavailable.
	Unavailable bool
}

func NewCounter(plans credit.PlanResolver) *Counter {
	return &Counter{
		balances:  make(map[credit.AccountID]credit.Balance),
		processed: make(map[credit.TransactionID]bool),
		plans:     plans,
	}
}

func (c *Counter) down() error {
	if c.Unavailable {
		return &credit.RemoteError{Op: "call", Err: credit.ErrRemoteUnavailable}
	}
	return nil
}

func (c *Counter) Fetch(_ context.Context, id credit.AccountID) (credit.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down(); err != nil {
		return credit.Balance{}, err
	}
	return c.balances[id], nil
}

func (c *Counter) Credit(_ context.Context, id credit.AccountID, productID credit.ProductID, txID credit.TransactionID) (credit.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down(); err != nil {
		return credit.Balance{}, err
	}
	if c.processed[txID] {
		return c.balances[id], nil
	}
	amount, err := c.plans.CreditsFor(productID)
	if err != nil {
		return credit.Balance{}, err
	}
	b := c.plans.PolicyFor(productID).Apply(c.balances[id], amount)
	c.balances[id] = b
	c.processed[txID] = true
	return b, nil
}

func (c *Counter) Deduct(_ context.Context, id credit.AccountID, amount int64) (credit.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down(); err != nil {
		return credit.Balance{}, err
	}
	b := c.balances[id]
	if !b.CanDeduct(amount) {
		return credit.Balance{}, &credit.InsufficientBalanceError{
			Owner: string(id), Available: b.Current, Requested: amount,
		}
	}
	b.Current -= amount
	c.balances[id] = b
	return b, nil
}

func (c *Counter) Reset(_ context.Context, id credit.AccountID, target int64) (credit.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down(); err != nil {
		return credit.Balance{}, err
	}
	b := credit.Balance{Current: target, Max: target}
	c.balances[id] = b
	return b, nil
}

func (c *Counter) MigrateBalance(_ context.Context, to credit.AccountID, guestID string, amount int64, txID credit.TransactionID) (credit.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down(); err != nil {
		return credit.Balance{}, err
	}
	if c.processed[txID] {
		return c.balances[to], nil
	}
	b := c.balances[to]
	b.Current += amount
	if b.Current > b.Max {
		b.Max = b.Current
	}
	c.balances[to] = b
	c.processed[txID] = true
	return b, nil
}

func (c *Counter) ProvisionAnonymous(_ context.Context, guestID string) (credit.AccountID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down(); err != nil {
		return "", err
	}
	id := credit.AccountID("anon-" + guestID)
	if _, ok := c.balances[id]; !ok {
		c.balances[id] = credit.Balance{}
	}
	return id, nil
}

// BalanceOf returns the held balance. Test helper.
func (c *Counter) BalanceOf(id credit.AccountID) credit.Balance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[id]
}

// SetBalance seeds a balance. Test helper.
func (c *Counter) SetBalance(id credit.AccountID, b credit.Balance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[id] = b
}
