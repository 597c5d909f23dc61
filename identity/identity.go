/*
Package identity manages who the credits belong to.

PURPOSE:
  A process holds exactly one active identity at a time:

    NoIdentity → Guest → Durable   (terminal; no path back to Guest)

  A guest is a locally assigned anonymous identity that can accrue credits
  and purchases before any account exists. Signing up migrates the guest's
  state into the durable account, one-way and exactly once.

STATE DISCIPLINE:
  Re-entrancy ("a guest session is already being created", "a migration is
  already running") is rejected by the Manager's state machine itself, not
  by module-level boolean flags. All transitions go through one mutex.

GUEST PROVISIONING:
  Guest creation optionally provisions a best-effort anonymous remote row so
  that guest purchases can still reach the server when connectivity allows.
  The call is bounded by a short timeout and its failure is logged and
  ignored: the guest flow must work fully offline.

SEE ALSO:
  - migrate.go: The Guest → Durable migration
  - credit/: Accounts are built per identity by this package
*/
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iconforge/credit-engine/credit"
)

// =============================================================================
// IDENTITY
// =============================================================================

type State int

const (
	StateNone State = iota
	StateGuest
	StateDurable
)

func (s State) String() string {
	switch s {
	case StateGuest:
		return "guest"
	case StateDurable:
		return "durable"
	default:
		return "none"
	}
}

// Identity is the persisted identity record.
type Identity struct {
	State     State
	GuestID   string           // set while State == StateGuest
	AccountID credit.AccountID // set once State == StateDurable

	// RemoteGuestID is the best-effort anonymous remote row, if
	// provisioning succeeded. Empty means the guest is purely local.
	RemoteGuestID credit.AccountID
}

// Owner returns the cache key for the active identity.
func (id Identity) Owner() string {
	if id.State == StateDurable {
		return string(id.AccountID)
	}
	return id.GuestID
}

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Store persists the identity record across process restarts.
type Store interface {
	LoadIdentity(ctx context.Context) (Identity, bool, error)
	SaveIdentity(ctx context.Context, id Identity) error
}

// Provisioner creates a best-effort anonymous remote identity for a guest.
type Provisioner interface {
	ProvisionAnonymous(ctx context.Context, guestID string) (credit.AccountID, error)
}

// ContentItem is a piece of generated-content metadata (an icon record)
// stored under an identity's namespace.
type ContentItem struct {
	ID        string
	Prompt    string
	URL       string
	CreatedAt time.Time
}

// ContentStore keeps generated-content metadata per owner namespace.
// Migration empties the guest namespace item by item (Remove) so a failed
// copy leaves its item in place for the next resume pass.
type ContentStore interface {
	List(ctx context.Context, owner string) ([]ContentItem, error)
	Put(ctx context.Context, owner string, item ContentItem) error
	Remove(ctx context.Context, owner, itemID string) error
}

// RemoteMigrator applies a guest's accrued balance to a durable account,
// additively and idempotently by transaction ID. Implemented by the remote
// client alongside credit.RemoteCounter.
type RemoteMigrator interface {
	MigrateBalance(ctx context.Context, to credit.AccountID, guestID string, amount int64, txID credit.TransactionID) (credit.Balance, error)
}

// =============================================================================
// MANAGER
// =============================================================================

// DefaultProvisionTimeout bounds the best-effort remote guest provisioning.
const DefaultProvisionTimeout = 3 * time.Second

var (
	// ErrAlreadyDurable is returned when a guest operation is attempted
	// after migration. A retired guest identity never accepts mutations.
	ErrAlreadyDurable = errors.New("identity is already durable")

	// ErrMigrationInProgress is returned for re-entrant migration calls.
	ErrMigrationInProgress = errors.New("migration already in progress")

	// ErrNoIdentity is returned when an operation needs an identity and
	// none exists yet.
	ErrNoIdentity = errors.New("no active identity")
)

// Manager owns the identity state machine and builds credit accounts for
// whichever identity is active.
type Manager struct {
	mu        sync.Mutex
	ident     Identity
	migrating bool

	store       Store
	cache       credit.Cache
	gate        credit.IdempotencyGate
	plans       credit.PlanResolver
	content     ContentStore
	remote      credit.RemoteCounter
	migrator    RemoteMigrator
	provisioner Provisioner

	ProvisionTimeout time.Duration

	log zerolog.Logger
}

// Config wires a Manager. Remote, Migrator, and Provisioner may be nil for
// a fully offline setup.
type Config struct {
	Store       Store
	Cache       credit.Cache
	Gate        credit.IdempotencyGate
	Plans       credit.PlanResolver
	Content     ContentStore
	Remote      credit.RemoteCounter
	Migrator    RemoteMigrator
	Provisioner Provisioner
	Log         zerolog.Logger
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		store:            cfg.Store,
		cache:            cfg.Cache,
		gate:             cfg.Gate,
		plans:            cfg.Plans,
		content:          cfg.Content,
		remote:           cfg.Remote,
		migrator:         cfg.Migrator,
		provisioner:      cfg.Provisioner,
		ProvisionTimeout: DefaultProvisionTimeout,
		log:              cfg.Log.With().Str("component", "identity").Logger(),
	}
}

// Load restores the persisted identity record, if any.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, ok, err := m.store.LoadIdentity(ctx)
	if err != nil {
		return err
	}
	if ok {
		m.ident = ident
		m.log.Info().Str("state", ident.State.String()).Str("owner", ident.Owner()).Msg("identity restored")
	}
	return nil
}

// Current returns the active identity.
func (m *Manager) Current() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ident
}

// EnsureGuest creates a guest identity if none exists. Calling it while a
// guest or durable identity is active returns the existing identity; it
// never downgrades a durable identity back to guest.
func (m *Manager) EnsureGuest(ctx context.Context) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ident.State != StateNone {
		return m.ident, nil
	}

	ident := Identity{State: StateGuest, GuestID: "guest-" + uuid.NewString()}

	// Best-effort anonymous remote row, bounded so the guest flow never
	// blocks on connectivity.
	if m.provisioner != nil {
		pctx, cancel := context.WithTimeout(ctx, m.provisionTimeout())
		remoteID, err := m.provisioner.ProvisionAnonymous(pctx, ident.GuestID)
		cancel()
		if err != nil {
			m.log.Warn().Err(err).Msg("guest remote provisioning failed, continuing offline")
		} else {
			ident.RemoteGuestID = remoteID
		}
	}

	if err := m.store.SaveIdentity(ctx, ident); err != nil {
		return Identity{}, err
	}
	m.ident = ident
	m.log.Info().Str("guest", ident.GuestID).Msg("guest identity created")
	return ident, nil
}

func (m *Manager) provisionTimeout() time.Duration {
	if m.ProvisionTimeout > 0 {
		return m.ProvisionTimeout
	}
	return DefaultProvisionTimeout
}

// Account builds the credit account for the active identity.
func (m *Manager) Account() (*credit.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.ident.State {
	case StateGuest:
		return credit.NewGuestAccount(m.ident.GuestID, m.cache, m.gate, m.plans, m.log), nil
	case StateDurable:
		return credit.NewDurableAccount(m.ident.AccountID, m.remote, m.cache, m.gate, m.plans, m.log), nil
	default:
		return nil, ErrNoIdentity
	}
}

// Content returns the content store scoped to the active identity's owner
// key, for callers recording generated icons.
func (m *Manager) ContentOwner() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ident.State == StateNone {
		return "", ErrNoIdentity
	}
	return m.ident.Owner(), nil
}
