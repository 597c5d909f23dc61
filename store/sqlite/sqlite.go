/*
Package sqlite provides the SQLite-backed implementation of every
persistence interface in the credit engine.

PURPOSE:
  One Store implements:
    ledger.Store           the purchase idempotency records
    credit.Cache           the local balance cache
    identity.Store         the persisted identity record
    identity.ContentStore  generated-content metadata per namespace

  plus the REMOTE AUTHORITY side used by the api package: the accounts
  table with server-side atomic arithmetic. On the device the same engine
  backs only the local interfaces; the authority tables exist so the api
  package's contract (additive, idempotent, derive-from-product) is a real,
  testable implementation rather than a described one.

ATOMICITY:
  Remote-counter mutations are single statements or single transactions:
    credit:  INSERT the transaction marker (unique tx id) + UPDATE += delta
    deduct:  UPDATE ... SET current = current - ? WHERE current >= ?
  so two concurrent deductions can never both observe a pre-decrement
  balance, and a replayed credit hits the marker's uniqueness constraint.

WAL MODE:
  Opened with WAL for concurrent readers and better crash recovery.

USAGE:
  st, err := sqlite.New("./credits.db")   // ":memory:" for tests
  defer st.Close()

SEE ALSO:
  - store/memory: In-memory implementations for tests
  - api/: HTTP surface over the remote authority operations
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/iconforge/credit-engine/credit"
	"github.com/iconforge/credit-engine/identity"
	"github.com/iconforge/credit-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) a SQLite store. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The sqlite3 driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent mutation.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the connection. Used by the api health check.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate() error {
	schema := `
	-- Purchase ledger (idempotency records; append-only except pruning)
	CREATE TABLE IF NOT EXISTS purchase_ledger (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id TEXT NOT NULL UNIQUE,
		product_id TEXT NOT NULL,
		credits INTEGER NOT NULL,
		processed_at TEXT NOT NULL,
		granted BOOLEAN NOT NULL DEFAULT TRUE
	);

	-- Local balance cache, one row per owner (guest ID or account ID)
	CREATE TABLE IF NOT EXISTS balance_cache (
		owner TEXT PRIMARY KEY,
		current INTEGER NOT NULL,
		max INTEGER NOT NULL,
		plan_id TEXT NOT NULL DEFAULT '',
		last_purchase TEXT NOT NULL DEFAULT '',
		last_reset TEXT NOT NULL DEFAULT ''
	);

	-- Persisted identity record (single row)
	CREATE TABLE IF NOT EXISTS identity_record (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state INTEGER NOT NULL,
		guest_id TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL DEFAULT '',
		remote_guest_id TEXT NOT NULL DEFAULT ''
	);

	-- Generated-content metadata, namespaced by owner
	CREATE TABLE IF NOT EXISTS content_items (
		owner TEXT NOT NULL,
		item_id TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (owner, item_id)
	);

	-- Remote authority: account counters
	CREATE TABLE IF NOT EXISTS accounts (
		account_id TEXT PRIMARY KEY,
		current INTEGER NOT NULL DEFAULT 0,
		max INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Remote authority: processed transaction markers (uniqueness backstop)
	CREATE TABLE IF NOT EXISTS processed_transactions (
		transaction_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		credits INTEGER NOT NULL,
		processed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_content_owner ON content_items(owner, created_at);
	CREATE INDEX IF NOT EXISTS idx_processed_account ON processed_transactions(account_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// =============================================================================
// ledger.Store
// =============================================================================

func (s *Store) Append(ctx context.Context, rec ledger.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO purchase_ledger (transaction_id, product_id, credits, processed_at, granted)
		 VALUES (?, ?, ?, ?, ?)`,
		string(rec.TransactionID), string(rec.ProductID), rec.Credits,
		rec.ProcessedAt.UTC().Format(time.RFC3339Nano), rec.Granted)
	if err != nil && isUniqueViolation(err) {
		return ledger.ErrDuplicateTransaction
	}
	return err
}

func (s *Store) Get(ctx context.Context, txID credit.TransactionID) (ledger.Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT transaction_id, product_id, credits, processed_at, granted
		 FROM purchase_ledger WHERE transaction_id = ?`, string(txID))

	var rec ledger.Record
	var tx, product, processedAt string
	err := row.Scan(&tx, &product, &rec.Credits, &processedAt, &rec.Granted)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, err
	}
	rec.TransactionID = credit.TransactionID(tx)
	rec.ProductID = credit.ProductID(product)
	rec.ProcessedAt = parseTime(processedAt)
	return rec, true, nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, product_id, credits, processed_at, granted
		 FROM purchase_ledger ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var rec ledger.Record
		var tx, product, processedAt string
		if err := rows.Scan(&tx, &product, &rec.Credits, &processedAt, &rec.Granted); err != nil {
			return nil, err
		}
		rec.TransactionID = credit.TransactionID(tx)
		rec.ProductID = credit.ProductID(product)
		rec.ProcessedAt = parseTime(processedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PruneOldest(ctx context.Context, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM purchase_ledger WHERE seq NOT IN
		 (SELECT seq FROM purchase_ledger ORDER BY seq DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// credit.Cache
// =============================================================================

func (s *Store) Load(ctx context.Context, owner string) (credit.CachedBalance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT current, max, plan_id, last_purchase, last_reset
		 FROM balance_cache WHERE owner = ?`, owner)

	var cb credit.CachedBalance
	var planID, lastPurchase, lastReset string
	err := row.Scan(&cb.Balance.Current, &cb.Balance.Max, &planID, &lastPurchase, &lastReset)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.CachedBalance{}, nil
	}
	if err != nil {
		return credit.CachedBalance{}, err
	}
	cb.PlanID = credit.ProductID(planID)
	cb.LastPurchase = parseTime(lastPurchase)
	cb.LastReset = parseTime(lastReset)
	return cb, nil
}

func (s *Store) Save(ctx context.Context, owner string, cb credit.CachedBalance) error {
	var lastPurchase, lastReset string
	if !cb.LastPurchase.IsZero() {
		lastPurchase = cb.LastPurchase.UTC().Format(time.RFC3339Nano)
	}
	if !cb.LastReset.IsZero() {
		lastReset = cb.LastReset.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO balance_cache (owner, current, max, plan_id, last_purchase, last_reset)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner) DO UPDATE SET
		   current = excluded.current, max = excluded.max, plan_id = excluded.plan_id,
		   last_purchase = excluded.last_purchase, last_reset = excluded.last_reset`,
		owner, cb.Balance.Current, cb.Balance.Max, string(cb.PlanID), lastPurchase, lastReset)
	return err
}

func (s *Store) Clear(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM balance_cache WHERE owner = ?`, owner)
	return err
}

// =============================================================================
// identity.Store
// =============================================================================

func (s *Store) LoadIdentity(ctx context.Context) (identity.Identity, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state, guest_id, account_id, remote_guest_id FROM identity_record WHERE id = 1`)

	var ident identity.Identity
	var state int
	var guestID, accountID, remoteGuestID string
	err := row.Scan(&state, &guestID, &accountID, &remoteGuestID)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identity{}, false, nil
	}
	if err != nil {
		return identity.Identity{}, false, err
	}
	ident.State = identity.State(state)
	ident.GuestID = guestID
	ident.AccountID = credit.AccountID(accountID)
	ident.RemoteGuestID = credit.AccountID(remoteGuestID)
	return ident, true, nil
}

func (s *Store) SaveIdentity(ctx context.Context, ident identity.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_record (id, state, guest_id, account_id, remote_guest_id)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state, guest_id = excluded.guest_id,
		   account_id = excluded.account_id, remote_guest_id = excluded.remote_guest_id`,
		int(ident.State), ident.GuestID, string(ident.AccountID), string(ident.RemoteGuestID))
	return err
}

// =============================================================================
// identity.ContentStore
// =============================================================================

func (s *Store) List(ctx context.Context, owner string) ([]identity.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, prompt, url, created_at FROM content_items
		 WHERE owner = ? ORDER BY created_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.ContentItem
	for rows.Next() {
		var it identity.ContentItem
		var createdAt string
		if err := rows.Scan(&it.ID, &it.Prompt, &it.URL, &createdAt); err != nil {
			return nil, err
		}
		it.CreatedAt = parseTime(createdAt)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) Put(ctx context.Context, owner string, item identity.ContentItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_items (owner, item_id, prompt, url, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(owner, item_id) DO UPDATE SET
		   prompt = excluded.prompt, url = excluded.url`,
		owner, item.ID, item.Prompt, item.URL, item.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) Remove(ctx context.Context, owner, itemID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM content_items WHERE owner = ? AND item_id = ?`, owner, itemID)
	return err
}

// =============================================================================
// REMOTE AUTHORITY - server-side atomic counter operations
// =============================================================================

// FetchAccount returns the authoritative balance. Unknown accounts read as
// zero rather than erroring.
func (s *Store) FetchAccount(ctx context.Context, id credit.AccountID) (credit.Balance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT current, max FROM accounts WHERE account_id = ?`, string(id))
	var b credit.Balance
	err := row.Scan(&b.Current, &b.Max)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.Balance{}, nil
	}
	return b, err
}

// EnsureAccount creates a zero-balance row if none exists. Used by guest
// provisioning.
func (s *Store) EnsureAccount(ctx context.Context, id credit.AccountID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (account_id, current, max, updated_at) VALUES (?, 0, 0, ?)
		 ON CONFLICT(account_id) DO NOTHING`, string(id), now())
	return err
}

// CreditAccount applies delta to the account, exactly once per transaction
// ID, inside one database transaction. The marker insert and the arithmetic
// travel together: a replayed transaction ID changes nothing.
//
// replace selects subscription-renewal semantics: instead of adding, the
// balance is set to current = max = delta, mirroring the periodic-reset
// policy the device applies for tier SKUs. Consumable packs pass false.
func (s *Store) CreditAccount(ctx context.Context, id credit.AccountID, productID credit.ProductID, txID credit.TransactionID, delta int64, replace bool) (credit.Balance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return credit.Balance{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO processed_transactions (transaction_id, account_id, product_id, credits, processed_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(transaction_id) DO NOTHING`,
		string(txID), string(id), string(productID), delta, now())
	if err != nil {
		return credit.Balance{}, err
	}
	inserted, _ := res.RowsAffected()

	if inserted > 0 {
		// Server-side arithmetic keyed on the catalog-derived delta: never a
		// client-computed absolute write. Packs add; tiers replace at the
		// plan maximum.
		q := `INSERT INTO accounts (account_id, current, max, updated_at) VALUES (?, ?, ?, ?)
		      ON CONFLICT(account_id) DO UPDATE SET
		        current = current + excluded.current,
		        max = MAX(max, current + excluded.current),
		        updated_at = excluded.updated_at`
		if replace {
			q = `INSERT INTO accounts (account_id, current, max, updated_at) VALUES (?, ?, ?, ?)
			     ON CONFLICT(account_id) DO UPDATE SET
			       current = excluded.current,
			       max = excluded.max,
			       updated_at = excluded.updated_at`
		}
		if _, err := tx.ExecContext(ctx, q, string(id), delta, delta, now()); err != nil {
			return credit.Balance{}, err
		}
	}

	var b credit.Balance
	if err := tx.QueryRowContext(ctx,
		`SELECT current, max FROM accounts WHERE account_id = ?`, string(id)).
		Scan(&b.Current, &b.Max); err != nil {
		return credit.Balance{}, err
	}
	if err := tx.Commit(); err != nil {
		return credit.Balance{}, err
	}
	return b, nil
}

// DeductAccount atomically spends amount: the sufficiency check and the
// decrement are one conditional UPDATE, so two concurrent deductions cannot
// both observe the pre-decrement balance.
func (s *Store) DeductAccount(ctx context.Context, id credit.AccountID, amount int64) (credit.Balance, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET current = current - ?, updated_at = ?
		 WHERE account_id = ? AND current >= ?`,
		amount, now(), string(id), amount)
	if err != nil {
		return credit.Balance{}, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		b, _ := s.FetchAccount(ctx, id)
		return credit.Balance{}, &credit.InsufficientBalanceError{
			Owner: string(id), Available: b.Current, Requested: amount,
		}
	}
	return s.FetchAccount(ctx, id)
}

// ResetAccount sets current = max = target (periodic-reset rollover).
func (s *Store) ResetAccount(ctx context.Context, id credit.AccountID, target int64) (credit.Balance, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (account_id, current, max, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   current = excluded.current, max = excluded.max, updated_at = excluded.updated_at`,
		string(id), target, target, now())
	if err != nil {
		return credit.Balance{}, err
	}
	return credit.Balance{Current: target, Max: target}, nil
}

// LastPurchase returns the account's most recent processed transaction,
// for display metadata (last plan, last purchase time). ok=false when the
// account has no purchases.
func (s *Store) LastPurchase(ctx context.Context, id credit.AccountID) (credit.ProductID, time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT product_id, processed_at FROM processed_transactions
		 WHERE account_id = ? ORDER BY processed_at DESC LIMIT 1`, string(id))
	var product, processedAt string
	err := row.Scan(&product, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return credit.ProductID(product), parseTime(processedAt), true, nil
}

func isUniqueViolation(err error) bool {
	// The sqlite3 driver reports constraint violations in the message;
	// matching on it avoids depending on driver error internals.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
