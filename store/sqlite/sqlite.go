/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements points.EventStore / points.Catalog (the append-only event
  streams) and projection.Store (the read model) on one SQLite database.
  Used for single-node deployments and tests (":memory:").

INTERFACES IMPLEMENTED:
  points.EventStore:  Account event streams
  points.Catalog:     Stream listing for rebuilds and sweeps
  projection.Store:   Account / transfer views (projection.go)

APPEND-ONLY ENFORCEMENT:
  The events table is never updated or deleted from. Corrections are new
  events (cancel, expire, reversal spend).

KEY TABLES:
  events:          Immutable stream of every account
  account_views:   One row per account, balance and projected version
  transfer_views:  One row per transfer, flags and deadlines for sweeps

OPTIMISTIC CONCURRENCY:
  UNIQUE(account_id, version) on events. Two writers that loaded the same
  version both try to insert version+1; the second hits the constraint and
  gets points.ErrConcurrentModification. Append also checks the current
  head inside the transaction so a stale expectedVersion fails fast.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. SQLite allows a single writer, so
  writes are serialized here rather than surfacing SQLITE_BUSY.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      return err
  }
  defer store.Close()

  repo := points.NewRepository(store)

MIGRATION:
  Schema is auto-migrated on New(). The PostgreSQL store uses versioned
  goose migrations instead (store/pg/migrations).

SEE ALSO:
  - points/store.go: Interface definitions
  - points/store/memory.go: In-memory implementation for testing
  - store/pg/pg.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/points-ledger/points"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives as long as its connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Events (append-only streams)
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		payload TEXT NOT NULL,
		UNIQUE(account_id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_events_type
		ON events(event_type);

	-- Account views (projection)
	CREATE TABLE IF NOT EXISTS account_views (
		account_id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		last_event_id TEXT,
		available TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Transfer views (projection)
	CREATE TABLE IF NOT EXISTS transfer_views (
		transfer_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		locked BOOLEAN NOT NULL DEFAULT FALSE,
		live BOOLEAN NOT NULL DEFAULT FALSE,
		locked_until INTEGER,
		expires_at INTEGER,
		body TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfer_views_account
		ON transfer_views(account_id, seq);

	-- Sweep lookups (hot path for the scheduler)
	CREATE INDEX IF NOT EXISTS idx_transfer_views_unlock
		ON transfer_views(locked_until) WHERE locked AND live;
	CREATE INDEX IF NOT EXISTS idx_transfer_views_expiry
		ON transfer_views(expires_at) WHERE live;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT STORE (points.EventStore interface)
// =============================================================================

// Append adds records to the stream of id if it is still at
// expectedVersion. All or nothing.
func (s *Store) Append(ctx context.Context, id points.AccountID, expectedVersion int, records []points.Record) error {
	if err := points.CheckAppend(id, expectedVersion, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var head int
		err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(version), 0) FROM events WHERE account_id = ?",
			id.String(),
		).Scan(&head)
		if err != nil {
			return fmt.Errorf("failed to read stream head: %w", err)
		}
		if head != expectedVersion {
			return points.ErrConcurrentModification
		}

		for _, r := range records {
			if err := appendRecord(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func appendRecord(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, r points.Record) error {
	query := `
		INSERT INTO events
		(id, account_id, version, event_type, occurred_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		r.ID,
		r.AccountID.String(),
		r.Version,
		string(r.Type),
		r.OccurredAt.Unix(),
		string(r.Payload),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return points.ErrConcurrentModification
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Load returns the stream of id ordered by version.
func (s *Store) Load(ctx context.Context, id points.AccountID) ([]points.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, account_id, version, event_type, occurred_at, payload
		FROM events
		WHERE account_id = ?
		ORDER BY version ASC
	`

	rows, err := s.db.QueryContext(ctx, query, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []points.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Accounts lists every stream, ordered by id.
func (s *Store) Accounts(ctx context.Context) ([]points.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT account_id FROM events ORDER BY account_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []points.AccountID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := points.ParseAccountID(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad account id %q", points.ErrInconsistentState, raw)
		}
		accounts = append(accounts, id)
	}
	return accounts, rows.Err()
}

func scanRecord(rows *sql.Rows) (points.Record, error) {
	var (
		r          points.Record
		accountID  string
		eventType  string
		occurredAt int64
		payload    string
	)

	if err := rows.Scan(&r.ID, &accountID, &r.Version, &eventType, &occurredAt, &payload); err != nil {
		return r, fmt.Errorf("failed to scan event: %w", err)
	}

	id, err := points.ParseAccountID(accountID)
	if err != nil {
		return r, fmt.Errorf("%w: event %s has bad account id", points.ErrInconsistentState, r.ID)
	}
	r.AccountID = id
	r.Type = points.EventType(eventType)
	r.OccurredAt = time.Unix(occurredAt, 0).UTC()
	r.Payload = []byte(payload)
	return r, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction under the write lock.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Helper functions

func nullInt(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var (
	_ points.EventStore = (*Store)(nil)
	_ points.Catalog    = (*Store)(nil)
)
