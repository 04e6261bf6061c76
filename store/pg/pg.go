/*
Package pg provides a PostgreSQL-backed points.EventStore.

PURPOSE:
  Same contract as store/sqlite for multi-node deployments. Writers on
  different hosts serialize per account through UNIQUE(account_id,
  version); no application lock is held.

SCHEMA:
  Versioned goose migrations embedded from migrations/*.sql and applied
  by Migrate(). Payloads are stored as jsonb so they stay queryable for
  audits.

ERRORS:
  unique_violation (23505)  -> points.ErrConcurrentModification
  stale expectedVersion     -> points.ErrConcurrentModification

SEE ALSO:
  - points/store.go: Interface definitions
  - store/sqlite/sqlite.go: Embedded implementation
*/
package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/warp/points-ledger/points"
)

const pgErrUniqueViolation = "23505"

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Store struct {
	db *sql.DB
}

// Open connects with the pgx driver and tunes the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate applies all pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Append adds records to the stream of id if it is still at
// expectedVersion. All or nothing.
func (s *Store) Append(ctx context.Context, id points.AccountID, expectedVersion int, records []points.Record) error {
	if err := points.CheckAppend(id, expectedVersion, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var head int
	if err := tx.QueryRowContext(ctx,
		`select coalesce(max(version), 0) from events where account_id = $1`,
		id.String(),
	).Scan(&head); err != nil {
		return fmt.Errorf("failed to read stream head: %w", err)
	}
	if head != expectedVersion {
		return points.ErrConcurrentModification
	}

	for _, r := range records {
		_, err := tx.ExecContext(ctx, `
			insert into events (id, account_id, version, event_type, occurred_at, payload)
			values ($1, $2, $3, $4, $5, $6)
		`, r.ID, r.AccountID.String(), r.Version, string(r.Type), r.OccurredAt.UTC(), r.Payload)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return points.ErrConcurrentModification
			}
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return points.ErrConcurrentModification
		}
		return err
	}
	return nil
}

// Load returns the stream of id ordered by version.
func (s *Store) Load(ctx context.Context, id points.AccountID) ([]points.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, account_id, version, event_type, occurred_at, payload
		from events
		where account_id = $1
		order by version
	`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []points.Record
	for rows.Next() {
		var (
			r          points.Record
			accountID  string
			eventType  string
			occurredAt time.Time
		)
		if err := rows.Scan(&r.ID, &accountID, &r.Version, &eventType, &occurredAt, &r.Payload); err != nil {
			return nil, err
		}
		if r.AccountID, err = points.ParseAccountID(accountID); err != nil {
			return nil, fmt.Errorf("%w: event %s has bad account id", points.ErrInconsistentState, r.ID)
		}
		r.Type = points.EventType(eventType)
		r.OccurredAt = occurredAt.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Accounts lists every stream, ordered by id.
func (s *Store) Accounts(ctx context.Context) ([]points.AccountID, error) {
	rows, err := s.db.QueryContext(ctx, `select distinct account_id from events order by account_id`)
	if err != nil {
		return nil, err
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

var (
	_ points.EventStore = (*Store)(nil)
	_ points.Catalog    = (*Store)(nil)
)
