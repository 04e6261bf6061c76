package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/projection"
)

// =============================================================================
// PROJECTION STORE (projection.Store interface)
// =============================================================================

// Put replaces the view of v.AccountID unless the stored one is at the
// same or a later version.
func (s *Store) Put(ctx context.Context, v projection.View) (bool, error) {
	written := false
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(ctx,
			"SELECT version FROM account_views WHERE account_id = ?",
			v.AccountID.String(),
		).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read account view: %w", err)
		case current >= v.Version:
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO account_views (account_id, customer_id, version, last_event_id, available, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id) DO UPDATE SET
				version = excluded.version,
				last_event_id = excluded.last_event_id,
				available = excluded.available,
				updated_at = excluded.updated_at
		`,
			v.AccountID.String(),
			v.CustomerID.String(),
			v.Version,
			v.LastEventID,
			v.Available.String(),
			v.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to save account view: %w", err)
		}

		for seq, t := range v.Transfers {
			if err := putTransfer(ctx, tx, v.AccountID, seq, t); err != nil {
				return err
			}
		}
		written = true
		return nil
	})
	return written, err
}

func putTransfer(ctx context.Context, tx *sql.Tx, accountID points.AccountID, seq int, t points.Transfer) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode transfer %s: %w", t.ID, err)
	}

	var lockedUntil, expiresAt sql.NullInt64
	if t.IsAdd() {
		lockedUntil = nullInt(t.Add.LockedUntil)
		expiresAt = nullInt(t.Add.ExpiresAt)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transfer_views (transfer_id, account_id, seq, kind, locked, live, locked_until, expires_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			locked = excluded.locked,
			live = excluded.live,
			body = excluded.body
	`,
		t.ID.String(),
		accountID.String(),
		seq,
		string(t.Kind),
		t.Locked(),
		t.IsAdd() && !t.Terminal(),
		lockedUntil,
		expiresAt,
		string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer view %s: %w", t.ID, err)
	}
	return nil
}

// Get returns the view of id.
func (s *Store) Get(ctx context.Context, id points.AccountID) (projection.View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		v           projection.View
		customerID  string
		lastEventID sql.NullString
		available   string
		updatedAt   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT customer_id, version, last_event_id, available, updated_at
		FROM account_views WHERE account_id = ?
	`, id.String()).Scan(&customerID, &v.Version, &lastEventID, &available, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return projection.View{}, points.ErrAccountNotFound
	}
	if err != nil {
		return projection.View{}, fmt.Errorf("failed to read account view: %w", err)
	}

	v.AccountID = id
	if v.CustomerID, err = points.ParseCustomerID(customerID); err != nil {
		return projection.View{}, fmt.Errorf("%w: bad customer id %q", points.ErrInconsistentState, customerID)
	}
	if v.Available, err = decimal.NewFromString(available); err != nil {
		return projection.View{}, fmt.Errorf("%w: bad balance %q", points.ErrInconsistentState, available)
	}
	v.LastEventID = lastEventID.String
	v.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	rows, err := s.db.QueryContext(ctx,
		"SELECT body FROM transfer_views WHERE account_id = ? ORDER BY seq ASC",
		id.String(),
	)
	if err != nil {
		return projection.View{}, fmt.Errorf("failed to query transfer views: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return projection.View{}, err
		}
		var t points.Transfer
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return projection.View{}, fmt.Errorf("%w: %w", points.ErrInconsistentState, err)
		}
		v.Transfers = append(v.Transfers, t)
	}
	return v, rows.Err()
}

// DueForUnlock returns locked, live grants whose lock has passed.
func (s *Store) DueForUnlock(ctx context.Context, at time.Time) ([]projection.Due, error) {
	return s.queryDue(ctx, `
		SELECT account_id, transfer_id, locked_until
		FROM transfer_views
		WHERE locked AND live AND locked_until IS NOT NULL AND locked_until <= ?
		ORDER BY locked_until ASC, transfer_id ASC
	`, at.Unix())
}

// DueForExpiry returns live grants whose expiry has passed.
func (s *Store) DueForExpiry(ctx context.Context, at time.Time) ([]projection.Due, error) {
	return s.queryDue(ctx, `
		SELECT account_id, transfer_id, expires_at
		FROM transfer_views
		WHERE live AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC, transfer_id ASC
	`, at.Unix())
}

func (s *Store) queryDue(ctx context.Context, query string, args ...any) ([]projection.Due, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due transfers: %w", err)
	}
	defer rows.Close()

	var due []projection.Due
	for rows.Next() {
		var (
			accountID, transferID string
			at                    int64
		)
		if err := rows.Scan(&accountID, &transferID, &at); err != nil {
			return nil, err
		}
		aid, err := points.ParseAccountID(accountID)
		if err != nil {
			return nil, fmt.Errorf("%w: bad account id %q", points.ErrInconsistentState, accountID)
		}
		tid, err := points.ParseTransferID(transferID)
		if err != nil {
			return nil, fmt.Errorf("%w: bad transfer id %q", points.ErrInconsistentState, transferID)
		}
		due = append(due, projection.Due{AccountID: aid, TransferID: tid, At: time.Unix(at, 0).UTC()})
	}
	return due, rows.Err()
}

var _ projection.Store = (*Store)(nil)
