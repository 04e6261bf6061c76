/*
projection.go - Read model of accounts and their grants

PURPOSE:
  The event stream is the source of truth, but answering "which grants
  across all accounts are due for unlock or expiry" by replaying every
  stream is too slow for a sweep. The projection keeps one View per
  account: the replayed transfers plus the balance, stamped with the
  stream version they reflect.

IDEMPOTENCY:
  Put is keyed by stream version. A View at or below the stored version
  is ignored, so re-projecting the same command (retries, rebuilds,
  duplicate deliveries) is harmless and an older View never overwrites a
  newer one.

  handler: Save v5 -> Project(v5)     stored v5
  rebuild: Load v5 -> Project(v5)     ignored
  handler: Save v6 -> Project(v6)     stored v6

CONSISTENCY:
  The projection is eventually consistent. The scheduler reads due grants
  from it, but every sweep action goes through the command handler, which
  re-validates against the replayed stream. A stale row produces at worst a
  CannotBe* error that the sweep logs and skips.

IMPLEMENTATIONS:
  - memory.go: In-memory for tests/dev
  - store/sqlite/projection.go: SQLite tables account_views / transfer_views

SEE ALSO:
  - scheduler/scheduler.go: Consumer of DueForUnlock / DueForExpiry
  - command/handler.go: Projects after every successful save
*/
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/points"
)

// View is the projected state of one account.
type View struct {
	AccountID   points.AccountID
	CustomerID  points.CustomerID
	Version     int
	LastEventID string
	Available   decimal.Decimal
	Transfers   []points.Transfer
	UpdatedAt   time.Time
}

// Transfer returns the projected transfer with the given id.
func (v View) Transfer(id points.TransferID) (points.Transfer, bool) {
	for _, t := range v.Transfers {
		if t.ID == id {
			return t, true
		}
	}
	return points.Transfer{}, false
}

// Due names one grant a sweep should act on.
type Due struct {
	AccountID  points.AccountID
	TransferID points.TransferID
	At         time.Time
}

// Store persists Views.
type Store interface {
	// Put stores v unless a View at the same or a later version exists.
	// Reports whether v was written.
	Put(ctx context.Context, v View) (bool, error)

	// Get returns the View of id or points.ErrAccountNotFound.
	Get(ctx context.Context, id points.AccountID) (View, error)

	// DueForUnlock returns locked, live grants with LockedUntil <= at,
	// oldest deadline first.
	DueForUnlock(ctx context.Context, at time.Time) ([]Due, error)

	// DueForExpiry returns live grants with ExpiresAt <= at, oldest
	// deadline first.
	DueForExpiry(ctx context.Context, at time.Time) ([]Due, error)
}

// =============================================================================
// PROJECTOR
// =============================================================================

type Projector struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewProjector(store Store, log *slog.Logger) *Projector {
	if log == nil {
		log = slog.Default()
	}
	return &Projector{store: store, log: log, now: time.Now}
}

// ViewOf captures the committed state of acc.
func ViewOf(acc *points.Account, lastEventID string, at time.Time) View {
	return View{
		AccountID:   acc.ID(),
		CustomerID:  acc.CustomerID(),
		Version:     acc.Version(),
		LastEventID: lastEventID,
		Available:   acc.AvailableAmount(),
		Transfers:   acc.Transfers(),
		UpdatedAt:   at.UTC().Truncate(time.Second),
	}
}

// Project stores the state of acc after records were committed.
func (p *Projector) Project(ctx context.Context, acc *points.Account, records []points.Record) error {
	var last string
	if len(records) > 0 {
		last = records[len(records)-1].ID
	}
	written, err := p.store.Put(ctx, ViewOf(acc, last, p.now()))
	if err != nil {
		return fmt.Errorf("failed to project account %s: %w", acc.ID(), err)
	}
	if !written {
		p.log.DebugContext(ctx, "projection already current",
			"account_id", acc.ID().String(), "version", acc.Version())
	}
	return nil
}

// Rebuild replays every stream in catalog and projects it. Returns the
// number of accounts projected.
func (p *Projector) Rebuild(ctx context.Context, catalog points.Catalog, repo *points.Repository) (int, error) {
	ids, err := catalog.Accounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list accounts: %w", err)
	}

	n := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		records, err := repo.History(ctx, id)
		if err != nil {
			return n, err
		}
		events, err := points.DecodeAll(records)
		if err != nil {
			return n, fmt.Errorf("%w: %w", points.ErrInconsistentState, err)
		}
		acc, err := points.Replay(events)
		if err != nil {
			return n, err
		}
		if err := p.Project(ctx, acc, records); err != nil {
			return n, err
		}
		n++
	}
	p.log.InfoContext(ctx, "projection rebuilt", "accounts", n)
	return n, nil
}

// =============================================================================
// DUE FILTERS - Shared by the store implementations
// =============================================================================

// UnlockDue reports whether t is a live locked grant past its lock.
func UnlockDue(t points.Transfer, at time.Time) bool {
	return t.Locked() && !t.Terminal() && !t.Add.LockedUntil.IsZero() && !t.Add.LockedUntil.After(at)
}

// ExpiryDue reports whether t is a live grant past its expiry.
func ExpiryDue(t points.Transfer, at time.Time) bool {
	return t.IsAdd() && !t.Terminal() && !t.Add.ExpiresAt.IsZero() && !t.Add.ExpiresAt.After(at)
}
