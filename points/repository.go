package points

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// REPOSITORY - Replay on load, optimistic append on save
// =============================================================================

type Repository struct {
	Store EventStore
	Clock func() time.Time
}

func NewRepository(store EventStore) *Repository {
	return &Repository{Store: store, Clock: time.Now}
}

// Load replays the stream of id into a fresh Account.
func (r *Repository) Load(ctx context.Context, id AccountID) (*Account, error) {
	records, err := r.Store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", id, err)
	}
	if len(records) == 0 {
		return nil, ErrAccountNotFound
	}
	events, err := DecodeAll(records)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInconsistentState, err)
	}
	return Replay(events)
}

// Exists reports whether the stream of id has any events.
func (r *Repository) Exists(ctx context.Context, id AccountID) (bool, error) {
	records, err := r.Store.Load(ctx, id)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// Save appends the account's pending changes and returns the written
// records. Returns ErrConcurrentModification if the stream moved since
// Load.
func (r *Repository) Save(ctx context.Context, acc *Account) ([]Record, error) {
	changes := acc.Changes()
	if len(changes) == 0 {
		return nil, nil
	}

	now := r.now()
	records := make([]Record, 0, len(changes))
	for i, e := range changes {
		rec, err := Encode(e, acc.Version()+i+1, now)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := r.Store.Append(ctx, acc.ID(), acc.Version(), records); err != nil {
		return nil, err
	}
	acc.MarkCommitted()
	return records, nil
}

// History returns the raw stream of id.
func (r *Repository) History(ctx context.Context, id AccountID) ([]Record, error) {
	records, err := r.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrAccountNotFound
	}
	return records, nil
}

func (r *Repository) now() time.Time {
	if r.Clock == nil {
		return time.Now()
	}
	return r.Clock()
}
