/*
store.go - Persistence interface for account streams

PURPOSE:
  Defines the boundary between the ledger and the database. One stream
  per AccountID, append-only, guarded by an optimistic version check.

APPEND-ONLY CONTRACT:
  - Append(): The only write. All records land or none do.
  - NO Update() or Delete() methods exist.

OPTIMISTIC CONCURRENCY:
  Append takes the version the caller loaded. If the stream has moved on
  (another writer appended first) the store returns
  ErrConcurrentModification and writes nothing. The caller reloads and
  retries the whole command.

  writer A: Load (v3) ... Append(expected=3) -> ok, stream now v4
  writer B: Load (v3) ... Append(expected=3) -> ErrConcurrentModification

IMPLEMENTATIONS:
  - points/store/memory.go: In-memory for tests/dev
  - store/sqlite/sqlite.go: Embedded SQLite
  - store/pg/pg.go: PostgreSQL

SEE ALSO:
  - repository.go: Encodes / decodes around an EventStore
*/
package points

import "context"

// EventStore persists account streams.
type EventStore interface {
	// Load returns the stream ordered by Version. Empty if unknown.
	Load(ctx context.Context, id AccountID) ([]Record, error)

	// Append adds records after expectedVersion. Records must carry
	// versions expectedVersion+1, expectedVersion+2, ...
	Append(ctx context.Context, id AccountID, expectedVersion int, records []Record) error
}

// Catalog lists known streams. Used to rebuild read models and by
// lifecycle sweeps.
type Catalog interface {
	Accounts(ctx context.Context) ([]AccountID, error)
}

// CheckAppend validates the versions of records against expectedVersion.
// Store implementations call it before writing.
func CheckAppend(id AccountID, expectedVersion int, records []Record) error {
	for i, r := range records {
		if r.AccountID != id {
			return inconsistent("record %s belongs to %s, not %s", r.ID, r.AccountID, id)
		}
		if r.Version != expectedVersion+i+1 {
			return inconsistent("record %s has version %d, want %d", r.ID, r.Version, expectedVersion+i+1)
		}
	}
	return nil
}
