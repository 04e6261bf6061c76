/*
Package points provides the event-sourced loyalty points ledger.

PURPOSE:
  Tracks every grant, spend, peer transfer, lock, expiry and cancellation
  of points for one customer account, and answers "how many points are
  spendable right now" by replaying an immutable event stream.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountID / CustomerID / TransferID: UUID-valued identifiers
  - Issuer: who granted or spent the points

DESIGN PRINCIPLES:
  1. Event sourced: State is only ever built by folding events
  2. Precision: decimal.Decimal for every amount, never float64
  3. Ephemeral aggregate: Rebuilt per command, never shared
  4. Conservation: Value is never created or destroyed by a spend

USAGE:
  acc, _ := points.CreateAccount(points.NewAccountID(), customerID)
  t, _ := points.NewAddTransfer(points.NewTransferID(), decimal.NewFromInt(100), now, points.AddOptions{})
  _ = acc.AddPoints(t)
  acc.AvailableAmount() // 100

SEE ALSO:
  - transfer.go: Transfer tagged union
  - account.go: Aggregate operations
  - apply.go: Event application (replay)
  - repository.go: Load / Save against an EventStore
*/
package points

import (
	"fmt"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID uuid.UUID
type CustomerID uuid.UUID
type TransferID uuid.UUID

func NewAccountID() AccountID   { return AccountID(uuid.New()) }
func NewCustomerID() CustomerID { return CustomerID(uuid.New()) }
func NewTransferID() TransferID { return TransferID(uuid.New()) }

func (id AccountID) String() string  { return uuid.UUID(id).String() }
func (id CustomerID) String() string { return uuid.UUID(id).String() }
func (id TransferID) String() string { return uuid.UUID(id).String() }

func (id AccountID) IsZero() bool  { return uuid.UUID(id) == uuid.Nil }
func (id CustomerID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }
func (id TransferID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func ParseAccountID(s string) (AccountID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AccountID{}, fmt.Errorf("invalid account id %q: %w", s, err)
	}
	return AccountID(u), nil
}

func ParseCustomerID(s string) (CustomerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return CustomerID{}, fmt.Errorf("invalid customer id %q: %w", s, err)
	}
	return CustomerID(u), nil
}

func ParseTransferID(s string) (TransferID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TransferID{}, fmt.Errorf("invalid transfer id %q: %w", s, err)
	}
	return TransferID(u), nil
}

// =============================================================================
// ISSUER
// =============================================================================

type Issuer string

const (
	IssuerSystem Issuer = "system"
	IssuerAdmin  Issuer = "admin"
	IssuerSeller Issuer = "seller"
	IssuerAPI    Issuer = "api"
)

func (i Issuer) Valid() bool {
	switch i {
	case IssuerSystem, IssuerAdmin, IssuerSeller, IssuerAPI:
		return true
	}
	return false
}
