package command

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/points"
)

// =============================================================================
// COMMANDS - One per aggregate operation
// =============================================================================

// Zero TransferIDs are generated; zero CreatedAt means the handler's clock.

type CreateAccount struct {
	AccountID  points.AccountID
	CustomerID points.CustomerID
}

type AddPoints struct {
	AccountID           points.AccountID
	TransferID          points.TransferID
	Value               decimal.Decimal
	CreatedAt           time.Time
	Comment             string
	Issuer              points.Issuer
	SourceTransactionID string

	// Nil falls back to the program defaults in Issuing.
	ValidityDays *int
	LockDays     *int
}

type SpendPoints struct {
	AccountID            points.AccountID
	TransferID           points.TransferID
	Value                decimal.Decimal
	CreatedAt            time.Time
	Comment              string
	Issuer               points.Issuer
	TransactionID        string
	RevisedTransactionID string
}

type TransferPoints struct {
	FromAccountID points.AccountID
	ToAccountID   points.AccountID
	TransferID    points.TransferID
	Value         decimal.Decimal
	CreatedAt     time.Time
	Comment       string
	Issuer        points.Issuer
}

type CancelPointsTransfer struct {
	AccountID  points.AccountID
	TransferID points.TransferID
}

type ExpirePointsTransfer struct {
	AccountID  points.AccountID
	TransferID points.TransferID
}

type UnlockPointsTransfer struct {
	AccountID  points.AccountID
	TransferID points.TransferID
}

type ResetPoints struct {
	AccountID points.AccountID
	AsOf      time.Time
}

// Issuing holds program defaults applied to AddPoints.
type Issuing struct {
	ValidityDays *int
	LockDays     *int
}

// HistoryEntry is one persisted event with its record metadata.
type HistoryEntry struct {
	Record points.Record
	Event  points.Event
}
