package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENTS - Facts recorded in an account stream
// =============================================================================

type EventType string

const (
	EventAccountCreated         EventType = "account_created"
	EventPointsAdded            EventType = "points_added"
	EventPointsSpent            EventType = "points_spent"
	EventPointsTransferred      EventType = "points_transferred"
	EventPointsTransferCanceled EventType = "points_transfer_canceled"
	EventPointsTransferExpired  EventType = "points_transfer_expired"
	EventPointsTransferUnlocked EventType = "points_transfer_unlocked"
	EventPointsReset            EventType = "points_reset"
)

// Event is implemented only by the event types in this file.
type Event interface {
	EventType() EventType
	StreamID() AccountID
	sealed()
}

type AccountCreated struct {
	AccountID  AccountID  `json:"account_id"`
	CustomerID CustomerID `json:"customer_id"`
}

type PointsAdded struct {
	AccountID AccountID `json:"account_id"`
	Transfer  Transfer  `json:"transfer"`
}

type PointsSpent struct {
	AccountID AccountID `json:"account_id"`
	Transfer  Transfer  `json:"transfer"`
}

// PointsTransferred is a peer-to-peer spend. Consumed records which grants
// the spend was drawn from, oldest first.
type PointsTransferred struct {
	AccountID AccountID     `json:"account_id"`
	Transfer  Transfer      `json:"transfer"`
	Consumed  []Consumption `json:"consumed"`
}

type PointsTransferCanceled struct {
	AccountID  AccountID  `json:"account_id"`
	TransferID TransferID `json:"transfer_id"`
}

type PointsTransferExpired struct {
	AccountID  AccountID  `json:"account_id"`
	TransferID TransferID `json:"transfer_id"`
}

type PointsTransferUnlocked struct {
	AccountID  AccountID  `json:"account_id"`
	TransferID TransferID `json:"transfer_id"`
}

type PointsReset struct {
	AccountID AccountID `json:"account_id"`
	AsOf      time.Time `json:"-"`
}

// Consumption is one line of a FIFO report: how much was taken from which
// grant.
type Consumption struct {
	TransferID TransferID      `json:"transfer_id"`
	Amount     decimal.Decimal `json:"amount"`
}

func (AccountCreated) EventType() EventType         { return EventAccountCreated }
func (PointsAdded) EventType() EventType            { return EventPointsAdded }
func (PointsSpent) EventType() EventType            { return EventPointsSpent }
func (PointsTransferred) EventType() EventType      { return EventPointsTransferred }
func (PointsTransferCanceled) EventType() EventType { return EventPointsTransferCanceled }
func (PointsTransferExpired) EventType() EventType  { return EventPointsTransferExpired }
func (PointsTransferUnlocked) EventType() EventType { return EventPointsTransferUnlocked }
func (PointsReset) EventType() EventType            { return EventPointsReset }

func (e AccountCreated) StreamID() AccountID         { return e.AccountID }
func (e PointsAdded) StreamID() AccountID            { return e.AccountID }
func (e PointsSpent) StreamID() AccountID            { return e.AccountID }
func (e PointsTransferred) StreamID() AccountID      { return e.AccountID }
func (e PointsTransferCanceled) StreamID() AccountID { return e.AccountID }
func (e PointsTransferExpired) StreamID() AccountID  { return e.AccountID }
func (e PointsTransferUnlocked) StreamID() AccountID { return e.AccountID }
func (e PointsReset) StreamID() AccountID            { return e.AccountID }

func (AccountCreated) sealed()         {}
func (PointsAdded) sealed()            {}
func (PointsSpent) sealed()            {}
func (PointsTransferred) sealed()      {}
func (PointsTransferCanceled) sealed() {}
func (PointsTransferExpired) sealed()  {}
func (PointsTransferUnlocked) sealed() {}
func (PointsReset) sealed()            {}
