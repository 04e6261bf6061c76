/*
notify.go - Integration notifications

PURPOSE:
  Other services (wallet UI, CRM, push) want to know when an account
  appears or its spendable balance moves. They do not read the event
  stream; the command handler publishes a small notification after each
  successful save. Notifications are not persisted.

MESSAGES:
  AccountCreated                 once per account
  AvailablePointsAmountChanged   whenever the balance differs before/after

OPERATION:
  Derived from the command, not the events:
    AddPoints, UnlockPointsTransfer    -> add   (delta > 0)
    SpendPoints, TransferPoints sender -> spend (delta < 0)
    TransferPoints receiver            -> add
    Cancel / Expire / Reset            -> other

DELIVERY:
  At-most-once, after commit. A failed publish is logged by the caller
  and never rolls the command back.

SEE ALSO:
  - bus.go: In-process fan-out
  - command/handler.go: Publisher
*/
package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/points"
)

type Operation string

const (
	OperationAdd   Operation = "add"
	OperationSpend Operation = "spend"
	OperationOther Operation = "other"
)

// Notification is implemented by the messages in this file.
type Notification interface {
	Account() points.AccountID
	Name() string
}

type AccountCreated struct {
	AccountID  points.AccountID  `json:"account_id"`
	CustomerID points.CustomerID `json:"customer_id"`
	At         time.Time         `json:"at"`
}

type AvailablePointsAmountChanged struct {
	AccountID  points.AccountID  `json:"account_id"`
	CustomerID points.CustomerID `json:"customer_id"`
	Amount     decimal.Decimal   `json:"amount"`
	Delta      decimal.Decimal   `json:"delta"`
	Operation  Operation         `json:"operation"`
	At         time.Time         `json:"at"`
}

func (n AccountCreated) Account() points.AccountID               { return n.AccountID }
func (n AvailablePointsAmountChanged) Account() points.AccountID { return n.AccountID }

func (AccountCreated) Name() string               { return "account_created" }
func (AvailablePointsAmountChanged) Name() string { return "available_points_amount_changed" }

// Publisher delivers notifications.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Publish(context.Context, Notification) error { return nil }
