/*
account.go - The points ledger aggregate

PURPOSE:
  Account decides. Every operation validates the request against the
  replayed State and, if it passes, records one event which is applied
  immediately. A failed operation records nothing.

LIFECYCLE:
  An Account lives for one command:
    1. Repository.Load replays the stream into a fresh Account
    2. One operation is invoked (records events)
    3. Repository.Save appends Changes() with the loaded Version()

  Nothing holds an Account between commands.

OPERATIONS:
  CreateAccount           -> AccountCreated
  AddPoints               -> PointsAdded (no balance check)
  SpendPoints             -> PointsSpent (balance check unless reversal)
  TransferPoints          -> PointsTransferred (+ FIFO report)
  CancelPointsTransfer    -> PointsTransferCanceled
  ExpirePointsTransfer    -> PointsTransferExpired
  UnlockPointsTransfer    -> PointsTransferUnlocked
  ResetPoints             -> PointsReset

TERMINAL TRANSFERS:
  Canceling, expiring or unlocking a transfer that is already canceled
  or expired is rejected with the matching CannotBe* error. Unlocking a
  grant that is not locked is rejected as well.

SEE ALSO:
  - apply.go: How each event changes State
  - repository.go: Load / Save
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNT
// =============================================================================

type Account struct {
	state   *State
	version int
	changes []Event
}

// CreateAccount starts a new stream.
func CreateAccount(id AccountID, customerID CustomerID) (*Account, error) {
	if id.IsZero() || customerID.IsZero() {
		return nil, invalidTransfer("account and customer ids are required")
	}
	a := &Account{state: NewState()}
	if err := a.record(AccountCreated{AccountID: id, CustomerID: customerID}); err != nil {
		return nil, err
	}
	return a, nil
}

// Replay rebuilds an Account from its persisted history.
func Replay(history []Event) (*Account, error) {
	if len(history) == 0 {
		return nil, ErrAccountNotFound
	}
	state := NewState()
	for _, e := range history {
		if err := state.Apply(e); err != nil {
			return nil, err
		}
	}
	return &Account{state: state, version: len(history)}, nil
}

func (a *Account) ID() AccountID          { return a.state.ID }
func (a *Account) CustomerID() CustomerID { return a.state.CustomerID }

// Version is the number of events already persisted for this stream.
func (a *Account) Version() int { return a.version }

// Changes returns events recorded since the account was loaded.
func (a *Account) Changes() []Event { return append([]Event(nil), a.changes...) }

// MarkCommitted is called by the repository after a successful append.
func (a *Account) MarkCommitted() {
	a.version += len(a.changes)
	a.changes = nil
}

func (a *Account) AvailableAmount() decimal.Decimal { return a.state.AvailableAmount() }

func (a *Account) Transfer(id TransferID) (Transfer, bool) { return a.state.Transfer(id) }

func (a *Account) Transfers() []Transfer { return a.state.Transfers() }

// =============================================================================
// OPERATIONS
// =============================================================================

// AddPoints records a grant. Supply is never balance-checked.
func (a *Account) AddPoints(t Transfer) error {
	if !t.IsAdd() {
		return invalidTransfer("add points requires an add transfer")
	}
	if _, exists := a.state.transfers[t.ID]; exists {
		return transferErr(ErrDuplicateTransfer, t.ID, "")
	}
	return a.record(PointsAdded{AccountID: a.ID(), Transfer: t.Clone()})
}

// SpendPoints records a consumption drawn FIFO from spendable grants.
// Reversals of a purchase skip the balance check.
func (a *Account) SpendPoints(t Transfer) error {
	if !t.IsSpend() {
		return invalidTransfer("spend points requires a spend transfer")
	}
	if t.IsPeer() {
		return invalidTransfer("peer-to-peer spends go through transfer points")
	}
	if _, exists := a.state.transfers[t.ID]; exists {
		return transferErr(ErrDuplicateTransfer, t.ID, "")
	}
	if !t.IsReversal() {
		if err := a.checkFunds(t.Value); err != nil {
			return err
		}
	}
	return a.record(PointsSpent{AccountID: a.ID(), Transfer: t.Clone()})
}

// TransferPoints records a peer-to-peer spend and returns which grants it
// was drawn from, oldest first. The caller mirrors the report as grants on
// the receiving account.
func (a *Account) TransferPoints(t Transfer) ([]Consumption, error) {
	if !t.IsSpend() || !t.IsPeer() {
		return nil, invalidTransfer("transfer points requires a peer spend transfer")
	}
	if t.PeerAccountID == a.ID() {
		return nil, invalidTransfer("cannot transfer points to the same account")
	}
	if _, exists := a.state.transfers[t.ID]; exists {
		return nil, transferErr(ErrDuplicateTransfer, t.ID, "")
	}
	if err := a.checkFunds(t.Value); err != nil {
		return nil, err
	}

	plan, short := a.state.planConsumption(t.Value)
	if short.IsPositive() {
		return nil, inconsistent("balance check passed but FIFO is short by %s", short)
	}
	if err := a.record(PointsTransferred{AccountID: a.ID(), Transfer: t.Clone(), Consumed: plan}); err != nil {
		return nil, err
	}
	return append([]Consumption(nil), plan...), nil
}

// CancelPointsTransfer cancels a grant. Peer-received grants cannot be
// canceled, only expired.
func (a *Account) CancelPointsTransfer(id TransferID) error {
	t, err := a.lookup(id)
	if err != nil {
		return err
	}
	switch {
	case !t.IsAdd():
		return transferErr(ErrTransferCannotBeCanceled, id, "not an add transfer")
	case t.IsPeer():
		return transferErr(ErrTransferCannotBeCanceled, id, "peer-to-peer grant")
	case t.Canceled:
		return transferErr(ErrTransferCannotBeCanceled, id, "already canceled")
	case t.Expired():
		return transferErr(ErrTransferCannotBeCanceled, id, "already expired")
	}
	return a.record(PointsTransferCanceled{AccountID: a.ID(), TransferID: id})
}

// ExpirePointsTransfer expires a grant.
func (a *Account) ExpirePointsTransfer(id TransferID) error {
	t, err := a.lookup(id)
	if err != nil {
		return err
	}
	switch {
	case !t.IsAdd():
		return transferErr(ErrTransferCannotBeExpired, id, "not an add transfer")
	case t.Expired():
		return transferErr(ErrTransferCannotBeExpired, id, "already expired")
	case t.Canceled:
		return transferErr(ErrTransferCannotBeExpired, id, "already canceled")
	}
	return a.record(PointsTransferExpired{AccountID: a.ID(), TransferID: id})
}

// UnlockPointsTransfer releases a locked grant into the balance.
func (a *Account) UnlockPointsTransfer(id TransferID) error {
	t, err := a.lookup(id)
	if err != nil {
		return err
	}
	switch {
	case !t.IsAdd():
		return transferErr(ErrTransferCannotBeUnlocked, id, "not an add transfer")
	case t.Terminal():
		return transferErr(ErrTransferCannotBeUnlocked, id, "already canceled or expired")
	case !t.Add.Locked:
		return transferErr(ErrTransferCannotBeUnlocked, id, "not locked")
	}
	return a.record(PointsTransferUnlocked{AccountID: a.ID(), TransferID: id})
}

// ResetPoints expires every live grant ("use it or lose it").
func (a *Account) ResetPoints(asOf time.Time) error {
	return a.record(PointsReset{AccountID: a.ID(), AsOf: normalizeTime(asOf)})
}

// =============================================================================
// HELPERS
// =============================================================================

func (a *Account) checkFunds(amount decimal.Decimal) error {
	available := a.state.AvailableAmount()
	if available.LessThan(amount) {
		return &NotEnoughPointsError{AccountID: a.ID(), Available: available, Requested: amount}
	}
	return nil
}

func (a *Account) lookup(id TransferID) (*Transfer, error) {
	t, ok := a.state.transfers[id]
	if !ok {
		return nil, transferErr(ErrTransferNotFound, id, "")
	}
	return t, nil
}

// record applies e and keeps it for persistence. If apply fails the event
// is dropped and the state is unchanged.
func (a *Account) record(e Event) error {
	if err := a.state.Apply(e); err != nil {
		return err
	}
	a.changes = append(a.changes, e)
	return nil
}
