/*
apply.go - Folding events into account state

PURPOSE:
  State is everything the ledger knows about one account, derived only
  by applying events in stream order. Apply is a switch over the closed
  set of event types; there is no other way to mutate a State.

REPLAY:
  state := points.NewState()
  for _, e := range events {
      if err := state.Apply(e); err != nil { ... }
  }

FIFO CONSUMPTION:
  Spends and peer transfers draw from grants that are not locked, not
  expired, not canceled and still have points left, oldest CreatedAt
  first. Grants created in the same second keep stream order.

  Grants (oldest first):  A=50 (t1)  B=50 (t2)
  Spend 30:               A=20       B=50
  Spend 70 instead:       A=0        B=30

ATOMICITY:
  Apply validates and plans before it writes, so an error leaves the
  state untouched.

SEE ALSO:
  - account.go: Decides which events to record
  - events.go: Event definitions
*/
package points

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATE
// =============================================================================

type State struct {
	ID         AccountID
	CustomerID CustomerID
	Created    bool

	transfers map[TransferID]*Transfer
	order     []TransferID
}

func NewState() *State {
	return &State{transfers: make(map[TransferID]*Transfer)}
}

// Transfer returns a copy of the transfer with the given id.
func (s *State) Transfer(id TransferID) (Transfer, bool) {
	t, ok := s.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return t.Clone(), true
}

// Transfers returns copies of all transfers in stream order.
func (s *State) Transfers() []Transfer {
	out := make([]Transfer, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.transfers[id].Clone())
	}
	return out
}

// AvailableAmount sums the spendable remainder of every grant.
// Recomputed on every call.
func (s *State) AvailableAmount() decimal.Decimal {
	total := decimal.Zero
	for _, id := range s.order {
		if t := s.transfers[id]; t.Spendable() {
			total = total.Add(t.Add.AvailableAmount)
		}
	}
	return total
}

// =============================================================================
// APPLY - One case per event type
// =============================================================================

func (s *State) Apply(e Event) error {
	if err := s.checkStream(e); err != nil {
		return err
	}

	switch ev := e.(type) {
	case AccountCreated:
		return s.applyAccountCreated(ev)
	case PointsAdded:
		return s.applyPointsAdded(ev)
	case PointsSpent:
		return s.applyPointsSpent(ev)
	case PointsTransferred:
		return s.applyPointsTransferred(ev)
	case PointsTransferCanceled:
		return s.withTransfer(ev.TransferID, (*Transfer).Cancel)
	case PointsTransferExpired:
		return s.withTransfer(ev.TransferID, (*Transfer).Expire)
	case PointsTransferUnlocked:
		return s.withTransfer(ev.TransferID, (*Transfer).Unlock)
	case PointsReset:
		s.applyPointsReset(ev)
		return nil
	default:
		return inconsistent("unknown event %T", e)
	}
}

func (s *State) checkStream(e Event) error {
	if _, ok := e.(AccountCreated); ok {
		if s.Created {
			return inconsistent("account %s created twice", s.ID)
		}
		return nil
	}
	if !s.Created {
		return inconsistent("%s before account_created", e.EventType())
	}
	if e.StreamID() != s.ID {
		return inconsistent("%s for account %s applied to %s", e.EventType(), e.StreamID(), s.ID)
	}
	return nil
}

func (s *State) applyAccountCreated(e AccountCreated) error {
	s.ID = e.AccountID
	s.CustomerID = e.CustomerID
	s.Created = true
	return nil
}

func (s *State) applyPointsAdded(e PointsAdded) error {
	if !e.Transfer.IsAdd() {
		return inconsistent("points_added carries a %s transfer", e.Transfer.Kind)
	}
	return s.insert(e.Transfer)
}

func (s *State) applyPointsSpent(e PointsSpent) error {
	if !e.Transfer.IsSpend() {
		return inconsistent("points_spent carries a %s transfer", e.Transfer.Kind)
	}
	if _, exists := s.transfers[e.Transfer.ID]; exists {
		return transferErr(ErrDuplicateTransfer, e.Transfer.ID, "")
	}

	plan, short := s.planConsumption(e.Transfer.Value)
	if short.IsPositive() && !e.Transfer.IsReversal() {
		return inconsistent("spend %s short by %s", e.Transfer.ID, short)
	}

	if err := s.insert(e.Transfer); err != nil {
		return err
	}
	s.consume(plan)
	return nil
}

func (s *State) applyPointsTransferred(e PointsTransferred) error {
	if !e.Transfer.IsSpend() {
		return inconsistent("points_transferred carries a %s transfer", e.Transfer.Kind)
	}
	if _, exists := s.transfers[e.Transfer.ID]; exists {
		return transferErr(ErrDuplicateTransfer, e.Transfer.ID, "")
	}

	total := decimal.Zero
	taken := make(map[TransferID]decimal.Decimal, len(e.Consumed))
	for _, c := range e.Consumed {
		t, ok := s.transfers[c.TransferID]
		if !ok || !t.Spendable() {
			return inconsistent("transfer %s draws from unusable grant %s", e.Transfer.ID, c.TransferID)
		}
		taken[c.TransferID] = taken[c.TransferID].Add(c.Amount)
		if !c.Amount.IsPositive() || taken[c.TransferID].GreaterThan(t.Add.AvailableAmount) {
			return inconsistent("transfer %s takes %s from grant %s holding %s",
				e.Transfer.ID, taken[c.TransferID], c.TransferID, t.Add.AvailableAmount)
		}
		total = total.Add(c.Amount)
	}
	if !total.Equal(e.Transfer.Value) {
		return inconsistent("transfer %s consumes %s of %s", e.Transfer.ID, total, e.Transfer.Value)
	}

	if err := s.insert(e.Transfer); err != nil {
		return err
	}
	s.consume(e.Consumed)
	return nil
}

func (s *State) applyPointsReset(_ PointsReset) {
	for _, id := range s.order {
		t := s.transfers[id]
		if t.IsAdd() && !t.Terminal() && t.Add.AvailableAmount.IsPositive() {
			t.Expire()
		}
	}
}

func (s *State) withTransfer(id TransferID, fn func(*Transfer)) error {
	t, ok := s.transfers[id]
	if !ok {
		return fmt.Errorf("%w: %w", ErrInconsistentState, transferErr(ErrTransferNotFound, id, ""))
	}
	fn(t)
	return nil
}

func (s *State) insert(t Transfer) error {
	if _, exists := s.transfers[t.ID]; exists {
		return transferErr(ErrDuplicateTransfer, t.ID, "")
	}
	if t.IsAdd() {
		if t.Add.AvailableAmount.IsNegative() || t.Add.AvailableAmount.GreaterThan(t.Value) {
			return &AmountError{Value: t.Add.AvailableAmount, Reason: "available amount outside [0, value]"}
		}
	}
	cp := t.Clone()
	s.transfers[t.ID] = &cp
	s.order = append(s.order, t.ID)
	return nil
}

// =============================================================================
// FIFO
// =============================================================================

// planConsumption walks spendable grants oldest first and reports how much
// to take from each. The second return is the part that could not be
// covered. The state is not modified.
func (s *State) planConsumption(amount decimal.Decimal) ([]Consumption, decimal.Decimal) {
	remaining := amount
	var plan []Consumption
	for _, t := range s.spendableOldestFirst() {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(t.Add.AvailableAmount, remaining)
		plan = append(plan, Consumption{TransferID: t.ID, Amount: take})
		remaining = remaining.Sub(take)
	}
	return plan, remaining
}

func (s *State) spendableOldestFirst() []*Transfer {
	var eligible []*Transfer
	for _, id := range s.order {
		if t := s.transfers[id]; t.Spendable() {
			eligible = append(eligible, t)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	return eligible
}

// consume writes a validated plan back to the grants.
func (s *State) consume(plan []Consumption) {
	for _, c := range plan {
		t := s.transfers[c.TransferID]
		t.Add.AvailableAmount = t.Add.AvailableAmount.Sub(c.Amount)
	}
}

func inconsistent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInconsistentState, fmt.Sprintf(format, args...))
}
