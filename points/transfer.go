/*
transfer.go - The unit of value recorded by the ledger

PURPOSE:
  A Transfer is a single grant (add) or consumption (spend) of points.
  It is a closed tagged union: shared fields live on Transfer, the
  variant payload lives on exactly one of Add or Spend.

ADD TRANSFER LIFECYCLE:
  CREATED --(lock days set)--> LOCKED --(unlock)--> ACTIVE
  CREATED --(otherwise)---------------------------> ACTIVE
  ACTIVE  --(spend consumes it)--> ACTIVE (AvailableAmount reduced)
  ACTIVE|LOCKED --(cancel)--> CANCELED (terminal)
  ACTIVE|LOCKED --(expire / reset)--> EXPIRED (terminal)

  Spend transfers are terminal on creation.

EXPIRY DERIVATION:
  LockedUntil = CreatedAt + LockDays                 (when LockDays set)
  ExpiresAt   = (LockedUntil or CreatedAt) + ValidityDays
  A zero ExpiresAt means the grant never expires on its own.

PRECISION:
  Timestamps are truncated to whole seconds in UTC so they survive the
  epoch-seconds wire format unchanged.

SEE ALSO:
  - account.go: The only place transitions are triggered
  - codec.go: Wire format
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSFER - Tagged union of add / spend
// =============================================================================

type TransferKind string

const (
	KindAdd   TransferKind = "add"
	KindSpend TransferKind = "spend"
)

type Transfer struct {
	ID        TransferID
	Kind      TransferKind
	Value     decimal.Decimal
	CreatedAt time.Time
	Comment   string
	Issuer    Issuer
	Canceled  bool

	// PeerAccountID is the other side of a peer-to-peer transfer.
	// Zero for ordinary grants and spends.
	PeerAccountID AccountID

	Add   *AddDetails
	Spend *SpendDetails
}

// AddDetails is the payload of a grant.
type AddDetails struct {
	AvailableAmount     decimal.Decimal
	Expired             bool
	ExpiresAt           time.Time
	LockedUntil         time.Time
	Locked              bool
	SourceTransactionID string

	// RelatedTransferID links a peer-received grant to the sender's grant
	// it was carved from.
	RelatedTransferID TransferID
}

// SpendDetails is the payload of a consumption.
type SpendDetails struct {
	TransactionID        string
	RevisedTransactionID string
}

// AddOptions configures NewAddTransfer. Nil durations mean "not set".
type AddOptions struct {
	ValidityDays        *int
	LockDays            *int
	Comment             string
	Issuer              Issuer
	SourceTransactionID string
	PeerAccountID       AccountID
	RelatedTransferID   TransferID

	// ExpiresAt overrides the derived expiry. Peer-received grants inherit
	// the expiry of the grant they were carved from.
	ExpiresAt time.Time
}

// SpendOptions configures NewSpendTransfer.
type SpendOptions struct {
	Comment              string
	Issuer               Issuer
	TransactionID        string
	RevisedTransactionID string
	PeerAccountID        AccountID
}

// Days is a convenience for filling AddOptions duration fields.
func Days(n int) *int { return &n }

// NewAddTransfer builds a grant. The transfer starts locked when LockDays
// is positive, and fully available otherwise.
func NewAddTransfer(id TransferID, value decimal.Decimal, createdAt time.Time, opts AddOptions) (Transfer, error) {
	if err := validateCommon(id, value, opts.Issuer); err != nil {
		return Transfer{}, err
	}
	if opts.RelatedTransferID.IsZero() && value.LessThan(MinValue) {
		return Transfer{}, &AmountError{Value: value, Reason: "value must be at least " + MinValue.String()}
	}
	if opts.ValidityDays != nil && *opts.ValidityDays < 0 {
		return Transfer{}, invalidTransfer("validity days must not be negative")
	}
	if opts.LockDays != nil && *opts.LockDays < 0 {
		return Transfer{}, invalidTransfer("lock days must not be negative")
	}

	created := normalizeTime(createdAt)
	add := &AddDetails{
		AvailableAmount:     value,
		SourceTransactionID: opts.SourceTransactionID,
		RelatedTransferID:   opts.RelatedTransferID,
	}

	start := created
	if opts.LockDays != nil && *opts.LockDays > 0 {
		add.LockedUntil = created.AddDate(0, 0, *opts.LockDays)
		add.Locked = true
		start = add.LockedUntil
	}
	if opts.ValidityDays != nil {
		add.ExpiresAt = start.AddDate(0, 0, *opts.ValidityDays)
	}
	if !opts.ExpiresAt.IsZero() {
		add.ExpiresAt = normalizeTime(opts.ExpiresAt)
	}

	return Transfer{
		ID:            id,
		Kind:          KindAdd,
		Value:         value,
		CreatedAt:     created,
		Comment:       opts.Comment,
		Issuer:        issuerOrDefault(opts.Issuer),
		PeerAccountID: opts.PeerAccountID,
		Add:           add,
	}, nil
}

// NewSpendTransfer builds a consumption.
func NewSpendTransfer(id TransferID, value decimal.Decimal, createdAt time.Time, opts SpendOptions) (Transfer, error) {
	if err := validateCommon(id, value, opts.Issuer); err != nil {
		return Transfer{}, err
	}
	if value.LessThan(MinValue) {
		return Transfer{}, &AmountError{Value: value, Reason: "value must be at least " + MinValue.String()}
	}
	return Transfer{
		ID:            id,
		Kind:          KindSpend,
		Value:         value,
		CreatedAt:     normalizeTime(createdAt),
		Comment:       opts.Comment,
		Issuer:        issuerOrDefault(opts.Issuer),
		PeerAccountID: opts.PeerAccountID,
		Spend: &SpendDetails{
			TransactionID:        opts.TransactionID,
			RevisedTransactionID: opts.RevisedTransactionID,
		},
	}, nil
}

// MinValue is the smallest value a caller may grant or spend. Grants
// mirrored from a peer transfer carry the amount taken from their source
// and only need to be positive.
var MinValue = decimal.NewFromInt(1)

func validateCommon(id TransferID, value decimal.Decimal, issuer Issuer) error {
	if id.IsZero() {
		return invalidTransfer("transfer id is required")
	}
	if !value.IsPositive() {
		return &AmountError{Value: value, Reason: "value must be positive"}
	}
	if issuer != "" && !issuer.Valid() {
		return invalidTransfer("unknown issuer " + string(issuer))
	}
	return nil
}

func issuerOrDefault(i Issuer) Issuer {
	if i == "" {
		return IssuerSystem
	}
	return i
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Second)
}

// =============================================================================
// QUERIES
// =============================================================================

func (t Transfer) IsAdd() bool   { return t.Kind == KindAdd && t.Add != nil }
func (t Transfer) IsSpend() bool { return t.Kind == KindSpend && t.Spend != nil }

// IsPeer reports whether the transfer is one side of a peer-to-peer gift.
func (t Transfer) IsPeer() bool { return !t.PeerAccountID.IsZero() }

// IsReversal reports whether a spend revises an earlier purchase. Reversals
// skip the balance check.
func (t Transfer) IsReversal() bool {
	return t.IsSpend() && t.Spend.RevisedTransactionID != ""
}

// Available returns the unspent remainder of a grant, zero for spends.
func (t Transfer) Available() decimal.Decimal {
	if !t.IsAdd() {
		return decimal.Zero
	}
	return t.Add.AvailableAmount
}

// Locked reports whether a grant is still held back.
func (t Transfer) Locked() bool { return t.IsAdd() && t.Add.Locked }

// Expired reports whether a grant has expired.
func (t Transfer) Expired() bool { return t.IsAdd() && t.Add.Expired }

// Terminal reports whether a grant can no longer change state.
func (t Transfer) Terminal() bool { return t.Canceled || t.Expired() }

// Spendable reports whether FIFO consumption may draw from the grant.
func (t Transfer) Spendable() bool {
	return t.IsAdd() &&
		!t.Add.Locked &&
		!t.Add.Expired &&
		!t.Canceled &&
		t.Add.AvailableAmount.IsPositive()
}

// Clone returns a deep copy; payload pointers are not shared.
func (t Transfer) Clone() Transfer {
	c := t
	if t.Add != nil {
		add := *t.Add
		c.Add = &add
	}
	if t.Spend != nil {
		spend := *t.Spend
		c.Spend = &spend
	}
	return c
}

// =============================================================================
// TRANSITIONS - Called only from event application
// =============================================================================

// UpdateAvailableAmount sets the unspent remainder of a grant.
// Fails if the amount is negative or exceeds Value.
func (t *Transfer) UpdateAvailableAmount(amount decimal.Decimal) error {
	if !t.IsAdd() {
		return invalidTransfer("available amount applies to add transfers only")
	}
	if amount.IsNegative() {
		return &AmountError{Value: amount, Reason: "available amount must not be negative"}
	}
	if amount.GreaterThan(t.Value) {
		return &AmountError{Value: amount, Reason: "available amount exceeds transfer value " + t.Value.String()}
	}
	t.Add.AvailableAmount = amount
	return nil
}

// Cancel marks the transfer canceled. Idempotent.
func (t *Transfer) Cancel() { t.Canceled = true }

// Expire marks a grant expired. Idempotent; no effect on spends.
func (t *Transfer) Expire() {
	if t.IsAdd() {
		t.Add.Expired = true
	}
}

// Unlock clears the lock flag of a grant. LockedUntil is kept for audit.
func (t *Transfer) Unlock() {
	if t.IsAdd() {
		t.Add.Locked = false
	}
}
