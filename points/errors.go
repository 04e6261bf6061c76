/*
errors.go - Error types for the points ledger

PURPOSE:
  All ledger errors in one place. Domain failures are deterministic
  outcomes of (replayed state, command): when one is returned the
  aggregate has recorded nothing.

ERROR CATEGORIES:
  1. Domain validation - NotEnoughPoints, DuplicateTransfer, TransferNotFound,
     TransferCannotBe{Canceled,Expired,Unlocked}
  2. Stream errors - AccountNotFound, AccountAlreadyExists,
     ConcurrentModification (retryable)
  3. Internal consistency - InconsistentState (a replayed stream or a
     caller broke an invariant; never a normal error path)

USAGE:
  if errors.Is(err, points.ErrNotEnoughPoints) { ... }

  var te *points.TransferError
  if errors.As(err, &te) {
      fmt.Println(te.TransferID, te.Reason)
  }
*/
package points

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotEnoughPoints          = errors.New("not enough points")
	ErrDuplicateTransfer        = errors.New("transfer already exists")
	ErrTransferNotFound         = errors.New("transfer not found")
	ErrTransferCannotBeCanceled = errors.New("transfer cannot be canceled")
	ErrTransferCannotBeExpired  = errors.New("transfer cannot be expired")
	ErrTransferCannotBeUnlocked = errors.New("transfer cannot be unlocked")

	// ErrInvalidAmount is returned for non-positive values or an available
	// amount outside [0, value].
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTransfer is returned when a transfer cannot be constructed.
	ErrInvalidTransfer = errors.New("invalid transfer")

	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountAlreadyExists = errors.New("account already exists")

	// ErrConcurrentModification is returned by an EventStore when another
	// writer appended to the stream first. Retry from a fresh replay.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInconsistentState means a stream or caller violated a ledger
	// invariant (e.g. FIFO ran out of points after a passed balance check).
	ErrInconsistentState = errors.New("inconsistent ledger state")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotEnoughPointsError provides details about a balance shortage.
type NotEnoughPointsError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *NotEnoughPointsError) Error() string {
	return fmt.Sprintf("not enough points: available %s, requested %s",
		e.Available.String(), e.Requested.String())
}

func (e *NotEnoughPointsError) Unwrap() error { return ErrNotEnoughPoints }

// TransferError reports an operation rejected for a specific transfer.
// Kind is one of the transfer sentinels above.
type TransferError struct {
	Kind       error
	TransferID TransferID
	Reason     string
}

func (e *TransferError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.TransferID)
	}
	return fmt.Sprintf("%v: %s (%s)", e.Kind, e.TransferID, e.Reason)
}

func (e *TransferError) Unwrap() error { return e.Kind }

// AmountError reports a value outside the allowed range.
type AmountError struct {
	Value  decimal.Decimal
	Reason string
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("invalid amount %s: %s", e.Value.String(), e.Reason)
}

func (e *AmountError) Unwrap() error { return ErrInvalidAmount }

func invalidTransfer(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransfer, reason)
}

func transferErr(kind error, id TransferID, reason string) error {
	return &TransferError{Kind: kind, TransferID: id, Reason: reason}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is a domain validation failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotEnoughPoints) ||
		errors.Is(err, ErrDuplicateTransfer) ||
		errors.Is(err, ErrTransferCannotBeCanceled) ||
		errors.Is(err, ErrTransferCannotBeExpired) ||
		errors.Is(err, ErrTransferCannotBeUnlocked) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTransfer) ||
		errors.Is(err, ErrAccountAlreadyExists)
}

// IsNotFound returns true if the error indicates a missing account or transfer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransferNotFound)
}
