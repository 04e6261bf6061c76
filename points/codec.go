/*
codec.go - Wire format for events and transfers

PURPOSE:
  Every event is stored as a Record whose Payload is JSON. The format is
  lossless: amounts are exact decimal strings, timestamps are epoch
  seconds, optional ids are omitted when unset.

RECORD:
  ID          ULID, sortable, unique per event
  AccountID   Stream the event belongs to
  Version     1-based position in the stream
  Type        EventType, selects the payload decoder
  OccurredAt  When the command that produced it ran
  Payload     JSON body

EXAMPLE PAYLOAD (points_added):
  {"account_id":"...","transfer":{"id":"...","kind":"add","value":"100",
   "created_at":1735689600,"issuer":"system","available_amount":"100",
   "expires_at":1736553600}}
*/
package points

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/ids"
)

// =============================================================================
// RECORD
// =============================================================================

type Record struct {
	ID         string
	AccountID  AccountID
	Version    int
	Type       EventType
	OccurredAt time.Time
	Payload    []byte
}

// Encode serializes e as the version-th event of its stream.
func Encode(e Event, version int, at time.Time) (Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode %s: %w", e.EventType(), err)
	}
	return Record{
		ID:         ids.New(),
		AccountID:  e.StreamID(),
		Version:    version,
		Type:       e.EventType(),
		OccurredAt: normalizeTime(at),
		Payload:    payload,
	}, nil
}

// Decode restores the event held by r.
func Decode(r Record) (Event, error) {
	var (
		e   Event
		err error
	)
	switch r.Type {
	case EventAccountCreated:
		e, err = decodeAs[AccountCreated](r.Payload)
	case EventPointsAdded:
		e, err = decodeAs[PointsAdded](r.Payload)
	case EventPointsSpent:
		e, err = decodeAs[PointsSpent](r.Payload)
	case EventPointsTransferred:
		e, err = decodeAs[PointsTransferred](r.Payload)
	case EventPointsTransferCanceled:
		e, err = decodeAs[PointsTransferCanceled](r.Payload)
	case EventPointsTransferExpired:
		e, err = decodeAs[PointsTransferExpired](r.Payload)
	case EventPointsTransferUnlocked:
		e, err = decodeAs[PointsTransferUnlocked](r.Payload)
	case EventPointsReset:
		e, err = decodeAs[PointsReset](r.Payload)
	default:
		return nil, fmt.Errorf("unknown event type %q", r.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s v%d: %w", r.Type, r.Version, err)
	}
	return e, nil
}

// DecodeAll decodes a stream in order.
func DecodeAll(records []Record) ([]Event, error) {
	events := make([]Event, 0, len(records))
	for _, r := range records {
		e, err := Decode(r)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// =============================================================================
// IDENTIFIERS - Text form is the canonical UUID string
// =============================================================================

func (id AccountID) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }
func (id CustomerID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id TransferID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *AccountID) UnmarshalText(b []byte) error {
	return unmarshalUUID(b, (*uuid.UUID)(id))
}

func (id *CustomerID) UnmarshalText(b []byte) error {
	return unmarshalUUID(b, (*uuid.UUID)(id))
}

func (id *TransferID) UnmarshalText(b []byte) error {
	return unmarshalUUID(b, (*uuid.UUID)(id))
}

func unmarshalUUID(b []byte, dst *uuid.UUID) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*dst = u
	return nil
}

// =============================================================================
// TRANSFER
// =============================================================================

type transferJSON struct {
	ID            TransferID      `json:"id"`
	Kind          TransferKind    `json:"kind"`
	Value         decimal.Decimal `json:"value"`
	CreatedAt     int64           `json:"created_at"`
	Comment       string          `json:"comment,omitempty"`
	Issuer        Issuer          `json:"issuer"`
	Canceled      bool            `json:"canceled,omitempty"`
	PeerAccountID *AccountID      `json:"peer_account_id,omitempty"`

	AvailableAmount     *decimal.Decimal `json:"available_amount,omitempty"`
	Expired             bool             `json:"expired,omitempty"`
	ExpiresAt           *int64           `json:"expires_at,omitempty"`
	LockedUntil         *int64           `json:"locked_until,omitempty"`
	Locked              bool             `json:"locked,omitempty"`
	SourceTransactionID string           `json:"source_transaction_id,omitempty"`
	RelatedTransferID   *TransferID      `json:"related_transfer_id,omitempty"`

	TransactionID        string `json:"transaction_id,omitempty"`
	RevisedTransactionID string `json:"revised_transaction_id,omitempty"`
}

func (t Transfer) MarshalJSON() ([]byte, error) {
	out := transferJSON{
		ID:        t.ID,
		Kind:      t.Kind,
		Value:     t.Value,
		CreatedAt: t.CreatedAt.Unix(),
		Comment:   t.Comment,
		Issuer:    t.Issuer,
		Canceled:  t.Canceled,
	}
	if !t.PeerAccountID.IsZero() {
		peer := t.PeerAccountID
		out.PeerAccountID = &peer
	}

	switch t.Kind {
	case KindAdd:
		if t.Add == nil {
			return nil, invalidTransfer("add transfer without payload")
		}
		available := t.Add.AvailableAmount
		out.AvailableAmount = &available
		out.Expired = t.Add.Expired
		out.ExpiresAt = epochOrNil(t.Add.ExpiresAt)
		out.LockedUntil = epochOrNil(t.Add.LockedUntil)
		out.Locked = t.Add.Locked
		out.SourceTransactionID = t.Add.SourceTransactionID
		if !t.Add.RelatedTransferID.IsZero() {
			related := t.Add.RelatedTransferID
			out.RelatedTransferID = &related
		}
	case KindSpend:
		if t.Spend == nil {
			return nil, invalidTransfer("spend transfer without payload")
		}
		out.TransactionID = t.Spend.TransactionID
		out.RevisedTransactionID = t.Spend.RevisedTransactionID
	default:
		return nil, invalidTransfer("unknown kind " + string(t.Kind))
	}
	return json.Marshal(out)
}

func (t *Transfer) UnmarshalJSON(data []byte) error {
	var in transferJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*t = Transfer{
		ID:        in.ID,
		Kind:      in.Kind,
		Value:     in.Value,
		CreatedAt: time.Unix(in.CreatedAt, 0).UTC(),
		Comment:   in.Comment,
		Issuer:    in.Issuer,
		Canceled:  in.Canceled,
	}
	if in.PeerAccountID != nil {
		t.PeerAccountID = *in.PeerAccountID
	}

	switch in.Kind {
	case KindAdd:
		add := &AddDetails{
			Expired:             in.Expired,
			ExpiresAt:           timeOrZero(in.ExpiresAt),
			LockedUntil:         timeOrZero(in.LockedUntil),
			Locked:              in.Locked,
			SourceTransactionID: in.SourceTransactionID,
		}
		if in.AvailableAmount != nil {
			add.AvailableAmount = *in.AvailableAmount
		}
		if in.RelatedTransferID != nil {
			add.RelatedTransferID = *in.RelatedTransferID
		}
		t.Add = add
	case KindSpend:
		t.Spend = &SpendDetails{
			TransactionID:        in.TransactionID,
			RevisedTransactionID: in.RevisedTransactionID,
		}
	default:
		return invalidTransfer("unknown kind " + string(in.Kind))
	}
	return nil
}

// =============================================================================
// POINTS RESET - AsOf travels as epoch seconds
// =============================================================================

type pointsResetJSON struct {
	AccountID AccountID `json:"account_id"`
	AsOf      int64     `json:"as_of"`
}

func (e PointsReset) MarshalJSON() ([]byte, error) {
	return json.Marshal(pointsResetJSON{AccountID: e.AccountID, AsOf: e.AsOf.Unix()})
}

func (e *PointsReset) UnmarshalJSON(data []byte) error {
	var in pointsResetJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	e.AccountID = in.AccountID
	e.AsOf = time.Unix(in.AsOf, 0).UTC()
	return nil
}

func epochOrNil(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.Unix()
	return &v
}

func timeOrZero(v *int64) time.Time {
	if v == nil {
		return time.Time{}
	}
	return time.Unix(*v, 0).UTC()
}
