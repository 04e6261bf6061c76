/*
Package command runs ledger commands against persisted accounts.

PURPOSE:
  The only writer of account streams. Each command is one aggregate
  operation wrapped in load -> invoke -> save -> publish. There is no
  shared in-memory aggregate; every attempt replays the stream.

RETRY:
  Save fails with points.ErrConcurrentModification when another writer got
  there first. The whole command (including the replay) is re-run up to
  MaxAttempts times. Domain errors are returned unchanged on the first
  attempt; replaying would not change them.

  attempt 1: Load v7 -> SpendPoints -> Save(expected 7) -> conflict
  attempt 2: Load v8 -> SpendPoints -> Save(expected 8) -> ok

AFTER COMMIT:
  1. Metrics: events appended by type
  2. Projection: View of the committed account (errors logged)
  3. Notifications: AccountCreated / AvailablePointsAmountChanged when the
     balance moved (errors logged)
  None of these can undo the commit.

PEER TRANSFERS:
  TransferPoints touches two streams. The sender's PointsTransferred is
  committed first; its consumption report is then mirrored as grants on
  the receiver, one per source grant, with deterministic ids so a re-run
  never mirrors the same source twice.

  If crediting the receiver fails the sender stays debited. Re-running
  the command with the same TransferID finds the PointsTransferred already
  in the sender's stream, rebuilds the grants from its report and credits
  only the missing ones.

SEE ALSO:
  - points/account.go: The operations
  - points/repository.go: Load / Save
  - scheduler/scheduler.go: Calls Unlock / Expire on a timer
*/
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/notify"
	"github.com/warp/points-ledger/obs"
	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/projection"
)

const DefaultMaxAttempts = 5

type Handler struct {
	repo        *points.Repository
	publisher   notify.Publisher
	projector   *projection.Projector
	log         *slog.Logger
	metrics     *obs.Metrics
	clock       func() time.Time
	issuing     Issuing
	maxAttempts int
}

type Option func(*Handler)

func WithPublisher(p notify.Publisher) Option      { return func(h *Handler) { h.publisher = p } }
func WithProjector(p *projection.Projector) Option { return func(h *Handler) { h.projector = p } }
func WithLogger(l *slog.Logger) Option             { return func(h *Handler) { h.log = l } }
func WithMetrics(m *obs.Metrics) Option            { return func(h *Handler) { h.metrics = m } }
func WithClock(c func() time.Time) Option          { return func(h *Handler) { h.clock = c } }
func WithIssuing(i Issuing) Option                 { return func(h *Handler) { h.issuing = i } }
func WithMaxAttempts(n int) Option                 { return func(h *Handler) { h.maxAttempts = n } }

func New(repo *points.Repository, opts ...Option) *Handler {
	h := &Handler{
		repo:        repo,
		publisher:   notify.Discard{},
		log:         slog.Default(),
		clock:       time.Now,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.maxAttempts < 1 {
		h.maxAttempts = 1
	}
	return h
}

// =============================================================================
// COMMANDS
// =============================================================================

// CreateAccount starts the stream of cmd.AccountID.
func (h *Handler) CreateAccount(ctx context.Context, cmd CreateAccount) error {
	start := time.Now()
	err := h.createAccount(ctx, cmd)
	h.observe(ctx, "create_account", cmd.AccountID, start, err)
	return err
}

func (h *Handler) createAccount(ctx context.Context, cmd CreateAccount) error {
	exists, err := h.repo.Exists(ctx, cmd.AccountID)
	if err != nil {
		return err
	}
	if exists {
		return accountExists(cmd.AccountID)
	}

	acc, err := points.CreateAccount(cmd.AccountID, cmd.CustomerID)
	if err != nil {
		return err
	}
	records, err := h.repo.Save(ctx, acc)
	if errors.Is(err, points.ErrConcurrentModification) {
		return accountExists(cmd.AccountID)
	}
	if err != nil {
		return err
	}

	h.committed(ctx, acc, records)
	h.publish(ctx, notify.AccountCreated{
		AccountID:  acc.ID(),
		CustomerID: acc.CustomerID(),
		At:         h.now(),
	})
	return nil
}

// AddPoints grants points and returns the transfer id.
func (h *Handler) AddPoints(ctx context.Context, cmd AddPoints) (points.TransferID, error) {
	opts := points.AddOptions{
		ValidityDays:        cmd.ValidityDays,
		LockDays:            cmd.LockDays,
		Comment:             cmd.Comment,
		Issuer:              cmd.Issuer,
		SourceTransactionID: cmd.SourceTransactionID,
	}
	if opts.ValidityDays == nil {
		opts.ValidityDays = h.issuing.ValidityDays
	}
	if opts.LockDays == nil {
		opts.LockDays = h.issuing.LockDays
	}

	t, err := points.NewAddTransfer(h.transferID(cmd.TransferID), cmd.Value, h.at(cmd.CreatedAt), opts)
	if err != nil {
		return points.TransferID{}, err
	}
	err = h.execute(ctx, "add_points", cmd.AccountID, notify.OperationAdd, func(acc *points.Account) error {
		return acc.AddPoints(t)
	})
	return t.ID, err
}

// SpendPoints consumes points oldest grant first and returns the transfer id.
func (h *Handler) SpendPoints(ctx context.Context, cmd SpendPoints) (points.TransferID, error) {
	t, err := points.NewSpendTransfer(h.transferID(cmd.TransferID), cmd.Value, h.at(cmd.CreatedAt), points.SpendOptions{
		Comment:              cmd.Comment,
		Issuer:               cmd.Issuer,
		TransactionID:        cmd.TransactionID,
		RevisedTransactionID: cmd.RevisedTransactionID,
	})
	if err != nil {
		return points.TransferID{}, err
	}
	err = h.execute(ctx, "spend_points", cmd.AccountID, notify.OperationSpend, func(acc *points.Account) error {
		return acc.SpendPoints(t)
	})
	return t.ID, err
}

// TransferPoints moves points from one account to another and returns the
// sender's transfer id.
func (h *Handler) TransferPoints(ctx context.Context, cmd TransferPoints) (points.TransferID, error) {
	start := time.Now()
	id, err := h.transferPoints(ctx, cmd)
	h.observe(ctx, "transfer_points", cmd.FromAccountID, start, err)
	return id, err
}

func (h *Handler) transferPoints(ctx context.Context, cmd TransferPoints) (points.TransferID, error) {
	t, err := points.NewSpendTransfer(h.transferID(cmd.TransferID), cmd.Value, h.at(cmd.CreatedAt), points.SpendOptions{
		Comment:       cmd.Comment,
		Issuer:        cmd.Issuer,
		PeerAccountID: cmd.ToAccountID,
	})
	if err != nil {
		return points.TransferID{}, err
	}
	if cmd.ToAccountID.IsZero() {
		return points.TransferID{}, fmt.Errorf("%w: receiving account is required", points.ErrInvalidTransfer)
	}
	if exists, err := h.repo.Exists(ctx, cmd.ToAccountID); err != nil {
		return points.TransferID{}, err
	} else if !exists {
		return points.TransferID{}, fmt.Errorf("receiving account %s: %w", cmd.ToAccountID, points.ErrAccountNotFound)
	}

	// Sender
	var mirrors []points.Transfer
	err = h.run(ctx, "transfer_points", cmd.FromAccountID, notify.OperationSpend, func(acc *points.Account) error {
		consumed, err := acc.TransferPoints(t)
		if err != nil {
			return err
		}
		mirrors, err = mirrorGrants(acc, t, consumed)
		return err
	})
	if errors.Is(err, points.ErrDuplicateTransfer) {
		// Already debited: credit the receiver from the recorded report.
		mirrors, err = h.recordedMirrors(ctx, cmd.FromAccountID, cmd.ToAccountID, t.ID, err)
	}
	if err != nil {
		return points.TransferID{}, err
	}

	// Receiver
	err = h.run(ctx, "transfer_points", cmd.ToAccountID, notify.OperationAdd, func(acc *points.Account) error {
		for _, m := range mirrors {
			if _, ok := acc.Transfer(m.ID); ok {
				continue
			}
			if err := acc.AddPoints(m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.log.ErrorContext(ctx, "peer transfer debited sender but not credited receiver",
			"transfer_id", t.ID.String(),
			"from_account_id", cmd.FromAccountID.String(),
			"to_account_id", cmd.ToAccountID.String(),
			"error", err)
		return t.ID, fmt.Errorf("failed to credit receiving account %s: %w", cmd.ToAccountID, err)
	}
	return t.ID, nil
}

// recordedMirrors rebuilds the receiver grants of a peer transfer the
// sender's stream already holds. dup is returned when id is not a peer
// transfer to the same receiver.
func (h *Handler) recordedMirrors(ctx context.Context, from, to points.AccountID, id points.TransferID, dup error) ([]points.Transfer, error) {
	sender, err := h.repo.Load(ctx, from)
	if err != nil {
		return nil, err
	}
	records, err := h.repo.History(ctx, from)
	if err != nil {
		return nil, err
	}
	events, err := points.DecodeAll(records)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", points.ErrInconsistentState, err)
	}
	for _, e := range events {
		sent, ok := e.(points.PointsTransferred)
		if !ok || sent.Transfer.ID != id {
			continue
		}
		if sent.Transfer.PeerAccountID != to {
			return nil, dup
		}
		h.log.InfoContext(ctx, "resuming peer transfer",
			"transfer_id", id.String(),
			"from_account_id", from.String(),
			"to_account_id", to.String())
		return mirrorGrants(sender, sent.Transfer, sent.Consumed)
	}
	return nil, dup
}

// mirrorGrants turns a consumption report into grants for the receiver.
// Each keeps the expiry of the grant it was carved from.
func mirrorGrants(sender *points.Account, t points.Transfer, consumed []points.Consumption) ([]points.Transfer, error) {
	mirrors := make([]points.Transfer, 0, len(consumed))
	for _, c := range consumed {
		source, ok := sender.Transfer(c.TransferID)
		if !ok || !source.IsAdd() {
			return nil, fmt.Errorf("%w: consumed grant %s missing", points.ErrInconsistentState, c.TransferID)
		}
		id := points.TransferID(uuid.NewSHA1(uuid.UUID(t.ID), []byte(c.TransferID.String())))
		m, err := points.NewAddTransfer(id, c.Amount, t.CreatedAt, points.AddOptions{
			Comment:           t.Comment,
			Issuer:            t.Issuer,
			PeerAccountID:     sender.ID(),
			RelatedTransferID: c.TransferID,
			ExpiresAt:         source.Add.ExpiresAt,
		})
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, nil
}

func (h *Handler) CancelPointsTransfer(ctx context.Context, cmd CancelPointsTransfer) error {
	return h.execute(ctx, "cancel_points_transfer", cmd.AccountID, notify.OperationOther, func(acc *points.Account) error {
		return acc.CancelPointsTransfer(cmd.TransferID)
	})
}

func (h *Handler) ExpirePointsTransfer(ctx context.Context, cmd ExpirePointsTransfer) error {
	return h.execute(ctx, "expire_points_transfer", cmd.AccountID, notify.OperationOther, func(acc *points.Account) error {
		return acc.ExpirePointsTransfer(cmd.TransferID)
	})
}

func (h *Handler) UnlockPointsTransfer(ctx context.Context, cmd UnlockPointsTransfer) error {
	return h.execute(ctx, "unlock_points_transfer", cmd.AccountID, notify.OperationAdd, func(acc *points.Account) error {
		return acc.UnlockPointsTransfer(cmd.TransferID)
	})
}

func (h *Handler) ResetPoints(ctx context.Context, cmd ResetPoints) error {
	return h.execute(ctx, "reset_points", cmd.AccountID, notify.OperationOther, func(acc *points.Account) error {
		return acc.ResetPoints(h.at(cmd.AsOf))
	})
}

// =============================================================================
// QUERIES
// =============================================================================

// AvailableAmount replays the stream of id and returns its spendable balance.
func (h *Handler) AvailableAmount(ctx context.Context, id points.AccountID) (decimal.Decimal, error) {
	acc, err := h.repo.Load(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.AvailableAmount(), nil
}

// Account replays the stream of id.
func (h *Handler) Account(ctx context.Context, id points.AccountID) (*points.Account, error) {
	return h.repo.Load(ctx, id)
}

// History returns every event of id in stream order.
func (h *Handler) History(ctx context.Context, id points.AccountID) ([]HistoryEntry, error) {
	records, err := h.repo.History(ctx, id)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(records))
	for _, r := range records {
		e, err := points.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", points.ErrInconsistentState, err)
		}
		entries = append(entries, HistoryEntry{Record: r, Event: e})
	}
	return entries, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// execute runs fn as a complete command with metrics.
func (h *Handler) execute(ctx context.Context, name string, id points.AccountID, op notify.Operation, fn func(*points.Account) error) error {
	start := time.Now()
	err := h.run(ctx, name, id, op, fn)
	h.observe(ctx, name, id, start, err)
	return err
}

// run loads id, applies fn, saves, and retries the whole cycle on a
// concurrent modification.
func (h *Handler) run(ctx context.Context, name string, id points.AccountID, op notify.Operation, fn func(*points.Account) error) error {
	var err error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = h.attempt(ctx, id, op, fn)
		if !errors.Is(err, points.ErrConcurrentModification) {
			return err
		}
		if attempt < h.maxAttempts {
			h.metrics.Retry(name)
			h.log.DebugContext(ctx, "retrying after concurrent modification",
				"command", name, "account_id", id.String(), "attempt", attempt)
		}
	}
	return err
}

func (h *Handler) attempt(ctx context.Context, id points.AccountID, op notify.Operation, fn func(*points.Account) error) error {
	acc, err := h.repo.Load(ctx, id)
	if err != nil {
		return err
	}
	before := acc.AvailableAmount()

	if err := fn(acc); err != nil {
		return err
	}

	records, err := h.repo.Save(ctx, acc)
	if err != nil {
		return err
	}

	h.committed(ctx, acc, records)
	after := acc.AvailableAmount()
	if !after.Equal(before) {
		h.publish(ctx, notify.AvailablePointsAmountChanged{
			AccountID:  acc.ID(),
			CustomerID: acc.CustomerID(),
			Amount:     after,
			Delta:      after.Sub(before),
			Operation:  op,
			At:         h.now(),
		})
	}
	return nil
}

func (h *Handler) committed(ctx context.Context, acc *points.Account, records []points.Record) {
	for _, r := range records {
		h.metrics.EventAppended(string(r.Type))
	}
	if h.projector == nil || len(records) == 0 {
		return
	}
	if err := h.projector.Project(ctx, acc, records); err != nil {
		h.log.WarnContext(ctx, "projection update failed",
			"account_id", acc.ID().String(), "version", acc.Version(), "error", err)
	}
}

func (h *Handler) publish(ctx context.Context, n notify.Notification) {
	if err := h.publisher.Publish(ctx, n); err != nil {
		h.log.WarnContext(ctx, "notification not delivered",
			"notification", n.Name(), "account_id", n.Account().String(), "error", err)
	}
}

func (h *Handler) observe(ctx context.Context, name string, id points.AccountID, start time.Time, err error) {
	outcome := obs.OutcomeOK
	switch {
	case err == nil:
	case points.IsClientError(err) || points.IsNotFound(err):
		outcome = obs.OutcomeClientError
	case points.IsRetryable(err):
		outcome = obs.OutcomeConflict
	default:
		outcome = obs.OutcomeError
	}
	h.metrics.ObserveCommand(name, outcome, time.Since(start))

	switch outcome {
	case obs.OutcomeOK:
		h.log.DebugContext(ctx, "command applied", "command", name, "account_id", id.String())
	case obs.OutcomeClientError:
		h.log.InfoContext(ctx, "command rejected", "command", name, "account_id", id.String(), "error", err)
	default:
		h.log.ErrorContext(ctx, "command failed", "command", name, "account_id", id.String(), "error", err)
	}
}

func (h *Handler) transferID(id points.TransferID) points.TransferID {
	if id.IsZero() {
		return points.NewTransferID()
	}
	return id
}

func (h *Handler) at(t time.Time) time.Time {
	if t.IsZero() {
		return h.now()
	}
	return t
}

func (h *Handler) now() time.Time { return h.clock().UTC().Truncate(time.Second) }

// accountExists wraps points.ErrAccountAlreadyExists with the account id.
func accountExists(id points.AccountID) error {
	return fmt.Errorf("account %s: %w", id, points.ErrAccountAlreadyExists)
}
