package command_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/command"
	"github.com/warp/points-ledger/notify"
	"github.com/warp/points-ledger/obs"
	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/points/store"
	"github.com/warp/points-ledger/projection"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var day0 = time.Date(2025, time.March, 1, 10, 30, 0, 0, time.UTC)

func pts(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// conflicting fails the first n appends, and every append to blocked, as
// if another writer won the race.
type conflicting struct {
	*store.Memory
	mu      sync.Mutex
	n       int
	blocked points.AccountID
}

func (c *conflicting) Append(ctx context.Context, id points.AccountID, expected int, records []points.Record) error {
	c.mu.Lock()
	if c.n > 0 || (!c.blocked.IsZero() && id == c.blocked) {
		if c.n > 0 {
			c.n--
		}
		c.mu.Unlock()
		return points.ErrConcurrentModification
	}
	c.mu.Unlock()
	return c.Memory.Append(ctx, id, expected, records)
}

func (c *conflicting) block(id points.AccountID) {
	c.mu.Lock()
	c.blocked = id
	c.mu.Unlock()
}

func (c *conflicting) failNext(n int) {
	c.mu.Lock()
	c.n = n
	c.mu.Unlock()
}

type fixture struct {
	h       *command.Handler
	events  *conflicting
	views   *projection.Memory
	sent    *notify.Recorder
	metrics *obs.Metrics
	now     time.Time
}

func newFixture(t *testing.T, opts ...command.Option) *fixture {
	t.Helper()
	f := &fixture{
		events:  &conflicting{Memory: store.NewMemory()},
		views:   projection.NewMemory(),
		sent:    &notify.Recorder{},
		metrics: obs.NewMetrics(),
		now:     day0,
	}
	base := []command.Option{
		command.WithPublisher(f.sent),
		command.WithProjector(projection.NewProjector(f.views, nil)),
		command.WithMetrics(f.metrics),
		command.WithClock(func() time.Time { return f.now }),
	}
	f.h = command.New(points.NewRepository(f.events), append(base, opts...)...)
	return f
}

func (f *fixture) account(t *testing.T) points.AccountID {
	t.Helper()
	id := points.NewAccountID()
	require.NoError(t, f.h.CreateAccount(context.Background(), command.CreateAccount{
		AccountID:  id,
		CustomerID: points.NewCustomerID(),
	}))
	return id
}

func (f *fixture) add(t *testing.T, id points.AccountID, value int64, mod ...func(*command.AddPoints)) points.TransferID {
	t.Helper()
	cmd := command.AddPoints{AccountID: id, Value: pts(value)}
	for _, m := range mod {
		m(&cmd)
	}
	tid, err := f.h.AddPoints(context.Background(), cmd)
	require.NoError(t, err)
	return tid
}

func (f *fixture) balance(t *testing.T, id points.AccountID) decimal.Decimal {
	t.Helper()
	b, err := f.h.AvailableAmount(context.Background(), id)
	require.NoError(t, err)
	return b
}

func assertPoints(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(pts(want)), "want %d points, got %s", want, got)
}

// =============================================================================
// ACCOUNT CREATION
// =============================================================================

func TestCreateAccount_PublishesOnce(t *testing.T) {
	f := newFixture(t)
	id := points.NewAccountID()
	customer := points.NewCustomerID()

	require.NoError(t, f.h.CreateAccount(context.Background(), command.CreateAccount{AccountID: id, CustomerID: customer}))
	err := f.h.CreateAccount(context.Background(), command.CreateAccount{AccountID: id, CustomerID: customer})

	assert.ErrorIs(t, err, points.ErrAccountAlreadyExists)
	sent := f.sent.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.AccountCreated{AccountID: id, CustomerID: customer, At: day0}, sent[0])
}

func TestCreateAccount_LostRaceIsAlreadyExists(t *testing.T) {
	f := newFixture(t)
	f.events.failNext(1)

	err := f.h.CreateAccount(context.Background(), command.CreateAccount{
		AccountID: points.NewAccountID(), CustomerID: points.NewCustomerID(),
	})
	assert.ErrorIs(t, err, points.ErrAccountAlreadyExists)
}

func TestCommands_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.h.AddPoints(context.Background(), command.AddPoints{AccountID: points.NewAccountID(), Value: pts(1)})
	assert.ErrorIs(t, err, points.ErrAccountNotFound)
	assert.Empty(t, f.sent.Sent())
}

// =============================================================================
// ADD / SPEND
// =============================================================================

func TestAddPoints_AppliesIssuingDefaults(t *testing.T) {
	f := newFixture(t, command.WithIssuing(command.Issuing{ValidityDays: points.Days(365), LockDays: points.Days(14)}))
	id := f.account(t)

	defaulted := f.add(t, id, 100)
	explicit := f.add(t, id, 50, func(c *command.AddPoints) {
		c.ValidityDays = points.Days(30)
		c.LockDays = points.Days(0)
	})

	acc, err := f.h.Account(context.Background(), id)
	require.NoError(t, err)

	d, _ := acc.Transfer(defaulted)
	assert.True(t, d.Locked())
	assert.True(t, d.Add.ExpiresAt.Equal(day0.AddDate(0, 0, 14+365)))

	e, _ := acc.Transfer(explicit)
	assert.True(t, e.Add.ExpiresAt.Equal(day0.AddDate(0, 0, 30)))

	// Only the zero-day lock is spendable; locked grants do not move the balance
	assertPoints(t, 50, f.balance(t, id))
	changes := f.sent.Changes(id)
	require.Len(t, changes, 1)
	assert.Equal(t, notify.OperationAdd, changes[0].Operation)
}

func TestSpendPoints_PublishesNegativeDelta(t *testing.T) {
	// GIVEN: 100 points
	f := newFixture(t)
	id := f.account(t)
	f.add(t, id, 100)

	// WHEN: 30 are spent
	_, err := f.h.SpendPoints(context.Background(), command.SpendPoints{AccountID: id, Value: pts(30), TransactionID: "order-1"})
	require.NoError(t, err)

	// THEN: balance 70, notification with delta -30
	assertPoints(t, 70, f.balance(t, id))
	changes := f.sent.Changes(id)
	require.Len(t, changes, 2)
	assert.Equal(t, notify.OperationSpend, changes[1].Operation)
	assertPoints(t, 70, changes[1].Amount)
	assertPoints(t, -30, changes[1].Delta)
}

func TestSpendPoints_DomainErrorIsReturnedUnchanged(t *testing.T) {
	f := newFixture(t)
	id := f.account(t)
	f.add(t, id, 10)
	f.sent.Reset()

	_, err := f.h.SpendPoints(context.Background(), command.SpendPoints{AccountID: id, Value: pts(11)})

	var nep *points.NotEnoughPointsError
	require.True(t, errors.As(err, &nep))
	assertPoints(t, 10, nep.Available)
	assertPoints(t, 11, nep.Requested)
	assert.Empty(t, f.sent.Sent(), "nothing published for a rejected command")
	assert.Equal(t, 2, f.events.Len(id), "nothing appended")
}

func TestSpendPoints_InvalidAmountRejectedBeforeLoad(t *testing.T) {
	f := newFixture(t)
	_, err := f.h.SpendPoints(context.Background(), command.SpendPoints{AccountID: points.NewAccountID(), Value: pts(0)})
	assert.ErrorIs(t, err, points.ErrInvalidAmount)
}

// =============================================================================
// RETRY
// =============================================================================

func TestRetry_ReplaysAfterConflict(t *testing.T) {
	f := newFixture(t)
	id := f.account(t)
	f.add(t, id, 100)

	f.events.failNext(2)
	_, err := f.h.SpendPoints(context.Background(), command.SpendPoints{AccountID: id, Value: pts(40)})

	require.NoError(t, err)
	assertPoints(t, 60, f.balance(t, id))
	assert.Equal(t, 3, f.events.Len(id), "spend appended exactly once")
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, command.WithMaxAttempts(2))
	id := f.account(t)
	f.add(t, id, 100)

	f.events.failNext(2)
	_, err := f.h.SpendPoints(context.Background(), command.SpendPoints{AccountID: id, Value: pts(40)})

	assert.ErrorIs(t, err, points.ErrConcurrentModification)
	assert.True(t, points.IsRetryable(err))
	assertPoints(t, 100, f.balance(t, id))
}

func TestRetry_ConcurrentSpendersNeverOverdraw(t *testing.T) {
	// GIVEN: 100 points and 10 writers spending 10 each, plus 5 more that
	// must fail once the balance is gone
	const writers = 15
	f := newFixture(t, command.WithMaxAttempts(writers+1))
	id := f.account(t)
	f.add(t, id, 100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.h.SpendPoints(context.Background(), command.SpendPoints{AccountID: id, Value: pts(10)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, points.ErrNotEnoughPoints):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: exactly 10 succeed and the balance is zero
	assert.Equal(t, 10, ok)
	assert.Equal(t, 5, refused)
	assertPoints(t, 0, f.balance(t, id))
}

// =============================================================================
// PEER TRANSFER
// =============================================================================

func TestTransferPoints_MirrorsConsumedGrants(t *testing.T) {
	// GIVEN: A holds 50 (expires D+30) and 50 (expires D+60)
	f := newFixture(t)
	from, to := f.account(t), f.account(t)
	first := f.add(t, from, 50, func(c *command.AddPoints) { c.ValidityDays = points.Days(30) })
	f.now = day0.Add(time.Hour)
	second := f.add(t, from, 50, func(c *command.AddPoints) { c.ValidityDays = points.Days(60) })
	f.sent.Reset()

	// WHEN: 70 move to B
	tid, err := f.h.TransferPoints(context.Background(), command.TransferPoints{
		FromAccountID: from, ToAccountID: to, Value: pts(70), Comment: "gift",
	})
	require.NoError(t, err)

	// THEN: A keeps 30, B receives 50 + 20 with the source expiries
	assertPoints(t, 30, f.balance(t, from))
	assertPoints(t, 70, f.balance(t, to))

	sender, err := f.h.Account(context.Background(), from)
	require.NoError(t, err)
	spent, ok := sender.Transfer(tid)
	require.True(t, ok)
	assert.Equal(t, to, spent.PeerAccountID)

	receiver, err := f.h.Account(context.Background(), to)
	require.NoError(t, err)
	var mirrored []points.Transfer
	for _, tr := range receiver.Transfers() {
		if tr.IsPeer() {
			mirrored = append(mirrored, tr)
		}
	}
	require.Len(t, mirrored, 2)
	assert.Equal(t, first, mirrored[0].Add.RelatedTransferID)
	assertPoints(t, 50, mirrored[0].Value)
	assert.True(t, mirrored[0].Add.ExpiresAt.Equal(day0.AddDate(0, 0, 30)))
	assert.Equal(t, second, mirrored[1].Add.RelatedTransferID)
	assertPoints(t, 20, mirrored[1].Value)
	assert.True(t, mirrored[1].Add.ExpiresAt.Equal(day0.Add(time.Hour).AddDate(0, 0, 60)))
	assert.Equal(t, from, mirrored[1].PeerAccountID)
	assert.Equal(t, "gift", mirrored[1].Comment)

	// AND: both sides are notified
	fromChanges, toChanges := f.sent.Changes(from), f.sent.Changes(to)
	require.Len(t, fromChanges, 1)
	require.Len(t, toChanges, 1)
	assertPoints(t, -70, fromChanges[0].Delta)
	assert.Equal(t, notify.OperationSpend, fromChanges[0].Operation)
	assertPoints(t, 70, toChanges[0].Delta)
	assert.Equal(t, notify.OperationAdd, toChanges[0].Operation)

	// AND: a received grant cannot be canceled
	err = f.h.CancelPointsTransfer(context.Background(), command.CancelPointsTransfer{AccountID: to, TransferID: mirrored[0].ID})
	assert.ErrorIs(t, err, points.ErrTransferCannotBeCanceled)
}

func TestTransferPoints_RetryCreditsReceiverAfterFailure(t *testing.T) {
	// GIVEN: A holds 50 + 50, and every write to B fails
	f := newFixture(t)
	from, to := f.account(t), f.account(t)
	f.add(t, from, 50)
	f.add(t, from, 50)
	f.events.block(to)

	cmd := command.TransferPoints{
		FromAccountID: from, ToAccountID: to, Value: pts(70), TransferID: points.NewTransferID(),
	}

	// WHEN: the transfer debits A but cannot credit B
	_, err := f.h.TransferPoints(context.Background(), cmd)
	require.ErrorIs(t, err, points.ErrConcurrentModification)
	assertPoints(t, 30, f.balance(t, from))
	assertPoints(t, 0, f.balance(t, to))

	// AND: the same command is re-run once B accepts writes
	f.events.block(points.AccountID{})
	tid, err := f.h.TransferPoints(context.Background(), cmd)

	// THEN: B is credited from the recorded report, A is not debited again
	require.NoError(t, err)
	assert.Equal(t, cmd.TransferID, tid)
	assertPoints(t, 30, f.balance(t, from))
	assertPoints(t, 70, f.balance(t, to))

	// AND: a further re-run changes nothing
	_, err = f.h.TransferPoints(context.Background(), cmd)
	require.NoError(t, err)
	assertPoints(t, 30, f.balance(t, from))
	assertPoints(t, 70, f.balance(t, to))

	receiver, err := f.h.Account(context.Background(), to)
	require.NoError(t, err)
	assert.Len(t, receiver.Transfers(), 2)
}

func TestTransferPoints_ReusedIDForOtherReceiverIsDuplicate(t *testing.T) {
	f := newFixture(t)
	from, to, other := f.account(t), f.account(t), f.account(t)
	f.add(t, from, 50)
	cmd := command.TransferPoints{
		FromAccountID: from, ToAccountID: to, Value: pts(10), TransferID: points.NewTransferID(),
	}
	_, err := f.h.TransferPoints(context.Background(), cmd)
	require.NoError(t, err)

	cmd.ToAccountID = other
	_, err = f.h.TransferPoints(context.Background(), cmd)

	assert.ErrorIs(t, err, points.ErrDuplicateTransfer)
	assertPoints(t, 10, f.balance(t, to))
	assertPoints(t, 0, f.balance(t, other))
}

func TestTransferPoints_Rejections(t *testing.T) {
	f := newFixture(t)
	from := f.account(t)
	f.add(t, from, 10)

	_, err := f.h.TransferPoints(context.Background(), command.TransferPoints{
		FromAccountID: from, ToAccountID: points.NewAccountID(), Value: pts(5),
	})
	assert.ErrorIs(t, err, points.ErrAccountNotFound, "unknown receiver")

	_, err = f.h.TransferPoints(context.Background(), command.TransferPoints{FromAccountID: from, Value: pts(5)})
	assert.ErrorIs(t, err, points.ErrInvalidTransfer, "missing receiver")

	_, err = f.h.TransferPoints(context.Background(), command.TransferPoints{
		FromAccountID: from, ToAccountID: from, Value: pts(5),
	})
	assert.ErrorIs(t, err, points.ErrInvalidTransfer, "self transfer")

	to := f.account(t)
	_, err = f.h.TransferPoints(context.Background(), command.TransferPoints{
		FromAccountID: from, ToAccountID: to, Value: pts(11),
	})
	assert.ErrorIs(t, err, points.ErrNotEnoughPoints)

	assertPoints(t, 10, f.balance(t, from))
	assertPoints(t, 0, f.balance(t, to))
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestCancelExpireUnlock(t *testing.T) {
	f := newFixture(t)
	id := f.account(t)
	locked := f.add(t, id, 40, func(c *command.AddPoints) { c.LockDays = points.Days(7) })
	open := f.add(t, id, 60)
	other := f.add(t, id, 5)
	f.sent.Reset()
	ctx := context.Background()

	require.NoError(t, f.h.UnlockPointsTransfer(ctx, command.UnlockPointsTransfer{AccountID: id, TransferID: locked}))
	assertPoints(t, 105, f.balance(t, id))

	require.NoError(t, f.h.CancelPointsTransfer(ctx, command.CancelPointsTransfer{AccountID: id, TransferID: open}))
	assertPoints(t, 45, f.balance(t, id))

	require.NoError(t, f.h.ExpirePointsTransfer(ctx, command.ExpirePointsTransfer{AccountID: id, TransferID: other}))
	assertPoints(t, 40, f.balance(t, id))

	err := f.h.ExpirePointsTransfer(ctx, command.ExpirePointsTransfer{AccountID: id, TransferID: other})
	assert.ErrorIs(t, err, points.ErrTransferCannotBeExpired)

	err = f.h.UnlockPointsTransfer(ctx, command.UnlockPointsTransfer{AccountID: id, TransferID: points.NewTransferID()})
	assert.ErrorIs(t, err, points.ErrTransferNotFound)

	changes := f.sent.Changes(id)
	require.Len(t, changes, 3)
	assert.Equal(t, notify.OperationAdd, changes[0].Operation)
	assert.Equal(t, notify.OperationOther, changes[1].Operation)
	assertPoints(t, -60, changes[1].Delta)
	assert.Equal(t, notify.OperationOther, changes[2].Operation)
}

func TestResetPoints(t *testing.T) {
	f := newFixture(t)
	id := f.account(t)
	f.add(t, id, 40)
	f.add(t, id, 60)

	require.NoError(t, f.h.ResetPoints(context.Background(), command.ResetPoints{AccountID: id}))

	assertPoints(t, 0, f.balance(t, id))
	history, err := f.h.History(context.Background(), id)
	require.NoError(t, err)
	last := history[len(history)-1].Event.(points.PointsReset)
	assert.True(t, last.AsOf.Equal(day0), "zero AsOf means now")
}

// =============================================================================
// READ SIDE
// =============================================================================

func TestHistory_DecodesEveryEvent(t *testing.T) {
	f := newFixture(t)
	id := f.account(t)
	f.add(t, id, 10)
	_, err := f.h.SpendPoints(context.Background(), command.SpendPoints{AccountID: id, Value: pts(4)})
	require.NoError(t, err)

	history, err := f.h.History(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, e := range history {
		assert.Equal(t, i+1, e.Record.Version)
		assert.Equal(t, e.Record.Type, e.Event.EventType())
	}

	_, err = f.h.History(context.Background(), points.NewAccountID())
	assert.ErrorIs(t, err, points.ErrAccountNotFound)
}

func TestProjection_FollowsCommands(t *testing.T) {
	f := newFixture(t)
	id := f.account(t)
	tid := f.add(t, id, 25, func(c *command.AddPoints) { c.LockDays = points.Days(1) })

	v, err := f.views.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)
	assertPoints(t, 0, v.Available)

	due, err := f.views.DueForUnlock(context.Background(), day0.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, tid, due[0].TransferID)

	require.NoError(t, f.h.UnlockPointsTransfer(context.Background(), command.UnlockPointsTransfer{AccountID: id, TransferID: tid}))
	v, err = f.views.Get(context.Background(), id)
	require.NoError(t, err)
	assertPoints(t, 25, v.Available)
}
