package points_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/points"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var day0 = time.Date(2025, time.March, 1, 10, 30, 0, 0, time.UTC)

func pts(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func assertPoints(t *testing.T, want int64, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	if !got.Equal(pts(want)) {
		assert.Fail(t, fmt.Sprintf("want %d points, got %s", want, got.String()), msgAndArgs...)
	}
}

func grant(t *testing.T, value int64, at time.Time, opts points.AddOptions) points.Transfer {
	t.Helper()
	tr, err := points.NewAddTransfer(points.NewTransferID(), pts(value), at, opts)
	require.NoError(t, err)
	return tr
}

func spend(t *testing.T, value int64, at time.Time) points.Transfer {
	t.Helper()
	tr, err := points.NewSpendTransfer(points.NewTransferID(), pts(value), at, points.SpendOptions{})
	require.NoError(t, err)
	return tr
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNewAddTransfer_DerivesExpiryFromCreatedAt(t *testing.T) {
	tr := grant(t, 100, day0, points.AddOptions{ValidityDays: points.Days(10)})

	assert.Equal(t, points.KindAdd, tr.Kind)
	assert.Equal(t, points.IssuerSystem, tr.Issuer)
	assertPoints(t, 100, tr.Add.AvailableAmount)
	assert.False(t, tr.Locked())
	assert.True(t, tr.Add.LockedUntil.IsZero())
	assert.True(t, tr.Add.ExpiresAt.Equal(day0.AddDate(0, 0, 10)))
}

func TestNewAddTransfer_LockShiftsExpiry(t *testing.T) {
	// GIVEN: 10 days validity, 2 days lock
	// THEN: locked until D+2, expires at D+12
	tr := grant(t, 100, day0, points.AddOptions{ValidityDays: points.Days(10), LockDays: points.Days(2)})

	assert.True(t, tr.Locked())
	assert.True(t, tr.Add.LockedUntil.Equal(day0.AddDate(0, 0, 2)))
	assert.True(t, tr.Add.ExpiresAt.Equal(day0.AddDate(0, 0, 12)))
	assert.False(t, tr.Spendable())
}

func TestNewAddTransfer_NoValidityNeverExpires(t *testing.T) {
	tr := grant(t, 5, day0, points.AddOptions{})
	assert.True(t, tr.Add.ExpiresAt.IsZero())
}

func TestNewAddTransfer_TruncatesToSeconds(t *testing.T) {
	at := day0.Add(750 * time.Millisecond)
	tr := grant(t, 5, at, points.AddOptions{})
	assert.True(t, tr.CreatedAt.Equal(day0))
}

func TestNewTransfer_ValueBelowOneRejected(t *testing.T) {
	half := decimal.RequireFromString("0.5")

	_, err := points.NewAddTransfer(points.NewTransferID(), half, day0, points.AddOptions{})
	assert.ErrorIs(t, err, points.ErrInvalidAmount)

	_, err = points.NewSpendTransfer(points.NewTransferID(), half, day0, points.SpendOptions{})
	assert.ErrorIs(t, err, points.ErrInvalidAmount)

	_, err = points.NewAddTransfer(points.NewTransferID(), decimal.RequireFromString("1.5"), day0, points.AddOptions{})
	assert.NoError(t, err, "fractions above one are allowed")
}

func TestNewAddTransfer_MirroredGrantMayBeBelowOne(t *testing.T) {
	// GIVEN: a grant carved from half a point left on the sender
	tr, err := points.NewAddTransfer(points.NewTransferID(), decimal.RequireFromString("0.5"), day0, points.AddOptions{
		PeerAccountID:     points.NewAccountID(),
		RelatedTransferID: points.NewTransferID(),
	})

	// THEN
	require.NoError(t, err)
	assert.True(t, tr.Add.AvailableAmount.Equal(decimal.RequireFromString("0.5")))
}

func TestNewTransfer_RejectsInvalidInput(t *testing.T) {
	id := points.NewTransferID()

	_, err := points.NewAddTransfer(id, decimal.Zero, day0, points.AddOptions{})
	assert.ErrorIs(t, err, points.ErrInvalidAmount)

	_, err = points.NewSpendTransfer(id, pts(-3), day0, points.SpendOptions{})
	assert.ErrorIs(t, err, points.ErrInvalidAmount)

	_, err = points.NewAddTransfer(id, pts(1), day0, points.AddOptions{ValidityDays: points.Days(-1)})
	assert.ErrorIs(t, err, points.ErrInvalidTransfer)

	_, err = points.NewAddTransfer(id, pts(1), day0, points.AddOptions{LockDays: points.Days(-1)})
	assert.ErrorIs(t, err, points.ErrInvalidTransfer)

	_, err = points.NewAddTransfer(points.TransferID{}, pts(1), day0, points.AddOptions{})
	assert.ErrorIs(t, err, points.ErrInvalidTransfer)

	_, err = points.NewSpendTransfer(id, pts(1), day0, points.SpendOptions{Issuer: "robot"})
	assert.ErrorIs(t, err, points.ErrInvalidTransfer)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestUpdateAvailableAmount_Bounds(t *testing.T) {
	tr := grant(t, 100, day0, points.AddOptions{})

	require.NoError(t, tr.UpdateAvailableAmount(pts(40)))
	assertPoints(t, 40, tr.Available())

	require.NoError(t, tr.UpdateAvailableAmount(decimal.Zero))
	assertPoints(t, 0, tr.Available())

	err := tr.UpdateAvailableAmount(pts(101))
	assert.ErrorIs(t, err, points.ErrInvalidAmount, "cannot resurrect more than value")

	err = tr.UpdateAvailableAmount(pts(-1))
	assert.ErrorIs(t, err, points.ErrInvalidAmount)
	assertPoints(t, 0, tr.Available(), "failed update leaves amount unchanged")

	sp := spend(t, 10, day0)
	assert.ErrorIs(t, sp.UpdateAvailableAmount(pts(1)), points.ErrInvalidTransfer)
}

func TestCancelExpireUnlock_Flags(t *testing.T) {
	tr := grant(t, 10, day0, points.AddOptions{LockDays: points.Days(1)})
	lockedUntil := tr.Add.LockedUntil

	tr.Unlock()
	assert.False(t, tr.Locked())
	assert.True(t, tr.Add.LockedUntil.Equal(lockedUntil), "unlock keeps LockedUntil")
	assert.True(t, tr.Spendable())

	tr.Expire()
	tr.Expire()
	assert.True(t, tr.Expired())
	assert.True(t, tr.Terminal())
	assert.False(t, tr.Spendable())

	other := grant(t, 10, day0, points.AddOptions{})
	other.Cancel()
	other.Cancel()
	assert.True(t, other.Canceled)
	assert.False(t, other.Spendable())
}

func TestClone_DoesNotSharePayload(t *testing.T) {
	tr := grant(t, 10, day0, points.AddOptions{})
	c := tr.Clone()
	require.NoError(t, c.UpdateAvailableAmount(pts(3)))

	assertPoints(t, 10, tr.Available())
	assertPoints(t, 3, c.Available())
}

func TestIsReversal(t *testing.T) {
	rev, err := points.NewSpendTransfer(points.NewTransferID(), pts(5), day0, points.SpendOptions{RevisedTransactionID: "tx-9"})
	require.NoError(t, err)
	assert.True(t, rev.IsReversal())
	assert.False(t, spend(t, 5, day0).IsReversal())
	assert.False(t, grant(t, 5, day0, points.AddOptions{}).IsReversal())
}

func TestNewAddTransfer_ZeroLockIsNotLocked(t *testing.T) {
	tr := grant(t, 5, day0, points.AddOptions{LockDays: points.Days(0), ValidityDays: points.Days(3)})
	assert.False(t, tr.Locked())
	assert.True(t, tr.Add.LockedUntil.IsZero())
	assert.True(t, tr.Add.ExpiresAt.Equal(day0.AddDate(0, 0, 3)))
}
