package points_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/points/store"
)

func TestRepository_SaveThenLoad(t *testing.T) {
	ctx := context.Background()
	repo := points.NewRepository(store.NewMemory())
	repo.Clock = func() time.Time { return day0 }

	acc := newAccount(t)
	require.NoError(t, acc.AddPoints(grant(t, 80, day0, points.AddOptions{})))
	require.NoError(t, acc.SpendPoints(spend(t, 30, day0)))

	records, err := repo.Save(ctx, acc)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, i+1, r.Version)
		assert.True(t, r.OccurredAt.Equal(day0))
	}
	assert.Equal(t, 3, acc.Version())
	assert.Empty(t, acc.Changes())

	loaded, err := repo.Load(ctx, acc.ID())
	require.NoError(t, err)
	assert.Equal(t, acc.CustomerID(), loaded.CustomerID())
	assert.Equal(t, 3, loaded.Version())
	assertPoints(t, 50, loaded.AvailableAmount())

	// Saving an account with nothing pending is a no-op
	records, err = repo.Save(ctx, loaded)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRepository_LoadUnknownAccount(t *testing.T) {
	repo := points.NewRepository(store.NewMemory())

	_, err := repo.Load(context.Background(), points.NewAccountID())
	assert.ErrorIs(t, err, points.ErrAccountNotFound)
	assert.True(t, points.IsNotFound(err))

	ok, err := repo.Exists(context.Background(), points.NewAccountID())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.History(context.Background(), points.NewAccountID())
	assert.ErrorIs(t, err, points.ErrAccountNotFound)
}

func TestRepository_ConcurrentWritersConflict(t *testing.T) {
	// GIVEN: two writers loaded the same version
	ctx := context.Background()
	repo := points.NewRepository(store.NewMemory())
	acc := newAccount(t)
	require.NoError(t, acc.AddPoints(grant(t, 100, day0, points.AddOptions{})))
	_, err := repo.Save(ctx, acc)
	require.NoError(t, err)

	w1, err := repo.Load(ctx, acc.ID())
	require.NoError(t, err)
	w2, err := repo.Load(ctx, acc.ID())
	require.NoError(t, err)

	// WHEN: both spend and save
	require.NoError(t, w1.SpendPoints(spend(t, 70, day0)))
	require.NoError(t, w2.SpendPoints(spend(t, 70, day0)))
	_, err = repo.Save(ctx, w1)
	require.NoError(t, err)
	_, err = repo.Save(ctx, w2)

	// THEN: the second is rejected and the stream holds one spend
	assert.ErrorIs(t, err, points.ErrConcurrentModification)
	assert.True(t, points.IsRetryable(err))

	reloaded, err := repo.Load(ctx, acc.ID())
	require.NoError(t, err)
	assertPoints(t, 30, reloaded.AvailableAmount())

	// AND: retrying on fresh state surfaces the real business error
	err = reloaded.SpendPoints(spend(t, 70, day0))
	var nep *points.NotEnoughPointsError
	require.True(t, errors.As(err, &nep))
	assertPoints(t, 30, nep.Available)
}

func TestRepository_LoadCorruptStream(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	repo := points.NewRepository(mem)
	id := points.NewAccountID()

	require.NoError(t, mem.Append(ctx, id, 0, []points.Record{
		{ID: "01JCORRUPT0000000000000000", AccountID: id, Version: 1, Type: points.EventAccountCreated, Payload: []byte(`{`)},
	}))

	_, err := repo.Load(ctx, id)
	assert.ErrorIs(t, err, points.ErrInconsistentState)
}

func TestRepository_History(t *testing.T) {
	ctx := context.Background()
	repo := points.NewRepository(store.NewMemory())
	acc := newAccount(t)
	require.NoError(t, acc.AddPoints(grant(t, 5, day0, points.AddOptions{})))
	_, err := repo.Save(ctx, acc)
	require.NoError(t, err)

	history, err := repo.History(ctx, acc.ID())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, points.EventAccountCreated, history[0].Type)
	assert.Equal(t, points.EventPointsAdded, history[1].Type)
}
