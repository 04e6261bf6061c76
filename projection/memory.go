package projection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/points-ledger/points"
)

// =============================================================================
// MEMORY STORE - In-memory views (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	views map[points.AccountID]View
}

func NewMemory() *Memory {
	return &Memory{views: make(map[points.AccountID]View)}
}

func (m *Memory) Put(_ context.Context, v View) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.views[v.AccountID]; ok && cur.Version >= v.Version {
		return false, nil
	}
	m.views[v.AccountID] = cloneView(v)
	return true, nil
}

func (m *Memory) Get(_ context.Context, id points.AccountID) (View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.views[id]
	if !ok {
		return View{}, points.ErrAccountNotFound
	}
	return cloneView(v), nil
}

func (m *Memory) DueForUnlock(_ context.Context, at time.Time) ([]Due, error) {
	return m.due(at, UnlockDue, func(t points.Transfer) time.Time { return t.Add.LockedUntil }), nil
}

func (m *Memory) DueForExpiry(_ context.Context, at time.Time) ([]Due, error) {
	return m.due(at, ExpiryDue, func(t points.Transfer) time.Time { return t.Add.ExpiresAt }), nil
}

func (m *Memory) due(at time.Time, match func(points.Transfer, time.Time) bool, deadline func(points.Transfer) time.Time) []Due {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Due
	for _, v := range m.views {
		for _, t := range v.Transfers {
			if match(t, at) {
				result = append(result, Due{AccountID: v.AccountID, TransferID: t.ID, At: deadline(t)})
			}
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].At.Equal(result[j].At) {
			return result[i].At.Before(result[j].At)
		}
		return result[i].TransferID.String() < result[j].TransferID.String()
	})
	return result
}

func cloneView(v View) View {
	transfers := make([]points.Transfer, len(v.Transfers))
	for i, t := range v.Transfers {
		transfers[i] = t.Clone()
	}
	v.Transfers = transfers
	return v
}

var _ Store = (*Memory)(nil)
