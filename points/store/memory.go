// Package store provides in-memory EventStore implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/points-ledger/points"
)

// =============================================================================
// MEMORY STORE - In-memory event streams (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	streams map[points.AccountID][]points.Record
	seen    map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		streams: make(map[points.AccountID][]points.Record),
		seen:    make(map[string]bool),
	}
}

// Append adds records to the stream of id if it is still at
// expectedVersion. All or nothing.
func (m *Memory) Append(_ context.Context, id points.AccountID, expectedVersion int, records []points.Record) error {
	if err := points.CheckAppend(id, expectedVersion, records); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.streams[id]) != expectedVersion {
		return points.ErrConcurrentModification
	}
	for _, r := range records {
		if m.seen[r.ID] {
			return points.ErrConcurrentModification
		}
	}

	stream := m.streams[id]
	for _, r := range records {
		stream = append(stream, copyRecord(r))
		m.seen[r.ID] = true
	}
	m.streams[id] = stream
	return nil
}

// Load returns a copy of the stream of id.
func (m *Memory) Load(_ context.Context, id points.AccountID) ([]points.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream := m.streams[id]
	result := make([]points.Record, len(stream))
	for i, r := range stream {
		result[i] = copyRecord(r)
	}
	return result, nil
}

// Accounts lists every stream, ordered by id.
func (m *Memory) Accounts(_ context.Context) ([]points.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]points.AccountID, 0, len(m.streams))
	for id := range m.streams {
		accounts = append(accounts, id)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].String() < accounts[j].String()
	})
	return accounts, nil
}

// Len returns the number of events in the stream of id.
func (m *Memory) Len(id points.AccountID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams[id])
}

func copyRecord(r points.Record) points.Record {
	r.Payload = append([]byte(nil), r.Payload...)
	return r
}

var (
	_ points.EventStore = (*Memory)(nil)
	_ points.Catalog    = (*Memory)(nil)
)
