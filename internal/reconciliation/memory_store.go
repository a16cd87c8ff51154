package reconciliation

import (
	"context"
	"errors"
	"sync"
)

// ErrNoSnapshot is returned when an account has no recorded run yet.
var ErrNoSnapshot = errors.New("reconciliation: no snapshot recorded")

// MemorySnapshotStore is an in-memory SnapshotStore for development and tests.
type MemorySnapshotStore struct {
	mu     sync.RWMutex
	latest map[AccountType]*Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{latest: make(map[AccountType]*Snapshot)}
}

func (m *MemorySnapshotStore) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *snap
	m.latest[snap.Account] = &copied
	return nil
}

func (m *MemorySnapshotStore) Latest(_ context.Context, account AccountType) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.latest[account]
	if !ok {
		return nil, ErrNoSnapshot
	}
	copied := *snap
	return &copied, nil
}
