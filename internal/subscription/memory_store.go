package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/unexplainedarchive/paycore/internal/idgen"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	customers map[string]string        // customer id -> user id
	byProvID  map[string]*Subscription // provider sub id -> subscription
	byUser    map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers: make(map[string]string),
		byProvID:  make(map[string]*Subscription),
		byUser:    make(map[string]*Subscription),
	}
}

func (m *MemoryStore) LinkCustomer(_ context.Context, userID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[customerID] = userID
	return nil
}

func (m *MemoryStore) UserByCustomer(_ context.Context, customerID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userID, ok := m.customers[customerID]
	if !ok {
		return "", ErrUnknownCustomer
	}
	return userID, nil
}

func (m *MemoryStore) Upsert(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *sub
	if existing, ok := m.byProvID[sub.ProviderSubID]; ok {
		stored.ID = existing.ID
	} else if stored.ID == "" {
		stored.ID = idgen.WithPrefix("sub_")
	}
	m.byProvID[stored.ProviderSubID] = &stored
	m.byUser[stored.UserID] = &stored
	sub.ID = stored.ID
	return nil
}

func (m *MemoryStore) Cancel(_ context.Context, providerSubID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.byProvID[providerSubID]
	if !ok {
		return ErrNotFound
	}
	sub.Status = StatusCanceled
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetByUser(_ context.Context, userID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sub
	return &copied, nil
}
