// Package notify persists user-facing notifications emitted by payment flows
// (payout completed, payout failed, funds returned). Delivery to the user is
// fire-and-forget: a failed write is logged and swallowed so it can never
// fail the money movement that triggered it.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/unexplainedarchive/paycore/internal/idgen"
)

// Notification is a stored message for a user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Notification, error)
}

// Service writes notifications. It satisfies the Notifier interfaces of the
// packages that emit them.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Notify stores a notification. Errors are logged, never returned.
func (s *Service) Notify(ctx context.Context, userID, kind, message string) {
	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, n); err != nil {
		s.logger.Error("failed to store notification",
			"user_id", userID,
			"kind", kind,
			"error", err)
	}
}

// ListByUser returns a user's most recent notifications.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	notifications []*Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *n
	m.notifications = append(m.notifications, &copied)
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		if m.notifications[i].UserID != userID {
			continue
		}
		copied := *m.notifications[i]
		result = append(result, &copied)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
