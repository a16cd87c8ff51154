// Package subscription tracks premium subscription state driven by billing
// provider webhooks, and the customer-to-user mapping those webhooks need.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var (
	ErrUnknownCustomer = errors.New("subscription: unknown customer")
	ErrNotFound        = errors.New("subscription: not found")
)

// Status mirrors the provider-side subscription status.
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusTrialing Status = "trialing"
)

// Subscription is the local record of a user's premium subscription.
type Subscription struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	ProviderSubID      string    `json:"providerSubId"`
	Status             Status    `json:"status"`
	PlanType           string    `json:"planType"`
	CurrentPeriodStart time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time `json:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool      `json:"cancelAtPeriodEnd"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Store persists subscriptions and the billing-customer mapping.
type Store interface {
	// LinkCustomer records that a provider customer id belongs to a user.
	// Linking the same pair again is a no-op.
	LinkCustomer(ctx context.Context, userID, customerID string) error

	// UserByCustomer resolves a provider customer id to a platform user id.
	UserByCustomer(ctx context.Context, customerID string) (string, error)

	// Upsert creates or replaces the subscription keyed by provider sub id.
	Upsert(ctx context.Context, sub *Subscription) error

	// Cancel marks the subscription canceled. Unknown ids return ErrNotFound.
	Cancel(ctx context.Context, providerSubID string) error

	// GetByUser returns a user's current subscription, or ErrNotFound.
	GetByUser(ctx context.Context, userID string) (*Subscription, error)
}

// Service applies webhook-driven subscription updates.
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

// LinkCustomer records the customer mapping established at checkout.
func (s *Service) LinkCustomer(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return ErrUnknownCustomer
	}
	return s.store.LinkCustomer(ctx, userID, customerID)
}

// HandleUpdated applies a subscription created/updated event. The user is
// resolved from the provider customer id recorded at checkout.
func (s *Service) HandleUpdated(ctx context.Context, customerID string, sub *Subscription) error {
	userID, err := s.store.UserByCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	sub.UserID = userID
	sub.UpdatedAt = time.Now().UTC()

	if err := s.store.Upsert(ctx, sub); err != nil {
		return err
	}
	s.logger.Info("subscription updated",
		"user_id", userID,
		"status", string(sub.Status),
		"plan", sub.PlanType)
	return nil
}

// HandleDeleted applies a subscription deleted event.
func (s *Service) HandleDeleted(ctx context.Context, providerSubID string) error {
	if err := s.store.Cancel(ctx, providerSubID); err != nil {
		return err
	}
	s.logger.Info("subscription canceled", "provider_sub_id", providerSubID)
	return nil
}

// UserByCustomer resolves a provider customer id to a user id.
func (s *Service) UserByCustomer(ctx context.Context, customerID string) (string, error) {
	return s.store.UserByCustomer(ctx, customerID)
}

// GetByUser returns a user's subscription.
func (s *Service) GetByUser(ctx context.Context, userID string) (*Subscription, error) {
	return s.store.GetByUser(ctx, userID)
}
