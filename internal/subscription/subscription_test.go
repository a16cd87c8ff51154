package subscription

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLinkAndResolveCustomer(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	if err := svc.LinkCustomer(ctx, "u1", "cus_123"); err != nil {
		t.Fatalf("LinkCustomer failed: %v", err)
	}

	userID, err := svc.UserByCustomer(ctx, "cus_123")
	if err != nil {
		t.Fatalf("UserByCustomer failed: %v", err)
	}
	if userID != "u1" {
		t.Errorf("user = %q, want u1", userID)
	}

	if _, err := svc.UserByCustomer(ctx, "cus_unknown"); !errors.Is(err, ErrUnknownCustomer) {
		t.Errorf("err = %v, want ErrUnknownCustomer", err)
	}
}

func TestLinkCustomerValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	if err := svc.LinkCustomer(ctx, "", "cus_123"); !errors.Is(err, ErrUnknownCustomer) {
		t.Errorf("empty user err = %v, want ErrUnknownCustomer", err)
	}
	if err := svc.LinkCustomer(ctx, "u1", ""); !errors.Is(err, ErrUnknownCustomer) {
		t.Errorf("empty customer err = %v, want ErrUnknownCustomer", err)
	}
}

func TestHandleUpdated(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	if err := svc.LinkCustomer(ctx, "u1", "cus_123"); err != nil {
		t.Fatal(err)
	}

	periodEnd := time.Now().Add(30 * 24 * time.Hour)
	err := svc.HandleUpdated(ctx, "cus_123", &Subscription{
		ProviderSubID:    "sub_abc",
		Status:           StatusActive,
		PlanType:         "premium_monthly",
		CurrentPeriodEnd: periodEnd,
	})
	if err != nil {
		t.Fatalf("HandleUpdated failed: %v", err)
	}

	sub, err := svc.GetByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}
	if sub.Status != StatusActive {
		t.Errorf("status = %q, want active", sub.Status)
	}
	if sub.UserID != "u1" {
		t.Errorf("user = %q, want u1", sub.UserID)
	}
}

func TestHandleUpdatedUnknownCustomer(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	err := svc.HandleUpdated(ctx, "cus_ghost", &Subscription{ProviderSubID: "sub_abc", Status: StatusActive})
	if !errors.Is(err, ErrUnknownCustomer) {
		t.Errorf("err = %v, want ErrUnknownCustomer", err)
	}
}

func TestHandleUpdatedIsUpsert(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	if err := svc.LinkCustomer(ctx, "u1", "cus_123"); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleUpdated(ctx, "cus_123", &Subscription{ProviderSubID: "sub_abc", Status: StatusTrialing}); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleUpdated(ctx, "cus_123", &Subscription{ProviderSubID: "sub_abc", Status: StatusActive, CancelAtPeriodEnd: true}); err != nil {
		t.Fatal(err)
	}

	sub, _ := svc.GetByUser(ctx, "u1")
	if sub.Status != StatusActive {
		t.Errorf("status = %q, want active", sub.Status)
	}
	if !sub.CancelAtPeriodEnd {
		t.Error("expected cancel_at_period_end to be true after update")
	}
}

func TestHandleDeleted(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	if err := svc.LinkCustomer(ctx, "u1", "cus_123"); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleUpdated(ctx, "cus_123", &Subscription{ProviderSubID: "sub_abc", Status: StatusActive}); err != nil {
		t.Fatal(err)
	}

	if err := svc.HandleDeleted(ctx, "sub_abc"); err != nil {
		t.Fatalf("HandleDeleted failed: %v", err)
	}

	sub, _ := svc.GetByUser(ctx, "u1")
	if sub.Status != StatusCanceled {
		t.Errorf("status = %q, want canceled", sub.Status)
	}

	if err := svc.HandleDeleted(ctx, "sub_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
