//go:build integration

package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unexplainedarchive/paycore/internal/testutil"
)

func TestPostgres_LinkAndResolveCustomer(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.LinkCustomer(ctx, "pg_sub_u1", "cus_pg_1"); err != nil {
		t.Fatalf("LinkCustomer failed: %v", err)
	}

	userID, err := store.UserByCustomer(ctx, "cus_pg_1")
	if err != nil {
		t.Fatalf("UserByCustomer failed: %v", err)
	}
	if userID != "pg_sub_u1" {
		t.Errorf("userID: got %s, want pg_sub_u1", userID)
	}

	// Re-linking the same user to a new customer replaces the mapping.
	if err := store.LinkCustomer(ctx, "pg_sub_u1", "cus_pg_2"); err != nil {
		t.Fatalf("LinkCustomer (relink) failed: %v", err)
	}
	if _, err := store.UserByCustomer(ctx, "cus_pg_2"); err != nil {
		t.Errorf("UserByCustomer after relink failed: %v", err)
	}

	if _, err := store.UserByCustomer(ctx, "cus_missing"); !errors.Is(err, ErrUnknownCustomer) {
		t.Errorf("expected ErrUnknownCustomer, got %v", err)
	}
}

func TestPostgres_UpsertPreservesID(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	sub := &Subscription{
		UserID:             "pg_sub_u2",
		ProviderSubID:      "sub_pg_1",
		Status:             StatusActive,
		PlanType:           "monthly",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(30 * 24 * time.Hour),
	}
	if err := store.Upsert(ctx, sub); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	firstID := sub.ID
	if firstID == "" {
		t.Fatal("expected generated subscription ID")
	}

	// Second delivery for the same provider subscription updates in place.
	update := &Subscription{
		UserID:        "pg_sub_u2",
		ProviderSubID: "sub_pg_1",
		Status:        StatusPastDue,
		PlanType:      "monthly",
	}
	if err := store.Upsert(ctx, update); err != nil {
		t.Fatalf("Upsert (update) failed: %v", err)
	}

	got, err := store.GetByUser(ctx, "pg_sub_u2")
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}
	if got.ID != firstID {
		t.Errorf("ID: got %s, want %s", got.ID, firstID)
	}
	if got.Status != StatusPastDue {
		t.Errorf("Status: got %s, want %s", got.Status, StatusPastDue)
	}
}

func TestPostgres_Cancel(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	sub := &Subscription{
		UserID:        "pg_sub_u3",
		ProviderSubID: "sub_pg_2",
		Status:        StatusActive,
	}
	if err := store.Upsert(ctx, sub); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := store.Cancel(ctx, "sub_pg_2"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, err := store.GetByUser(ctx, "pg_sub_u3")
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}
	if got.Status != StatusCanceled {
		t.Errorf("Status: got %s, want %s", got.Status, StatusCanceled)
	}

	if err := store.Cancel(ctx, "sub_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
