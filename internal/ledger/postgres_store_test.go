//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM transactions")
		db.ExecContext(ctx, "DELETE FROM platform_revenue")
		db.ExecContext(ctx, "DELETE FROM withdrawal_requests")
		db.ExecContext(ctx, "DELETE FROM case_escrow")
		db.ExecContext(ctx, "DELETE FROM wallets")
		db.Close()
	}

	return store, cleanup
}

func TestPostgres_DepositCreatesWallet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	if err := store.Deposit(ctx, "pg_u1", 2500, "pi_pg_1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	wallet, err := store.GetWallet(ctx, "pg_u1")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if wallet.Balance != 2500 {
		t.Errorf("Expected balance 2500, got %d", wallet.Balance)
	}
}

func TestPostgres_DuplicateExternalRef(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	if err := store.Deposit(ctx, "pg_u2", 1000, "pi_pg_dup"); err != nil {
		t.Fatalf("First deposit failed: %v", err)
	}

	err := store.Deposit(ctx, "pg_u2", 1000, "pi_pg_dup")
	if !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("Expected ErrAlreadyApplied, got %v", err)
	}

	wallet, _ := store.GetWallet(ctx, "pg_u2")
	if wallet.Balance != 1000 {
		t.Errorf("Expected balance 1000 after duplicate, got %d", wallet.Balance)
	}
}

func TestPostgres_DepositAfterFailedAttempt(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// Declined attempt and successful retry share the payment intent id.
	if err := store.RecordFailedPayment(ctx, "pg_u_retry", 500, "pi_pg_retry", "card_declined"); err != nil {
		t.Fatalf("RecordFailedPayment failed: %v", err)
	}
	if err := store.Deposit(ctx, "pg_u_retry", 500, "pi_pg_retry"); err != nil {
		t.Fatalf("Deposit after failed attempt: %v", err)
	}

	wallet, err := store.GetWallet(ctx, "pg_u_retry")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if wallet.Balance != 500 {
		t.Errorf("Expected balance 500, got %d", wallet.Balance)
	}

	if err := store.Deposit(ctx, "pg_u_retry", 500, "pi_pg_retry"); !errors.Is(err, ErrAlreadyApplied) {
		t.Errorf("Duplicate deposit err = %v, want ErrAlreadyApplied", err)
	}
}

func TestPostgres_CaseDonationSplit(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	err := store.CaseDonation(ctx, DonationParams{
		CaseID:      "pg_case1",
		UserID:      "pg_u3",
		Gross:       1000,
		Fee:         100,
		Net:         900,
		ExternalRef: "pi_pg_don",
	})
	if err != nil {
		t.Fatalf("CaseDonation failed: %v", err)
	}

	escrow, err := store.EscrowBalance(ctx, "pg_case1")
	if err != nil {
		t.Fatalf("EscrowBalance failed: %v", err)
	}
	if escrow != 900 {
		t.Errorf("Expected escrow 900, got %d", escrow)
	}

	revenue, _ := store.SumRevenue(ctx)
	if revenue != 100 {
		t.Errorf("Expected revenue 100, got %d", revenue)
	}
}

func TestPostgres_FailedPayoutRefund(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	if err := store.CreateWithdrawal(ctx, &WithdrawalRequest{ID: "pg_w1", UserID: "pg_u4", Amount: 2000}); err != nil {
		t.Fatalf("CreateWithdrawal failed: %v", err)
	}

	w, err := store.ResolveWithdrawal(ctx, "pg_w1", WithdrawalFailed, "po_pg_1", "account_closed")
	if err != nil {
		t.Fatalf("ResolveWithdrawal failed: %v", err)
	}
	if w.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", w.RetryCount)
	}

	wallet, err := store.GetWallet(ctx, "pg_u4")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if wallet.Balance != 2000 {
		t.Errorf("Expected refunded balance 2000, got %d", wallet.Balance)
	}

	// second delivery must not refund again
	_, err = store.ResolveWithdrawal(ctx, "pg_w1", WithdrawalFailed, "po_pg_1", "account_closed")
	if !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("Expected ErrAlreadyApplied, got %v", err)
	}
	wallet, _ = store.GetWallet(ctx, "pg_u4")
	if wallet.Balance != 2000 {
		t.Errorf("Expected balance 2000 after duplicate, got %d", wallet.Balance)
	}
}

func TestPostgres_CompletedPayoutNoBalanceChange(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	if err := store.CreateWithdrawal(ctx, &WithdrawalRequest{ID: "pg_w2", UserID: "pg_u5", Amount: 1500}); err != nil {
		t.Fatalf("CreateWithdrawal failed: %v", err)
	}

	if _, err := store.ResolveWithdrawal(ctx, "pg_w2", WithdrawalCompleted, "po_pg_2", ""); err != nil {
		t.Fatalf("ResolveWithdrawal failed: %v", err)
	}

	if _, err := store.GetWallet(ctx, "pg_u5"); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("Expected no wallet after completed payout, got %v", err)
	}

	w, _ := store.GetWithdrawal(ctx, "pg_w2")
	if w.Status != WithdrawalCompleted {
		t.Errorf("Expected status completed, got %s", w.Status)
	}
}

func TestPostgres_ConcurrentDuplicateDeliveries(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// 10 concurrent deliveries of the same event: exactly one credit lands
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Deposit(ctx, "pg_u6", 500, "pi_pg_race")
		}()
	}
	wg.Wait()

	wallet, err := store.GetWallet(ctx, "pg_u6")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if wallet.Balance != 500 {
		t.Errorf("Expected balance 500 after concurrent duplicates, got %d", wallet.Balance)
	}
}
