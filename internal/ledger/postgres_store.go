package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/unexplainedarchive/paycore/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
//
// Idempotency is enforced by a unique index on (type, external_ref):
// duplicate deliveries hit ON CONFLICT DO NOTHING and are reported as
// ErrAlreadyApplied before any balance is touched. All multi-row writes
// run inside a single serializable transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			id          VARCHAR(36) PRIMARY KEY,
			user_id     VARCHAR(64) NOT NULL UNIQUE,
			balance     BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_wallet_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id              VARCHAR(36) PRIMARY KEY,
			type            VARCHAR(32) NOT NULL,
			amount          BIGINT NOT NULL,
			status          VARCHAR(16) NOT NULL,
			from_wallet_id  VARCHAR(36),
			to_wallet_id    VARCHAR(36),
			case_id         VARCHAR(64),
			external_ref    VARCHAR(255),
			metadata        JSONB,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_transaction_amount_pos CHECK (amount >= 0)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_type_ref_status
			ON transactions(type, external_ref, status) WHERE external_ref IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transactions_case ON transactions(case_id);

		CREATE TABLE IF NOT EXISTS case_escrow (
			case_id     VARCHAR(64) PRIMARY KEY,
			balance     BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_escrow_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS platform_revenue (
			id            VARCHAR(36) PRIMARY KEY,
			amount        BIGINT NOT NULL,
			type          VARCHAR(32) NOT NULL,
			reference_id  VARCHAR(255) NOT NULL,
			metadata      JSONB,
			created_at    TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_revenue_reference ON platform_revenue(reference_id);

		CREATE TABLE IF NOT EXISTS withdrawal_requests (
			id                  VARCHAR(36) PRIMARY KEY,
			user_id             VARCHAR(64) NOT NULL,
			amount              BIGINT NOT NULL,
			status              VARCHAR(16) NOT NULL DEFAULT 'pending',
			external_payout_id  VARCHAR(255),
			failure_reason      TEXT,
			retry_count         INT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawal_requests(user_id);
	`)
	return err
}

// upsertWallet gets or creates the wallet row for a user and returns its id.
func upsertWallet(ctx context.Context, tx *sql.Tx, userID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO wallets (id, user_id, balance, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id
	`, idgen.WithPrefix("wal_"), userID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert wallet: %w", err)
	}
	return id, nil
}

// insertTransaction inserts a transaction row with the dedup guard.
// Returns ErrAlreadyApplied when the (type, external_ref, status) triple
// exists. Status is part of the key so a failed payment attempt does not
// block the eventual successful retry on the same processor reference.
func insertTransaction(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	var metadata []byte
	if len(t.Metadata) > 0 {
		metadata, _ = json.Marshal(t.Metadata)
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, type, amount, status, from_wallet_id, to_wallet_id, case_id, external_ref, metadata, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, NOW())
		ON CONFLICT (type, external_ref, status) WHERE external_ref IS NOT NULL DO NOTHING
	`, idgen.WithPrefix("txn_"), t.Type, t.Amount, t.Status,
		t.FromWalletID, t.ToWalletID, t.CaseID, t.ExternalRef, metadata)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAlreadyApplied
	}
	return nil
}

// insertRevenue inserts a platform revenue row.
func insertRevenue(ctx context.Context, tx *sql.Tx, r *RevenueRecord) error {
	var metadata []byte
	if len(r.Metadata) > 0 {
		metadata, _ = json.Marshal(r.Metadata)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO platform_revenue (id, amount, type, reference_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, idgen.WithPrefix("rev_"), r.Amount, r.Type, r.ReferenceID, metadata)
	if err != nil {
		return fmt.Errorf("failed to record revenue: %w", err)
	}
	return nil
}

func (p *PostgresStore) Deposit(ctx context.Context, userID string, amount int64, externalRef string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	walletID, err := upsertWallet(ctx, tx, userID)
	if err != nil {
		return err
	}

	if err := insertTransaction(ctx, tx, &Transaction{
		Type:        TypeDeposit,
		Amount:      amount,
		Status:      StatusCompleted,
		ToWalletID:  walletID,
		ExternalRef: externalRef,
	}); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance + $2, updated_at = NOW() WHERE id = $1
	`, walletID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) CaseDonation(ctx context.Context, d DonationParams) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTransaction(ctx, tx, &Transaction{
		Type:        TypeDonation,
		Amount:      d.Gross,
		Status:      StatusCompleted,
		CaseID:      d.CaseID,
		ExternalRef: d.ExternalRef,
		Metadata: map[string]string{
			"user_id":      d.UserID,
			"platform_fee": FormatAmount(d.Fee),
			"net_amount":   FormatAmount(d.Net),
		},
	}); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO case_escrow (case_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (case_id) DO UPDATE SET
			balance    = case_escrow.balance + $2,
			updated_at = NOW()
	`, d.CaseID, d.Net)
	if err != nil {
		return fmt.Errorf("failed to fund escrow: %w", err)
	}

	if err := insertRevenue(ctx, tx, &RevenueRecord{
		Amount:      d.Fee,
		Type:        TypeDonation,
		ReferenceID: d.ExternalRef,
		Metadata:    map[string]string{"case_id": d.CaseID},
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) PlatformDonation(ctx context.Context, userID string, amount int64, externalRef string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTransaction(ctx, tx, &Transaction{
		Type:        TypePlatformDonation,
		Amount:      amount,
		Status:      StatusCompleted,
		ExternalRef: externalRef,
		Metadata:    map[string]string{"user_id": userID},
	}); err != nil {
		return err
	}

	if err := insertRevenue(ctx, tx, &RevenueRecord{
		Amount:      amount,
		Type:        TypePlatformDonation,
		ReferenceID: externalRef,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) SubscriptionFee(ctx context.Context, userID string, gross, fee int64, externalRef string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTransaction(ctx, tx, &Transaction{
		Type:        TypeSubscription,
		Amount:      gross,
		Status:      StatusCompleted,
		ExternalRef: externalRef,
		Metadata: map[string]string{
			"user_id":      userID,
			"platform_fee": FormatAmount(fee),
		},
	}); err != nil {
		return err
	}

	if err := insertRevenue(ctx, tx, &RevenueRecord{
		Amount:      fee,
		Type:        TypeSubscription,
		ReferenceID: externalRef,
		Metadata:    map[string]string{"user_id": userID},
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) RecordPurchase(ctx context.Context, pu PurchaseParams) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTransaction(ctx, tx, &Transaction{
		Type:        pu.Kind,
		Amount:      pu.Amount,
		Status:      StatusCompleted,
		CaseID:      pu.CaseID,
		ExternalRef: pu.ExternalRef,
		Metadata:    map[string]string{"user_id": pu.UserID},
	}); err != nil {
		return err
	}

	if err := insertRevenue(ctx, tx, &RevenueRecord{
		Amount:      pu.Amount,
		Type:        pu.Kind,
		ReferenceID: pu.ExternalRef,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) RecordFailedPayment(ctx context.Context, userID string, amount int64, externalRef, reason string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTransaction(ctx, tx, &Transaction{
		Type:        TypeDeposit,
		Amount:      amount,
		Status:      StatusFailed,
		ExternalRef: externalRef,
		Metadata: map[string]string{
			"user_id": userID,
			"reason":  reason,
		},
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) CreateWithdrawal(ctx context.Context, w *WithdrawalRequest) error {
	if w.ID == "" {
		w.ID = idgen.WithPrefix("wdr_")
	}
	if w.Status == "" {
		w.Status = WithdrawalPending
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (id, user_id, amount, status, external_payout_id, failure_reason, retry_count)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
	`, w.ID, w.UserID, w.Amount, w.Status, w.ExternalPayoutID, w.FailureReason, w.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to create withdrawal request: %w", err)
	}
	return nil
}

func (p *PostgresStore) ResolveWithdrawal(ctx context.Context, id string, status WithdrawalStatus, payoutID, reason string) (*WithdrawalRequest, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	compensate := status == WithdrawalFailed || status == WithdrawalCanceled

	w := &WithdrawalRequest{ID: id, Status: status, ExternalPayoutID: payoutID, FailureReason: reason}
	err = tx.QueryRowContext(ctx, `
		UPDATE withdrawal_requests SET
			status             = $2,
			external_payout_id = $3,
			failure_reason     = NULLIF($4, ''),
			retry_count        = retry_count + CASE WHEN $5 THEN 1 ELSE 0 END
		WHERE id = $1 AND status = 'pending'
		RETURNING user_id, amount, retry_count
	`, id, status, payoutID, reason, compensate).Scan(&w.UserID, &w.Amount, &w.RetryCount)
	if err == sql.ErrNoRows {
		// Either the request doesn't exist or a previous delivery already
		// moved it out of pending.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM withdrawal_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrAlreadyApplied
		}
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update withdrawal request: %w", err)
	}

	if compensate {
		walletID, err := upsertWallet(ctx, tx, w.UserID)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE wallets SET balance = balance + $2, updated_at = NOW() WHERE id = $1
		`, walletID, w.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to refund wallet: %w", err)
		}
		if err := insertTransaction(ctx, tx, &Transaction{
			Type:        TypeWithdrawal,
			Amount:      w.Amount,
			Status:      StatusFailed,
			ToWalletID:  walletID,
			ExternalRef: payoutID,
			Metadata: map[string]string{
				"withdrawal_request_id": w.ID,
				"reason":                reason,
			},
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, balance, updated_at FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.ID, &w.Balance, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) EscrowBalance(ctx context.Context, caseID string) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		SELECT balance FROM case_escrow WHERE case_id = $1
	`, caseID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*WithdrawalRequest, error) {
	w := &WithdrawalRequest{ID: id}
	var payoutID, reason sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, amount, status, external_payout_id, failure_reason, retry_count
		FROM withdrawal_requests WHERE id = $1
	`, id).Scan(&w.UserID, &w.Amount, &w.Status, &payoutID, &reason, &w.RetryCount)
	if err == sql.ErrNoRows {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	w.ExternalPayoutID = payoutID.String
	w.FailureReason = reason.String
	return w, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, from, to time.Time, limit int) ([]*Transaction, error) {
	var fromArg, toArg sql.NullTime
	if !from.IsZero() {
		fromArg = sql.NullTime{Time: from, Valid: true}
	}
	if !to.IsZero() {
		toArg = sql.NullTime{Time: to, Valid: true}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, amount, status, from_wallet_id, to_wallet_id, case_id, external_ref, metadata, created_at
		FROM transactions
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, fromArg, toArg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var fromWallet, toWallet, caseID, externalRef sql.NullString
		var metadata []byte
		if err := rows.Scan(&t.ID, &t.Type, &t.Amount, &t.Status,
			&fromWallet, &toWallet, &caseID, &externalRef, &metadata, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.FromWalletID = fromWallet.String
		t.ToWalletID = toWallet.String
		t.CaseID = caseID.String
		t.ExternalRef = externalRef.String
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &t.Metadata)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SummaryStats(ctx context.Context) (*Summary, error) {
	s := &Summary{TransactionCounts: make(map[TransactionType]int64)}

	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT SUM(amount) FROM transactions WHERE type = 'deposit' AND status = 'completed'), 0),
			COALESCE((SELECT SUM(amount) FROM platform_revenue), 0),
			COALESCE((SELECT SUM(balance) FROM wallets), 0),
			COALESCE((SELECT SUM(balance) FROM case_escrow), 0),
			COALESCE((SELECT SUM(amount) FROM withdrawal_requests WHERE status = 'pending'), 0)
	`).Scan(&s.TotalDeposits, &s.TotalRevenue, &s.WalletBalanceTotal, &s.EscrowTotal, &s.PendingWithdrawalTotal)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM transactions GROUP BY type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var typ TransactionType
		var count int64
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		s.TransactionCounts[typ] = count
	}
	return s, rows.Err()
}

func (p *PostgresStore) SumWalletBalances(ctx context.Context) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM wallets
	`).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) SumEscrowBalances(ctx context.Context) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM case_escrow
	`).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) SumPendingWithdrawals(ctx context.Context) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM withdrawal_requests WHERE status = 'pending'
	`).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) SumRevenue(ctx context.Context) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM platform_revenue
	`).Scan(&sum)
	return sum, err
}
