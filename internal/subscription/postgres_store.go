package subscription

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/unexplainedarchive/paycore/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the subscription tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_billing (
			user_id      VARCHAR(64) PRIMARY KEY,
			customer_id  VARCHAR(255) NOT NULL UNIQUE,
			created_at   TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id                    VARCHAR(36) PRIMARY KEY,
			user_id               VARCHAR(64) NOT NULL,
			provider_sub_id       VARCHAR(255) NOT NULL UNIQUE,
			status                VARCHAR(16) NOT NULL,
			plan_type             VARCHAR(32),
			current_period_start  TIMESTAMPTZ,
			current_period_end    TIMESTAMPTZ,
			cancel_at_period_end  BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at            TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id);
	`)
	return err
}

func (p *PostgresStore) LinkCustomer(ctx context.Context, userID, customerID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_billing (user_id, customer_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET customer_id = EXCLUDED.customer_id
	`, userID, customerID)
	if err != nil {
		return fmt.Errorf("failed to link customer: %w", err)
	}
	return nil
}

func (p *PostgresStore) UserByCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id FROM user_billing WHERE customer_id = $1
	`, customerID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrUnknownCustomer
	}
	return userID, err
}

func (p *PostgresStore) Upsert(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = idgen.WithPrefix("sub_")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, provider_sub_id, status, plan_type,
			current_period_start, current_period_end, cancel_at_period_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (provider_sub_id) DO UPDATE SET
			status               = EXCLUDED.status,
			plan_type            = EXCLUDED.plan_type,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end   = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			updated_at           = NOW()
	`, sub.ID, sub.UserID, sub.ProviderSubID, sub.Status, sub.PlanType,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) Cancel(ctx context.Context, providerSubID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = 'canceled', updated_at = NOW()
		WHERE provider_sub_id = $1
	`, providerSubID)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) (*Subscription, error) {
	sub := &Subscription{UserID: userID}
	var planType sql.NullString
	var periodStart, periodEnd sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, provider_sub_id, status, plan_type, current_period_start,
			current_period_end, cancel_at_period_end, updated_at
		FROM subscriptions WHERE user_id = $1
		ORDER BY updated_at DESC LIMIT 1
	`, userID).Scan(&sub.ID, &sub.ProviderSubID, &sub.Status, &planType,
		&periodStart, &periodEnd, &sub.CancelAtPeriodEnd, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.PlanType = planType.String
	sub.CurrentPeriodStart = periodStart.Time
	sub.CurrentPeriodEnd = periodEnd.Time
	return sub, nil
}
