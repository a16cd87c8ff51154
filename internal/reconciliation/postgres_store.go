package reconciliation

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresSnapshotStore persists the latest snapshot per account.
type PostgresSnapshotStore struct {
	db *sql.DB
}

func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

// Migrate creates the snapshot table.
func (p *PostgresSnapshotStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reconciliation_snapshots (
			account_type  VARCHAR(16) PRIMARY KEY,
			expected      BIGINT NOT NULL,
			actual        BIGINT NOT NULL,
			diff          BIGINT NOT NULL,
			run_at        TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (p *PostgresSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciliation_snapshots (account_type, expected, actual, diff, run_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_type) DO UPDATE SET
			expected = EXCLUDED.expected,
			actual   = EXCLUDED.actual,
			diff     = EXCLUDED.diff,
			run_at   = EXCLUDED.run_at
	`, snap.Account, snap.Expected, snap.Actual, snap.Diff, snap.RunAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (p *PostgresSnapshotStore) Latest(ctx context.Context, account AccountType) (*Snapshot, error) {
	snap := &Snapshot{Account: account}
	err := p.db.QueryRowContext(ctx, `
		SELECT expected, actual, diff, run_at
		FROM reconciliation_snapshots WHERE account_type = $1
	`, account).Scan(&snap.Expected, &snap.Actual, &snap.Diff, &snap.RunAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}
