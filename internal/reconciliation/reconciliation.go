// Package reconciliation compares ledger totals against payment provider
// account balances.
//
// Two provider accounts back the ledger: the operations account holds user
// money (wallet balances, case escrow, and withdrawals in flight) and the
// revenue account holds platform earnings. A run sums each side, takes the
// difference, and flags drift above the configured threshold.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LedgerSummer exposes the ledger aggregates a run needs.
type LedgerSummer interface {
	SumWalletBalances(ctx context.Context) (int64, error)
	SumEscrowBalances(ctx context.Context) (int64, error)
	SumPendingWithdrawals(ctx context.Context) (int64, error)
	SumRevenue(ctx context.Context) (int64, error)
}

// BalanceProvider returns a provider account's balance in minor units.
type BalanceProvider interface {
	AccountBalance(ctx context.Context, accountID string) (int64, error)
}

// AccountType identifies which provider account a check covers.
type AccountType string

const (
	AccountOperations AccountType = "operations"
	AccountRevenue    AccountType = "revenue"
)

// Check is the outcome for one provider account.
type Check struct {
	Account  AccountType `json:"account"`
	Expected int64       `json:"expected"` // ledger-side total
	Actual   int64       `json:"actual"`   // provider-side balance
	Diff     int64       `json:"diff"`     // actual minus expected
	Match    bool        `json:"match"`
	Error    string      `json:"error,omitempty"` // set when the balance fetch was skipped
}

// Result is the outcome of a full reconciliation run, keyed by account.
type Result struct {
	Operations *Check    `json:"operations,omitempty"`
	Revenue    *Check    `json:"revenue,omitempty"`
	Match      bool      `json:"match"`
	Timestamp  time.Time `json:"timestamp"`
}

// checks returns the per-account outcomes that were actually produced.
func (r *Result) checks() []*Check {
	var out []*Check
	for _, c := range []*Check{r.Operations, r.Revenue} {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot is a persisted per-account run outcome, kept for trend queries.
type Snapshot struct {
	Account  AccountType `json:"account"`
	Expected int64       `json:"expected"`
	Actual   int64       `json:"actual"`
	Diff     int64       `json:"diff"`
	RunAt    time.Time   `json:"runAt"`
}

// SnapshotStore persists the latest snapshot per account.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Latest(ctx context.Context, account AccountType) (*Snapshot, error)
}

// Service performs reconciliation runs.
type Service struct {
	summer         LedgerSummer
	provider       BalanceProvider
	snapshots      SnapshotStore
	operationsAcct string
	revenueAcct    string
	alertThreshold int64
	logger         *slog.Logger
}

// NewService creates a reconciliation service. snapshots may be nil.
func NewService(summer LedgerSummer, provider BalanceProvider, snapshots SnapshotStore,
	operationsAcct, revenueAcct string, alertThreshold int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		summer:         summer,
		provider:       provider,
		snapshots:      snapshots,
		operationsAcct: operationsAcct,
		revenueAcct:    revenueAcct,
		alertThreshold: alertThreshold,
		logger:         logger,
	}
}

// Run executes one reconciliation pass over both accounts.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	opsExpected, err := s.expectedOperations(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	revExpected, err := s.summer.SumRevenue(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to sum revenue: %w", err)
	}

	result := &Result{Timestamp: start.UTC(), Match: true}
	for _, check := range []struct {
		account  AccountType
		acctID   string
		expected int64
		slot     **Check
	}{
		{AccountOperations, s.operationsAcct, opsExpected, &result.Operations},
		{AccountRevenue, s.revenueAcct, revExpected, &result.Revenue},
	} {
		actual, err := s.provider.AccountBalance(ctx, check.acctID)
		if err != nil {
			// Skip this account but keep checking the other one. The
			// previous snapshot is left in place, not zeroed.
			reconcileErrors.Inc()
			s.logger.Error("balance fetch failed, skipping account",
				"account", string(check.account),
				"error", err)
			*check.slot = &Check{
				Account:  check.account,
				Expected: check.expected,
				Error:    err.Error(),
			}
			continue
		}

		diff := actual - check.expected
		match := abs(diff) <= s.alertThreshold
		if !match {
			result.Match = false
			s.logger.Warn("reconciliation drift detected",
				"account", string(check.account),
				"expected", check.expected,
				"actual", actual,
				"diff", diff)
		}
		reconcileDrift.WithLabelValues(string(check.account)).Set(float64(diff))

		*check.slot = &Check{
			Account:  check.account,
			Expected: check.expected,
			Actual:   actual,
			Diff:     diff,
			Match:    match,
		}
		s.saveSnapshot(ctx, check.account, check.expected, actual, diff, result.Timestamp)
	}

	if result.Match {
		reconcileMismatches.Set(0)
	} else {
		mismatches := 0
		for _, c := range result.checks() {
			if !c.Match && c.Error == "" {
				mismatches++
			}
		}
		reconcileMismatches.Set(float64(mismatches))
	}

	s.logger.Info("reconciliation run complete",
		"match", result.Match,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// expectedOperations is everything the platform holds on behalf of users:
// wallet balances, case escrow, and withdrawals still in flight.
func (s *Service) expectedOperations(ctx context.Context) (int64, error) {
	wallets, err := s.summer.SumWalletBalances(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sum wallet balances: %w", err)
	}
	escrow, err := s.summer.SumEscrowBalances(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sum escrow balances: %w", err)
	}
	pending, err := s.summer.SumPendingWithdrawals(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pending withdrawals: %w", err)
	}
	return wallets + escrow + pending, nil
}

func (s *Service) saveSnapshot(ctx context.Context, account AccountType, expected, actual, diff int64, runAt time.Time) {
	if s.snapshots == nil {
		return
	}
	err := s.snapshots.Save(ctx, &Snapshot{
		Account:  account,
		Expected: expected,
		Actual:   actual,
		Diff:     diff,
		RunAt:    runAt,
	})
	if err != nil {
		s.logger.Error("failed to save reconciliation snapshot",
			"account", string(account),
			"error", err)
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
