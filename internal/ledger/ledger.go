// Package ledger is the system of record for platform money movement.
//
// Flow:
//  1. Stripe confirms a payment (deposit, donation, subscription, purchase)
//  2. The webhook router calls one mutator per event
//  3. Each mutator applies exactly one money-movement rule atomically
//  4. The reconciliation job cross-checks ledger totals against Stripe
//
// All amounts are integers in minor currency units (cents) end to end.
// Transactions are append-only: corrections are new rows, never edits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
	ErrMissingReference   = errors.New("ledger: missing external reference")
	ErrFeeMismatch        = errors.New("ledger: fee and net do not sum to gross")
	ErrAlreadyApplied     = errors.New("ledger: event already applied")
	ErrWalletNotFound     = errors.New("ledger: wallet not found")
	ErrWithdrawalNotFound = errors.New("ledger: withdrawal request not found")
)

// TransactionType classifies a money movement.
type TransactionType string

const (
	TypeDeposit          TransactionType = "deposit"
	TypeDonation         TransactionType = "donation"
	TypePlatformDonation TransactionType = "platform_donation"
	TypePlatformFee      TransactionType = "platform_fee"
	TypeSubscription     TransactionType = "subscription"
	TypeCaseBoost        TransactionType = "case_boost"
	TypeBackgroundCheck  TransactionType = "background_check"
	TypeWithdrawal       TransactionType = "withdrawal"
)

// TransactionStatus is the lifecycle state of a transaction row.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// WithdrawalStatus is the lifecycle state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalFailed    WithdrawalStatus = "failed"
	WithdrawalCanceled  WithdrawalStatus = "canceled"
)

// Fee percentages in basis points.
const (
	CaseDonationFeeBps = 1000 // 10% platform fee on case donations
	SubscriptionFeeBps = 500  // 5% of subscription checkouts recognized as revenue
)

// Fee computes a basis-point fee on amount, rounding half up.
func Fee(amount, bps int64) int64 {
	return (amount*bps + 5000) / 10000
}

// Wallet holds a user's platform balance. Created lazily on first deposit.
type Wallet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"` // never negative
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transaction is an immutable audit record of a single money movement.
// Amount is always positive; direction is implied by type and wallet refs.
type Transaction struct {
	ID           string            `json:"id"`
	Type         TransactionType   `json:"type"`
	Amount       int64             `json:"amount"`
	Status       TransactionStatus `json:"status"`
	FromWalletID string            `json:"fromWalletId,omitempty"`
	ToWalletID   string            `json:"toWalletId,omitempty"`
	CaseID       string            `json:"caseId,omitempty"`
	ExternalRef  string            `json:"externalRef,omitempty"` // processor event/payment id, dedup key
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// RevenueRecord is money the platform has earned outright, as opposed to
// wallet balances and escrow held on behalf of users.
type RevenueRecord struct {
	ID          string            `json:"id"`
	Amount      int64             `json:"amount"`
	Type        TransactionType   `json:"type"`
	ReferenceID string            `json:"referenceId"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// WithdrawalRequest tracks a user payout. Created when the user requests a
// payout (the wallet is debited at that point, outside this package); the
// payout webhook handlers drive the terminal transitions.
type WithdrawalRequest struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	Amount           int64            `json:"amount"`
	Status           WithdrawalStatus `json:"status"`
	ExternalPayoutID string           `json:"externalPayoutId,omitempty"`
	FailureReason    string           `json:"failureReason,omitempty"`
	RetryCount       int              `json:"retryCount"`
}

// Summary aggregates ledger totals for the reporting facade.
type Summary struct {
	TotalDeposits          int64                     `json:"totalDeposits"`
	TotalRevenue           int64                     `json:"totalRevenue"`
	WalletBalanceTotal     int64                     `json:"walletBalanceTotal"`
	EscrowTotal            int64                     `json:"escrowTotal"`
	PendingWithdrawalTotal int64                     `json:"pendingWithdrawalTotal"`
	TransactionCounts      map[TransactionType]int64 `json:"transactionCounts"`
}

// DonationParams carries a validated case-donation split.
type DonationParams struct {
	CaseID      string
	UserID      string
	Gross       int64
	Fee         int64
	Net         int64
	ExternalRef string
}

// PurchaseParams carries a case-boost or background-check purchase.
type PurchaseParams struct {
	Kind        TransactionType
	CaseID      string
	UserID      string
	Amount      int64
	ExternalRef string
}

// Store persists ledger data. Every mutator method is atomic: either all of
// its writes land or none do, and a duplicate external reference returns
// ErrAlreadyApplied without touching any balance.
type Store interface {
	// Mutators
	Deposit(ctx context.Context, userID string, amount int64, externalRef string) error
	CaseDonation(ctx context.Context, p DonationParams) error
	PlatformDonation(ctx context.Context, userID string, amount int64, externalRef string) error
	SubscriptionFee(ctx context.Context, userID string, gross, fee int64, externalRef string) error
	RecordPurchase(ctx context.Context, p PurchaseParams) error
	RecordFailedPayment(ctx context.Context, userID string, amount int64, externalRef, reason string) error
	CreateWithdrawal(ctx context.Context, w *WithdrawalRequest) error
	ResolveWithdrawal(ctx context.Context, id string, status WithdrawalStatus, payoutID, reason string) (*WithdrawalRequest, error)

	// Reads
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	EscrowBalance(ctx context.Context, caseID string) (int64, error)
	GetWithdrawal(ctx context.Context, id string) (*WithdrawalRequest, error)
	ListTransactions(ctx context.Context, from, to time.Time, limit int) ([]*Transaction, error)
	SummaryStats(ctx context.Context) (*Summary, error)

	// Reconciliation sums
	SumWalletBalances(ctx context.Context) (int64, error)
	SumEscrowBalances(ctx context.Context) (int64, error)
	SumPendingWithdrawals(ctx context.Context) (int64, error)
	SumRevenue(ctx context.Context) (int64, error)
}

// Notifier delivers user-facing notifications. Fire-and-forget: failures are
// the notifier's problem, never the ledger's.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, message string)
}

// Service implements the ledger mutators against a Store.
type Service struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a ledger service. notifier may be nil.
func NewService(store Store, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, notifier: notifier, logger: logger}
}

// Deposit credits a user's wallet for a confirmed payment. The wallet is
// created lazily on first deposit.
func (s *Service) Deposit(ctx context.Context, userID string, amount int64, externalRef string) error {
	done := observeOp("deposit")
	defer done()

	if amount <= 0 {
		return ErrInvalidAmount
	}
	if externalRef == "" {
		return ErrMissingReference
	}

	err := s.store.Deposit(ctx, userID, amount, externalRef)
	if errors.Is(err, ErrAlreadyApplied) {
		duplicateEvents.Inc()
	}
	return err
}

// CaseDonation nets a donation into a case's escrow balance and recognizes
// the platform fee as revenue. When fee and net are both zero they are
// derived from gross; otherwise the split must sum exactly.
func (s *Service) CaseDonation(ctx context.Context, caseID, userID string, gross, fee, net int64, externalRef string) error {
	done := observeOp("case_donation")
	defer done()

	if gross <= 0 {
		return ErrInvalidAmount
	}
	if externalRef == "" {
		return ErrMissingReference
	}
	if fee == 0 && net == 0 {
		fee = Fee(gross, CaseDonationFeeBps)
		net = gross - fee
	}
	if fee+net != gross || fee < 0 || net < 0 {
		return ErrFeeMismatch
	}

	err := s.store.CaseDonation(ctx, DonationParams{
		CaseID:      caseID,
		UserID:      userID,
		Gross:       gross,
		Fee:         fee,
		Net:         net,
		ExternalRef: externalRef,
	})
	if errors.Is(err, ErrAlreadyApplied) {
		duplicateEvents.Inc()
	}
	return err
}

// PlatformDonation records a donation made to the platform itself. No fee
// split: the full amount is platform revenue.
func (s *Service) PlatformDonation(ctx context.Context, userID string, amount int64, externalRef string) error {
	done := observeOp("platform_donation")
	defer done()

	if amount <= 0 {
		return ErrInvalidAmount
	}
	if externalRef == "" {
		return ErrMissingReference
	}

	err := s.store.PlatformDonation(ctx, userID, amount, externalRef)
	if errors.Is(err, ErrAlreadyApplied) {
		duplicateEvents.Inc()
	}
	return err
}

// SubscriptionFee recognizes the platform's share of a subscription payment
// as revenue. The subscription row itself is driven by separate
// subscription-updated events.
func (s *Service) SubscriptionFee(ctx context.Context, userID string, amount int64, externalRef string) error {
	done := observeOp("subscription_fee")
	defer done()

	if amount <= 0 {
		return ErrInvalidAmount
	}
	if externalRef == "" {
		return ErrMissingReference
	}

	fee := Fee(amount, SubscriptionFeeBps)
	err := s.store.SubscriptionFee(ctx, userID, amount, fee, externalRef)
	if errors.Is(err, ErrAlreadyApplied) {
		duplicateEvents.Inc()
	}
	return err
}

// RecordPurchase records a case-boost or background-check purchase. The
// full amount is platform revenue.
func (s *Service) RecordPurchase(ctx context.Context, kind TransactionType, caseID, userID string, amount int64, externalRef string) error {
	done := observeOp(string(kind))
	defer done()

	if kind != TypeCaseBoost && kind != TypeBackgroundCheck {
		return fmt.Errorf("ledger: unknown purchase kind %q", kind)
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if externalRef == "" {
		return ErrMissingReference
	}

	err := s.store.RecordPurchase(ctx, PurchaseParams{
		Kind:        kind,
		CaseID:      caseID,
		UserID:      userID,
		Amount:      amount,
		ExternalRef: externalRef,
	})
	if errors.Is(err, ErrAlreadyApplied) {
		duplicateEvents.Inc()
	}
	return err
}

// RecordFailedPayment writes a failed transaction row for operator
// visibility. No balance effect.
func (s *Service) RecordFailedPayment(ctx context.Context, userID string, amount int64, externalRef, reason string) error {
	done := observeOp("failed_payment")
	defer done()

	if externalRef == "" {
		return ErrMissingReference
	}

	err := s.store.RecordFailedPayment(ctx, userID, amount, externalRef, reason)
	if errors.Is(err, ErrAlreadyApplied) {
		duplicateEvents.Inc()
	}
	return err
}

// CompletePayout marks a withdrawal request paid out. The wallet was already
// debited when the withdrawal was requested, so there is no balance change.
func (s *Service) CompletePayout(ctx context.Context, withdrawalID, payoutID string) error {
	done := observeOp("payout_completed")
	defer done()

	w, err := s.store.ResolveWithdrawal(ctx, withdrawalID, WithdrawalCompleted, payoutID, "")
	if err != nil {
		if errors.Is(err, ErrAlreadyApplied) {
			duplicateEvents.Inc()
		}
		return err
	}

	s.notify(ctx, w.UserID, "withdrawal_completed",
		fmt.Sprintf("Your withdrawal of %s has been paid out.", FormatAmount(w.Amount)))
	return nil
}

// FailPayout marks a withdrawal request failed and credits the original
// amount back to the user's wallet. The funds were pre-debited at request
// time, so a failed payout must return them.
func (s *Service) FailPayout(ctx context.Context, withdrawalID, payoutID, reason string) error {
	done := observeOp("payout_failed")
	defer done()

	w, err := s.store.ResolveWithdrawal(ctx, withdrawalID, WithdrawalFailed, payoutID, reason)
	if err != nil {
		if errors.Is(err, ErrAlreadyApplied) {
			duplicateEvents.Inc()
		}
		return err
	}

	msg := fmt.Sprintf("Your withdrawal of %s failed and the funds were returned to your wallet.", FormatAmount(w.Amount))
	if reason != "" {
		msg += " Reason: " + reason
	}
	s.notify(ctx, w.UserID, "withdrawal_failed", msg)
	return nil
}

// CancelPayout marks a withdrawal request canceled and refunds the wallet,
// same compensation rule as FailPayout.
func (s *Service) CancelPayout(ctx context.Context, withdrawalID, payoutID string) error {
	done := observeOp("payout_canceled")
	defer done()

	w, err := s.store.ResolveWithdrawal(ctx, withdrawalID, WithdrawalCanceled, payoutID, "")
	if err != nil {
		if errors.Is(err, ErrAlreadyApplied) {
			duplicateEvents.Inc()
		}
		return err
	}

	s.notify(ctx, w.UserID, "withdrawal_canceled",
		fmt.Sprintf("Your withdrawal of %s was canceled and the funds were returned to your wallet.", FormatAmount(w.Amount)))
	return nil
}

// GetWallet returns a user's wallet, or ErrWalletNotFound before first deposit.
func (s *Service) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetWallet(ctx, userID)
}

// EscrowBalance returns the reward funds currently held for a case.
func (s *Service) EscrowBalance(ctx context.Context, caseID string) (int64, error) {
	return s.store.EscrowBalance(ctx, caseID)
}

func (s *Service) notify(ctx context.Context, userID, kind, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, kind, message)
}

// FormatAmount renders minor currency units as a decimal string ("12.50").
func FormatAmount(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
