package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unexplainedarchive/paycore/internal/idgen"
)

// MemoryStore is an in-memory Store implementation for tests and demo mode.
type MemoryStore struct {
	mu           sync.Mutex
	wallets      map[string]*Wallet // keyed by user ID
	escrow       map[string]int64   // keyed by case ID
	transactions []*Transaction
	revenue      []*RevenueRecord
	withdrawals  map[string]*WithdrawalRequest
	seenRefs     map[string]bool // "type|external_ref"
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     make(map[string]*Wallet),
		escrow:      make(map[string]int64),
		withdrawals: make(map[string]*WithdrawalRequest),
		seenRefs:    make(map[string]bool),
	}
}

// refKey mirrors the postgres dedup index: status is part of the key so a
// failed attempt and the eventual success on the same reference dedup
// independently.
func refKey(typ TransactionType, status TransactionStatus, ref string) string {
	return string(typ) + "|" + string(status) + "|" + ref
}

// walletFor returns the wallet for a user, creating it lazily.
// Caller must hold the lock.
func (m *MemoryStore) walletFor(userID string) *Wallet {
	if w, ok := m.wallets[userID]; ok {
		return w
	}
	w := &Wallet{
		ID:        idgen.WithPrefix("wal_"),
		UserID:    userID,
		UpdatedAt: time.Now(),
	}
	m.wallets[userID] = w
	return w
}

func (m *MemoryStore) appendTransaction(t *Transaction) {
	if t.ID == "" {
		t.ID = idgen.WithPrefix("txn_")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.transactions = append(m.transactions, t)
}

func (m *MemoryStore) appendRevenue(r *RevenueRecord) {
	if r.ID == "" {
		r.ID = idgen.WithPrefix("rev_")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.revenue = append(m.revenue, r)
}

func (m *MemoryStore) Deposit(ctx context.Context, userID string, amount int64, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey(TypeDeposit, StatusCompleted, externalRef)
	if m.seenRefs[key] {
		return ErrAlreadyApplied
	}

	w := m.walletFor(userID)
	m.appendTransaction(&Transaction{
		Type:        TypeDeposit,
		Amount:      amount,
		Status:      StatusCompleted,
		ToWalletID:  w.ID,
		ExternalRef: externalRef,
	})
	w.Balance += amount
	w.UpdatedAt = time.Now()
	m.seenRefs[key] = true
	return nil
}

func (m *MemoryStore) CaseDonation(ctx context.Context, p DonationParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey(TypeDonation, StatusCompleted, p.ExternalRef)
	if m.seenRefs[key] {
		return ErrAlreadyApplied
	}

	m.escrow[p.CaseID] += p.Net
	m.appendTransaction(&Transaction{
		Type:        TypeDonation,
		Amount:      p.Gross,
		Status:      StatusCompleted,
		CaseID:      p.CaseID,
		ExternalRef: p.ExternalRef,
		Metadata: map[string]string{
			"user_id":      p.UserID,
			"platform_fee": FormatAmount(p.Fee),
			"net_amount":   FormatAmount(p.Net),
		},
	})
	m.appendRevenue(&RevenueRecord{
		Amount:      p.Fee,
		Type:        TypeDonation,
		ReferenceID: p.ExternalRef,
		Metadata:    map[string]string{"case_id": p.CaseID},
	})
	m.seenRefs[key] = true
	return nil
}

func (m *MemoryStore) PlatformDonation(ctx context.Context, userID string, amount int64, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey(TypePlatformDonation, StatusCompleted, externalRef)
	if m.seenRefs[key] {
		return ErrAlreadyApplied
	}

	m.appendTransaction(&Transaction{
		Type:        TypePlatformDonation,
		Amount:      amount,
		Status:      StatusCompleted,
		ExternalRef: externalRef,
		Metadata:    map[string]string{"user_id": userID},
	})
	m.appendRevenue(&RevenueRecord{
		Amount:      amount,
		Type:        TypePlatformDonation,
		ReferenceID: externalRef,
	})
	m.seenRefs[key] = true
	return nil
}

func (m *MemoryStore) SubscriptionFee(ctx context.Context, userID string, gross, fee int64, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey(TypeSubscription, StatusCompleted, externalRef)
	if m.seenRefs[key] {
		return ErrAlreadyApplied
	}

	m.appendTransaction(&Transaction{
		Type:        TypeSubscription,
		Amount:      gross,
		Status:      StatusCompleted,
		ExternalRef: externalRef,
		Metadata: map[string]string{
			"user_id":      userID,
			"platform_fee": FormatAmount(fee),
		},
	})
	m.appendRevenue(&RevenueRecord{
		Amount:      fee,
		Type:        TypeSubscription,
		ReferenceID: externalRef,
		Metadata:    map[string]string{"user_id": userID},
	})
	m.seenRefs[key] = true
	return nil
}

func (m *MemoryStore) RecordPurchase(ctx context.Context, p PurchaseParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey(p.Kind, StatusCompleted, p.ExternalRef)
	if m.seenRefs[key] {
		return ErrAlreadyApplied
	}

	m.appendTransaction(&Transaction{
		Type:        p.Kind,
		Amount:      p.Amount,
		Status:      StatusCompleted,
		CaseID:      p.CaseID,
		ExternalRef: p.ExternalRef,
		Metadata:    map[string]string{"user_id": p.UserID},
	})
	m.appendRevenue(&RevenueRecord{
		Amount:      p.Amount,
		Type:        p.Kind,
		ReferenceID: p.ExternalRef,
	})
	m.seenRefs[key] = true
	return nil
}

func (m *MemoryStore) RecordFailedPayment(ctx context.Context, userID string, amount int64, externalRef, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey(TypeDeposit, StatusFailed, externalRef)
	if m.seenRefs[key] {
		return ErrAlreadyApplied
	}

	m.appendTransaction(&Transaction{
		Type:        TypeDeposit,
		Amount:      amount,
		Status:      StatusFailed,
		ExternalRef: externalRef,
		Metadata: map[string]string{
			"user_id": userID,
			"reason":  reason,
		},
	})
	m.seenRefs[key] = true
	return nil
}

func (m *MemoryStore) CreateWithdrawal(ctx context.Context, w *WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.ID == "" {
		w.ID = idgen.WithPrefix("wdr_")
	}
	if w.Status == "" {
		w.Status = WithdrawalPending
	}
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) ResolveWithdrawal(ctx context.Context, id string, status WithdrawalStatus, payoutID, reason string) (*WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	if w.Status != WithdrawalPending {
		return nil, ErrAlreadyApplied
	}

	w.Status = status
	w.ExternalPayoutID = payoutID
	w.FailureReason = reason

	// Failed and canceled payouts return the pre-debited funds.
	if status == WithdrawalFailed || status == WithdrawalCanceled {
		w.RetryCount++
		wallet := m.walletFor(w.UserID)
		wallet.Balance += w.Amount
		wallet.UpdatedAt = time.Now()
		m.appendTransaction(&Transaction{
			Type:        TypeWithdrawal,
			Amount:      w.Amount,
			Status:      StatusFailed,
			ToWalletID:  wallet.ID,
			ExternalRef: payoutID,
			Metadata: map[string]string{
				"withdrawal_request_id": w.ID,
				"reason":                reason,
			},
		})
	}

	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) EscrowBalance(ctx context.Context, caseID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escrow[caseID], nil
}

func (m *MemoryStore) GetWithdrawal(ctx context.Context, id string) (*WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, from, to time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, t := range m.transactions {
		if !from.IsZero() && t.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && t.CreatedAt.After(to) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) SummaryStats(ctx context.Context) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Summary{TransactionCounts: make(map[TransactionType]int64)}
	for _, t := range m.transactions {
		s.TransactionCounts[t.Type]++
		if t.Type == TypeDeposit && t.Status == StatusCompleted {
			s.TotalDeposits += t.Amount
		}
	}
	for _, r := range m.revenue {
		s.TotalRevenue += r.Amount
	}
	for _, w := range m.wallets {
		s.WalletBalanceTotal += w.Balance
	}
	for _, bal := range m.escrow {
		s.EscrowTotal += bal
	}
	for _, w := range m.withdrawals {
		if w.Status == WithdrawalPending {
			s.PendingWithdrawalTotal += w.Amount
		}
	}
	return s, nil
}

func (m *MemoryStore) SumWalletBalances(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, w := range m.wallets {
		sum += w.Balance
	}
	return sum, nil
}

func (m *MemoryStore) SumEscrowBalances(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, bal := range m.escrow {
		sum += bal
	}
	return sum, nil
}

func (m *MemoryStore) SumPendingWithdrawals(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, w := range m.withdrawals {
		if w.Status == WithdrawalPending {
			sum += w.Amount
		}
	}
	return sum, nil
}

func (m *MemoryStore) SumRevenue(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, r := range m.revenue {
		sum += r.Amount
	}
	return sum, nil
}
