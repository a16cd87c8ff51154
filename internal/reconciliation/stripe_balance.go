package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/unexplainedarchive/paycore/internal/retry"
)

// StripeBalanceProvider reads account balances from the Stripe Balance API.
// Available and pending funds both count: pending money is still platform
// money, it just hasn't settled yet.
type StripeBalanceProvider struct {
	api *client.API
}

// NewStripeBalanceProvider creates a provider using the given API key.
func NewStripeBalanceProvider(apiKey string) *StripeBalanceProvider {
	return &StripeBalanceProvider{api: client.New(apiKey, nil)}
}

// AccountBalance returns the total balance of a connected account in minor
// units. An empty accountID reads the platform's own balance.
func (p *StripeBalanceProvider) AccountBalance(ctx context.Context, accountID string) (int64, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	if accountID != "" {
		params.SetStripeAccount(accountID)
	}

	var balance *stripe.Balance
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var err error
		balance, err = p.api.Balance.Get(params)
		if stripeErr, ok := err.(*stripe.Error); ok {
			// Client errors won't succeed on retry.
			if stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 {
				return retry.Permanent(err)
			}
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch balance for account %q: %w", accountID, err)
	}

	var total int64
	for _, amount := range balance.Available {
		total += amount.Amount
	}
	for _, amount := range balance.Pending {
		total += amount.Amount
	}
	return total, nil
}
