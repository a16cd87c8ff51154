package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// Metadata keys set by the checkout frontend when it creates a session.
const (
	metaType        = "type"
	metaUserID      = "userId"
	metaAmount      = "amount"
	metaCaseID      = "caseId"
	metaPlatformFee = "platformFee"
	metaNetAmount   = "netAmount"
)

// PaymentKind is the payment flow a checkout session belongs to, as tagged
// in the session metadata.
type PaymentKind string

const (
	KindDeposit         PaymentKind = "wallet_deposit"
	KindDonation        PaymentKind = "donation"
	KindSubscription    PaymentKind = "subscription"
	KindCaseBoost       PaymentKind = "case_boost"
	KindBackgroundCheck PaymentKind = "background_check"
)

// Donations tagged with this case id go to the platform itself, fee-free.
const platformCaseID = "platform"

// Routed is a fully decoded, routable webhook event. Each variant carries
// exactly the fields its ledger operation needs, so handlers never reach
// back into raw provider payloads.
type Routed interface {
	routed()
}

// Deposit credits a user's wallet.
type Deposit struct {
	UserID string
	Amount int64
	Ref    string
}

// CaseDonation funds a case's reward escrow, minus the platform fee.
type CaseDonation struct {
	CaseID string
	UserID string
	Gross  int64
	Fee    int64
	Net    int64
	Ref    string
}

// PlatformDonation is a donation to the platform itself.
type PlatformDonation struct {
	UserID string
	Amount int64
	Ref    string
}

// SubscriptionPayment is a completed subscription checkout or a renewal
// invoice. UserID is empty for renewals; CustomerID then identifies the
// user through the billing link made at initial checkout.
type SubscriptionPayment struct {
	UserID     string
	CustomerID string
	Amount     int64
	Ref        string
}

// Purchase is a one-off product purchase (case boost or background check).
type Purchase struct {
	Kind   PaymentKind
	CaseID string
	UserID string
	Amount int64
	Ref    string
}

// PaymentFailed records a failed payment attempt for operator visibility.
type PaymentFailed struct {
	UserID string
	Amount int64
	Ref    string
	Reason string
}

// SubscriptionUpdated mirrors a provider-side subscription create/update.
type SubscriptionUpdated struct {
	CustomerID        string
	ProviderSubID     string
	Status            string
	PlanType          string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// SubscriptionDeleted mirrors a provider-side subscription deletion.
type SubscriptionDeleted struct {
	ProviderSubID string
}

// PayoutOutcome is the terminal state a payout event reports.
type PayoutOutcome string

const (
	PayoutPaid     PayoutOutcome = "paid"
	PayoutFailed   PayoutOutcome = "failed"
	PayoutCanceled PayoutOutcome = "canceled"
)

// Payout resolves a pending withdrawal request.
type Payout struct {
	Outcome      PayoutOutcome
	WithdrawalID string
	UserID       string
	PayoutID     string
	Reason       string
}

// Unknown is an event type this service does not handle. Acknowledged so the
// provider stops retrying it.
type Unknown struct {
	Type string
}

func (Deposit) routed()             {}
func (CaseDonation) routed()        {}
func (PlatformDonation) routed()    {}
func (SubscriptionPayment) routed() {}
func (Purchase) routed()            {}
func (PaymentFailed) routed()       {}
func (SubscriptionUpdated) routed() {}
func (SubscriptionDeleted) routed() {}
func (Payout) routed()              {}
func (Unknown) routed()             {}

// Decode turns a verified provider event into a Routed variant. Events with
// missing or malformed required fields return an error; unhandled event
// types return Unknown.
func Decode(event stripe.Event) (Routed, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("webhook: malformed checkout session: %w", err)
		}
		return decodeCheckout(&session)

	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("webhook: malformed payment intent: %w", err)
		}
		// Only intents tagged as wallet deposits are handled here; intents
		// created by checkout flows are recognized via their session event.
		if PaymentKind(intent.Metadata[metaType]) != KindDeposit {
			return Unknown{Type: string(event.Type)}, nil
		}
		userID := intent.Metadata[metaUserID]
		if userID == "" {
			return nil, fmt.Errorf("webhook: payment intent %s has no user id", intent.ID)
		}
		amount := intent.Amount
		if raw := intent.Metadata[metaAmount]; raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("webhook: payment intent %s amount %q: %w", intent.ID, raw, err)
			}
			amount = parsed
		}
		return Deposit{UserID: userID, Amount: amount, Ref: intent.ID}, nil

	case "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("webhook: malformed invoice: %w", err)
		}
		if invoice.Customer == nil {
			return nil, fmt.Errorf("webhook: invoice %s has no customer", invoice.ID)
		}
		// Renewal charge: the user is resolved from the billing customer.
		return SubscriptionPayment{
			CustomerID: invoice.Customer.ID,
			Amount:     invoice.AmountPaid,
			Ref:        invoice.ID,
		}, nil

	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("webhook: malformed payment intent: %w", err)
		}
		reason := "payment_failed"
		if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
			reason = intent.LastPaymentError.Msg
		}
		return PaymentFailed{
			UserID: intent.Metadata[metaUserID],
			Amount: intent.Amount,
			Ref:    intent.ID,
			Reason: reason,
		}, nil

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("webhook: malformed subscription: %w", err)
		}
		if sub.Customer == nil {
			return nil, fmt.Errorf("webhook: subscription %s has no customer", sub.ID)
		}
		return SubscriptionUpdated{
			CustomerID:        sub.Customer.ID,
			ProviderSubID:     sub.ID,
			Status:            string(sub.Status),
			PlanType:          sub.Metadata["planType"],
			PeriodStart:       time.Unix(sub.CurrentPeriodStart, 0).UTC(),
			PeriodEnd:         time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}, nil

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("webhook: malformed subscription: %w", err)
		}
		return SubscriptionDeleted{ProviderSubID: sub.ID}, nil

	case "payout.paid", "payout.failed", "payout.canceled":
		var payout stripe.Payout
		if err := json.Unmarshal(event.Data.Raw, &payout); err != nil {
			return nil, fmt.Errorf("webhook: malformed payout: %w", err)
		}
		withdrawalID := payout.Metadata["withdrawal_request_id"]
		if withdrawalID == "" {
			return nil, fmt.Errorf("webhook: payout %s missing withdrawal_request_id", payout.ID)
		}
		outcome := PayoutOutcome(event.Type[len("payout."):])
		return Payout{
			Outcome:      outcome,
			WithdrawalID: withdrawalID,
			UserID:       payout.Metadata["user_id"],
			PayoutID:     payout.ID,
			Reason:       payout.FailureMessage,
		}, nil
	}

	return Unknown{Type: string(event.Type)}, nil
}

// decodeCheckout routes a completed checkout session by its metadata type
// tag. The ref is the session id, the stable dedup key across redeliveries.
func decodeCheckout(session *stripe.CheckoutSession) (Routed, error) {
	kind := PaymentKind(session.Metadata[metaType])
	userID := session.Metadata[metaUserID]
	if kind == "" {
		return nil, fmt.Errorf("webhook: checkout session %s has no payment type tag", session.ID)
	}
	if userID == "" {
		return nil, fmt.Errorf("webhook: checkout session %s has no user id", session.ID)
	}

	amount := session.AmountTotal
	if raw := session.Metadata[metaAmount]; raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("webhook: checkout session %s amount %q: %w", session.ID, raw, err)
		}
		amount = parsed
	}

	switch kind {
	case KindDeposit:
		return Deposit{UserID: userID, Amount: amount, Ref: session.ID}, nil

	case KindDonation:
		caseID := session.Metadata[metaCaseID]
		if caseID == "" {
			return nil, fmt.Errorf("webhook: donation session %s has no case id", session.ID)
		}
		if caseID == platformCaseID {
			return PlatformDonation{UserID: userID, Amount: amount, Ref: session.ID}, nil
		}
		fee, err := parseOptionalAmount(session.Metadata[metaPlatformFee])
		if err != nil {
			return nil, fmt.Errorf("webhook: donation session %s platform fee: %w", session.ID, err)
		}
		net, err := parseOptionalAmount(session.Metadata[metaNetAmount])
		if err != nil {
			return nil, fmt.Errorf("webhook: donation session %s net amount: %w", session.ID, err)
		}
		return CaseDonation{CaseID: caseID, UserID: userID, Gross: amount, Fee: fee, Net: net, Ref: session.ID}, nil

	case KindSubscription:
		var customerID string
		if session.Customer != nil {
			customerID = session.Customer.ID
		}
		return SubscriptionPayment{UserID: userID, CustomerID: customerID, Amount: amount, Ref: session.ID}, nil

	case KindCaseBoost, KindBackgroundCheck:
		return Purchase{
			Kind:   kind,
			CaseID: session.Metadata[metaCaseID],
			UserID: userID,
			Amount: amount,
			Ref:    session.ID,
		}, nil
	}

	return nil, fmt.Errorf("webhook: checkout session %s has unknown payment type %q", session.ID, kind)
}

func parseOptionalAmount(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
