// Package webhook receives Stripe events, verifies their signatures, and
// routes them to the ledger and subscription services.
//
// Response codes follow the provider retry contract: 400 rejects deliveries
// that fail signature verification, 200 acknowledges everything the service
// will never process differently (duplicates, unknown types, malformed
// payloads), and 5xx is reserved for transient store failures so the
// provider retries them.
package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	stripewebhook "github.com/stripe/stripe-go/v81/webhook"

	"github.com/unexplainedarchive/paycore/internal/ledger"
	"github.com/unexplainedarchive/paycore/internal/subscription"
)

// Stripe sends payloads well under this; anything larger is not a webhook.
const maxBodyBytes = 1 << 16

// Handler is the webhook HTTP endpoint.
type Handler struct {
	ledger        *ledger.Service
	subscriptions *subscription.Service
	secret        string
	logger        *slog.Logger
}

func NewHandler(ledgerSvc *ledger.Service, subSvc *subscription.Service, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ledger:        ledgerSvc,
		subscriptions: subSvc,
		secret:        secret,
		logger:        logger,
	}
}

// RegisterRoutes sets up the webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.HandleEvent)
}

// HandleEvent handles POST /webhooks/stripe.
func (h *Handler) HandleEvent(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Failed to read request body",
		})
		return
	}

	event, err := stripewebhook.ConstructEventWithOptions(
		payload,
		c.GetHeader("Stripe-Signature"),
		h.secret,
		stripewebhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		signatureFailures.Inc()
		h.logger.Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	routed, err := Decode(event)
	if err != nil {
		// Malformed events will never decode differently; acknowledge so
		// the provider stops redelivering them.
		eventsTotal.WithLabelValues(string(event.Type), "malformed").Inc()
		h.logger.Error("webhook event rejected",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := h.route(c, event, routed); err != nil {
		eventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		h.logger.Error("webhook event processing failed",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Event processing failed, delivery will be retried",
		})
		return
	}
}

// route dispatches a decoded event and writes the success response.
// Returned errors are transient store failures worth a provider retry.
func (h *Handler) route(c *gin.Context, event stripe.Event, routed Routed) error {
	ctx := c.Request.Context()
	var err error

	switch ev := routed.(type) {
	case Deposit:
		err = h.ledger.Deposit(ctx, ev.UserID, ev.Amount, ev.Ref)

	case CaseDonation:
		err = h.ledger.CaseDonation(ctx, ev.CaseID, ev.UserID, ev.Gross, ev.Fee, ev.Net, ev.Ref)

	case PlatformDonation:
		err = h.ledger.PlatformDonation(ctx, ev.UserID, ev.Amount, ev.Ref)

	case SubscriptionPayment:
		userID := ev.UserID
		switch {
		case userID == "":
			// Renewal invoices carry no metadata; resolve via the billing
			// customer linked at initial checkout.
			userID, err = h.subscriptions.UserByCustomer(ctx, ev.CustomerID)
		case ev.CustomerID != "":
			err = h.subscriptions.LinkCustomer(ctx, userID, ev.CustomerID)
		}
		if err == nil {
			err = h.ledger.SubscriptionFee(ctx, userID, ev.Amount, ev.Ref)
		}

	case Purchase:
		err = h.ledger.RecordPurchase(ctx, purchaseType(ev.Kind), ev.CaseID, ev.UserID, ev.Amount, ev.Ref)

	case PaymentFailed:
		err = h.ledger.RecordFailedPayment(ctx, ev.UserID, ev.Amount, ev.Ref, ev.Reason)

	case SubscriptionUpdated:
		err = h.subscriptions.HandleUpdated(ctx, ev.CustomerID, &subscription.Subscription{
			ProviderSubID:      ev.ProviderSubID,
			Status:             subscription.Status(ev.Status),
			PlanType:           ev.PlanType,
			CurrentPeriodStart: ev.PeriodStart,
			CurrentPeriodEnd:   ev.PeriodEnd,
			CancelAtPeriodEnd:  ev.CancelAtPeriodEnd,
		})

	case SubscriptionDeleted:
		err = h.subscriptions.HandleDeleted(ctx, ev.ProviderSubID)

	case Payout:
		switch ev.Outcome {
		case PayoutPaid:
			err = h.ledger.CompletePayout(ctx, ev.WithdrawalID, ev.PayoutID)
		case PayoutFailed:
			err = h.ledger.FailPayout(ctx, ev.WithdrawalID, ev.PayoutID, ev.Reason)
		case PayoutCanceled:
			err = h.ledger.CancelPayout(ctx, ev.WithdrawalID, ev.PayoutID)
		}

	case Unknown:
		eventsTotal.WithLabelValues(string(event.Type), "unhandled").Inc()
		h.logger.Info("unhandled webhook event type",
			"event_id", event.ID,
			"event_type", ev.Type)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return nil
	}

	switch {
	case err == nil:
		eventsTotal.WithLabelValues(string(event.Type), "applied").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "applied"})
		return nil

	case errors.Is(err, ledger.ErrAlreadyApplied):
		eventsTotal.WithLabelValues(string(event.Type), "duplicate").Inc()
		h.logger.Info("duplicate webhook delivery",
			"event_id", event.ID,
			"event_type", string(event.Type))
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return nil

	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrMissingReference),
		errors.Is(err, ledger.ErrFeeMismatch),
		errors.Is(err, ledger.ErrWithdrawalNotFound),
		errors.Is(err, subscription.ErrUnknownCustomer),
		errors.Is(err, subscription.ErrNotFound):
		// Data problems, not transient failures: retrying won't help.
		eventsTotal.WithLabelValues(string(event.Type), "rejected").Inc()
		h.logger.Error("webhook event rejected",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"error", err)
		c.JSON(http.StatusOK, gin.H{"status": "rejected"})
		return nil
	}

	return err
}

func purchaseType(kind PaymentKind) ledger.TransactionType {
	if kind == KindBackgroundCheck {
		return ledger.TypeBackgroundCheck
	}
	return ledger.TypeCaseBoost
}
