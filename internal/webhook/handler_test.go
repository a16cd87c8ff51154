package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unexplainedarchive/paycore/internal/ledger"
	"github.com/unexplainedarchive/paycore/internal/subscription"
)

const testSecret = "whsec_test_secret"

type testEnv struct {
	router      *gin.Engine
	ledgerStore *ledger.MemoryStore
	subStore    *subscription.MemoryStore
}

func setupHandler(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledgerStore := ledger.NewMemoryStore()
	subStore := subscription.NewMemoryStore()
	ledgerSvc := ledger.NewService(ledgerStore, nil, nil)
	subSvc := subscription.NewService(subStore, nil)

	h := NewHandler(ledgerSvc, subSvc, testSecret, nil)
	router := gin.New()
	h.RegisterRoutes(router.Group("/v1"))

	return &testEnv{router: router, ledgerStore: ledgerStore, subStore: subStore}
}

// signPayload builds a Stripe-Signature header for the payload.
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func (e *testEnv) deliver(t *testing.T, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func eventPayload(t *testing.T, eventType string, object map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_test_1",
		"type":        eventType,
		"api_version": "2024-06-20",
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return payload
}

func checkoutSession(metadata map[string]string, amountTotal int64) map[string]any {
	return map[string]any{
		"id":           "cs_test_1",
		"object":       "checkout.session",
		"amount_total": amountTotal,
		"metadata":     metadata,
	}
}

func responseStatus(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return body["status"]
}

func TestRejectsBadSignature(t *testing.T) {
	env := setupHandler(t)

	payload := eventPayload(t, "checkout.session.completed",
		checkoutSession(map[string]string{"type": "wallet_deposit", "userId": "u1"}, 1000))

	w := env.deliver(t, payload, signPayload(payload, "whsec_wrong"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = env.deliver(t, payload, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing signature status = %d, want 400", w.Code)
	}
}

func TestDepositCheckout(t *testing.T) {
	env := setupHandler(t)

	payload := eventPayload(t, "checkout.session.completed",
		checkoutSession(map[string]string{"type": "wallet_deposit", "userId": "u1"}, 2500))

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if got := responseStatus(t, w); got != "applied" {
		t.Errorf("response status = %q, want applied", got)
	}

	wallet, err := env.ledgerStore.GetWallet(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if wallet.Balance != 2500 {
		t.Errorf("balance = %d, want 2500", wallet.Balance)
	}
}

func TestDepositPaymentIntent(t *testing.T) {
	env := setupHandler(t)

	payload := eventPayload(t, "payment_intent.succeeded", map[string]any{
		"id":     "pi_dep_1",
		"object": "payment_intent",
		"amount": 500,
		"metadata": map[string]string{
			"type":   "wallet_deposit",
			"userId": "u1",
			"amount": "500",
		},
	})

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := responseStatus(t, w); got != "applied" {
		t.Errorf("response status = %q, want applied", got)
	}

	wallet, err := env.ledgerStore.GetWallet(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if wallet.Balance != 500 {
		t.Errorf("balance = %d, want 500", wallet.Balance)
	}
}

func TestFailedThenSuccessfulPaymentIntent(t *testing.T) {
	env := setupHandler(t)

	// A declined card and the successful retry deliver events for the
	// same payment intent id; the failure record must not swallow the
	// eventual credit.
	failed := eventPayload(t, "payment_intent.payment_failed", map[string]any{
		"id":     "pi_retry_1",
		"object": "payment_intent",
		"amount": 500,
		"last_payment_error": map[string]any{
			"message": "Your card was declined.",
		},
		"metadata": map[string]string{
			"type":   "wallet_deposit",
			"userId": "u1",
		},
	})
	w := env.deliver(t, failed, signPayload(failed, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("failed-payment status = %d, body %s", w.Code, w.Body.String())
	}

	succeeded := eventPayload(t, "payment_intent.succeeded", map[string]any{
		"id":     "pi_retry_1",
		"object": "payment_intent",
		"amount": 500,
		"metadata": map[string]string{
			"type":   "wallet_deposit",
			"userId": "u1",
		},
	})
	w = env.deliver(t, succeeded, signPayload(succeeded, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("succeeded status = %d, body %s", w.Code, w.Body.String())
	}
	if got := responseStatus(t, w); got != "applied" {
		t.Errorf("response status = %q, want applied", got)
	}

	wallet, err := env.ledgerStore.GetWallet(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if wallet.Balance != 500 {
		t.Errorf("balance = %d, want 500", wallet.Balance)
	}
}

func TestUntaggedPaymentIntentIgnored(t *testing.T) {
	env := setupHandler(t)

	// payment_intent.succeeded fires for checkout charges too; only intents
	// tagged as wallet deposits may credit a wallet.
	payload := eventPayload(t, "payment_intent.succeeded", map[string]any{
		"id":     "pi_checkout_1",
		"object": "payment_intent",
		"amount": 500,
	})

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := responseStatus(t, w); got != "ignored" {
		t.Errorf("response status = %q, want ignored", got)
	}
}

func TestDuplicateDeliveryAcknowledged(t *testing.T) {
	env := setupHandler(t)

	payload := eventPayload(t, "checkout.session.completed",
		checkoutSession(map[string]string{"type": "wallet_deposit", "userId": "u1"}, 2500))

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", w.Code)
	}

	w = env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("second delivery status = %d, want 200", w.Code)
	}
	if got := responseStatus(t, w); got != "duplicate" {
		t.Errorf("response status = %q, want duplicate", got)
	}

	wallet, _ := env.ledgerStore.GetWallet(context.Background(), "u1")
	if wallet.Balance != 2500 {
		t.Errorf("balance after duplicate = %d, want 2500", wallet.Balance)
	}
}

func TestDonationCheckoutSplitsFee(t *testing.T) {
	env := setupHandler(t)

	payload := eventPayload(t, "checkout.session.completed",
		checkoutSession(map[string]string{
			"type":        "donation",
			"userId":      "u1",
			"caseId":      "case1",
			"platformFee": "100",
			"netAmount":   "900",
		}, 1000))

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	ctx := context.Background()
	escrow, _ := env.ledgerStore.EscrowBalance(ctx, "case1")
	if escrow != 900 {
		t.Errorf("escrow = %d, want 900", escrow)
	}
	revenue, _ := env.ledgerStore.SumRevenue(ctx)
	if revenue != 100 {
		t.Errorf("revenue = %d, want 100", revenue)
	}
}

func TestPlatformDonation(t *testing.T) {
	env := setupHandler(t)

	// caseId "platform" means the donation goes to the platform, fee-free
	payload := eventPayload(t, "checkout.session.completed",
		checkoutSession(map[string]string{
			"type":   "donation",
			"userId": "u1",
			"caseId": "platform",
		}, 500))

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	ctx := context.Background()
	revenue, _ := env.ledgerStore.SumRevenue(ctx)
	if revenue != 500 {
		t.Errorf("revenue = %d, want 500", revenue)
	}
	escrow, _ := env.ledgerStore.EscrowBalance(ctx, "platform")
	if escrow != 0 {
		t.Errorf("escrow = %d, want 0", escrow)
	}
}

func TestSubscriptionCheckoutLinksCustomer(t *testing.T) {
	env := setupHandler(t)

	session := checkoutSession(map[string]string{"type": "subscription", "userId": "u1"}, 2000)
	session["customer"] = "cus_123"
	payload := eventPayload(t, "checkout.session.completed", session)

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	ctx := context.Background()
	userID, err := env.subStore.UserByCustomer(ctx, "cus_123")
	if err != nil {
		t.Fatalf("UserByCustomer failed: %v", err)
	}
	if userID != "u1" {
		t.Errorf("user = %q, want u1", userID)
	}

	// 5% of the checkout recognized as revenue
	revenue, _ := env.ledgerStore.SumRevenue(ctx)
	if revenue != 100 {
		t.Errorf("revenue = %d, want 100", revenue)
	}
}

func TestRenewalInvoiceResolvesCustomer(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	if err := env.subStore.LinkCustomer(ctx, "u1", "cus_123"); err != nil {
		t.Fatal(err)
	}

	payload := eventPayload(t, "invoice.payment_succeeded", map[string]any{
		"id":          "in_renew_1",
		"object":      "invoice",
		"customer":    "cus_123",
		"amount_paid": 2000,
	})

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := responseStatus(t, w); got != "applied" {
		t.Errorf("response status = %q, want applied", got)
	}

	// 5% of the renewal recognized as revenue
	revenue, _ := env.ledgerStore.SumRevenue(ctx)
	if revenue != 100 {
		t.Errorf("revenue = %d, want 100", revenue)
	}
}

func TestRenewalInvoiceUnknownCustomerRejected(t *testing.T) {
	env := setupHandler(t)

	payload := eventPayload(t, "invoice.payment_succeeded", map[string]any{
		"id":          "in_renew_2",
		"object":      "invoice",
		"customer":    "cus_unlinked",
		"amount_paid": 2000,
	})

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := responseStatus(t, w); got != "rejected" {
		t.Errorf("response status = %q, want rejected", got)
	}
}

func TestPurchaseCheckout(t *testing.T) {
	env := setupHandler(t)

	payload := eventPayload(t, "checkout.session.completed",
		checkoutSession(map[string]string{
			"type":   "background_check",
			"userId": "u1",
		}, 4999))

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	revenue, _ := env.ledgerStore.SumRevenue(context.Background())
	if revenue != 4999 {
		t.Errorf("revenue = %d, want 4999", revenue)
	}
}

func TestPayoutFailedRefundsWallet(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	if err := env.ledgerStore.CreateWithdrawal(ctx, &ledger.WithdrawalRequest{
		ID: "w1", UserID: "u1", Amount: 2000,
	}); err != nil {
		t.Fatal(err)
	}

	payload := eventPayload(t, "payout.failed", map[string]any{
		"id":              "po_1",
		"object":          "payout",
		"failure_message": "account closed",
		"metadata": map[string]string{
			"withdrawal_request_id": "w1",
			"user_id":               "u1",
		},
	})

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	wallet, err := env.ledgerStore.GetWallet(ctx, "u1")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if wallet.Balance != 2000 {
		t.Errorf("refunded balance = %d, want 2000", wallet.Balance)
	}

	req, _ := env.ledgerStore.GetWithdrawal(ctx, "w1")
	if req.Status != ledger.WithdrawalFailed {
		t.Errorf("status = %q, want failed", req.Status)
	}
	if req.FailureReason != "account closed" {
		t.Errorf("reason = %q, want account closed", req.FailureReason)
	}
}

func TestPayoutPaid(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	if err := env.ledgerStore.CreateWithdrawal(ctx, &ledger.WithdrawalRequest{
		ID: "w1", UserID: "u1", Amount: 2000,
	}); err != nil {
		t.Fatal(err)
	}

	payload := eventPayload(t, "payout.paid", map[string]any{
		"id":     "po_1",
		"object": "payout",
		"metadata": map[string]string{
			"withdrawal_request_id": "w1",
			"user_id":               "u1",
		},
	})

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	req, _ := env.ledgerStore.GetWithdrawal(ctx, "w1")
	if req.Status != ledger.WithdrawalCompleted {
		t.Errorf("status = %q, want completed", req.Status)
	}
	// no compensation on success
	if _, err := env.ledgerStore.GetWallet(ctx, "u1"); err != ledger.ErrWalletNotFound {
		t.Errorf("GetWallet err = %v, want ErrWalletNotFound", err)
	}
}

func TestSubscriptionLifecycleEvents(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	if err := env.subStore.LinkCustomer(ctx, "u1", "cus_123"); err != nil {
		t.Fatal(err)
	}

	payload := eventPayload(t, "customer.subscription.updated", map[string]any{
		"id":                   "sub_abc",
		"object":               "subscription",
		"customer":             "cus_123",
		"status":               "active",
		"current_period_start": time.Now().Unix(),
		"current_period_end":   time.Now().Add(30 * 24 * time.Hour).Unix(),
		"cancel_at_period_end": false,
		"metadata":             map[string]string{"planType": "premium_monthly"},
	})

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body.String())
	}

	sub, err := env.subStore.GetByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}
	if sub.Status != subscription.StatusActive || sub.PlanType != "premium_monthly" {
		t.Errorf("subscription = %+v", sub)
	}

	payload = eventPayload(t, "customer.subscription.deleted", map[string]any{
		"id":     "sub_abc",
		"object": "subscription",
	})
	w = env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body %s", w.Code, w.Body.String())
	}

	sub, _ = env.subStore.GetByUser(ctx, "u1")
	if sub.Status != subscription.StatusCanceled {
		t.Errorf("status = %q, want canceled", sub.Status)
	}
}

func TestUnknownEventTypeAcknowledged(t *testing.T) {
	env := setupHandler(t)

	payload := eventPayload(t, "invoice.finalized", map[string]any{
		"id":     "in_1",
		"object": "invoice",
	})

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := responseStatus(t, w); got != "ignored" {
		t.Errorf("response status = %q, want ignored", got)
	}
}

func TestMalformedCheckoutAcknowledged(t *testing.T) {
	env := setupHandler(t)

	// no payment type tag: will never decode, must not be retried
	payload := eventPayload(t, "checkout.session.completed",
		checkoutSession(map[string]string{"userId": "u1"}, 1000))

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := responseStatus(t, w); got != "ignored" {
		t.Errorf("response status = %q, want ignored", got)
	}
}

func TestPayoutUnknownWithdrawalAcknowledged(t *testing.T) {
	env := setupHandler(t)

	payload := eventPayload(t, "payout.failed", map[string]any{
		"id":     "po_1",
		"object": "payout",
		"metadata": map[string]string{
			"withdrawal_request_id": "w_missing",
			"user_id":               "u1",
		},
	})

	w := env.deliver(t, payload, signPayload(payload, testSecret))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := responseStatus(t, w); got != "rejected" {
		t.Errorf("response status = %q, want rejected", got)
	}
}
