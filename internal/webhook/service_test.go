package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/lease"
	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/internal/processor/processortest"
	"github.com/MarkoPoloResearchLab/billing/internal/processor/stripeprocessor"
	"github.com/MarkoPoloResearchLab/billing/internal/purchase"
	"github.com/MarkoPoloResearchLab/billing/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/billing/internal/subscription"
	"github.com/MarkoPoloResearchLab/billing/internal/testutil"
	"github.com/MarkoPoloResearchLab/billing/internal/webhook"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	webhookSecret = "whsec_test"
	packPriceID   = "price_pack_20"
	proPriceID    = "price_pro"
)

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type webhookHarness struct {
	service   *webhook.Service
	store     *gormstore.Store
	leases    lease.Store
	ledger    *ledger.Service
	purchases *purchase.Service
	observed  *recordingObserver
}

type recordingObserver struct {
	outcomes []webhook.Outcome
}

func (observer *recordingObserver) ObserveWebhook(eventType string, outcome webhook.Outcome, duration time.Duration, err error) {
	observer.outcomes = append(observer.outcomes, outcome)
}

func newHarness(test *testing.T) webhookHarness {
	test.Helper()
	db := testutil.OpenSQLite(test, append(gormstore.Models(), &lease.WebhookLease{})...)
	store := gormstore.New(db)
	clock := func() time.Time { return fixedNow }
	logger := zap.NewNop()

	ledgerService, err := ledger.NewService(store, clock)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	gateway, err := processor.NewGateway(processortest.New(), processor.NewCircuitBreaker(processor.BreakerConfig{}), processor.DefaultGatewayConfig(), logger)
	if err != nil {
		test.Fatalf("gateway: %v", err)
	}
	purchases, err := purchase.NewService(store, gateway, purchase.Config{
		Packs:      map[string]decimal.Decimal{packPriceID: decimal.NewFromInt(20)},
		TierPrices: map[ledger.Tier]string{ledger.TierPro: proPriceID},
	}, clock, logger)
	if err != nil {
		test.Fatalf("purchase service: %v", err)
	}
	subscriptions, err := subscription.NewService(store, gateway, subscription.Config{
		Allowances: map[ledger.Tier]decimal.Decimal{ledger.TierPro: decimal.NewFromInt(50)},
		PriceTiers: map[string]ledger.Tier{proPriceID: ledger.TierPro},
	}, clock, logger)
	if err != nil {
		test.Fatalf("subscription service: %v", err)
	}
	handlers, err := webhook.NewHandlers(purchases, subscriptions, ledgerService, store, logger)
	if err != nil {
		test.Fatalf("handlers: %v", err)
	}
	registry := webhook.NewRegistry(logger)
	handlers.Register(registry)
	verifier, err := stripeprocessor.NewClient(stripeprocessor.Config{WebhookSecret: webhookSecret}, logger)
	if err != nil {
		test.Fatalf("stripe client: %v", err)
	}
	leases := lease.NewSQLStore(db, clock)
	observer := &recordingObserver{}
	service, err := webhook.NewService(verifier, registry, leases, store, webhook.Config{}, clock, logger, webhook.WithObserver(observer))
	if err != nil {
		test.Fatalf("webhook service: %v", err)
	}
	return webhookHarness{
		service:   service,
		store:     store,
		leases:    leases,
		ledger:    ledgerService,
		purchases: purchases,
		observed:  observer,
	}
}

func eventPayload(test *testing.T, eventID string, eventType string, created time.Time, object map[string]any) []byte {
	test.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2025-03-31.basil",
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		test.Fatalf("marshal payload: %v", err)
	}
	return payload
}

func sign(payload []byte, secret string) string {
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, payload)))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func mustProcess(test *testing.T, harness webhookHarness, payload []byte) webhook.Result {
	test.Helper()
	result, err := harness.service.Process(context.Background(), payload, sign(payload, webhookSecret))
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	return result
}

func mustAccountID(test *testing.T, raw string) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustAccount(test *testing.T, harness webhookHarness, raw string) ledger.Account {
	test.Helper()
	account, err := harness.store.GetAccount(context.Background(), mustAccountID(test, raw))
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	return account
}

func paidCheckout(sessionID string, metadata map[string]any) map[string]any {
	return map[string]any{
		"id":             sessionID,
		"object":         "checkout.session",
		"mode":           "payment",
		"payment_status": "paid",
		"payment_intent": "pi_" + sessionID,
		"metadata":       metadata,
	}
}

func TestDuplicateCheckoutDeliveryGrantsOnce(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	payload := eventPayload(test, "evt_1", webhook.TypeCheckoutSessionCompleted, fixedNow,
		paidCheckout("cs_meta", map[string]any{"account_id": "user-1", "credits": "20"}))

	first := mustProcess(test, harness, payload)
	second := mustProcess(test, harness, payload)
	if first.Outcome != webhook.OutcomeProcessed || second.Outcome != webhook.OutcomeDuplicate {
		test.Fatalf("unexpected outcomes %s then %s", first.Outcome, second.Outcome)
	}
	account := mustAccount(test, harness, "user-1")
	if !account.Buckets.NonExpiring.Equal(decimal.NewFromInt(20)) || !account.Balance.Equal(decimal.NewFromInt(20)) {
		test.Fatalf("expected exactly +20, got %+v", account.Buckets)
	}
	entries, err := harness.store.ListEntries(context.Background(), account.AccountID, fixedNow.Add(time.Hour), 10)
	if err != nil || len(entries) != 1 || entries[0].ExternalEventID != "evt_1" {
		test.Fatalf("expected one purchase entry keyed by the event, got %+v %v", entries, err)
	}
	if len(harness.observed.outcomes) != 2 {
		test.Fatalf("observer saw %d deliveries", len(harness.observed.outcomes))
	}
}

func TestDeliveryWhileLeaseHeldIsAcknowledgedWithoutWork(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	ctx := context.Background()
	payload := eventPayload(test, "evt_2", webhook.TypeCheckoutSessionCompleted, fixedNow,
		paidCheckout("cs_lease", map[string]any{"account_id": "user-1", "credits": "5"}))

	token, err := harness.leases.Acquire(ctx, "webhook:evt_2", time.Minute)
	if err != nil {
		test.Fatalf("acquire: %v", err)
	}
	if result := mustProcess(test, harness, payload); result.Outcome != webhook.OutcomeDuplicate {
		test.Fatalf("expected duplicate while another worker holds the lease, got %s", result.Outcome)
	}
	if _, err := harness.store.GetAccount(ctx, mustAccountID(test, "user-1")); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("no work may happen under a foreign lease, got %v", err)
	}
	if err := harness.leases.Release(ctx, "webhook:evt_2", token); err != nil {
		test.Fatalf("release: %v", err)
	}
	if result := mustProcess(test, harness, payload); result.Outcome != webhook.OutcomeProcessed {
		test.Fatalf("expected processing after release, got %s", result.Outcome)
	}
}

func TestInvalidSignatureChangesNothing(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	payload := eventPayload(test, "evt_3", webhook.TypeCheckoutSessionCompleted, fixedNow,
		paidCheckout("cs_forged", map[string]any{"account_id": "user-1", "credits": "1000"}))

	_, err := harness.service.Process(context.Background(), payload, sign(payload, "whsec_forged"))
	if !errors.Is(err, ledger.ErrSignatureVerification) {
		test.Fatalf("expected ErrSignatureVerification, got %v", err)
	}
	processed, err := harness.store.WebhookEventProcessed(context.Background(), "evt_3")
	if err != nil || processed {
		test.Fatalf("forged event must not be recorded: %v %v", processed, err)
	}
}

func TestCheckoutCompletesPendingPurchaseAndRefundReversesIt(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "user-1")
	checkout, err := harness.purchases.StartCheckout(ctx, purchase.CheckoutRequest{AccountID: accountID, PriceID: packPriceID})
	if err != nil {
		test.Fatalf("start checkout: %v", err)
	}

	session := paidCheckout(checkout.SessionID, map[string]any{"purchase_id": checkout.PurchaseID, "credits": "20"})
	session["payment_intent"] = "pi_refund"
	mustProcess(test, harness, eventPayload(test, "evt_checkout", webhook.TypeCheckoutSessionCompleted, fixedNow, session))
	completed, err := harness.store.GetPurchase(ctx, checkout.PurchaseID)
	if err != nil || completed.Status != ledger.PurchaseStatusCompleted || completed.PaymentIntentID != "pi_refund" {
		test.Fatalf("unexpected purchase %+v %v", completed, err)
	}

	refund := mustProcess(test, harness, eventPayload(test, "evt_refund", webhook.TypeChargeRefunded, fixedNow, map[string]any{
		"id":              "ch_1",
		"object":          "charge",
		"payment_intent":  "pi_refund",
		"amount":          2000,
		"amount_refunded": 1000,
	}))
	if refund.Outcome != webhook.OutcomeProcessed {
		test.Fatalf("unexpected refund outcome %s", refund.Outcome)
	}
	if account := mustAccount(test, harness, "user-1"); !account.Balance.Equal(decimal.NewFromInt(10)) {
		test.Fatalf("expected half the credits reversed, got %s", account.Balance)
	}

	foreign := mustProcess(test, harness, eventPayload(test, "evt_refund_other", webhook.TypeChargeRefunded, fixedNow, map[string]any{
		"id": "ch_2", "object": "charge", "payment_intent": "pi_unknown", "amount": 500, "amount_refunded": 500,
	}))
	if foreign.Outcome != webhook.OutcomeIgnored {
		test.Fatalf("refund of an unknown charge must be ignored, got %s", foreign.Outcome)
	}
}

func TestSubscriptionLifecycleEvents(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	mustProcess(test, harness, eventPayload(test, "evt_sub_checkout", webhook.TypeCheckoutSessionCompleted, fixedNow, map[string]any{
		"id":             "cs_sub",
		"object":         "checkout.session",
		"mode":           "subscription",
		"payment_status": "paid",
		"customer":       "cus_9",
		"subscription":   "sub_1",
		"metadata":       map[string]any{"account_id": "user-2", "tier": "pro"},
	}))
	account := mustAccount(test, harness, "user-2")
	if account.Tier != ledger.TierPro || account.ExternalSubscriptionID != "sub_1" || account.ExternalCustomerID != "cus_9" {
		test.Fatalf("unexpected account after activation %+v", account)
	}

	periodEnd := fixedNow.Add(30 * 24 * time.Hour)
	mustProcess(test, harness, eventPayload(test, "evt_invoice", webhook.TypeInvoicePaid, fixedNow, map[string]any{
		"id":       "in_1",
		"object":   "invoice",
		"customer": "cus_9",
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": "sub_1"},
		},
		"lines": map[string]any{"data": []any{map[string]any{
			"period":  map[string]any{"end": periodEnd.Unix()},
			"pricing": map[string]any{"price_details": map[string]any{"price": proPriceID}},
		}}},
	}))
	account = mustAccount(test, harness, "user-2")
	if !account.Buckets.Expiring.Equal(decimal.NewFromInt(50)) || !account.BillingCycleEndsAt.Equal(periodEnd) {
		test.Fatalf("unexpected account after renewal %+v", account)
	}

	deleted := mustProcess(test, harness, eventPayload(test, "evt_deleted", webhook.TypeSubscriptionDeleted, fixedNow.Add(time.Hour), map[string]any{
		"id":       "sub_1",
		"object":   "subscription",
		"customer": "cus_9",
		"status":   "canceled",
	}))
	if deleted.Outcome != webhook.OutcomeProcessed {
		test.Fatalf("unexpected deletion outcome %s", deleted.Outcome)
	}
	account = mustAccount(test, harness, "user-2")
	if account.Tier != ledger.TierFree || !account.Buckets.Expiring.IsZero() || account.SubscriptionStatus != ledger.SubscriptionStatusNone {
		test.Fatalf("unexpected account after deletion %+v", account)
	}
}

func TestUnknownEventIsAcknowledged(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	result := mustProcess(test, harness, eventPayload(test, "evt_unknown", "customer.tax_id.created", fixedNow, map[string]any{"id": "txi_1"}))
	if result.Outcome != webhook.OutcomeIgnored {
		test.Fatalf("expected ignored, got %s", result.Outcome)
	}
	processed, err := harness.store.WebhookEventProcessed(context.Background(), "evt_unknown")
	if err != nil || !processed {
		test.Fatalf("ignored events are still recorded: %v %v", processed, err)
	}
}

func TestUnresolvedAccountFailsForRedelivery(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	payload := eventPayload(test, "evt_orphan", webhook.TypeSubscriptionUpdated, fixedNow, map[string]any{
		"id": "sub_orphan", "object": "subscription", "customer": "cus_orphan", "status": "active",
	})
	_, err := harness.service.Process(context.Background(), payload, sign(payload, webhookSecret))
	if !errors.Is(err, webhook.ErrUnresolvedAccount) {
		test.Fatalf("expected ErrUnresolvedAccount, got %v", err)
	}
	processed, err := harness.store.WebhookEventProcessed(context.Background(), "evt_orphan")
	if err != nil || processed {
		test.Fatalf("failed events must stay unprocessed: %v %v", processed, err)
	}
}

func TestMalformedCheckoutCreditsIsAValidationError(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	payload := eventPayload(test, "evt_bad", webhook.TypeCheckoutSessionCompleted, fixedNow,
		paidCheckout("cs_bad", map[string]any{"account_id": "user-1", "credits": "lots"}))
	_, err := harness.service.Process(context.Background(), payload, sign(payload, webhookSecret))
	if !errors.Is(err, webhook.ErrMalformedEvent) || !errors.Is(err, ledger.ErrValidation) {
		test.Fatalf("expected a validation error, got %v", err)
	}
}
