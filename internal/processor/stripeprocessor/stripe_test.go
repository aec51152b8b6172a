package stripeprocessor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_test"

func signPayload(payload []byte, secret string, timestamp time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	unix := timestamp.Unix()
	mac.Write([]byte(fmt.Sprintf("%d.%s", unix, payload)))
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(mac.Sum(nil)))
}

func mustClient(test *testing.T) *Client {
	test.Helper()
	client, err := NewClient(Config{WebhookSecret: testWebhookSecret}, zap.NewNop())
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	return client
}

func TestVerifyWebhook(test *testing.T) {
	test.Parallel()
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","created":1772366400,"api_version":"2020-08-27","data":{"object":{"id":"cs_1","object":"checkout.session"}}}`)
	testCases := []struct {
		name      string
		signature string
		valid     bool
	}{
		{name: "valid", signature: signPayload(payload, testWebhookSecret, time.Now()), valid: true},
		{name: "wrong secret", signature: signPayload(payload, "whsec_other", time.Now())},
		{name: "stale timestamp", signature: signPayload(payload, testWebhookSecret, time.Now().Add(-time.Hour))},
		{name: "missing header", signature: ""},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			envelope, err := mustClient(test).VerifyWebhook(payload, testCase.signature)
			if !testCase.valid {
				if !errors.Is(err, ledger.ErrSignatureVerification) {
					test.Fatalf("expected ErrSignatureVerification, got %v", err)
				}
				return
			}
			if err != nil {
				test.Fatalf("verify: %v", err)
			}
			if envelope.ID != "evt_1" || envelope.Type != "checkout.session.completed" {
				test.Fatalf("unexpected envelope %+v", envelope)
			}
			if !envelope.Created.Equal(time.Unix(1772366400, 0)) {
				test.Fatalf("unexpected created %s", envelope.Created)
			}
			if len(envelope.Object) == 0 {
				test.Fatalf("expected raw object")
			}
		})
	}
}

func TestNewClientRequiresWebhookSecret(test *testing.T) {
	test.Parallel()
	if _, err := NewClient(Config{}, nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestMapError(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		err      error
		rejected bool
	}{
		{name: "card declined", err: &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired, Msg: "declined"}, rejected: true},
		{name: "not found", err: &stripe.Error{HTTPStatusCode: http.StatusNotFound, Msg: "missing"}, rejected: true},
		{name: "rate limited", err: &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests, Msg: "slow down"}},
		{name: "server error", err: &stripe.Error{HTTPStatusCode: http.StatusBadGateway, Msg: "upstream"}},
		{name: "network", err: errors.New("connection reset")},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			mapped := mapError("op", testCase.err)
			if errors.Is(mapped, processor.ErrRejected) != testCase.rejected {
				test.Fatalf("unexpected classification of %v", mapped)
			}
		})
	}
}

func TestConvertSubscription(test *testing.T) {
	test.Parallel()
	periodEnd := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	converted := ConvertSubscription(&stripe.Subscription{
		ID:                "sub_1",
		Status:            stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd: true,
		Customer:          &stripe.Customer{ID: "cus_1"},
		Metadata:          map[string]string{"tier": "pro"},
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
			CurrentPeriodEnd: periodEnd.Unix(),
			Price:            &stripe.Price{ID: "price_pro"},
		}}},
	})
	if converted.ID != "sub_1" || converted.CustomerID != "cus_1" || converted.PriceID != "price_pro" {
		test.Fatalf("unexpected conversion %+v", converted)
	}
	if !converted.CancelAtPeriodEnd || converted.Status != "active" || !converted.CurrentPeriodEnd.Equal(periodEnd) {
		test.Fatalf("unexpected conversion %+v", converted)
	}
	if ConvertSubscription(nil).ID != "" {
		test.Fatalf("nil subscription should convert to zero value")
	}
}
