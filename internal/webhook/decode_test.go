package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
)

var createdAt = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func envelope(eventType string, object string) processor.WebhookEnvelope {
	return processor.WebhookEnvelope{ID: "evt_1", Type: eventType, Created: createdAt, Object: json.RawMessage(object)}
}

func TestDecodeEventUnion(test *testing.T) {
	test.Parallel()
	periodEnd := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	testCases := []struct {
		name     string
		envelope processor.WebhookEnvelope
		check    func(test *testing.T, event Event)
	}{
		{
			name:     "checkout alias",
			envelope: envelope(TypeCheckoutCompleted, `{"id":"cs_1","mode":"payment","payment_status":"paid","client_reference_id":"user-1","payment_intent":"pi_1","metadata":{"credits":"20"}}`),
			check: func(test *testing.T, event Event) {
				checkout, ok := event.(CheckoutCompleted)
				if !ok || checkout.SessionID != "cs_1" || checkout.Mode != processor.CheckoutModePayment || checkout.PaymentIntentID != "pi_1" || checkout.Metadata["credits"] != "20" {
					test.Fatalf("unexpected event %#v", event)
				}
			},
		},
		{
			name:     "invoice with legacy subscription field",
			envelope: envelope(TypeInvoicePaid, `{"id":"in_1","subscription":"sub_1","lines":{"data":[{"period":{"end":1775001600},"price":{"id":"price_pro"}}]}}`),
			check: func(test *testing.T, event Event) {
				invoice, ok := event.(InvoicePaid)
				if !ok || invoice.SubscriptionID != "sub_1" || invoice.PriceID != "price_pro" || !invoice.PeriodEnd.Equal(periodEnd) {
					test.Fatalf("unexpected event %#v", event)
				}
			},
		},
		{
			name:     "invoice with parent subscription details",
			envelope: envelope(TypeInvoicePaid, `{"id":"in_2","parent":{"subscription_details":{"subscription":"sub_2","metadata":{"account_id":"user-2"}}}}`),
			check: func(test *testing.T, event Event) {
				invoice, ok := event.(InvoicePaid)
				if !ok || invoice.SubscriptionID != "sub_2" || invoice.Metadata["account_id"] != "user-2" {
					test.Fatalf("unexpected event %#v", event)
				}
			},
		},
		{
			name:     "subscription deleted short name",
			envelope: envelope(TypeSubscriptionDeletedShort, `{"id":"sub_1","customer":"cus_1","status":"canceled","items":{"data":[{"current_period_end":1775001600,"price":{"id":"price_pro"}}]}}`),
			check: func(test *testing.T, event Event) {
				changed, ok := event.(SubscriptionChanged)
				if !ok || !changed.Deleted || changed.Subscription.PriceID != "price_pro" || !changed.Subscription.CurrentPeriodEnd.Equal(periodEnd) {
					test.Fatalf("unexpected event %#v", event)
				}
			},
		},
		{
			name:     "charge refunded",
			envelope: envelope(TypeChargeRefunded, `{"id":"ch_1","payment_intent":"pi_1","amount":2000,"amount_refunded":500}`),
			check: func(test *testing.T, event Event) {
				refunded, ok := event.(ChargeRefunded)
				if !ok || refunded.Amount != 2000 || refunded.AmountRefunded != 500 {
					test.Fatalf("unexpected event %#v", event)
				}
			},
		},
		{
			name:     "unknown type",
			envelope: envelope("payout.paid", `{}`),
			check: func(test *testing.T, event Event) {
				if _, ok := event.(UnknownEvent); !ok {
					test.Fatalf("unexpected event %#v", event)
				}
			},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			event, err := Decode(testCase.envelope)
			if err != nil {
				test.Fatalf("decode: %v", err)
			}
			if header := event.Header(); header.ID != "evt_1" || !header.OccurredAt.Equal(createdAt) {
				test.Fatalf("unexpected header %+v", header)
			}
			testCase.check(test, event)
		})
	}
}

func TestDecodeRejectsMalformedObjects(test *testing.T) {
	test.Parallel()
	testCases := []processor.WebhookEnvelope{
		envelope(TypeCheckoutSessionCompleted, `{"id":`),
		envelope(TypeInvoicePaid, ``),
		{Type: TypeChargeRefunded, Object: json.RawMessage(`{}`)},
	}
	for _, testCase := range testCases {
		if _, err := Decode(testCase); !errors.Is(err, ErrMalformedEvent) || !errors.Is(err, ledger.ErrValidation) {
			test.Fatalf("expected ErrMalformedEvent for %+v, got %v", testCase, err)
		}
	}
}

func TestRegistryFallsBackForUnregisteredTypes(test *testing.T) {
	test.Parallel()
	registry := NewRegistry(nil)
	calls := 0
	registry.Register(func(ctx context.Context, event Event) (Outcome, error) {
		calls++
		return OutcomeProcessed, nil
	}, TypeInvoicePaid)

	outcome, err := registry.Dispatch(context.Background(), InvoicePaid{Meta: Meta{ID: "evt_1", Type: TypeInvoicePaid}})
	if err != nil || outcome != OutcomeProcessed || calls != 1 {
		test.Fatalf("registered handler not used: %s %v %d", outcome, err, calls)
	}
	outcome, err = registry.Dispatch(context.Background(), UnknownEvent{Meta: Meta{ID: "evt_2", Type: "payout.paid"}})
	if err != nil || outcome != OutcomeIgnored || calls != 1 {
		test.Fatalf("fallback not used: %s %v %d", outcome, err, calls)
	}
}
