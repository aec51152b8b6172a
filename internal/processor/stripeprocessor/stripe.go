// Package stripeprocessor adapts the Stripe API to processor.Processor.
package stripeprocessor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

// Config holds the Stripe credentials.
type Config struct {
	SecretKey     string
	WebhookSecret string
}

// Client talks to Stripe through the stripe-go package-level API.
type Client struct {
	webhookSecret string
	logger        *zap.Logger
}

// NewClient configures the global Stripe key and returns a Client.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(config.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is required", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SecretKey != "" {
		stripe.Key = config.SecretKey
	}
	return &Client{webhookSecret: config.WebhookSecret, logger: logger}, nil
}

// CreateCustomer implements processor.Processor.
func (client *Client) CreateCustomer(ctx context.Context, params processor.CustomerParams) (processor.Customer, error) {
	customerParams := &stripe.CustomerParams{
		Metadata: map[string]string{processor.MetadataAccountID: params.AccountID},
	}
	if params.Email != "" {
		customerParams.Email = stripe.String(params.Email)
	}
	customerParams.Context = ctx
	customerParams.SetIdempotencyKey(params.IdempotencyKey)
	created, err := customer.New(customerParams)
	if err != nil {
		return processor.Customer{}, mapError("create customer", err)
	}
	client.logger.Info("created stripe customer",
		zap.String("customer_id", created.ID),
		zap.String("account_id", params.AccountID),
	)
	return processor.Customer{ID: created.ID}, nil
}

// CreateCheckoutSession implements processor.Processor.
func (client *Client) CreateCheckoutSession(ctx context.Context, params processor.CheckoutParams) (processor.CheckoutSession, error) {
	metadata := map[string]string{processor.MetadataAccountID: params.AccountID}
	for key, value := range params.Metadata {
		metadata[key] = value
	}
	mode := stripe.CheckoutSessionModePayment
	if params.Mode == processor.CheckoutModeSubscription {
		mode = stripe.CheckoutSessionModeSubscription
	}
	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(mode)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(params.AccountID),
		Metadata:          metadata,
	}
	if params.CustomerID != "" {
		sessionParams.Customer = stripe.String(params.CustomerID)
	}
	if mode == stripe.CheckoutSessionModeSubscription {
		sessionParams.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	} else {
		sessionParams.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}
	}
	sessionParams.Context = ctx
	sessionParams.SetIdempotencyKey(params.IdempotencyKey)

	created, err := checkoutsession.New(sessionParams)
	if err != nil {
		return processor.CheckoutSession{}, mapError("create checkout session", err)
	}
	client.logger.Info("created stripe checkout session",
		zap.String("session_id", created.ID),
		zap.String("account_id", params.AccountID),
		zap.String("price_id", params.PriceID),
	)
	return convertSession(created), nil
}

// GetCheckoutSession implements processor.Processor.
func (client *Client) GetCheckoutSession(ctx context.Context, sessionID string) (processor.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := checkoutsession.Get(sessionID, params)
	if err != nil {
		return processor.CheckoutSession{}, mapError("get checkout session", err)
	}
	return convertSession(session), nil
}

// GetSubscription implements processor.Processor.
func (client *Client) GetSubscription(ctx context.Context, subscriptionID string) (processor.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return processor.Subscription{}, mapError("get subscription", err)
	}
	return ConvertSubscription(sub), nil
}

// CancelSubscription implements processor.Processor by cancelling at period end.
func (client *Client) CancelSubscription(ctx context.Context, subscriptionID string, idempotencyKey string) (processor.Subscription, error) {
	return client.setCancelAtPeriodEnd(ctx, subscriptionID, idempotencyKey, true)
}

// ResumeSubscription implements processor.Processor.
func (client *Client) ResumeSubscription(ctx context.Context, subscriptionID string, idempotencyKey string) (processor.Subscription, error) {
	return client.setCancelAtPeriodEnd(ctx, subscriptionID, idempotencyKey, false)
}

func (client *Client) setCancelAtPeriodEnd(ctx context.Context, subscriptionID string, idempotencyKey string, cancel bool) (processor.Subscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	updated, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return processor.Subscription{}, mapError("update subscription", err)
	}
	client.logger.Info("updated stripe subscription",
		zap.String("subscription_id", subscriptionID),
		zap.Bool("cancel_at_period_end", cancel),
	)
	return ConvertSubscription(updated), nil
}

// CreateRefund implements processor.Processor.
func (client *Client) CreateRefund(ctx context.Context, params processor.RefundParams) (processor.Refund, error) {
	refundParams := &stripe.RefundParams{}
	switch {
	case params.ChargeID != "":
		refundParams.Charge = stripe.String(params.ChargeID)
	case params.PaymentIntentID != "":
		refundParams.PaymentIntent = stripe.String(params.PaymentIntentID)
	default:
		return processor.Refund{}, fmt.Errorf("%w: refund needs a charge or payment intent", processor.ErrRejected)
	}
	refundParams.Context = ctx
	refundParams.SetIdempotencyKey(params.IdempotencyKey)
	created, err := refund.New(refundParams)
	if err != nil {
		return processor.Refund{}, mapError("create refund", err)
	}
	return processor.Refund{ID: created.ID, Status: string(created.Status)}, nil
}

// VerifyWebhook implements processor.WebhookVerifier.
func (client *Client) VerifyWebhook(payload []byte, signatureHeader string) (processor.WebhookEnvelope, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, client.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return processor.WebhookEnvelope{}, fmt.Errorf("%w: %v", ledger.ErrSignatureVerification, err)
	}
	envelope := processor.WebhookEnvelope{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data != nil {
		envelope.Object = event.Data.Raw
	}
	return envelope, nil
}

// ConvertSubscription maps a Stripe subscription to the processor view.
func ConvertSubscription(sub *stripe.Subscription) processor.Subscription {
	if sub == nil {
		return processor.Subscription{}
	}
	converted := processor.Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		converted.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.CurrentPeriodEnd > 0 {
			converted.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
		if item.Price != nil {
			converted.PriceID = item.Price.ID
		}
	}
	return converted
}

func convertSession(session *stripe.CheckoutSession) processor.CheckoutSession {
	converted := processor.CheckoutSession{
		ID:            session.ID,
		URL:           session.URL,
		Status:        processor.CheckoutStatus(session.Status),
		PaymentStatus: processor.PaymentStatus(session.PaymentStatus),
		Metadata:      session.Metadata,
	}
	if session.PaymentIntent != nil {
		converted.PaymentIntentID = session.PaymentIntent.ID
	}
	if session.Subscription != nil {
		converted.SubscriptionID = session.Subscription.ID
	}
	if session.Customer != nil {
		converted.CustomerID = session.Customer.ID
	}
	return converted
}

// mapError marks client errors other than rate limiting as permanent.
func mapError(operation string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status := stripeErr.HTTPStatusCode
		if status >= http.StatusBadRequest && status < http.StatusInternalServerError && status != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s: %s", processor.ErrRejected, operation, stripeErr.Msg)
		}
	}
	return fmt.Errorf("stripe %s: %w", operation, err)
}
