package processor

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Metadata keys the engine attaches to processor objects.
const (
	MetadataAccountID  = "account_id"
	MetadataPurchaseID = "purchase_id"
	MetadataCredits    = "credits"
	MetadataTier       = "tier"
)

// ErrRejected marks a permanent processor-side rejection (4xx). Such calls
// are neither retried nor counted against the circuit breaker.
var ErrRejected = errors.New("processor rejected request")

// CustomerParams describes a processor customer to create.
type CustomerParams struct {
	AccountID      string
	Email          string
	IdempotencyKey string
}

// Customer is the processor-side customer record.
type Customer struct {
	ID string
}

// CheckoutMode selects what a checkout session sells.
type CheckoutMode string

const (
	CheckoutModePayment      CheckoutMode = "payment"
	CheckoutModeSubscription CheckoutMode = "subscription"
)

// CheckoutParams describes a checkout session to create.
type CheckoutParams struct {
	AccountID      string
	CustomerID     string
	PriceID        string
	Mode           CheckoutMode
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutStatus is the processor-side state of a checkout session.
type CheckoutStatus string

const (
	CheckoutStatusOpen     CheckoutStatus = "open"
	CheckoutStatusComplete CheckoutStatus = "complete"
	CheckoutStatusExpired  CheckoutStatus = "expired"
)

// PaymentStatus is the payment state of a checkout session.
type PaymentStatus string

const (
	PaymentStatusPaid   PaymentStatus = "paid"
	PaymentStatusUnpaid PaymentStatus = "unpaid"
)

// CheckoutSession is the processor-side checkout session.
type CheckoutSession struct {
	ID              string
	URL             string
	Status          CheckoutStatus
	PaymentStatus   PaymentStatus
	PaymentIntentID string
	SubscriptionID  string
	CustomerID      string
	Metadata        map[string]string
}

// Paid reports whether the processor collected the payment.
func (session CheckoutSession) Paid() bool {
	return session.Status == CheckoutStatusComplete && session.PaymentStatus == PaymentStatusPaid
}

// Subscription is the processor-side view of a recurring subscription.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
	Metadata          map[string]string
}

// RefundParams describes a refund to create.
type RefundParams struct {
	AccountID       string
	ChargeID        string
	PaymentIntentID string
	IdempotencyKey  string
}

// Refund is the processor-side refund record.
type Refund struct {
	ID     string
	Status string
}

// Processor is the external payment processor API consumed by the engine.
type Processor interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (Customer, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, idempotencyKey string) (Subscription, error)
	ResumeSubscription(ctx context.Context, subscriptionID string, idempotencyKey string) (Subscription, error)
	CreateRefund(ctx context.Context, params RefundParams) (Refund, error)
}

// WebhookEnvelope is a verified processor event before type dispatch.
type WebhookEnvelope struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
}

// WebhookVerifier checks a webhook signature and decodes the envelope.
// Invalid signatures yield ledger.ErrSignatureVerification.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signatureHeader string) (WebhookEnvelope, error)
}
