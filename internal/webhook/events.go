// Package webhook applies verified payment processor events to the ledger
// exactly once.
package webhook

import (
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
)

// Processor event types the engine acts on. The short names are accepted as
// aliases for processors that do not namespace their events.
const (
	TypeCheckoutSessionCompleted = "checkout.session.completed"
	TypeCheckoutCompleted        = "checkout.completed"
	TypeInvoicePaid              = "invoice.paid"
	TypeSubscriptionUpdated      = "customer.subscription.updated"
	TypeSubscriptionDeleted      = "customer.subscription.deleted"
	TypeSubscriptionUpdatedShort = "subscription.updated"
	TypeSubscriptionDeletedShort = "subscription.deleted"
	TypeChargeRefunded           = "charge.refunded"
)

// Meta identifies a processor event.
type Meta struct {
	ID         string
	Type       string
	OccurredAt time.Time
}

// Header returns the event identity.
func (meta Meta) Header() Meta {
	return meta
}

// Event is one of CheckoutCompleted, InvoicePaid, SubscriptionChanged,
// ChargeRefunded or UnknownEvent.
type Event interface {
	Header() Meta
	event()
}

// CheckoutCompleted is a finished checkout session, either a one-off credit
// purchase (mode payment) or a new subscription (mode subscription).
type CheckoutCompleted struct {
	Meta
	SessionID         string
	Mode              processor.CheckoutMode
	PaymentStatus     processor.PaymentStatus
	ClientReferenceID string
	CustomerID        string
	SubscriptionID    string
	PaymentIntentID   string
	Metadata          map[string]string
}

// InvoicePaid is a paid subscription invoice opening a billing period.
type InvoicePaid struct {
	Meta
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	PriceID        string
	BillingReason  string
	PeriodEnd      time.Time
	Metadata       map[string]string
}

// SubscriptionChanged is a subscription snapshot after an update or deletion.
type SubscriptionChanged struct {
	Meta
	Subscription processor.Subscription
	Deleted      bool
}

// ChargeRefunded reports the cumulative refunded amount of a charge.
type ChargeRefunded struct {
	Meta
	ChargeID        string
	PaymentIntentID string
	CustomerID      string
	Amount          int64
	AmountRefunded  int64
}

// UnknownEvent is any event type without a registered handler.
type UnknownEvent struct {
	Meta
}

func (CheckoutCompleted) event()   {}
func (InvoicePaid) event()         {}
func (SubscriptionChanged) event() {}
func (ChargeRefunded) event()      {}
func (UnknownEvent) event()        {}
