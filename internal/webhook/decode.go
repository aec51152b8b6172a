package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
)

// ErrMalformedEvent reports a verified event whose object cannot be decoded.
var ErrMalformedEvent = fmt.Errorf("%w: malformed webhook event", ledger.ErrValidation)

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	PaymentIntent     string            `json:"payment_intent"`
	Metadata          map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	Subscription  string            `json:"subscription"`
	BillingReason string            `json:"billing_reason"`
	Metadata      map[string]string `json:"metadata"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing struct {
				PriceDetails struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

type subscriptionObject struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type chargeObject struct {
	ID             string `json:"id"`
	Customer       string `json:"customer"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
}

// Decode turns a verified envelope into its typed event. Types without a
// decoder become UnknownEvent.
func Decode(envelope processor.WebhookEnvelope) (Event, error) {
	if envelope.ID == "" {
		return nil, fmt.Errorf("%w: event id is missing", ErrMalformedEvent)
	}
	meta := Meta{ID: envelope.ID, Type: envelope.Type, OccurredAt: envelope.Created.UTC()}
	switch envelope.Type {
	case TypeCheckoutSessionCompleted, TypeCheckoutCompleted:
		var object checkoutSessionObject
		if err := unmarshalObject(envelope, &object); err != nil {
			return nil, err
		}
		return CheckoutCompleted{
			Meta:              meta,
			SessionID:         object.ID,
			Mode:              processor.CheckoutMode(object.Mode),
			PaymentStatus:     processor.PaymentStatus(object.PaymentStatus),
			ClientReferenceID: object.ClientReferenceID,
			CustomerID:        object.Customer,
			SubscriptionID:    object.Subscription,
			PaymentIntentID:   object.PaymentIntent,
			Metadata:          object.Metadata,
		}, nil
	case TypeInvoicePaid:
		var object invoiceObject
		if err := unmarshalObject(envelope, &object); err != nil {
			return nil, err
		}
		event := InvoicePaid{
			Meta:           meta,
			InvoiceID:      object.ID,
			CustomerID:     object.Customer,
			SubscriptionID: object.Subscription,
			BillingReason:  object.BillingReason,
			Metadata:       object.Metadata,
		}
		if event.SubscriptionID == "" {
			event.SubscriptionID = object.Parent.SubscriptionDetails.Subscription
		}
		if len(event.Metadata) == 0 {
			event.Metadata = object.Parent.SubscriptionDetails.Metadata
		}
		if len(object.Lines.Data) > 0 {
			line := object.Lines.Data[0]
			event.PeriodEnd = unixTime(line.Period.End)
			event.PriceID = line.Price.ID
			if event.PriceID == "" {
				event.PriceID = line.Pricing.PriceDetails.Price
			}
		}
		return event, nil
	case TypeSubscriptionUpdated, TypeSubscriptionDeleted, TypeSubscriptionUpdatedShort, TypeSubscriptionDeletedShort:
		var object subscriptionObject
		if err := unmarshalObject(envelope, &object); err != nil {
			return nil, err
		}
		snapshot := processor.Subscription{
			ID:                object.ID,
			CustomerID:        object.Customer,
			Status:            object.Status,
			CancelAtPeriodEnd: object.CancelAtPeriodEnd,
			CurrentPeriodEnd:  unixTime(object.CurrentPeriodEnd),
			Metadata:          object.Metadata,
		}
		if len(object.Items.Data) > 0 {
			item := object.Items.Data[0]
			snapshot.PriceID = item.Price.ID
			if item.CurrentPeriodEnd > 0 {
				snapshot.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
			}
		}
		deleted := envelope.Type == TypeSubscriptionDeleted || envelope.Type == TypeSubscriptionDeletedShort
		return SubscriptionChanged{Meta: meta, Subscription: snapshot, Deleted: deleted}, nil
	case TypeChargeRefunded:
		var object chargeObject
		if err := unmarshalObject(envelope, &object); err != nil {
			return nil, err
		}
		return ChargeRefunded{
			Meta:            meta,
			ChargeID:        object.ID,
			PaymentIntentID: object.PaymentIntent,
			CustomerID:      object.Customer,
			Amount:          object.Amount,
			AmountRefunded:  object.AmountRefunded,
		}, nil
	default:
		return UnknownEvent{Meta: meta}, nil
	}
}

func unmarshalObject(envelope processor.WebhookEnvelope, target any) error {
	if len(envelope.Object) == 0 {
		return fmt.Errorf("%w: %s %s has no object", ErrMalformedEvent, envelope.Type, envelope.ID)
	}
	if err := json.Unmarshal(envelope.Object, target); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedEvent, envelope.Type, envelope.ID, err)
	}
	return nil
}

func unixTime(seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}
