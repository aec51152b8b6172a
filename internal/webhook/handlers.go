package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/internal/purchase"
	"github.com/MarkoPoloResearchLab/billing/internal/subscription"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnresolvedAccount reports an event that names no known account. The
// delivery fails so the processor redelivers it once the account is linked.
var ErrUnresolvedAccount = fmt.Errorf("%w: no account for processor event", ledger.ErrAccountNotFound)

// Purchases completes and refunds credit purchases.
type Purchases interface {
	Complete(ctx context.Context, request purchase.CompleteRequest) (purchase.Completion, error)
	ApplyRefund(ctx context.Context, notice purchase.RefundNotice) (purchase.RefundResult, error)
}

// Subscriptions applies event-driven subscription transitions.
type Subscriptions interface {
	ActivatePaid(ctx context.Context, activation subscription.Activation) (subscription.Transition, error)
	RenewPeriod(ctx context.Context, renewal subscription.Renewal) (subscription.Transition, error)
	ApplyProcessorUpdate(ctx context.Context, update subscription.ProcessorUpdate) (subscription.Transition, error)
	TierForPrice(priceID string) (ledger.Tier, bool)
}

// Granter credits an account directly.
type Granter interface {
	Grant(ctx context.Context, request ledger.GrantRequest) (ledger.Balance, error)
}

// AccountFinder resolves processor identifiers to accounts.
type AccountFinder interface {
	FindAccountByCustomerID(ctx context.Context, customerID string) (ledger.Account, error)
	FindAccountBySubscriptionID(ctx context.Context, subscriptionID string) (ledger.Account, error)
}

// Handlers maps each processor event type onto ledger and subscription
// operations.
type Handlers struct {
	purchases     Purchases
	subscriptions Subscriptions
	granter       Granter
	accounts      AccountFinder
	logger        *zap.Logger
}

// NewHandlers wires Handlers.
func NewHandlers(purchases Purchases, subscriptions Subscriptions, granter Granter, accounts AccountFinder, logger *zap.Logger) (*Handlers, error) {
	if purchases == nil || subscriptions == nil || granter == nil || accounts == nil {
		return nil, fmt.Errorf("%w: webhook handler dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		purchases:     purchases,
		subscriptions: subscriptions,
		granter:       granter,
		accounts:      accounts,
		logger:        logger,
	}, nil
}

// Register binds every supported event type on registry.
func (handlers *Handlers) Register(registry *Registry) {
	registry.Register(handlers.CheckoutCompleted, TypeCheckoutSessionCompleted, TypeCheckoutCompleted)
	registry.Register(handlers.InvoicePaid, TypeInvoicePaid)
	registry.Register(handlers.SubscriptionChanged,
		TypeSubscriptionUpdated, TypeSubscriptionDeleted,
		TypeSubscriptionUpdatedShort, TypeSubscriptionDeletedShort)
	registry.Register(handlers.ChargeRefunded, TypeChargeRefunded)
}

// CheckoutCompleted grants a credit purchase or activates a subscription.
func (handlers *Handlers) CheckoutCompleted(ctx context.Context, event Event) (Outcome, error) {
	checkout, ok := event.(CheckoutCompleted)
	if !ok {
		return "", unexpectedEvent(event)
	}
	if checkout.PaymentStatus == processor.PaymentStatusUnpaid {
		handlers.logger.Info("checkout completed without payment",
			zap.String("event_id", checkout.ID),
			zap.String("session_id", checkout.SessionID),
		)
		return OutcomeIgnored, nil
	}
	if checkout.Mode == processor.CheckoutModeSubscription {
		return handlers.activateSubscription(ctx, checkout)
	}
	return handlers.completePurchase(ctx, checkout)
}

func (handlers *Handlers) completePurchase(ctx context.Context, checkout CheckoutCompleted) (Outcome, error) {
	completion, err := handlers.purchases.Complete(ctx, purchase.CompleteRequest{
		PurchaseID:        checkout.Metadata[processor.MetadataPurchaseID],
		CheckoutSessionID: checkout.SessionID,
		PaymentIntentID:   checkout.PaymentIntentID,
		ExternalEventID:   checkout.ID,
	})
	if errors.Is(err, ledger.ErrPurchaseNotFound) {
		return handlers.grantFromMetadata(ctx, checkout)
	}
	if errors.Is(err, ledger.ErrDuplicateExternalEvent) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	if !completion.Applied {
		return OutcomeDuplicate, nil
	}
	return OutcomeProcessed, nil
}

// grantFromMetadata credits a checkout that has no purchase row, using the
// account and credit amount carried in the session metadata.
func (handlers *Handlers) grantFromMetadata(ctx context.Context, checkout CheckoutCompleted) (Outcome, error) {
	account, err := handlers.resolveAccount(ctx, checkout.Metadata, checkout.ClientReferenceID, "", checkout.CustomerID)
	if err != nil {
		return "", err
	}
	rawCredits := checkout.Metadata[processor.MetadataCredits]
	credits, err := decimal.NewFromString(rawCredits)
	if err != nil {
		return "", fmt.Errorf("%w: checkout %s credits %q", ErrMalformedEvent, checkout.SessionID, rawCredits)
	}
	_, err = handlers.granter.Grant(ctx, ledger.GrantRequest{
		AccountID:       account,
		Amount:          credits,
		Type:            ledger.EntryPurchase,
		ExternalEventID: checkout.ID,
		Metadata: ledger.MetadataFromMap(map[string]string{
			"checkout_session_id": checkout.SessionID,
			"payment_intent_id":   checkout.PaymentIntentID,
		}),
	})
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (handlers *Handlers) activateSubscription(ctx context.Context, checkout CheckoutCompleted) (Outcome, error) {
	account, err := handlers.resolveAccount(ctx, checkout.Metadata, checkout.ClientReferenceID, checkout.SubscriptionID, checkout.CustomerID)
	if err != nil {
		return "", err
	}
	tier, err := ledger.ParseTier(checkout.Metadata[processor.MetadataTier])
	if err != nil {
		return "", fmt.Errorf("%w: checkout %s: %v", ErrMalformedEvent, checkout.SessionID, err)
	}
	transition, err := handlers.subscriptions.ActivatePaid(ctx, subscription.Activation{
		AccountID:      account,
		Tier:           tier,
		SubscriptionID: checkout.SubscriptionID,
		CustomerID:     checkout.CustomerID,
		Event:          subscriptionEvent(checkout.Meta),
	})
	if err != nil {
		return "", err
	}
	return transitionOutcome(transition), nil
}

// InvoicePaid renews the expiring allowance of a subscription.
func (handlers *Handlers) InvoicePaid(ctx context.Context, event Event) (Outcome, error) {
	invoice, ok := event.(InvoicePaid)
	if !ok {
		return "", unexpectedEvent(event)
	}
	if invoice.SubscriptionID == "" {
		return OutcomeIgnored, nil
	}
	account, err := handlers.resolveAccount(ctx, invoice.Metadata, "", invoice.SubscriptionID, invoice.CustomerID)
	if err != nil {
		return "", err
	}
	tier, _ := handlers.subscriptions.TierForPrice(invoice.PriceID)
	if tier == "" {
		if parsed, err := ledger.ParseTier(invoice.Metadata[processor.MetadataTier]); err == nil {
			tier = parsed
		}
	}
	transition, err := handlers.subscriptions.RenewPeriod(ctx, subscription.Renewal{
		AccountID:      account,
		SubscriptionID: invoice.SubscriptionID,
		Tier:           tier,
		PeriodEnd:      invoice.PeriodEnd,
		Event:          subscriptionEvent(invoice.Meta),
	})
	if err != nil {
		return "", err
	}
	return transitionOutcome(transition), nil
}

// SubscriptionChanged maps a subscription update or deletion onto the account.
func (handlers *Handlers) SubscriptionChanged(ctx context.Context, event Event) (Outcome, error) {
	changed, ok := event.(SubscriptionChanged)
	if !ok {
		return "", unexpectedEvent(event)
	}
	snapshot := changed.Subscription
	account, err := handlers.resolveAccount(ctx, snapshot.Metadata, "", snapshot.ID, snapshot.CustomerID)
	if err != nil {
		return "", err
	}
	transition, err := handlers.subscriptions.ApplyProcessorUpdate(ctx, subscription.ProcessorUpdate{
		AccountID:    account,
		Subscription: snapshot,
		Deleted:      changed.Deleted,
		Event:        subscriptionEvent(changed.Meta),
	})
	if err != nil {
		return "", err
	}
	return transitionOutcome(transition), nil
}

// ChargeRefunded reverses the refunded share of a credit purchase.
func (handlers *Handlers) ChargeRefunded(ctx context.Context, event Event) (Outcome, error) {
	refunded, ok := event.(ChargeRefunded)
	if !ok {
		return "", unexpectedEvent(event)
	}
	if refunded.PaymentIntentID == "" {
		return OutcomeIgnored, nil
	}
	result, err := handlers.purchases.ApplyRefund(ctx, purchase.RefundNotice{
		PaymentIntentID: refunded.PaymentIntentID,
		ChargeID:        refunded.ChargeID,
		AmountCharged:   refunded.Amount,
		AmountRefunded:  refunded.AmountRefunded,
		ExternalEventID: refunded.ID,
	})
	switch {
	case errors.Is(err, ledger.ErrPurchaseNotFound):
		handlers.logger.Info("refund for a charge that is not a credit purchase",
			zap.String("event_id", refunded.ID),
			zap.String("payment_intent_id", refunded.PaymentIntentID),
		)
		return OutcomeIgnored, nil
	case errors.Is(err, ledger.ErrDuplicateExternalEvent):
		return OutcomeDuplicate, nil
	case err != nil:
		return "", err
	case !result.Applied:
		return OutcomeDuplicate, nil
	default:
		return OutcomeProcessed, nil
	}
}

// resolveAccount prefers the account id the engine put in metadata, then the
// client reference, then the stored subscription and customer links.
func (handlers *Handlers) resolveAccount(ctx context.Context, metadata map[string]string, clientReferenceID string, subscriptionID string, customerID string) (ledger.AccountID, error) {
	for _, raw := range []string{metadata[processor.MetadataAccountID], clientReferenceID} {
		if accountID, err := ledger.NewAccountID(raw); err == nil {
			return accountID, nil
		}
	}
	if subscriptionID != "" {
		account, err := handlers.accounts.FindAccountBySubscriptionID(ctx, subscriptionID)
		if err == nil {
			return account.AccountID, nil
		}
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			return ledger.AccountID{}, err
		}
	}
	if customerID != "" {
		account, err := handlers.accounts.FindAccountByCustomerID(ctx, customerID)
		if err == nil {
			return account.AccountID, nil
		}
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			return ledger.AccountID{}, err
		}
	}
	return ledger.AccountID{}, fmt.Errorf("%w: subscription %q customer %q", ErrUnresolvedAccount, subscriptionID, customerID)
}

func subscriptionEvent(meta Meta) subscription.Event {
	return subscription.Event{ID: meta.ID, Type: meta.Type, OccurredAt: meta.OccurredAt}
}

func transitionOutcome(transition subscription.Transition) Outcome {
	if transition.Applied {
		return OutcomeProcessed
	}
	return OutcomeDuplicate
}

func unexpectedEvent(event Event) error {
	return fmt.Errorf("%w: unexpected %T for %s", ErrMalformedEvent, event, event.Header().Type)
}
