// Package processortest provides an in-memory payment processor for tests.
package processortest

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
)

// Fake is an in-memory processor.Processor. Mutating calls are deduplicated
// by idempotency key the way a real processor does it.
type Fake struct {
	mutex sync.Mutex

	Sessions      map[string]processor.CheckoutSession
	Subscriptions map[string]processor.Subscription
	// Err, when set, is returned by every call.
	Err error

	Calls           map[string]int
	IdempotencyKeys []string
	idempotent      map[string]any
	nextCounter     int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Sessions:      map[string]processor.CheckoutSession{},
		Subscriptions: map[string]processor.Subscription{},
		Calls:         map[string]int{},
		idempotent:    map[string]any{},
	}
}

// SetErr changes the error returned by every call.
func (fake *Fake) SetErr(err error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.Err = err
}

// PutSession stores or replaces a checkout session.
func (fake *Fake) PutSession(session processor.CheckoutSession) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.Sessions[session.ID] = session
}

// PutSubscription stores or replaces a subscription.
func (fake *Fake) PutSubscription(subscription processor.Subscription) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.Subscriptions[subscription.ID] = subscription
}

// CallCount returns how often operation reached the fake.
func (fake *Fake) CallCount(operation string) int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.Calls[operation]
}

func (fake *Fake) begin(operation string, idempotencyKey string) (any, bool, error) {
	fake.Calls[operation]++
	if fake.Err != nil {
		return nil, false, fake.Err
	}
	if idempotencyKey == "" {
		return nil, false, nil
	}
	fake.IdempotencyKeys = append(fake.IdempotencyKeys, idempotencyKey)
	previous, ok := fake.idempotent[idempotencyKey]
	return previous, ok, nil
}

func (fake *Fake) nextID(prefix string) string {
	fake.nextCounter++
	return fmt.Sprintf("%s_%d", prefix, fake.nextCounter)
}

// CreateCustomer implements processor.Processor.
func (fake *Fake) CreateCustomer(ctx context.Context, params processor.CustomerParams) (processor.Customer, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	previous, replay, err := fake.begin(processor.OperationCreateCustomer, params.IdempotencyKey)
	if err != nil {
		return processor.Customer{}, err
	}
	if replay {
		return previous.(processor.Customer), nil
	}
	customer := processor.Customer{ID: fake.nextID("cus")}
	fake.idempotent[params.IdempotencyKey] = customer
	return customer, nil
}

// CreateCheckoutSession implements processor.Processor.
func (fake *Fake) CreateCheckoutSession(ctx context.Context, params processor.CheckoutParams) (processor.CheckoutSession, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	previous, replay, err := fake.begin(processor.OperationCreateCheckout, params.IdempotencyKey)
	if err != nil {
		return processor.CheckoutSession{}, err
	}
	if replay {
		return previous.(processor.CheckoutSession), nil
	}
	id := fake.nextID("cs")
	session := processor.CheckoutSession{
		ID:            id,
		URL:           "https://checkout.test/" + id,
		Status:        processor.CheckoutStatusOpen,
		PaymentStatus: processor.PaymentStatusUnpaid,
		CustomerID:    params.CustomerID,
		Metadata:      params.Metadata,
	}
	fake.Sessions[id] = session
	fake.idempotent[params.IdempotencyKey] = session
	return session, nil
}

// GetCheckoutSession implements processor.Processor.
func (fake *Fake) GetCheckoutSession(ctx context.Context, sessionID string) (processor.CheckoutSession, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if _, _, err := fake.begin(processor.OperationGetCheckout, ""); err != nil {
		return processor.CheckoutSession{}, err
	}
	session, ok := fake.Sessions[sessionID]
	if !ok {
		return processor.CheckoutSession{}, fmt.Errorf("%w: no such checkout session %s", processor.ErrRejected, sessionID)
	}
	return session, nil
}

// GetSubscription implements processor.Processor.
func (fake *Fake) GetSubscription(ctx context.Context, subscriptionID string) (processor.Subscription, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if _, _, err := fake.begin(processor.OperationGetSubscription, ""); err != nil {
		return processor.Subscription{}, err
	}
	subscription, ok := fake.Subscriptions[subscriptionID]
	if !ok {
		return processor.Subscription{}, fmt.Errorf("%w: no such subscription %s", processor.ErrRejected, subscriptionID)
	}
	return subscription, nil
}

// CancelSubscription implements processor.Processor.
func (fake *Fake) CancelSubscription(ctx context.Context, subscriptionID string, idempotencyKey string) (processor.Subscription, error) {
	return fake.setCancelAtPeriodEnd(processor.OperationCancelSubscription, subscriptionID, idempotencyKey, true)
}

// ResumeSubscription implements processor.Processor.
func (fake *Fake) ResumeSubscription(ctx context.Context, subscriptionID string, idempotencyKey string) (processor.Subscription, error) {
	return fake.setCancelAtPeriodEnd(processor.OperationResumeSubscription, subscriptionID, idempotencyKey, false)
}

func (fake *Fake) setCancelAtPeriodEnd(operation string, subscriptionID string, idempotencyKey string, cancel bool) (processor.Subscription, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	previous, replay, err := fake.begin(operation, idempotencyKey)
	if err != nil {
		return processor.Subscription{}, err
	}
	if replay {
		return previous.(processor.Subscription), nil
	}
	subscription, ok := fake.Subscriptions[subscriptionID]
	if !ok {
		return processor.Subscription{}, fmt.Errorf("%w: no such subscription %s", processor.ErrRejected, subscriptionID)
	}
	subscription.CancelAtPeriodEnd = cancel
	fake.Subscriptions[subscriptionID] = subscription
	fake.idempotent[idempotencyKey] = subscription
	return subscription, nil
}

// CreateRefund implements processor.Processor.
func (fake *Fake) CreateRefund(ctx context.Context, params processor.RefundParams) (processor.Refund, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	previous, replay, err := fake.begin(processor.OperationCreateRefund, params.IdempotencyKey)
	if err != nil {
		return processor.Refund{}, err
	}
	if replay {
		return previous.(processor.Refund), nil
	}
	refund := processor.Refund{ID: fake.nextID("re"), Status: "succeeded"}
	fake.idempotent[params.IdempotencyKey] = refund
	return refund, nil
}
