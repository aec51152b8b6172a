// Package purchase bridges processor checkouts to ledger grants.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gateway is the subset of the processor gateway used for purchases.
type Gateway interface {
	CreateCustomer(ctx context.Context, accountID string, email string, nonce string) (processor.Customer, error)
	CreateCheckoutSession(ctx context.Context, params processor.CheckoutParams, nonce string) (processor.CheckoutSession, error)
	CreateRefund(ctx context.Context, params processor.RefundParams, nonce string) (processor.Refund, error)
}

// Config maps processor prices to what they sell.
type Config struct {
	// Packs maps a one-off price id to the credits it buys.
	Packs map[string]decimal.Decimal
	// TierPrices maps a paid tier to its recurring price id.
	TierPrices  map[ledger.Tier]string
	SuccessURL  string
	CancelURL   string
	CASAttempts int
}

// Service runs the purchase lifecycle pending → processing → completed | failed.
type Service struct {
	store   ledger.Store
	gateway Gateway
	config  Config
	nowFn   func() time.Time
	logger  *zap.Logger
}

// NewService wires a Service.
func NewService(store ledger.Store, gateway Gateway, config Config, now func() time.Time, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for priceID, credits := range config.Packs {
		if err := ledger.ValidateAmount(credits); err != nil {
			return nil, fmt.Errorf("%w: credit pack %s: %v", ledger.ErrInvalidServiceConfig, priceID, err)
		}
	}
	return &Service{store: store, gateway: gateway, config: config, nowFn: now, logger: logger}, nil
}

// CheckoutRequest starts a credit pack purchase.
type CheckoutRequest struct {
	AccountID ledger.AccountID
	PriceID   string
	Email     string
}

// Checkout is a started hosted checkout.
type Checkout struct {
	PurchaseID string
	SessionID  string
	URL        string
}

// StartCheckout records a pending purchase and opens a checkout session for
// it. The purchase id is the idempotency nonce, so a retried call never
// opens a second session. A processor failure marks the purchase failed.
func (service *Service) StartCheckout(ctx context.Context, request CheckoutRequest) (Checkout, error) {
	if request.AccountID.IsZero() {
		return Checkout{}, ledger.ErrInvalidAccountID
	}
	credits, ok := service.config.Packs[request.PriceID]
	if !ok {
		return Checkout{}, fmt.Errorf("%w: unknown credit pack %q", ledger.ErrValidation, request.PriceID)
	}
	now := service.nowFn().UTC()
	purchase := ledger.Purchase{
		PurchaseID:      uuid.NewString(),
		AccountID:       request.AccountID,
		Credits:         credits,
		RefundedCredits: decimal.Zero,
		PriceID:         request.PriceID,
		Status:          ledger.PurchaseStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := service.store.CreatePurchase(ctx, purchase); err != nil {
		return Checkout{}, err
	}
	customerID, err := service.EnsureCustomer(ctx, request.AccountID, request.Email)
	if err != nil {
		return Checkout{}, service.fail(ctx, purchase, err)
	}
	session, err := service.gateway.CreateCheckoutSession(ctx, processor.CheckoutParams{
		AccountID:  request.AccountID.String(),
		CustomerID: customerID,
		PriceID:    request.PriceID,
		Mode:       processor.CheckoutModePayment,
		SuccessURL: service.config.SuccessURL,
		CancelURL:  service.config.CancelURL,
		Metadata: map[string]string{
			processor.MetadataPurchaseID: purchase.PurchaseID,
			processor.MetadataCredits:    credits.String(),
		},
	}, purchase.PurchaseID)
	if err != nil {
		return Checkout{}, service.fail(ctx, purchase, err)
	}
	purchase.CheckoutSessionID = session.ID
	purchase.Status = ledger.PurchaseStatusProcessing
	purchase.UpdatedAt = service.nowFn().UTC()
	if err := service.store.UpdatePurchase(ctx, purchase, ledger.PurchaseStatusPending); err != nil {
		return Checkout{}, err
	}
	service.logger.Info("checkout started",
		zap.String("account_id", request.AccountID.String()),
		zap.String("purchase_id", purchase.PurchaseID),
		zap.String("session_id", session.ID),
		zap.String("credits", credits.String()),
	)
	return Checkout{PurchaseID: purchase.PurchaseID, SessionID: session.ID, URL: session.URL}, nil
}

// SubscriptionCheckoutRequest starts a paid subscription checkout.
type SubscriptionCheckoutRequest struct {
	AccountID ledger.AccountID
	Tier      ledger.Tier
	Email     string
	Nonce     string
}

// StartSubscriptionCheckout opens a recurring checkout for a paid tier. The
// subscription itself is activated by the checkout.session.completed event.
func (service *Service) StartSubscriptionCheckout(ctx context.Context, request SubscriptionCheckoutRequest) (Checkout, error) {
	if request.AccountID.IsZero() {
		return Checkout{}, ledger.ErrInvalidAccountID
	}
	priceID, ok := service.config.TierPrices[request.Tier]
	if !ok || !request.Tier.IsPaid() {
		return Checkout{}, fmt.Errorf("%w: no subscription price for tier %q", ledger.ErrInvalidTier, request.Tier)
	}
	nonce := strings.TrimSpace(request.Nonce)
	if nonce == "" {
		nonce = uuid.NewString()
	}
	customerID, err := service.EnsureCustomer(ctx, request.AccountID, request.Email)
	if err != nil {
		return Checkout{}, err
	}
	session, err := service.gateway.CreateCheckoutSession(ctx, processor.CheckoutParams{
		AccountID:  request.AccountID.String(),
		CustomerID: customerID,
		PriceID:    priceID,
		Mode:       processor.CheckoutModeSubscription,
		SuccessURL: service.config.SuccessURL,
		CancelURL:  service.config.CancelURL,
		Metadata:   map[string]string{processor.MetadataTier: string(request.Tier)},
	}, string(request.Tier)+":"+nonce)
	if err != nil {
		return Checkout{}, err
	}
	return Checkout{SessionID: session.ID, URL: session.URL}, nil
}

// EnsureCustomer returns the processor customer of an account, creating it on
// first use. Concurrent callers converge on the first stored id.
func (service *Service) EnsureCustomer(ctx context.Context, accountID ledger.AccountID, email string) (string, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		return "", err
	}
	if err == nil && account.ExternalCustomerID != "" {
		return account.ExternalCustomerID, nil
	}
	customer, err := service.gateway.CreateCustomer(ctx, accountID.String(), email, accountID.String())
	if err != nil {
		return "", err
	}
	updated, err := ledger.MutateAccount(ctx, service.store, accountID, service.config.CASAttempts, service.nowFn,
		func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, error) {
			if account.ExternalCustomerID != "" {
				return account, nil
			}
			account.ExternalCustomerID = customer.ID
			account.UpdatedAt = now
			return txStore.UpdateAccount(ctx, account)
		})
	if err != nil {
		return "", err
	}
	return updated.ExternalCustomerID, nil
}

func (service *Service) fail(ctx context.Context, purchase ledger.Purchase, cause error) error {
	expected := purchase.Status
	purchase.Status = ledger.PurchaseStatusFailed
	purchase.UpdatedAt = service.nowFn().UTC()
	if err := service.store.UpdatePurchase(ctx, purchase, expected); err != nil {
		service.logger.Error("mark purchase failed", zap.String("purchase_id", purchase.PurchaseID), zap.Error(err))
	}
	service.logger.Warn("checkout failed",
		zap.String("account_id", purchase.AccountID.String()),
		zap.String("purchase_id", purchase.PurchaseID),
		zap.Error(cause),
	)
	return cause
}
