package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
)

const (
	OperationCreateCustomer     = "create_customer"
	OperationCreateCheckout     = "create_checkout_session"
	OperationGetCheckout        = "get_checkout_session"
	OperationGetSubscription    = "get_subscription"
	OperationCancelSubscription = "cancel_subscription"
	OperationResumeSubscription = "resume_subscription"
	OperationCreateRefund       = "create_refund"

	maxIdempotencyKeyLength = 255

	defaultMaxRetries = 2
	defaultBaseDelay  = 200 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second

	errorOperationGateway = "gateway"
	errorCodeCall         = "call"
)

// GatewayConfig bounds the retries of transient processor failures.
type GatewayConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Gateway is the resilient entry point to the payment processor: every call
// goes through the circuit breaker, transient failures are retried with the
// same idempotency key, and timeouts are never retried.
type Gateway struct {
	processor Processor
	breaker   *CircuitBreaker
	config    GatewayConfig
	logger    *zap.Logger
}

// NewGateway wires a Gateway.
func NewGateway(processor Processor, breaker *CircuitBreaker, config GatewayConfig, logger *zap.Logger) (*Gateway, error) {
	if processor == nil {
		return nil, fmt.Errorf("%w: processor dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if breaker == nil {
		return nil, fmt.Errorf("%w: circuit breaker dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaultBaseDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = defaultMaxDelay
		if config.MaxDelay < config.BaseDelay {
			config.MaxDelay = config.BaseDelay
		}
	}
	return &Gateway{processor: processor, breaker: breaker, config: config, logger: logger}, nil
}

// DefaultGatewayConfig returns the retry bounds used by the daemon.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{MaxRetries: defaultMaxRetries, BaseDelay: defaultBaseDelay, MaxDelay: defaultMaxDelay}
}

// Breaker exposes the breaker guarding this gateway.
func (gateway *Gateway) Breaker() *CircuitBreaker {
	return gateway.breaker
}

// IdempotencyKey derives the deterministic key "operation:account:nonce".
// Keys longer than the processor limit are replaced by their digest.
func IdempotencyKey(operation string, accountID string, nonce string) string {
	key := strings.Join([]string{operation, accountID, nonce}, ":")
	if len(key) <= maxIdempotencyKeyLength {
		return key
	}
	digest := sha256.Sum256([]byte(key))
	return operation + ":" + hex.EncodeToString(digest[:])
}

// CreateCustomer creates the processor customer of an account.
func (gateway *Gateway) CreateCustomer(ctx context.Context, accountID string, email string, nonce string) (Customer, error) {
	params := CustomerParams{
		AccountID:      accountID,
		Email:          email,
		IdempotencyKey: IdempotencyKey(OperationCreateCustomer, accountID, nonce),
	}
	return execute(ctx, gateway, OperationCreateCustomer, func(callCtx context.Context) (Customer, error) {
		return gateway.processor.CreateCustomer(callCtx, params)
	})
}

// CreateCheckoutSession opens a hosted checkout; nonce is usually the purchase id.
func (gateway *Gateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams, nonce string) (CheckoutSession, error) {
	params.IdempotencyKey = IdempotencyKey(OperationCreateCheckout, params.AccountID, nonce)
	return execute(ctx, gateway, OperationCreateCheckout, func(callCtx context.Context) (CheckoutSession, error) {
		return gateway.processor.CreateCheckoutSession(callCtx, params)
	})
}

// GetCheckoutSession reads a checkout session.
func (gateway *Gateway) GetCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	return execute(ctx, gateway, OperationGetCheckout, func(callCtx context.Context) (CheckoutSession, error) {
		return gateway.processor.GetCheckoutSession(callCtx, sessionID)
	})
}

// GetSubscription reads a subscription.
func (gateway *Gateway) GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error) {
	return execute(ctx, gateway, OperationGetSubscription, func(callCtx context.Context) (Subscription, error) {
		return gateway.processor.GetSubscription(callCtx, subscriptionID)
	})
}

// CancelSubscription schedules cancellation at the end of the current period.
func (gateway *Gateway) CancelSubscription(ctx context.Context, accountID string, subscriptionID string, nonce string) (Subscription, error) {
	key := IdempotencyKey(OperationCancelSubscription, accountID, nonce)
	return execute(ctx, gateway, OperationCancelSubscription, func(callCtx context.Context) (Subscription, error) {
		return gateway.processor.CancelSubscription(callCtx, subscriptionID, key)
	})
}

// ResumeSubscription withdraws a scheduled cancellation.
func (gateway *Gateway) ResumeSubscription(ctx context.Context, accountID string, subscriptionID string, nonce string) (Subscription, error) {
	key := IdempotencyKey(OperationResumeSubscription, accountID, nonce)
	return execute(ctx, gateway, OperationResumeSubscription, func(callCtx context.Context) (Subscription, error) {
		return gateway.processor.ResumeSubscription(callCtx, subscriptionID, key)
	})
}

// CreateRefund refunds a charge.
func (gateway *Gateway) CreateRefund(ctx context.Context, params RefundParams, nonce string) (Refund, error) {
	params.IdempotencyKey = IdempotencyKey(OperationCreateRefund, params.AccountID, nonce)
	return execute(ctx, gateway, OperationCreateRefund, func(callCtx context.Context) (Refund, error) {
		return gateway.processor.CreateRefund(callCtx, params)
	})
}

func execute[T any](ctx context.Context, gateway *Gateway, operation string, call func(ctx context.Context) (T, error)) (T, error) {
	policy := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return isRetryable(err)
		}).
		WithBackoff(gateway.config.BaseDelay, gateway.config.MaxDelay).
		WithMaxRetries(gateway.config.MaxRetries).
		ReturnLastFailure().
		Build()

	attempt := 0
	result, err := failsafe.With[T](policy).WithContext(ctx).Get(func() (T, error) {
		attempt++
		value, callErr := Call(ctx, gateway.breaker, call)
		if callErr != nil {
			gateway.logger.Debug("processor call failed",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(callErr),
			)
		}
		return value, callErr
	})
	if err == nil {
		return result, nil
	}
	var zero T
	if !errors.Is(err, ErrRejected) && !errors.Is(err, ledger.ErrProcessorUnavailable) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %w", ledger.ErrProcessorUnavailable, err)
	}
	gateway.logger.Warn("processor call gave up",
		zap.String("operation", operation),
		zap.Int("attempts", attempt),
		zap.String("breaker_state", gateway.breaker.State().String()),
		zap.Error(err),
	)
	return zero, ledger.WrapError(errorOperationGateway, operation, errorCodeCall, err)
}

// isRetryable accepts transient failures only. Open circuits, timeouts,
// permanent rejections and caller cancellation end the call.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ledger.ErrProcessorUnavailable),
		errors.Is(err, ErrRejected),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}
