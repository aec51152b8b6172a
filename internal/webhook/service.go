package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/lease"
	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultLeaseTTL = 2 * time.Minute
	leaseKeyPrefix  = "webhook:"
)

// EventLog is the processed-event audit table.
type EventLog interface {
	WebhookEventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordWebhookEvent(ctx context.Context, eventID string, eventType string, processedAt time.Time) error
}

// Observer receives the outcome of every verified delivery.
type Observer interface {
	ObserveWebhook(eventType string, outcome Outcome, duration time.Duration, err error)
}

// Result describes a settled delivery.
type Result struct {
	EventID   string
	EventType string
	Outcome   Outcome
}

// Config tunes the delivery pipeline.
type Config struct {
	LeaseTTL time.Duration
}

// Option customizes a Service.
type Option func(*Service)

// WithObserver reports every delivery to observer.
func WithObserver(observer Observer) Option {
	return func(service *Service) {
		service.observer = observer
	}
}

// Service verifies, deduplicates and dispatches processor webhooks.
type Service struct {
	verifier processor.WebhookVerifier
	registry *Registry
	leases   lease.Store
	events   EventLog
	config   Config
	nowFn    func() time.Time
	logger   *zap.Logger
	observer Observer
}

// NewService wires a Service.
func NewService(verifier processor.WebhookVerifier, registry *Registry, leases lease.Store, events EventLog, config Config, now func() time.Time, logger *zap.Logger, options ...Option) (*Service, error) {
	if verifier == nil || registry == nil || leases == nil || events == nil {
		return nil, fmt.Errorf("%w: webhook dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = defaultLeaseTTL
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{
		verifier: verifier,
		registry: registry,
		leases:   leases,
		events:   events,
		config:   config,
		nowFn:    now,
		logger:   logger,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Process handles one delivery. Invalid signatures return
// ledger.ErrSignatureVerification and nothing else happens. A delivery of an
// event that is already processed, or currently being processed elsewhere,
// is acknowledged as a duplicate. Any other error means the processor should
// redeliver.
func (service *Service) Process(ctx context.Context, payload []byte, signatureHeader string) (Result, error) {
	envelope, err := service.verifier.VerifyWebhook(payload, signatureHeader)
	if err != nil {
		service.logger.Warn("webhook signature rejected", zap.Error(err))
		if !errors.Is(err, ledger.ErrSignatureVerification) {
			err = fmt.Errorf("%w: %v", ledger.ErrSignatureVerification, err)
		}
		return Result{}, err
	}
	started := service.nowFn()
	result := Result{EventID: envelope.ID, EventType: envelope.Type}
	outcome, err := service.process(ctx, envelope)
	result.Outcome = outcome
	if service.observer != nil {
		service.observer.ObserveWebhook(envelope.Type, outcome, service.nowFn().Sub(started), err)
	}
	if err != nil {
		service.logger.Error("webhook processing failed",
			zap.String("event_id", envelope.ID),
			zap.String("event_type", envelope.Type),
			zap.Error(err),
		)
		return result, err
	}
	service.logger.Info("webhook processed",
		zap.String("event_id", envelope.ID),
		zap.String("event_type", envelope.Type),
		zap.String("outcome", string(outcome)),
	)
	return result, nil
}

func (service *Service) process(ctx context.Context, envelope processor.WebhookEnvelope) (Outcome, error) {
	event, err := Decode(envelope)
	if err != nil {
		return "", err
	}
	processed, err := service.events.WebhookEventProcessed(ctx, envelope.ID)
	if err != nil {
		return "", err
	}
	if processed {
		return OutcomeDuplicate, nil
	}
	key := leaseKeyPrefix + envelope.ID
	token, err := service.leases.Acquire(ctx, key, service.config.LeaseTTL)
	if errors.Is(err, lease.ErrLeaseHeld) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	defer func() {
		if releaseErr := service.leases.Release(context.WithoutCancel(ctx), key, token); releaseErr != nil {
			service.logger.Warn("webhook lease release failed",
				zap.String("event_id", envelope.ID),
				zap.Error(releaseErr),
			)
		}
	}()
	outcome, err := service.registry.Dispatch(ctx, event)
	if err != nil {
		return "", err
	}
	if err := service.events.RecordWebhookEvent(ctx, envelope.ID, envelope.Type, service.nowFn().UTC()); err != nil {
		service.logger.Warn("webhook audit write failed",
			zap.String("event_id", envelope.ID),
			zap.Error(err),
		)
	}
	return outcome, nil
}
