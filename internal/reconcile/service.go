// Package reconcile runs the periodic self-healing checks over purchases,
// balances and grants.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/notify"
	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/internal/purchase"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"go.uber.org/zap"
)

// Check names.
const (
	CheckFailedPayments     = "reconcile_failed_payments"
	CheckBalanceConsistency = "verify_balance_consistency"
	CheckDoubleCharges      = "detect_double_charges"
	CheckExpiredCredits     = "cleanup_expired_credits"
)

const (
	defaultPendingAge           = time.Hour
	defaultDoubleChargeWindow   = 2 * time.Minute
	defaultDoubleChargeLookback = 24 * time.Hour
	defaultBatchSize            = 100
)

// ErrCheckPanicked reports a check that panicked; the run continued.
var ErrCheckPanicked = errors.New("reconciliation check panicked")

// SessionReader reads checkout sessions from the processor.
type SessionReader interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (processor.CheckoutSession, error)
}

// Purchases completes or fails stuck purchases.
type Purchases interface {
	Complete(ctx context.Context, request purchase.CompleteRequest) (purchase.Completion, error)
	MarkFailed(ctx context.Context, purchaseID string) error
}

// Observer receives the result of every check.
type Observer interface {
	ObserveReconciliation(result CheckResult)
}

// Config tunes the checks.
type Config struct {
	// PendingAge is how long a purchase may sit in pending or processing
	// before its checkout is looked up.
	PendingAge time.Duration
	// DoubleChargeWindow is the gap under which two equal grants to one
	// account count as a double charge.
	DoubleChargeWindow   time.Duration
	DoubleChargeLookback time.Duration
	BatchSize            int
	CASAttempts          int
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name     string
	Examined int
	Repaired int
	// Failed counts accounts the check could not repair; the rest of the run continues.
	Failed   int
	Duration time.Duration
	Err      error
}

// Report collects the results of a run.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Checks     []CheckResult
}

// Err joins the errors of every failed check.
func (report Report) Err() error {
	var failures []error
	for _, check := range report.Checks {
		if check.Err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", check.Name, check.Err))
		}
	}
	return errors.Join(failures...)
}

// Option customizes a Service.
type Option func(*Service)

// WithObserver reports every check result to observer.
func WithObserver(observer Observer) Option {
	return func(service *Service) {
		service.observer = observer
	}
}

// Service runs the reconciliation checks.
type Service struct {
	store     ledger.Store
	sessions  SessionReader
	purchases Purchases
	notifier  notify.Notifier
	config    Config
	nowFn     func() time.Time
	logger    *zap.Logger
	observer  Observer
}

// NewService wires a Service. A nil notifier logs alerts.
func NewService(store ledger.Store, sessions SessionReader, purchases Purchases, notifier notify.Notifier, config Config, now func() time.Time, logger *zap.Logger, options ...Option) (*Service, error) {
	if store == nil || sessions == nil || purchases == nil {
		return nil, fmt.Errorf("%w: reconciliation dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	if config.PendingAge <= 0 {
		config.PendingAge = defaultPendingAge
	}
	if config.DoubleChargeWindow <= 0 {
		config.DoubleChargeWindow = defaultDoubleChargeWindow
	}
	if config.DoubleChargeLookback <= 0 {
		config.DoubleChargeLookback = defaultDoubleChargeLookback
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	service := &Service{
		store:     store,
		sessions:  sessions,
		purchases: purchases,
		notifier:  notifier,
		config:    config,
		nowFn:     now,
		logger:    logger,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

type check struct {
	name string
	run  func(ctx context.Context) (CheckResult, error)
}

// Run executes every check in turn. A failing or panicking check is recorded
// in the report and does not stop the others.
func (service *Service) Run(ctx context.Context) Report {
	report := Report{StartedAt: service.nowFn().UTC()}
	checks := []check{
		{name: CheckFailedPayments, run: service.ReconcileFailedPayments},
		{name: CheckBalanceConsistency, run: service.VerifyBalanceConsistency},
		{name: CheckDoubleCharges, run: service.DetectDoubleCharges},
		{name: CheckExpiredCredits, run: service.CleanupExpiredCredits},
	}
	for _, current := range checks {
		if ctx.Err() != nil {
			report.Checks = append(report.Checks, CheckResult{Name: current.name, Err: ctx.Err()})
			continue
		}
		report.Checks = append(report.Checks, service.runCheck(ctx, current))
	}
	report.FinishedAt = service.nowFn().UTC()
	return report
}

func (service *Service) runCheck(ctx context.Context, current check) (result CheckResult) {
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			result = CheckResult{Name: current.name, Err: fmt.Errorf("%w: %v", ErrCheckPanicked, recovered)}
			service.logger.Error("reconciliation check panicked",
				zap.String("check", current.name),
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		result.Name = current.name
		result.Duration = time.Since(started)
		if service.observer != nil {
			service.observer.ObserveReconciliation(result)
		}
	}()
	result, err := current.run(ctx)
	result.Err = err
	if err != nil {
		service.logger.Error("reconciliation check failed",
			zap.String("check", current.name),
			zap.Int("examined", result.Examined),
			zap.Int("repaired", result.Repaired),
			zap.Int("failed", result.Failed),
			zap.Error(err),
		)
		return result
	}
	service.logger.Info("reconciliation check finished",
		zap.String("check", current.name),
		zap.Int("examined", result.Examined),
		zap.Int("repaired", result.Repaired),
	)
	return result
}

func (service *Service) alert(ctx context.Context, alert notify.Alert) {
	if err := service.notifier.Notify(ctx, alert); err != nil {
		service.logger.Warn("reconciliation alert not delivered",
			zap.String("kind", alert.Kind),
			zap.Error(err),
		)
	}
}
