// Package subscription runs the tier and trial state machine of an account.
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultTrialDuration = 7 * 24 * time.Hour
	defaultBatchSize     = 100
)

var defaultTrialCredits = decimal.NewFromInt(10)

// Gateway is the subset of the processor gateway used by subscriptions.
type Gateway interface {
	CancelSubscription(ctx context.Context, accountID string, subscriptionID string, nonce string) (processor.Subscription, error)
	ResumeSubscription(ctx context.Context, accountID string, subscriptionID string, nonce string) (processor.Subscription, error)
}

// Config holds the plan catalogue.
type Config struct {
	TrialTier     ledger.Tier
	TrialDuration time.Duration
	TrialCredits  decimal.Decimal
	// Allowances is the expiring credit grant per paid period and tier.
	Allowances map[ledger.Tier]decimal.Decimal
	// PriceTiers maps recurring processor price ids to tiers.
	PriceTiers  map[string]ledger.Tier
	CASAttempts int
	BatchSize   int
}

// Service applies subscription transitions driven by users and by processor events.
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
	if config.TrialTier == "" {
		config.TrialTier = ledger.TierPlus
	}
	if !config.TrialTier.IsPaid() {
		return nil, fmt.Errorf("%w: trial tier must be a paid tier", ledger.ErrInvalidServiceConfig)
	}
	if config.TrialDuration <= 0 {
		config.TrialDuration = defaultTrialDuration
	}
	if config.TrialCredits.IsZero() {
		config.TrialCredits = defaultTrialCredits
	}
	if err := ledger.ValidateAmount(config.TrialCredits); err != nil {
		return nil, fmt.Errorf("%w: trial credits: %v", ledger.ErrInvalidServiceConfig, err)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	return &Service{store: store, gateway: gateway, config: config, nowFn: now, logger: logger}, nil
}

// TierForPrice resolves the tier sold by a recurring price id.
func (service *Service) TierForPrice(priceID string) (ledger.Tier, bool) {
	tier, ok := service.config.PriceTiers[priceID]
	return tier, ok
}

func (service *Service) mutate(ctx context.Context, accountID ledger.AccountID, mutation ledger.AccountMutation) (ledger.Account, error) {
	return ledger.MutateAccount(ctx, service.store, accountID, service.config.CASAttempts, service.nowFn, mutation)
}

// StartTrial moves trial_status none → active once per account lifetime,
// raises the tier and grants the trial credits in the same transaction as
// the trial history row.
func (service *Service) StartTrial(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	if accountID.IsZero() {
		return ledger.Account{}, ledger.ErrInvalidAccountID
	}
	account, err := service.mutate(ctx, accountID, func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, error) {
		if account.TrialStatus != ledger.TrialStatusNone {
			return account, fmt.Errorf("%w: trial is %s", ledger.ErrTrialAlreadyUsed, account.TrialStatus)
		}
		if account.SubscriptionStatus != ledger.SubscriptionStatusNone {
			return account, fmt.Errorf("%w: account already subscribed", ledger.ErrSubscriptionState)
		}
		endsAt := now.Add(service.config.TrialDuration)
		err := txStore.InsertTrialRecord(ctx, ledger.TrialRecord{
			AccountID: account.AccountID,
			Tier:      service.config.TrialTier,
			StartedAt: now,
			EndsAt:    endsAt,
		})
		if err != nil {
			return account, err
		}
		account.TrialStatus = ledger.TrialStatusActive
		account.TrialEndsAt = endsAt
		account.Tier = service.config.TrialTier
		account.BillingCycleEndsAt = endsAt
		updated, _, err := ledger.ApplyCredit(ctx, txStore, account, ledger.BucketExpiring, service.config.TrialCredits, ledger.Entry{
			Type:            ledger.EntryTierGrant,
			ExternalEventID: "trial:" + account.AccountID.String(),
			Metadata:        ledger.MetadataFromMap(map[string]string{"reason": "trial", "tier": string(service.config.TrialTier)}),
		}, now)
		return updated, err
	})
	if err != nil {
		return ledger.Account{}, err
	}
	service.logger.Info("trial started",
		zap.String("account_id", accountID.String()),
		zap.String("tier", string(account.Tier)),
		zap.Time("trial_ends_at", account.TrialEndsAt),
	)
	return account, nil
}

// CancelTrial ends an active trial early and drops its credits.
func (service *Service) CancelTrial(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	if accountID.IsZero() {
		return ledger.Account{}, ledger.ErrInvalidAccountID
	}
	return service.mutate(ctx, accountID, func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, error) {
		if account.TrialStatus != ledger.TrialStatusActive {
			return account, fmt.Errorf("%w: no active trial", ledger.ErrSubscriptionState)
		}
		return service.endTrial(ctx, txStore, account, ledger.TrialStatusCancelled, now)
	})
}

// ExpireTrials ends every active trial past trial_ends_at and reports how
// many it expired.
func (service *Service) ExpireTrials(ctx context.Context) (int, error) {
	expired := 0
	for {
		now := service.nowFn().UTC()
		accounts, err := service.store.ListExpiredTrials(ctx, now, service.config.BatchSize)
		if err != nil {
			return expired, err
		}
		progressed := 0
		for _, candidate := range accounts {
			ended := false
			_, err := service.mutate(ctx, candidate.AccountID, func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, error) {
				ended = false
				if account.TrialStatus != ledger.TrialStatusActive || account.TrialEndsAt.After(now) {
					return account, nil
				}
				ended = true
				return service.endTrial(ctx, txStore, account, ledger.TrialStatusExpired, now)
			})
			if err != nil {
				return expired, err
			}
			if ended {
				expired++
				progressed++
			}
		}
		if len(accounts) < service.config.BatchSize || progressed == 0 {
			return expired, nil
		}
	}
}

func (service *Service) endTrial(ctx context.Context, txStore ledger.Store, account ledger.Account, status ledger.TrialStatus, now time.Time) (ledger.Account, error) {
	account.TrialStatus = status
	if account.SubscriptionStatus == ledger.SubscriptionStatusNone {
		account.Tier = ledger.TierFree
		account.BillingCycleEndsAt = time.Time{}
		account.NextDailyRefreshAt = now
		return expireCredits(ctx, txStore, account, "trial_end:"+account.AccountID.String(), now)
	}
	account.UpdatedAt = now
	return txStore.UpdateAccount(ctx, account)
}

// expireCredits zeroes the expiring bucket with an expiry entry, or just
// writes the account when there is nothing to expire.
func expireCredits(ctx context.Context, txStore ledger.Store, account ledger.Account, externalEventID string, now time.Time) (ledger.Account, error) {
	if !account.Buckets.Expiring.IsPositive() {
		account.UpdatedAt = now
		return txStore.UpdateAccount(ctx, account)
	}
	updated, _, err := ledger.ApplyEntry(ctx, txStore, account, ledger.Entry{
		Type:            ledger.EntryExpiry,
		Delta:           ledger.Single(ledger.BucketExpiring, account.Buckets.Expiring.Neg()),
		ExternalEventID: externalEventID,
	}, now)
	return updated, err
}

// Cancel schedules cancellation at the end of the paid period. The tier stays
// until the period ends and the processor reports the subscription deleted.
func (service *Service) Cancel(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	account, err := service.requireSubscription(ctx, accountID, ledger.SubscriptionStatusActive)
	if err != nil {
		return ledger.Account{}, err
	}
	nonce := transitionNonce(account)
	if _, err := service.gateway.CancelSubscription(ctx, accountID.String(), account.ExternalSubscriptionID, nonce); err != nil {
		return ledger.Account{}, err
	}
	return service.setSubscriptionStatus(ctx, accountID, ledger.SubscriptionStatusActive, ledger.SubscriptionStatusPendingCancellation)
}

// Reactivate withdraws a pending cancellation before the period ends.
func (service *Service) Reactivate(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	account, err := service.requireSubscription(ctx, accountID, ledger.SubscriptionStatusPendingCancellation)
	if err != nil {
		return ledger.Account{}, err
	}
	if !account.BillingCycleEndsAt.IsZero() && !service.nowFn().Before(account.BillingCycleEndsAt) {
		return ledger.Account{}, fmt.Errorf("%w: billing period already ended", ledger.ErrSubscriptionState)
	}
	nonce := transitionNonce(account)
	if _, err := service.gateway.ResumeSubscription(ctx, accountID.String(), account.ExternalSubscriptionID, nonce); err != nil {
		return ledger.Account{}, err
	}
	return service.setSubscriptionStatus(ctx, accountID, ledger.SubscriptionStatusPendingCancellation, ledger.SubscriptionStatusActive)
}

// transitionNonce keys a processor call to the account version it was issued
// from. A retry of the same transition reuses the key; every later transition
// sees a new version and gets a new key.
func transitionNonce(account ledger.Account) string {
	return fmt.Sprintf("%s:v%d", account.ExternalSubscriptionID, account.Version)
}

func (service *Service) requireSubscription(ctx context.Context, accountID ledger.AccountID, status ledger.SubscriptionStatus) (ledger.Account, error) {
	if accountID.IsZero() {
		return ledger.Account{}, ledger.ErrInvalidAccountID
	}
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return ledger.Account{}, err
	}
	if account.SubscriptionStatus != status || account.ExternalSubscriptionID == "" {
		return ledger.Account{}, fmt.Errorf("%w: subscription is %s, expected %s", ledger.ErrSubscriptionState, account.SubscriptionStatus, status)
	}
	return account, nil
}

func (service *Service) setSubscriptionStatus(ctx context.Context, accountID ledger.AccountID, from ledger.SubscriptionStatus, to ledger.SubscriptionStatus) (ledger.Account, error) {
	account, err := service.mutate(ctx, accountID, func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, error) {
		if account.SubscriptionStatus != from {
			return account, fmt.Errorf("%w: subscription is %s, expected %s", ledger.ErrSubscriptionState, account.SubscriptionStatus, from)
		}
		account.SubscriptionStatus = to
		account.UpdatedAt = now
		return txStore.UpdateAccount(ctx, account)
	})
	if err != nil {
		return ledger.Account{}, err
	}
	service.logger.Info("subscription status changed",
		zap.String("account_id", accountID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return account, nil
}
