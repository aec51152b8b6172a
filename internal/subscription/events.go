package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"go.uber.org/zap"
)

// Event identifies the processor event driving a transition. Its id is
// recorded with the transition so redelivery is a no-op.
type Event struct {
	ID         string
	Type       string
	OccurredAt time.Time
}

// Activation is a paid subscription that became active.
type Activation struct {
	AccountID      ledger.AccountID
	Tier           ledger.Tier
	SubscriptionID string
	CustomerID     string
	PeriodEnd      time.Time
	Event          Event
}

// Renewal is a paid invoice opening a new billing period.
type Renewal struct {
	AccountID      ledger.AccountID
	SubscriptionID string
	// Tier is the tier the invoice paid for; empty means the account's tier.
	Tier      ledger.Tier
	PeriodEnd time.Time
	Event     Event
}

// ProcessorUpdate is a subscription snapshot pushed by the processor.
type ProcessorUpdate struct {
	AccountID    ledger.AccountID
	Subscription processor.Subscription
	Deleted      bool
	Event        Event
}

// Transition reports the account after an event-driven transition. Applied
// is false for redelivered events and for events older than the last
// applied subscription change.
type Transition struct {
	Account ledger.Account
	Applied bool
}

type eventMutation func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, bool, error)

// applyEvent records event and runs mutation once per event id. With
// ordered set, events older than the last applied subscription change are
// recorded but change nothing.
func (service *Service) applyEvent(ctx context.Context, accountID ledger.AccountID, event Event, ordered bool, mutation eventMutation) (Transition, error) {
	if accountID.IsZero() {
		return Transition{}, ledger.ErrInvalidAccountID
	}
	if event.ID == "" {
		return Transition{}, fmt.Errorf("%w: event id is required", ledger.ErrInvalidExternalEventID)
	}
	applied := false
	account, err := service.mutate(ctx, accountID, func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, error) {
		applied = false
		original := account
		occurredAt := event.OccurredAt.UTC()
		if occurredAt.IsZero() {
			occurredAt = now
		}
		err := txStore.RecordSubscriptionEvent(ctx, ledger.SubscriptionEvent{
			EventID:    event.ID,
			AccountID:  account.AccountID,
			EventType:  event.Type,
			OccurredAt: occurredAt,
			CreatedAt:  now,
		})
		if err != nil {
			return account, err
		}
		if ordered && !account.SubscriptionUpdatedAt.IsZero() && occurredAt.Before(account.SubscriptionUpdatedAt) {
			service.logger.Info("stale subscription event skipped",
				zap.String("account_id", account.AccountID.String()),
				zap.String("event_id", event.ID),
				zap.Time("occurred_at", occurredAt),
				zap.Time("subscription_updated_at", account.SubscriptionUpdatedAt),
			)
			return original, nil
		}
		if ordered {
			account.SubscriptionUpdatedAt = occurredAt
		}
		updated, changed, err := mutation(ctx, txStore, account, now)
		if err != nil {
			return original, err
		}
		if !changed {
			return original, nil
		}
		applied = true
		return updated, nil
	})
	if errors.Is(err, ledger.ErrDuplicateExternalEvent) {
		current, lookupErr := service.store.GetAccount(ctx, accountID)
		if lookupErr != nil {
			return Transition{}, lookupErr
		}
		return Transition{Account: current}, nil
	}
	if err != nil {
		return Transition{}, err
	}
	if applied {
		service.logger.Info("subscription event applied",
			zap.String("account_id", accountID.String()),
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.String("tier", string(account.Tier)),
			zap.String("subscription_status", string(account.SubscriptionStatus)),
		)
	}
	return Transition{Account: account, Applied: applied}, nil
}

// ActivatePaid sets the paid tier and clears an active trial.
func (service *Service) ActivatePaid(ctx context.Context, activation Activation) (Transition, error) {
	if !activation.Tier.IsPaid() {
		return Transition{}, fmt.Errorf("%w: cannot activate tier %q", ledger.ErrInvalidTier, activation.Tier)
	}
	if activation.SubscriptionID == "" {
		return Transition{}, fmt.Errorf("%w: subscription id is required", ledger.ErrValidation)
	}
	return service.applyEvent(ctx, activation.AccountID, activation.Event, true,
		func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, bool, error) {
			account.Tier = activation.Tier
			account.SubscriptionStatus = ledger.SubscriptionStatusActive
			account.ExternalSubscriptionID = activation.SubscriptionID
			if activation.CustomerID != "" {
				account.ExternalCustomerID = activation.CustomerID
			}
			if activation.PeriodEnd.After(account.BillingCycleEndsAt) {
				account.BillingCycleEndsAt = activation.PeriodEnd.UTC()
			}
			if account.TrialStatus == ledger.TrialStatusActive {
				account.TrialStatus = ledger.TrialStatusExpired
				account.TrialEndsAt = now
			}
			account.UpdatedAt = now
			updated, err := txStore.UpdateAccount(ctx, account)
			return updated, err == nil, err
		})
}

// RenewPeriod opens a new billing period: leftover expiring credits expire
// and the tier allowance is granted as expiring credits. Both entries are
// keyed by the invoice event id.
func (service *Service) RenewPeriod(ctx context.Context, renewal Renewal) (Transition, error) {
	return service.applyEvent(ctx, renewal.AccountID, renewal.Event, false,
		func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, bool, error) {
			tier := renewal.Tier
			if !tier.IsPaid() {
				tier = account.Tier
			}
			allowance, ok := service.config.Allowances[tier]
			if !tier.IsPaid() || !ok {
				service.logger.Warn("renewal without allowance",
					zap.String("account_id", account.AccountID.String()),
					zap.String("tier", string(tier)),
					zap.String("event_id", renewal.Event.ID),
				)
				return account, false, nil
			}
			if renewal.PeriodEnd.After(account.BillingCycleEndsAt) {
				account.BillingCycleEndsAt = renewal.PeriodEnd.UTC()
			}
			if account.ExternalSubscriptionID == "" && renewal.SubscriptionID != "" {
				account.ExternalSubscriptionID = renewal.SubscriptionID
			}
			updated, err := expireCredits(ctx, txStore, account, renewal.Event.ID+":expiry", now)
			if err != nil {
				return account, false, err
			}
			if !allowance.IsPositive() {
				return updated, true, nil
			}
			granted, _, err := ledger.ApplyCredit(ctx, txStore, updated, ledger.BucketExpiring, allowance, ledger.Entry{
				Type:            ledger.EntryTierGrant,
				ExternalEventID: renewal.Event.ID,
				Metadata: ledger.MetadataFromMap(map[string]string{
					"tier":            string(tier),
					"subscription_id": renewal.SubscriptionID,
				}),
			}, now)
			if err != nil {
				return account, false, err
			}
			return granted, true, nil
		})
}

// ExpireToFree reverts the account to the free tier when its subscription
// ended. Events for a subscription the account no longer holds are ignored.
func (service *Service) ExpireToFree(ctx context.Context, accountID ledger.AccountID, subscriptionID string, event Event) (Transition, error) {
	return service.applyEvent(ctx, accountID, event, true,
		func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, bool, error) {
			return service.expireToFree(ctx, txStore, account, subscriptionID, event.ID, now)
		})
}

func (service *Service) expireToFree(ctx context.Context, txStore ledger.Store, account ledger.Account, subscriptionID string, eventID string, now time.Time) (ledger.Account, bool, error) {
	if subscriptionID != "" && account.ExternalSubscriptionID != "" && account.ExternalSubscriptionID != subscriptionID {
		return account, false, nil
	}
	if account.Tier == ledger.TierFree && account.SubscriptionStatus == ledger.SubscriptionStatusNone {
		return account, false, nil
	}
	account.Tier = ledger.TierFree
	account.SubscriptionStatus = ledger.SubscriptionStatusNone
	account.ExternalSubscriptionID = ""
	account.BillingCycleEndsAt = time.Time{}
	account.NextDailyRefreshAt = now
	if account.TrialStatus == ledger.TrialStatusActive {
		account.TrialStatus = ledger.TrialStatusExpired
	}
	updated, err := expireCredits(ctx, txStore, account, eventID+":expiry", now)
	return updated, err == nil, err
}

// ApplyProcessorUpdate maps a processor subscription snapshot onto the
// account: ended subscriptions expire to free, live ones set tier, status
// and period end.
func (service *Service) ApplyProcessorUpdate(ctx context.Context, update ProcessorUpdate) (Transition, error) {
	snapshot := update.Subscription
	return service.applyEvent(ctx, update.AccountID, update.Event, true,
		func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, bool, error) {
			if update.Deleted || endedStatus(snapshot.Status) {
				return service.expireToFree(ctx, txStore, account, snapshot.ID, update.Event.ID, now)
			}
			if !liveStatus(snapshot.Status) {
				return account, false, nil
			}
			if account.ExternalSubscriptionID != "" && account.ExternalSubscriptionID != snapshot.ID {
				return account, false, nil
			}
			tier, ok := service.resolveTier(snapshot)
			if !ok {
				tier = account.Tier
			}
			if !tier.IsPaid() {
				return account, false, nil
			}
			account.Tier = tier
			account.ExternalSubscriptionID = snapshot.ID
			if snapshot.CustomerID != "" {
				account.ExternalCustomerID = snapshot.CustomerID
			}
			account.SubscriptionStatus = ledger.SubscriptionStatusActive
			if snapshot.CancelAtPeriodEnd {
				account.SubscriptionStatus = ledger.SubscriptionStatusPendingCancellation
			}
			if !snapshot.CurrentPeriodEnd.IsZero() {
				account.BillingCycleEndsAt = snapshot.CurrentPeriodEnd.UTC()
			}
			if account.TrialStatus == ledger.TrialStatusActive {
				account.TrialStatus = ledger.TrialStatusExpired
				account.TrialEndsAt = now
			}
			account.UpdatedAt = now
			updated, err := txStore.UpdateAccount(ctx, account)
			return updated, err == nil, err
		})
}

func (service *Service) resolveTier(snapshot processor.Subscription) (ledger.Tier, bool) {
	if tier, ok := service.config.PriceTiers[snapshot.PriceID]; ok {
		return tier, true
	}
	if raw, ok := snapshot.Metadata[processor.MetadataTier]; ok {
		if tier, err := ledger.ParseTier(raw); err == nil {
			return tier, true
		}
	}
	return "", false
}

func endedStatus(status string) bool {
	switch status {
	case "canceled", "unpaid", "incomplete_expired":
		return true
	default:
		return false
	}
}

func liveStatus(status string) bool {
	switch status {
	case "active", "trialing":
		return true
	default:
		return false
	}
}
