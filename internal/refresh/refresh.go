// Package refresh tops up the daily bucket of free-tier accounts.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultInterval  = 24 * time.Hour
	defaultBatchSize = 100

	externalEventPrefix = "daily_refresh:"
)

var defaultDailyAmount = decimal.NewFromInt(10)

// Config controls the free-tier allowance.
type Config struct {
	DailyAmount decimal.Decimal
	Interval    time.Duration
	BatchSize   int
	CASAttempts int
}

// Result counts the outcome of a batch run.
type Result struct {
	Refreshed int
	Skipped   int
	Failed    int
}

// Service overwrites the daily bucket once per interval.
type Service struct {
	store  ledger.Store
	config Config
	nowFn  func() time.Time
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(store ledger.Store, config Config, now func() time.Time, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DailyAmount.IsZero() {
		config.DailyAmount = defaultDailyAmount
	}
	if config.DailyAmount.IsNegative() || !config.DailyAmount.Equal(ledger.RoundCredits(config.DailyAmount)) {
		return nil, fmt.Errorf("%w: daily amount %s", ledger.ErrInvalidServiceConfig, config.DailyAmount)
	}
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	return &Service{store: store, config: config, nowFn: now, logger: logger}, nil
}

// RefreshAccount refreshes one account if its cycle is due. It reports false
// when the account is not free tier, not due, or another worker already
// refreshed this cycle.
func (service *Service) RefreshAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, bool, error) {
	if accountID.IsZero() {
		return ledger.Account{}, false, ledger.ErrInvalidAccountID
	}
	refreshed := false
	account, err := ledger.MutateAccount(ctx, service.store, accountID, service.config.CASAttempts, service.nowFn,
		func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, error) {
			refreshed = false
			if account.Tier != ledger.TierFree || !account.Active || account.NextDailyRefreshAt.After(now) {
				return account, nil
			}
			cycle := account.NextDailyRefreshAt
			delta := service.config.DailyAmount.Sub(account.Buckets.Daily)
			candidate := account
			candidate.Buckets.Daily = service.config.DailyAmount
			candidate.Balance = candidate.Buckets.Total()
			candidate.NextDailyRefreshAt = nextCycle(cycle, now, service.config.Interval)
			candidate.UpdatedAt = now
			updated, ok, err := txStore.UpdateAccountIfRefreshDue(ctx, candidate, now)
			if err != nil || !ok {
				return account, err
			}
			if !delta.IsZero() {
				entry := ledger.Entry{
					AccountID:       account.AccountID,
					Type:            ledger.EntryDailyRefresh,
					Amount:          delta,
					Delta:           ledger.Single(ledger.BucketDaily, delta),
					ExternalEventID: fmt.Sprintf("%s%s:%d", externalEventPrefix, account.AccountID.String(), cycle.Unix()),
					CreatedAt:       now,
				}
				if err := ledger.ValidateEntry(entry); err != nil {
					return account, err
				}
				if _, err := txStore.InsertEntry(ctx, entry); err != nil {
					return account, err
				}
			}
			refreshed = true
			return updated, nil
		})
	if err != nil {
		return ledger.Account{}, false, err
	}
	if refreshed {
		service.logger.Debug("daily credits refreshed",
			zap.String("account_id", accountID.String()),
			zap.String("daily", account.Buckets.Daily.String()),
			zap.Time("next_daily_refresh_at", account.NextDailyRefreshAt),
		)
	}
	return account, refreshed, nil
}

// RefreshDue pages through every due free-tier account. A failing account is
// logged and counted; the run continues with the rest.
func (service *Service) RefreshDue(ctx context.Context) (Result, error) {
	var result Result
	var failures []error
	seen := map[string]struct{}{}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		accounts, err := service.store.ListAccountsDueForRefresh(ctx, service.nowFn().UTC(), service.config.BatchSize)
		if err != nil {
			return result, err
		}
		progressed := 0
		for _, candidate := range accounts {
			if _, done := seen[candidate.AccountID.String()]; done {
				continue
			}
			seen[candidate.AccountID.String()] = struct{}{}
			progressed++
			_, refreshed, err := service.RefreshAccount(ctx, candidate.AccountID)
			switch {
			case err != nil:
				result.Failed++
				failures = append(failures, err)
				service.logger.Warn("daily refresh failed",
					zap.String("account_id", candidate.AccountID.String()),
					zap.Error(err),
				)
			case refreshed:
				result.Refreshed++
			default:
				result.Skipped++
			}
		}
		if len(accounts) < service.config.BatchSize || progressed == 0 {
			break
		}
	}
	if result.Refreshed > 0 || result.Failed > 0 {
		service.logger.Info("daily refresh run",
			zap.Int("refreshed", result.Refreshed),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed),
		)
	}
	return result, errors.Join(failures...)
}

// nextCycle advances cycle by whole intervals until it lies after now, so a
// long outage grants one refresh rather than one per missed interval.
func nextCycle(cycle time.Time, now time.Time, interval time.Duration) time.Time {
	if cycle.After(now) {
		return cycle
	}
	missed := now.Sub(cycle)/interval + 1
	return cycle.Add(missed * interval)
}
