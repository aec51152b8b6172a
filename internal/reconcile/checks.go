package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/notify"
	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/internal/purchase"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"go.uber.org/zap"
)

const (
	correctionReplayDrift    = "replay_drift"
	correctionAggregateDrift = "aggregate_drift"
)

// ReconcileFailedPayments settles purchases whose checkout never reported
// back. Paid sessions are granted exactly like the webhook would, expired
// ones are marked failed, open ones are left for a later run. Pending
// purchases that never got a session fail outright.
func (service *Service) ReconcileFailedPayments(ctx context.Context) (CheckResult, error) {
	var result CheckResult
	cutoff := service.nowFn().UTC().Add(-service.config.PendingAge)

	pending, err := service.store.ListPurchasesByStatus(ctx, ledger.PurchaseStatusPending, cutoff, service.config.BatchSize)
	if err != nil {
		return result, err
	}
	for _, stale := range pending {
		result.Examined++
		stale.Status = ledger.PurchaseStatusFailed
		stale.UpdatedAt = service.nowFn().UTC()
		err := service.store.UpdatePurchase(ctx, stale, ledger.PurchaseStatusPending)
		if errors.Is(err, ledger.ErrPurchaseStateConflict) {
			continue
		}
		if err != nil {
			return result, err
		}
		result.Repaired++
	}

	seen := map[string]struct{}{}
	for {
		processing, err := service.store.ListPurchasesByStatus(ctx, ledger.PurchaseStatusProcessing, cutoff, service.config.BatchSize)
		if err != nil {
			return result, err
		}
		progressed := 0
		for _, stuck := range processing {
			if _, done := seen[stuck.PurchaseID]; done {
				continue
			}
			seen[stuck.PurchaseID] = struct{}{}
			progressed++
			result.Examined++
			repaired, err := service.settlePurchase(ctx, stuck)
			if err != nil {
				return result, err
			}
			if repaired {
				result.Repaired++
			}
		}
		if len(processing) < service.config.BatchSize || progressed == 0 {
			return result, nil
		}
	}
}

func (service *Service) settlePurchase(ctx context.Context, stuck ledger.Purchase) (bool, error) {
	if stuck.CheckoutSessionID == "" {
		err := service.purchases.MarkFailed(ctx, stuck.PurchaseID)
		return err == nil, ignoreConflict(err)
	}
	session, err := service.sessions.GetCheckoutSession(ctx, stuck.CheckoutSessionID)
	if errors.Is(err, processor.ErrRejected) {
		service.logger.Warn("checkout session unknown to processor",
			zap.String("purchase_id", stuck.PurchaseID),
			zap.String("session_id", stuck.CheckoutSessionID),
		)
		err := service.purchases.MarkFailed(ctx, stuck.PurchaseID)
		return err == nil, ignoreConflict(err)
	}
	if err != nil {
		return false, err
	}
	switch {
	case session.Paid():
		completion, err := service.purchases.Complete(ctx, purchase.CompleteRequest{
			PurchaseID:      stuck.PurchaseID,
			PaymentIntentID: session.PaymentIntentID,
			ExternalEventID: "reconcile:" + stuck.PurchaseID,
		})
		if err != nil {
			return false, err
		}
		if completion.Applied {
			service.logger.Warn("recovered paid purchase without webhook",
				zap.String("account_id", stuck.AccountID.String()),
				zap.String("purchase_id", stuck.PurchaseID),
				zap.String("credits", stuck.Credits.String()),
			)
		}
		return completion.Applied, nil
	case session.Status == processor.CheckoutStatusExpired:
		err := service.purchases.MarkFailed(ctx, stuck.PurchaseID)
		return err == nil, ignoreConflict(err)
	default:
		return false, nil
	}
}

func ignoreConflict(err error) error {
	if errors.Is(err, ledger.ErrPurchaseStateConflict) {
		return nil
	}
	return err
}

// VerifyBalanceConsistency checks every account twice: the stored balance
// against the bucket sum, and the ledger replay against the buckets. The
// buckets are authoritative. Every repair appends a correction entry; replay
// drift carries the missing delta, aggregate drift a zero delta recording
// the overwritten value. An account that cannot be repaired is counted and
// the run moves on.
func (service *Service) VerifyBalanceConsistency(ctx context.Context) (CheckResult, error) {
	var result CheckResult
	var failures []error
	after := ""
	for {
		accounts, err := service.store.ListAccounts(ctx, after, service.config.BatchSize)
		if err != nil {
			return result, errors.Join(append(failures, err)...)
		}
		for _, account := range accounts {
			after = account.AccountID.String()
			result.Examined++
			repaired, err := service.repairAccount(ctx, account.AccountID)
			switch {
			case err != nil:
				result.Failed++
				failures = append(failures, err)
				service.logger.Warn("balance repair failed",
					zap.String("account_id", account.AccountID.String()),
					zap.Error(err),
				)
			case repaired:
				result.Repaired++
			}
		}
		if len(accounts) < service.config.BatchSize {
			return result, errors.Join(failures...)
		}
	}
}

func (service *Service) repairAccount(ctx context.Context, accountID ledger.AccountID) (bool, error) {
	var drift error
	_, err := ledger.MutateAccount(ctx, service.store, accountID, service.config.CASAttempts, service.nowFn,
		func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, error) {
			drift = nil
			aggregateDrift := !account.Balance.Equal(account.Buckets.Total())
			replayed, err := txStore.SumEntryDeltas(ctx, account.AccountID)
			if err != nil {
				return account, err
			}
			missing := account.Buckets.Sub(replayed)
			if !aggregateDrift && missing.IsZero() {
				return account, nil
			}
			drift = fmt.Errorf("%w: account %s stored %s buckets %s replay %s",
				ledger.ErrReconciliationDrift, account.AccountID.String(),
				account.Balance.String(), account.Buckets.Total().String(), replayed.Total().String())
			reason := correctionReplayDrift
			if missing.IsZero() {
				reason = correctionAggregateDrift
			}
			correction := ledger.Entry{
				AccountID:       account.AccountID,
				Type:            ledger.EntryCorrection,
				Amount:          missing.Total(),
				Delta:           missing,
				ExternalEventID: fmt.Sprintf("correction:%s:%d", account.AccountID.String(), account.Version),
				Metadata: ledger.MetadataFromMap(map[string]string{
					"reason":          reason,
					"aggregate_drift": fmt.Sprint(aggregateDrift),
					"replayed":        replayed.Total().String(),
					"bucket_sum":      account.Buckets.Total().String(),
					"stored_sum":      account.Balance.String(),
					"account_ver":     fmt.Sprint(account.Version),
				}),
				CreatedAt: now,
			}
			if err := ledger.ValidateEntry(correction); err != nil {
				return account, err
			}
			if _, err := txStore.InsertEntry(ctx, correction); err != nil {
				return account, err
			}
			account.UpdatedAt = now
			return txStore.UpdateAccount(ctx, account)
		})
	if err != nil {
		return false, err
	}
	if drift == nil {
		return false, nil
	}
	service.logger.Warn("balance drift corrected", zap.String("account_id", accountID.String()), zap.Error(drift))
	service.alert(ctx, notify.Alert{
		Kind:     CheckBalanceConsistency,
		Severity: notify.SeverityWarning,
		Subject:  "balance drift corrected",
		Detail:   drift.Error(),
		Fields:   map[string]string{"account_id": accountID.String()},
	})
	return true, nil
}

// DetectDoubleCharges flags grants that look applied twice: two equal
// grants of the same type to one account inside the detection window, or
// two purchase grants for the same checkout session. Flags are persisted
// once and alerted once; reversal is left to an operator.
func (service *Service) DetectDoubleCharges(ctx context.Context) (CheckResult, error) {
	var result CheckResult
	now := service.nowFn().UTC()
	entries, err := service.store.ListEntriesByTypeSince(ctx,
		[]ledger.EntryType{ledger.EntryPurchase, ledger.EntryTierGrant},
		now.Add(-service.config.DoubleChargeLookback))
	if err != nil {
		return result, err
	}
	result.Examined = len(entries)
	for _, flag := range service.findDoubleCharges(entries, now) {
		created, err := service.store.FlagEntry(ctx, flag)
		if err != nil {
			return result, err
		}
		if !created {
			continue
		}
		result.Repaired++
		service.alert(ctx, notify.Alert{
			Kind:     CheckDoubleCharges,
			Severity: notify.SeverityCritical,
			Subject:  "possible double charge",
			Detail:   flag.Detail,
			Fields: map[string]string{
				"account_id":       flag.AccountID.String(),
				"entry_id":         flag.EntryID,
				"related_entry_id": flag.RelatedEntryID,
				"flag":             string(flag.Kind),
			},
		})
	}
	return result, nil
}

type grantKey struct {
	account   string
	entryType ledger.EntryType
}

func (service *Service) findDoubleCharges(entries []ledger.Entry, now time.Time) []ledger.ReconciliationFlag {
	grouped := map[grantKey][]ledger.Entry{}
	sessions := map[string]ledger.Entry{}
	var flags []ledger.ReconciliationFlag
	sorted := append([]ledger.Entry(nil), entries...)
	sort.SliceStable(sorted, func(left, right int) bool {
		return sorted[left].CreatedAt.Before(sorted[right].CreatedAt)
	})
	for _, entry := range sorted {
		if sessionID := metadataValue(entry.Metadata, "checkout_session_id"); entry.Type == ledger.EntryPurchase && sessionID != "" {
			if first, ok := sessions[sessionID]; ok {
				flags = append(flags, ledger.ReconciliationFlag{
					Kind:           ledger.FlagDuplicateEvent,
					EntryID:        entry.EntryID,
					RelatedEntryID: first.EntryID,
					AccountID:      entry.AccountID,
					Detail:         fmt.Sprintf("checkout session %s granted twice", sessionID),
					CreatedAt:      now,
				})
				continue
			}
			sessions[sessionID] = entry
		}
		key := grantKey{account: entry.AccountID.String(), entryType: entry.Type}
		for _, earlier := range grouped[key] {
			if entry.CreatedAt.Sub(earlier.CreatedAt) <= service.config.DoubleChargeWindow && earlier.Amount.Equal(entry.Amount) {
				flags = append(flags, ledger.ReconciliationFlag{
					Kind:           ledger.FlagDuplicateAmount,
					EntryID:        entry.EntryID,
					RelatedEntryID: earlier.EntryID,
					AccountID:      entry.AccountID,
					Detail: fmt.Sprintf("%s of %s granted twice within %s",
						entry.Type, entry.Amount.String(), service.config.DoubleChargeWindow),
					CreatedAt: now,
				})
				break
			}
		}
		grouped[key] = append(grouped[key], entry)
	}
	return flags
}

func metadataValue(metadata ledger.MetadataJSON, key string) string {
	var values map[string]any
	if err := json.Unmarshal([]byte(metadata.String()), &values); err != nil {
		return ""
	}
	value, ok := values[key].(string)
	if !ok {
		return ""
	}
	return value
}

// CleanupExpiredCredits zeroes the expiring bucket of accounts whose billing
// cycle ended without a renewal.
func (service *Service) CleanupExpiredCredits(ctx context.Context) (CheckResult, error) {
	var result CheckResult
	var failures []error
	seen := map[string]struct{}{}
	for {
		accounts, err := service.store.ListAccountsWithExpiredCycle(ctx, service.nowFn().UTC(), service.config.BatchSize)
		if err != nil {
			return result, errors.Join(append(failures, err)...)
		}
		progressed := 0
		for _, candidate := range accounts {
			if _, done := seen[candidate.AccountID.String()]; done {
				continue
			}
			seen[candidate.AccountID.String()] = struct{}{}
			progressed++
			result.Examined++
			expired, err := service.expireAccount(ctx, candidate.AccountID)
			switch {
			case err != nil:
				result.Failed++
				failures = append(failures, err)
				service.logger.Warn("expired credit cleanup failed",
					zap.String("account_id", candidate.AccountID.String()),
					zap.Error(err),
				)
			case expired:
				result.Repaired++
			}
		}
		if len(accounts) < service.config.BatchSize || progressed == 0 {
			return result, errors.Join(failures...)
		}
	}
}

func (service *Service) expireAccount(ctx context.Context, accountID ledger.AccountID) (bool, error) {
	expired := false
	_, err := ledger.MutateAccount(ctx, service.store, accountID, service.config.CASAttempts, service.nowFn,
		func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, error) {
			expired = false
			cycle := account.BillingCycleEndsAt
			if !account.Buckets.Expiring.IsPositive() || cycle.IsZero() || !cycle.Before(now) {
				return account, nil
			}
			updated, _, err := ledger.ApplyEntry(ctx, txStore, account, ledger.Entry{
				Type:            ledger.EntryExpiry,
				Delta:           ledger.Single(ledger.BucketExpiring, account.Buckets.Expiring.Neg()),
				ExternalEventID: fmt.Sprintf("expiry:%s:%d", account.AccountID.String(), cycle.Unix()),
				Metadata:        ledger.MetadataFromMap(map[string]string{"billing_cycle_ends_at": cycle.Format(time.RFC3339)}),
			}, now)
			if err != nil {
				return account, err
			}
			expired = true
			return updated, nil
		})
	if errors.Is(err, ledger.ErrDuplicateExternalEvent) {
		return false, nil
	}
	return expired, err
}
