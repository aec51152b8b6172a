package gormstore

import (
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"gorm.io/datatypes"
)

func accountRow(account ledger.Account) CreditAccount {
	return CreditAccount{
		AccountID:              account.AccountID.String(),
		DailyCreditsBalance:    account.Buckets.Daily,
		ExpiringCredits:        account.Buckets.Expiring,
		NonExpiringCredits:     account.Buckets.NonExpiring,
		Balance:                account.Buckets.Total(),
		Tier:                   string(account.Tier),
		TrialStatus:            string(account.TrialStatus),
		TrialEndsAt:            nullableTime(account.TrialEndsAt),
		SubscriptionStatus:     string(account.SubscriptionStatus),
		ExternalCustomerID:     nullableString(account.ExternalCustomerID),
		ExternalSubscriptionID: nullableString(account.ExternalSubscriptionID),
		BillingCycleEndsAt:     nullableTime(account.BillingCycleEndsAt),
		SubscriptionUpdatedAt:  nullableTime(account.SubscriptionUpdatedAt),
		NextDailyRefreshAt:     account.NextDailyRefreshAt.UTC(),
		Active:                 account.Active,
		Version:                account.Version,
		CreatedAt:              account.CreatedAt.UTC(),
		UpdatedAt:              account.UpdatedAt.UTC(),
	}
}

// accountColumns is the full update set for a versioned write. The balance
// column is always the bucket sum.
func accountColumns(account ledger.Account) map[string]any {
	row := accountRow(account)
	return map[string]any{
		"daily_credits_balance":    row.DailyCreditsBalance,
		"expiring_credits":         row.ExpiringCredits,
		"non_expiring_credits":     row.NonExpiringCredits,
		"balance":                  row.Balance,
		"tier":                     row.Tier,
		"trial_status":             row.TrialStatus,
		"trial_ends_at":            row.TrialEndsAt,
		"subscription_status":      row.SubscriptionStatus,
		"external_customer_id":     row.ExternalCustomerID,
		"external_subscription_id": row.ExternalSubscriptionID,
		"billing_cycle_ends_at":    row.BillingCycleEndsAt,
		"subscription_updated_at":  row.SubscriptionUpdatedAt,
		"next_daily_refresh_at":    row.NextDailyRefreshAt,
		"active":                   row.Active,
		"version":                  row.Version + 1,
		"updated_at":               row.UpdatedAt,
	}
}

func mapAccount(row CreditAccount) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	tier, err := ledger.ParseTier(row.Tier)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		AccountID: accountID,
		Buckets: ledger.Buckets{
			Daily:       row.DailyCreditsBalance,
			Expiring:    row.ExpiringCredits,
			NonExpiring: row.NonExpiringCredits,
		},
		Balance:                row.Balance,
		Tier:                   tier,
		TrialStatus:            ledger.TrialStatus(row.TrialStatus),
		TrialEndsAt:            timeOrZero(row.TrialEndsAt),
		SubscriptionStatus:     ledger.SubscriptionStatus(row.SubscriptionStatus),
		ExternalCustomerID:     stringOrEmpty(row.ExternalCustomerID),
		ExternalSubscriptionID: stringOrEmpty(row.ExternalSubscriptionID),
		BillingCycleEndsAt:     timeOrZero(row.BillingCycleEndsAt),
		SubscriptionUpdatedAt:  timeOrZero(row.SubscriptionUpdatedAt),
		NextDailyRefreshAt:     row.NextDailyRefreshAt.UTC(),
		Active:                 row.Active,
		Version:                row.Version,
		CreatedAt:              row.CreatedAt.UTC(),
		UpdatedAt:              row.UpdatedAt.UTC(),
	}, nil
}

func entryRow(entry ledger.Entry) LedgerEntry {
	row := LedgerEntry{
		EntryID:           entry.EntryID,
		AccountID:         entry.AccountID.String(),
		Type:              string(entry.Type),
		Amount:            entry.Amount,
		DailyAmount:       entry.Delta.Daily,
		ExpiringAmount:    entry.Delta.Expiring,
		NonExpiringAmount: entry.Delta.NonExpiring,
		Model:             nullableString(entry.Model),
		SessionID:         nullableString(entry.SessionID),
		ExternalEventID:   nullableString(entry.ExternalEventID),
		Metadata:          datatypesJSON(entry.Metadata.String()),
		CreatedAt:         entry.CreatedAt.UTC(),
	}
	if entry.Type == ledger.EntryUsage {
		inputTokens := entry.InputTokens
		outputTokens := entry.OutputTokens
		row.InputTokens = &inputTokens
		row.OutputTokens = &outputTokens
	}
	return row
}

func mapEntry(row LedgerEntry) (ledger.Entry, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return ledger.Entry{
		EntryID:   row.EntryID,
		AccountID: accountID,
		Type:      entryType,
		Amount:    row.Amount,
		Delta: ledger.Buckets{
			Daily:       row.DailyAmount,
			Expiring:    row.ExpiringAmount,
			NonExpiring: row.NonExpiringAmount,
		},
		Model:           stringOrEmpty(row.Model),
		InputTokens:     int64OrZero(row.InputTokens),
		OutputTokens:    int64OrZero(row.OutputTokens),
		SessionID:       stringOrEmpty(row.SessionID),
		ExternalEventID: stringOrEmpty(row.ExternalEventID),
		Metadata:        metadata,
		CreatedAt:       row.CreatedAt.UTC(),
	}, nil
}

func mapEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func purchaseRow(purchase ledger.Purchase) CreditPurchase {
	return CreditPurchase{
		PurchaseID:        purchase.PurchaseID,
		AccountID:         purchase.AccountID.String(),
		Credits:           purchase.Credits,
		RefundedCredits:   purchase.RefundedCredits,
		PriceID:           purchase.PriceID,
		CheckoutSessionID: nullableString(purchase.CheckoutSessionID),
		PaymentIntentID:   nullableString(purchase.PaymentIntentID),
		Status:            string(purchase.Status),
		LedgerEntryID:     nullableString(purchase.LedgerEntryID),
		CreatedAt:         purchase.CreatedAt.UTC(),
		UpdatedAt:         purchase.UpdatedAt.UTC(),
	}
}

func mapPurchase(row CreditPurchase) (ledger.Purchase, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return ledger.Purchase{
		PurchaseID:        row.PurchaseID,
		AccountID:         accountID,
		Credits:           row.Credits,
		RefundedCredits:   row.RefundedCredits,
		PriceID:           row.PriceID,
		CheckoutSessionID: stringOrEmpty(row.CheckoutSessionID),
		PaymentIntentID:   stringOrEmpty(row.PaymentIntentID),
		Status:            ledger.PurchaseStatus(row.Status),
		LedgerEntryID:     stringOrEmpty(row.LedgerEntryID),
		CreatedAt:         row.CreatedAt.UTC(),
		UpdatedAt:         row.UpdatedAt.UTC(),
	}, nil
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func nullableTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return value.UTC()
}

func int64OrZero(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}
