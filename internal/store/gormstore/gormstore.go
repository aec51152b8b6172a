package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	defaultListLimit      = 50
	maxListLimit          = 500

	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "entry"
	errorSubjectPurchase  = "purchase"
	errorSubjectTrial     = "trial"
	errorSubjectEvent     = "event"
	errorSubjectFlag      = "flag"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLock         = "lock"
	errorCodeLookup       = "lookup"
	errorCodeSum          = "sum"
	errorCodeUpdate       = "update"
	errorCodeVersionCheck = "version_check"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var row CreditAccount
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&row).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, notFound(err, ledger.ErrAccountNotFound))
	}
	return mapAccount(row)
}

func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID, now time.Time) (ledger.Account, error) {
	seed := accountRow(ledger.NewAccount(accountID, now.UTC()))
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var row CreditAccount
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID.String()).
		Take(&row).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, notFound(err, ledger.ErrAccountNotFound))
	}
	return mapAccount(row)
}

func (store *Store) UpdateAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("account_id = ? AND version = ?", account.AccountID.String(), account.Version).
		Updates(accountColumns(account))
	if result.Error != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeVersionCheck, ledger.ErrConcurrentUpdate)
	}
	account.Version++
	account.Balance = account.Buckets.Total()
	return account, nil
}

func (store *Store) UpdateAccountIfRefreshDue(ctx context.Context, account ledger.Account, dueBy time.Time) (ledger.Account, bool, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("account_id = ? AND version = ? AND next_daily_refresh_at <= ?", account.AccountID.String(), account.Version, dueBy.UTC()).
		Updates(accountColumns(account))
	if result.Error != nil {
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return account, false, nil
	}
	account.Version++
	account.Balance = account.Buckets.Total()
	return account, true, nil
}

func (store *Store) FindAccountByCustomerID(ctx context.Context, customerID string) (ledger.Account, error) {
	return store.findAccount(ctx, "external_customer_id = ?", customerID)
}

func (store *Store) FindAccountBySubscriptionID(ctx context.Context, subscriptionID string) (ledger.Account, error) {
	return store.findAccount(ctx, "external_subscription_id = ?", subscriptionID)
}

func (store *Store) findAccount(ctx context.Context, condition string, value string) (ledger.Account, error) {
	if value == "" {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.ErrAccountNotFound)
	}
	var row CreditAccount
	err := store.db.WithContext(ctx).Where(condition, value).Order("created_at ASC").Take(&row).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, notFound(err, ledger.ErrAccountNotFound))
	}
	return mapAccount(row)
}

func (store *Store) ListAccounts(ctx context.Context, afterAccountID string, limit int) ([]ledger.Account, error) {
	return store.listAccounts(ctx, limit, "account_id ASC", "account_id > ?", afterAccountID)
}

func (store *Store) ListAccountsDueForRefresh(ctx context.Context, now time.Time, limit int) ([]ledger.Account, error) {
	return store.listAccounts(ctx, limit, "next_daily_refresh_at ASC",
		"tier = ? AND active = ? AND next_daily_refresh_at <= ?", string(ledger.TierFree), true, now.UTC())
}

func (store *Store) ListAccountsWithExpiredCycle(ctx context.Context, now time.Time, limit int) ([]ledger.Account, error) {
	return store.listAccounts(ctx, limit, "billing_cycle_ends_at ASC",
		"expiring_credits > 0 AND billing_cycle_ends_at IS NOT NULL AND billing_cycle_ends_at < ?", now.UTC())
}

func (store *Store) ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]ledger.Account, error) {
	return store.listAccounts(ctx, limit, "trial_ends_at ASC",
		"trial_status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?", string(ledger.TrialStatusActive), now.UTC())
}

func (store *Store) listAccounts(ctx context.Context, limit int, order string, condition string, args ...any) ([]ledger.Account, error) {
	var rows []CreditAccount
	err := store.db.WithContext(ctx).
		Where(condition, args...).
		Order(order).
		Limit(normalizeLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]ledger.Account, 0, len(rows))
	for _, row := range rows {
		account, err := mapAccount(row)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	row := entryRow(entry)
	err := store.db.WithContext(ctx).Create(&row).Error
	if IsUniqueViolation(err) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateExternalEvent)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mapEntry(row)
}

func (store *Store) FindEntryByExternalEventID(ctx context.Context, externalEventID string) (ledger.Entry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).Where("external_event_id = ?", externalEventID).Take(&row).Error
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, notFound(err, ledger.ErrEntryNotFound))
	}
	return mapEntry(row)
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, before time.Time, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before.UTC()).
		Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *Store) ListEntriesByTypeSince(ctx context.Context, entryTypes []ledger.EntryType, since time.Time) ([]ledger.Entry, error) {
	typeNames := make([]string, 0, len(entryTypes))
	for _, entryType := range entryTypes {
		typeNames = append(typeNames, string(entryType))
	}
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("type IN ? AND created_at >= ?", typeNames, since.UTC()).
		Order("account_id ASC").
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

type deltaRow struct {
	DailyAmount       decimal.Decimal
	ExpiringAmount    decimal.Decimal
	NonExpiringAmount decimal.Decimal
}

// SumEntryDeltas adds amounts in Go so SQLite's floating NUMERIC affinity
// never leaks into the replayed totals.
func (store *Store) SumEntryDeltas(ctx context.Context, accountID ledger.AccountID) (ledger.Buckets, error) {
	var rows []deltaRow
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("daily_amount, expiring_amount, non_expiring_amount").
		Where("account_id = ?", accountID.String()).
		Scan(&rows).Error
	if err != nil {
		return ledger.Buckets{}, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	total := ledger.Buckets{}
	for _, row := range rows {
		total = total.Add(ledger.Buckets{
			Daily:       row.DailyAmount,
			Expiring:    row.ExpiringAmount,
			NonExpiring: row.NonExpiringAmount,
		})
	}
	return total, nil
}

func (store *Store) CreatePurchase(ctx context.Context, purchase ledger.Purchase) error {
	row := purchaseRow(purchase)
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPurchase(ctx context.Context, purchaseID string) (ledger.Purchase, error) {
	return store.findPurchase(ctx, "purchase_id = ?", purchaseID)
}

func (store *Store) FindPurchaseByCheckoutSession(ctx context.Context, sessionID string) (ledger.Purchase, error) {
	return store.findPurchase(ctx, "checkout_session_id = ?", sessionID)
}

func (store *Store) FindPurchaseByPaymentIntent(ctx context.Context, paymentIntentID string) (ledger.Purchase, error) {
	return store.findPurchase(ctx, "payment_intent_id = ?", paymentIntentID)
}

func (store *Store) findPurchase(ctx context.Context, condition string, value string) (ledger.Purchase, error) {
	if value == "" {
		return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeLookup, ledger.ErrPurchaseNotFound)
	}
	var row CreditPurchase
	err := store.db.WithContext(ctx).Where(condition, value).Order("created_at DESC").Take(&row).Error
	if err != nil {
		return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeLookup, notFound(err, ledger.ErrPurchaseNotFound))
	}
	return mapPurchase(row)
}

func (store *Store) UpdatePurchase(ctx context.Context, purchase ledger.Purchase, expected ledger.PurchaseStatus) error {
	row := purchaseRow(purchase)
	result := store.db.WithContext(ctx).
		Model(&CreditPurchase{}).
		Where("purchase_id = ? AND status = ?", purchase.PurchaseID, string(expected)).
		Updates(map[string]any{
			"status":              row.Status,
			"checkout_session_id": row.CheckoutSessionID,
			"payment_intent_id":   row.PaymentIntentID,
			"ledger_entry_id":     row.LedgerEntryID,
			"refunded_credits":    row.RefundedCredits,
			"updated_at":          row.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeVersionCheck, ledger.ErrPurchaseStateConflict)
	}
	return nil
}

func (store *Store) ListPurchasesByStatus(ctx context.Context, status ledger.PurchaseStatus, updatedBefore time.Time, limit int) ([]ledger.Purchase, error) {
	var rows []CreditPurchase
	err := store.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(status), updatedBefore.UTC()).
		Order("updated_at ASC").
		Limit(normalizeLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	purchases := make([]ledger.Purchase, 0, len(rows))
	for _, row := range rows {
		purchase, err := mapPurchase(row)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, purchase)
	}
	return purchases, nil
}

func (store *Store) InsertTrialRecord(ctx context.Context, record ledger.TrialRecord) error {
	row := TrialHistory{
		AccountID: record.AccountID.String(),
		Tier:      string(record.Tier),
		StartedAt: record.StartedAt.UTC(),
		EndsAt:    record.EndsAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if IsUniqueViolation(err) {
		return wrapStoreError(errorSubjectTrial, errorCodeDuplicate, ledger.ErrTrialAlreadyUsed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTrial, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) RecordSubscriptionEvent(ctx context.Context, event ledger.SubscriptionEvent) error {
	row := SubscriptionEvent{
		EventID:    event.EventID,
		AccountID:  event.AccountID.String(),
		EventType:  event.EventType,
		OccurredAt: event.OccurredAt.UTC(),
		CreatedAt:  event.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if IsUniqueViolation(err) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, ledger.ErrDuplicateExternalEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) RecordWebhookEvent(ctx context.Context, eventID string, eventType string, processedAt time.Time) error {
	row := WebhookEvent{EventID: eventID, EventType: eventType, ProcessedAt: processedAt.UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) WebhookEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&WebhookEvent{}).Where("event_id = ?", eventID).Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectEvent, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) FlagEntry(ctx context.Context, flag ledger.ReconciliationFlag) (bool, error) {
	row := ReconciliationFlag{
		Kind:           string(flag.Kind),
		EntryID:        flag.EntryID,
		RelatedEntryID: flag.RelatedEntryID,
		AccountID:      flag.AccountID.String(),
		Detail:         flag.Detail,
		CreatedAt:      flag.CreatedAt.UTC(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectFlag, errorCodeInsert, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure on
// either supported database.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
