package ledger

import (
	"context"
	"time"
)

// AccountStore persists credit accounts.
type AccountStore interface {
	// GetAccount returns ErrAccountNotFound for unknown ids.
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	// LockAccount creates the account on first use and locks its row for the
	// rest of the transaction.
	LockAccount(ctx context.Context, accountID AccountID, now time.Time) (Account, error)
	// UpdateAccount writes account when the stored version still equals
	// account.Version and returns the state with the incremented version.
	// A version mismatch yields ErrConcurrentUpdate.
	UpdateAccount(ctx context.Context, account Account) (Account, error)
	// UpdateAccountIfRefreshDue behaves like UpdateAccount but additionally
	// requires the stored next_daily_refresh_at to be at or before dueBy.
	// It reports false when another writer got there first.
	UpdateAccountIfRefreshDue(ctx context.Context, account Account, dueBy time.Time) (Account, bool, error)
	FindAccountByCustomerID(ctx context.Context, customerID string) (Account, error)
	FindAccountBySubscriptionID(ctx context.Context, subscriptionID string) (Account, error)
	ListAccounts(ctx context.Context, afterAccountID string, limit int) ([]Account, error)
	ListAccountsDueForRefresh(ctx context.Context, now time.Time, limit int) ([]Account, error)
	ListAccountsWithExpiredCycle(ctx context.Context, now time.Time, limit int) ([]Account, error)
	ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]Account, error)
}

// EntryStore persists the append-only ledger.
type EntryStore interface {
	// InsertEntry returns ErrDuplicateExternalEvent when the external event id is taken.
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	FindEntryByExternalEventID(ctx context.Context, externalEventID string) (Entry, error)
	ListEntries(ctx context.Context, accountID AccountID, before time.Time, limit int) ([]Entry, error)
	ListEntriesByTypeSince(ctx context.Context, entryTypes []EntryType, since time.Time) ([]Entry, error)
	// SumEntryDeltas replays every entry of an account bucket by bucket.
	SumEntryDeltas(ctx context.Context, accountID AccountID) (Buckets, error)
}

// PurchaseStore persists credit purchases.
type PurchaseStore interface {
	CreatePurchase(ctx context.Context, purchase Purchase) error
	GetPurchase(ctx context.Context, purchaseID string) (Purchase, error)
	FindPurchaseByCheckoutSession(ctx context.Context, sessionID string) (Purchase, error)
	FindPurchaseByPaymentIntent(ctx context.Context, paymentIntentID string) (Purchase, error)
	// UpdatePurchase writes purchase only while the stored status equals
	// expected, otherwise it returns ErrPurchaseStateConflict.
	UpdatePurchase(ctx context.Context, purchase Purchase, expected PurchaseStatus) error
	ListPurchasesByStatus(ctx context.Context, status PurchaseStatus, updatedBefore time.Time, limit int) ([]Purchase, error)
}

// EventStore persists trial history, processed processor events and
// reconciliation flags.
type EventStore interface {
	// InsertTrialRecord returns ErrTrialAlreadyUsed when the account already had a trial.
	InsertTrialRecord(ctx context.Context, record TrialRecord) error
	// RecordSubscriptionEvent returns ErrDuplicateExternalEvent on redelivery.
	RecordSubscriptionEvent(ctx context.Context, event SubscriptionEvent) error
	RecordWebhookEvent(ctx context.Context, eventID string, eventType string, processedAt time.Time) error
	WebhookEventProcessed(ctx context.Context, eventID string) (bool, error)
	// FlagEntry reports false when the flag already existed.
	FlagEntry(ctx context.Context, flag ReconciliationFlag) (bool, error)
}

// Store is the persistence boundary of the billing engine.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	AccountStore
	EntryStore
	PurchaseStore
	EventStore
}
