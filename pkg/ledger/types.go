package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountID identifies a credit account (one per user).
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// MetadataJSON stores arbitrary entry metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap encodes a flat string map as metadata.
func MetadataFromMap(values map[string]string) MetadataJSON {
	if len(values) == 0 {
		return MetadataJSON{value: "{}"}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{value: "{}"}
	}
	return MetadataJSON{value: string(encoded)}
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Tier is a subscription level.
type Tier string

const (
	TierFree  Tier = "free"
	TierPlus  Tier = "plus"
	TierPro   Tier = "pro"
	TierUltra Tier = "ultra"
)

var tierRanks = map[Tier]int{
	TierFree:  0,
	TierPlus:  1,
	TierPro:   2,
	TierUltra: 3,
}

// ParseTier validates a tier name.
func ParseTier(raw string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := tierRanks[tier]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
	return tier, nil
}

// AtLeast reports whether tier grants everything minimum grants.
func (tier Tier) AtLeast(minimum Tier) bool {
	return tierRanks[tier] >= tierRanks[minimum]
}

// IsPaid reports whether the tier is billed through the processor.
func (tier Tier) IsPaid() bool {
	return tierRanks[tier] > 0
}

// TrialStatus is the trial lifecycle of an account.
type TrialStatus string

const (
	TrialStatusNone      TrialStatus = "none"
	TrialStatusActive    TrialStatus = "active"
	TrialStatusExpired   TrialStatus = "expired"
	TrialStatusCancelled TrialStatus = "cancelled"
)

// SubscriptionStatus is the paid subscription lifecycle of an account.
type SubscriptionStatus string

const (
	SubscriptionStatusNone                SubscriptionStatus = "none"
	SubscriptionStatusActive              SubscriptionStatus = "active"
	SubscriptionStatusPendingCancellation SubscriptionStatus = "pending_cancellation"
)

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryUsage        EntryType = "usage"
	EntryTierGrant    EntryType = "tier_grant"
	EntryPurchase     EntryType = "purchase"
	EntryRefund       EntryType = "refund"
	EntryDailyRefresh EntryType = "daily_refresh"
	EntryCorrection   EntryType = "correction"
	EntryExpiry       EntryType = "expiry"
)

// ParseEntryType validates an entry type name.
func ParseEntryType(raw string) (EntryType, error) {
	entryType := EntryType(strings.TrimSpace(raw))
	switch entryType {
	case EntryUsage, EntryTierGrant, EntryPurchase, EntryRefund, EntryDailyRefresh, EntryCorrection, EntryExpiry:
		return entryType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// Bucket names one of the three balance buckets.
type Bucket string

const (
	BucketDaily       Bucket = "daily"
	BucketExpiring    Bucket = "expiring"
	BucketNonExpiring Bucket = "non_expiring"
)

// ParseBucket validates a bucket name.
func ParseBucket(raw string) (Bucket, error) {
	bucket := Bucket(strings.TrimSpace(raw))
	switch bucket {
	case BucketDaily, BucketExpiring, BucketNonExpiring:
		return bucket, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBucket, raw)
	}
}

// GrantBucket returns the bucket a positive grant of entryType lands in.
func GrantBucket(entryType EntryType) (Bucket, error) {
	switch entryType {
	case EntryPurchase, EntryCorrection:
		return BucketNonExpiring, nil
	case EntryTierGrant:
		return BucketExpiring, nil
	case EntryDailyRefresh:
		return BucketDaily, nil
	default:
		return "", fmt.Errorf("%w: %s cannot be granted", ErrInvalidEntryType, entryType)
	}
}

// Account is the stored state of a credit account.
type Account struct {
	AccountID              AccountID
	Buckets                Buckets
	Balance                decimal.Decimal
	Tier                   Tier
	TrialStatus            TrialStatus
	TrialEndsAt            time.Time
	SubscriptionStatus     SubscriptionStatus
	ExternalCustomerID     string
	ExternalSubscriptionID string
	BillingCycleEndsAt     time.Time
	SubscriptionUpdatedAt  time.Time
	NextDailyRefreshAt     time.Time
	Active                 bool
	Version                int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// NewAccount returns the state of an account created on first use.
func NewAccount(accountID AccountID, now time.Time) Account {
	return Account{
		AccountID:          accountID,
		Buckets:            Buckets{},
		Balance:            decimal.Zero,
		Tier:               TierFree,
		TrialStatus:        TrialStatusNone,
		SubscriptionStatus: SubscriptionStatusNone,
		NextDailyRefreshAt: now,
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Entry is one append-only ledger row. Delta holds the signed change per bucket.
type Entry struct {
	EntryID         string
	AccountID       AccountID
	Type            EntryType
	Amount          decimal.Decimal
	Delta           Buckets
	Model           string
	InputTokens     int64
	OutputTokens    int64
	SessionID       string
	ExternalEventID string
	Metadata        MetadataJSON
	CreatedAt       time.Time
}

// PurchaseStatus is the lifecycle of a credit purchase.
type PurchaseStatus string

const (
	PurchaseStatusPending    PurchaseStatus = "pending"
	PurchaseStatusProcessing PurchaseStatus = "processing"
	PurchaseStatusCompleted  PurchaseStatus = "completed"
	PurchaseStatusFailed     PurchaseStatus = "failed"
	PurchaseStatusRefunded   PurchaseStatus = "refunded"
)

// Purchase is a one-off credit purchase made through the payment processor.
type Purchase struct {
	PurchaseID        string
	AccountID         AccountID
	Credits           decimal.Decimal
	RefundedCredits   decimal.Decimal
	PriceID           string
	CheckoutSessionID string
	PaymentIntentID   string
	Status            PurchaseStatus
	LedgerEntryID     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TrialRecord is the lifetime record of a started trial.
type TrialRecord struct {
	AccountID AccountID
	Tier      Tier
	StartedAt time.Time
	EndsAt    time.Time
}

// SubscriptionEvent records a processed subscription-affecting processor event.
type SubscriptionEvent struct {
	EventID    string
	AccountID  AccountID
	EventType  string
	OccurredAt time.Time
	CreatedAt  time.Time
}

// FlagKind names the reason a ledger entry was flagged by reconciliation.
type FlagKind string

const (
	FlagDuplicateAmount FlagKind = "duplicate_amount"
	FlagDuplicateEvent  FlagKind = "duplicate_event"
)

// ReconciliationFlag marks a ledger entry that needs manual review or reversal.
type ReconciliationFlag struct {
	Kind           FlagKind
	EntryID        string
	RelatedEntryID string
	AccountID      AccountID
	Detail         string
	CreatedAt      time.Time
}

// Balance is the read model returned to callers.
type Balance struct {
	Daily       decimal.Decimal
	Expiring    decimal.Decimal
	NonExpiring decimal.Decimal
	Total       decimal.Decimal
}

// BalanceOf derives the read model from stored account state.
func BalanceOf(account Account) Balance {
	return Balance{
		Daily:       account.Buckets.Daily,
		Expiring:    account.Buckets.Expiring,
		NonExpiring: account.Buckets.NonExpiring,
		Total:       account.Buckets.Total(),
	}
}
