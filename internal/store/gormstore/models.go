package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount mirrors the credit_accounts table.
type CreditAccount struct {
	AccountID              string          `gorm:"primaryKey"`
	DailyCreditsBalance    decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	ExpiringCredits        decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	NonExpiringCredits     decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Balance                decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Tier                   string          `gorm:"not null;index"`
	TrialStatus            string          `gorm:"not null"`
	TrialEndsAt            *time.Time
	SubscriptionStatus     string  `gorm:"not null"`
	ExternalCustomerID     *string `gorm:"index"`
	ExternalSubscriptionID *string `gorm:"index"`
	BillingCycleEndsAt     *time.Time
	SubscriptionUpdatedAt  *time.Time
	NextDailyRefreshAt     time.Time `gorm:"not null;index"`
	Active                 bool      `gorm:"not null"`
	Version                int64     `gorm:"not null"`
	CreatedAt              time.Time `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// LedgerEntry mirrors the credit_ledger table.
type LedgerEntry struct {
	EntryID           string          `gorm:"primaryKey"`
	AccountID         string          `gorm:"not null;index:idx_credit_ledger_account_created,priority:1"`
	Type              string          `gorm:"not null;index"`
	Amount            decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	DailyAmount       decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	ExpiringAmount    decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	NonExpiringAmount decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Model             *string
	InputTokens       *int64
	OutputTokens      *int64
	SessionID         *string
	ExternalEventID   *string        `gorm:"uniqueIndex:uniq_credit_ledger_external_event"`
	Metadata          datatypes.JSON `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_credit_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "credit_ledger" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// CreditPurchase mirrors the credit_purchases table.
type CreditPurchase struct {
	PurchaseID        string          `gorm:"primaryKey"`
	AccountID         string          `gorm:"not null;index"`
	Credits           decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	RefundedCredits   decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	PriceID           string          `gorm:"not null"`
	CheckoutSessionID *string         `gorm:"uniqueIndex"`
	PaymentIntentID   *string         `gorm:"index"`
	Status            string          `gorm:"not null;index:idx_credit_purchases_status_updated,priority:1"`
	LedgerEntryID     *string
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null;index:idx_credit_purchases_status_updated,priority:2"`
}

func (CreditPurchase) TableName() string { return "credit_purchases" }

// TrialHistory mirrors the trial_history table; one row per account lifetime.
type TrialHistory struct {
	AccountID string    `gorm:"primaryKey"`
	Tier      string    `gorm:"not null"`
	StartedAt time.Time `gorm:"not null"`
	EndsAt    time.Time `gorm:"not null"`
}

func (TrialHistory) TableName() string { return "trial_history" }

// SubscriptionEvent mirrors the subscription_events table.
type SubscriptionEvent struct {
	EventID    string    `gorm:"primaryKey"`
	AccountID  string    `gorm:"not null;index"`
	EventType  string    `gorm:"not null"`
	OccurredAt time.Time `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (SubscriptionEvent) TableName() string { return "subscription_events" }

// WebhookEvent mirrors the webhook_events audit table.
type WebhookEvent struct {
	EventID     string    `gorm:"primaryKey"`
	EventType   string    `gorm:"not null"`
	ProcessedAt time.Time `gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// ReconciliationFlag mirrors the reconciliation_flags table.
type ReconciliationFlag struct {
	FlagID         string    `gorm:"primaryKey"`
	Kind           string    `gorm:"not null;uniqueIndex:uniq_reconciliation_flag,priority:1"`
	EntryID        string    `gorm:"not null;uniqueIndex:uniq_reconciliation_flag,priority:2"`
	RelatedEntryID string    `gorm:"not null"`
	AccountID      string    `gorm:"not null;index"`
	Detail         string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (ReconciliationFlag) TableName() string { return "reconciliation_flags" }

func (flag *ReconciliationFlag) BeforeCreate(tx *gorm.DB) error {
	if flag.FlagID == "" {
		flag.FlagID = uuid.NewString()
	}
	return nil
}

// Models lists every table owned by the store, in migration order.
func Models() []any {
	return []any{
		&CreditAccount{},
		&LedgerEntry{},
		&CreditPurchase{},
		&TrialHistory{},
		&SubscriptionEvent{},
		&WebhookEvent{},
		&ReconciliationFlag{},
	}
}

// AutoMigrate creates or updates the store schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
