package lease

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WebhookLease mirrors the webhook_leases table.
type WebhookLease struct {
	LeaseKey  string    `gorm:"primaryKey"`
	Token     string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
}

func (WebhookLease) TableName() string { return "webhook_leases" }

// AutoMigrate creates the lease table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&WebhookLease{})
}

// SQLStore keeps leases in a table: a conditional insert claims a free key
// and a conditional update takes over an expired one.
type SQLStore struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewSQLStore returns a SQLStore using now for expiry decisions.
func NewSQLStore(db *gorm.DB, now func() time.Time) *SQLStore {
	if now == nil {
		now = time.Now
	}
	return &SQLStore{db: db, nowFn: now}
}

func (store *SQLStore) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	now := store.nowFn().UTC()
	token := uuid.NewString()
	row := WebhookLease{LeaseKey: key, Token: token, ExpiresAt: now.Add(ttl)}
	err := store.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return Token(token), nil
	}
	if !gormstore.IsUniqueViolation(err) {
		return "", ledger.WrapError(errorOperationLease, errorSubjectSQL, errorCodeAcquire, err)
	}
	result := store.db.WithContext(ctx).
		Model(&WebhookLease{}).
		Where("lease_key = ? AND expires_at <= ?", key, now).
		Updates(map[string]any{"token": token, "expires_at": now.Add(ttl)})
	if result.Error != nil {
		return "", ledger.WrapError(errorOperationLease, errorSubjectSQL, errorCodeTakeOver, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", ErrLeaseHeld
	}
	return Token(token), nil
}

func (store *SQLStore) Release(ctx context.Context, key string, token Token) error {
	err := store.db.WithContext(ctx).
		Where("lease_key = ? AND token = ?", key, string(token)).
		Delete(&WebhookLease{}).Error
	if err != nil {
		return ledger.WrapError(errorOperationLease, errorSubjectSQL, errorCodeRelease, err)
	}
	return nil
}
