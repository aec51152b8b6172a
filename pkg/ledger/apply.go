package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ApplyEntry appends entry and moves the account buckets by entry.Delta
// inside the caller's transaction. The entry amount is always the delta
// total, and the stored balance is always rewritten as the bucket sum.
func ApplyEntry(ctx context.Context, txStore Store, account Account, entry Entry, now time.Time) (Account, Entry, error) {
	if entry.ExternalEventID != "" {
		_, err := txStore.FindEntryByExternalEventID(ctx, entry.ExternalEventID)
		if err == nil {
			return account, Entry{}, fmt.Errorf("%w: %s", ErrDuplicateExternalEvent, entry.ExternalEventID)
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return account, Entry{}, err
		}
	}
	entry.AccountID = account.AccountID
	entry.Amount = entry.Delta.Total()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if err := ValidateEntry(entry); err != nil {
		return account, Entry{}, err
	}
	updatedBuckets := account.Buckets.Add(entry.Delta)
	if err := updatedBuckets.Validate(); err != nil {
		return account, Entry{}, err
	}
	inserted, err := txStore.InsertEntry(ctx, entry)
	if err != nil {
		return account, Entry{}, err
	}
	account.Buckets = updatedBuckets
	account.Balance = updatedBuckets.Total()
	account.UpdatedAt = now
	updated, err := txStore.UpdateAccount(ctx, account)
	if err != nil {
		return account, Entry{}, err
	}
	return updated, inserted, nil
}

// ApplyCredit adds a positive amount to one bucket with a matching entry.
func ApplyCredit(ctx context.Context, txStore Store, account Account, bucket Bucket, amount decimal.Decimal, entry Entry, now time.Time) (Account, Entry, error) {
	if !amount.IsPositive() {
		return account, Entry{}, fmt.Errorf("%w: credit must be positive", ErrInvalidAmount)
	}
	entry.Delta = Single(bucket, amount)
	return ApplyEntry(ctx, txStore, account, entry, now)
}

// ApplyDebit drains amount in priority order with a single entry. Nothing is
// written when the buckets cannot cover it.
func ApplyDebit(ctx context.Context, txStore Store, account Account, amount decimal.Decimal, entry Entry, now time.Time) (Account, Entry, error) {
	if !amount.IsPositive() {
		return account, Entry{}, fmt.Errorf("%w: debit must be positive", ErrInvalidAmount)
	}
	deduction, err := PlanDeduction(account.Buckets, amount)
	if err != nil {
		return account, Entry{}, err
	}
	entry.Delta = deduction.Consumed.Neg()
	return ApplyEntry(ctx, txStore, account, entry, now)
}

// ValidateEntry checks the sign rules of each entry type.
func ValidateEntry(entry Entry) error {
	if entry.AccountID.IsZero() {
		return fmt.Errorf("%w: entry without account", ErrInvalidAccountID)
	}
	if _, err := ParseEntryType(string(entry.Type)); err != nil {
		return err
	}
	if err := validateScale(entry.Delta); err != nil {
		return err
	}
	amount := entry.Delta.Total()
	if !amount.Equal(entry.Amount) {
		return fmt.Errorf("%w: amount %s does not match bucket delta %s", ErrInvalidAmount, entry.Amount, amount)
	}
	switch entry.Type {
	case EntryPurchase, EntryTierGrant:
		if !amount.IsPositive() {
			return fmt.Errorf("%w: %s entry must be positive", ErrInvalidAmount, entry.Type)
		}
	case EntryUsage, EntryExpiry:
		if !amount.IsNegative() {
			return fmt.Errorf("%w: %s entry must be negative", ErrInvalidAmount, entry.Type)
		}
	case EntryRefund:
		if amount.IsPositive() {
			return fmt.Errorf("%w: refund entry must not be positive", ErrInvalidAmount)
		}
	case EntryDailyRefresh:
		if amount.IsZero() {
			return fmt.Errorf("%w: daily refresh entry must not be zero", ErrInvalidAmount)
		}
	}
	if entry.InputTokens < 0 || entry.OutputTokens < 0 {
		return fmt.Errorf("%w: negative token count", ErrInvalidTokenCount)
	}
	return nil
}

func validateScale(buckets Buckets) error {
	for _, bucket := range deductionOrder {
		amount := buckets.Get(bucket)
		if !amount.Equal(RoundCredits(amount)) {
			return fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmount, amount, CreditScale)
		}
	}
	return nil
}

// ValidateAmount checks a caller-supplied positive credit amount.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !amount.Equal(RoundCredits(amount)) {
		return fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, CreditScale)
	}
	return nil
}
