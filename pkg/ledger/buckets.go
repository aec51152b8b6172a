package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Buckets holds one amount per balance bucket. Stored balances are never
// negative; entry deltas are signed.
type Buckets struct {
	Daily       decimal.Decimal
	Expiring    decimal.Decimal
	NonExpiring decimal.Decimal
}

// deductionOrder is the order usage drains buckets in.
var deductionOrder = []Bucket{BucketDaily, BucketExpiring, BucketNonExpiring}

// reversalOrder is the order refunds claw credits back in.
var reversalOrder = []Bucket{BucketNonExpiring, BucketExpiring, BucketDaily}

// Single returns a Buckets value with amount in one bucket.
func Single(bucket Bucket, amount decimal.Decimal) Buckets {
	return Buckets{}.With(bucket, amount)
}

// Total returns the sum of all buckets.
func (buckets Buckets) Total() decimal.Decimal {
	return buckets.Daily.Add(buckets.Expiring).Add(buckets.NonExpiring)
}

// Get returns the amount held in bucket.
func (buckets Buckets) Get(bucket Bucket) decimal.Decimal {
	switch bucket {
	case BucketDaily:
		return buckets.Daily
	case BucketExpiring:
		return buckets.Expiring
	default:
		return buckets.NonExpiring
	}
}

// With returns a copy with bucket set to amount.
func (buckets Buckets) With(bucket Bucket, amount decimal.Decimal) Buckets {
	switch bucket {
	case BucketDaily:
		buckets.Daily = amount
	case BucketExpiring:
		buckets.Expiring = amount
	default:
		buckets.NonExpiring = amount
	}
	return buckets
}

// Add returns the bucket-wise sum.
func (buckets Buckets) Add(other Buckets) Buckets {
	return Buckets{
		Daily:       buckets.Daily.Add(other.Daily),
		Expiring:    buckets.Expiring.Add(other.Expiring),
		NonExpiring: buckets.NonExpiring.Add(other.NonExpiring),
	}
}

// Sub returns the bucket-wise difference.
func (buckets Buckets) Sub(other Buckets) Buckets {
	return buckets.Add(other.Neg())
}

// Neg returns the bucket-wise negation.
func (buckets Buckets) Neg() Buckets {
	return Buckets{
		Daily:       buckets.Daily.Neg(),
		Expiring:    buckets.Expiring.Neg(),
		NonExpiring: buckets.NonExpiring.Neg(),
	}
}

// Equal compares bucket-wise.
func (buckets Buckets) Equal(other Buckets) bool {
	return buckets.Daily.Equal(other.Daily) &&
		buckets.Expiring.Equal(other.Expiring) &&
		buckets.NonExpiring.Equal(other.NonExpiring)
}

// IsZero reports whether every bucket is zero.
func (buckets Buckets) IsZero() bool {
	return buckets.Daily.IsZero() && buckets.Expiring.IsZero() && buckets.NonExpiring.IsZero()
}

// Validate rejects negative buckets.
func (buckets Buckets) Validate() error {
	for _, bucket := range deductionOrder {
		if buckets.Get(bucket).IsNegative() {
			return fmt.Errorf("%w: %s bucket would be %s", ErrInsufficientCredits, bucket, buckets.Get(bucket).String())
		}
	}
	return nil
}

// Deduction describes how a usage amount is split across buckets.
type Deduction struct {
	Consumed  Buckets
	Remaining Buckets
}

// PlanDeduction drains daily, then expiring, then non-expiring credits. It
// fails with ErrInsufficientCredits when the buckets cannot cover amount and
// never returns a partial plan.
func PlanDeduction(buckets Buckets, amount decimal.Decimal) (Deduction, error) {
	if amount.IsNegative() {
		return Deduction{}, fmt.Errorf("%w: deduction must not be negative", ErrInvalidAmount)
	}
	remaining := amount
	consumed := Buckets{}
	for _, bucket := range deductionOrder {
		if remaining.IsZero() {
			break
		}
		taken := decimal.Min(buckets.Get(bucket), remaining)
		consumed = consumed.With(bucket, taken)
		remaining = remaining.Sub(taken)
	}
	if remaining.IsPositive() {
		return Deduction{}, fmt.Errorf("%w: short by %s", ErrInsufficientCredits, remaining.String())
	}
	return Deduction{Consumed: consumed, Remaining: buckets.Sub(consumed)}, nil
}

// PlanReversal claws back up to amount, taking non-expiring credits first,
// then expiring, then daily. It never overdraws a bucket; the shortfall is
// returned alongside the consumed amounts.
func PlanReversal(buckets Buckets, amount decimal.Decimal) (Buckets, decimal.Decimal) {
	remaining := amount
	consumed := Buckets{}
	for _, bucket := range reversalOrder {
		if !remaining.IsPositive() {
			break
		}
		taken := decimal.Min(buckets.Get(bucket), remaining)
		consumed = consumed.With(bucket, taken)
		remaining = remaining.Sub(taken)
	}
	return consumed, remaining
}
