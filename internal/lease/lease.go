// Package lease provides short-lived exclusive claims on a key, used to keep
// concurrent deliveries of the same webhook event from being handled twice.
package lease

import (
	"context"
	"errors"
	"time"
)

const (
	errorOperationLease = "lease"
	errorSubjectSQL     = "sql"
	errorSubjectRedis   = "redis"
	errorCodeAcquire    = "acquire"
	errorCodeTakeOver   = "take_over"
	errorCodeRelease    = "release"
)

// ErrLeaseHeld reports that another holder owns an unexpired lease on the key.
var ErrLeaseHeld = errors.New("lease held")

// Token proves ownership of an acquired lease.
type Token string

// Store acquires and releases leases. Acquire succeeds only when no unexpired
// lease exists for key; Release is a no-op unless token still owns the key.
type Store interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error)
	Release(ctx context.Context, key string, token Token) error
}
