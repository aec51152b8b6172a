package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Service contains the credit manager logic over a Store.
type Service struct {
	store       Store
	nowFn       func() time.Time
	logger      OperationLogger
	prices      PriceTable
	casAttempts int
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		nowFn:       now,
		prices:      DefaultPriceTable(),
		casAttempts: defaultCASAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Prices exposes the model catalogue the service charges with.
func (service *Service) Prices() PriceTable {
	return service.prices
}

// AccountMutation changes a locked account inside a transaction and returns its new state.
type AccountMutation func(ctx context.Context, txStore Store, account Account, now time.Time) (Account, error)

// MutateAccount locks the account (creating it on first use), runs mutation in
// one transaction and retries the whole transaction when the optimistic
// version check loses a race.
func MutateAccount(ctx context.Context, store Store, accountID AccountID, attempts int, now func() time.Time, mutation AccountMutation) (Account, error) {
	if attempts <= 0 {
		attempts = defaultCASAttempts
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		var result Account
		err := store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			current := now().UTC()
			account, err := txStore.LockAccount(ctx, accountID, current)
			if err != nil {
				return err
			}
			result, err = mutation(ctx, txStore, account, current)
			return err
		})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return Account{}, err
		}
		lastErr = err
	}
	return Account{}, WrapError(errorOperationService, errorSubjectAccount, errorCodeConflict, lastErr)
}

// Mutate runs an AccountMutation with the service's clock and retry bound.
func (service *Service) Mutate(ctx context.Context, accountID AccountID, mutation AccountMutation) (Account, error) {
	return MutateAccount(ctx, service.store, accountID, service.casAttempts, service.nowFn, mutation)
}

// Account returns the stored account; unknown ids yield a fresh free-tier
// account that is not persisted.
func (service *Service) Account(ctx context.Context, accountID AccountID) (Account, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return NewAccount(accountID, service.nowFn().UTC()), nil
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// Balance returns the buckets and their total.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	account, err := service.Account(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return BalanceOf(account), nil
}

// Usage describes the model call a deduction pays for.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	SessionID    string
	Metadata     MetadataJSON
}

// Deduct drains amount in priority order and appends exactly one usage entry.
// On ErrInsufficientCredits nothing is written.
func (service *Service) Deduct(ctx context.Context, accountID AccountID, amount decimal.Decimal, usage Usage) (Balance, error) {
	var balance Balance
	operationError := func() error {
		if accountID.IsZero() {
			return ErrInvalidAccountID
		}
		if err := ValidateAmount(amount); err != nil {
			return err
		}
		account, err := service.Mutate(ctx, accountID, func(ctx context.Context, txStore Store, account Account, now time.Time) (Account, error) {
			if !account.Active {
				return account, ErrAccountInactive
			}
			updated, _, err := ApplyDebit(ctx, txStore, account, amount, Entry{
				Type:         EntryUsage,
				Model:        normalizeModelName(usage.Model),
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
				SessionID:    usage.SessionID,
				Metadata:     usage.Metadata,
			}, now)
			return updated, err
		})
		if err != nil {
			return err
		}
		balance = BalanceOf(account)
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationDeduct,
		AccountID: accountID,
		EntryType: EntryUsage,
		Amount:    amount,
		Model:     usage.Model,
		Balance:   balance.Total,
		Error:     operationError,
	})
	return balance, operationError
}

// GrantRequest adds credits to the bucket owned by the entry type.
type GrantRequest struct {
	AccountID       AccountID
	Amount          decimal.Decimal
	Type            EntryType
	ExternalEventID string
	Metadata        MetadataJSON
}

// Grant credits an account. A repeated external event id on the same account
// is a no-op that returns the current balance.
func (service *Service) Grant(ctx context.Context, request GrantRequest) (Balance, error) {
	var balance Balance
	status := ""
	operationError := func() error {
		if request.AccountID.IsZero() {
			return ErrInvalidAccountID
		}
		if err := ValidateAmount(request.Amount); err != nil {
			return err
		}
		bucket, err := GrantBucket(request.Type)
		if err != nil {
			return err
		}
		account, err := service.Mutate(ctx, request.AccountID, func(ctx context.Context, txStore Store, account Account, now time.Time) (Account, error) {
			updated, _, err := ApplyCredit(ctx, txStore, account, bucket, request.Amount, Entry{
				Type:            request.Type,
				ExternalEventID: request.ExternalEventID,
				Metadata:        request.Metadata,
			}, now)
			return updated, err
		})
		if errors.Is(err, ErrDuplicateExternalEvent) && request.ExternalEventID != "" {
			existing, lookupErr := service.store.FindEntryByExternalEventID(ctx, request.ExternalEventID)
			if lookupErr != nil {
				return lookupErr
			}
			if existing.AccountID != request.AccountID {
				return err
			}
			status = operationStatusNoop
			balance, err = service.Balance(ctx, request.AccountID)
			return err
		}
		if err != nil {
			return err
		}
		balance = BalanceOf(account)
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:       operationGrant,
		AccountID:       request.AccountID,
		EntryType:       request.Type,
		Amount:          request.Amount,
		ExternalEventID: request.ExternalEventID,
		Balance:         balance.Total,
		Status:          status,
		Error:           operationError,
	})
	return balance, operationError
}

// ListEntries returns entries newest first, created strictly before before
// (zero means now).
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, before time.Time, limit int) ([]Entry, error) {
	if accountID.IsZero() {
		return nil, ErrInvalidAccountID
	}
	if before.IsZero() {
		before = service.nowFn().UTC().Add(time.Nanosecond)
	}
	return service.store.ListEntries(ctx, accountID, before, limit)
}

// Deactivate marks the account inactive. Accounts are never deleted.
func (service *Service) Deactivate(ctx context.Context, accountID AccountID) error {
	if accountID.IsZero() {
		return ErrInvalidAccountID
	}
	_, err := service.Mutate(ctx, accountID, func(ctx context.Context, txStore Store, account Account, now time.Time) (Account, error) {
		account.Active = false
		account.UpdatedAt = now
		return txStore.UpdateAccount(ctx, account)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeactivate,
		AccountID: accountID,
		Error:     err,
	})
	return err
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Error != nil {
		entry.Status = operationStatusError
	} else if entry.Status == "" {
		entry.Status = operationStatusOK
	}
	service.logger.LogOperation(ctx, entry)
}
