package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	caseLockError   = "lock error"
	caseInsertError = "insert error"
	eventIDValue    = "evt_1"
	sessionIDValue  = "session-1"
)

var errStoreFailure = errors.New("store error")

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, time.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestDeductDrainsBucketsInPriorityOrder(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	store.seed(test, accountID, mustBuckets(test, "0.05", "10", "5"), TierPlus)
	service := mustNewService(test, store)

	balance, err := service.Deduct(context.Background(), accountID, mustDecimal(test, "0.08"), Usage{Model: "gpt-4o", InputTokens: 10, OutputTokens: 5, SessionID: sessionIDValue})
	if err != nil {
		test.Fatalf("deduct failed: %v", err)
	}
	if !balance.Total.Equal(mustDecimal(test, "14.97")) {
		test.Fatalf("expected total 14.97, got %s", balance.Total)
	}
	account, err := store.GetAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	assertBuckets(test, account.Buckets, mustBuckets(test, "0", "9.97", "5"))
	if !account.Balance.Equal(account.Buckets.Total()) {
		test.Fatalf("stored balance %s does not match bucket sum %s", account.Balance, account.Buckets.Total())
	}
	entries := store.entriesFor(accountID)
	if len(entries) != 1 {
		test.Fatalf("expected exactly one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Type != EntryUsage || !entry.Amount.Equal(mustDecimal(test, "-0.08")) {
		test.Fatalf("unexpected usage entry: %+v", entry)
	}
	if entry.Model != "gpt-4o" || entry.InputTokens != 10 || entry.OutputTokens != 5 || entry.SessionID != sessionIDValue {
		test.Fatalf("usage metadata not recorded: %+v", entry)
	}
}

func TestDeductInsufficientLeavesStateUnchanged(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	initial := mustBuckets(test, "0.05", "1", "0.5")
	store.seed(test, accountID, initial, TierFree)
	service := mustNewService(test, store)

	_, err := service.Deduct(context.Background(), accountID, mustDecimal(test, "2"), Usage{Model: "gpt-4o-mini"})
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	account, err := store.GetAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	assertBuckets(test, account.Buckets, initial)
	if len(store.entriesFor(accountID)) != 0 {
		test.Fatalf("expected no entries after failed deduction")
	}
}

func TestDeductRejectsInvalidInput(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, accountIDValue)
	testCases := []struct {
		name      string
		accountID AccountID
		amount    string
		wantErr   error
	}{
		{name: "zero account", accountID: AccountID{}, amount: "1", wantErr: ErrInvalidAccountID},
		{name: "zero amount", accountID: accountID, amount: "0", wantErr: ErrInvalidAmount},
		{name: "negative amount", accountID: accountID, amount: "-1", wantErr: ErrInvalidAmount},
		{name: "too precise", accountID: accountID, amount: "0.0000001", wantErr: ErrInvalidAmount},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := service.Deduct(context.Background(), testCase.accountID, mustDecimal(test, testCase.amount), Usage{})
			if !errors.Is(err, testCase.wantErr) || !errors.Is(err, ErrValidation) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestDeductRejectsInactiveAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	store.seed(test, accountID, mustBuckets(test, "1", "0", "0"), TierFree)
	service := mustNewService(test, store)
	if err := service.Deactivate(context.Background(), accountID); err != nil {
		test.Fatalf("deactivate: %v", err)
	}
	_, err := service.Deduct(context.Background(), accountID, mustDecimal(test, "0.5"), Usage{})
	if !errors.Is(err, ErrAccountInactive) {
		test.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestConcurrentDeductionsNeverOverdraw(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	store.seed(test, accountID, mustBuckets(test, "0", "0", "50"), TierFree)
	service := mustNewService(test, store)

	one := mustDecimal(test, "1")
	var waitGroup sync.WaitGroup
	var succeeded atomic.Int64
	var insufficient atomic.Int64
	for index := 0; index < 100; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Deduct(context.Background(), accountID, one, Usage{})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientCredits):
				insufficient.Add(1)
			default:
				test.Errorf("unexpected error: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	if succeeded.Load() != 50 || insufficient.Load() != 50 {
		test.Fatalf("expected 50/50, got %d succeeded and %d insufficient", succeeded.Load(), insufficient.Load())
	}
	account, err := store.GetAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if !account.Buckets.Total().IsZero() {
		test.Fatalf("expected zero balance, got %s", account.Buckets.Total())
	}
	if len(store.entriesFor(accountID)) != 50 {
		test.Fatalf("expected 50 usage entries, got %d", len(store.entriesFor(accountID)))
	}
}

func TestMutateRetriesVersionConflicts(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	store.seed(test, accountID, mustBuckets(test, "0", "0", "5"), TierFree)
	store.updateConflicts = 2
	service := mustNewService(test, store)

	if _, err := service.Deduct(context.Background(), accountID, mustDecimal(test, "1"), Usage{}); err != nil {
		test.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(store.entriesFor(accountID)) != 1 {
		test.Fatalf("expected one entry after retries, got %d", len(store.entriesFor(accountID)))
	}

	store.updateConflicts = 3
	_, err := service.Deduct(context.Background(), accountID, mustDecimal(test, "1"), Usage{})
	if !errors.Is(err, ErrConcurrentUpdate) {
		test.Fatalf("expected ErrConcurrentUpdate after exhausting retries, got %v", err)
	}
	if len(store.entriesFor(accountID)) != 1 {
		test.Fatalf("failed attempts must not leave entries")
	}
}

func TestGrantRoutesToBucketAndIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, accountIDValue)
	request := GrantRequest{
		AccountID:       accountID,
		Amount:          mustDecimal(test, "20"),
		Type:            EntryPurchase,
		ExternalEventID: eventIDValue,
	}

	first, err := service.Grant(context.Background(), request)
	if err != nil {
		test.Fatalf("grant failed: %v", err)
	}
	second, err := service.Grant(context.Background(), request)
	if err != nil {
		test.Fatalf("duplicate grant must be a no-op, got %v", err)
	}
	if !first.Total.Equal(second.Total) || !second.NonExpiring.Equal(mustDecimal(test, "20")) {
		test.Fatalf("unexpected balances %+v %+v", first, second)
	}
	if len(store.entriesFor(accountID)) != 1 {
		test.Fatalf("expected exactly one entry, got %d", len(store.entriesFor(accountID)))
	}

	otherRequest := request
	otherRequest.AccountID = mustAccountID(test, otherAccountIDValue)
	if _, err := service.Grant(context.Background(), otherRequest); !errors.Is(err, ErrDuplicateExternalEvent) {
		test.Fatalf("expected ErrDuplicateExternalEvent for foreign account, got %v", err)
	}
}

func TestGrantThenDeductRoundTrips(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	initial := mustBuckets(test, "0.3", "1.25", "4")
	store.seed(test, accountID, initial, TierFree)
	service := mustNewService(test, store)

	amount := mustDecimal(test, "7.123456")
	if _, err := service.Grant(context.Background(), GrantRequest{AccountID: accountID, Amount: amount, Type: EntryTierGrant}); err != nil {
		test.Fatalf("grant: %v", err)
	}
	balance, err := service.Deduct(context.Background(), accountID, amount, Usage{})
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if !balance.Total.Equal(initial.Total()) {
		test.Fatalf("expected total %s after round trip, got %s", initial.Total(), balance.Total)
	}
}

func TestGrantRejectsNonGrantTypes(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	_, err := service.Grant(context.Background(), GrantRequest{
		AccountID: mustAccountID(test, accountIDValue),
		Amount:    mustDecimal(test, "1"),
		Type:      EntryUsage,
	})
	if !errors.Is(err, ErrInvalidEntryType) {
		test.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
}

func TestGrantReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
	}{
		{name: caseLockError, configure: func(store *stubStore) { store.lockError = errStoreFailure }},
		{name: caseInsertError, configure: func(store *stubStore) { store.insertError = errStoreFailure }},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			testCase.configure(store)
			service := mustNewService(test, store)
			_, err := service.Grant(context.Background(), GrantRequest{
				AccountID: mustAccountID(test, accountIDValue),
				Amount:    mustDecimal(test, "1"),
				Type:      EntryPurchase,
			})
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf("expected store failure, got %v", err)
			}
		})
	}
}

func TestBalanceOfUnknownAccountIsZero(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, accountIDValue)
	balance, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if !balance.Total.IsZero() {
		test.Fatalf("expected zero balance, got %s", balance.Total)
	}
	if _, err := store.GetAccount(context.Background(), accountID); !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("reads must not create accounts, got %v", err)
	}
}

func TestListEntriesNewestFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	clock := fixedNow
	service, err := NewService(store, func() time.Time { return clock })
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	for index := 0; index < 3; index++ {
		clock = fixedNow.Add(time.Duration(index) * time.Minute)
		if _, err := service.Grant(context.Background(), GrantRequest{AccountID: accountID, Amount: mustDecimal(test, "1"), Type: EntryPurchase}); err != nil {
			test.Fatalf("grant: %v", err)
		}
	}
	entries, err := service.ListEntries(context.Background(), accountID, time.Time{}, 2)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 || !entries[0].CreatedAt.After(entries[1].CreatedAt) {
		test.Fatalf("unexpected entries %+v", entries)
	}
}
