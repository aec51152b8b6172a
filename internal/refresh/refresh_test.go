package refresh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/billing/internal/testutil"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type refreshHarness struct {
	service *Service
	store   *gormstore.Store
	ledger  *ledger.Service
	now     *atomic.Int64
}

func newHarness(test *testing.T, batchSize int) refreshHarness {
	test.Helper()
	store := gormstore.New(testutil.OpenSQLite(test, gormstore.Models()...))
	now := &atomic.Int64{}
	now.Store(fixedNow.UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()).UTC() }
	service, err := NewService(store, Config{DailyAmount: decimal.NewFromInt(10), Interval: 24 * time.Hour, BatchSize: batchSize}, clock, zap.NewNop())
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	ledgerService, err := ledger.NewService(store, clock)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	return refreshHarness{service: service, store: store, ledger: ledgerService, now: now}
}

func (harness refreshHarness) advance(duration time.Duration) {
	harness.now.Add(int64(duration))
}

func mustAccountID(test *testing.T, raw string) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustCreateAccount(test *testing.T, harness refreshHarness, raw string) ledger.AccountID {
	test.Helper()
	accountID := mustAccountID(test, raw)
	err := harness.store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		_, err := txStore.LockAccount(ctx, accountID, fixedNow)
		return err
	})
	if err != nil {
		test.Fatalf("create account: %v", err)
	}
	return accountID
}

func mustRefreshEntries(test *testing.T, harness refreshHarness, accountID ledger.AccountID) []ledger.Entry {
	test.Helper()
	entries, err := harness.store.ListEntries(context.Background(), accountID, fixedNow.Add(365*24*time.Hour), 100)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	refreshes := make([]ledger.Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Type == ledger.EntryDailyRefresh {
			refreshes = append(refreshes, entry)
		}
	}
	return refreshes
}

func TestRefreshAccountOverwritesDailyBucket(test *testing.T) {
	test.Parallel()
	harness := newHarness(test, 10)
	ctx := context.Background()
	accountID := mustCreateAccount(test, harness, "user-1")

	account, refreshed, err := harness.service.RefreshAccount(ctx, accountID)
	if err != nil || !refreshed {
		test.Fatalf("first refresh: %v %v", refreshed, err)
	}
	if !account.Buckets.Daily.Equal(decimal.NewFromInt(10)) || !account.NextDailyRefreshAt.Equal(fixedNow.Add(24*time.Hour)) {
		test.Fatalf("unexpected account %+v", account)
	}

	if _, refreshed, err := harness.service.RefreshAccount(ctx, accountID); err != nil || refreshed {
		test.Fatalf("refresh before the next cycle must be a no-op: %v %v", refreshed, err)
	}

	if _, err := harness.ledger.Deduct(ctx, accountID, decimal.NewFromInt(7), ledger.Usage{Model: "gpt-4o-mini"}); err != nil {
		test.Fatalf("deduct: %v", err)
	}
	harness.advance(24 * time.Hour)
	account, refreshed, err = harness.service.RefreshAccount(ctx, accountID)
	if err != nil || !refreshed || !account.Buckets.Daily.Equal(decimal.NewFromInt(10)) {
		test.Fatalf("second refresh: %+v %v %v", account, refreshed, err)
	}
	entries := mustRefreshEntries(test, harness, accountID)
	if len(entries) != 2 || !entries[0].Amount.Equal(decimal.NewFromInt(7)) || !entries[1].Amount.Equal(decimal.NewFromInt(10)) {
		test.Fatalf("unexpected refresh entries %+v", entries)
	}
	replayed, err := harness.store.SumEntryDeltas(ctx, accountID)
	if err != nil || !replayed.Equal(account.Buckets) {
		test.Fatalf("ledger replay %+v does not match buckets %+v (%v)", replayed, account.Buckets, err)
	}
}

func TestRefreshAccountSkipsPaidAndInactiveAccounts(test *testing.T) {
	test.Parallel()
	harness := newHarness(test, 10)
	ctx := context.Background()
	testCases := []struct {
		name   string
		mutate func(account ledger.Account) ledger.Account
	}{
		{name: "paid tier", mutate: func(account ledger.Account) ledger.Account { account.Tier = ledger.TierPro; return account }},
		{name: "inactive", mutate: func(account ledger.Account) ledger.Account { account.Active = false; return account }},
		{name: "not due", mutate: func(account ledger.Account) ledger.Account {
			account.NextDailyRefreshAt = fixedNow.Add(time.Hour)
			return account
		}},
	}
	for index, testCase := range testCases {
		testCase := testCase
		accountID := mustCreateAccount(test, harness, fmt.Sprintf("user-%d", index))
		account, err := harness.store.GetAccount(ctx, accountID)
		if err != nil {
			test.Fatalf("%s: get account: %v", testCase.name, err)
		}
		if _, err := harness.store.UpdateAccount(ctx, testCase.mutate(account)); err != nil {
			test.Fatalf("%s: update account: %v", testCase.name, err)
		}
		updated, refreshed, err := harness.service.RefreshAccount(ctx, accountID)
		if err != nil || refreshed || !updated.Buckets.Daily.IsZero() {
			test.Fatalf("%s: expected no refresh, got %+v %v %v", testCase.name, updated, refreshed, err)
		}
	}
}

func TestRefreshAccountSkipsMissedIntervals(test *testing.T) {
	test.Parallel()
	harness := newHarness(test, 10)
	accountID := mustCreateAccount(test, harness, "user-1")
	harness.advance(72*time.Hour + time.Hour)

	account, refreshed, err := harness.service.RefreshAccount(context.Background(), accountID)
	if err != nil || !refreshed {
		test.Fatalf("refresh: %v %v", refreshed, err)
	}
	if !account.NextDailyRefreshAt.Equal(fixedNow.Add(96 * time.Hour)) {
		test.Fatalf("expected the next cycle after now, got %s", account.NextDailyRefreshAt)
	}
	if len(mustRefreshEntries(test, harness, accountID)) != 1 {
		test.Fatalf("missed intervals must not accumulate refreshes")
	}
}

func TestConcurrentRefreshAppliesOncePerCycle(test *testing.T) {
	test.Parallel()
	harness := newHarness(test, 10)
	accountID := mustCreateAccount(test, harness, "user-1")
	var refreshedCount atomic.Int32
	var waitGroup sync.WaitGroup
	for worker := 0; worker < 2; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, refreshed, err := harness.service.RefreshAccount(context.Background(), accountID)
			if err != nil {
				test.Errorf("refresh: %v", err)
				return
			}
			if refreshed {
				refreshedCount.Add(1)
			}
		}()
	}
	waitGroup.Wait()
	if refreshedCount.Load() != 1 {
		test.Fatalf("expected exactly one refresh, got %d", refreshedCount.Load())
	}
	account, err := harness.store.GetAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if !account.Buckets.Daily.Equal(decimal.NewFromInt(10)) {
		test.Fatalf("daily bucket must be set once, got %s", account.Buckets.Daily)
	}
}

func TestRefreshDuePagesThroughAccounts(test *testing.T) {
	test.Parallel()
	harness := newHarness(test, 2)
	ctx := context.Background()
	for index := 0; index < 5; index++ {
		mustCreateAccount(test, harness, fmt.Sprintf("user-%d", index))
	}
	result, err := harness.service.RefreshDue(ctx)
	if err != nil {
		test.Fatalf("refresh due: %v", err)
	}
	if result.Refreshed != 5 || result.Failed != 0 {
		test.Fatalf("unexpected result %+v", result)
	}
	again, err := harness.service.RefreshDue(ctx)
	if err != nil || again.Refreshed != 0 {
		test.Fatalf("second run must find nothing due: %+v %v", again, err)
	}
}

func TestNewServiceRejectsFractionalDust(test *testing.T) {
	test.Parallel()
	store := gormstore.New(testutil.OpenSQLite(test, gormstore.Models()...))
	if _, err := NewService(store, Config{DailyAmount: decimal.RequireFromString("0.0000001")}, nil, nil); err == nil {
		test.Fatalf("expected config error")
	}
	if _, err := NewService(nil, Config{}, nil, nil); err == nil {
		test.Fatalf("expected nil store error")
	}
}
