package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const (
	accountIDValue      = "user-1"
	otherAccountIDValue = "user-2"
)

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// stubStore is an in-memory Store. Transactions are serialized and rolled
// back on error; methods the ledger package never calls panic through the
// embedded nil interface.
type stubStore struct {
	Store

	mutex *sync.Mutex
	state *stubState
	inTx  bool

	updateConflicts int
	lockError       error
	insertError     error
}

type stubState struct {
	accounts map[AccountID]Account
	entries  []Entry
	nextID   int
}

func (state *stubState) clone() *stubState {
	accounts := make(map[AccountID]Account, len(state.accounts))
	for key, value := range state.accounts {
		accounts[key] = value
	}
	entries := make([]Entry, len(state.entries))
	copy(entries, state.entries)
	return &stubState{accounts: accounts, entries: entries, nextID: state.nextID}
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		mutex: &sync.Mutex{},
		state: &stubState{accounts: map[AccountID]Account{}},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	snapshot := store.state.clone()
	txStore := &stubStore{mutex: store.mutex, state: store.state, inTx: true, lockError: store.lockError, insertError: store.insertError}
	if store.updateConflicts > 0 {
		store.updateConflicts--
		txStore.updateConflicts = 1
	}
	if err := fn(ctx, txStore); err != nil {
		*store.state = *snapshot
		return err
	}
	return nil
}

func (store *stubStore) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (store *stubStore) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	defer store.lock()()
	account, ok := store.state.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) LockAccount(_ context.Context, accountID AccountID, now time.Time) (Account, error) {
	if store.lockError != nil {
		return Account{}, store.lockError
	}
	account, ok := store.state.accounts[accountID]
	if !ok {
		account = NewAccount(accountID, now)
		store.state.accounts[accountID] = account
	}
	return account, nil
}

func (store *stubStore) UpdateAccount(_ context.Context, account Account) (Account, error) {
	if store.updateConflicts > 0 {
		store.updateConflicts--
		return Account{}, ErrConcurrentUpdate
	}
	stored, ok := store.state.accounts[account.AccountID]
	if !ok || stored.Version != account.Version {
		return Account{}, ErrConcurrentUpdate
	}
	account.Version++
	store.state.accounts[account.AccountID] = account
	return account, nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) (Entry, error) {
	if store.insertError != nil {
		return Entry{}, store.insertError
	}
	if entry.ExternalEventID != "" {
		for _, existing := range store.state.entries {
			if existing.ExternalEventID == entry.ExternalEventID {
				return Entry{}, ErrDuplicateExternalEvent
			}
		}
	}
	store.state.nextID++
	entry.EntryID = fmt.Sprintf("entry-%d", store.state.nextID)
	store.state.entries = append(store.state.entries, entry)
	return entry, nil
}

func (store *stubStore) FindEntryByExternalEventID(_ context.Context, externalEventID string) (Entry, error) {
	defer store.lock()()
	for _, entry := range store.state.entries {
		if entry.ExternalEventID == externalEventID {
			return entry, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (store *stubStore) ListEntries(_ context.Context, accountID AccountID, before time.Time, limit int) ([]Entry, error) {
	defer store.lock()()
	var entries []Entry
	for _, entry := range store.state.entries {
		if entry.AccountID == accountID && entry.CreatedAt.Before(before) {
			entries = append(entries, entry)
		}
	}
	sort.SliceStable(entries, func(left, right int) bool {
		return entries[left].CreatedAt.After(entries[right].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (store *stubStore) SumEntryDeltas(_ context.Context, accountID AccountID) (Buckets, error) {
	defer store.lock()()
	total := Buckets{}
	for _, entry := range store.state.entries {
		if entry.AccountID == accountID {
			total = total.Add(entry.Delta)
		}
	}
	return total, nil
}

func (store *stubStore) entriesFor(accountID AccountID) []Entry {
	defer store.lock()()
	var entries []Entry
	for _, entry := range store.state.entries {
		if entry.AccountID == accountID {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (store *stubStore) seed(test *testing.T, accountID AccountID, buckets Buckets, tier Tier) {
	test.Helper()
	defer store.lock()()
	account := NewAccount(accountID, fixedNow)
	account.Buckets = buckets
	account.Balance = buckets.Total()
	account.Tier = tier
	store.state.accounts[accountID] = account
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal %q: %v", raw, err)
	}
	return value
}

func mustBuckets(test *testing.T, daily string, expiring string, nonExpiring string) Buckets {
	test.Helper()
	return Buckets{
		Daily:       mustDecimal(test, daily),
		Expiring:    mustDecimal(test, expiring),
		NonExpiring: mustDecimal(test, nonExpiring),
	}
}

func assertBuckets(test *testing.T, got Buckets, want Buckets) {
	test.Helper()
	if !got.Equal(want) {
		test.Fatalf("expected buckets daily=%s expiring=%s non_expiring=%s, got daily=%s expiring=%s non_expiring=%s",
			want.Daily, want.Expiring, want.NonExpiring, got.Daily, got.Expiring, got.NonExpiring)
	}
}
