package billing

import (
	"context"
	"testing"
)

type stubStore struct {
	accounts   map[string]Account
	entries    []LedgerEntry
	entryByKey map[string]LedgerEntry

	hideAccountOnce bool

	getAccountError    error
	createAccountError error
	updateAccountError error
	insertEntryError   error
	findEntryError     error
	listEntriesError   error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:   make(map[string]Account),
		entryByKey: make(map[string]LedgerEntry),
	}
}

func (store *stubStore) seedAccount(account Account) {
	store.accounts[account.UserID] = account
}

// WithTx snapshots state and restores it when fn fails, mirroring the
// rollback behavior of the real transactional store.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	accountsSnapshot := make(map[string]Account, len(store.accounts))
	for userID, account := range store.accounts {
		accountsSnapshot[userID] = account
	}
	entriesSnapshot := append([]LedgerEntry(nil), store.entries...)
	keysSnapshot := make(map[string]LedgerEntry, len(store.entryByKey))
	for key, entry := range store.entryByKey {
		keysSnapshot[key] = entry
	}
	if err := fn(ctx, store); err != nil {
		store.accounts = accountsSnapshot
		store.entries = entriesSnapshot
		store.entryByKey = keysSnapshot
		return err
	}
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, exists := store.accounts[userID.String()]
	if !exists {
		return Account{}, ErrUserNotFound
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error) {
	if store.hideAccountOnce {
		store.hideAccountOnce = false
		return Account{}, ErrUserNotFound
	}
	return store.GetAccount(ctx, userID)
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account) error {
	if store.createAccountError != nil {
		return store.createAccountError
	}
	if _, exists := store.accounts[account.UserID]; exists {
		return ErrAccountExists
	}
	store.accounts[account.UserID] = account
	return nil
}

func (store *stubStore) UpdateAccount(ctx context.Context, account Account) error {
	if store.updateAccountError != nil {
		return store.updateAccountError
	}
	if _, exists := store.accounts[account.UserID]; !exists {
		return ErrUserNotFound
	}
	store.accounts[account.UserID] = account
	return nil
}

func (store *stubStore) FindAccountBySubscription(ctx context.Context, subscriptionID string) (Account, error) {
	for _, account := range store.accounts {
		if account.SubscriptionID == subscriptionID {
			return account, nil
		}
	}
	return Account{}, ErrUnknownSubscription
}

func (store *stubStore) InsertEntry(ctx context.Context, entry LedgerEntry) error {
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	if entry.IdempotencyKey != "" {
		if _, exists := store.entryByKey[entry.IdempotencyKey]; exists {
			return ErrDuplicateIdempotencyKey
		}
		store.entryByKey[entry.IdempotencyKey] = entry
	}
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) FindEntryByIdempotencyKey(ctx context.Context, key IdempotencyKey) (LedgerEntry, bool, error) {
	if store.findEntryError != nil {
		return LedgerEntry{}, false, store.findEntryError
	}
	entry, exists := store.entryByKey[key.String()]
	return entry, exists, nil
}

func (store *stubStore) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	if store.listEntriesError != nil {
		return nil, store.listEntriesError
	}
	listed := make([]LedgerEntry, 0, len(store.entries))
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if entry.UserID != userID.String() {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		listed = append(listed, entry)
		if limit > 0 && len(listed) >= limit {
			break
		}
	}
	return listed, nil
}
