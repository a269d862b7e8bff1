package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

type stubStore struct {
	mu              sync.Mutex
	balances        map[string]Stones
	entries         []Entry
	idempotencyKeys map[string]struct{}
	nextEntryID     int
	insertEntryErr  error
	debitErr        error
	creditErr       error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:        map[string]Stones{},
		idempotencyKeys: map[string]struct{}{},
	}
}

func (store *stubStore) seedBalance(userID UserID, balance Stones) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.balances[userID.String()] = balance
}

func (store *stubStore) balanceOf(userID UserID) Stones {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.balances[userID.String()]
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateWallet(_ context.Context, userID UserID, atUnixUTC int64) (Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.balances[userID.String()]
	if !ok {
		store.balances[userID.String()] = 0
	}
	return NewWallet(userID, balance, atUnixUTC)
}

func (store *stubStore) DebitBalance(_ context.Context, userID UserID, amount PositiveStones, atUnixUTC int64) (Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.debitErr != nil {
		return Wallet{}, store.debitErr
	}
	balance, ok := store.balances[userID.String()]
	if !ok {
		return Wallet{}, ErrUnknownWallet
	}
	if balance < amount.ToStones() {
		return Wallet{}, fmt.Errorf("%w: need %d, have %d", ErrInsufficientBalance, amount, balance)
	}
	balance -= amount.ToStones()
	store.balances[userID.String()] = balance
	return NewWallet(userID, balance, atUnixUTC)
}

func (store *stubStore) CreditBalance(_ context.Context, userID UserID, amount PositiveStones, atUnixUTC int64) (Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.creditErr != nil {
		return Wallet{}, store.creditErr
	}
	balance := store.balances[userID.String()] + amount.ToStones()
	store.balances[userID.String()] = balance
	return NewWallet(userID, balance, atUnixUTC)
}

func (store *stubStore) InsertEntry(_ context.Context, input EntryInput) (Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertEntryErr != nil {
		return Entry{}, store.insertEntryErr
	}
	if !input.IdempotencyKey().IsZero() {
		if _, exists := store.idempotencyKeys[input.IdempotencyKey().String()]; exists {
			return Entry{}, ErrDuplicateIdempotencyKey
		}
		store.idempotencyKeys[input.IdempotencyKey().String()] = struct{}{}
	}
	store.nextEntryID++
	entryID, err := NewEntryID(fmt.Sprintf("entry-%d", store.nextEntryID))
	if err != nil {
		return Entry{}, err
	}
	entry, err := NewEntry(entryID, input)
	if err != nil {
		return Entry{}, err
	}
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) ListEntries(_ context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	matches := make([]Entry, 0, len(store.entries))
	for _, entry := range store.entries {
		if entry.UserID() != userID {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC() >= beforeUnixUTC {
			continue
		}
		matches = append(matches, entry)
	}
	sort.SliceStable(matches, func(left, right int) bool {
		return matches[left].CreatedUnixUTC() > matches[right].CreatedUnixUTC()
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

type failingStore struct {
	Store
	err error
}

func newFailingStore(test *testing.T, err error) *failingStore {
	test.Helper()
	return &failingStore{Store: newStubStore(test), err: err}
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *failingStore) GetOrCreateWallet(context.Context, UserID, int64) (Wallet, error) {
	return Wallet{}, store.err
}

func (store *failingStore) InsertEntry(context.Context, EntryInput) (Entry, error) {
	return Entry{}, store.err
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustPositiveStones(test *testing.T, raw int64) PositiveStones {
	test.Helper()
	amount, err := NewPositiveStones(raw)
	if err != nil {
		test.Fatalf("positive stones: %v", err)
	}
	return amount
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustEntryInput(test *testing.T, userID UserID, amount Stones, kind EntryKind, description string) EntryInput {
	test.Helper()
	input, err := NewEntryInput(userID, amount, CurrencySpiritStone, kind, description, IdempotencyKey{}, MetadataJSON{}, 0)
	if err != nil {
		test.Fatalf("entry input: %v", err)
	}
	return input
}
