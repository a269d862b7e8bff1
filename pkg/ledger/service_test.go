package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDebitDecrementsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "reader-1")
	store.seedBalance(userID, 3000)
	service := mustNewService(test, store)

	wallet, err := service.Debit(context.Background(), userID, mustPositiveStones(test, 2450))
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if wallet.Balance() != 550 {
		test.Fatalf("expected balance 550, got %d", wallet.Balance())
	}
	if len(store.entries) != 0 {
		test.Fatalf("debit must not write ledger entries, got %d", len(store.entries))
	}
}

func TestDebitInsufficientBalanceLeavesBalanceUnchanged(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "reader-2")
	store.seedBalance(userID, 1000)
	service := mustNewService(test, store)

	_, err := service.Debit(context.Background(), userID, mustPositiveStones(test, 2450))
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected insufficient balance, got %v", err)
	}
	if balance := store.balanceOf(userID); balance != 1000 {
		test.Fatalf("expected balance 1000, got %d", balance)
	}
}

func TestDebitCreatesWalletLazily(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "fresh-reader")

	wallet, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if wallet.Balance() != 0 {
		test.Fatalf("expected zero balance, got %d", wallet.Balance())
	}
	_, err = service.Debit(context.Background(), userID, mustPositiveStones(test, 1))
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected insufficient balance on empty wallet, got %v", err)
	}
}

func TestConcurrentDebitsNeverOverspend(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "racer")
	store.seedBalance(userID, 500)
	service := mustNewService(test, store)

	const attempts = 100
	amount := mustPositiveStones(test, 10)
	var succeeded atomic.Int64
	var waitGroup sync.WaitGroup
	for range attempts {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := service.Debit(context.Background(), userID, amount); err == nil {
				succeeded.Add(1)
			} else if !errors.Is(err, ErrInsufficientBalance) {
				test.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	if succeeded.Load() != 50 {
		test.Fatalf("expected 50 successful debits, got %d", succeeded.Load())
	}
	if balance := store.balanceOf(userID); balance != 0 {
		test.Fatalf("expected balance 0, got %d", balance)
	}
}

func TestCreditIncrementsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "reader-3")
	store.seedBalance(userID, 5)
	service := mustNewService(test, store)

	wallet, err := service.Credit(context.Background(), userID, mustPositiveStones(test, 45))
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if wallet.Balance() != 50 {
		test.Fatalf("expected balance 50, got %d", wallet.Balance())
	}
}

func TestRecordEntryAppendsEntryWithoutBalanceChange(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "reader-4")
	store.seedBalance(userID, 100)
	service := mustNewService(test, store)
	input := mustEntryInput(test, userID, -2450, EntryKindBatchUnlock, "unlock 250 chapters")

	entry, err := service.RecordEntry(context.Background(), input)
	if err != nil {
		test.Fatalf("record entry: %v", err)
	}
	if entry.Amount() != -2450 || entry.Kind() != EntryKindBatchUnlock {
		test.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.CreatedUnixUTC() != 1_700_000_000 {
		test.Fatalf("expected clock timestamp, got %d", entry.CreatedUnixUTC())
	}
	if balance := store.balanceOf(userID); balance != 100 {
		test.Fatalf("record entry must not touch balance, got %d", balance)
	}
}

func TestTopUpCreditsExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "payer")
	key := mustIdempotencyKey(test, "gateway:order-77")
	metadata := mustMetadata(test, `{"gateway":"bank"}`)

	wallet, err := service.TopUp(context.Background(), userID, mustPositiveStones(test, 300), EntryKindTopUp, key, "top up order 77", metadata)
	if err != nil {
		test.Fatalf("top up: %v", err)
	}
	if wallet.Balance() != 300 {
		test.Fatalf("expected balance 300, got %d", wallet.Balance())
	}
	_, err = service.TopUp(context.Background(), userID, mustPositiveStones(test, 300), EntryKindTopUp, key, "top up order 77", metadata)
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected duplicate idempotency key, got %v", err)
	}
	if balance := store.balanceOf(userID); balance != 300 {
		test.Fatalf("expected balance to stay 300, got %d", balance)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected exactly one entry, got %d", len(store.entries))
	}
}

func TestTopUpRejectsInvalidDescription(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "payer")

	_, err := service.TopUp(context.Background(), userID, mustPositiveStones(test, 10), EntryKindTopUp, IdempotencyKey{}, "  ", MetadataJSON{})
	if !errors.Is(err, ErrInvalidDescription) {
		test.Fatalf("expected invalid description, got %v", err)
	}
	if balance := store.balanceOf(userID); balance != 0 {
		test.Fatalf("expected no credit, got %d", balance)
	}
}

func TestListEntriesDelegatesToStore(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "history")
	otherUserID := mustUserID(test, "someone-else")
	for _, input := range []EntryInput{
		mustEntryInput(test, userID, 100, EntryKindTopUp, "first"),
		mustEntryInput(test, otherUserID, 100, EntryKindTopUp, "other"),
		mustEntryInput(test, userID, -40, EntryKindSingleUnlock, "second"),
	} {
		if _, err := service.RecordEntry(context.Background(), input); err != nil {
			test.Fatalf("record entry: %v", err)
		}
	}

	entries, err := service.ListEntries(context.Background(), userID, 0, 10)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil clock, got %v", err)
	}
}
