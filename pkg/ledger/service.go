package ledger

import (
	"context"
	"fmt"
)

// Service contains the wallet domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the wallet, creating it with a zero balance on first access.
func (service *Service) Balance(ctx context.Context, userID UserID) (Wallet, error) {
	return service.store.GetOrCreateWallet(ctx, userID, service.nowFn())
}

// Debit atomically decrements the balance. It fails with ErrInsufficientBalance
// and leaves the balance untouched when the wallet cannot cover amount.
func (service *Service) Debit(ctx context.Context, userID UserID, amount PositiveStones) (Wallet, error) {
	var wallet Wallet
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		if _, err := transactionStore.GetOrCreateWallet(ctx, userID, nowUnixUTC); err != nil {
			return err
		}
		debited, err := transactionStore.DebitBalance(ctx, userID, amount, nowUnixUTC)
		if err != nil {
			return err
		}
		wallet = debited
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationDebit,
		UserID:       userID,
		Amount:       amount.ToStones().Negated(),
		BalanceAfter: wallet.Balance(),
		Error:        operationError,
	})
	return wallet, operationError
}

// Credit increments the balance. Used for top-ups and compensating refunds.
func (service *Service) Credit(ctx context.Context, userID UserID, amount PositiveStones) (Wallet, error) {
	var wallet Wallet
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		if _, err := transactionStore.GetOrCreateWallet(ctx, userID, nowUnixUTC); err != nil {
			return err
		}
		credited, err := transactionStore.CreditBalance(ctx, userID, amount, nowUnixUTC)
		if err != nil {
			return err
		}
		wallet = credited
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationCredit,
		UserID:       userID,
		Amount:       amount.ToStones(),
		BalanceAfter: wallet.Balance(),
		Error:        operationError,
	})
	return wallet, operationError
}

// RecordEntry appends one immutable ledger entry without touching the balance.
func (service *Service) RecordEntry(ctx context.Context, input EntryInput) (Entry, error) {
	if input.createdUnixUTC == 0 {
		input.createdUnixUTC = service.nowFn()
	}
	entry, operationError := service.store.InsertEntry(ctx, input)
	service.logOperation(ctx, OperationLog{
		Operation:      operationRecordEntry,
		UserID:         input.UserID(),
		Amount:         input.Amount(),
		Kind:           input.Kind(),
		IdempotencyKey: input.IdempotencyKey(),
		Error:          operationError,
	})
	return entry, operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
