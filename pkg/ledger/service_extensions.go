package ledger

import "context"

// TopUp credits the wallet and records the matching entry in one transaction.
// A repeated idempotency key fails with ErrDuplicateIdempotencyKey and credits nothing.
func (service *Service) TopUp(requestContext context.Context, userID UserID, amount PositiveStones, kind EntryKind, idempotencyKey IdempotencyKey, description string, metadata MetadataJSON) (Wallet, error) {
	var wallet Wallet
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		entryInput, err := NewEntryInput(
			userID,
			amount.ToStones(),
			CurrencySpiritStone,
			kind,
			description,
			idempotencyKey,
			metadata,
			nowUnixUTC,
		)
		if err != nil {
			return err
		}
		if _, err := transactionStore.GetOrCreateWallet(ctx, userID, nowUnixUTC); err != nil {
			return err
		}
		if _, err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
			return err
		}
		credited, err := transactionStore.CreditBalance(ctx, userID, amount, nowUnixUTC)
		if err != nil {
			return err
		}
		wallet = credited
		return nil
	})
	service.logOperation(requestContext, OperationLog{
		Operation:      operationTopUp,
		UserID:         userID,
		Amount:         amount.ToStones(),
		Kind:           kind,
		IdempotencyKey: idempotencyKey,
		BalanceAfter:   wallet.Balance(),
		Error:          operationError,
	})
	return wallet, operationError
}

// ListEntries lists ledger entries for a user before a cutoff time.
func (service *Service) ListEntries(requestContext context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(requestContext, userID, beforeUnixUTC, limit)
}
