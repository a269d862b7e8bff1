package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintIdempotencyKey = "uniq_ledger_entries_idempotency_key"
	pgUniqueViolationCode    = "23505"
	errorOperationStore      = "store"
	errorSubjectWallet       = "wallet"
	errorSubjectBalance      = "balance"
	errorSubjectEntry        = "entry"
	errorSubjectStory        = "story"
	errorSubjectChapter      = "chapter"
	errorSubjectUnlock       = "unlock"
	errorSubjectJob          = "job"
	errorSubjectTransaction  = "transaction"
	errorSubjectSchema       = "schema"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeCredit          = "credit"
	errorCodeDebit           = "debit"
	errorCodeDelete          = "delete"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeMigrate         = "migrate"
	errorCodeSave            = "save"
	errorCodeUpdate          = "update"

	sqlInsertWallet = `
		insert into wallets(user_id, created_at, updated_at)
		values($1, to_timestamp($2), to_timestamp($2))
		on conflict (user_id) do nothing
	`

	sqlSelectWallet = `
		select balance, extract(epoch from updated_at)::bigint
		from wallets
		where user_id = $1
	`

	sqlDebitWallet = `
		update wallets
		set balance = balance - $2, updated_at = to_timestamp($3)
		where user_id = $1 and balance >= $2
		returning balance, extract(epoch from updated_at)::bigint
	`

	sqlCreditWallet = `
		update wallets
		set balance = balance + $2, updated_at = to_timestamp($3)
		where user_id = $1
		returning balance, extract(epoch from updated_at)::bigint
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, user_id, amount, currency, kind, description, idempotency_key, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5,
			nullif($6,''),
			coalesce(nullif($7,''),'{}')::jsonb,
			to_timestamp($8)
		)
		returning entry_id::text
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			user_id,
			amount,
			currency,
			kind,
			description,
			coalesce(idempotency_key,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// walletQueries holds the ledger.Store queries shared by Store and TxStore.
type walletQueries struct {
	db querier
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	walletQueries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	walletQueries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{walletQueries: walletQueries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return runInTx(ctx, store.pool, func(tx pgx.Tx) error {
		return fn(ctx, &TxStore{walletQueries: walletQueries{db: tx}, tx: tx})
	})
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (queries walletQueries) GetOrCreateWallet(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (ledger.Wallet, error) {
	if _, err := queries.db.Exec(ctx, sqlInsertWallet, userID.String(), atUnixUTC); err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	var balance, updatedUnixUTC int64
	err := queries.db.QueryRow(ctx, sqlSelectWallet, userID.String()).Scan(&balance, &updatedUnixUTC)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return newWallet(userID, balance, updatedUnixUTC)
}

func (queries walletQueries) DebitBalance(ctx context.Context, userID ledger.UserID, amount ledger.PositiveStones, atUnixUTC int64) (ledger.Wallet, error) {
	var balance, updatedUnixUTC int64
	err := queries.db.QueryRow(ctx, sqlDebitWallet, userID.String(), amount.Int64(), atUnixUTC).Scan(&balance, &updatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrInsufficientBalance)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
	}
	return newWallet(userID, balance, updatedUnixUTC)
}

func (queries walletQueries) CreditBalance(ctx context.Context, userID ledger.UserID, amount ledger.PositiveStones, atUnixUTC int64) (ledger.Wallet, error) {
	var balance, updatedUnixUTC int64
	err := queries.db.QueryRow(ctx, sqlCreditWallet, userID.String(), amount.Int64(), atUnixUTC).Scan(&balance, &updatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectBalance, errorCodeCredit, ledger.ErrUnknownWallet)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectBalance, errorCodeCredit, err)
	}
	return newWallet(userID, balance, updatedUnixUTC)
}

func (queries walletQueries) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, error) {
	var entryIDValue string
	err := queries.db.QueryRow(ctx, sqlInsertEntry,
		entryInput.UserID().String(),
		entryInput.Amount().Int64(),
		entryInput.Currency().String(),
		entryInput.Kind().String(),
		entryInput.Description(),
		entryInput.IdempotencyKey().String(),
		entryInput.MetadataJSON().String(),
		entryInput.CreatedUnixUTC(),
	).Scan(&entryIDValue)
	if isIdempotencyConflict(err) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID, err := ledger.NewEntryID(entryIDValue)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entry, err := ledger.NewEntry(entryID, entryInput)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (queries walletQueries) ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = farFutureUnixUTC
	}
	rows, err := queries.db.Query(ctx, sqlListEntriesBefore, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

// farFutureUnixUTC stands in for "no cutoff" when listing entries.
const farFutureUnixUTC int64 = 1 << 40

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue     string
			userIDValue      string
			amountValue      int64
			currencyValue    string
			kindValue        string
			descriptionValue string
			idempotencyValue string
			metadataValue    string
			createdAtUnixUTC int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&userIDValue,
			&amountValue,
			&currencyValue,
			&kindValue,
			&descriptionValue,
			&idempotencyValue,
			&metadataValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		entryID, err := ledger.NewEntryID(entryIDValue)
		if err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		currency, err := ledger.ParseCurrency(currencyValue)
		if err != nil {
			return nil, err
		}
		kind, err := ledger.ParseEntryKind(kindValue)
		if err != nil {
			return nil, err
		}
		var idempotencyKey ledger.IdempotencyKey
		if idempotencyValue != "" {
			idempotencyKey, err = ledger.NewIdempotencyKey(idempotencyValue)
			if err != nil {
				return nil, err
			}
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entryInput, err := ledger.NewEntryInput(
			userID,
			ledger.Stones(amountValue),
			currency,
			kind,
			descriptionValue,
			idempotencyKey,
			metadata,
			createdAtUnixUTC,
		)
		if err != nil {
			return nil, err
		}
		entry, err := ledger.NewEntry(entryID, entryInput)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func newWallet(userID ledger.UserID, balance int64, updatedUnixUTC int64) (ledger.Wallet, error) {
	wallet, err := ledger.NewWallet(userID, ledger.Stones(balance), updatedUnixUTC)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func runInTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintIdempotencyKey
	}
	return false
}
