package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintIdempotencyKey = "uniq_ledger_entries_idempotency_key"
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	errorOperationStore      = "store"
	errorSubjectWallet       = "wallet"
	errorSubjectBalance      = "balance"
	errorSubjectEntry        = "entry"
	errorSubjectStory        = "story"
	errorSubjectChapter      = "chapter"
	errorSubjectUnlock       = "unlock"
	errorSubjectJob          = "job"
	errorCodeCredit          = "credit"
	errorCodeDebit           = "debit"
	errorCodeDelete          = "delete"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeSave            = "save"
	errorCodeUpdate          = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateWallet(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (ledger.Wallet, error) {
	at := unixOrNow(atUnixUTC)
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Wallet{UserID: userID.String(), CreatedAt: at, UpdatedAt: at}).Error
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	return store.loadWallet(ctx, userID)
}

// DebitBalance runs a single conditional UPDATE so concurrent debits can
// never take the balance below zero.
func (store *Store) DebitBalance(ctx context.Context, userID ledger.UserID, amount ledger.PositiveStones, atUnixUTC int64) (ledger.Wallet, error) {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ? AND balance >= ?", userID.String(), amount.Int64()).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance - ?", amount.Int64()),
			"updated_at": unixOrNow(atUnixUTC),
		})
	if result.Error != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectBalance, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.Wallet{}, wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrInsufficientBalance)
	}
	return store.loadWallet(ctx, userID)
}

func (store *Store) CreditBalance(ctx context.Context, userID ledger.UserID, amount ledger.PositiveStones, atUnixUTC int64) (ledger.Wallet, error) {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", amount.Int64()),
			"updated_at": unixOrNow(atUnixUTC),
		})
	if result.Error != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectBalance, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.Wallet{}, wrapStoreError(errorSubjectBalance, errorCodeCredit, ledger.ErrUnknownWallet)
	}
	return store.loadWallet(ctx, userID)
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, error) {
	var idempotencyKey *string
	if !entryInput.IdempotencyKey().IsZero() {
		value := entryInput.IdempotencyKey().String()
		idempotencyKey = &value
	}
	row := LedgerEntry{
		UserID:         entryInput.UserID().String(),
		Amount:         entryInput.Amount().Int64(),
		Currency:       entryInput.Currency().String(),
		Kind:           entryInput.Kind().String(),
		Description:    entryInput.Description(),
		IdempotencyKey: idempotencyKey,
		Metadata:       datatypesJSON(entryInput.MetadataJSON().String()),
		CreatedAt:      unixOrNow(entryInput.CreatedUnixUTC()),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entry, err := ledger.NewEntry(entryID, entryInput)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) loadWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	var row Wallet
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrUnknownWallet)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	wallet, err := ledger.NewWallet(userID, ledger.Stones(row.Balance), row.UpdatedAt.Unix())
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	currency, err := ledger.ParseCurrency(row.Currency)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	var idempotencyKey ledger.IdempotencyKey
	if row.IdempotencyKey != nil {
		idempotencyKey, err = ledger.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return ledger.Entry{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	entryInput, err := ledger.NewEntryInput(
		userID,
		ledger.Stones(row.Amount),
		currency,
		kind,
		row.Description,
		idempotencyKey,
		metadata,
		row.CreatedAt.Unix(),
	)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.NewEntry(entryID, entryInput)
}

func unixOrNow(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
