package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Stones is a signed quantity of spirit stones. Negative values are debits.
type Stones int64

// PositiveStones is a strictly positive spirit-stone amount.
type PositiveStones int64

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// IdempotencyKey scopes duplicate detection. The zero value means "no key".
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary entry metadata.
type MetadataJSON struct {
	value string
}

// Currency enumerates the stored-value units known to the platform.
type Currency string

const (
	CurrencySpiritStone          Currency = "spirit_stone"
	CurrencyVND                  Currency = "vnd"
	CurrencyRecommendationTicket Currency = "recommendation_ticket"
)

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryKindSingleUnlock    EntryKind = "single_unlock"
	EntryKindBatchUnlock     EntryKind = "batch_unlock"
	EntryKindFullStoryUnlock EntryKind = "full_story_unlock"
	EntryKindAdminAdjustment EntryKind = "admin_adjustment"
	EntryKindTopUp           EntryKind = "top_up"
)

// NewStones validates a non-negative amount (balances).
func NewStones(raw int64) (Stones, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be non-negative", ErrInvalidBalance)
	}
	return Stones(raw), nil
}

// Int64 exposes the raw value.
func (amount Stones) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign.
func (amount Stones) Negated() Stones {
	return -amount
}

// NewPositiveStones validates an amount and ensures it is strictly positive.
func NewPositiveStones(raw int64) (PositiveStones, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveStones(raw), nil
}

// Int64 exposes the raw value.
func (amount PositiveStones) Int64() int64 {
	return int64(amount)
}

// ToStones converts to the signed representation.
func (amount PositiveStones) ToStones() Stones {
	return Stones(amount)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key is absent.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = defaultMetadataJSON
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return defaultMetadataJSON
	}
	return metadata.value
}

// ParseCurrency validates a currency code.
func ParseCurrency(raw string) (Currency, error) {
	switch Currency(strings.TrimSpace(raw)) {
	case CurrencySpiritStone:
		return CurrencySpiritStone, nil
	case CurrencyVND:
		return CurrencyVND, nil
	case CurrencyRecommendationTicket:
		return CurrencyRecommendationTicket, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
	}
}

func (currency Currency) String() string {
	return string(currency)
}

// ParseEntryKind validates an entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(strings.TrimSpace(raw)) {
	case EntryKindSingleUnlock:
		return EntryKindSingleUnlock, nil
	case EntryKindBatchUnlock:
		return EntryKindBatchUnlock, nil
	case EntryKindFullStoryUnlock:
		return EntryKindFullStoryUnlock, nil
	case EntryKindAdminAdjustment:
		return EntryKindAdminAdjustment, nil
	case EntryKindTopUp:
		return EntryKindTopUp, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

func (kind EntryKind) String() string {
	return string(kind)
}

// Wallet is a per-user spirit-stone balance.
type Wallet struct {
	userID         UserID
	balance        Stones
	updatedUnixUTC int64
}

// NewWallet validates a wallet snapshot loaded from storage.
func NewWallet(userID UserID, balance Stones, updatedUnixUTC int64) (Wallet, error) {
	if userID.String() == "" {
		return Wallet{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if balance < 0 {
		return Wallet{}, fmt.Errorf("%w: negative balance %d", ErrInvalidBalance, balance)
	}
	return Wallet{userID: userID, balance: balance, updatedUnixUTC: updatedUnixUTC}, nil
}

func (wallet Wallet) UserID() UserID        { return wallet.userID }
func (wallet Wallet) Balance() Stones       { return wallet.balance }
func (wallet Wallet) UpdatedUnixUTC() int64 { return wallet.updatedUnixUTC }

// EntryInput is a validated, not yet persisted ledger entry.
type EntryInput struct {
	userID         UserID
	amount         Stones
	currency       Currency
	kind           EntryKind
	description    string
	idempotencyKey IdempotencyKey
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewEntryInput validates the fields of a ledger entry.
func NewEntryInput(
	userID UserID,
	amount Stones,
	currency Currency,
	kind EntryKind,
	description string,
	idempotencyKey IdempotencyKey,
	metadata MetadataJSON,
	createdUnixUTC int64,
) (EntryInput, error) {
	if userID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if amount == 0 {
		return EntryInput{}, fmt.Errorf("%w: must be non-zero", ErrInvalidEntryAmount)
	}
	if _, err := ParseCurrency(currency.String()); err != nil {
		return EntryInput{}, err
	}
	if _, err := ParseEntryKind(kind.String()); err != nil {
		return EntryInput{}, err
	}
	trimmedDescription := strings.TrimSpace(description)
	if trimmedDescription == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	if len(trimmedDescription) > maxDescriptionLength {
		return EntryInput{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidDescription, maxDescriptionLength)
	}
	return EntryInput{
		userID:         userID,
		amount:         amount,
		currency:       currency,
		kind:           kind,
		description:    trimmedDescription,
		idempotencyKey: idempotencyKey,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

func (input EntryInput) UserID() UserID                 { return input.userID }
func (input EntryInput) Amount() Stones                 { return input.amount }
func (input EntryInput) Currency() Currency             { return input.currency }
func (input EntryInput) Kind() EntryKind                { return input.kind }
func (input EntryInput) Description() string            { return input.description }
func (input EntryInput) IdempotencyKey() IdempotencyKey { return input.idempotencyKey }
func (input EntryInput) MetadataJSON() MetadataJSON     { return input.metadata }
func (input EntryInput) CreatedUnixUTC() int64          { return input.createdUnixUTC }

// Entry is a single immutable line in the ledger.
type Entry struct {
	entryID EntryID
	EntryInput
}

// NewEntry attaches a persisted id to a validated input.
func NewEntry(entryID EntryID, input EntryInput) (Entry, error) {
	if entryID.String() == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return Entry{entryID: entryID, EntryInput: input}, nil
}

func (entry Entry) EntryID() EntryID { return entry.entryID }

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateWallet(ctx context.Context, userID UserID, atUnixUTC int64) (Wallet, error)
	// DebitBalance decrements the balance only when it covers amount and
	// returns ErrInsufficientBalance otherwise.
	DebitBalance(ctx context.Context, userID UserID, amount PositiveStones, atUnixUTC int64) (Wallet, error)
	CreditBalance(ctx context.Context, userID UserID, amount PositiveStones, atUnixUTC int64) (Wallet, error)
	InsertEntry(ctx context.Context, entry EntryInput) (Entry, error)
	ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error)
}
