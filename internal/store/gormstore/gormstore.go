package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/planforge/credits/pkg/billing"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintAccountPrimary        = "accounts_pkey"
	constraintLedgerIdempotencyKey  = "uniq_ledger_idempotency"
	constraintProcessedEventPrimary = "processed_webhook_events_pkey"
	defaultPayloadJSON              = "{}"
	pgUniqueViolationCode           = "23505"
	// SQLITE_CONSTRAINT_PRIMARYKEY and SQLITE_CONSTRAINT_UNIQUE
	// extended result codes. The bare constraint class also covers NOT
	// NULL and CHECK failures, which are not duplicates.
	sqlitePrimaryKeyConstraintCode  = 1555
	sqliteUniqueConstraintCode      = 2067
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectEntry               = "entry"
	errorSubjectWebhookEvent        = "webhook_event"
	errorCodeCreate                 = "create"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLookup                 = "lookup"
	errorCodeUpdate                 = "update"
)

// Store implements billing.Store and the webhook record store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Used for sqlite deployments and tests;
// postgres schemas are managed externally.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &LedgerEntry{}, &ProcessedWebhookEvent{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetAccount(ctx context.Context, userID billing.UserID) (billing.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrUserNotFound)
		}
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID billing.UserID) (billing.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrUserNotFound)
		}
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

func (store *Store) CreateAccount(ctx context.Context, account billing.Account) error {
	model := Account{
		UserID:         account.UserID,
		Plan:           account.Plan.String(),
		CreditsBalance: account.CreditsBalance,
		SubscriptionID: optionalString(account.SubscriptionID),
		CreatedAt:      timeOrNow(account.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintAccountPrimary) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, billing.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateAccount(ctx context.Context, account billing.Account) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", account.UserID).
		Updates(map[string]interface{}{
			"plan":            account.Plan.String(),
			"credits_balance": account.CreditsBalance,
			"subscription_id": optionalString(account.SubscriptionID),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, billing.ErrUserNotFound)
	}
	return nil
}

func (store *Store) FindAccountBySubscription(ctx context.Context, subscriptionID string) (billing.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, billing.ErrUnknownSubscription)
		}
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(model)
}

func (store *Store) InsertEntry(ctx context.Context, entry billing.LedgerEntry) error {
	model := LedgerEntry{
		EntryID:         entry.EntryID,
		UserID:          entry.UserID,
		Amount:          entry.Amount,
		Type:            entry.Type.String(),
		Description:     entry.Description,
		IdempotencyKey:  optionalString(entry.IdempotencyKey),
		ExternalEventID: optionalString(entry.ExternalEventID),
		BalanceAfter:    entry.BalanceAfter,
		CreatedAt:       timeOrNow(entry.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintLedgerIdempotencyKey) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, billing.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, key billing.IdempotencyKey) (billing.LedgerEntry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ?", key.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.LedgerEntry{}, false, nil
		}
		return billing.LedgerEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, mapErr := mapLedgerEntry(model)
	if mapErr != nil {
		return billing.LedgerEntry{}, false, mapErr
	}
	return entry, true, nil
}

func (store *Store) ListEntries(ctx context.Context, userID billing.UserID, beforeUnixUTC int64, limit int) ([]billing.LedgerEntry, error) {
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

	entries := make([]billing.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, mapErr := mapLedgerEntry(row)
		if mapErr != nil {
			return nil, mapErr
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// HasProcessedEvent reports whether a processor event was already applied.
func (store *Store) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&ProcessedWebhookEvent{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectWebhookEvent, errorCodeLookup, err)
	}
	return count > 0, nil
}

// MarkEventProcessed records an applied processor event. A concurrent
// replay losing on the primary key is treated as already recorded.
func (store *Store) MarkEventProcessed(ctx context.Context, eventID string, eventType string, payload []byte, processedUnixUTC int64) error {
	model := ProcessedWebhookEvent{
		EventID:     eventID,
		EventType:   eventType,
		Payload:     payloadJSON(payload),
		ProcessedAt: timeOrNow(processedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintProcessedEventPrimary) {
		return nil
	}
	if err != nil {
		return wrapStoreError(errorSubjectWebhookEvent, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (billing.Account, error) {
	plan, err := billing.ParsePlan(model.Plan)
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return billing.Account{
		UserID:         model.UserID,
		Plan:           plan,
		CreditsBalance: model.CreditsBalance,
		SubscriptionID: stringOrEmpty(model.SubscriptionID),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapLedgerEntry(model LedgerEntry) (billing.LedgerEntry, error) {
	entryType, err := billing.ParseEntryType(model.Type)
	if err != nil {
		return billing.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return billing.LedgerEntry{
		EntryID:         model.EntryID,
		UserID:          model.UserID,
		Amount:          model.Amount,
		Type:            entryType,
		Description:     model.Description,
		IdempotencyKey:  stringOrEmpty(model.IdempotencyKey),
		ExternalEventID: stringOrEmpty(model.ExternalEventID),
		BalanceAfter:    model.BalanceAfter,
		CreatedUnixUTC:  model.CreatedAt.Unix(),
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func timeOrNow(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func payloadJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(defaultPayloadJSON))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlitePrimaryKeyConstraintCode || code == sqliteUniqueConstraintCode
	}
	return false
}
