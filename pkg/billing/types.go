package billing

import (
	"context"
	"fmt"
	"strings"
)

// UserID identifies an account owner. The value is issued by the
// authentication collaborator and treated as opaque here.
type UserID struct {
	value string
}

// IdempotencyKey scopes duplicate detection. The zero value means
// "no key supplied" and disables replay detection for the call.
type IdempotencyKey struct {
	value string
}

// Plan is the subscription tier of an account.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryGrant     EntryType = "grant"
	EntryDeduction EntryType = "deduction"
	EntryPurchase  EntryType = "purchase"
	EntryRefund    EntryType = "refund"
)

// Account is the mutable balance record for one user.
type Account struct {
	UserID         string
	Plan           Plan
	CreditsBalance int64
	SubscriptionID string
	CreatedUnixUTC int64
}

// LedgerEntry is a single immutable line in the audit log. Amount is
// the effective signed delta applied to the balance, so summing all
// entries for a user reproduces the stored balance.
type LedgerEntry struct {
	EntryID         string
	UserID          string
	Amount          int64
	Type            EntryType
	Description     string
	IdempotencyKey  string
	ExternalEventID string
	BalanceAfter    int64
	CreatedUnixUTC  int64
}

// Result reports the outcome of a balance mutation. Duplicate marks a
// replayed idempotent call that changed nothing.
type Result struct {
	NewBalance int64
	Duplicate  bool
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

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// NoIdempotencyKey is the absent-key sentinel.
var NoIdempotencyKey = IdempotencyKey{}

// String returns the normalized key, empty when absent.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// ParsePlan validates a stored plan value.
func ParsePlan(raw string) (Plan, error) {
	switch Plan(raw) {
	case PlanFree, PlanPro:
		return Plan(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPlan, raw)
}

// String returns the plan name.
func (plan Plan) String() string {
	return string(plan)
}

// ParseEntryType validates a stored entry type value.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryGrant, EntryDeduction, EntryPurchase, EntryRefund:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the entry type name.
func (entryType EntryType) String() string {
	return string(entryType)
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (int64, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return raw, nil
}

// Store is the persistence contract used by Service. All balance
// mutations run inside WithTx so a partial application (balance
// changed but no ledger entry, or vice versa) is impossible.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error)
	CreateAccount(ctx context.Context, account Account) error
	UpdateAccount(ctx context.Context, account Account) error
	FindAccountBySubscription(ctx context.Context, subscriptionID string) (Account, error)
	InsertEntry(ctx context.Context, entry LedgerEntry) error
	FindEntryByIdempotencyKey(ctx context.Context, key IdempotencyKey) (LedgerEntry, bool, error)
	ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error)
}
