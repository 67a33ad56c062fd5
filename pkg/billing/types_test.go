package billing

import (
	"errors"
	"testing"
)

func TestNewUserIDRejectsBlankValues(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"", "   ", "\t"} {
		if _, err := NewUserID(raw); !errors.Is(err, ErrInvalidUserID) {
			test.Fatalf("expected ErrInvalidUserID for %q, got %v", raw, err)
		}
	}
	userID, err := NewUserID("  user-7 ")
	if err != nil {
		test.Fatalf("new user id: %v", err)
	}
	if userID.String() != "user-7" {
		test.Fatalf("expected trimmed id, got %q", userID.String())
	}
}

func TestIdempotencyKeyZeroValueMeansAbsent(test *testing.T) {
	test.Parallel()
	if !NoIdempotencyKey.IsZero() {
		test.Fatalf("sentinel must report zero")
	}
	key, err := NewIdempotencyKey("paypal_EV-9")
	if err != nil {
		test.Fatalf("new idempotency key: %v", err)
	}
	if key.IsZero() {
		test.Fatalf("valid key must not report zero")
	}
	if _, err := NewIdempotencyKey("   "); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
}

func TestParsePlanAndEntryType(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"free", "pro"} {
		if _, err := ParsePlan(raw); err != nil {
			test.Fatalf("parse plan %q: %v", raw, err)
		}
	}
	if _, err := ParsePlan("enterprise"); !errors.Is(err, ErrInvalidPlan) {
		test.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
	for _, raw := range []string{"grant", "deduction", "purchase", "refund"} {
		if _, err := ParseEntryType(raw); err != nil {
			test.Fatalf("parse entry type %q: %v", raw, err)
		}
	}
	if _, err := ParseEntryType("hold"); !errors.Is(err, ErrInvalidEntryType) {
		test.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
}

func TestNewCreditAmountRequiresPositiveValues(test *testing.T) {
	test.Parallel()
	if _, err := NewCreditAmount(0); !errors.Is(err, ErrInvalidCreditAmount) {
		test.Fatalf("expected ErrInvalidCreditAmount for zero, got %v", err)
	}
	if _, err := NewCreditAmount(-2); !errors.Is(err, ErrInvalidCreditAmount) {
		test.Fatalf("expected ErrInvalidCreditAmount for negative, got %v", err)
	}
	amount, err := NewCreditAmount(5)
	if err != nil || amount != 5 {
		test.Fatalf("expected 5, got %d err %v", amount, err)
	}
}

func TestOperationErrorExposesSegments(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("store", "entry", "insert", errStoreFailure)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "entry" || operationError.Code() != "insert" {
		test.Fatalf("unexpected segments %s.%s.%s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	if !errors.Is(wrapped, errStoreFailure) {
		test.Fatalf("wrapped error must unwrap to cause")
	}
	if WrapError("store", "entry", "insert", nil) != nil {
		test.Fatalf("wrapping nil must return nil")
	}
}
