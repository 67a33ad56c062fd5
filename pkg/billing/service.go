package billing

import (
	"context"
	"errors"
	"fmt"
)

// Service is the sole mutator of account balances. Every mutation
// pairs a balance write with a ledger append inside one transaction.
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

// GetBalance returns the account for userID, provisioning it lazily on
// first sight with the free-plan allotment and a matching grant entry.
// Provisioning races resolve through the account primary key: the
// loser re-reads the row the winner created.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (Account, error) {
	var account Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetAccountForUpdate(ctx, userID)
		if err == nil {
			account = existing
			return nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return err
		}
		created := Account{
			UserID:         userID.String(),
			Plan:           PlanFree,
			CreditsBalance: FreePlanCredits(),
			CreatedUnixUTC: service.nowFn(),
		}
		if createErr := transactionStore.CreateAccount(ctx, created); createErr != nil {
			if errors.Is(createErr, ErrAccountExists) {
				existing, rereadErr := transactionStore.GetAccountForUpdate(ctx, userID)
				if rereadErr != nil {
					return rereadErr
				}
				account = existing
				return nil
			}
			return createErr
		}
		entry := LedgerEntry{
			UserID:         userID.String(),
			Amount:         FreePlanCredits(),
			Type:           EntryGrant,
			Description:    descriptionInitialGrant,
			IdempotencyKey: InitIdempotencyKey(userID).String(),
			BalanceAfter:   FreePlanCredits(),
			CreatedUnixUTC: service.nowFn(),
		}
		if insertErr := transactionStore.InsertEntry(ctx, entry); insertErr != nil {
			return insertErr
		}
		account = created
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationGetBalance,
		UserID:    userID,
		Error:     operationError,
	})
	return account, operationError
}

// Deduct removes amount credits from the account. A prior entry with
// the same idempotency key short-circuits to a duplicate result
// carrying the current balance.
func (service *Service) Deduct(ctx context.Context, userID UserID, amount int64, description string, idempotencyKey IdempotencyKey) (Result, error) {
	if _, err := NewCreditAmount(amount); err != nil {
		return Result{}, err
	}
	var result Result
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if !idempotencyKey.IsZero() {
			replayed, found, err := service.replayResult(ctx, transactionStore, userID, idempotencyKey)
			if err != nil {
				return err
			}
			if found {
				result = replayed
				return nil
			}
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if account.CreditsBalance < amount {
			return ErrInsufficientBalance
		}
		account.CreditsBalance -= amount
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		entry := LedgerEntry{
			UserID:         userID.String(),
			Amount:         -amount,
			Type:           EntryDeduction,
			Description:    description,
			IdempotencyKey: idempotencyKey.String(),
			BalanceAfter:   account.CreditsBalance,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		result = Result{NewBalance: account.CreditsBalance}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		result, operationError = service.resolveDuplicate(ctx, userID)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationDeduct,
		UserID:         userID,
		Amount:         amount,
		EntryType:      EntryDeduction,
		IdempotencyKey: idempotencyKey,
		Duplicate:      result.Duplicate,
		Error:          operationError,
	})
	return result, operationError
}

// Grant adds amount credits to the account. Amount may be negative for
// refund reversal; the resulting balance is clamped at zero and the
// ledger records the effective delta. A missing account is created in
// the same transaction, with a purchase grant promoting the plan to pro.
func (service *Service) Grant(ctx context.Context, userID UserID, amount int64, entryType EntryType, description string, idempotencyKey IdempotencyKey, externalEventID string) (Result, error) {
	var result Result
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if !idempotencyKey.IsZero() {
			replayed, found, err := service.replayResult(ctx, transactionStore, userID, idempotencyKey)
			if err != nil {
				return err
			}
			if found {
				result = replayed
				return nil
			}
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, userID)
		created := false
		if errors.Is(err, ErrUserNotFound) {
			account = Account{
				UserID:         userID.String(),
				Plan:           planForGrantType(entryType),
				CreatedUnixUTC: service.nowFn(),
			}
			created = true
			err = nil
		}
		if err != nil {
			return err
		}
		newBalance := account.CreditsBalance + amount
		if newBalance < 0 {
			newBalance = 0
		}
		appliedDelta := newBalance - account.CreditsBalance
		account.CreditsBalance = newBalance
		if entryType == EntryPurchase {
			account.Plan = PlanPro
		}
		if created {
			if err := transactionStore.CreateAccount(ctx, account); err != nil {
				return err
			}
		} else if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		entry := LedgerEntry{
			UserID:          userID.String(),
			Amount:          appliedDelta,
			Type:            entryType,
			Description:     description,
			IdempotencyKey:  idempotencyKey.String(),
			ExternalEventID: externalEventID,
			BalanceAfter:    newBalance,
			CreatedUnixUTC:  service.nowFn(),
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		result = Result{NewBalance: newBalance}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		result, operationError = service.resolveDuplicate(ctx, userID)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		UserID:         userID,
		Amount:         amount,
		EntryType:      entryType,
		IdempotencyKey: idempotencyKey,
		Duplicate:      result.Duplicate,
		Error:          operationError,
	})
	return result, operationError
}

// replayResult checks for a prior entry under key and, when found,
// returns the current balance flagged as a duplicate.
func (service *Service) replayResult(ctx context.Context, transactionStore Store, userID UserID, idempotencyKey IdempotencyKey) (Result, bool, error) {
	_, found, err := transactionStore.FindEntryByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return Result{}, false, err
	}
	if !found {
		return Result{}, false, nil
	}
	account, err := transactionStore.GetAccount(ctx, userID)
	if err != nil {
		return Result{}, false, err
	}
	return Result{NewBalance: account.CreditsBalance, Duplicate: true}, true, nil
}

// resolveDuplicate handles the narrow race where two calls with the
// same key pass the replay check and one loses on the unique
// constraint: the loser's transaction rolled back, so the current
// balance is the winner's outcome.
func (service *Service) resolveDuplicate(ctx context.Context, userID UserID) (Result, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	return Result{NewBalance: account.CreditsBalance, Duplicate: true}, nil
}

func planForGrantType(entryType EntryType) Plan {
	if entryType == EntryPurchase {
		return PlanPro
	}
	return PlanFree
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
