package billing

import (
	"context"
	"fmt"
	"strings"
)

// AttachSubscription stores the payment-processor subscription
// reference on the account so later processor events can find it.
func (service *Service) AttachSubscription(requestContext context.Context, userID UserID, subscriptionID string) error {
	trimmed := strings.TrimSpace(subscriptionID)
	if trimmed == "" {
		return fmt.Errorf("%w: empty subscription id", ErrUnknownSubscription)
	}
	return service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if account.SubscriptionID == trimmed {
			return nil
		}
		account.SubscriptionID = trimmed
		return transactionStore.UpdateAccount(ctx, account)
	})
}

// ChangePlan moves the account to plan without touching the balance.
// Used for subscription cancellation and suspension downgrades.
func (service *Service) ChangePlan(requestContext context.Context, userID UserID, plan Plan) error {
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if account.Plan == plan {
			return nil
		}
		account.Plan = plan
		return transactionStore.UpdateAccount(ctx, account)
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationPlanChange,
		UserID:    userID,
		Error:     operationError,
	})
	return operationError
}

// AccountBySubscription resolves the account holding a stored
// subscription reference.
func (service *Service) AccountBySubscription(requestContext context.Context, subscriptionID string) (Account, error) {
	trimmed := strings.TrimSpace(subscriptionID)
	if trimmed == "" {
		return Account{}, fmt.Errorf("%w: empty subscription id", ErrUnknownSubscription)
	}
	return service.store.FindAccountBySubscription(requestContext, trimmed)
}

// ListEntries lists ledger entries for a user before a cutoff time.
func (service *Service) ListEntries(requestContext context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	return service.store.ListEntries(requestContext, userID, beforeUnixUTC, limit)
}
